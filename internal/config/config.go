package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHATRELAY"

// Config represents runtime configuration for the relay.
type Config struct {
	Basic      BasicConfig               `mapstructure:"basic"`
	Databases  map[string]DatabaseConfig `mapstructure:"databases"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Telegram   TelegramConfig            `mapstructure:"telegram"`
	Inference  InferenceConfig           `mapstructure:"inference"`
	Generation GenerationConfig          `mapstructure:"generation"`
	Workers    WorkerConfig              `mapstructure:"workers"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	Log        LogConfig                 `mapstructure:"log"`
}

type BasicConfig struct {
	DBDriver      string `mapstructure:"db_driver"`
	ClearHistory  bool   `mapstructure:"clear_history"`
	FallbackReply string `mapstructure:"fallback_reply"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type TelegramConfig struct {
	BotToken      string        `mapstructure:"bot_token"`
	BotUsername   string        `mapstructure:"bot_username"`
	APIBase       string        `mapstructure:"api_base"`
	Mode          string        `mapstructure:"mode"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	AdminUserIDs  []int64       `mapstructure:"admin_user_ids"`
	SendRate      float64       `mapstructure:"send_rate"`
}

type InferenceConfig struct {
	Kind           string        `mapstructure:"kind"`
	URL            string        `mapstructure:"url"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Referer        string        `mapstructure:"referer"`
	Title          string        `mapstructure:"title"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GenerationConfig struct {
	Model            string  `mapstructure:"model"`
	Provider         string  `mapstructure:"provider"`
	SystemPrompt     string  `mapstructure:"system_prompt"`
	SystemPromptFile string  `mapstructure:"system_prompt_file"`
	Temperature      float64 `mapstructure:"temperature"`
	TopP             float64 `mapstructure:"top_p"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	ContextWindow    int     `mapstructure:"context_window"`
	RetentionSize    int     `mapstructure:"retention_size"`
}

type WorkerConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type HTTPConfig struct {
	Address    string `mapstructure:"address"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

var inferenceKinds = map[string]bool{"router": true, "openai": true, "claude": true, "gemini": true}

// Load reads configuration from path (config.json in the working directory
// when empty), applies CHATRELAY_* environment overrides and validates it.
// A .env file next to the binary is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var baseDir string
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		baseDir = filepath.Dir(absPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			baseDir = filepath.Dir(v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic.db_driver", "sqlite3")
	v.SetDefault("basic.clear_history", false)
	v.SetDefault("basic.fallback_reply", "Service temporarily unavailable")

	v.SetDefault("databases.sqlite3.dsn", "bot_history.db")
	v.SetDefault("databases.sqlite.dsn", "bot_history.db")
	v.SetDefault("databases.mysql.dsn", "")
	v.SetDefault("databases.mysql.host", "127.0.0.1")
	v.SetDefault("databases.mysql.port", 3306)
	v.SetDefault("databases.mysql.username", "")
	v.SetDefault("databases.mysql.password", "")
	v.SetDefault("databases.mysql.dbname", "chatrelay")
	v.SetDefault("databases.mysql.params", "charset=utf8mb4")
	v.SetDefault("databases.postgres.dsn", "")
	v.SetDefault("databases.postgres.host", "127.0.0.1")
	v.SetDefault("databases.postgres.port", 5432)
	v.SetDefault("databases.postgres.username", "")
	v.SetDefault("databases.postgres.password", "")
	v.SetDefault("databases.postgres.dbname", "chatrelay")
	v.SetDefault("databases.postgres.params", "sslmode=disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 30*time.Minute)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.bot_username", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.mode", ModePolling)
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.webhook_url", "")
	v.SetDefault("telegram.webhook_secret", "")
	v.SetDefault("telegram.admin_user_ids", []int64{})
	v.SetDefault("telegram.send_rate", 25.0)

	v.SetDefault("inference.kind", "router")
	v.SetDefault("inference.url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.referer", "")
	v.SetDefault("inference.title", "TgBot")
	v.SetDefault("inference.connect_timeout", 10*time.Second)
	v.SetDefault("inference.request_timeout", 120*time.Second)

	v.SetDefault("generation.model", "")
	v.SetDefault("generation.provider", "")
	v.SetDefault("generation.system_prompt", "You are a helpful assistant.")
	v.SetDefault("generation.system_prompt_file", "")
	v.SetDefault("generation.temperature", 0.3)
	v.SetDefault("generation.top_p", 0.8)
	v.SetDefault("generation.max_tokens", 1024)
	v.SetDefault("generation.context_window", 8)
	v.SetDefault("generation.retention_size", 0)

	v.SetDefault("workers.queue_size", 16)
	v.SetDefault("workers.idle_timeout", 5*time.Minute)

	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.admin_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

func (c *Config) normalize(baseDir string) {
	c.Basic.DBDriver = strings.ToLower(strings.TrimSpace(c.Basic.DBDriver))
	c.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Telegram.Mode))
	c.Telegram.BotUsername = strings.TrimPrefix(strings.TrimSpace(c.Telegram.BotUsername), "@")
	c.Inference.Kind = strings.ToLower(strings.TrimSpace(c.Inference.Kind))
	c.Generation.Provider = strings.TrimSpace(c.Generation.Provider)
	c.Telegram.APIBase = strings.TrimRight(c.Telegram.APIBase, "/")

	if c.Generation.RetentionSize <= 0 {
		c.Generation.RetentionSize = DefaultRetention(c.Generation.ContextWindow)
	}
	if c.Inference.Referer == "" && c.Telegram.BotUsername != "" {
		c.Inference.Referer = "https://t.me/" + c.Telegram.BotUsername
	}

	// Relative SQLite files and prompt files live next to the config file.
	if baseDir == "" {
		return
	}
	for _, driver := range []string{"sqlite3", "sqlite"} {
		db, ok := c.Databases[driver]
		if !ok || !isRelativeFile(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(baseDir, db.DSN)
		c.Databases[driver] = db
	}
	if p := c.Generation.SystemPromptFile; p != "" && !filepath.IsAbs(p) {
		c.Generation.SystemPromptFile = filepath.Join(baseDir, p)
	}
}

func isRelativeFile(dsn string) bool {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return false
	}
	return !filepath.IsAbs(dsn)
}

// DefaultRetention is the stored-turn budget used when none is configured.
func DefaultRetention(window int) int {
	return max(40, 4*window)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Basic.DBDriver {
	case "sqlite3", "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.Basic.DBDriver)
	}
	if _, ok := c.Databases[c.Basic.DBDriver]; !ok {
		return fmt.Errorf("database config for %s not found", c.Basic.DBDriver)
	}
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return errors.New("telegram.bot_token must be configured")
	}
	switch c.Telegram.Mode {
	case ModePolling:
		if c.Telegram.PollTimeout <= 0 {
			return errors.New("telegram.poll_timeout must be positive")
		}
	case ModeWebhook:
		if c.Telegram.WebhookURL == "" {
			return errors.New("telegram.webhook_url must be configured in webhook mode")
		}
	default:
		return fmt.Errorf("unsupported telegram.mode %q", c.Telegram.Mode)
	}
	if c.Telegram.SendRate <= 0 {
		return errors.New("telegram.send_rate must be positive")
	}
	if !inferenceKinds[c.Inference.Kind] {
		return fmt.Errorf("unsupported inference.kind %q", c.Inference.Kind)
	}
	if strings.TrimSpace(c.Inference.APIKey) == "" {
		return errors.New("inference.api_key must be configured")
	}
	if c.Inference.Kind == "router" && c.Inference.URL == "" {
		return errors.New("inference.url must be configured")
	}
	if c.Inference.ConnectTimeout <= 0 || c.Inference.RequestTimeout <= 0 {
		return errors.New("inference timeouts must be positive")
	}

	g := c.Generation
	if strings.TrimSpace(g.Model) == "" {
		return errors.New("generation.model must be configured")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("generation.temperature %v out of range [0,2]", g.Temperature)
	}
	if g.TopP < 0 || g.TopP > 1 {
		return fmt.Errorf("generation.top_p %v out of range [0,1]", g.TopP)
	}
	if g.MaxTokens <= 0 || g.MaxTokens > 4096 {
		return fmt.Errorf("generation.max_tokens %d out of range (0,4096]", g.MaxTokens)
	}
	if g.ContextWindow <= 0 {
		return errors.New("generation.context_window must be positive")
	}
	if g.RetentionSize <= 0 {
		return errors.New("generation.retention_size must be positive")
	}
	if c.Workers.QueueSize <= 0 {
		return errors.New("workers.queue_size must be positive")
	}
	if c.Workers.IdleTimeout <= 0 {
		return errors.New("workers.idle_timeout must be positive")
	}
	return nil
}
