package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/bot"
	"chatrelay/internal/config"
	"chatrelay/internal/history"
	"chatrelay/internal/inference"
	"chatrelay/internal/logging"
	"chatrelay/internal/prompt"
	"chatrelay/internal/redis"
	"chatrelay/internal/routing"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/service/command"
	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
	"chatrelay/internal/telegram"
	"chatrelay/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgPath      string
	clearHistory bool
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Relay Telegram chats to a language model",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("clear-history") {
			cfg.Basic.ClearHistory = clearHistory
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", os.Getenv("CHATRELAY_CONFIG"), "path to the config file")
	rootCmd.Flags().BoolVar(&clearHistory, "clear-history", false, "delete all stored history before starting")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatrelay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	driver := cfg.Basic.DBDriver
	logger.Info("starting relay",
		zap.String("db_driver", driver),
		zap.String("inference", cfg.Inference.Kind),
		zap.String("model", cfg.Generation.Model),
		zap.String("mode", cfg.Telegram.Mode),
		zap.String("bot_token", logging.Mask(cfg.Telegram.BotToken)),
		zap.String("api_key", logging.Mask(cfg.Inference.APIKey)),
	)

	db, err := storage.Open(driver, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlStore, err := history.NewStore(db, driver, logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("init history store: %w", err)
	}
	var (
		store history.Backend = sqlStore
		rdb   *redis.Client
	)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close history store", zap.Error(err))
		}
		if rdb != nil {
			rdb.Close()
		}
	}()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		cached, err := history.NewCachedStore(ctx, sqlStore, rdb, cfg.Redis.TTL, logger)
		if err != nil {
			return err
		}
		store = cached
	}
	if cfg.Basic.ClearHistory {
		if err := store.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
	}

	gen := cfg.Generation
	if gen.SystemPromptFile != "" {
		text, err := prompt.LoadSystemPrompt(ctx, gen.SystemPromptFile)
		if err != nil {
			return fmt.Errorf("load system prompt: %w", err)
		}
		gen.SystemPrompt = text
	}
	rt, err := settings.New(settings.Snapshot{
		Model:         gen.Model,
		Provider:      gen.Provider,
		SystemPrompt:  gen.SystemPrompt,
		Temperature:   gen.Temperature,
		TopP:          gen.TopP,
		MaxTokens:     gen.MaxTokens,
		ContextWindow: gen.ContextWindow,
		RetentionSize: gen.RetentionSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("init settings: %w", err)
	}

	client, err := inference.New(ctx, cfg.Inference, gen, logger)
	if err != nil {
		return fmt.Errorf("init inference client: %w", err)
	}

	workers := worker.NewManager(worker.Config{
		QueueSize:   cfg.Workers.QueueSize,
		IdleTimeout: cfg.Workers.IdleTimeout,
	}, logger)
	defer workers.Close()

	assembler := prompt.NewAssembler(store, rt, logger)
	chatService := chat.NewService(assembler, client, workers, cfg.Basic.FallbackReply, logger)
	commands := command.NewService(rt, store, cfg.Telegram.AdminUserIDs, logger)

	tg := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.SendRate)
	router := routing.New(cfg.Telegram.BotUsername, routing.ResolverFunc(func(ctx context.Context) (routing.Identity, error) {
		me, err := tg.GetMe(ctx)
		if err != nil {
			return routing.Identity{ID: routing.UnknownBotID}, err
		}
		return routing.Identity{ID: me.ID, Username: me.Username}, nil
	}), logger)
	relay := bot.New(router, chatService, commands, workers, tg, logger)

	var updates api.UpdateDispatcher
	if cfg.Telegram.Mode == config.ModeWebhook {
		updates = relay
	}
	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(rt, store, chatService, updates, auth.NewService(cfg.HTTP.AdminToken, cfg.Telegram.WebhookSecret), logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           handler.NewEngine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	switch cfg.Telegram.Mode {
	case config.ModeWebhook:
		g.Go(func() error {
			if err := tg.SetWebhook(gctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
				return fmt.Errorf("set webhook: %w", err)
			}
			logger.Info("webhook registered", zap.String("url", cfg.Telegram.WebhookURL))
			return nil
		})
	default:
		poller := telegram.NewPoller(tg, cfg.Telegram.PollTimeout, relay.Dispatch, logger)
		g.Go(func() error {
			// getUpdates is refused while a webhook is registered.
			if err := tg.DeleteWebhook(gctx); err != nil {
				logger.Warn("delete webhook failed", zap.Error(err))
			}
			return poller.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
