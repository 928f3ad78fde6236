package settings

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

const (
	MaxTemperature = 2.0
	MaxTopP        = 1.0
	MaxTokensLimit = 4096
)

// Snapshot is a point-in-time copy of the runtime settings.
type Snapshot struct {
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	MaxTokens     int     `json:"max_tokens"`
	ContextWindow int     `json:"context_window"`
	RetentionSize int     `json:"retention_size"`
}

// ConfigError reports a rejected settings value. The previous value stays.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Runtime holds generation settings that admins may change while the relay
// runs. ContextWindow and RetentionSize are fixed at construction.
type Runtime struct {
	mu     sync.RWMutex
	cur    Snapshot
	logger *zap.Logger
}

// New validates initial and returns the runtime settings seeded with it.
func New(initial Snapshot, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	checks := []error{
		checkModel(initial.Model),
		checkProvider(initial.Provider),
		checkPrompt(initial.SystemPrompt),
		checkTemperature(initial.Temperature),
		checkTopP(initial.TopP),
		checkMaxTokens(initial.MaxTokens),
	}
	for _, err := range checks {
		if err != nil {
			return nil, err
		}
	}
	if initial.ContextWindow <= 0 {
		return nil, &ConfigError{Field: "context_window", Value: initial.ContextWindow, Reason: "must be positive"}
	}
	if initial.RetentionSize <= 0 {
		return nil, &ConfigError{Field: "retention_size", Value: initial.RetentionSize, Reason: "must be positive"}
	}
	initial.Provider = strings.TrimSpace(initial.Provider)
	return &Runtime{cur: initial, logger: logger.Named("settings")}, nil
}

// Snapshot returns a copy of every field.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

func (r *Runtime) Model() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.Model
}

// Provider returns the upstream provider constraint, or "" for none.
func (r *Runtime) Provider() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.Provider
}

func (r *Runtime) SystemPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.SystemPrompt
}

func (r *Runtime) Temperature() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.Temperature
}

func (r *Runtime) TopP() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.TopP
}

func (r *Runtime) MaxTokens() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.MaxTokens
}

func (r *Runtime) ContextWindow() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.ContextWindow
}

func (r *Runtime) RetentionSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.RetentionSize
}

func (r *Runtime) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if err := checkModel(model); err != nil {
		return err
	}
	r.update("model", func(s *Snapshot) { s.Model = model })
	return nil
}

// SetProvider constrains routing to one upstream provider; "" clears it.
func (r *Runtime) SetProvider(provider string) error {
	provider = strings.TrimSpace(provider)
	if err := checkProvider(provider); err != nil {
		return err
	}
	r.update("provider", func(s *Snapshot) { s.Provider = provider })
	return nil
}

func (r *Runtime) SetSystemPrompt(prompt string) error {
	if err := checkPrompt(prompt); err != nil {
		return err
	}
	r.update("system_prompt", func(s *Snapshot) { s.SystemPrompt = prompt })
	return nil
}

func (r *Runtime) SetTemperature(v float64) error {
	if err := checkTemperature(v); err != nil {
		return err
	}
	r.update("temperature", func(s *Snapshot) { s.Temperature = v })
	return nil
}

func (r *Runtime) SetTopP(v float64) error {
	if err := checkTopP(v); err != nil {
		return err
	}
	r.update("top_p", func(s *Snapshot) { s.TopP = v })
	return nil
}

func (r *Runtime) SetMaxTokens(n int) error {
	if err := checkMaxTokens(n); err != nil {
		return err
	}
	r.update("max_tokens", func(s *Snapshot) { s.MaxTokens = n })
	return nil
}

func (r *Runtime) update(field string, apply func(*Snapshot)) {
	r.mu.Lock()
	apply(&r.cur)
	r.mu.Unlock()
	r.logger.Info("setting changed", zap.String("field", field))
}

func checkModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return &ConfigError{Field: "model", Value: `""`, Reason: "must not be empty"}
	}
	if hasControl(model, false) {
		return &ConfigError{Field: "model", Value: fmt.Sprintf("%q", model), Reason: "contains control characters"}
	}
	return nil
}

func checkProvider(provider string) error {
	if hasControl(provider, false) {
		return &ConfigError{Field: "provider", Value: fmt.Sprintf("%q", provider), Reason: "contains control characters"}
	}
	return nil
}

func checkPrompt(prompt string) error {
	if hasControl(prompt, true) {
		return &ConfigError{Field: "system_prompt", Value: "(redacted)", Reason: "contains control characters"}
	}
	return nil
}

func checkTemperature(v float64) error {
	if v < 0 || v > MaxTemperature || math.IsNaN(v) {
		return &ConfigError{Field: "temperature", Value: v, Reason: "must be within [0, 2]"}
	}
	return nil
}

func checkTopP(v float64) error {
	if v < 0 || v > MaxTopP || math.IsNaN(v) {
		return &ConfigError{Field: "top_p", Value: v, Reason: "must be within [0, 1]"}
	}
	return nil
}

func checkMaxTokens(n int) error {
	if n <= 0 || n > MaxTokensLimit {
		return &ConfigError{Field: "max_tokens", Value: n, Reason: "must be within (0, 4096]"}
	}
	return nil
}

func hasControl(s string, allowLayout bool) bool {
	for _, r := range s {
		if allowLayout && (r == '\n' || r == '\t' || r == '\r') {
			continue
		}
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
