package reasoning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Package reasoning is the boundary to the AI reasoning service.
//
// The remediation engine never depends on AI output for a decision. A Narrator
// only produces the free-text risk commentary attached to a recommendation;
// verdicts, scores and approval requirements are computed deterministically
// elsewhere and are unaffected when narration fails or is not configured.
//
// Providers:
//   - "openai"  any OpenAI-compatible chat completions endpoint (go-openai)
//   - "static"  fixed text, for demos and tests
//   - ""        narration disabled

// NotConfigured is the commentary used when no narrator is available.
const NotConfigured = "AI reasoning not configured"

// Narrator produces commentary for a prompt.
type Narrator interface {
	Narrate(ctx context.Context, prompt string) (string, error)
}

// Config selects and configures a narrator.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// New builds the narrator described by cfg. It returns (nil, nil) when
// narration is disabled.
func New(cfg Config, logger *zap.Logger) (Narrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "static":
		return Static(NotConfigured), nil
	case "openai":
		if cfg.APIKey == "" {
			logger.Warn("reasoning provider openai selected without api key, narration disabled")
			return nil, nil
		}
		return NewOpenAINarrator(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
}

// Static is a Narrator that always returns itself.
type Static string

func (s Static) Narrate(context.Context, string) (string, error) { return string(s), nil }
