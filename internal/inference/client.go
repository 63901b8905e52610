// Package inference wraps the model providers behind one small client
// interface. Providers map their own rate-limit signals onto the shared
// RateLimitExceeded error kind so the state machine can abort a run without
// knowing which backend was active.
package inference

import (
	"context"
	"fmt"

	"vibeforge/internal/config"
	"vibeforge/internal/types"
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client is a completion backend.
type Client interface {
	// Complete returns the full response text.
	Complete(ctx context.Context, req Request) (string, error)
	// Stream invokes onChunk for each delta and returns the full text.
	Stream(ctx context.Context, req Request, onChunk func(string)) (string, error)
	// Name identifies the provider in logs and metrics.
	Name() string
}

// New builds the provider selected by cfg.Provider.
func New(ctx context.Context, cfg config.InferenceConfig) (Client, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGemini(ctx, cfg)
	case "anthropic":
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

// Secondary builds the Anthropic provider when a key is configured; the
// smart agent mode routes fixer traffic through it.
func Secondary(cfg config.InferenceConfig) Client {
	if cfg.AnthropicAPIKey == "" {
		return nil
	}
	return NewAnthropic(cfg)
}

func rateLimited(message string, err error) error {
	return types.NewKindError(types.KindRateLimitExceeded, message, err)
}
