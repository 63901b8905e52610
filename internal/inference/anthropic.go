package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"vibeforge/internal/config"
	"vibeforge/internal/logging"
	"vibeforge/internal/metrics"
)

// defaultAnthropicModel is used when neither the request nor the config
// names a model for this provider.
const defaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic is the secondary provider; the smart agent mode routes fast
// fixer traffic through it.
type Anthropic struct {
	client anthropic.Client
	cfg    config.InferenceConfig
}

// NewAnthropic creates the Anthropic-backed client.
func NewAnthropic(cfg config.InferenceConfig) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		cfg:    cfg,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	msg, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		metrics.InferenceRequests.WithLabelValues(a.Name(), "error").Inc()
		return "", a.mapErr(err)
	}
	metrics.InferenceRequests.WithLabelValues(a.Name(), "ok").Inc()

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

func (a *Anthropic) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(req))

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()
		if delta := event.Delta.Text; delta != "" {
			full.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		metrics.InferenceRequests.WithLabelValues(a.Name(), "error").Inc()
		return full.String(), a.mapErr(err)
	}
	metrics.InferenceRequests.WithLabelValues(a.Name(), "ok").Inc()
	return full.String(), nil
}

func (a *Anthropic) params(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	if model == "" || strings.HasPrefix(model, "gemini") {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.MaxOutputTokens
	}
	if maxTokens == 0 || maxTokens > 64000 {
		maxTokens = 64000
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (a *Anthropic) mapErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return rateLimited("anthropic rate limit exceeded", err)
		}
		logging.Get(logging.CategoryInference).Warnw("anthropic api error",
			"status", apiErr.StatusCode)
	}
	return fmt.Errorf("anthropic: %w", err)
}
