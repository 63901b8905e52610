package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"vibeforge/internal/config"
	"vibeforge/internal/logging"
	"vibeforge/internal/metrics"
)

// Gemini is the primary provider, backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    config.InferenceConfig
}

// NewGemini creates the Gemini-backed client.
func NewGemini(ctx context.Context, cfg config.InferenceConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	model, conf := g.prepare(req)

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), conf)
	if err != nil {
		metrics.InferenceRequests.WithLabelValues(g.Name(), "error").Inc()
		return "", g.mapErr(err)
	}
	metrics.InferenceRequests.WithLabelValues(g.Name(), "ok").Inc()
	return resp.Text(), nil
}

func (g *Gemini) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	model, conf := g.prepare(req)

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, genai.Text(req.Prompt), conf) {
		if err != nil {
			metrics.InferenceRequests.WithLabelValues(g.Name(), "error").Inc()
			return full.String(), g.mapErr(err)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	metrics.InferenceRequests.WithLabelValues(g.Name(), "ok").Inc()
	return full.String(), nil
}

func (g *Gemini) prepare(req Request) (string, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.cfg.MaxOutputTokens
	}

	conf := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		conf.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	return model, conf
}

func (g *Gemini) mapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			return rateLimited("gemini rate limit exceeded", err)
		}
		logging.Get(logging.CategoryInference).Warnw("gemini api error",
			"code", apiErr.Code, "message", apiErr.Message)
	}
	return fmt.Errorf("gemini: %w", err)
}
