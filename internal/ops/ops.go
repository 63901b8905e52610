// Package ops holds the operations the state machine invokes: blueprint
// and phase planning, phase implementation with streaming callbacks, the
// model-backed and deterministic fixers, user conversation with tools, and
// the deep-debug loop. Every operation takes an explicit Ctx snapshot
// instead of reaching for globals; cancellation arrives through the
// context.Context of the call.
package ops

import (
	"context"
	"fmt"
	"strings"

	"vibeforge/internal/inference"
	"vibeforge/internal/types"
)

// Ctx is the per-operation view of the world: a state snapshot, the
// template, and the inference clients. Fixer may be nil, in which case the
// primary client serves fixer traffic too.
type Ctx struct {
	State      *types.AgentState
	Template   *types.TemplateDetails
	Client     inference.Client
	Fixer      inference.Client
	FixerModel string
}

// fixerClient returns the client used for fast-fix traffic. Smart mode
// prefers the secondary provider when wired.
func (c Ctx) fixerClient() inference.Client {
	if c.State != nil && c.State.AgentMode == types.ModeSmart && c.Fixer != nil {
		return c.Fixer
	}
	return c.Client
}

// complete runs one non-streaming completion against the primary client.
func (c Ctx) complete(ctx context.Context, system, prompt string) (string, error) {
	return c.Client.Complete(ctx, inference.Request{
		System:      system,
		Prompt:      prompt,
		Model:       c.State.InferenceContext.Model,
		MaxTokens:   c.State.InferenceContext.MaxTokens,
		Temperature: c.State.InferenceContext.Temperature,
	})
}

// renderFiles formats a file list for inclusion in a prompt.
func renderFiles(files []types.GeneratedFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", f.Path, f.Contents)
	}
	return b.String()
}

// renderIssues formats analyzer findings for a prompt.
func renderIssues(issues []types.CodeIssue) string {
	var b strings.Builder
	for _, i := range issues {
		fmt.Fprintf(&b, "- %s:%d %s", i.FilePath, i.Line, i.Message)
		if i.RuleID != "" {
			fmt.Fprintf(&b, " (%s)", i.RuleID)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// renderRuntimeErrors formats captured runtime errors for a prompt.
func renderRuntimeErrors(errs []types.RuntimeError) string {
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s", e.Message)
		if e.Source != "" {
			fmt.Fprintf(&b, " (%s)", e.Source)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
