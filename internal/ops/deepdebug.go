package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// DebugExecutor is the capability surface the deep-debug loop drives. The
// agent implements it against the sandbox and file manager.
type DebugExecutor interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, contents string) error
	Exec(ctx context.Context, command string) (string, error)
	StaticAnalysis(ctx context.Context) (*types.StaticAnalysis, error)
}

// deepDebugMaxTurns bounds the tool loop of one debug session.
const deepDebugMaxTurns = 20

// loopDetectionWindow flags a tool call repeated this many times in a row.
const loopDetectionWindow = 3

// DeepDebugRequest describes one debugging session.
type DeepDebugRequest struct {
	Issue              string
	PreviousTranscript string
	FocusPaths         []string
	RuntimeErrors      []types.RuntimeError
	Executor           DebugExecutor
	StreamChunk        func(string)
}

// DeepDebug runs the autonomous debugging loop and returns the transcript.
// The caller enforces exclusivity against generation runs.
func DeepDebug(ctx context.Context, c Ctx, req DeepDebugRequest) (string, error) {
	log := logging.Get(logging.CategoryDebug)

	var transcript strings.Builder
	fmt.Fprintf(&transcript, "Issue: %s\n", req.Issue)
	if len(req.FocusPaths) > 0 {
		fmt.Fprintf(&transcript, "Focus: %s\n", strings.Join(req.FocusPaths, ", "))
	}
	if len(req.RuntimeErrors) > 0 {
		transcript.WriteString("Runtime errors:\n")
		transcript.WriteString(renderRuntimeErrors(req.RuntimeErrors))
	}
	if req.PreviousTranscript != "" {
		fmt.Fprintf(&transcript, "\nPrevious debug session:\n%s\n", req.PreviousTranscript)
	}

	var recent []string
	for turn := 0; turn < deepDebugMaxTurns; turn++ {
		text, err := c.Client.Complete(ctx, inference.Request{
			System: deepDebugSystem,
			Prompt: transcript.String() + "\nNext action:",
			Model:  c.State.InferenceContext.Model,
		})
		if err != nil {
			return transcript.String(), fmt.Errorf("deep debug turn %d: %w", turn, err)
		}
		if req.StreamChunk != nil {
			req.StreamChunk(text)
		}

		inv, ok := parseToolInvocation(text)
		if !ok {
			fmt.Fprintf(&transcript, "\n%s\n", strings.TrimSpace(text))
			log.Infow("deep debug finished", "turns", turn+1)
			return transcript.String(), nil
		}

		signature := toolSignature(inv)
		recent = append(recent, signature)
		if repeated(recent, loopDetectionWindow) {
			warning := types.NewKindError(types.KindLoopDetected,
				fmt.Sprintf("tool %s repeated %d times with identical arguments", inv.Tool, loopDetectionWindow), nil)
			fmt.Fprintf(&transcript, "\n[tool %s] BLOCKED: %v. Try a different approach.\n", inv.Tool, warning)
			recent = nil
			continue
		}

		output := runDebugTool(ctx, req.Executor, inv)
		fmt.Fprintf(&transcript, "\n[tool %s %s]\n%s\n", inv.Tool, compactArgs(inv.Args), output)
	}

	transcript.WriteString("\nVERDICT: turn limit reached without resolution.\n")
	return transcript.String(), nil
}

func runDebugTool(ctx context.Context, exec DebugExecutor, inv toolInvocation) string {
	str := func(key string) string {
		v, _ := inv.Args[key].(string)
		return v
	}
	switch inv.Tool {
	case "read_file":
		contents, err := exec.ReadFile(ctx, str("path"))
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return contents
	case "write_file":
		if err := exec.WriteFile(ctx, str("path"), str("contents")); err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return "written"
	case "exec":
		out, err := exec.Exec(ctx, str("command"))
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return out
	case "static_analysis":
		analysis, err := exec.StaticAnalysis(ctx)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		data, _ := json.Marshal(analysis)
		return string(data)
	default:
		return fmt.Sprintf("unknown tool %q", inv.Tool)
	}
}

// toolSignature identifies an invocation by tool name and full marshaled
// arguments. Signatures never truncate; only the transcript display does.
func toolSignature(inv toolInvocation) string {
	data, err := json.Marshal(inv.Args)
	if err != nil {
		data = []byte("{}")
	}
	return inv.Tool + "|" + string(data)
}

// compactArgs is the transcript display form of an argument map.
func compactArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	if len(data) > 120 {
		data = data[:120]
	}
	return string(data)
}

// repeated reports whether the last n entries are identical.
func repeated(history []string, n int) bool {
	if len(history) < n {
		return false
	}
	last := history[len(history)-1]
	for i := len(history) - n; i < len(history); i++ {
		if history[i] != last {
			return false
		}
	}
	return true
}
