package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vibeforge/internal/logging"
	"vibeforge/internal/ops"
	"vibeforge/internal/types"
)

// waitForGenerationTimeout bounds the wait_for_generation tool.
const waitForGenerationTimeout = 5 * time.Minute

// debugExecutor adapts the agent's sandbox and file manager to the
// deep-debug capability surface.
type debugExecutor struct {
	agent *Agent
}

func (e debugExecutor) ReadFile(ctx context.Context, path string) (string, error) {
	filesRead, err := e.agent.ReadFiles(ctx, []string{path})
	if err != nil {
		return "", err
	}
	if len(filesRead) == 0 {
		return "", types.NewKindError(types.KindNotFound, path, nil)
	}
	return filesRead[0].Contents, nil
}

func (e debugExecutor) WriteFile(ctx context.Context, path, contents string) error {
	file := types.GeneratedFile{Path: path, Contents: contents, Purpose: "Debug fix"}
	if err := e.agent.files.SaveGeneratedFiles([]types.GeneratedFile{file},
		fmt.Sprintf("Debug fix: %s", path)); err != nil {
		return err
	}
	state := e.agent.State()
	if state.SessionID != "" {
		return e.agent.sandbox.WriteFiles(ctx, state.SessionID, []types.GeneratedFile{file}, "debug fix")
	}
	return nil
}

func (e debugExecutor) Exec(ctx context.Context, command string) (string, error) {
	res, err := e.agent.ExecCommands(ctx, []string{command}, false, 0)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, r := range res.Results {
		out.WriteString(r.Stdout)
		out.WriteString(r.Stderr)
	}
	return out.String(), nil
}

func (e debugExecutor) StaticAnalysis(ctx context.Context) (*types.StaticAnalysis, error) {
	return e.agent.RunStaticAnalysisCode(ctx, nil)
}

// RunDeepDebug starts one debugging session. Sessions are exclusive with
// generation runs in both directions and limited to one tool invocation
// per conversation turn.
func (a *Agent) RunDeepDebug(ctx context.Context, issue string, focusPaths []string) (string, error) {
	a.mu.Lock()
	if a.generating {
		a.mu.Unlock()
		return "", types.ErrGenerationInProgress
	}
	if a.debugActive {
		a.mu.Unlock()
		return "", types.ErrDebugInProgress
	}
	if a.debugCalls >= 1 {
		a.mu.Unlock()
		return "", types.NewKindError(types.KindCallLimitExceeded,
			"deep debug already invoked this turn", nil)
	}
	a.debugActive = true
	a.debugCalls++
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.debugActive = false
		a.mu.Unlock()
	}()

	state := a.State()
	runtimeErrs, _ := a.FetchRuntimeErrors(ctx, true)

	transcript, err := ops.DeepDebug(ctx, a.opsCtx(), ops.DeepDebugRequest{
		Issue:              issue,
		PreviousTranscript: state.LastDeepDebugTranscript,
		FocusPaths:         focusPaths,
		RuntimeErrors:      runtimeErrs,
		Executor:           debugExecutor{agent: a},
		StreamChunk:        nil,
	})
	if transcript != "" {
		_ = a.mutate(func(s *types.AgentState) error {
			s.LastDeepDebugTranscript = transcript
			return nil
		})
	}
	return transcript, err
}

// conversationTools builds the tool registry for one conversation turn.
// Per-turn counters live on the agent and reset in HandleUserInput.
func (a *Agent) conversationTools() []ops.Tool {
	log := logging.Get(logging.CategoryAgent)

	str := func(args map[string]any, key string) string {
		v, _ := args[key].(string)
		return v
	}

	return []ops.Tool{
		{
			Name:        "queue_request",
			Description: "Queue a feature request or change for the next generation phase.",
			Execute: func(_ context.Context, args map[string]any) (string, error) {
				text := str(args, "request")
				if text == "" {
					return "", types.NewKindError(types.KindInvalidArgument, "request text required", nil)
				}
				if err := a.QueueUserRequest(text, nil); err != nil {
					return "", err
				}
				return "queued for the next phase", nil
			},
		},
		{
			Name:        "get_logs",
			Description: "Fetch recent application logs from the sandbox.",
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				reset, _ := args["reset"].(bool)
				logs, err := a.GetLogs(ctx, reset, time.Minute)
				if err != nil {
					return "", err
				}
				return logs.Stdout + logs.Stderr, nil
			},
		},
		{
			Name:        "deploy_preview",
			Description: "Deploy the current files to the sandbox and return the preview URL.",
			Execute: func(ctx context.Context, _ map[string]any) (string, error) {
				res, err := a.DeployToSandbox(ctx, nil, false, "preview deploy", false)
				if err != nil {
					return "", err
				}
				return res.PreviewURL, nil
			},
		},
		{
			Name:        "rename_project",
			Description: "Rename the project. Names are lowercase slugs of 3-50 characters.",
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				ok, err := a.UpdateProjectName(ctx, str(args, "name"))
				if err != nil {
					return "", err
				}
				if !ok {
					return "", types.NewKindError(types.KindInvalidArgument,
						"name must match ^[a-z0-9_-]{3,50}$", nil)
				}
				return "renamed", nil
			},
		},
		{
			Name:        "commit_history",
			Description: "List recent commits of the project's version history.",
			Execute: func(_ context.Context, _ map[string]any) (string, error) {
				commits := a.git.Log(20)
				data, err := json.Marshal(commits)
				return string(data), err
			},
		},
		{
			Name:        "show_commit",
			Description: "Show a commit: metadata, files, and per-file diffs.",
			Execute: func(_ context.Context, args map[string]any) (string, error) {
				res, err := a.git.Show(str(args, "oid"), true)
				if err != nil {
					return "", err
				}
				data, err := json.Marshal(res)
				return string(data), err
			},
		},
		{
			Name:        "revert_to_commit",
			Description: "DESTRUCTIVE: reset the project files to an earlier commit. Confirm with the user before calling.",
			Execute: func(_ context.Context, args map[string]any) (string, error) {
				if err := a.git.Reset(str(args, "oid"), true); err != nil {
					return "", err
				}
				return "working tree reset", nil
			},
		},
		{
			Name:        "deep_debug",
			Description: "Run an autonomous debugging session on a described issue. One call per turn.",
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				var focus []string
				if raw, ok := args["focusPaths"].([]any); ok {
					for _, p := range raw {
						if s, ok := p.(string); ok {
							focus = append(focus, s)
						}
					}
				}
				transcript, err := a.RunDeepDebug(ctx, str(args, "issue"), focus)
				if err != nil {
					switch types.KindOf(err) {
					case types.KindGenerationInProgress:
						return `{"error":"GENERATION_IN_PROGRESS"}`, nil
					case types.KindDebugInProgress:
						return `{"error":"DEBUG_IN_PROGRESS"}`, nil
					case types.KindCallLimitExceeded:
						return `{"error":"CALL_LIMIT_EXCEEDED"}`, nil
					}
					return "", err
				}
				return transcript, nil
			},
		},
		{
			Name:        "wait_for_generation",
			Description: "Block until the current generation run finishes.",
			Execute: func(ctx context.Context, _ map[string]any) (string, error) {
				deadline := time.Now().Add(waitForGenerationTimeout)
				ticker := time.NewTicker(500 * time.Millisecond)
				defer ticker.Stop()
				for a.IsCodeGenerating() {
					if time.Now().After(deadline) {
						return "", types.NewKindError(types.KindTransient,
							"generation still running after wait timeout", nil)
					}
					select {
					case <-ctx.Done():
						return "", ctx.Err()
					case <-ticker.C:
					}
				}
				log.Debugw("wait_for_generation resolved")
				return "generation complete", nil
			},
		},
	}
}
