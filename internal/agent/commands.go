package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"vibeforge/internal/files"
	"vibeforge/internal/logging"
	"vibeforge/internal/ops"
	"vibeforge/internal/protocol"
	"vibeforge/internal/sandbox"
	"vibeforge/internal/types"
)

const (
	commandBatchSize      = 5
	installRetryLimit     = 3
	defaultCommandTimeout = 30 * time.Second
)

var (
	bulletPrefix   = regexp.MustCompile(`^[-*\x60]+\s*`)
	npmPrefix      = regexp.MustCompile(`^npm\b`)
	installPattern = regexp.MustCompile(`\b(bun|npm|install)\b`)
	pkgSyncPattern = regexp.MustCompile(`\b(install|add |remove|uninstall)\b`)
	commandShape   = regexp.MustCompile(`^[a-zA-Z0-9_./-]+(\s|$)`)
)

// looksLikeCommand filters model output down to plausible shell commands:
// a leading program token, no prose punctuation, single line.
func looksLikeCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.ContainsAny(cmd, "\n\r") {
		return false
	}
	if !commandShape.MatchString(cmd) {
		return false
	}
	if strings.HasSuffix(cmd, ".") || strings.Contains(cmd, ". ") {
		return false
	}
	return true
}

// validateAndClean normalizes a command list: bullet prefixes stripped,
// npm rewritten to bun, duplicates removed, non-commands dropped.
// Applying it twice is a no-op.
func validateAndClean(cmds []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, cmd := range cmds {
		cmd = strings.TrimSpace(bulletPrefix.ReplaceAllString(strings.TrimSpace(cmd), ""))
		cmd = strings.TrimSuffix(cmd, "`")
		cmd = npmPrefix.ReplaceAllString(cmd, "bun")
		if cmd == "" || !looksLikeCommand(cmd) || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	return out
}

// ExecCommands runs commands against the sandbox in batches. Failed
// install batches are retried with model-suggested alternatives; other
// failures drop the batch. When shouldSave is set, successful commands
// join the history and the bootstrap script is rewritten.
func (a *Agent) ExecCommands(ctx context.Context, cmds []string, shouldSave bool, timeout time.Duration) (*sandbox.ExecResult, error) {
	log := logging.Get(logging.CategoryCommands)

	cmds = validateAndClean(cmds)
	if len(cmds) == 0 {
		return &sandbox.ExecResult{Success: true}, nil
	}
	state := a.State()
	if state.SessionID == "" {
		return nil, types.NewKindError(types.KindSandboxUnavailable, "no sandbox session", nil)
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	combined := &sandbox.ExecResult{Success: true}
	var succeeded []string

	for start := 0; start < len(cmds); start += commandBatchSize {
		end := min(start+commandBatchSize, len(cmds))
		batch := cmds[start:end]

		results, err := a.runBatchWithRetries(ctx, state.SessionID, batch, timeout)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			combined.Results = append(combined.Results, r)
			if r.Success {
				succeeded = append(succeeded, r.Command)
			} else {
				combined.Success = false
			}
			a.broadcaster.Broadcast(protocol.TypeTerminalOutput, protocol.TerminalOutput{
				Output: fmt.Sprintf("$ %s\n%s%s", r.Command, r.Stdout, r.Stderr),
				Stderr: !r.Success,
			})
		}
	}

	if shouldSave && len(succeeded) > 0 {
		if err := a.recordCommands(ctx, succeeded); err != nil {
			log.Warnw("command history update failed", "error", err)
		}
	}
	return combined, nil
}

// runBatchWithRetries executes one batch, asking the setup assistant for
// alternatives when an install command fails.
func (a *Agent) runBatchWithRetries(ctx context.Context, sessionID string, batch []string, timeout time.Duration) ([]sandbox.CommandResult, error) {
	log := logging.Get(logging.CategoryCommands)

	for attempt := 0; ; attempt++ {
		res, err := a.sandbox.ExecuteCommands(ctx, sessionID, batch, timeout)
		if err != nil {
			return nil, err
		}
		if res.Success {
			return res.Results, nil
		}

		var failed []string
		var stderr strings.Builder
		installFailure := false
		for _, r := range res.Results {
			if !r.Success {
				failed = append(failed, r.Command)
				stderr.WriteString(r.Stderr)
				if installPattern.MatchString(r.Command) {
					installFailure = true
				}
			}
		}
		if !installFailure || attempt >= installRetryLimit-1 {
			// Non-install failures are not retried; the batch result
			// stands as-is.
			return res.Results, nil
		}

		alternatives, aerr := ops.AlternativeInstallCommands(ctx, a.opsCtx(), failed, stderr.String())
		if aerr != nil || len(alternatives) == 0 {
			log.Warnw("no alternative install commands", "error", aerr)
			return res.Results, nil
		}
		log.Infow("retrying installs with alternatives",
			"attempt", attempt+1, "alternatives", len(alternatives))
		batch = validateAndClean(alternatives)
		if len(batch) == 0 {
			return res.Results, nil
		}
	}
}

// recordCommands merges successful commands into the history, rewrites the
// bootstrap script, and syncs package.json after installs.
func (a *Agent) recordCommands(ctx context.Context, succeeded []string) error {
	var history []string
	if err := a.mutate(func(s *types.AgentState) error {
		s.CommandsHistory = validateAndClean(append(s.CommandsHistory, succeeded...))
		history = s.CommandsHistory
		return nil
	}); err != nil {
		return err
	}

	bootstrap := types.GeneratedFile{
		Path:     ".bootstrap.js",
		Contents: files.RenderBootstrap(history),
		Purpose:  "Setup commands replayed on cold-start clones",
	}
	if err := a.files.SaveGeneratedFiles([]types.GeneratedFile{bootstrap}, ""); err != nil {
		return err
	}

	for _, cmd := range succeeded {
		if pkgSyncPattern.MatchString(cmd) {
			return a.syncPackageJSONFromSandbox(ctx)
		}
	}
	return nil
}

// syncPackageJSONFromSandbox pulls the sandbox's package.json (installs
// mutate it) back into the generated set and commits it.
func (a *Agent) syncPackageJSONFromSandbox(ctx context.Context) error {
	state := a.State()
	if state.SessionID == "" {
		return nil
	}
	res, err := a.sandbox.GetFiles(ctx, state.SessionID, []string{"package.json"})
	if err != nil || !res.Success || len(res.Files) == 0 {
		return err
	}
	pkg := res.Files[0]
	if pkg.Contents == state.LastPackageJSON {
		return nil
	}

	if err := a.store.Mutate(func(s *types.AgentState) error {
		s.LastPackageJSON = pkg.Contents
		return nil
	}); err != nil {
		return err
	}
	pkg.Purpose = "Project manifest"
	return a.files.SaveGeneratedFiles([]types.GeneratedFile{pkg}, "Sync package.json from sandbox")
}
