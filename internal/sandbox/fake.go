package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"vibeforge/internal/types"
)

// Fake is an in-memory sandbox used by tests and by the local development
// mode of the service. It applies writes to a file map and answers every
// command with success.
type Fake struct {
	mu            sync.Mutex
	Files         map[string]string
	Commands      []string
	RuntimeErrs   []types.RuntimeError
	Analysis      types.StaticAnalysis
	DeployCount   int
	FailNextExec  bool
	PreviewDomain string
}

// NewFake returns an empty healthy fake.
func NewFake() *Fake {
	return &Fake{
		Files:         map[string]string{},
		Analysis:      types.StaticAnalysis{Success: true},
		PreviewDomain: "preview.local",
	}
}

func (f *Fake) Deploy(_ context.Context, sessionID string, files []types.GeneratedFile, opts DeployOptions) (*DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range files {
		f.Files[file.Path] = file.Contents
	}
	f.DeployCount++
	if opts.Redeploy {
		sessionID = fmt.Sprintf("%s-r%d", sessionID, f.DeployCount)
	}
	return &DeployResult{
		PreviewURL: fmt.Sprintf("https://%s.%s", sessionID, f.PreviewDomain),
		SessionID:  sessionID,
	}, nil
}

func (f *Fake) GetFiles(_ context.Context, _ string, paths []string) (*GetFilesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &GetFilesResult{Success: true}
	for _, p := range paths {
		if contents, ok := f.Files[p]; ok {
			res.Files = append(res.Files, types.GeneratedFile{Path: p, Contents: contents})
		}
	}
	return res, nil
}

func (f *Fake) WriteFiles(_ context.Context, _ string, files []types.GeneratedFile, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range files {
		f.Files[file.Path] = file.Contents
	}
	return nil
}

func (f *Fake) ExecuteCommands(_ context.Context, _ string, commands []string, _ time.Duration) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &ExecResult{Success: true}
	for _, cmd := range commands {
		ok := true
		if f.FailNextExec {
			ok = false
			f.FailNextExec = false
			res.Success = false
		}
		f.Commands = append(f.Commands, cmd)
		res.Results = append(res.Results, CommandResult{Command: cmd, Success: ok})
	}
	return res, nil
}

func (f *Fake) RunStaticAnalysis(_ context.Context, _ string, _ []string) (*types.StaticAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	analysis := f.Analysis
	return &analysis, nil
}

func (f *Fake) FetchRuntimeErrors(_ context.Context, _ string, clear bool) ([]types.RuntimeError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]types.RuntimeError(nil), f.RuntimeErrs...)
	if clear {
		f.RuntimeErrs = nil
	}
	return out, nil
}

func (f *Fake) GetLogs(_ context.Context, _ string, reset bool, _ time.Duration) (*LogsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &LogsResult{Stdout: strings.Join(f.Commands, "\n"), Success: true}
	if reset {
		f.Commands = nil
	}
	return out, nil
}

func (f *Fake) GetInstanceStatus(context.Context, string) (*InstanceStatus, error) {
	return &InstanceStatus{IsHealthy: true, Success: true}, nil
}

func (f *Fake) UpdateProjectName(context.Context, string, string) error { return nil }
