// Package sandbox is the typed HTTP facade over the external sandbox
// execution service. Each call is one JSON POST with a context deadline;
// service-level failures surface as typed error kinds so the orchestrator
// can distinguish an expired preview from an unreachable sandbox.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// Interface is the sandbox surface the agent programs against. Tests
// substitute an in-memory fake.
type Interface interface {
	Deploy(ctx context.Context, sessionID string, files []types.GeneratedFile, opts DeployOptions) (*DeployResult, error)
	GetFiles(ctx context.Context, sessionID string, paths []string) (*GetFilesResult, error)
	WriteFiles(ctx context.Context, sessionID string, files []types.GeneratedFile, message string) error
	ExecuteCommands(ctx context.Context, sessionID string, commands []string, timeout time.Duration) (*ExecResult, error)
	RunStaticAnalysis(ctx context.Context, sessionID string, files []string) (*types.StaticAnalysis, error)
	FetchRuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]types.RuntimeError, error)
	GetLogs(ctx context.Context, sessionID string, reset bool, duration time.Duration) (*LogsResult, error)
	GetInstanceStatus(ctx context.Context, sessionID string) (*InstanceStatus, error)
	UpdateProjectName(ctx context.Context, sessionID, name string) error
}

// DeployOptions modify a deploy call. Redeploy allocates a fresh session
// and invalidates the previous preview URL.
type DeployOptions struct {
	Redeploy      bool   `json:"redeploy"`
	ClearLogs     bool   `json:"clearLogs"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// DeployResult carries the preview endpoints of a deployed session.
type DeployResult struct {
	PreviewURL string `json:"previewURL"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// GetFilesResult is the sandbox read response.
type GetFilesResult struct {
	Success bool                  `json:"success"`
	Files   []types.GeneratedFile `json:"files"`
	Error   string                `json:"error,omitempty"`
}

// CommandResult is the outcome of one executed command.
type CommandResult struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// ExecResult is the outcome of a command batch.
type ExecResult struct {
	Success bool            `json:"success"`
	Results []CommandResult `json:"results"`
}

// LogsResult carries cumulative sandbox process output.
type LogsResult struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

// InstanceStatus reports sandbox session health.
type InstanceStatus struct {
	IsHealthy bool `json:"isHealthy"`
	Success   bool `json:"success"`
}

// Client talks to one sandbox service endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a sandbox client. timeout bounds each individual call.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Deploy(ctx context.Context, sessionID string, files []types.GeneratedFile, opts DeployOptions) (*DeployResult, error) {
	req := struct {
		SessionID string                `json:"sessionId"`
		Files     []types.GeneratedFile `json:"files"`
		DeployOptions
	}{SessionID: sessionID, Files: files, DeployOptions: opts}

	var res DeployResult
	if err := c.post(ctx, "/api/deploy", req, &res); err != nil {
		return nil, err
	}
	logging.Get(logging.CategorySandbox).Infow("deployed",
		"session", sessionID, "files", len(files), "redeploy", opts.Redeploy)
	return &res, nil
}

func (c *Client) GetFiles(ctx context.Context, sessionID string, paths []string) (*GetFilesResult, error) {
	req := struct {
		SessionID string   `json:"sessionId"`
		Paths     []string `json:"paths"`
	}{sessionID, paths}
	var res GetFilesResult
	if err := c.post(ctx, "/api/files/get", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) WriteFiles(ctx context.Context, sessionID string, files []types.GeneratedFile, message string) error {
	req := struct {
		SessionID string                `json:"sessionId"`
		Files     []types.GeneratedFile `json:"files"`
		Message   string                `json:"message,omitempty"`
	}{sessionID, files, message}
	return c.post(ctx, "/api/files/write", req, &struct{}{})
}

func (c *Client) ExecuteCommands(ctx context.Context, sessionID string, commands []string, timeout time.Duration) (*ExecResult, error) {
	req := struct {
		SessionID string   `json:"sessionId"`
		Commands  []string `json:"commands"`
		TimeoutMs int64    `json:"timeoutMs,omitempty"`
	}{sessionID, commands, timeout.Milliseconds()}
	var res ExecResult
	if err := c.post(ctx, "/api/exec", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RunStaticAnalysis(ctx context.Context, sessionID string, files []string) (*types.StaticAnalysis, error) {
	req := struct {
		SessionID string   `json:"sessionId"`
		Files     []string `json:"files,omitempty"`
	}{sessionID, files}
	var res types.StaticAnalysis
	if err := c.post(ctx, "/api/analyze", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FetchRuntimeErrors drains the sandbox error buffer when clear is true.
func (c *Client) FetchRuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]types.RuntimeError, error) {
	req := struct {
		SessionID string `json:"sessionId"`
		Clear     bool   `json:"clear"`
	}{sessionID, clear}
	var res struct {
		Errors []types.RuntimeError `json:"errors"`
	}
	if err := c.post(ctx, "/api/errors", req, &res); err != nil {
		return nil, err
	}
	return res.Errors, nil
}

// GetLogs returns cumulative process output unless reset is true.
func (c *Client) GetLogs(ctx context.Context, sessionID string, reset bool, duration time.Duration) (*LogsResult, error) {
	req := struct {
		SessionID       string `json:"sessionId"`
		Reset           bool   `json:"reset"`
		DurationSeconds int64  `json:"durationSeconds,omitempty"`
	}{sessionID, reset, int64(duration.Seconds())}
	var res LogsResult
	if err := c.post(ctx, "/api/logs", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetInstanceStatus(ctx context.Context, sessionID string) (*InstanceStatus, error) {
	req := struct {
		SessionID string `json:"sessionId"`
	}{sessionID}
	var res InstanceStatus
	if err := c.post(ctx, "/api/status", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) UpdateProjectName(ctx context.Context, sessionID, name string) error {
	req := struct {
		SessionID string `json:"sessionId"`
		Name      string `json:"name"`
	}{sessionID, name}
	return c.post(ctx, "/api/project-name", req, &struct{}{})
}

// post sends one JSON request and decodes the response. Gone sessions map
// to PreviewExpired, unreachable or 5xx sandboxes to SandboxUnavailable.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewKindError(types.KindSandboxUnavailable, "sandbox unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return types.NewKindError(types.KindTransient, "read sandbox response", err)
	}

	switch {
	case resp.StatusCode == http.StatusGone:
		return types.NewKindError(types.KindPreviewExpired, "sandbox session expired", nil)
	case resp.StatusCode == http.StatusNotFound:
		return types.NewKindError(types.KindNotFound, path, nil)
	case resp.StatusCode >= 500:
		return types.NewKindError(types.KindSandboxUnavailable,
			fmt.Sprintf("sandbox %s: status %d", path, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return types.NewKindError(types.KindInvalidArgument,
			fmt.Sprintf("sandbox %s: status %d: %s", path, resp.StatusCode, truncate(data, 300)), nil)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
