// Package registry is the client for the application registry service,
// which owns app metadata rows: title, visibility, deployment id,
// screenshot URL, GitHub repository URL.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"vibeforge/internal/types"
)

// App is one registry row.
type App struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Status              string `json:"status,omitempty"`
	Visibility          string `json:"visibility,omitempty"`
	DeploymentID        string `json:"deploymentId,omitempty"`
	ScreenshotURL       string `json:"screenshotUrl,omitempty"`
	GithubRepositoryURL string `json:"githubRepositoryUrl,omitempty"`
}

// Patch holds the updatable fields; nil pointers are left unchanged.
type Patch struct {
	Status              *string `json:"status,omitempty"`
	Title               *string `json:"title,omitempty"`
	Visibility          *string `json:"visibility,omitempty"`
	DeploymentID        *string `json:"deploymentId,omitempty"`
	ScreenshotURL       *string `json:"screenshotUrl,omitempty"`
	GithubRepositoryURL *string `json:"githubRepositoryUrl,omitempty"`
}

// Interface is the registry surface the agent programs against.
type Interface interface {
	CreateApp(ctx context.Context, app App) error
	UpdateApp(ctx context.Context, id string, patch Patch) error
	GetAppDetails(ctx context.Context, id string) (*App, error)
}

// Client talks to the registry service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a registry client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) CreateApp(ctx context.Context, app App) error {
	return c.do(ctx, http.MethodPost, "/api/apps", app, nil)
}

func (c *Client) UpdateApp(ctx context.Context, id string, patch Patch) error {
	return c.do(ctx, http.MethodPatch, "/api/apps/"+id, patch, nil)
}

func (c *Client) GetAppDetails(ctx context.Context, id string) (*App, error) {
	var app App
	if err := c.do(ctx, http.MethodGet, "/api/apps/"+id, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode registry request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewKindError(types.KindTransient, "registry unreachable", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewKindError(types.KindNotFound, path, nil)
	case resp.StatusCode >= 400:
		return types.NewKindError(types.KindTransient,
			fmt.Sprintf("registry %s %s: status %d", method, path, resp.StatusCode), nil)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode registry response: %w", err)
		}
	}
	return nil
}

// Fake is an in-memory registry for tests and local development.
type Fake struct {
	mu   sync.Mutex
	Apps map[string]App
}

// NewFake returns an empty fake registry.
func NewFake() *Fake {
	return &Fake{Apps: map[string]App{}}
}

func (f *Fake) CreateApp(_ context.Context, app App) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Apps[app.ID] = app
	return nil
}

func (f *Fake) UpdateApp(_ context.Context, id string, patch Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.Apps[id]
	if !ok {
		app = App{ID: id}
	}
	if patch.Status != nil {
		app.Status = *patch.Status
	}
	if patch.Title != nil {
		app.Title = *patch.Title
	}
	if patch.Visibility != nil {
		app.Visibility = *patch.Visibility
	}
	if patch.DeploymentID != nil {
		app.DeploymentID = *patch.DeploymentID
	}
	if patch.ScreenshotURL != nil {
		app.ScreenshotURL = *patch.ScreenshotURL
	}
	if patch.GithubRepositoryURL != nil {
		app.GithubRepositoryURL = *patch.GithubRepositoryURL
	}
	f.Apps[id] = app
	return nil
}

func (f *Fake) GetAppDetails(_ context.Context, id string) (*App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.Apps[id]
	if !ok {
		return nil, types.NewKindError(types.KindNotFound, id, nil)
	}
	out := app
	return &out, nil
}

// StrPtr is a convenience for building patches.
func StrPtr(s string) *string { return &s }
