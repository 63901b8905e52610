// Package config loads the vibeforge service configuration from
// .vibeforge/config.json under the workspace, with environment variable
// fallbacks for secrets and optional live reload via fsnotify.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vibeforge/internal/logging"
)

// InferenceConfig selects LLM providers and models.
type InferenceConfig struct {
	Provider         string  `json:"provider"`           // gemini (default) or anthropic
	Model            string  `json:"model"`
	FixerModel       string  `json:"fixer_model"`        // used by the fast code fixer
	GeminiAPIKey     string  `json:"gemini_api_key"`
	AnthropicAPIKey  string  `json:"anthropic_api_key"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	Temperature      float64 `json:"temperature"`
	RequestTimeoutMs int     `json:"request_timeout_ms"`
}

// SandboxConfig points at the external sandbox execution service.
type SandboxConfig struct {
	BaseURL          string `json:"base_url"`
	AuthToken        string `json:"auth_token"`
	RequestTimeoutMs int    `json:"request_timeout_ms"`
}

// RegistryConfig points at the application registry service.
type RegistryConfig struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token"`
}

// ServerConfig controls the client-facing stream listener.
type ServerConfig struct {
	Addr        string `json:"addr"`
	MetricsAddr string `json:"metrics_addr"`
}

// BrowserConfig controls screenshot capture.
type BrowserConfig struct {
	Headless            bool `json:"headless"`
	ViewportWidth       int  `json:"viewport_width"`
	ViewportHeight      int  `json:"viewport_height"`
	NavigationTimeoutMs int  `json:"navigation_timeout_ms"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug      bool `json:"debug"`
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
}

// Config is the full service configuration.
type Config struct {
	Workspace string          `json:"-"`
	Server    ServerConfig    `json:"server"`
	Inference InferenceConfig `json:"inference"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Registry  RegistryConfig  `json:"registry"`
	Browser   BrowserConfig   `json:"browser"`
	Logging   LoggingConfig   `json:"logging"`
}

// DefaultConfig returns sensible defaults for a local deployment.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":7870",
		},
		Inference: InferenceConfig{
			Provider:         "gemini",
			Model:            "gemini-2.5-pro",
			FixerModel:       "gemini-2.5-flash",
			MaxOutputTokens:  65536,
			Temperature:      0.1,
			RequestTimeoutMs: 600000,
		},
		Sandbox: SandboxConfig{
			BaseURL:          "http://127.0.0.1:8787",
			RequestTimeoutMs: 60000,
		},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
		},
	}
}

// NavigationTimeout returns the browser navigation timeout.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(b.NavigationTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the sandbox RPC timeout.
func (s SandboxConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMs == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".vibeforge", "config.json")
}

// Load reads the config file, layering it over DefaultConfig. A missing
// file is not an error. API keys fall back to GEMINI_API_KEY and
// ANTHROPIC_API_KEY environment variables.
func Load(workspace string) (Config, error) {
	cfg := DefaultConfig()
	cfg.Workspace = workspace

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Inference.GeminiAPIKey == "" {
		cfg.Inference.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Inference.AnthropicAPIKey == "" {
		cfg.Inference.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return cfg, nil
}

// Watcher reloads configuration when the file changes on disk.
type Watcher struct {
	mu      sync.RWMutex
	cfg     Config
	fw      *fsnotify.Watcher
	done    chan struct{}
	onApply func(Config)
}

// NewWatcher loads the initial config and begins watching the config
// directory. onApply (optional) is invoked after each successful reload.
func NewWatcher(workspace string, onApply func(Config)) (*Watcher, error) {
	cfg, err := Load(workspace)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{cfg: cfg, fw: fw, done: make(chan struct{}), onApply: onApply}
	go w.loop(workspace)
	return w, nil
}

func (w *Watcher) loop(workspace string) {
	log := logging.Get(logging.CategoryBoot)
	target := filepath.Base(Path(workspace))
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(workspace)
			if err != nil {
				log.Warnw("config reload failed", "error", err)
				continue
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
			log.Infow("config reloaded", "path", ev.Name)
			if w.onApply != nil {
				w.onApply(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "error", err)
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
