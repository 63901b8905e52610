// Package logging provides category-named structured loggers for vibeforge.
// Logs are written as JSON to .vibeforge/logs/agent.log with size-based
// rotation, and mirrored to stderr at warn level and above. Categories map
// to zap named loggers so log lines can be filtered per subsystem.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category names one subsystem's logger.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup and shutdown
	CategoryStore     Category = "store"     // state persistence, migrations
	CategoryGit       Category = "git"       // gitstore operations
	CategoryFiles     Category = "files"     // file manager
	CategorySandbox   Category = "sandbox"   // sandbox RPC
	CategoryInference Category = "inference" // LLM API calls
	CategoryOps       Category = "ops"       // model-backed operations
	CategoryAgent     Category = "agent"     // orchestrator lifecycle
	CategoryPhases    Category = "phases"    // state machine transitions
	CategoryStream    Category = "stream"    // broadcaster and router
	CategoryDeploy    Category = "deploy"    // deployments
	CategoryCommands  Category = "commands"  // sandbox command execution
	CategoryDebug     Category = "debug"     // deep debug sessions
	CategoryExport    Category = "export"    // GitHub export
	CategoryBrowser   Category = "browser"   // screenshot capture
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Options controls logger initialization.
type Options struct {
	Workspace  string
	Debug      bool
	MaxSizeMB  int // rotated file size, default 50
	MaxBackups int // default 5
}

// Initialize sets up the rotating file logger. Safe to call once at
// startup; subsequent Get calls before Initialize fall back to a no-op
// logger.
func Initialize(opts Options) error {
	logsDir := filepath.Join(opts.Workspace, ".vibeforge", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return err
	}

	if opts.MaxSizeMB == 0 {
		opts.MaxSizeMB = 50
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 5
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "agent.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), zapcore.WarnLevel),
	)

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(core)
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category. Returns a no-op logger if
// Initialize has not run (tests, library embedding).
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	if r == nil {
		return zap.NewNop().Sugar()
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := r.Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}
