// vibeforge is the headless AI code-generation orchestrator service. The
// serve command accepts newline-delimited JSON clients over TCP; the first
// message of a connection binds it to a project agent.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"vibeforge/internal/agent"
	"vibeforge/internal/config"
	"vibeforge/internal/conversation"
	"vibeforge/internal/files"
	"vibeforge/internal/gitstore"
	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/metrics"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
	"vibeforge/internal/sandbox"
	"vibeforge/internal/store"
)

var (
	workspace   string
	addr        string
	metricsAddr string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "vibeforge",
	Short: "vibeforge - AI-driven code-generation orchestrator",
	Long: `vibeforge plans a software project from a natural-language query,
generates its source files in phases, deploys each phase to a sandbox,
validates the result, and streams every step to connected clients.

One orchestrator instance serves one project; it survives client
disconnects and resumes in place.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeDefaultConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus metrics address (overrides config)")
	rootCmd.AddCommand(serveCmd, initCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func writeDefaultConfig() error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config.DefaultConfig(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func runServe(ctx context.Context) error {
	watcher, err := config.NewWatcher(workspace, nil)
	if err != nil {
		return err
	}
	defer watcher.Close()
	cfg := watcher.Current()
	cfg.Logging.Debug = cfg.Logging.Debug || debug
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if metricsAddr != "" {
		cfg.Server.MetricsAddr = metricsAddr
	}

	if err := logging.Initialize(logging.Options{
		Workspace:  workspace,
		Debug:      cfg.Logging.Debug,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Get(logging.CategoryBoot)

	mgr, err := newProjectManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer mgr.close()

	if cfg.Server.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Infow("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	defer ln.Close()
	log.Infow("vibeforge serving", "addr", cfg.Server.Addr, "workspace", workspace)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnw("accept failed", "error", err)
			continue
		}
		go mgr.handleConnection(ctx, conn)
	}
}

// projectManager creates one agent per project id, on demand, and reuses
// it for every later connection.
type projectManager struct {
	cfg      config.Config
	client   inference.Client
	fixer    inference.Client
	sandbox  sandbox.Interface
	registry registry.Interface

	mu     sync.Mutex
	agents map[string]*agent.Agent
}

func newProjectManager(ctx context.Context, cfg config.Config) (*projectManager, error) {
	client, err := inference.New(ctx, cfg.Inference)
	if err != nil {
		return nil, err
	}

	var reg registry.Interface
	if cfg.Registry.BaseURL != "" {
		reg = registry.NewClient(cfg.Registry.BaseURL, cfg.Registry.AuthToken)
	} else {
		reg = registry.NewFake()
	}

	return &projectManager{
		cfg:      cfg,
		client:   client,
		fixer:    inference.Secondary(cfg.Inference),
		sandbox:  sandbox.NewClient(cfg.Sandbox.BaseURL, cfg.Sandbox.AuthToken, cfg.Sandbox.RequestTimeout()),
		registry: reg,
		agents:   map[string]*agent.Agent{},
	}, nil
}

// handleConnection reads the binding message, resolves the project agent,
// and hands the rest of the stream to it. Buffered bytes travel with the
// reader so nothing is lost between binding and serving.
func (m *projectManager) handleConnection(ctx context.Context, conn net.Conn) {
	log := logging.Get(logging.CategoryStream)
	br := bufio.NewReader(conn)

	line, err := br.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}
	msg, err := protocol.Decode(line)
	if err != nil || msg.Type != protocol.TypePreview {
		w := protocol.NewWriter(conn)
		_ = w.Write(protocol.Envelope{Type: protocol.TypeError, Payload: protocol.ErrorEvent{
			Error: "first message must be preview{projectId}",
		}})
		conn.Close()
		return
	}
	var bind protocol.Preview
	if err := msg.Unmarshal(&bind); err != nil || bind.ProjectID == "" {
		conn.Close()
		return
	}

	a, err := m.agentFor(bind.ProjectID)
	if err != nil {
		log.Errorw("agent creation failed", "project", bind.ProjectID, "error", err)
		conn.Close()
		return
	}
	a.ServeClient(ctx, conn, br)
}

func (m *projectManager) agentFor(projectID string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[projectID]; ok {
		return a, nil
	}

	dir := filepath.Join(m.cfg.Workspace, ".vibeforge", "projects", projectID)
	st, err := store.Open(filepath.Join(dir, "state.db"), projectID)
	if err != nil {
		return nil, err
	}

	git := gitstore.New(st.DB())
	if err := git.Init(); err != nil {
		st.Close()
		return nil, err
	}

	fm := files.NewManager(st, git, nil)
	if name := st.Get().TemplateName; name != "" {
		if catalog, err := files.LoadCatalog(filepath.Join(m.cfg.Workspace, "templates")); err == nil {
			if details, err := catalog.Get(name); err == nil {
				fm.SetTemplate(details)
			}
		}
	}

	a := agent.New(agent.Options{
		ProjectID:    projectID,
		Config:       m.cfg,
		Store:        st,
		Conversation: conversation.NewLog(st.DB(), conversation.DefaultSession),
		Git:          git,
		Files:        fm,
		Sandbox:      m.sandbox,
		Registry:     m.registry,
		Client:       m.client,
		Fixer:        m.fixer,
	})
	m.agents[projectID] = a
	return a, nil
}

func (m *projectManager) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.agents {
		if err := a.Close(); err != nil {
			logging.Get(logging.CategoryBoot).Warnw("agent close failed", "project", id, "error", err)
		}
	}
}
