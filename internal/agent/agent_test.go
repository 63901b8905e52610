package agent

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/config"
	"vibeforge/internal/conversation"
	"vibeforge/internal/files"
	"vibeforge/internal/gitstore"
	"vibeforge/internal/inference"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
	"vibeforge/internal/sandbox"
	"vibeforge/internal/store"
	"vibeforge/internal/types"
)

// gatedClient scripts model responses. When gate is set, Stream blocks
// until the gate closes or the context is cancelled, which lets tests
// observe in-flight generation runs.
type gatedClient struct {
	mu        sync.Mutex
	responses []string
	requests  []inference.Request
	gate      chan struct{}
	streams   int
}

func (g *gatedClient) pop() string {
	if len(g.responses) == 0 {
		return ""
	}
	text := g.responses[0]
	g.responses = g.responses[1:]
	return text
}

func (g *gatedClient) Complete(_ context.Context, req inference.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.pop(), nil
}

func (g *gatedClient) Stream(ctx context.Context, req inference.Request, onChunk func(string)) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.streams++
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	text := g.pop()
	g.mu.Unlock()
	if onChunk != nil && text != "" {
		onChunk(text)
	}
	return text, nil
}

func (g *gatedClient) Name() string { return "scripted" }

func (g *gatedClient) streamCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams
}

func (g *gatedClient) calls() []inference.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]inference.Request(nil), g.requests...)
}

func newTestAgent(t *testing.T, client inference.Client) *Agent {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "proj-test")
	require.NoError(t, err)

	git := gitstore.New(nil)
	require.NoError(t, git.Init())

	template := &types.TemplateDetails{
		Name: "vite-react",
		AllFiles: []types.TemplateFile{
			{Path: "package.json", Contents: `{"name":"template","private":true}`},
			{Path: "src/main.tsx", Contents: "render()"},
		},
		ImportantFiles: []string{"package.json"},
	}

	a := New(Options{
		ProjectID:    "proj-test",
		Config:       config.DefaultConfig(),
		Store:        st,
		Conversation: conversation.NewLog(st.DB(), "default"),
		Git:          git,
		Files:        files.NewManager(st, git, template),
		Sandbox:      sandbox.NewFake(),
		Registry:     registry.NewFake(),
		Client:       client,
	})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// seedInitialPhase gives the agent a blueprint whose initial phase is
// ready to implement.
func seedInitialPhase(t *testing.T, a *Agent) {
	t.Helper()
	require.NoError(t, a.store.Mutate(func(s *types.AgentState) error {
		s.Query = "build a todo app"
		s.Blueprint = &types.Blueprint{
			Title:       "Todo App",
			ProjectName: "todo-app",
			InitialPhase: &types.Phase{
				ID:   "ph-init",
				Name: "Core UI",
				Files: []types.FileConcept{
					{Path: "src/App.tsx", Purpose: "Root component"},
				},
			},
		}
		s.PhasesCounter = 1
		return nil
	}))
}

// eventTap records broadcast message types through a real pipe client.
type eventTap struct {
	mu     sync.Mutex
	events []string
}

func tapEvents(t *testing.T, a *Agent) *eventTap {
	t.Helper()
	server, client := net.Pipe()
	a.Broadcaster().Add(server)
	tap := &eventTap{}
	go func() {
		r := protocol.NewReader(client)
		for {
			msg, err := r.Read()
			if err != nil {
				return
			}
			tap.mu.Lock()
			tap.events = append(tap.events, msg.Type)
			tap.mu.Unlock()
		}
	}()
	return tap
}

func (e *eventTap) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *eventTap) has(typ string) bool {
	for _, got := range e.snapshot() {
		if got == typ {
			return true
		}
	}
	return false
}

func indexOf(events []string, typ string) int {
	for i, got := range events {
		if got == typ {
			return i
		}
	}
	return -1
}

const appFileOutput = `<file path="src/App.tsx" purpose="Root component">
export const App = () => null
</file>`

// appFileVerbatim is what the realtime fixer returns when nothing needs
// fixing.
const appFileVerbatim = "export const App = () => null"

func TestGenerateAllFilesHappyPath(t *testing.T) {
	client := &gatedClient{responses: []string{appFileOutput, appFileVerbatim}}
	a := newTestAgent(t, client)
	seedInitialPhase(t, a)
	tap := tapEvents(t, a)

	require.NoError(t, a.GenerateAllFiles(context.Background(), 2))
	waitFor(t, func() bool { return tap.has(protocol.TypeGenerationComplete) })

	state := a.State()
	assert.Equal(t, types.StateIdle, state.CurrentDevState)
	assert.True(t, state.MVPGenerated)
	assert.False(t, state.ShouldBeGenerating)
	require.Len(t, state.GeneratedPhases, 1)
	assert.True(t, state.GeneratedPhases[0].Completed)

	saved, ok := a.files.GetFile("src/App.tsx")
	require.True(t, ok)
	assert.Equal(t, "export const App = () => null", saved.Contents)

	events := tap.snapshot()
	order := []string{
		protocol.TypeGenerationStarted,
		protocol.TypePhaseImplementing,
		protocol.TypeFileGenerating,
		protocol.TypeFileGenerated,
		protocol.TypePhaseValidating,
		protocol.TypePhaseValidated,
		protocol.TypePhaseImplemented,
		protocol.TypeGenerationComplete,
	}
	prev := -1
	for _, typ := range order {
		idx := indexOf(events, typ)
		require.GreaterOrEqual(t, idx, 0, "missing event %s in %v", typ, events)
		assert.Greater(t, idx, prev, "event %s out of order in %v", typ, events)
		prev = idx
	}
}

func TestGenerateAllFilesNoOpWhenComplete(t *testing.T) {
	client := &gatedClient{}
	a := newTestAgent(t, client)
	require.NoError(t, a.store.Mutate(func(s *types.AgentState) error {
		s.MVPGenerated = true
		return nil
	}))

	require.NoError(t, a.GenerateAllFiles(context.Background(), 1))
	assert.Empty(t, client.calls())
	assert.False(t, a.IsCodeGenerating())
}

func TestGenerateAllFilesSingleFlight(t *testing.T) {
	client := &gatedClient{
		gate:      make(chan struct{}),
		responses: []string{appFileOutput, appFileVerbatim},
	}
	a := newTestAgent(t, client)
	seedInitialPhase(t, a)

	done := make(chan error, 2)
	go func() { done <- a.GenerateAllFiles(context.Background(), 1) }()
	waitFor(t, a.IsCodeGenerating)

	// The run is parked on the gate, so the second caller joins it.
	go func() { done <- a.GenerateAllFiles(context.Background(), 1) }()
	time.Sleep(50 * time.Millisecond)
	close(client.gate)

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.Equal(t, 1, client.streamCalls(), "concurrent entries share one run")
	assert.True(t, a.State().MVPGenerated)
}

func TestStopGeneration(t *testing.T) {
	client := &gatedClient{gate: make(chan struct{})}
	a := newTestAgent(t, client)
	seedInitialPhase(t, a)
	tap := tapEvents(t, a)

	done := make(chan error, 1)
	go func() { done <- a.GenerateAllFiles(context.Background(), 1) }()
	waitFor(t, a.IsCodeGenerating)

	a.StopGeneration()
	require.NoError(t, <-done, "a cancelled run is not an error")

	waitFor(t, func() bool { return !a.IsCodeGenerating() })
	state := a.State()
	assert.Equal(t, types.StateIdle, state.CurrentDevState)
	assert.False(t, state.ShouldBeGenerating)
	assert.False(t, state.MVPGenerated)

	waitFor(t, func() bool {
		return tap.has(protocol.TypeGenerationStopped) && tap.has(protocol.TypeGenerationComplete)
	})
}

func TestGenerateAllFilesResumesIncompletePhase(t *testing.T) {
	client := &gatedClient{responses: []string{
		`<file path="src/api.ts" purpose="API client">
export const api = {}
</file>`,
		"export const api = {}",
	}}
	a := newTestAgent(t, client)
	require.NoError(t, a.store.Mutate(func(s *types.AgentState) error {
		s.GeneratedPhases = []types.Phase{
			{ID: "ph-1", Name: "Setup", Completed: true},
			{ID: "ph-2", Name: "API layer", Completed: false,
				Files: []types.FileConcept{{Path: "src/api.ts", Purpose: "API client"}}},
		}
		s.PhasesCounter = 1
		return nil
	}))

	require.NoError(t, a.GenerateAllFiles(context.Background(), 1))

	state := a.State()
	assert.True(t, state.GeneratedPhases[1].Completed)
	assert.True(t, state.MVPGenerated)

	// The incomplete phase is implemented directly, no planning call first.
	calls := client.calls()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[0].Prompt, "API layer")
	assert.Equal(t, 1, client.streamCalls())
}

func TestDeepDebugExclusiveWithGeneration(t *testing.T) {
	client := &gatedClient{
		gate:      make(chan struct{}),
		responses: nil,
	}
	a := newTestAgent(t, client)
	seedInitialPhase(t, a)

	done := make(chan error, 1)
	go func() { done <- a.GenerateAllFiles(context.Background(), 1) }()
	waitFor(t, a.IsCodeGenerating)

	_, err := a.RunDeepDebug(context.Background(), "why is it broken", nil)
	assert.ErrorIs(t, err, types.ErrGenerationInProgress)

	a.StopGeneration()
	require.NoError(t, <-done)
	waitFor(t, func() bool { return !a.IsCodeGenerating() })
}

func TestDeepDebugCallLimitPerTurn(t *testing.T) {
	client := &gatedClient{responses: []string{
		"Root cause: the handler is missing a return.",
	}}
	a := newTestAgent(t, client)

	transcript, err := a.RunDeepDebug(context.Background(), "crash on load", nil)
	require.NoError(t, err)
	assert.Contains(t, transcript, "Root cause")

	_, err = a.RunDeepDebug(context.Background(), "crash again", nil)
	require.Error(t, err)
	assert.Equal(t, types.KindCallLimitExceeded, types.KindOf(err))
}

func TestQueueUserRequestRechargesBudget(t *testing.T) {
	a := newTestAgent(t, &gatedClient{})
	require.NoError(t, a.store.Mutate(func(s *types.AgentState) error {
		s.PhasesCounter = 0
		return nil
	}))

	require.NoError(t, a.QueueUserRequest("add a settings page", nil))

	state := a.State()
	assert.Equal(t, []string{"add a settings page"}, state.PendingUserInputs)
	assert.Equal(t, 3, state.PhasesCounter)
}

func TestUpdateProjectName(t *testing.T) {
	a := newTestAgent(t, &gatedClient{})
	require.NoError(t, a.store.Mutate(func(s *types.AgentState) error {
		s.ProjectName = "old-name"
		s.Blueprint = &types.Blueprint{ProjectName: "old-name"}
		return nil
	}))

	ok, err := a.UpdateProjectName(context.Background(), "My App")
	require.NoError(t, err)
	assert.False(t, ok, "spaces and uppercase are not a legal slug")
	assert.Equal(t, "old-name", a.State().ProjectName)

	ok, err = a.UpdateProjectName(context.Background(), "my-app_1")
	require.NoError(t, err)
	assert.True(t, ok)
	state := a.State()
	assert.Equal(t, "my-app_1", state.ProjectName)
	assert.Equal(t, "my-app_1", state.Blueprint.ProjectName)
}

func TestHandleUserInputStartsQueuedGeneration(t *testing.T) {
	client := &gatedClient{responses: []string{
		"Got it, I'll work on that next.",
		`{"phase": null}`,
	}}
	a := newTestAgent(t, client)
	require.NoError(t, a.store.Mutate(func(s *types.AgentState) error {
		s.Blueprint = &types.Blueprint{Title: "App", ProjectName: "app"}
		return nil
	}))
	require.NoError(t, a.QueueUserRequest("add auth", nil))

	require.NoError(t, a.HandleUserInput(context.Background(), "please add auth", nil))

	state := a.State()
	require.Len(t, state.ConversationMessages, 2)
	assert.Equal(t, "Got it, I'll work on that next.", state.ConversationMessages[1].Text())

	// The queued request starts a run that drains it; a null next phase
	// finalizes immediately.
	waitFor(t, func() bool { return a.State().MVPGenerated })
	assert.Empty(t, a.State().PendingUserInputs)
}
