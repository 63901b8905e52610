package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"vibeforge/internal/config"
	"vibeforge/internal/conversation"
	"vibeforge/internal/files"
	"vibeforge/internal/gitstore"
	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/ops"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
	"vibeforge/internal/sandbox"
	"vibeforge/internal/store"
	"vibeforge/internal/types"
)

// Options wires an Agent's collaborators.
type Options struct {
	ProjectID    string
	Config       config.Config
	Store        *store.Store
	Conversation *conversation.Log
	Git          *gitstore.Store
	Files        *files.Manager
	Sandbox      sandbox.Interface
	Registry     registry.Interface
	Client       inference.Client
	Fixer        inference.Client
}

// Agent is the per-project orchestrator. Write-side operations are
// serialized through the store; the state machine runs single-flight.
type Agent struct {
	projectID   string
	cfg         config.Config
	store       *store.Store
	conv        *conversation.Log
	git         *gitstore.Store
	files       *files.Manager
	sandbox     sandbox.Interface
	registry    registry.Interface
	client      inference.Client
	fixer       inference.Client
	broadcaster *Broadcaster
	deploy      *DeploymentManager
	githubToken *tokenCache

	genGroup singleflight.Group

	mu            sync.Mutex
	runCancel     context.CancelFunc
	generating    bool
	debugActive   bool
	debugCalls    int // deep-debug invocations this conversation turn
	pendingImages []types.UploadedImage
}

// New assembles an agent from its collaborators.
func New(opts Options) *Agent {
	a := &Agent{
		projectID:   opts.ProjectID,
		cfg:         opts.Config,
		store:       opts.Store,
		conv:        opts.Conversation,
		git:         opts.Git,
		files:       opts.Files,
		sandbox:     opts.Sandbox,
		registry:    opts.Registry,
		client:      opts.Client,
		fixer:       opts.Fixer,
		broadcaster: NewBroadcaster(),
		githubToken: newTokenCache(time.Hour),
	}
	a.deploy = newDeploymentManager(a)
	return a
}

// State returns a deep snapshot of the project state.
func (a *Agent) State() *types.AgentState { return a.store.Get() }

// Broadcaster exposes the stream fan-out for the router and entrypoint.
func (a *Agent) Broadcaster() *Broadcaster { return a.broadcaster }

// mutate applies a state change and reconciles clients with the new
// snapshot.
func (a *Agent) mutate(fn func(*types.AgentState) error) error {
	if err := a.store.Mutate(fn); err != nil {
		return err
	}
	a.broadcastState()
	return nil
}

func (a *Agent) broadcastState() {
	a.broadcaster.Broadcast(protocol.TypeAgentState,
		protocol.AgentStateUpdate{State: a.store.Get()})
}

// opsCtx builds the per-operation context from the current snapshot.
func (a *Agent) opsCtx() ops.Ctx {
	return ops.Ctx{
		State:      a.store.Get(),
		Template:   a.files.Template(),
		Client:     a.client,
		Fixer:      a.fixer,
		FixerModel: a.cfg.Inference.FixerModel,
	}
}

// InitializeRequest carries project bootstrap inputs.
type InitializeRequest struct {
	Query            string
	Language         string
	Frameworks       []string
	Hostname         string
	UserID           string
	TemplateName     string
	InferenceContext types.InferenceContext
	Images           []types.UploadedImage
	OnBlueprintChunk func(string)
}

// Initialize plans the blueprint, names the project, commits the
// customized template files, and kicks off background setup work. It
// returns the initial state snapshot.
func (a *Agent) Initialize(ctx context.Context, req InitializeRequest) (*types.AgentState, error) {
	log := logging.Get(logging.CategoryAgent)

	if err := a.git.Init(); err != nil {
		return nil, err
	}

	if err := a.mutate(func(s *types.AgentState) error {
		s.Query = req.Query
		s.Hostname = req.Hostname
		s.UserID = req.UserID
		s.TemplateName = req.TemplateName
		s.InferenceContext = req.InferenceContext
		s.PhasesCounter = 3
		return nil
	}); err != nil {
		return nil, err
	}
	a.storeImages(req.Images)

	bp, err := ops.PlanBlueprint(ctx, a.opsCtx(), ops.BlueprintRequest{
		Query:      req.Query,
		Language:   req.Language,
		Frameworks: req.Frameworks,
		OnChunk:    req.OnBlueprintChunk,
	})
	if err != nil {
		return nil, err
	}

	projectName := bp.ProjectName
	if !types.IsValidProjectName(projectName) {
		projectName = store.GenerateProjectName(bp.Title)
		bp.ProjectName = projectName
	}
	if err := a.mutate(func(s *types.AgentState) error {
		s.Blueprint = bp
		s.ProjectName = projectName
		return nil
	}); err != nil {
		return nil, err
	}
	a.broadcaster.Broadcast(protocol.TypeBlueprintUpdated, protocol.BlueprintUpdated{Blueprint: bp})

	if err := a.registry.CreateApp(ctx, registry.App{
		ID:     a.projectID,
		Title:  projectName,
		Status: "generating",
	}); err != nil {
		log.Warnw("registry create failed", "error", err)
	}

	if tmpl := a.files.Template(); tmpl != nil {
		customized := files.CustomizeTemplate(tmpl, projectName)
		if err := a.files.SaveGeneratedFiles(customized, files.InitialCommitMessage); err != nil {
			return nil, err
		}
	}

	// Background bootstrap: deploy, setup commands, README. Failures are
	// reported as events, not returned.
	go a.bootstrapAsync(context.WithoutCancel(ctx))

	log.Infow("project initialized", "project", a.projectID, "name", projectName)
	return a.State(), nil
}

func (a *Agent) bootstrapAsync(ctx context.Context) {
	log := logging.Get(logging.CategoryAgent)

	if _, err := a.deploy.DeployToSandbox(ctx, nil, false, "initial deploy", false); err != nil {
		log.Warnw("initial deploy failed", "error", err)
	}

	if pkg, ok := a.files.GetFile("package.json"); ok {
		if commands, err := ops.GenerateSetupCommands(ctx, a.opsCtx(), pkg.Contents); err != nil {
			log.Warnw("setup command generation failed", "error", err)
		} else if len(commands) > 0 {
			if _, err := a.ExecCommands(ctx, commands, true, 0); err != nil {
				log.Warnw("setup commands failed", "error", err)
			}
		}
	}

	if readme, err := ops.GenerateReadme(ctx, a.opsCtx()); err != nil {
		log.Warnw("readme generation failed", "error", err)
	} else {
		file := types.GeneratedFile{Path: "README.md", Contents: readme, Purpose: "Project documentation"}
		if err := a.files.SaveGeneratedFiles([]types.GeneratedFile{file}, "Add README"); err != nil {
			log.Warnw("readme save failed", "error", err)
		}
	}
}

// QueueUserRequest enqueues a user request for the next planning step and
// recharges the phase budget. Images stay in memory only.
func (a *Agent) QueueUserRequest(text string, images []types.UploadedImage) error {
	a.storeImages(images)
	return a.mutate(func(s *types.AgentState) error {
		s.PendingUserInputs = append(s.PendingUserInputs, text)
		if s.PhasesCounter < 3 {
			s.PhasesCounter = 3
		}
		return nil
	})
}

func (a *Agent) storeImages(images []types.UploadedImage) {
	if len(images) == 0 {
		return
	}
	a.mu.Lock()
	a.pendingImages = append(a.pendingImages, images...)
	a.mu.Unlock()
}

func (a *Agent) takeImages() []types.UploadedImage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pendingImages
	a.pendingImages = nil
	return out
}

// ClearConversation empties the working conversation. The persisted full
// history is untouched.
func (a *Agent) ClearConversation() error {
	if err := a.mutate(func(s *types.AgentState) error {
		s.ConversationMessages = []types.Message{}
		return nil
	}); err != nil {
		return err
	}
	a.broadcaster.Broadcast(protocol.TypeConversationClear, nil)
	return nil
}

// HandleUserInput processes one chat message: it pulls fresh runtime
// errors and accumulated updates, runs the conversation operation with
// tools, persists the exchange, and starts generation if requests were
// queued while idle.
func (a *Agent) HandleUserInput(ctx context.Context, text string, images []types.UploadedImage) error {
	a.storeImages(images)
	a.mu.Lock()
	a.debugCalls = 0
	a.mu.Unlock()

	state := a.State()
	runtimeErrs, _ := a.FetchRuntimeErrors(ctx, true)

	var updates []string
	_ = a.store.Mutate(func(s *types.AgentState) error {
		updates = s.ProjectUpdatesAccumulator
		s.ProjectUpdatesAccumulator = []string{}
		return nil
	})

	convID := uuid.NewString()
	res, err := ops.UserConverse(ctx, a.opsCtx(), ops.ConverseRequest{
		UserMessage:    text,
		RuntimeErrors:  runtimeErrs,
		ProjectUpdates: updates,
		Images:         a.takeImages(),
		History:        state.ConversationMessages,
		Tools:          a.conversationTools(),
		OnChunk: func(chunk string) {
			a.broadcaster.Broadcast(protocol.TypeConversationResp, protocol.ConversationResponse{
				ConversationID: convID,
				Chunk:          chunk,
				IsStreaming:    true,
			})
		},
	})
	if err != nil {
		a.emitError("conversation failed", err)
		return err
	}

	for _, m := range res.NewMessages {
		if err := a.conv.Append(m); err != nil {
			return err
		}
	}
	if err := a.mutate(func(s *types.AgentState) error {
		s.ConversationMessages = append(s.ConversationMessages, res.NewMessages...)
		return nil
	}); err != nil {
		return err
	}

	a.broadcaster.Broadcast(protocol.TypeConversationResp, protocol.ConversationResponse{
		ConversationID: convID,
		Message:        res.UserResponse,
	})

	if len(a.State().PendingUserInputs) > 0 && !a.IsCodeGenerating() {
		go a.GenerateAllFiles(context.WithoutCancel(ctx), defaultReviewCycles)
	}
	return nil
}

// UpdateProjectName validates and applies a rename, propagating it to the
// sandbox and registry. It returns false without state change when the
// name is not a legal slug.
func (a *Agent) UpdateProjectName(ctx context.Context, name string) (bool, error) {
	if !types.IsValidProjectName(name) {
		return false, nil
	}

	if err := a.mutate(func(s *types.AgentState) error {
		s.ProjectName = name
		if s.Blueprint != nil {
			s.Blueprint.ProjectName = name
		}
		return nil
	}); err != nil {
		return false, err
	}

	state := a.State()
	if state.SessionID != "" {
		if err := a.sandbox.UpdateProjectName(ctx, state.SessionID, name); err != nil {
			logging.Get(logging.CategoryAgent).Warnw("sandbox rename failed", "error", err)
		}
	}
	if err := a.registry.UpdateApp(ctx, a.projectID, registry.Patch{Title: registry.StrPtr(name)}); err != nil {
		logging.Get(logging.CategoryAgent).Warnw("registry rename failed", "error", err)
	}

	a.broadcaster.Broadcast(protocol.TypeProjectNameUpdated, protocol.ProjectNameUpdated{ProjectName: name})
	return true, nil
}

// UpdateBlueprint deep-merges a whitelisted patch into the blueprint. A
// projectName key is delegated to UpdateProjectName.
func (a *Agent) UpdateBlueprint(ctx context.Context, patch map[string]any) error {
	if name, ok := patch["projectName"].(string); ok {
		ok, err := a.UpdateProjectName(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			return types.NewKindError(types.KindInvalidArgument,
				fmt.Sprintf("invalid project name %q", name), nil)
		}
		delete(patch, "projectName")
	}

	allowed := map[string]bool{}
	for _, k := range types.BlueprintPatchKeys {
		allowed[k] = true
	}
	for k := range patch {
		if !allowed[k] {
			return types.NewKindError(types.KindInvalidArgument,
				fmt.Sprintf("blueprint key %q is not patchable", k), nil)
		}
	}
	if len(patch) == 0 {
		return nil
	}

	if err := a.mutate(func(s *types.AgentState) error {
		if s.Blueprint == nil {
			s.Blueprint = &types.Blueprint{}
		}
		return mergeBlueprintPatch(s.Blueprint, patch)
	}); err != nil {
		return err
	}
	a.broadcaster.Broadcast(protocol.TypeBlueprintUpdated,
		protocol.BlueprintUpdated{Blueprint: a.State().Blueprint})
	return nil
}

// mergeBlueprintPatch applies patch keys through a JSON round-trip so
// nested structures merge instead of clobbering unrelated fields.
func mergeBlueprintPatch(bp *types.Blueprint, patch map[string]any) error {
	base := map[string]any{}
	raw, err := jsonRoundTrip(bp)
	if err != nil {
		return err
	}
	base = raw
	for k, v := range patch {
		base[k] = v
	}
	return jsonInto(base, bp)
}

// ReadFiles returns the union entries for paths; missing paths are read
// through to the sandbox.
func (a *Agent) ReadFiles(ctx context.Context, paths []string) ([]types.GeneratedFile, error) {
	out := []types.GeneratedFile{}
	var missing []string
	for _, p := range paths {
		if f, ok := a.files.GetFile(p); ok {
			out = append(out, f)
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		state := a.State()
		if state.SessionID != "" {
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			res, err := a.sandbox.GetFiles(ctx, state.SessionID, missing)
			if err == nil && res.Success {
				out = append(out, res.Files...)
			}
		}
	}
	return out, nil
}

// RunStaticAnalysisCode runs lint and typecheck in the sandbox.
func (a *Agent) RunStaticAnalysisCode(ctx context.Context, paths []string) (*types.StaticAnalysis, error) {
	state := a.State()
	if state.SessionID == "" {
		return &types.StaticAnalysis{Success: true}, nil
	}
	analysis, err := a.sandbox.RunStaticAnalysis(ctx, state.SessionID, paths)
	if err != nil {
		return nil, err
	}
	a.broadcaster.Broadcast(protocol.TypeStaticAnalysisResults, protocol.AnalysisEvent{Analysis: analysis})
	return analysis, nil
}

// FetchRuntimeErrors drains (or peeks at) sandbox runtime errors and
// notifies clients when any exist.
func (a *Agent) FetchRuntimeErrors(ctx context.Context, clear bool) ([]types.RuntimeError, error) {
	state := a.State()
	if state.SessionID == "" {
		return nil, nil
	}
	errs, err := a.sandbox.FetchRuntimeErrors(ctx, state.SessionID, clear)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		a.broadcaster.Broadcast(protocol.TypeRuntimeErrorFound, protocol.RuntimeErrors{Errors: errs})
	}
	return errs, nil
}

// GetLogs fetches cumulative sandbox output and relays it to clients.
func (a *Agent) GetLogs(ctx context.Context, reset bool, duration time.Duration) (*sandbox.LogsResult, error) {
	state := a.State()
	if state.SessionID == "" {
		return &sandbox.LogsResult{Success: true}, nil
	}
	logs, err := a.sandbox.GetLogs(ctx, state.SessionID, reset, duration)
	if err != nil {
		return nil, err
	}
	a.broadcaster.Broadcast(protocol.TypeServerLog, protocol.ServerLog{
		Stdout: logs.Stdout, Stderr: logs.Stderr,
	})
	return logs, nil
}

// RegenerateFileByPath rewrites one file against the given issues and
// saves the result.
func (a *Agent) RegenerateFileByPath(ctx context.Context, path string, issues []types.CodeIssue) (*types.GeneratedFile, error) {
	file, ok := a.files.GetFile(path)
	if !ok {
		return nil, types.NewKindError(types.KindNotFound, path, nil)
	}

	a.broadcaster.Broadcast(protocol.TypeFileRegenerating, protocol.FileEvent{Path: path})
	fixed, err := ops.RegenerateFile(ctx, a.opsCtx(), file, issues)
	if err != nil {
		return nil, err
	}
	if err := a.files.SaveGeneratedFiles([]types.GeneratedFile{fixed},
		fmt.Sprintf("Regenerate %s", path)); err != nil {
		return nil, err
	}
	a.broadcaster.Broadcast(protocol.TypeFileRegenerated, protocol.FileEvent{Path: path, File: &fixed})
	return &fixed, nil
}

// GenerateFiles implements an ad-hoc phase outside the main roadmap: a
// named batch of files with a shared requirement description.
func (a *Agent) GenerateFiles(ctx context.Context, phaseName, description, requirements string, concepts []types.FileConcept) ([]types.GeneratedFile, error) {
	phase := types.Phase{
		ID:          uuid.NewString(),
		Name:        phaseName,
		Description: strings.TrimSpace(description + "\n\n" + requirements),
		Files:       concepts,
	}
	result, err := ops.ImplementPhase(ctx, a.opsCtx(), ops.ImplementRequest{
		Phase:         phase,
		RelevantFiles: a.files.GetAllRelevantFiles(true),
		Callbacks:     a.fileCallbacks(),
	})
	if err != nil {
		return nil, err
	}
	if len(result.Files) > 0 {
		if err := a.files.SaveGeneratedFiles(result.Files, phaseName); err != nil {
			return nil, err
		}
	}
	return result.Files, nil
}

// fileCallbacks bridges implementation streaming onto the protocol.
func (a *Agent) fileCallbacks() ops.ImplementCallbacks {
	return ops.ImplementCallbacks{
		OnFileStart: func(path, purpose string) {
			a.broadcaster.Broadcast(protocol.TypeFileGenerating, protocol.FileEvent{Path: path, Purpose: purpose})
		},
		OnFileChunk: func(path, chunk string) {
			a.broadcaster.Broadcast(protocol.TypeFileChunk, protocol.FileChunk{Path: path, Chunk: chunk})
		},
		OnFileComplete: func(file types.GeneratedFile) {
			a.broadcaster.Broadcast(protocol.TypeFileGenerated, protocol.FileEvent{Path: file.Path, File: &file})
		},
	}
}

func (a *Agent) emitError(message string, err error) {
	logging.Get(logging.CategoryAgent).Errorw(message, "error", err)
	a.broadcaster.Broadcast(protocol.TypeError, protocol.ErrorEvent{
		Error:   message,
		Details: err.Error(),
	})
}

// Close shuts down the stream fan-out and the store.
func (a *Agent) Close() error {
	a.StopGeneration()
	a.broadcaster.Close()
	return a.store.Close()
}
