package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vibeforge/internal/logging"
	"vibeforge/internal/metrics"
	"vibeforge/internal/ops"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
	"vibeforge/internal/types"
)

// defaultReviewCycles caps fix-and-revalidate iterations during
// finalization.
const defaultReviewCycles = 5

// IsCodeGenerating reports whether a state-machine run is active.
func (a *Agent) IsCodeGenerating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generating
}

// StopGeneration cancels the current run. Persisted state survives; the
// stop event is broadcast once the cancel is delivered.
func (a *Agent) StopGeneration() {
	a.mu.Lock()
	cancel := a.runCancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = a.store.Mutate(func(s *types.AgentState) error {
		s.ShouldBeGenerating = false
		return nil
	})
	a.broadcaster.Broadcast(protocol.TypeGenerationStopped, protocol.ErrorEvent{
		Error: "generation stopped by user",
	})
}

// ResumeGeneration re-arms generation and starts a run if none is active.
func (a *Agent) ResumeGeneration(ctx context.Context) {
	_ = a.store.Mutate(func(s *types.AgentState) error {
		s.ShouldBeGenerating = true
		return nil
	})
	a.broadcaster.Broadcast(protocol.TypeGenerationResumed, nil)
	if !a.IsCodeGenerating() {
		go a.GenerateAllFiles(context.WithoutCancel(ctx), defaultReviewCycles)
	}
}

// GenerateAllFiles enters the phase state machine. Entry is single-flight:
// concurrent callers share one underlying run. A project whose MVP is
// generated with no pending user input is a no-op.
func (a *Agent) GenerateAllFiles(ctx context.Context, reviewCycles int) error {
	state := a.State()
	if state.MVPGenerated && len(state.PendingUserInputs) == 0 {
		return nil
	}
	if reviewCycles <= 0 {
		reviewCycles = defaultReviewCycles
	}

	_, err, _ := a.genGroup.Do("generate", func() (any, error) {
		return nil, a.runStateMachine(ctx, reviewCycles)
	})
	return err
}

// runStateMachine drives one full run: plan, implement, validate, fix,
// review, finalize. It always returns the project to IDLE.
func (a *Agent) runStateMachine(parent context.Context, reviewCycles int) error {
	log := logging.Get(logging.CategoryPhases)

	a.mu.Lock()
	if a.debugActive {
		a.mu.Unlock()
		return types.ErrDebugInProgress
	}
	ctx, cancel := context.WithCancel(parent)
	a.runCancel = cancel
	a.generating = true
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.runCancel = nil
		a.generating = false
		a.mu.Unlock()
		_ = a.mutate(func(s *types.AgentState) error {
			s.CurrentDevState = types.StateIdle
			s.ShouldBeGenerating = false
			return nil
		})
		if err := a.registry.UpdateApp(context.WithoutCancel(parent), a.projectID,
			registry.Patch{Status: registry.StrPtr("completed")}); err != nil {
			log.Warnw("registry completion update failed", "error", err)
		}
		a.broadcaster.Broadcast(protocol.TypeGenerationComplete, nil)
	}()

	if err := a.mutate(func(s *types.AgentState) error {
		s.ShouldBeGenerating = true
		if s.ReviewCycles == 0 {
			s.ReviewCycles = reviewCycles
		}
		return nil
	}); err != nil {
		return err
	}
	a.broadcaster.Broadcast(protocol.TypeGenerationStarted, nil)

	state, currentPhase := a.entryState()
	log.Infow("state machine entered", "state", state,
		"phase", phaseName(currentPhase))

	var issues []types.CodeIssue
	for state != types.StateIdle {
		if ctx.Err() != nil {
			metrics.GenerationRuns.WithLabelValues("cancelled").Inc()
			return nil
		}
		if err := a.setDevState(state, currentPhase); err != nil {
			return err
		}

		var err error
		switch state {
		case types.StatePhaseGenerating:
			state, currentPhase, err = a.stepPlanPhase(ctx, issues)
		case types.StatePhaseImplementing:
			state, issues, err = a.stepImplementPhase(ctx, currentPhase)
			currentPhase = nil
		case types.StateFinalizing:
			state, issues, err = a.stepFinalize(ctx, issues, reviewCycles)
		case types.StateReviewing:
			state, err = a.stepReview(issues)
		default:
			err = fmt.Errorf("unexpected state %q", state)
		}

		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				metrics.GenerationRuns.WithLabelValues("cancelled").Inc()
				return nil
			}
			if types.IsRateLimit(err) {
				metrics.GenerationRuns.WithLabelValues("rate_limited").Inc()
				a.broadcaster.Broadcast(protocol.TypeRateLimitError, protocol.ErrorEvent{
					Error:   "model rate limit exceeded",
					Details: err.Error(),
				})
				return err
			}
			metrics.GenerationRuns.WithLabelValues("error").Inc()
			a.emitError("generation failed", err)
			return err
		}
	}

	metrics.GenerationRuns.WithLabelValues("ok").Inc()
	return nil
}

// entryState applies the resume rules: an incomplete phase resumes
// implementation, existing phases resume planning, otherwise the
// blueprint's initial phase starts implementation.
func (a *Agent) entryState() (types.DevState, *types.Phase) {
	state := a.State()
	for i := len(state.GeneratedPhases) - 1; i >= 0; i-- {
		if !state.GeneratedPhases[i].Completed {
			phase := state.GeneratedPhases[i]
			return types.StatePhaseImplementing, &phase
		}
	}
	if len(state.GeneratedPhases) > 0 {
		return types.StatePhaseGenerating, nil
	}
	if state.Blueprint != nil && state.Blueprint.InitialPhase != nil {
		phase := *state.Blueprint.InitialPhase
		if phase.ID == "" {
			phase.ID = uuid.NewString()
		}
		phase.Completed = false
		_ = a.mutate(func(s *types.AgentState) error {
			s.GeneratedPhases = append(s.GeneratedPhases, phase)
			return nil
		})
		return types.StatePhaseImplementing, &phase
	}
	return types.StatePhaseGenerating, nil
}

func (a *Agent) setDevState(state types.DevState, phase *types.Phase) error {
	return a.mutate(func(s *types.AgentState) error {
		s.CurrentDevState = state
		s.CurrentPhase = phase
		return nil
	})
}

// stepPlanPhase drains pending user input and asks for the next phase.
func (a *Agent) stepPlanPhase(ctx context.Context, issues []types.CodeIssue) (types.DevState, *types.Phase, error) {
	a.broadcaster.Broadcast(protocol.TypePhaseGenerating, protocol.PhaseEvent{
		Message: "planning next phase",
	})

	var suggestions []string
	if err := a.store.Mutate(func(s *types.AgentState) error {
		suggestions = s.PendingUserInputs
		s.PendingUserInputs = []string{}
		return nil
	}); err != nil {
		return types.StateIdle, nil, err
	}

	plan, err := ops.PlanNextPhase(ctx, a.opsCtx(), ops.PlanNextPhaseRequest{
		Issues:          issues,
		UserSuggestions: suggestions,
		IsUserSuggested: len(suggestions) > 0,
		AllFiles:        a.files.GetAllFiles(),
	})
	if err != nil {
		return types.StateIdle, nil, err
	}
	if plan == nil {
		return types.StateFinalizing, nil, nil
	}

	if err := a.mutate(func(s *types.AgentState) error {
		s.GeneratedPhases = append(s.GeneratedPhases, plan.Phase)
		return nil
	}); err != nil {
		return types.StateIdle, nil, err
	}
	phase := plan.Phase
	a.broadcaster.Broadcast(protocol.TypePhaseGenerated, protocol.PhaseEvent{Phase: &phase})

	if len(plan.InstallCommands) > 0 {
		if _, err := a.ExecCommands(ctx, plan.InstallCommands, true, 0); err != nil {
			logging.Get(logging.CategoryPhases).Warnw("phase install commands failed", "error", err)
		}
	}
	if len(plan.FilesToDelete) > 0 {
		if err := a.files.DeleteFiles(plan.FilesToDelete); err != nil {
			return types.StateIdle, nil, err
		}
	}
	return types.StatePhaseImplementing, &phase, nil
}

// stepImplementPhase generates the phase files, validates, deploys, and
// runs post-phase fixing. It returns the next state and the issues left
// for the next planning step.
func (a *Agent) stepImplementPhase(ctx context.Context, phase *types.Phase) (types.DevState, []types.CodeIssue, error) {
	if phase == nil {
		return types.StatePhaseGenerating, nil, nil
	}
	log := logging.Get(logging.CategoryPhases)
	a.broadcaster.Broadcast(protocol.TypePhaseImplementing, protocol.PhaseEvent{Phase: phase})

	state := a.State()
	result, err := ops.ImplementPhase(ctx, a.opsCtx(), ops.ImplementRequest{
		Phase:         *phase,
		IsFirstPhase:  len(state.GeneratedPhases) <= 1,
		RelevantFiles: a.files.GetAllRelevantFiles(true),
		Callbacks:     a.fileCallbacks(),
		RealtimeFix:   true,
	})
	if err != nil {
		return types.StateIdle, nil, err
	}

	// Realtime fixes land before the save so the commit holds the fixed
	// contents.
	finalFiles := result.Files
	if result.FixedFiles != nil {
		for _, fixed := range result.FixedFiles.Await() {
			for i := range finalFiles {
				if finalFiles[i].Path == fixed.Path {
					finalFiles[i] = fixed
				}
			}
		}
	}

	if len(finalFiles) > 0 {
		if err := a.files.SaveGeneratedFiles(finalFiles, phase.Name); err != nil {
			return types.StateIdle, nil, err
		}
	}
	if len(result.Commands) > 0 {
		if _, err := a.ExecCommands(ctx, result.Commands, true, 0); err != nil {
			log.Warnw("phase commands failed", "phase", phase.Name, "error", err)
		}
	}

	a.broadcaster.Broadcast(protocol.TypePhaseValidating, protocol.PhaseEvent{Phase: phase})
	analysis, err := a.RunStaticAnalysisCode(ctx, nil)
	if err != nil {
		log.Warnw("static analysis failed", "error", err)
		analysis = &types.StaticAnalysis{Success: true}
	}
	issues := append(append([]types.CodeIssue(nil), analysis.Lint.Issues...), analysis.Typecheck.Issues...)
	a.broadcaster.Broadcast(protocol.TypePhaseValidated, protocol.PhaseEvent{Phase: phase, Issues: issues})

	if result.DeploymentNeeded && len(finalFiles) > 0 {
		if _, err := a.deploy.DeployToSandbox(ctx, nil, false, phase.Name, true); err != nil {
			log.Warnw("phase deploy failed", "phase", phase.Name, "error", err)
		}
	}

	issues, err = a.postPhaseFix(ctx, analysis.Typecheck.Issues, issues)
	if err != nil {
		return types.StateIdle, nil, err
	}

	var lastPhase bool
	if err := a.mutate(func(s *types.AgentState) error {
		for i := range s.GeneratedPhases {
			if s.GeneratedPhases[i].ID == phase.ID {
				s.GeneratedPhases[i].Completed = true
				lastPhase = s.GeneratedPhases[i].LastPhase
			}
		}
		if s.PhasesCounter > 0 {
			s.PhasesCounter--
		}
		return nil
	}); err != nil {
		return types.StateIdle, nil, err
	}
	metrics.PhasesImplemented.WithLabelValues(a.projectID).Inc()
	a.broadcaster.Broadcast(protocol.TypePhaseImplemented, protocol.PhaseEvent{Phase: phase})

	state = a.State()
	if (lastPhase || state.PhasesCounter <= 0) && len(state.PendingUserInputs) == 0 {
		return types.StateFinalizing, issues, nil
	}
	return types.StatePhaseGenerating, issues, nil
}

// postPhaseFix runs the deterministic fixer, then the fast fixer for
// whatever remains, and returns the issues still open.
func (a *Agent) postPhaseFix(ctx context.Context, typeIssues, allIssues []types.CodeIssue) ([]types.CodeIssue, error) {
	if len(typeIssues) == 0 {
		return allIssues, nil
	}
	log := logging.Get(logging.CategoryPhases)

	a.broadcaster.Broadcast(protocol.TypeDeterministicFixStart, protocol.FixEvent{
		Message: fmt.Sprintf("resolving %d typecheck issue(s)", len(typeIssues)),
	})
	fix := ops.DeterministicFixer(a.files.GetAllFiles(), typeIssues)
	if len(fix.InstallCommands) > 0 {
		if _, err := a.ExecCommands(ctx, fix.InstallCommands, true, 0); err != nil {
			log.Warnw("fixer installs failed", "error", err)
		}
	}
	if len(fix.ModifiedFiles) > 0 {
		if err := a.files.SaveGeneratedFiles(fix.ModifiedFiles, "Deterministic code fixes"); err != nil {
			return nil, err
		}
	}
	modified := make([]string, 0, len(fix.ModifiedFiles))
	for _, f := range fix.ModifiedFiles {
		modified = append(modified, f.Path)
	}
	a.broadcaster.Broadcast(protocol.TypeDeterministicFixDone, protocol.FixEvent{
		ModifiedFiles:  modified,
		UnfixableCount: len(fix.UnfixableIssues),
	})

	remaining := fix.UnfixableIssues
	if len(remaining) > 0 && a.State().AgentMode == types.ModeSmart {
		a.broadcaster.Broadcast(protocol.TypeCodeReviewing, protocol.PhaseEvent{
			Message: "running fast code fixer",
		})
		patched, err := ops.FastCodeFixer(ctx, a.opsCtx(), a.State().Query, remaining, a.files.GetAllFiles())
		if err != nil {
			if types.IsRateLimit(err) {
				return nil, err
			}
			log.Warnw("fast code fixer failed", "error", err)
		} else if len(patched) > 0 {
			if err := a.files.SaveGeneratedFiles(patched, "Fast code fixes"); err != nil {
				return nil, err
			}
		}
		a.broadcaster.Broadcast(protocol.TypeCodeReviewed, protocol.PhaseEvent{
			Message: fmt.Sprintf("fast fixer patched %d file(s)", len(patched)),
		})
	}
	return remaining, nil
}

// stepFinalize runs the once-per-project finalization pass: iterative
// validation and fixing bounded by reviewCycles, then the MVP flag.
func (a *Agent) stepFinalize(ctx context.Context, issues []types.CodeIssue, reviewCycles int) (types.DevState, []types.CodeIssue, error) {
	if a.State().MVPGenerated {
		return types.StateReviewing, issues, nil
	}
	log := logging.Get(logging.CategoryPhases)

	for cycle := 0; cycle < reviewCycles; cycle++ {
		analysis, err := a.RunStaticAnalysisCode(ctx, nil)
		if err != nil {
			log.Warnw("finalization analysis failed", "error", err)
			break
		}
		issues = append(append([]types.CodeIssue(nil), analysis.Lint.Issues...), analysis.Typecheck.Issues...)
		if len(issues) == 0 {
			break
		}
		remaining, err := a.postPhaseFix(ctx, analysis.Typecheck.Issues, issues)
		if err != nil {
			return types.StateIdle, nil, err
		}
		issues = remaining
		if ctx.Err() != nil {
			return types.StateIdle, issues, ctx.Err()
		}
	}

	if _, err := a.deploy.DeployToSandbox(ctx, nil, false, "Finalize project", true); err != nil {
		log.Warnw("finalization deploy failed", "error", err)
	}

	if err := a.mutate(func(s *types.AgentState) error {
		s.MVPGenerated = true
		return nil
	}); err != nil {
		return types.StateIdle, nil, err
	}
	return types.StateReviewing, issues, nil
}

// stepReview asks the user once whether remaining issues should be fixed
// automatically; re-entry goes straight back to IDLE.
func (a *Agent) stepReview(issues []types.CodeIssue) (types.DevState, error) {
	state := a.State()
	if state.ReviewingInitiated {
		return types.StateIdle, nil
	}

	if len(issues) > 0 {
		msg := types.Message{
			Role:           "assistant",
			ConversationID: uuid.NewString(),
			Content: fmt.Sprintf(
				"The app is generated, but %d issue(s) remain from validation. Want me to fix them automatically?",
				len(issues)),
		}
		if err := a.conv.Append(msg); err != nil {
			return types.StateIdle, err
		}
		if err := a.mutate(func(s *types.AgentState) error {
			s.ConversationMessages = append(s.ConversationMessages, msg)
			return nil
		}); err != nil {
			return types.StateIdle, err
		}
		a.broadcaster.Broadcast(protocol.TypeConversationResp, protocol.ConversationResponse{
			ConversationID: msg.ConversationID,
			Message:        msg.Content,
		})
	}

	if err := a.mutate(func(s *types.AgentState) error {
		s.ReviewingInitiated = true
		return nil
	}); err != nil {
		return types.StateIdle, err
	}
	return types.StateIdle, nil
}

func phaseName(p *types.Phase) string {
	if p == nil {
		return ""
	}
	return p.Name
}
