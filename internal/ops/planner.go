package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// BlueprintRequest carries the inputs of initial planning.
type BlueprintRequest struct {
	Query      string
	Language   string
	Frameworks []string
	OnChunk    func(string)
}

// PlanBlueprint produces the project blueprint from the original query.
func PlanBlueprint(ctx context.Context, c Ctx, req BlueprintRequest) (*types.Blueprint, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Product request:\n%s\n\n", req.Query)
	if req.Language != "" {
		fmt.Fprintf(&prompt, "Language: %s\n", req.Language)
	}
	if len(req.Frameworks) > 0 {
		fmt.Fprintf(&prompt, "Requested frameworks: %s\n", strings.Join(req.Frameworks, ", "))
	}
	if c.Template != nil {
		fmt.Fprintf(&prompt, "\nTemplate %q provides:\n", c.Template.Name)
		for _, p := range c.Template.ImportantFiles {
			fmt.Fprintf(&prompt, "- %s\n", p)
		}
	}

	text, err := c.Client.Stream(ctx, inference.Request{
		System:      blueprintSystem,
		Prompt:      prompt.String(),
		Model:       c.State.InferenceContext.Model,
		Temperature: 0.3,
	}, req.OnChunk)
	if err != nil {
		return nil, fmt.Errorf("plan blueprint: %w", err)
	}

	var bp types.Blueprint
	if err := ExtractJSON(text, &bp); err != nil {
		return nil, fmt.Errorf("blueprint output: %w", err)
	}
	if bp.InitialPhase != nil && bp.InitialPhase.ID == "" {
		bp.InitialPhase.ID = uuid.NewString()
	}
	logging.Get(logging.CategoryOps).Infow("blueprint planned",
		"title", bp.Title, "roadmap", len(bp.ImplementationRoadmap))
	return &bp, nil
}

// PhasePlan is the result of next-phase planning.
type PhasePlan struct {
	Phase           types.Phase `json:"phase"`
	InstallCommands []string    `json:"installCommands"`
	FilesToDelete   []string    `json:"filesToDelete"`
}

// planPhaseWire tolerates a null phase in the model output.
type planPhaseWire struct {
	Phase           *types.Phase `json:"phase"`
	InstallCommands []string     `json:"installCommands"`
	FilesToDelete   []string     `json:"filesToDelete"`
}

// PlanNextPhaseRequest carries planning inputs. IsUserSuggested marks a
// phase planned in response to queued user requests rather than the
// roadmap.
type PlanNextPhaseRequest struct {
	Issues          []types.CodeIssue
	UserSuggestions []string
	IsUserSuggested bool
	AllFiles        []types.GeneratedFile
}

// PlanNextPhase asks the model for the next phase. A nil result (without
// error) means the project is complete.
func PlanNextPhase(ctx context.Context, c Ctx, req PlanNextPhaseRequest) (*PhasePlan, error) {
	var prompt strings.Builder
	if c.State.Blueprint != nil {
		fmt.Fprintf(&prompt, "Blueprint: %s\n%s\n\n", c.State.Blueprint.Title, c.State.Blueprint.Description)
		prompt.WriteString("Roadmap:\n")
		for _, item := range c.State.Blueprint.ImplementationRoadmap {
			fmt.Fprintf(&prompt, "- %s: %s\n", item.Phase, item.Description)
		}
	}
	prompt.WriteString("\nCompleted phases:\n")
	for _, p := range c.State.GeneratedPhases {
		fmt.Fprintf(&prompt, "- %s (completed=%t)\n", p.Name, p.Completed)
	}
	fmt.Fprintf(&prompt, "\nPhases remaining before finalization: %d\n", c.State.PhasesCounter)
	if len(req.UserSuggestions) > 0 {
		prompt.WriteString("\nUser requests (address these first):\n")
		for _, s := range req.UserSuggestions {
			fmt.Fprintf(&prompt, "- %s\n", s)
		}
	}
	if len(req.Issues) > 0 {
		prompt.WriteString("\nOpen issues:\n")
		prompt.WriteString(renderIssues(req.Issues))
	}
	prompt.WriteString("\nCurrent files:\n")
	for _, f := range req.AllFiles {
		fmt.Fprintf(&prompt, "- %s\n", f.Path)
	}

	text, err := c.complete(ctx, planPhaseSystem, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("plan next phase: %w", err)
	}

	var wire planPhaseWire
	if err := ExtractJSON(text, &wire); err != nil {
		return nil, fmt.Errorf("phase plan output: %w", err)
	}
	if wire.Phase == nil || wire.Phase.Name == "" {
		return nil, nil
	}
	if wire.Phase.ID == "" {
		wire.Phase.ID = uuid.NewString()
	}
	return &PhasePlan{
		Phase:           *wire.Phase,
		InstallCommands: wire.InstallCommands,
		FilesToDelete:   wire.FilesToDelete,
	}, nil
}

// GenerateReadme writes the project README from the blueprint.
func GenerateReadme(ctx context.Context, c Ctx) (string, error) {
	if c.State.Blueprint == nil {
		return "", fmt.Errorf("no blueprint to describe")
	}
	var prompt strings.Builder
	bp := c.State.Blueprint
	fmt.Fprintf(&prompt, "Title: %s\nDescription: %s\nFrameworks: %s\n",
		bp.Title, bp.Description, strings.Join(bp.Frameworks, ", "))
	for _, v := range bp.Views {
		fmt.Fprintf(&prompt, "View: %s - %s\n", v.Name, v.Description)
	}
	return c.complete(ctx, readmeSystem, prompt.String())
}
