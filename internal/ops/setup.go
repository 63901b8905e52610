package ops

import (
	"context"
	"fmt"
	"strings"

	"vibeforge/internal/inference"
)

// GenerateSetupCommands plans the install commands for a fresh sandbox from
// the project manifest and frameworks.
func GenerateSetupCommands(ctx context.Context, c Ctx, packageJSON string) ([]string, error) {
	var prompt strings.Builder
	if c.State.Blueprint != nil {
		fmt.Fprintf(&prompt, "Frameworks: %s\n\n", strings.Join(c.State.Blueprint.Frameworks, ", "))
	}
	fmt.Fprintf(&prompt, "package.json:\n%s\n", packageJSON)

	text, err := c.complete(ctx, setupCommandsSystem, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("generate setup commands: %w", err)
	}
	var commands []string
	if err := ExtractJSON(text, &commands); err != nil {
		return nil, fmt.Errorf("setup commands output: %w", err)
	}
	return commands, nil
}

// AlternativeInstallCommands is the ProjectSetupAssistant's answer to a
// failed install: replacement commands likely to succeed.
func AlternativeInstallCommands(ctx context.Context, c Ctx, failed []string, stderr string) ([]string, error) {
	var prompt strings.Builder
	prompt.WriteString("Failed commands:\n")
	for _, cmd := range failed {
		fmt.Fprintf(&prompt, "- %s\n", cmd)
	}
	if stderr != "" {
		fmt.Fprintf(&prompt, "\nstderr:\n%s\n", stderr)
	}

	text, err := c.fixerClient().Complete(ctx, inference.Request{
		System: alternativeInstallSystem,
		Prompt: prompt.String(),
		Model:  c.FixerModel,
	})
	if err != nil {
		return nil, fmt.Errorf("alternative install commands: %w", err)
	}
	var commands []string
	if err := ExtractJSON(text, &commands); err != nil {
		return nil, fmt.Errorf("alternative commands output: %w", err)
	}
	return commands, nil
}
