package ops

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// regenerateMaxPasses bounds the internal retry loop of RegenerateFile.
const regenerateMaxPasses = 3

// RegenerateFile rewrites one file until the listed issues are addressed,
// retrying on empty or unchanged output.
func RegenerateFile(ctx context.Context, c Ctx, file types.GeneratedFile, issues []types.CodeIssue) (types.GeneratedFile, error) {
	prompt := fmt.Sprintf("File %s (purpose: %s):\n\n%s\n\nIssues to resolve:\n%s",
		file.Path, file.Purpose, file.Contents, renderIssues(issues))

	var lastErr error
	for attempt := 1; attempt <= regenerateMaxPasses; attempt++ {
		out, err := c.Client.Complete(ctx, inference.Request{
			System: regenerateSystem,
			Prompt: prompt,
			Model:  c.State.InferenceContext.Model,
		})
		if err != nil {
			lastErr = err
			if types.IsRateLimit(err) || ctx.Err() != nil {
				return file, err
			}
			continue
		}
		out = strings.TrimSpace(stripFences(out))
		if out == "" {
			lastErr = fmt.Errorf("empty regeneration output for %s", file.Path)
			continue
		}
		file.Contents = out
		logging.Get(logging.CategoryOps).Infow("file regenerated",
			"path", file.Path, "attempt", attempt)
		return file, nil
	}
	return file, fmt.Errorf("regenerate %s: %w", file.Path, lastErr)
}

// FastCodeFixer asks the fixer model for minimal patches across the whole
// file set. Used when the deterministic fixer leaves issues behind.
func FastCodeFixer(ctx context.Context, c Ctx, query string, issues []types.CodeIssue, allFiles []types.GeneratedFile) ([]types.GeneratedFile, error) {
	if len(issues) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	if query != "" {
		fmt.Fprintf(&prompt, "Context: %s\n\n", query)
	}
	prompt.WriteString("Issues:\n")
	prompt.WriteString(renderIssues(issues))
	prompt.WriteString("\nProject files:\n")
	prompt.WriteString(renderFiles(allFiles))

	text, err := c.fixerClient().Complete(ctx, inference.Request{
		System: fastFixSystem,
		Prompt: prompt.String(),
		Model:  c.FixerModel,
	})
	if err != nil {
		return nil, fmt.Errorf("fast code fixer: %w", err)
	}

	var patched []types.GeneratedFile
	if err := ExtractJSON(text, &patched); err != nil {
		return nil, fmt.Errorf("fast fixer output: %w", err)
	}

	// Only accept patches for files that exist; the fixer must not invent
	// new paths.
	known := map[string]types.GeneratedFile{}
	for _, f := range allFiles {
		known[f.Path] = f
	}
	out := patched[:0]
	for _, p := range patched {
		prior, ok := known[p.Path]
		if !ok || p.Contents == "" {
			continue
		}
		p.Purpose = prior.Purpose
		out = append(out, p)
	}
	return out, nil
}

// DeterministicFixResult is the outcome of the pure fixer.
type DeterministicFixResult struct {
	ModifiedFiles   []types.GeneratedFile
	InstallCommands []string
	UnfixableIssues []types.CodeIssue
}

var missingModule = regexp.MustCompile(`[Cc]annot find module '([^']+)'`)

// DeterministicFixer resolves typecheck issues without model inference.
// Missing bare-specifier modules (TS2307) become install commands; unused
// imports (TS6133) are stripped from the source. Everything else is
// reported back as unfixable.
func DeterministicFixer(allFiles []types.GeneratedFile, typeIssues []types.CodeIssue) DeterministicFixResult {
	byPath := map[string]*types.GeneratedFile{}
	for i := range allFiles {
		byPath[allFiles[i].Path] = &allFiles[i]
	}

	res := DeterministicFixResult{}
	installs := map[string]bool{}
	// Issue line numbers all refer to the original contents, so removals
	// are collected first and applied in one pass per file.
	unusedLines := map[string]map[int]bool{}

	for _, issue := range typeIssues {
		switch issue.RuleID {
		case "TS2307", "2307":
			m := missingModule.FindStringSubmatch(issue.Message)
			if m == nil || strings.HasPrefix(m[1], ".") || strings.HasPrefix(m[1], "/") {
				res.UnfixableIssues = append(res.UnfixableIssues, issue)
				continue
			}
			pkg := packageFromSpecifier(m[1])
			if !installs[pkg] {
				installs[pkg] = true
				res.InstallCommands = append(res.InstallCommands, "bun install "+pkg)
			}
		case "TS6133", "6133":
			file, ok := byPath[issue.FilePath]
			if !ok || !importLineAt(file.Contents, issue.Line) {
				res.UnfixableIssues = append(res.UnfixableIssues, issue)
				continue
			}
			if unusedLines[issue.FilePath] == nil {
				unusedLines[issue.FilePath] = map[int]bool{}
			}
			unusedLines[issue.FilePath][issue.Line] = true
		default:
			res.UnfixableIssues = append(res.UnfixableIssues, issue)
		}
	}

	for path, drop := range unusedLines {
		file := byPath[path]
		file.Contents = dropLines(file.Contents, drop)
		res.ModifiedFiles = append(res.ModifiedFiles, *file)
	}
	return res
}

// packageFromSpecifier maps an import specifier to its installable package:
// scoped packages keep two segments, others keep the first.
func packageFromSpecifier(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// importLineAt reports whether the 1-based line n of contents is an
// import statement.
func importLineAt(contents string, n int) bool {
	lines := strings.Split(contents, "\n")
	if n < 1 || n > len(lines) {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(lines[n-1]), "import ")
}

// dropLines removes the given 1-based lines from contents.
func dropLines(contents string, drop map[int]bool) string {
	lines := strings.Split(contents, "\n")
	out := lines[:0]
	for i, line := range lines {
		if !drop[i+1] {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
