// Package diff computes line-based unified diffs using the sergi/go-diff
// engine. The orchestrator records a unified diff on every generated file
// revision and renders commit diffs through the same engine.
package diff

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies a diff line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line in a hunk.
type Line struct {
	Content string
	Type    LineType
}

// Hunk is a contiguous group of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Engine computes diffs with a small cache for repeated input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates a diff engine tuned for code.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// DefaultEngine is the shared engine used by package-level helpers.
var DefaultEngine = NewEngine()

// Unified returns a unified diff between old and new contents with
// standard ---/+++ headers and three lines of context. Returns "" when the
// contents are identical.
func Unified(oldPath, newPath, oldContent, newContent string) string {
	return DefaultEngine.Unified(oldPath, newPath, oldContent, newContent)
}

// Unified computes a unified diff through this engine.
func (e *Engine) Unified(oldPath, newPath, oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}

	hunks := e.Hunks(oldContent, newContent)
	if len(hunks) == 0 {
		return ""
	}

	var b strings.Builder
	oldLabel := oldPath
	if oldContent == "" {
		oldLabel = "/dev/null"
	} else {
		oldLabel = "a/" + oldPath
	}
	newLabel := newPath
	if newContent == "" {
		newLabel = "/dev/null"
	} else {
		newLabel = "b/" + newPath
	}
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldLabel, newLabel)

	for _, h := range hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteString("+")
			case LineRemoved:
				b.WriteString("-")
			default:
				b.WriteString(" ")
			}
			b.WriteString(l.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Hunks returns the change hunks between two contents with three lines of
// context, caching results for identical input pairs.
func (e *Engine) Hunks(oldContent, newContent string) []Hunk {
	key := cacheKey{hash(oldContent), hash(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		return cached.([]Hunk)
	}

	// Line-level reduction avoids newline boundary artifacts when
	// converting character diffs back to line operations.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	hunks := groupIntoHunks(toOperations(diffs), 3)
	e.cache.Store(key, hunks)
	return hunks
}

type operation struct {
	typ     LineType
	oldLine int
	newLine int
	content string
}

func toOperations(diffs []diffmatchpatch.Diff) []operation {
	ops := make([]operation, 0)
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

func groupIntoHunks(ops []operation, contextLines int) []Hunk {
	changed := false
	for _, op := range ops {
		if op.typ != LineContext {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}

	hunks := make([]Hunk, 0)
	var current *Hunk
	lastChangeIdx := -1

	for i, op := range ops {
		if op.typ != LineContext {
			if current == nil {
				current = &Hunk{}
				start := i - contextLines
				if start < 0 {
					start = 0
				}
				for j := start; j < i; j++ {
					current.Lines = append(current.Lines, Line{Content: ops[j].content, Type: LineContext})
				}
				current.OldStart = ops[start].oldLine + 1
				current.NewStart = ops[start].newLine + 1
				if ops[start].oldLine < 0 {
					current.OldStart = 0
				}
				if ops[start].newLine < 0 {
					current.NewStart = 0
				}
			}
			lastChangeIdx = i
		}

		if current == nil {
			continue
		}

		current.Lines = append(current.Lines, Line{Content: op.content, Type: op.typ})

		if op.typ == LineContext && i-lastChangeIdx >= contextLines {
			// Look ahead: keep the hunk open if another change follows
			// within twice the context window.
			nextChange := -1
			for j := i + 1; j < len(ops) && j <= i+contextLines; j++ {
				if ops[j].typ != LineContext {
					nextChange = j
					break
				}
			}
			if nextChange == -1 {
				finishHunk(current)
				hunks = append(hunks, *current)
				current = nil
			}
		}
	}

	if current != nil && len(current.Lines) > 0 {
		finishHunk(current)
		hunks = append(hunks, *current)
	}
	return hunks
}

func finishHunk(h *Hunk) {
	for _, l := range h.Lines {
		if l.Type == LineRemoved || l.Type == LineContext {
			h.OldCount++
		}
		if l.Type == LineAdded || l.Type == LineContext {
			h.NewCount++
		}
	}
}

// hash is FNV-1a over the content, used only as a cache key.
func hash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
