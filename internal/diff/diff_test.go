package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnifiedIdenticalContents(t *testing.T) {
	assert.Empty(t, Unified("a.ts", "a.ts", "same\n", "same\n"))
}

func TestUnifiedNewFile(t *testing.T) {
	out := Unified("a.ts", "a.ts", "", "line one\nline two\n")
	require.NotEmpty(t, out)
	assert.True(t, strings.HasPrefix(out, "--- /dev/null\n+++ b/a.ts\n"), out)
	assert.Contains(t, out, "+line one")
	assert.Contains(t, out, "+line two")
	assert.NotContains(t, out, "\n-")
}

func TestUnifiedDeletedFile(t *testing.T) {
	out := Unified("a.ts", "a.ts", "gone\n", "")
	require.NotEmpty(t, out)
	assert.True(t, strings.HasPrefix(out, "--- a/a.ts\n+++ /dev/null\n"), out)
	assert.Contains(t, out, "-gone")
}

func TestUnifiedModification(t *testing.T) {
	oldContent := "alpha\nbeta\ngamma\ndelta\n"
	newContent := "alpha\nbeta2\ngamma\ndelta\n"
	out := Unified("x.ts", "x.ts", oldContent, newContent)
	require.NotEmpty(t, out)
	assert.Contains(t, out, "-beta\n")
	assert.Contains(t, out, "+beta2\n")
	// Unchanged surrounding lines appear as context, not changes.
	assert.Contains(t, out, " alpha\n")
	assert.Contains(t, out, " gamma\n")
}

func TestHunksSeparatedChanges(t *testing.T) {
	var oldB, newB strings.Builder
	for i := 0; i < 30; i++ {
		line := "line"
		oldB.WriteString(line + "\n")
		switch i {
		case 2:
			newB.WriteString("changed-top\n")
		case 27:
			newB.WriteString("changed-bottom\n")
		default:
			newB.WriteString(line + "\n")
		}
	}

	hunks := NewEngine().Hunks(oldB.String(), newB.String())
	require.Len(t, hunks, 2)
	for _, h := range hunks {
		assert.NotZero(t, h.OldCount)
		assert.NotZero(t, h.NewCount)
	}
}

func TestHunksCacheReturnsStableResult(t *testing.T) {
	e := NewEngine()
	first := e.Hunks("a\nb\n", "a\nc\n")
	second := e.Hunks("a\nb\n", "a\nc\n")
	require.Equal(t, first, second)
}
