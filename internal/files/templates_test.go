package files

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/types"
)

func writeTestCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	manifest := `templates:
  - name: vite-react
    frameworks: [react, vite]
    importantFiles: [package.json]
    redactedFiles: [.env]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(manifest), 0o644))

	root := filepath.Join(dir, "vite-react")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"),
		[]byte("{\n  \"name\": \"starter\",\n  \"private\": true\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "wrangler.jsonc"),
		[]byte("{\n  // deployment config\n  \"name\": \"starter\"\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.tsx"),
		[]byte("render()\n"), 0o644))
	return dir
}

func TestLoadCatalogAndGet(t *testing.T) {
	dir := writeTestCatalog(t)
	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vite-react"}, catalog.Names())

	details, err := catalog.Get("vite-react")
	require.NoError(t, err)
	assert.Equal(t, "vite-react", details.Name)
	assert.Equal(t, []string{"package.json"}, details.ImportantFiles)
	assert.ElementsMatch(t, []string{"react", "vite"}, details.Frameworks)
	require.Len(t, details.AllFiles, 3)

	paths := map[string]bool{}
	for _, f := range details.AllFiles {
		paths[f.Path] = true
	}
	assert.True(t, paths["src/main.tsx"], "nested paths use forward slashes")

	// Cached: the same pointer comes back.
	again, err := catalog.Get("vite-react")
	require.NoError(t, err)
	assert.Same(t, details, again)

	_, err = catalog.Get("missing")
	assert.Error(t, err)
}

func TestCustomizeTemplate(t *testing.T) {
	dir := writeTestCatalog(t)
	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)
	details, err := catalog.Get("vite-react")
	require.NoError(t, err)

	out := CustomizeTemplate(details, "my-new-app")
	byPath := map[string]types.GeneratedFile{}
	for _, f := range out {
		byPath[f.Path] = f
	}

	var pkg map[string]any
	require.NoError(t, json.Unmarshal([]byte(byPath["package.json"].Contents), &pkg))
	assert.Equal(t, "my-new-app", pkg["name"])
	assert.Equal(t, true, pkg["private"], "unrelated manifest fields survive")

	wrangler := byPath["wrangler.jsonc"].Contents
	assert.Contains(t, wrangler, `"name": "my-new-app"`)
	assert.Contains(t, wrangler, "// deployment config", "jsonc comments survive the rewrite")

	assert.Contains(t, byPath, ".bootstrap.js")
	assert.Contains(t, byPath, ".gitignore", "added when the template lacks one")
}

func TestCustomizeTemplateKeepsExistingGitignore(t *testing.T) {
	details := &types.TemplateDetails{
		Name: "t",
		AllFiles: []types.TemplateFile{
			{Path: ".gitignore", Contents: "custom\n"},
		},
	}
	out := CustomizeTemplate(details, "proj-x")
	for _, f := range out {
		assert.NotEqual(t, ".gitignore", f.Path)
	}
}

func TestRenderBootstrap(t *testing.T) {
	script := RenderBootstrap([]string{"bun install", `echo "hi"`})
	assert.Contains(t, script, `"bun install",`)
	assert.Contains(t, script, `"echo \"hi\"",`)
	assert.Contains(t, script, "execSync")

	empty := RenderBootstrap(nil)
	assert.Contains(t, empty, "const commands = [\n];")
}
