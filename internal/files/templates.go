package files

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// catalogFile is the manifest name inside a template directory tree.
const catalogFile = "catalog.yaml"

// InitialCommitMessage labels the customization commit.
const InitialCommitMessage = "Initialize project configuration files"

// templateManifest is one catalog.yaml entry.
type templateManifest struct {
	Name           string   `yaml:"name"`
	Frameworks     []string `yaml:"frameworks"`
	ImportantFiles []string `yaml:"importantFiles"`
	RedactedFiles  []string `yaml:"redactedFiles"`
}

type catalogManifest struct {
	Templates []templateManifest `yaml:"templates"`
}

// Catalog resolves template names to their full file sets. File bodies live
// on disk under <dir>/<template-name>/; metadata comes from catalog.yaml.
type Catalog struct {
	dir       string
	manifests map[string]templateManifest
	cache     map[string]*types.TemplateDetails
}

// LoadCatalog parses <dir>/catalog.yaml.
func LoadCatalog(dir string) (*Catalog, error) {
	raw, err := os.ReadFile(filepath.Join(dir, catalogFile))
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	var manifest catalogManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}

	c := &Catalog{
		dir:       dir,
		manifests: map[string]templateManifest{},
		cache:     map[string]*types.TemplateDetails{},
	}
	for _, m := range manifest.Templates {
		c.manifests[m.Name] = m
	}
	logging.Get(logging.CategoryFiles).Infow("template catalog loaded",
		"dir", dir, "templates", len(c.manifests))
	return c, nil
}

// Names lists the available template names.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.manifests))
	for name := range c.manifests {
		out = append(out, name)
	}
	return out
}

// Get materializes a template: manifest metadata plus every file found
// under the template's directory. Results are cached per name.
func (c *Catalog) Get(name string) (*types.TemplateDetails, error) {
	if cached, ok := c.cache[name]; ok {
		return cached, nil
	}
	m, ok := c.manifests[name]
	if !ok {
		return nil, types.NewKindError(types.KindNotFound, fmt.Sprintf("template %q", name), nil)
	}

	root := filepath.Join(c.dir, name)
	details := &types.TemplateDetails{
		Name:           m.Name,
		ImportantFiles: m.ImportantFiles,
		RedactedFiles:  m.RedactedFiles,
		Frameworks:     m.Frameworks,
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		details.AllFiles = append(details.AllFiles, types.TemplateFile{
			Path:     filepath.ToSlash(rel),
			Contents: string(contents),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load template %q: %w", name, err)
	}

	c.cache[name] = details
	return details, nil
}

var wranglerName = regexp.MustCompile(`"name"\s*:\s*"[^"]*"`)

// CustomizeTemplate rewrites the project-identity files of a template for a
// new project: the package.json and wrangler.jsonc names, an empty
// bootstrap script, and a .gitignore when the template lacks one. The
// caller commits the result as InitialCommitMessage.
func CustomizeTemplate(t *types.TemplateDetails, projectName string) []types.GeneratedFile {
	out := []types.GeneratedFile{}
	haveGitignore := false

	for _, tf := range t.AllFiles {
		switch tf.Path {
		case "package.json":
			if rewritten, err := rewritePackageName(tf.Contents, projectName); err == nil {
				out = append(out, types.GeneratedFile{
					Path: tf.Path, Contents: rewritten,
					Purpose: "Project manifest",
				})
			}
		case "wrangler.jsonc":
			// jsonc tolerates comments, so rewrite textually instead of
			// round-tripping through a JSON decoder.
			out = append(out, types.GeneratedFile{
				Path:     tf.Path,
				Contents: wranglerName.ReplaceAllString(tf.Contents, fmt.Sprintf("%q: %q", "name", projectName)),
				Purpose:  "Deployment configuration",
			})
		case ".gitignore":
			haveGitignore = true
		}
	}

	out = append(out, types.GeneratedFile{
		Path:     ".bootstrap.js",
		Contents: RenderBootstrap(nil),
		Purpose:  "Setup commands replayed on cold-start clones",
	})
	if !haveGitignore {
		out = append(out, types.GeneratedFile{
			Path:     ".gitignore",
			Contents: "node_modules/\ndist/\n.wrangler/\n.env\n",
			Purpose:  "Ignore rules",
		})
	}
	return out
}

func rewritePackageName(contents, projectName string) (string, error) {
	var pkg map[string]any
	if err := json.Unmarshal([]byte(contents), &pkg); err != nil {
		return "", fmt.Errorf("parse package.json: %w", err)
	}
	pkg["name"] = projectName
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// RenderBootstrap produces the bootstrap script replaying the commands
// history on a fresh clone.
func RenderBootstrap(commands []string) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env node\n")
	b.WriteString("// Regenerated after every command batch. Do not edit.\n")
	b.WriteString("const { execSync } = require('node:child_process');\n")
	b.WriteString("const commands = [\n")
	for _, c := range commands {
		enc, _ := json.Marshal(c)
		fmt.Fprintf(&b, "  %s,\n", enc)
	}
	b.WriteString("];\n")
	b.WriteString("for (const cmd of commands) {\n")
	b.WriteString("  try { execSync(cmd, { stdio: 'inherit' }); }\n")
	b.WriteString("  catch (err) { console.error(`bootstrap: ${cmd} failed`, err.message); }\n")
	b.WriteString("}\n")
	return b.String()
}
