package ops

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// ImplementCallbacks stream file-level progress out of ImplementPhase.
// Chunk callbacks for a path are invoked sequentially between the start and
// complete callbacks for that path.
type ImplementCallbacks struct {
	OnFileStart    func(path, purpose string)
	OnFileChunk    func(path, chunk string)
	OnFileComplete func(file types.GeneratedFile)
}

// ImplementRequest carries one phase implementation.
type ImplementRequest struct {
	Phase           types.Phase
	Issues          []types.CodeIssue
	IsFirstPhase    bool
	UserSuggestions []string
	RelevantFiles   []types.GeneratedFile
	Callbacks       ImplementCallbacks
	RealtimeFix     bool
}

// ImplementResult is the outcome of a phase implementation. FixedFiles must
// be awaited before the files are saved.
type ImplementResult struct {
	Files            []types.GeneratedFile
	Commands         []string
	DeploymentNeeded bool
	FixedFiles       *FileFutures
}

// FileFutures collects asynchronous realtime-fix results.
type FileFutures struct {
	group *errgroup.Group
	mu    sync.Mutex
	files []types.GeneratedFile
}

func newFileFutures() *FileFutures {
	g := &errgroup.Group{}
	g.SetLimit(4)
	return &FileFutures{group: g}
}

func (f *FileFutures) launch(fn func() (types.GeneratedFile, bool, error)) {
	f.group.Go(func() error {
		file, changed, err := fn()
		if err != nil || !changed {
			// Fixer failures are soft: the unfixed file already streamed.
			return nil
		}
		f.mu.Lock()
		f.files = append(f.files, file)
		f.mu.Unlock()
		return nil
	})
}

// Await blocks until every in-flight fix resolves and returns the files the
// fixer actually changed.
func (f *FileFutures) Await() []types.GeneratedFile {
	f.group.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.GeneratedFile(nil), f.files...)
}

// ImplementPhase generates every file in the phase manifest, streaming
// progress through callbacks, and kicks off realtime fixes that the caller
// awaits before saving.
func ImplementPhase(ctx context.Context, c Ctx, req ImplementRequest) (*ImplementResult, error) {
	log := logging.Get(logging.CategoryOps)

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Phase: %s\n%s\n\nFiles to produce:\n", req.Phase.Name, req.Phase.Description)
	for _, f := range req.Phase.Files {
		fmt.Fprintf(&prompt, "- %s: %s", f.Path, f.Purpose)
		if f.Changes != "" && f.Changes != "delete" {
			fmt.Fprintf(&prompt, " (changes: %s)", f.Changes)
		}
		prompt.WriteByte('\n')
	}
	if req.IsFirstPhase && c.State.Blueprint != nil {
		fmt.Fprintf(&prompt, "\nThis is the first phase of %q: %s\n",
			c.State.Blueprint.Title, c.State.Blueprint.Description)
	}
	if len(req.UserSuggestions) > 0 {
		prompt.WriteString("\nUser requests to honor:\n")
		for _, s := range req.UserSuggestions {
			fmt.Fprintf(&prompt, "- %s\n", s)
		}
	}
	if len(req.Issues) > 0 {
		prompt.WriteString("\nFix these issues while implementing:\n")
		prompt.WriteString(renderIssues(req.Issues))
	}
	prompt.WriteString("\nCurrent project files:\n")
	prompt.WriteString(renderFiles(req.RelevantFiles))

	futures := newFileFutures()
	parser := &streamParser{callbacks: req.Callbacks}
	if req.RealtimeFix {
		parser.onComplete = func(file types.GeneratedFile) {
			futures.launch(func() (types.GeneratedFile, bool, error) {
				return realtimeFix(ctx, c, file)
			})
		}
	}

	_, err := c.Client.Stream(ctx, inference.Request{
		System:    implementSystem,
		Prompt:    prompt.String(),
		Model:     c.State.InferenceContext.Model,
		MaxTokens: c.State.InferenceContext.MaxTokens,
	}, parser.feed)
	parser.finish()
	if err != nil {
		return nil, fmt.Errorf("implement phase %q: %w", req.Phase.Name, err)
	}

	log.Infow("phase implemented", "phase", req.Phase.Name,
		"files", len(parser.files), "commands", len(parser.commands))
	return &ImplementResult{
		Files:            parser.files,
		Commands:         parser.commands,
		DeploymentNeeded: len(parser.files) > 0,
		FixedFiles:       futures,
	}, nil
}

// realtimeFix reviews one freshly generated file for obvious defects.
func realtimeFix(ctx context.Context, c Ctx, file types.GeneratedFile) (types.GeneratedFile, bool, error) {
	prompt := fmt.Sprintf("File %s (purpose: %s):\n\n%s\n\nIssues: review for syntax errors, unresolved references, and incomplete code. If the file is fine, return it unchanged.",
		file.Path, file.Purpose, file.Contents)
	fixed, err := c.fixerClient().Complete(ctx, inference.Request{
		System: regenerateSystem,
		Prompt: prompt,
		Model:  c.FixerModel,
	})
	if err != nil {
		return file, false, err
	}
	fixed = strings.TrimSpace(stripFences(fixed))
	if fixed == "" || fixed == strings.TrimSpace(file.Contents) {
		return file, false, nil
	}
	file.Contents = fixed
	return file, true, nil
}

var fileAttrs = regexp.MustCompile(`(\w+)="([^"]*)"`)

// streamParser incrementally decodes the file/command emission format from
// streamed model output. Tags may arrive split across arbitrary chunk
// boundaries; the parser holds back a small tail while inside a file body
// so a partial closing tag is never emitted as content.
type streamParser struct {
	pending    string
	inFile     bool
	current    types.GeneratedFile
	files      []types.GeneratedFile
	commands   []string
	callbacks  ImplementCallbacks
	onComplete func(types.GeneratedFile)
}

const closeTag = "</file>"

func (p *streamParser) feed(chunk string) {
	p.pending += chunk
	for p.step() {
	}
}

func (p *streamParser) step() bool {
	if p.inFile {
		idx := strings.Index(p.pending, closeTag)
		if idx < 0 {
			// Keep a tail that could be the start of a split closing tag.
			hold := len(closeTag)
			if len(p.pending) > hold {
				p.emitBody(p.pending[:len(p.pending)-hold])
				p.pending = p.pending[len(p.pending)-hold:]
			}
			return false
		}
		p.emitBody(p.pending[:idx])
		p.pending = p.pending[idx+len(closeTag):]
		p.completeFile()
		return true
	}

	fileIdx := strings.Index(p.pending, "<file ")
	cmdIdx := strings.Index(p.pending, "<command>")

	if cmdIdx >= 0 && (fileIdx < 0 || cmdIdx < fileIdx) {
		end := strings.Index(p.pending[cmdIdx:], "</command>")
		if end < 0 {
			return false
		}
		cmd := strings.TrimSpace(p.pending[cmdIdx+len("<command>") : cmdIdx+end])
		if cmd != "" {
			p.commands = append(p.commands, cmd)
		}
		p.pending = p.pending[cmdIdx+end+len("</command>"):]
		return true
	}

	if fileIdx < 0 {
		// Nothing actionable; drop prose but keep a tail in case a tag is
		// split across chunks.
		if len(p.pending) > 64 {
			p.pending = p.pending[len(p.pending)-64:]
		}
		return false
	}

	tagEnd := strings.IndexByte(p.pending[fileIdx:], '>')
	if tagEnd < 0 {
		p.pending = p.pending[fileIdx:]
		return false
	}

	tag := p.pending[fileIdx : fileIdx+tagEnd]
	p.current = types.GeneratedFile{}
	for _, m := range fileAttrs.FindAllStringSubmatch(tag, -1) {
		switch m[1] {
		case "path":
			p.current.Path = m[2]
		case "purpose":
			p.current.Purpose = m[2]
		}
	}
	p.pending = strings.TrimPrefix(p.pending[fileIdx+tagEnd+1:], "\n")
	p.inFile = true
	if p.callbacks.OnFileStart != nil && p.current.Path != "" {
		p.callbacks.OnFileStart(p.current.Path, p.current.Purpose)
	}
	return true
}

func (p *streamParser) emitBody(body string) {
	if body == "" {
		return
	}
	p.current.Contents += body
	if p.callbacks.OnFileChunk != nil && p.current.Path != "" {
		p.callbacks.OnFileChunk(p.current.Path, body)
	}
}

func (p *streamParser) completeFile() {
	p.inFile = false
	p.current.Contents = strings.TrimSuffix(p.current.Contents, "\n")
	if p.current.Path == "" {
		p.current = types.GeneratedFile{}
		return
	}
	file := p.current
	p.files = append(p.files, file)
	p.current = types.GeneratedFile{}
	if p.callbacks.OnFileComplete != nil {
		p.callbacks.OnFileComplete(file)
	}
	if p.onComplete != nil {
		p.onComplete(file)
	}
}

// finish flushes a file left open by a truncated stream so its partial
// contents are not lost.
func (p *streamParser) finish() {
	if p.inFile {
		p.emitBody(p.pending)
		p.pending = ""
		p.completeFile()
	}
}
