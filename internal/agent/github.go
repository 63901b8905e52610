package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"vibeforge/internal/logging"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
	"vibeforge/internal/types"
)

// tokenCache keeps GitHub tokens in memory with a TTL. Tokens are never
// persisted.
type tokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	token   string
	expires time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	return &tokenCache{ttl: ttl}
}

func (t *tokenCache) put(token string) {
	t.mu.Lock()
	t.token = token
	t.expires = time.Now().Add(t.ttl)
	t.mu.Unlock()
}

func (t *tokenCache) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Now().After(t.expires) {
		t.token = ""
	}
	return t.token
}

// PushOptions configure a GitHub export.
type PushOptions struct {
	Token             string
	Username          string
	Email             string
	RepositoryHTMLURL string
	IsPrivate         bool
}

// PushResult is a successful export.
type PushResult struct {
	CommitSha     string
	RepositoryURL string
}

// PushToGitHub exports the project to a GitHub repository through the Git
// Data API: a template base commit authored at project creation time, then
// one commit with the generated file union on top, force-pushed to main.
func (a *Agent) PushToGitHub(ctx context.Context, opts PushOptions) (*PushResult, error) {
	log := logging.Get(logging.CategoryExport)

	token := opts.Token
	if token == "" {
		token = a.githubToken.get()
	}
	if token == "" {
		return nil, types.NewKindError(types.KindInvalidArgument, "github token required", nil)
	}
	a.githubToken.put(token)

	owner, repo, err := parseRepoURL(opts.RepositoryHTMLURL)
	if err != nil {
		return nil, err
	}

	a.broadcaster.Broadcast(protocol.TypeGithubExportStarted, protocol.GithubExportEvent{
		RepositoryURL: opts.RepositoryHTMLURL,
	})
	fail := func(err error) (*PushResult, error) {
		a.broadcaster.Broadcast(protocol.TypeGithubExportError, protocol.GithubExportEvent{
			Error: err.Error(),
		})
		return nil, err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	state := a.State()

	author := &github.CommitAuthor{
		Name:  github.String(firstNonEmpty(opts.Username, "vibeforge")),
		Email: github.String(firstNonEmpty(opts.Email, "vibeforge@users.noreply.github.com")),
	}

	// Base commit: the pristine template, authored when the project was
	// created so repository history reflects its real age.
	var templateFiles []types.GeneratedFile
	if tmpl := a.files.Template(); tmpl != nil {
		for _, tf := range tmpl.AllFiles {
			templateFiles = append(templateFiles, types.GeneratedFile{Path: tf.Path, Contents: tf.Contents})
		}
	}
	a.progress("uploading template", 10)
	baseTree, err := a.createTree(ctx, client, owner, repo, templateFiles)
	if err != nil {
		return fail(err)
	}
	baseAuthor := *author
	baseAuthor.Date = &github.Timestamp{Time: state.CreatedAt}
	baseCommit, _, err := client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: github.String("Initial template"),
		Tree:    baseTree,
		Author:  &baseAuthor,
	}, nil)
	if err != nil {
		return fail(fmt.Errorf("create base commit: %w", err))
	}

	headSha := baseCommit.GetSHA()
	generated := a.files.GetAllFiles()
	if len(a.State().GeneratedFilesMap) > 0 {
		a.progress("uploading project files", 55)
		tree, err := a.createTree(ctx, client, owner, repo, generated)
		if err != nil {
			return fail(err)
		}
		message := "Generated application"
		if state.Query != "" {
			message = fmt.Sprintf("Generated application\n\n%s", state.Query)
		}
		commit, _, err := client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
			Message: github.String(message),
			Tree:    tree,
			Author:  author,
			Parents: []*github.Commit{{SHA: baseCommit.SHA}},
		}, nil)
		if err != nil {
			return fail(fmt.Errorf("create commit: %w", err))
		}
		headSha = commit.GetSHA()
	}

	a.progress("updating main", 90)
	ref := &github.Reference{
		Ref:    github.String("refs/heads/main"),
		Object: &github.GitObject{SHA: github.String(headSha)},
	}
	if _, _, err := client.Git.UpdateRef(ctx, owner, repo, ref, true); err != nil {
		if _, _, cerr := client.Git.CreateRef(ctx, owner, repo, ref); cerr != nil {
			return fail(fmt.Errorf("update main: %w", err))
		}
	}

	if err := a.registry.UpdateApp(ctx, a.projectID, registry.Patch{
		GithubRepositoryURL: registry.StrPtr(opts.RepositoryHTMLURL),
	}); err != nil {
		log.Warnw("registry github url update failed", "error", err)
	}

	a.broadcaster.Broadcast(protocol.TypeGithubExportCompleted, protocol.GithubExportEvent{
		RepositoryURL: opts.RepositoryHTMLURL,
		CommitSha:     headSha,
	})
	log.Infow("github export complete", "repo", owner+"/"+repo, "commit", headSha)
	return &PushResult{CommitSha: headSha, RepositoryURL: opts.RepositoryHTMLURL}, nil
}

// createTree uploads every file as a blob and assembles a full tree.
func (a *Agent) createTree(ctx context.Context, client *github.Client, owner, repo string, fileSet []types.GeneratedFile) (*github.Tree, error) {
	entries := make([]*github.TreeEntry, 0, len(fileSet))
	for _, f := range fileSet {
		blob, _, err := client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString([]byte(f.Contents))),
			Encoding: github.String("base64"),
		})
		if err != nil {
			return nil, fmt.Errorf("create blob %s: %w", f.Path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}
	tree, _, err := client.Git.CreateTree(ctx, owner, repo, "", entries)
	if err != nil {
		return nil, fmt.Errorf("create tree: %w", err)
	}
	return tree, nil
}

func (a *Agent) progress(step string, pct int) {
	a.broadcaster.Broadcast(protocol.TypeGithubExportProgress, protocol.GithubExportEvent{
		Step:     step,
		Progress: pct,
	})
}

// parseRepoURL extracts owner and repository from an HTML URL like
// https://github.com/owner/repo.
func parseRepoURL(htmlURL string) (string, string, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(
		htmlURL, "https://"), "http://"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return "", "", types.NewKindError(types.KindInvalidArgument,
			fmt.Sprintf("unparseable repository url %q", htmlURL), nil)
	}
	return parts[1], strings.TrimSuffix(parts[2], ".git"), nil
}
