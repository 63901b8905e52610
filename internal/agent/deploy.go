package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vibeforge/internal/logging"
	"vibeforge/internal/metrics"
	"vibeforge/internal/protocol"
	"vibeforge/internal/registry"
	"vibeforge/internal/sandbox"
	"vibeforge/internal/types"
)

// DeploymentManager owns the sandbox session lifecycle and the preview URL
// cache. The cache is invalidated on redeploy because a redeploy rotates
// the session.
type DeploymentManager struct {
	agent *Agent

	mu         sync.Mutex
	previewURL string
	tunnelURL  string
}

func newDeploymentManager(a *Agent) *DeploymentManager {
	return &DeploymentManager{agent: a}
}

// PreviewURL returns the cached preview endpoint, "" when none is live.
func (d *DeploymentManager) PreviewURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previewURL
}

// DeployToSandbox pushes the file union to the sandbox and refreshes the
// preview cache. A nil file list deploys everything. An expired session is
// retried once as a redeploy.
func (d *DeploymentManager) DeployToSandbox(ctx context.Context, deployFiles []types.GeneratedFile, redeploy bool, commitMessage string, clearLogs bool) (*sandbox.DeployResult, error) {
	a := d.agent
	log := logging.Get(logging.CategoryDeploy)
	start := time.Now()

	if deployFiles == nil {
		deployFiles = a.files.GetAllFiles()
	}
	state := a.State()
	sessionID := state.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		redeploy = false
	}

	a.broadcaster.Broadcast(protocol.TypeDeploymentStarted, protocol.DeploymentEvent{
		Message: commitMessage,
	})

	res, err := a.sandbox.Deploy(ctx, sessionID, deployFiles, sandbox.DeployOptions{
		Redeploy:      redeploy,
		ClearLogs:     clearLogs,
		CommitMessage: commitMessage,
	})
	if err != nil && types.KindOf(err) == types.KindPreviewExpired && !redeploy {
		log.Infow("preview expired, redeploying", "session", sessionID)
		res, err = a.sandbox.Deploy(ctx, sessionID, deployFiles, sandbox.DeployOptions{
			Redeploy:      true,
			ClearLogs:     clearLogs,
			CommitMessage: commitMessage,
		})
	}
	if err != nil {
		a.broadcaster.Broadcast(protocol.TypeDeploymentFailed, protocol.DeploymentEvent{
			Error: err.Error(),
		})
		return nil, err
	}

	newSession := sessionID
	if res.SessionID != "" {
		newSession = res.SessionID
	}
	if err := a.store.Mutate(func(s *types.AgentState) error {
		s.SessionID = newSession
		s.SandboxInstanceID = newSession
		return nil
	}); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.previewURL = res.PreviewURL
	d.tunnelURL = res.TunnelURL
	d.mu.Unlock()

	metrics.DeployDuration.Observe(time.Since(start).Seconds())
	a.broadcaster.Broadcast(protocol.TypeDeploymentCompleted, protocol.DeploymentEvent{
		PreviewURL: res.PreviewURL,
		TunnelURL:  res.TunnelURL,
		InstanceID: newSession,
	})
	log.Infow("sandbox deploy complete",
		"session", newSession, "files", len(deployFiles), "took", time.Since(start))
	return res, nil
}

// DeployToSandbox is the orchestrator-level entry used by tools and the
// router.
func (a *Agent) DeployToSandbox(ctx context.Context, deployFiles []types.GeneratedFile, redeploy bool, commitMessage string, clearLogs bool) (*sandbox.DeployResult, error) {
	res, err := a.deploy.DeployToSandbox(ctx, deployFiles, redeploy, commitMessage, clearLogs)
	if err != nil {
		return nil, err
	}
	// Installs run by the sandbox during deploy can touch package.json.
	if err := a.syncPackageJSONFromSandbox(ctx); err != nil {
		logging.Get(logging.CategoryDeploy).Warnw("package.json sync failed", "error", err)
	}
	return res, nil
}

// DeployToCloudflare runs the production deploy path: ensure a sandbox
// session exists, execute the cloud deploy there, and record the
// deployment id on the registry row.
func (a *Agent) DeployToCloudflare(ctx context.Context) error {
	log := logging.Get(logging.CategoryDeploy)
	a.broadcaster.Broadcast(protocol.TypeCloudflareDeploymentStarted, protocol.DeploymentEvent{
		Message: "deploying to production",
	})

	fail := func(err error) error {
		a.broadcaster.Broadcast(protocol.TypeCloudflareDeploymentError, protocol.DeploymentEvent{
			Error: err.Error(),
		})
		return err
	}

	state := a.State()
	if state.SessionID == "" {
		if _, err := a.deploy.DeployToSandbox(ctx, nil, false, "pre-deploy sandbox", false); err != nil {
			return fail(err)
		}
		state = a.State()
	}

	res, err := a.sandbox.ExecuteCommands(ctx, state.SessionID,
		[]string{"bunx wrangler deploy"}, 5*time.Minute)
	if err != nil {
		return fail(err)
	}
	if !res.Success {
		var stderr string
		for _, r := range res.Results {
			stderr += r.Stderr
		}
		return fail(errors.New(firstNonEmpty(stderr, "cloud deploy failed")))
	}

	deploymentID := uuid.NewString()
	if err := a.registry.UpdateApp(ctx, a.projectID, registry.Patch{
		DeploymentID: registry.StrPtr(deploymentID),
	}); err != nil {
		log.Warnw("registry deployment update failed", "error", err)
	}

	a.broadcaster.Broadcast(protocol.TypeCloudflareDeploymentCompleted, protocol.DeploymentEvent{
		Message:    fmt.Sprintf("deployment %s live", deploymentID),
		InstanceID: deploymentID,
	})
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
