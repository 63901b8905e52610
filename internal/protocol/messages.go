// Package protocol defines the newline-delimited JSON streaming protocol
// spoken between the orchestrator and its clients. Every wire object is a
// tagged union discriminated by a "type" string; payload keys sit beside
// the tag. Unknown tags are rejected at the router and surfaced as error
// events.
package protocol

import (
	"vibeforge/internal/types"
)

// Agent -> client message types.
const (
	TypeAgentConnected    = "agent_connected"
	TypeAgentState        = "cf_agent_state"
	TypeConversationState = "conversation_state"
	TypeConversationResp  = "conversation_response"
	TypeConversationClear = "conversation_cleared"

	TypeFileGenerating   = "file_generating"
	TypeFileChunk        = "file_chunk_generated"
	TypeFileGenerated    = "file_generated"
	TypeFileRegenerating = "file_regenerating"
	TypeFileRegenerated  = "file_regenerated"

	TypeGenerationStarted  = "generation_started"
	TypeGenerationComplete = "generation_complete"
	TypeGenerationStopped  = "generation_stopped"
	TypeGenerationResumed  = "generation_resumed"

	TypePhaseGenerating   = "phase_generating"
	TypePhaseGenerated    = "phase_generated"
	TypePhaseImplementing = "phase_implementing"
	TypePhaseValidating   = "phase_validating"
	TypePhaseValidated    = "phase_validated"
	TypePhaseImplemented  = "phase_implemented"

	TypeDeploymentStarted   = "deployment_started"
	TypeDeploymentCompleted = "deployment_completed"
	TypeDeploymentFailed    = "deployment_failed"

	TypeCloudflareDeploymentStarted   = "cloudflare_deployment_started"
	TypeCloudflareDeploymentCompleted = "cloudflare_deployment_completed"
	TypeCloudflareDeploymentError     = "cloudflare_deployment_error"

	TypeGithubExportStarted   = "github_export_started"
	TypeGithubExportProgress  = "github_export_progress"
	TypeGithubExportCompleted = "github_export_completed"
	TypeGithubExportError     = "github_export_error"

	TypeRuntimeErrorFound      = "runtime_error_found"
	TypeCodeReviewing          = "code_reviewing"
	TypeCodeReviewed           = "code_reviewed"
	TypeStaticAnalysisResults  = "static_analysis_results"
	TypeDeterministicFixStart  = "deterministic_code_fix_started"
	TypeDeterministicFixDone   = "deterministic_code_fix_completed"
	TypePreviewForceRefresh    = "preview_force_refresh"
	TypeRateLimitError         = "rate_limit_error"
	TypeError                  = "error"
	TypeModelConfigsInfo       = "model_configs_info"
	TypeTerminalOutput         = "terminal_output"
	TypeServerLog              = "server_log"
	TypeScreenshotCaptureStart = "screenshot_capture_started"
	TypeScreenshotSuccess      = "screenshot_capture_success"
	TypeScreenshotError        = "screenshot_capture_error"
	TypeProjectNameUpdated     = "projectName_updated"
	TypeBlueprintUpdated       = "blueprint_updated"
)

// Client -> agent message types.
const (
	TypePreview           = "preview"
	TypeGenerateAll       = "generate_all"
	TypeStopGeneration    = "stop_generation"
	TypeResumeGeneration  = "resume_generation"
	TypeClearConversation = "clear_conversation"
	TypeUserSuggestion    = "user_suggestion"
	TypeGetModelConfigs   = "get_model_configs"
	TypeTerminalCommand   = "terminal_command"
)

// clientTypes enumerates valid inbound tags for boundary validation.
var clientTypes = map[string]bool{
	TypePreview:           true,
	TypeGenerateAll:       true,
	TypeStopGeneration:    true,
	TypeResumeGeneration:  true,
	TypeClearConversation: true,
	TypeUserSuggestion:    true,
	TypeGetModelConfigs:   true,
	TypeTerminalCommand:   true,
}

// IsClientType reports whether tag is a known client->agent message type.
func IsClientType(tag string) bool { return clientTypes[tag] }

// AgentConnected is the first message sent to a connecting client.
type AgentConnected struct {
	State           *types.AgentState      `json:"state"`
	TemplateDetails *types.TemplateDetails `json:"templateDetails,omitempty"`
}

// AgentStateUpdate carries a full state snapshot for client reconciliation.
type AgentStateUpdate struct {
	State *types.AgentState `json:"state"`
}

// ConversationState carries the UI-visible conversation.
type ConversationState struct {
	Messages []types.Message `json:"messages"`
}

// ConversationResponse streams an assistant reply chunk or completion.
type ConversationResponse struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message,omitempty"`
	Chunk          string `json:"chunk,omitempty"`
	IsStreaming    bool   `json:"isStreaming,omitempty"`
	Tool           string `json:"tool,omitempty"`
}

// FileEvent covers file_generating / file_generated / file_regenerating /
// file_regenerated.
type FileEvent struct {
	Path    string               `json:"filePath"`
	Purpose string               `json:"filePurpose,omitempty"`
	File    *types.GeneratedFile `json:"file,omitempty"`
}

// FileChunk streams a fragment of a file under generation.
type FileChunk struct {
	Path  string `json:"filePath"`
	Chunk string `json:"chunk"`
}

// PhaseEvent covers the phase_* lifecycle messages.
type PhaseEvent struct {
	Phase   *types.Phase      `json:"phase,omitempty"`
	Message string            `json:"message,omitempty"`
	Issues  []types.CodeIssue `json:"issues,omitempty"`
}

// DeploymentEvent covers sandbox and cloud deployment notifications.
type DeploymentEvent struct {
	Message    string `json:"message,omitempty"`
	PreviewURL string `json:"previewURL,omitempty"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	Error      string `json:"error,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// GithubExportEvent covers the github_export_* progression.
type GithubExportEvent struct {
	Message       string `json:"message,omitempty"`
	Step          string `json:"step,omitempty"`
	Progress      int    `json:"progress,omitempty"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	CommitSha     string `json:"commitSha,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RuntimeErrors reports errors captured from the running preview.
type RuntimeErrors struct {
	Errors []types.RuntimeError `json:"errors"`
}

// AnalysisEvent carries static analysis results.
type AnalysisEvent struct {
	Analysis *types.StaticAnalysis `json:"analysis"`
}

// FixEvent covers the deterministic fixer start/completion messages.
type FixEvent struct {
	Message        string   `json:"message,omitempty"`
	ModifiedFiles  []string `json:"modifiedFiles,omitempty"`
	UnfixableCount int      `json:"unfixableCount,omitempty"`
}

// ErrorEvent is the generic failure notification.
type ErrorEvent struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// TerminalOutput relays command output to the client terminal pane.
type TerminalOutput struct {
	Output string `json:"output"`
	Stderr bool   `json:"stderr,omitempty"`
}

// ServerLog relays sandbox application logs.
type ServerLog struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// ScreenshotEvent covers screenshot capture notifications.
type ScreenshotEvent struct {
	URL           string `json:"url,omitempty"`
	ScreenshotURL string `json:"screenshotUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProjectNameUpdated announces a successful rename.
type ProjectNameUpdated struct {
	ProjectName string `json:"projectName"`
}

// BlueprintUpdated announces a blueprint patch.
type BlueprintUpdated struct {
	Blueprint *types.Blueprint `json:"blueprint"`
}

// ModelConfigsInfo reports the active inference configuration.
type ModelConfigsInfo struct {
	Configs map[string]string `json:"configs"`
}

// Preview binds a client connection to a project.
type Preview struct {
	ProjectID string `json:"projectId"`
}

// UserSuggestion is a user chat message, optionally with images.
type UserSuggestion struct {
	Text   string               `json:"text"`
	Images []types.UploadedImage `json:"images,omitempty"`
}

// TerminalCommand requests execution of a shell command in the sandbox.
type TerminalCommand struct {
	Command string `json:"command"`
}
