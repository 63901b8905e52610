// Package types defines the shared domain model for the vibeforge
// orchestrator: blueprints, phases, generated files, conversation messages,
// and the persisted agent state document. All cross-package tagged unions
// are discriminated by a string field and rejected at the boundary when the
// tag is unknown.
package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// DevState is the state-machine position persisted with the project.
type DevState string

const (
	StateIdle              DevState = "IDLE"
	StatePhaseGenerating   DevState = "PHASE_GENERATING"
	StatePhaseImplementing DevState = "PHASE_IMPLEMENTING"
	StateReviewing         DevState = "REVIEWING"
	StateFinalizing        DevState = "FINALIZING"
)

// AgentMode selects the operations variant used for post-phase fixing.
type AgentMode string

const (
	ModeDeterministic AgentMode = "deterministic"
	ModeSmart         AgentMode = "smart"
)

// projectNamePattern constrains project slugs.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,50}$`)

// IsValidProjectName reports whether name is a legal project slug.
func IsValidProjectName(name string) bool {
	return projectNamePattern.MatchString(name)
}

// FileConcept is a planned file inside a phase. Changes is empty for new
// files, "delete" for removals, or a free-form change description.
type FileConcept struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
	Changes string `json:"changes,omitempty"`
}

// Phase is one contiguous unit of implementation work with a fixed file
// manifest.
type Phase struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Files       []FileConcept `json:"files"`
	LastPhase   bool          `json:"lastPhase"`
	Completed   bool          `json:"completed"`
}

// GeneratedFile is a file produced by the code generator. LastDiff is a
// unified diff between the previous and current contents.
type GeneratedFile struct {
	Path         string `json:"path"`
	Contents     string `json:"contents"`
	Purpose      string `json:"purpose,omitempty"`
	LastDiff     string `json:"lastDiff,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// TemplateFile is a single file shipped with a project template.
type TemplateFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// TemplateDetails describes a project template: its full file set, the
// files worth showing to the model, and the files whose contents are
// redacted from prompts.
type TemplateDetails struct {
	Name           string         `json:"name"`
	AllFiles       []TemplateFile `json:"allFiles"`
	ImportantFiles []string       `json:"importantFiles"`
	RedactedFiles  []string       `json:"redactedFiles"`
	Frameworks     []string       `json:"frameworks,omitempty"`
}

// BlueprintView is a single screen or view in the planned application.
type BlueprintView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RoadmapItem is one entry of the blueprint's implementation roadmap.
type RoadmapItem struct {
	Phase       string `json:"phase"`
	Description string `json:"description"`
}

// Blueprint is the structured plan for the project produced at
// initialization time. ProjectName must match the project slug pattern.
type Blueprint struct {
	Title                 string          `json:"title"`
	ProjectName           string          `json:"projectName"`
	Description           string          `json:"description"`
	Frameworks            []string        `json:"frameworks"`
	Views                 []BlueprintView `json:"views"`
	UserFlow              string          `json:"userFlow"`
	Architecture          string          `json:"architecture"`
	Pitfalls              []string        `json:"pitfalls"`
	ImplementationRoadmap []RoadmapItem   `json:"implementationRoadmap"`
	InitialPhase          *Phase          `json:"initialPhase,omitempty"`
	ColorPalette          []string        `json:"colorPalette,omitempty"`
}

// BlueprintPatchKeys lists the blueprint fields a client is allowed to
// patch through updateBlueprint. projectName is handled separately because
// renames propagate to the sandbox and registry.
var BlueprintPatchKeys = []string{
	"title", "projectName", "description", "frameworks", "views",
	"userFlow", "architecture", "pitfalls", "implementationRoadmap",
	"colorPalette",
}

// InferenceContext carries provider selection and request defaults for all
// model-backed operations of a project.
type InferenceContext struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// RuntimeError is an error captured by the sandbox at application runtime.
type RuntimeError struct {
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// CodeIssue is a single lint or typecheck finding.
type CodeIssue struct {
	RuleID   string `json:"ruleId,omitempty"`
	FilePath string `json:"filePath"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// StaticAnalysis bundles lint and typecheck results from the sandbox.
type StaticAnalysis struct {
	Lint      IssueReport `json:"lint"`
	Typecheck IssueReport `json:"typecheck"`
	Success   bool        `json:"success"`
}

// IssueReport is a list of findings from one analyzer.
type IssueReport struct {
	Issues []CodeIssue `json:"issues"`
}

// ToolCall is a model-requested tool invocation recorded on an assistant
// message.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is a conversation entry. Content is either a plain string or a
// list of parts on the wire; both shapes unmarshal into this struct.
type Message struct {
	Role           string        `json:"role"`
	ConversationID string        `json:"conversationId"`
	Content        string        `json:"-"`
	Parts          []ContentPart `json:"-"`
	ToolCalls      []ToolCall    `json:"tool_calls,omitempty"`
	Name           string        `json:"name,omitempty"`
}

// messageAlias avoids recursion in the custom JSON codecs.
type messageAlias Message

type messageWire struct {
	messageAlias
	RawContent json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON emits Content as a string when Parts is empty, otherwise as
// the parts array.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{messageAlias: messageAlias(m)}
	var err error
	if len(m.Parts) > 0 {
		w.RawContent, err = json.Marshal(m.Parts)
	} else {
		w.RawContent, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both string and parts-array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w.messageAlias)
	if len(w.RawContent) == 0 || string(w.RawContent) == "null" {
		return nil
	}
	if w.RawContent[0] == '[' {
		return json.Unmarshal(w.RawContent, &m.Parts)
	}
	return json.Unmarshal(w.RawContent, &m.Content)
}

// Text returns the textual body of the message regardless of wire shape.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// UploadedImage is a user-supplied image kept in memory only; images are
// lost on restart.
type UploadedImage struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
	URL      string `json:"url,omitempty"`
}

// CommitInfo describes one gitstore commit.
type CommitInfo struct {
	OID       string    `json:"oid"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
}

// AgentState is the single persisted JSON document for a project. The
// store serializes it on every mutation; the migration engine upgrades
// legacy shapes on load.
type AgentState struct {
	ProjectID         string    `json:"projectId"`
	UserID            string    `json:"userId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	Query             string    `json:"query"`
	Blueprint         *Blueprint `json:"blueprint,omitempty"`
	ProjectName       string    `json:"projectName"`
	TemplateName      string    `json:"templateName,omitempty"`

	GeneratedPhases   []Phase                  `json:"generatedPhases"`
	GeneratedFilesMap map[string]GeneratedFile `json:"generatedFilesMap"`
	CommandsHistory   []string                 `json:"commandsHistory"`
	LastPackageJSON   string                   `json:"lastPackageJson,omitempty"`

	SandboxInstanceID string `json:"sandboxInstanceId,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	Hostname          string `json:"hostname,omitempty"`

	ShouldBeGenerating bool      `json:"shouldBeGenerating"`
	MVPGenerated       bool      `json:"mvpGenerated"`
	ReviewingInitiated bool      `json:"reviewingInitiated"`
	AgentMode          AgentMode `json:"agentMode,omitempty"`

	PhasesCounter     int      `json:"phasesCounter"`
	PendingUserInputs []string `json:"pendingUserInputs"`
	CurrentDevState   DevState `json:"currentDevState"`
	ReviewCycles      int      `json:"reviewCycles,omitempty"`
	CurrentPhase      *Phase   `json:"currentPhase,omitempty"`

	ConversationMessages      []Message `json:"conversationMessages"`
	ProjectUpdatesAccumulator []string  `json:"projectUpdatesAccumulator"`

	InferenceContext        InferenceContext `json:"inferenceContext"`
	LastDeepDebugTranscript string           `json:"lastDeepDebugTranscript,omitempty"`
}

// Clone returns a deep copy of the state via JSON round-trip. State
// documents are small; the simplicity beats hand-written copying.
func (s *AgentState) Clone() (*AgentState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone marshal: %w", err)
	}
	var out AgentState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone unmarshal: %w", err)
	}
	return &out, nil
}

// NewAgentState returns an empty state with maps and slices initialized.
func NewAgentState(projectID string) *AgentState {
	return &AgentState{
		ProjectID:                 projectID,
		CreatedAt:                 time.Now().UTC(),
		GeneratedPhases:           []Phase{},
		GeneratedFilesMap:         map[string]GeneratedFile{},
		CommandsHistory:           []string{},
		PendingUserInputs:         []string{},
		ConversationMessages:      []Message{},
		ProjectUpdatesAccumulator: []string{},
		CurrentDevState:           StateIdle,
		AgentMode:                 ModeDeterministic,
	}
}
