package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"vibeforge/internal/inference"
	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// Tool is one capability exposed to the conversation model. The registry
// is rebuilt per turn so per-turn counters in closures reset naturally.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Execute     func(ctx context.Context, args map[string]any) (string, error)
}

// maxToolRounds bounds the tool loop within one conversation turn.
const maxToolRounds = 6

// ConverseRequest is one user turn.
type ConverseRequest struct {
	UserMessage    string
	RuntimeErrors  []types.RuntimeError
	ProjectUpdates []string
	Images         []types.UploadedImage
	History        []types.Message
	Tools          []Tool
	OnChunk        func(string)
}

// ConverseResult carries the assistant reply and the new conversation
// entries (user turn, tool exchanges, final reply) to append to history.
type ConverseResult struct {
	UserResponse string
	NewMessages  []types.Message
}

// toolInvocation is the wire shape the model uses to call a tool.
type toolInvocation struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// UserConverse runs one conversational turn, dispatching tool calls the
// model requests until it produces a plain-text reply.
func UserConverse(ctx context.Context, c Ctx, req ConverseRequest) (*ConverseResult, error) {
	log := logging.Get(logging.CategoryAgent)

	byName := map[string]Tool{}
	for _, t := range req.Tools {
		byName[t.Name] = t
	}

	system := converseSystem + "\n\nTools available:\n"
	for _, t := range req.Tools {
		system += fmt.Sprintf("- %s: %s\n", t.Name, t.Description)
	}

	userMsg := types.Message{
		Role:           "user",
		ConversationID: uuid.NewString(),
		Content:        req.UserMessage,
	}
	result := &ConverseResult{NewMessages: []types.Message{userMsg}}
	transcript := append(append([]types.Message(nil), req.History...), userMsg)

	for round := 0; round <= maxToolRounds; round++ {
		prompt := buildConversePrompt(c, req, transcript)

		text, err := c.Client.Stream(ctx, inference.Request{
			System:      system,
			Prompt:      prompt,
			Model:       c.State.InferenceContext.Model,
			Temperature: 0.4,
		}, req.OnChunk)
		if err != nil {
			return nil, fmt.Errorf("converse: %w", err)
		}

		inv, ok := parseToolInvocation(text)
		if !ok || round == maxToolRounds {
			reply := types.Message{
				Role:           "assistant",
				ConversationID: uuid.NewString(),
				Content:        strings.TrimSpace(text),
			}
			result.UserResponse = reply.Content
			result.NewMessages = append(result.NewMessages, reply)
			return result, nil
		}

		tool, found := byName[inv.Tool]
		var output string
		if !found {
			output = fmt.Sprintf("unknown tool %q", inv.Tool)
		} else if out, err := tool.Execute(ctx, inv.Args); err != nil {
			output = fmt.Sprintf("tool error: %v", err)
		} else {
			output = out
		}
		log.Debugw("conversation tool invoked", "tool", inv.Tool, "round", round)

		call := types.Message{
			Role:           "assistant",
			ConversationID: uuid.NewString(),
			Content:        strings.TrimSpace(text),
			ToolCalls:      []types.ToolCall{{ID: uuid.NewString(), Name: inv.Tool, Arguments: marshalArgs(inv.Args)}},
		}
		toolMsg := types.Message{
			Role:           "tool",
			ConversationID: uuid.NewString(),
			Name:           inv.Tool,
			Content:        output,
		}
		result.NewMessages = append(result.NewMessages, call, toolMsg)
		transcript = append(transcript, call, toolMsg)
	}
	return result, nil
}

func buildConversePrompt(c Ctx, req ConverseRequest, transcript []types.Message) string {
	var b strings.Builder
	if c.State.Blueprint != nil {
		fmt.Fprintf(&b, "Project: %s - %s\n", c.State.Blueprint.Title, c.State.Blueprint.Description)
	}
	fmt.Fprintf(&b, "Generation state: %s, mvpGenerated=%t\n\n",
		c.State.CurrentDevState, c.State.MVPGenerated)

	if len(req.ProjectUpdates) > 0 {
		b.WriteString("Recent project updates:\n")
		for _, u := range req.ProjectUpdates {
			fmt.Fprintf(&b, "- %s\n", u)
		}
		b.WriteByte('\n')
	}
	if len(req.RuntimeErrors) > 0 {
		b.WriteString("Current runtime errors:\n")
		b.WriteString(renderRuntimeErrors(req.RuntimeErrors))
		b.WriteByte('\n')
	}
	if len(req.Images) > 0 {
		fmt.Fprintf(&b, "The user attached %d image(s).\n\n", len(req.Images))
	}

	b.WriteString("Conversation:\n")
	for _, m := range transcript {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text())
	}
	b.WriteString("\nRespond now.")
	return b.String()
}

// parseToolInvocation recognizes a whole-message tool call.
func parseToolInvocation(text string) (toolInvocation, bool) {
	trimmed := strings.TrimSpace(stripFences(text))
	if !strings.HasPrefix(trimmed, "{") {
		return toolInvocation{}, false
	}
	var inv toolInvocation
	if err := ExtractJSON(trimmed, &inv); err != nil || inv.Tool == "" {
		return toolInvocation{}, false
	}
	return inv, true
}

func marshalArgs(args map[string]any) json.RawMessage {
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
