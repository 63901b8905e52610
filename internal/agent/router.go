package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"vibeforge/internal/conversation"
	"vibeforge/internal/logging"
	"vibeforge/internal/protocol"
)

// ServeClient attaches one connection to this agent: it sends the
// connection handshake, then dispatches inbound messages until the client
// disconnects. Unknown tags are rejected with an error event instead of
// closing the stream. r carries any bytes the caller already buffered
// while binding the connection; pass nil to read from conn directly.
func (a *Agent) ServeClient(ctx context.Context, conn net.Conn, r io.Reader) {
	log := logging.Get(logging.CategoryStream)
	clientID := a.broadcaster.Add(conn)
	defer a.broadcaster.Remove(clientID)

	a.sendConnected(clientID)

	if r == nil {
		r = conn
	}
	reader := protocol.NewReader(r)
	for {
		msg, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("client read failed", "client", clientID, "error", err)
			}
			return
		}
		a.dispatch(ctx, clientID, msg)
	}
}

// sendConnected delivers the handshake and current conversation view.
func (a *Agent) sendConnected(clientID string) {
	a.broadcaster.SendTo(clientID, protocol.TypeAgentConnected, protocol.AgentConnected{
		State:           a.State(),
		TemplateDetails: a.files.Template(),
	})
	a.broadcaster.SendTo(clientID, protocol.TypeConversationState, protocol.ConversationState{
		Messages: conversation.ForUI(a.State().ConversationMessages),
	})
}

// dispatch routes one inbound message. Handlers that do real work run on
// their own goroutines so a slow operation never stalls the read loop.
func (a *Agent) dispatch(ctx context.Context, clientID string, msg protocol.Decoded) {
	log := logging.Get(logging.CategoryStream)

	if !protocol.IsClientType(msg.Type) {
		a.broadcaster.SendTo(clientID, protocol.TypeError, protocol.ErrorEvent{
			Error: fmt.Sprintf("unknown message type %q", msg.Type),
		})
		return
	}

	switch msg.Type {
	case protocol.TypePreview:
		a.sendConnected(clientID)

	case protocol.TypeGenerateAll:
		go func() {
			if err := a.GenerateAllFiles(context.WithoutCancel(ctx), defaultReviewCycles); err != nil {
				log.Warnw("generate_all failed", "error", err)
			}
		}()

	case protocol.TypeStopGeneration:
		a.StopGeneration()

	case protocol.TypeResumeGeneration:
		a.ResumeGeneration(ctx)

	case protocol.TypeClearConversation:
		if err := a.ClearConversation(); err != nil {
			a.broadcaster.SendTo(clientID, protocol.TypeError, protocol.ErrorEvent{
				Error: "failed to clear conversation", Details: err.Error(),
			})
		}

	case protocol.TypeUserSuggestion:
		var payload protocol.UserSuggestion
		if err := msg.Unmarshal(&payload); err != nil {
			a.broadcaster.SendTo(clientID, protocol.TypeError, protocol.ErrorEvent{
				Error: "malformed user_suggestion", Details: err.Error(),
			})
			return
		}
		go func() {
			if err := a.HandleUserInput(context.WithoutCancel(ctx), payload.Text, payload.Images); err != nil {
				log.Warnw("user input failed", "error", err)
			}
		}()

	case protocol.TypeGetModelConfigs:
		a.broadcaster.SendTo(clientID, protocol.TypeModelConfigsInfo, protocol.ModelConfigsInfo{
			Configs: map[string]string{
				"provider":   a.cfg.Inference.Provider,
				"model":      a.cfg.Inference.Model,
				"fixerModel": a.cfg.Inference.FixerModel,
				"agentMode":  string(a.State().AgentMode),
			},
		})

	case protocol.TypeTerminalCommand:
		var payload protocol.TerminalCommand
		if err := msg.Unmarshal(&payload); err != nil || payload.Command == "" {
			a.broadcaster.SendTo(clientID, protocol.TypeError, protocol.ErrorEvent{
				Error: "malformed terminal_command",
			})
			return
		}
		go func() {
			if _, err := a.ExecCommands(context.WithoutCancel(ctx),
				[]string{payload.Command}, true, 30*time.Second); err != nil {
				a.broadcaster.SendTo(clientID, protocol.TypeTerminalOutput, protocol.TerminalOutput{
					Output: err.Error(), Stderr: true,
				})
			}
		}()
	}
}
