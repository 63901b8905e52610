package ops

import (
	"context"
	"sync"

	"vibeforge/internal/inference"
	"vibeforge/internal/types"
)

// scriptedClient answers completions from a fixed queue. Stream responses
// are delivered in two chunks to exercise reassembly.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	requests  []inference.Request
	err       error
}

func (s *scriptedClient) next(req inference.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return out, nil
}

func (s *scriptedClient) Complete(_ context.Context, req inference.Request) (string, error) {
	return s.next(req)
}

func (s *scriptedClient) Stream(_ context.Context, req inference.Request, onChunk func(string)) (string, error) {
	out, err := s.next(req)
	if err != nil {
		return "", err
	}
	if onChunk != nil && out != "" {
		half := len(out) / 2
		onChunk(out[:half])
		onChunk(out[half:])
	}
	return out, nil
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) calls() []inference.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inference.Request(nil), s.requests...)
}

func testCtx(client *scriptedClient) Ctx {
	return Ctx{
		State:  types.NewAgentState("proj-ops"),
		Client: client,
	}
}
