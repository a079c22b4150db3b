package converge

import (
	"context"
	"sync"

	"goa.design/converge/runtime/model"
)

var (
	inputSchema = map[string]any{
		"type":     "object",
		"required": []any{"input"},
		"properties": map[string]any{
			"input": map[string]any{"type": "string"},
		},
	}
	outputSchema = map[string]any{
		"type":     "object",
		"required": []any{"result"},
		"properties": map[string]any{
			"result": map[string]any{"type": "string"},
		},
	}
)

// scriptedBackend replays canned replies in order, repeating the last one
// once the script is exhausted.
type scriptedBackend struct {
	name    string
	replies []string
	errs    map[int]error
	nilResp bool

	mu       sync.Mutex
	requests []*model.Request
}

func newScripted(name string, replies ...string) *scriptedBackend {
	return &scriptedBackend{name: name, replies: replies}
}

func (b *scriptedBackend) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	if err, ok := b.errs[i]; ok {
		return nil, err
	}
	if b.nilResp {
		return nil, nil
	}
	text := b.replies[len(b.replies)-1]
	if i < len(b.replies) {
		text = b.replies[i]
	}
	return &model.Response{
		Text: text,
		Provenance: model.Provenance{
			Backend: b.name,
			Model:   req.Model,
			Usage:   &model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
	}, nil
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *scriptedBackend) request(i int) *model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

func steps(attempts []Attempt) []string {
	out := make([]string, len(attempts))
	for i, a := range attempts {
		out[i] = a.Step
	}
	return out
}
