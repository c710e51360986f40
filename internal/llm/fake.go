package llm

import (
	"context"
	"sync"
)

// FakeRuntime replays scripted responses in order; tests drive the agent
// loop with it.
type FakeRuntime struct {
	mu        sync.Mutex
	responses []string
	calls     [][]Message
}

// NewFakeRuntime creates a fake that returns the given responses in
// order, repeating the last one when exhausted.
func NewFakeRuntime(responses ...string) *FakeRuntime {
	return &FakeRuntime{responses: responses}
}

// Name implements Runtime.
func (f *FakeRuntime) Name() string { return "fake" }

// Chat implements Runtime.
func (f *FakeRuntime) Chat(_ context.Context, messages []Message) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)

	if len(f.responses) == 0 {
		return &Response{Text: ""}, nil
	}
	text := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &Response{Text: text, Model: "fake"}, nil
}

// Calls returns every conversation the fake has seen.
func (f *FakeRuntime) Calls() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Message(nil), f.calls...)
}
