package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/neotalk/neotalk/internal/llm"
	"github.com/neotalk/neotalk/internal/memory"
	"github.com/neotalk/neotalk/pkg/models"
)

func echoTool(name string) *ToolFunc {
	return &ToolFunc{
		Desc: models.ToolDescriptor{Name: name, Description: "echo", Version: "1.0"},
		Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

func newTestAgent(t *testing.T, runtime llm.Runtime, tools ...Tool) *Agent {
	t.Helper()
	registry := NewRegistry(nil, nil)
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	mem := memory.NewManager(memory.NewShortTerm(0, nil), memory.NewMidTerm(), nil, nil)
	return New(runtime, registry, nil, mem, nil, Config{}, nil)
}

func TestAgentToolResolutionScenario(t *testing.T) {
	runtime := llm.NewFakeRuntime(
		`<tool_calls><invoke name="device.discover"></invoke></tool_calls>`,
		`All devices listed.`,
	)
	listTool := echoTool("list_devices")
	a := newTestAgent(t, runtime, listTool)

	result, err := a.Process(context.Background(), "s1", "what devices do I have?")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(result.ToolResults) != 1 {
		t.Fatalf("expected one tool result, got %d", len(result.ToolResults))
	}
	tr := result.ToolResults[0]
	if tr.Name != "list_devices" {
		t.Errorf("simplified name should canonicalise to list_devices, got %q", tr.Name)
	}
	if !tr.Success {
		t.Errorf("tool should succeed: %+v", tr)
	}
	if tr.CallID == "" {
		t.Error("tool call should carry a fresh id")
	}
	if result.Response != "All devices listed." {
		t.Errorf("response: %q", result.Response)
	}
}

func TestAgentPendingUserInput(t *testing.T) {
	runtime := llm.NewFakeRuntime(
		`<tool_calls><invoke name="ask_user"><parameter name="question" value="which lamp?"/></invoke></tool_calls>`,
		`should never be reached`,
	)
	ask := &ToolFunc{
		Desc: models.ToolDescriptor{
			Name: "ask_user", Description: "ask",
		},
		NeedsUserInput: true,
		Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
	a := newTestAgent(t, runtime, ask)

	result, err := a.Process(context.Background(), "s1", "turn on the lamp")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.PendingInput {
		t.Error("turn should return with pending input")
	}
	if result.ChainDepth != 1 {
		t.Errorf("no follow-up pass after pending input, depth=%d", result.ChainDepth)
	}
}

func TestAgentToolErrorFedBack(t *testing.T) {
	runtime := llm.NewFakeRuntime(
		`<tool_calls><invoke name="broken"></invoke></tool_calls>`,
		`The tool failed, sorry.`,
	)
	broken := &ToolFunc{
		Desc: models.ToolDescriptor{Name: "broken", Description: "always fails"},
		Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}
	a := newTestAgent(t, runtime, broken)

	result, err := a.Process(context.Background(), "s1", "do it")
	if err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}
	if len(result.ToolResults) != 1 || result.ToolResults[0].Success {
		t.Fatalf("tool result should carry the failure: %+v", result.ToolResults)
	}

	// The follow-up LLM pass received the tool failure.
	calls := runtime.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected a follow-up pass, got %d calls", len(calls))
	}
	last := calls[1][len(calls[1])-1]
	if !strings.Contains(last.Content, "boom") {
		t.Errorf("tool error should be fed back to the LLM: %q", last.Content)
	}
}

func TestAgentMaxChainDepth(t *testing.T) {
	// The fake keeps emitting tool calls forever.
	runtime := llm.NewFakeRuntime(`<tool_calls><invoke name="echo"></invoke></tool_calls>`)
	a := newTestAgent(t, runtime, echoTool("echo"))
	a.config.MaxChainDepth = 3

	result, err := a.Process(context.Background(), "s1", "loop forever")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.ChainDepth != 3 {
		t.Errorf("chain should stop at depth 3, got %d", result.ChainDepth)
	}
}

type abortHook struct{ BaseHook }

func (abortHook) Name() string { return "abort" }
func (abortHook) BeforeProcess(_ context.Context, input string) HookResult {
	if strings.Contains(input, "forbidden") {
		return Abort("input rejected by policy")
	}
	return Continue(input)
}

func TestAgentHookAbort(t *testing.T) {
	runtime := llm.NewFakeRuntime("should not be called")
	a := newTestAgent(t, runtime)
	a.hooks.Add(abortHook{})

	result, err := a.Process(context.Background(), "s1", "do the forbidden thing")
	if err != nil {
		t.Fatalf("abort should resolve to a result: %v", err)
	}
	if !result.Aborted || !strings.Contains(result.AbortReason, "policy") {
		t.Errorf("abort not surfaced: %+v", result)
	}
	if len(runtime.Calls()) != 0 {
		t.Error("LLM must not be called after abort")
	}
}

type rewriteHook struct{ BaseHook }

func (rewriteHook) Name() string { return "rewrite" }
func (rewriteHook) BeforeProcess(_ context.Context, input string) HookResult {
	return Modified(input+" (annotated)", "annotated input")
}

func TestAgentHookModifiesInput(t *testing.T) {
	runtime := llm.NewFakeRuntime("ok")
	a := newTestAgent(t, runtime)
	a.hooks.Add(rewriteHook{})

	if _, err := a.Process(context.Background(), "s1", "hello"); err != nil {
		t.Fatalf("process: %v", err)
	}
	calls := runtime.Calls()
	last := calls[0][len(calls[0])-1]
	if !strings.Contains(last.Content, "(annotated)") {
		t.Errorf("modified input should reach the LLM: %q", last.Content)
	}
}

func TestAgentSchemaValidation(t *testing.T) {
	registry := NewRegistry(nil, nil)
	strict := &ToolFunc{
		Desc: models.ToolDescriptor{
			Name:        "strict",
			Description: "requires device_id",
			Parameters:  json.RawMessage(`{"type":"object","required":["device_id"],"properties":{"device_id":{"type":"string"}}}`),
		},
		Fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
	if err := registry.Register(strict); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := registry.Execute(context.Background(), models.ToolCall{ID: "1", Name: "strict", Arguments: json.RawMessage(`{}`)})
	if result.Success {
		t.Error("missing required argument should fail validation")
	}
	if !strings.Contains(result.Error, "invalid tool arguments") {
		t.Errorf("error should be tagged invalid arguments: %q", result.Error)
	}

	// The device alias rewrites to device_id and then validates.
	result = registry.Execute(context.Background(), models.ToolCall{ID: "2", Name: "strict", Arguments: json.RawMessage(`{"device":"lamp"}`)})
	if !result.Success {
		t.Errorf("aliased argument should pass validation: %+v", result)
	}
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	registry := NewRegistry(nil, nil)
	_ = registry.Register(echoTool("echo"))

	calls := []models.ToolCall{
		{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)},
		{ID: "2", Name: "echo", Arguments: json.RawMessage(`{"n":2}`)},
		{ID: "3", Name: "echo", Arguments: json.RawMessage(`{"n":3}`)},
	}
	results := registry.ExecuteParallel(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("results: %d", len(results))
	}
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Errorf("result %d out of order: %+v", i, r)
		}
	}
}
