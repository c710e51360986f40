package agent

import (
	"context"
	"fmt"

	"github.com/neotalk/neotalk/pkg/models"
)

// HookOutcome is the decision a hook returns.
type HookOutcome int

const (
	// HookContinue passes the input through unchanged.
	HookContinue HookOutcome = iota

	// HookModified passes a mutated input through, with a note.
	HookModified

	// HookAbort short-circuits the chain; the reason surfaces to the
	// caller.
	HookAbort
)

// HookResult carries a hook's decision.
type HookResult struct {
	Outcome HookOutcome
	Input   string
	Note    string
	Reason  string
}

// Continue passes the input through.
func Continue(input string) HookResult {
	return HookResult{Outcome: HookContinue, Input: input}
}

// Modified passes a mutated input through.
func Modified(input, note string) HookResult {
	return HookResult{Outcome: HookModified, Input: input, Note: note}
}

// Abort stops the chain.
func Abort(reason string) HookResult {
	return HookResult{Outcome: HookAbort, Reason: reason}
}

// Hook observes and steers an agent turn. Implementations override the
// stages they care about; BaseHook provides pass-through defaults.
type Hook interface {
	// Name identifies the hook for logs.
	Name() string

	// BeforeProcess runs before the turn starts; it may mutate the user
	// input or abort the turn.
	BeforeProcess(ctx context.Context, input string) HookResult

	// BeforeTool runs before each tool call; aborting cancels that call.
	BeforeTool(ctx context.Context, call *models.ToolCall) HookResult

	// AfterTool observes each tool result.
	AfterTool(ctx context.Context, result *models.ToolResult)

	// AfterLLM observes (and may rewrite) the raw LLM response text.
	AfterLLM(ctx context.Context, response string) HookResult

	// AfterProcess observes (and may rewrite) the final response.
	AfterProcess(ctx context.Context, response string) HookResult

	// OnError runs when the turn fails; a recovered response ends the
	// turn successfully.
	OnError(ctx context.Context, err error) (recovered string, ok bool)
}

// BaseHook is a pass-through implementation for embedding.
type BaseHook struct{}

func (BaseHook) BeforeProcess(_ context.Context, input string) HookResult { return Continue(input) }
func (BaseHook) BeforeTool(_ context.Context, _ *models.ToolCall) HookResult {
	return Continue("")
}
func (BaseHook) AfterTool(context.Context, *models.ToolResult) {}
func (BaseHook) AfterLLM(_ context.Context, response string) HookResult {
	return Continue(response)
}
func (BaseHook) AfterProcess(_ context.Context, response string) HookResult {
	return Continue(response)
}
func (BaseHook) OnError(context.Context, error) (string, bool) { return "", false }

// HookChain threads input through hooks in registration order.
type HookChain struct {
	hooks []Hook
}

// NewHookChain creates a chain.
func NewHookChain(hooks ...Hook) *HookChain {
	return &HookChain{hooks: hooks}
}

// Add appends a hook.
func (c *HookChain) Add(hook Hook) {
	c.hooks = append(c.hooks, hook)
}

// ErrAborted is returned when a hook aborts the turn.
type ErrAborted struct {
	Hook   string
	Reason string
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("aborted by hook %s: %s", e.Hook, e.Reason)
}

// RunBeforeProcess threads the input through every hook.
func (c *HookChain) RunBeforeProcess(ctx context.Context, input string) (string, error) {
	current := input
	for _, hook := range c.hooks {
		result := hook.BeforeProcess(ctx, current)
		switch result.Outcome {
		case HookAbort:
			return "", &ErrAborted{Hook: hook.Name(), Reason: result.Reason}
		case HookModified, HookContinue:
			current = result.Input
		}
	}
	return current, nil
}

// RunBeforeTool lets hooks veto one tool call.
func (c *HookChain) RunBeforeTool(ctx context.Context, call *models.ToolCall) error {
	for _, hook := range c.hooks {
		if result := hook.BeforeTool(ctx, call); result.Outcome == HookAbort {
			return &ErrAborted{Hook: hook.Name(), Reason: result.Reason}
		}
	}
	return nil
}

// RunAfterTool fans a tool result to every hook.
func (c *HookChain) RunAfterTool(ctx context.Context, result *models.ToolResult) {
	for _, hook := range c.hooks {
		hook.AfterTool(ctx, result)
	}
}

// RunAfterLLM threads the raw LLM response through every hook.
func (c *HookChain) RunAfterLLM(ctx context.Context, response string) (string, error) {
	return c.runTextStage(ctx, response, func(h Hook, s string) HookResult { return h.AfterLLM(ctx, s) })
}

// RunAfterProcess threads the final response through every hook.
func (c *HookChain) RunAfterProcess(ctx context.Context, response string) (string, error) {
	return c.runTextStage(ctx, response, func(h Hook, s string) HookResult { return h.AfterProcess(ctx, s) })
}

func (c *HookChain) runTextStage(_ context.Context, text string, stage func(Hook, string) HookResult) (string, error) {
	current := text
	for _, hook := range c.hooks {
		result := stage(hook, current)
		switch result.Outcome {
		case HookAbort:
			return "", &ErrAborted{Hook: hook.Name(), Reason: result.Reason}
		case HookModified:
			current = result.Input
		}
	}
	return current, nil
}

// RunOnError gives each hook a chance to recover from a failure.
func (c *HookChain) RunOnError(ctx context.Context, err error) (string, bool) {
	for _, hook := range c.hooks {
		if recovered, ok := hook.OnError(ctx, err); ok {
			return recovered, true
		}
	}
	return "", false
}
