package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neotalk/neotalk/internal/llm"
	"github.com/neotalk/neotalk/pkg/models"
)

// DefaultMaxChainDepth bounds follow-up LLM passes within one turn.
const DefaultMaxChainDepth = 5

// Config configures the agent.
type Config struct {
	MaxChainDepth int

	// ConsolidateEveryTurn moves completed turns into mid-term memory at
	// the end of each Process call.
	ConsolidateEveryTurn bool
}

// Agent orchestrates one user turn: context assembly, the hook chain,
// LLM passes, tool dispatch, and memory persistence.
type Agent struct {
	runtime  llm.Runtime
	registry *Registry
	hooks    *HookChain
	memory   memoryManager
	snapshot SnapshotProvider
	config   Config
	logger   *slog.Logger
}

// New creates an agent.
func New(runtime llm.Runtime, registry *Registry, hooks *HookChain, mem memoryManager, snapshot SnapshotProvider, config Config, logger *slog.Logger) *Agent {
	if config.MaxChainDepth <= 0 {
		config.MaxChainDepth = DefaultMaxChainDepth
	}
	if hooks == nil {
		hooks = NewHookChain()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		runtime:  runtime,
		registry: registry,
		hooks:    hooks,
		memory:   mem,
		snapshot: snapshot,
		config:   config,
		logger:   logger.With("component", "agent"),
	}
}

// TurnResult is the outcome of one Process call.
type TurnResult struct {
	Response      string              `json:"response"`
	ToolResults   []models.ToolResult `json:"tool_results,omitempty"`
	PendingInput  bool                `json:"pending_input,omitempty"`
	Aborted       bool                `json:"aborted,omitempty"`
	AbortReason   string              `json:"abort_reason,omitempty"`
	ChainDepth    int                 `json:"chain_depth"`
}

// Process runs one user turn.
func (a *Agent) Process(ctx context.Context, sessionID, input string) (*TurnResult, error) {
	result, err := a.process(ctx, sessionID, input)
	if err != nil {
		var aborted *ErrAborted
		if errors.As(err, &aborted) {
			return &TurnResult{Aborted: true, AbortReason: aborted.Reason, Response: aborted.Reason}, nil
		}
		if recovered, ok := a.hooks.RunOnError(ctx, err); ok {
			return &TurnResult{Response: recovered}, nil
		}
		return nil, err
	}
	return result, nil
}

func (a *Agent) process(ctx context.Context, sessionID, input string) (*TurnResult, error) {
	input, err := a.hooks.RunBeforeProcess(ctx, input)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{}
	var finalText strings.Builder
	currentInput := input

	for depth := 0; depth < a.config.MaxChainDepth; depth++ {
		result.ChainDepth = depth + 1

		messages := a.buildContext(ctx, currentInput)
		reply, err := a.runtime.Chat(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("llm call failed: %w", err)
		}

		text, err := a.hooks.RunAfterLLM(ctx, reply.Text)
		if err != nil {
			return nil, err
		}

		prose, calls := ParseToolCalls(text)
		if prose != "" {
			if finalText.Len() > 0 {
				finalText.WriteString("\n")
			}
			finalText.WriteString(prose)
		}

		if len(calls) == 0 {
			break
		}

		results := a.dispatchCalls(ctx, calls)
		result.ToolResults = append(result.ToolResults, results...)

		pending := false
		for _, r := range results {
			if r.RequiresUserInput {
				pending = true
			}
		}
		if pending {
			result.PendingInput = true
			break
		}

		// Feed tool outputs back for a follow-up pass.
		feedback, err := json.Marshal(results)
		if err != nil {
			return nil, err
		}
		currentInput = fmt.Sprintf("Tool results:\n%s\nContinue answering the original request: %s", feedback, input)
	}

	response, err := a.hooks.RunAfterProcess(ctx, finalText.String())
	if err != nil {
		return nil, err
	}
	result.Response = response

	if a.memory != nil {
		a.memory.RecordTurn(input, response)
		if a.config.ConsolidateEveryTurn {
			a.memory.Consolidate(sessionID)
		}
	}
	return result, nil
}

func (a *Agent) dispatchCalls(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	// Hooks veto individual calls before dispatch.
	var allowed []models.ToolCall
	var results []models.ToolResult
	for i := range calls {
		if err := a.hooks.RunBeforeTool(ctx, &calls[i]); err != nil {
			var aborted *ErrAborted
			reason := err.Error()
			if errors.As(err, &aborted) {
				reason = aborted.Reason
			}
			results = append(results, models.ToolResult{
				CallID: calls[i].ID,
				Name:   calls[i].Name,
				Error:  fmt.Sprintf("cancelled by hook: %s", reason),
			})
			continue
		}
		allowed = append(allowed, calls[i])
	}

	var executed []*models.ToolResult
	if len(allowed) == 1 {
		executed = []*models.ToolResult{a.registry.Execute(ctx, allowed[0])}
	} else if len(allowed) > 1 {
		executed = a.registry.ExecuteParallel(ctx, allowed)
	}

	for _, r := range executed {
		a.hooks.RunAfterTool(ctx, r)
		results = append(results, *r)
	}
	return results
}
