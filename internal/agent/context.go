package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/neotalk/neotalk/internal/llm"
	"github.com/neotalk/neotalk/internal/memory"
	"github.com/neotalk/neotalk/pkg/models"
)

// SystemSnapshot is the platform state summarised into the system prompt.
type SystemSnapshot struct {
	Devices       []models.Device  `json:"devices"`
	RuleCount     int              `json:"rule_count"`
	WorkflowCount int              `json:"workflow_count"`
	ActiveAlerts  []models.Message `json:"active_alerts"`
}

// SnapshotProvider supplies the current system snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) SystemSnapshot
}

// buildContext assembles the message list for one LLM pass: the system
// prompt (tool catalogue + system snapshot + recalled knowledge), prior
// short-term turns, and the current input.
func (a *Agent) buildContext(ctx context.Context, input string) []llm.Message {
	var messages []llm.Message
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt(ctx, input)})

	if a.memory != nil {
		for _, msg := range a.memory.ShortTerm().Messages() {
			role := llm.RoleUser
			switch msg.Role {
			case models.RoleAssistant:
				role = llm.RoleAssistant
			case models.RoleSystem:
				role = llm.RoleSystem
			case models.RoleTool:
				role = llm.RoleTool
			}
			messages = append(messages, llm.Message{Role: role, Content: msg.Content})
		}
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: input})
	return messages
}

func (a *Agent) systemPrompt(ctx context.Context, input string) string {
	var b strings.Builder
	b.WriteString("You are the NeoTalk assistant for an on-premise IoT platform. ")
	b.WriteString("Answer concisely. To act, emit tool calls in the form ")
	b.WriteString(`<tool_calls><invoke name="tool"><parameter name="p" value="v"/></invoke></tool_calls>.`)
	b.WriteString("\n\n## Tools\n")
	for _, desc := range a.registry.Descriptors() {
		if desc.Deprecated {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", desc.Name, desc.Description)
		if len(desc.Scenarios) > 0 {
			fmt.Fprintf(&b, " (use for: %s)", strings.Join(desc.Scenarios, ", "))
		}
		if len(desc.Parameters) > 0 {
			fmt.Fprintf(&b, "\n  parameters: %s", desc.Parameters)
		}
		b.WriteString("\n")
	}

	if a.snapshot != nil {
		snap := a.snapshot.Snapshot(ctx)
		b.WriteString("\n## System state\n")
		fmt.Fprintf(&b, "devices: %d, rules: %d, workflows: %d, active alerts: %d\n",
			len(snap.Devices), snap.RuleCount, snap.WorkflowCount, len(snap.ActiveAlerts))
		for _, d := range snap.Devices {
			fmt.Fprintf(&b, "- %s (%s) %s online=%v\n", d.ID, d.DeviceType, d.Location, d.State.Online)
		}
		for _, alert := range snap.ActiveAlerts {
			fmt.Fprintf(&b, "! [%s] %s\n", alert.Severity, alert.Title)
		}
	}

	if a.memory != nil {
		result, err := a.memory.QueryAll(ctx, input, 3)
		if err == nil {
			if len(result.MidTerm) > 0 {
				b.WriteString("\n## Relevant prior exchanges\n")
				for _, hit := range result.MidTerm {
					fmt.Fprintf(&b, "- user: %s / assistant: %s\n", hit.Entry.UserInput, hit.Entry.AssistantResponse)
				}
			}
			if len(result.LongTerm) > 0 {
				b.WriteString("\n## Knowledge\n")
				for _, hit := range result.LongTerm {
					fmt.Fprintf(&b, "- %s: %s\n", hit.Entry.Title, hit.Entry.Content)
				}
			}
		}
	}

	return b.String()
}

// memoryManager is the slice of the memory manager the agent needs.
type memoryManager interface {
	ShortTerm() *memory.ShortTerm
	RecordTurn(userInput, assistantResponse string)
	Consolidate(sessionID string) int
	QueryAll(ctx context.Context, query string, topK int) (memory.QueryResult, error)
}
