package models

import "encoding/json"

// ToolCategory groups tools for prompt assembly and policy targeting.
type ToolCategory string

const (
	ToolCategoryDevice      ToolCategory = "device"
	ToolCategoryData        ToolCategory = "data"
	ToolCategoryAutomation  ToolCategory = "automation"
	ToolCategoryMemory      ToolCategory = "memory"
	ToolCategoryAlert       ToolCategory = "alert"
	ToolCategoryInteraction ToolCategory = "interaction"
	ToolCategorySystem      ToolCategory = "system"
)

// ToolDescriptor is the metadata every registered tool exposes to the
// agent: name, parameter schema, and prompt-assembly hints. Names are
// globally unique; aliases map onto them through the name resolver.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Category    ToolCategory    `json:"category,omitempty"`
	Scenarios   []string        `json:"scenarios,omitempty"`
	Version     string          `json:"version,omitempty"`
	Deprecated  bool            `json:"deprecated,omitempty"`
}

// ToolCall is one parsed tool invocation from an LLM response.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call. Errors are carried
// as data so the LLM can recover; they never surface as raw failures.
type ToolResult struct {
	CallID            string          `json:"call_id"`
	Name              string          `json:"name"`
	Success           bool            `json:"success"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             string          `json:"error,omitempty"`
	RequiresUserInput bool            `json:"requires_user_input,omitempty"`
	DurationMs        int64           `json:"duration_ms,omitempty"`
}
