// Package bus provides the process-local typed event bus that couples the
// platform's components. It is the only cross-component channel: adapters
// publish normalised metrics, engines subscribe and react, and every
// subsystem surfaces its lifecycle events here.
package bus

import (
	"encoding/json"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

// EventType identifies the kind of platform event.
type EventType string

const (
	EventDeviceMetric        EventType = "device.metric"
	EventDeviceCommandResult EventType = "device.command_result"
	EventAlertCreated        EventType = "alert.created"
	EventRuleExecuted        EventType = "rule.executed"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventLlmDecisionProposed EventType = "llm.decision_proposed"
	EventExtensionOutput     EventType = "extension.output"
)

// Event is the closed set of payloads carried by the bus.
type Event interface {
	Type() EventType
}

// DeviceMetricEvent is one normalised metric reading from a device.
type DeviceMetricEvent struct {
	DeviceID  string             `json:"device_id"`
	Metric    string             `json:"metric"`
	Value     models.MetricValue `json:"value"`
	Timestamp int64              `json:"timestamp"`
	Quality   *float32           `json:"quality,omitempty"`
}

func (DeviceMetricEvent) Type() EventType { return EventDeviceMetric }

// DeviceCommandResultEvent reports the outcome of a downlink command.
type DeviceCommandResultEvent struct {
	DeviceID   string          `json:"device_id"`
	Command    string          `json:"command"`
	Success    bool            `json:"success"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func (DeviceCommandResultEvent) Type() EventType { return EventDeviceCommandResult }

// AlertCreatedEvent announces a new alert message.
type AlertCreatedEvent struct {
	AlertID  string          `json:"alert_id"`
	Severity models.Severity `json:"severity"`
	Title    string          `json:"title"`
	Source   string          `json:"source,omitempty"`
}

func (AlertCreatedEvent) Type() EventType { return EventAlertCreated }

// RuleExecutedEvent reports one rule evaluation that fired.
type RuleExecutedEvent struct {
	RuleID     string `json:"rule_id"`
	RuleName   string `json:"rule_name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

func (RuleExecutedEvent) Type() EventType { return EventRuleExecuted }

// WorkflowCompletedEvent reports a finished workflow run.
type WorkflowCompletedEvent struct {
	WorkflowID  string                 `json:"workflow_id"`
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	DurationMs  int64                  `json:"duration_ms"`
}

func (WorkflowCompletedEvent) Type() EventType { return EventWorkflowCompleted }

// LlmDecisionProposedEvent announces an LLM-proposed action bundle.
type LlmDecisionProposedEvent struct {
	DecisionID  string                  `json:"decision_id"`
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	Reasoning   string                  `json:"reasoning,omitempty"`
	Actions     []models.DecisionAction `json:"actions"`
	Confidence  float64                 `json:"confidence"`
	Timestamp   int64                   `json:"timestamp"`
}

func (LlmDecisionProposedEvent) Type() EventType { return EventLlmDecisionProposed }

// ExtensionOutputEvent carries output emitted by a sandboxed extension.
type ExtensionOutputEvent struct {
	ExtensionID string          `json:"extension_id"`
	Output      json.RawMessage `json:"output"`
	Timestamp   int64           `json:"timestamp"`
}

func (ExtensionOutputEvent) Type() EventType { return EventExtensionOutput }

// Envelope wraps an event with delivery metadata.
type Envelope struct {
	Event       Event
	PublishedAt time.Time
}
