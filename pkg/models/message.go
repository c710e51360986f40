package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity orders messages from informational to emergency.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank returns the total order of severities: info < warning < critical <
// emergency. Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityEmergency:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// MessageStatus tracks the lifecycle of an alert message.
type MessageStatus string

const (
	StatusActive       MessageStatus = "active"
	StatusAcknowledged MessageStatus = "acknowledged"
	StatusResolved     MessageStatus = "resolved"
	StatusArchived     MessageStatus = "archived"
)

// Message is a typed notification delivered over alert channels. Repeated
// occurrences of the same (source, title) bump OccurrenceCount instead of
// creating a new message.
type Message struct {
	ID              string            `json:"id"`
	Severity        Severity          `json:"severity"`
	Title           string            `json:"title"`
	Body            string            `json:"body,omitempty"`
	Source          string            `json:"source,omitempty"`
	SourceType      string            `json:"source_type,omitempty"`
	Status          MessageStatus     `json:"status"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	OccurrenceCount int               `json:"occurrence_count"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	AcknowledgedAt  time.Time         `json:"acknowledged_at,omitempty"`
	ResolvedAt      time.Time         `json:"resolved_at,omitempty"`
}

// NewMessage creates an active message with fresh ID and timestamps.
func NewMessage(severity Severity, title, body string) *Message {
	now := time.Now()
	return &Message{
		ID:              uuid.NewString(),
		Severity:        severity,
		Title:           title,
		Body:            body,
		Status:          StatusActive,
		OccurrenceCount: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// DecisionStatus tracks the approval lifecycle of an LLM-proposed decision.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExecuted DecisionStatus = "executed"
	DecisionExpired  DecisionStatus = "expired"
)

// DecisionAction is one concrete action inside a decision bundle.
type DecisionAction struct {
	Type     string                     `json:"type"`
	DeviceID string                     `json:"device_id,omitempty"`
	Command  string                     `json:"command,omitempty"`
	Params   map[string]json.RawMessage `json:"params,omitempty"`
}

// Decision is an LLM-proposed action bundle subject to human approval.
type Decision struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Reasoning   string           `json:"reasoning,omitempty"`
	Actions     []DecisionAction `json:"actions"`
	Confidence  float64          `json:"confidence"`
	Status      DecisionStatus   `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ExpiresAt   time.Time        `json:"expires_at,omitempty"`
	ExecutedAt  time.Time        `json:"executed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
}
