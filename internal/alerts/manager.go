// Package alerts provides the typed notification model and the pluggable
// channel registry that delivers messages to operators.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

// ErrNotFound is returned for unknown message ids.
var ErrNotFound = errors.New("message not found")

// Manager owns alert messages: creation with dedup, status transitions,
// and delivery through the channel registry.
type Manager struct {
	registry *Registry
	bus      *bus.Bus
	logger   *slog.Logger

	mu       sync.RWMutex
	messages map[string]*models.Message
}

// NewManager creates an alert manager delivering through the registry.
func NewManager(registry *Registry, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		bus:      b,
		logger:   logger.With("component", "alerts"),
		messages: make(map[string]*models.Message),
	}
}

// CreateAlert raises an alert. A repeated (source, title) while the
// previous occurrence is still active bumps its occurrence count instead
// of creating a new message.
func (m *Manager) CreateAlert(ctx context.Context, severity models.Severity, title, body, source string) error {
	m.mu.Lock()
	for _, existing := range m.messages {
		if existing.Source == source && existing.Title == title && existing.Status == models.StatusActive {
			existing.OccurrenceCount++
			existing.UpdatedAt = time.Now()
			if severity.Rank() > existing.Severity.Rank() {
				existing.Severity = severity
			}
			m.mu.Unlock()
			return nil
		}
	}

	msg := models.NewMessage(severity, title, body)
	msg.Source = source
	msg.SourceType = "automation"
	m.messages[msg.ID] = msg
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.AlertCreatedEvent{
			AlertID:  msg.ID,
			Severity: severity,
			Title:    title,
			Source:   source,
		})
	}
	return m.deliver(ctx, msg, nil)
}

// Notify sends a plain informational message through the given channels
// (all enabled channels when empty) without tracking alert state.
func (m *Manager) Notify(ctx context.Context, message string, channels []string) error {
	msg := models.NewMessage(models.SeverityInfo, message, "")
	msg.SourceType = "notification"
	return m.deliver(ctx, msg, channels)
}

func (m *Manager) deliver(ctx context.Context, msg *models.Message, channels []string) error {
	if m.registry == nil {
		return nil
	}
	errs := m.registry.Send(ctx, msg, channels)
	for _, err := range errs {
		m.logger.Warn("channel delivery failed", "alert", msg.Title, "error", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d channel deliveries failed", len(errs))
	}
	return nil
}

// Get returns one message.
func (m *Manager) Get(id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copy := *msg
	return &copy, nil
}

// List returns messages, optionally filtered by status, newest first.
func (m *Manager) List(status models.MessageStatus) []*models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Message
	for _, msg := range m.messages {
		if status != "" && msg.Status != status {
			continue
		}
		copy := *msg
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Acknowledge marks an active message acknowledged.
func (m *Manager) Acknowledge(id string) error {
	return m.transition(id, models.StatusAcknowledged)
}

// Resolve marks a message resolved.
func (m *Manager) Resolve(id string) error {
	return m.transition(id, models.StatusResolved)
}

// Archive marks a message archived (e.g. a false positive).
func (m *Manager) Archive(id string) error {
	return m.transition(id, models.StatusArchived)
}

func (m *Manager) transition(id string, status models.MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := time.Now()
	msg.Status = status
	msg.UpdatedAt = now
	switch status {
	case models.StatusAcknowledged:
		msg.AcknowledgedAt = now
	case models.StatusResolved:
		msg.ResolvedAt = now
	}
	return nil
}

// PruneResolved drops resolved and archived messages older than cutoff.
func (m *Manager) PruneResolved(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, msg := range m.messages {
		if (msg.Status == models.StatusResolved || msg.Status == models.StatusArchived) && msg.UpdatedAt.Before(cutoff) {
			delete(m.messages, id)
			n++
		}
	}
	return n
}
