// Package decisions manages LLM-proposed action bundles: persistence,
// the approval lifecycle, execution, and cleanup.
package decisions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

var (
	// ErrNotFound is returned for unknown decision ids.
	ErrNotFound = errors.New("decision not found")

	// ErrInvalidTransition is returned for lifecycle violations, e.g.
	// executing a rejected decision.
	ErrInvalidTransition = errors.New("invalid decision transition")
)

// DefaultTTL is how long a pending decision stays actionable.
const DefaultTTL = 24 * time.Hour

// CommandSender executes approved device-command actions.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]string) error
}

// Manager persists decisions and drives their lifecycle
// (pending → approved → executed, or rejected/expired).
type Manager struct {
	db       *sql.DB
	commands CommandSender
	logger   *slog.Logger
	ttl      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates or opens the decision store at path.
func Open(path string, commands CommandSender, logger *slog.Logger) (*Manager, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open decision store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		db:       db,
		commands: commands,
		logger:   logger.With("component", "decisions"),
		ttl:      DefaultTTL,
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init decision store: %w", err)
	}
	return m, nil
}

// Close releases database resources.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	return m.db.Close()
}

// Listen persists every decision proposed on the bus until ctx ends.
func (m *Manager) Listen(ctx context.Context, b *bus.Bus) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	sub := b.FilterByType(runCtx, bus.EventLlmDecisionProposed)

	go func() {
		defer close(m.done)
		for env := range sub.Events() {
			event, ok := env.Event.(bus.LlmDecisionProposedEvent)
			if !ok {
				continue
			}
			decision := &models.Decision{
				ID:          event.DecisionID,
				Title:       event.Title,
				Description: event.Description,
				Reasoning:   event.Reasoning,
				Actions:     event.Actions,
				Confidence:  event.Confidence,
			}
			if err := m.Save(runCtx, decision); err != nil {
				m.logger.Warn("decision not persisted", "decision", event.DecisionID, "error", err)
			}
		}
	}()
}

// Save persists a new pending decision.
func (m *Manager) Save(ctx context.Context, decision *models.Decision) error {
	now := time.Now().UTC()
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = now
	}
	decision.UpdatedAt = now
	if decision.Status == "" {
		decision.Status = models.DecisionPending
	}
	if decision.ExpiresAt.IsZero() {
		decision.ExpiresAt = now.Add(m.ttl)
	}
	return m.write(ctx, decision)
}

func (m *Manager) write(ctx context.Context, decision *models.Decision) error {
	record, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO decisions (id, status, record, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record
	`, decision.ID, string(decision.Status), string(record), decision.CreatedAt)
	if err != nil {
		return fmt.Errorf("save decision %s: %w", decision.ID, err)
	}
	return nil
}

// Get returns one decision, marking it expired first if its TTL passed.
func (m *Manager) Get(ctx context.Context, id string) (*models.Decision, error) {
	var record string
	err := m.db.QueryRowContext(ctx, `SELECT record FROM decisions WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	var decision models.Decision
	if err := json.Unmarshal([]byte(record), &decision); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", id, err)
	}
	if decision.Status == models.DecisionPending && time.Now().After(decision.ExpiresAt) {
		decision.Status = models.DecisionExpired
		decision.UpdatedAt = time.Now().UTC()
		if err := m.write(ctx, &decision); err != nil {
			return nil, err
		}
	}
	return &decision, nil
}

// List returns decisions, optionally filtered by status, newest first.
func (m *Manager) List(ctx context.Context, status models.DecisionStatus) ([]models.Decision, error) {
	query := `SELECT record FROM decisions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var decision models.Decision
		if err := json.Unmarshal([]byte(record), &decision); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}

// Approve marks a pending decision approved.
func (m *Manager) Approve(ctx context.Context, id string) error {
	return m.transition(ctx, id, models.DecisionPending, models.DecisionApproved, "")
}

// Reject marks a pending decision rejected with a reason.
func (m *Manager) Reject(ctx context.Context, id, reason string) error {
	return m.transition(ctx, id, models.DecisionPending, models.DecisionRejected, reason)
}

func (m *Manager) transition(ctx context.Context, id string, from, to models.DecisionStatus, note string) error {
	decision, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if decision.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, id, decision.Status, from)
	}
	decision.Status = to
	decision.UpdatedAt = time.Now().UTC()
	if note != "" {
		decision.Error = note
	}
	return m.write(ctx, decision)
}

// Execute runs an approved (or, with approve=true, pending) decision's
// device-command actions in order. Action failures are recorded on the
// decision; the batch continues.
func (m *Manager) Execute(ctx context.Context, id string, approve bool) (*models.Decision, error) {
	decision, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if decision.Status == models.DecisionPending && approve {
		decision.Status = models.DecisionApproved
	}
	if decision.Status != models.DecisionApproved {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, decision.Status)
	}

	var failures []string
	for _, action := range decision.Actions {
		if action.Type != "device_command" {
			continue
		}
		if m.commands == nil {
			failures = append(failures, "no command sender configured")
			break
		}
		params := make(map[string]string, len(action.Params))
		for k, raw := range action.Params {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				params[k] = s
			} else {
				params[k] = string(raw)
			}
		}
		if err := m.commands.SendCommand(ctx, action.DeviceID, action.Command, params); err != nil {
			failures = append(failures, fmt.Sprintf("%s.%s: %v", action.DeviceID, action.Command, err))
		}
	}

	decision.Status = models.DecisionExecuted
	decision.ExecutedAt = time.Now().UTC()
	decision.UpdatedAt = decision.ExecutedAt
	if len(failures) > 0 {
		decision.Error = fmt.Sprintf("%d action(s) failed: %v", len(failures), failures)
	}
	if err := m.write(ctx, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// Stats summarises the decision store.
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// Stats computes per-status counts and the average confidence.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	decisions, err := m.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: make(map[string]int)}
	sum := 0.0
	for _, d := range decisions {
		stats.Total++
		stats.ByStatus[string(d.Status)]++
		sum += d.Confidence
	}
	if stats.Total > 0 {
		stats.AvgConfidence = sum / float64(stats.Total)
	}
	return stats, nil
}

// Cleanup expires stale pending decisions and deletes terminal decisions
// older than the cutoff. It returns (expired, deleted).
func (m *Manager) Cleanup(ctx context.Context, deleteOlderThan time.Duration) (int, int, error) {
	decisions, err := m.List(ctx, "")
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()
	expired, deleted := 0, 0
	for i := range decisions {
		d := decisions[i]
		if d.Status == models.DecisionPending && now.After(d.ExpiresAt) {
			d.Status = models.DecisionExpired
			d.UpdatedAt = now.UTC()
			if err := m.write(ctx, &d); err != nil {
				return expired, deleted, err
			}
			expired++
			continue
		}
		terminal := d.Status == models.DecisionExecuted || d.Status == models.DecisionRejected || d.Status == models.DecisionExpired
		if terminal && now.Sub(d.UpdatedAt) > deleteOlderThan {
			if _, err := m.db.ExecContext(ctx, `DELETE FROM decisions WHERE id = ?`, d.ID); err != nil {
				return expired, deleted, fmt.Errorf("delete decision %s: %w", d.ID, err)
			}
			deleted++
		}
	}
	return expired, deleted, nil
}
