// Package automation persists the unified automation records (transforms,
// rules, workflows), their execution history, and reusable templates.
package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/neotalk/neotalk/pkg/models"
)

var (
	// ErrNotFound is returned for unknown automation or template ids.
	ErrNotFound = errors.New("automation not found")

	// ErrInvalidDefinition is returned when saving a malformed automation.
	ErrInvalidDefinition = errors.New("invalid automation definition")
)

// Store persists automations in a keyed SQLite collection with
// JSON-encoded values.
type Store struct {
	db *sql.DB
}

var (
	openMu     sync.Mutex
	openStores = make(map[string]*Store)
)

// Open creates or opens the store at path. Stores are singletons per path:
// a second open of the same path returns the first instance.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}

	if path != ":memory:" {
		openMu.Lock()
		defer openMu.Unlock()
		if existing, ok := openStores[path]; ok {
			return existing, nil
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open automation store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if path != ":memory:" {
		openStores[path] = s
	}
	return s, nil
}

func (s *Store) init() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS automations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			definition TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			automation_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_automation ON executions(automation_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init automation store: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	openMu.Lock()
	for path, store := range openStores {
		if store == s {
			delete(openStores, path)
		}
	}
	openMu.Unlock()
	return s.db.Close()
}

// Save inserts or replaces an automation, maintaining created/updated
// timestamps.
func (s *Store) Save(ctx context.Context, a *models.Automation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	definition, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations (id, kind, enabled, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			enabled = excluded.enabled,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`, a.ID, string(a.Kind), boolInt(a.Enabled), string(definition), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save automation %s: %w", a.ID, err)
	}
	return nil
}

// Get returns one automation by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Automation, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM automations WHERE id = ?`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get automation %s: %w", id, err)
	}
	var a models.Automation
	if err := json.Unmarshal([]byte(definition), &a); err != nil {
		return nil, fmt.Errorf("decode automation %s: %w", id, err)
	}
	return &a, nil
}

// List returns automations, optionally filtered by kind (empty kind lists
// all). Order is unspecified.
func (s *Store) List(ctx context.Context, kind models.AutomationKind) ([]models.Automation, error) {
	query := `SELECT definition FROM automations`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []models.Automation
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		var a models.Automation
		if err := json.Unmarshal([]byte(definition), &a); err != nil {
			return nil, fmt.Errorf("decode automation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes an automation and its execution history.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete automation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM executions WHERE automation_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete executions of %s: %w", id, err)
	}
	return nil
}

// RecordExecution saves an execution record and bumps the automation's
// execution count and last-executed timestamp in the same transaction.
func (s *Store) RecordExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin execution tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, automation_id, started_at, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record
	`, exec.ID, exec.WorkflowID, exec.StartedAt, string(record))
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}

	var definition string
	err = tx.QueryRowContext(ctx, `SELECT definition FROM automations WHERE id = ?`, exec.WorkflowID).Scan(&definition)
	if err == nil {
		var a models.Automation
		if err := json.Unmarshal([]byte(definition), &a); err == nil {
			a.ExecutionCount++
			a.LastExecuted = exec.StartedAt.Unix()
			a.UpdatedAt = time.Now().UTC()
			if updated, err := json.Marshal(a); err == nil {
				_, err = tx.ExecContext(ctx, `UPDATE automations SET definition = ?, updated_at = ? WHERE id = ?`,
					string(updated), a.UpdatedAt, a.ID)
				if err != nil {
					return fmt.Errorf("bump execution count: %w", err)
				}
			}
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load automation for execution: %w", err)
	}

	return tx.Commit()
}

// Executions returns up to limit execution records for an automation,
// newest first.
func (s *Store) Executions(ctx context.Context, automationID string, limit int) ([]models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM executions
		WHERE automation_id = ?
		ORDER BY started_at DESC LIMIT ?
	`, automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowExecution
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var exec models.WorkflowExecution
		if err := json.Unmarshal([]byte(record), &exec); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// PruneExecutions keeps the newest keep records per automation.
func (s *Store) PruneExecutions(ctx context.Context, automationID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE automation_id = ? AND id NOT IN (
			SELECT id FROM executions WHERE automation_id = ?
			ORDER BY started_at DESC LIMIT ?
		)
	`, automationID, automationID, keep)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

// SaveTemplate persists a reusable automation template.
func (s *Store) SaveTemplate(ctx context.Context, tpl *models.AutomationTemplate) error {
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	record, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, record) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record
	`, tpl.ID, string(record))
	if err != nil {
		return fmt.Errorf("save template %s: %w", tpl.ID, err)
	}
	return nil
}

// ListTemplates returns all templates.
func (s *Store) ListTemplates(ctx context.Context) ([]models.AutomationTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM templates`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationTemplate
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		var tpl models.AutomationTemplate
		if err := json.Unmarshal([]byte(record), &tpl); err != nil {
			return nil, fmt.Errorf("decode template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// ActiveTransforms implements the transform engine's source interface.
func (s *Store) ActiveTransforms(ctx context.Context) ([]models.Automation, error) {
	return s.List(ctx, models.AutomationTransform)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
