package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/neotalk/neotalk/pkg/models"
)

// ErrNotFound is returned for unknown knowledge entries.
var ErrNotFound = errors.New("knowledge entry not found")

// LongTerm is the categorised knowledge base. Reads through Get bump the
// entry's access count; access counts never decrease.
type LongTerm struct {
	db *sql.DB
}

// OpenLongTerm creates or opens the knowledge base at path (":memory:"
// for tests).
func OpenLongTerm(path string) (*LongTerm, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	l := &LongTerm{db: db}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *LongTerm) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			tags TEXT,
			device_ids TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("init knowledge base: %w", err)
	}
	return nil
}

// Close releases database resources.
func (l *LongTerm) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Save inserts or updates an entry. New entries get fresh ids and
// timestamps.
func (l *LongTerm) Save(ctx context.Context, entry *models.KnowledgeEntry) error {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Category == "" {
		entry.Category = models.CategoryGeneral
	}

	tags, _ := json.Marshal(entry.Tags)
	deviceIDs, _ := json.Marshal(entry.DeviceIDs)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO knowledge (id, title, content, category, tags, device_ids, created_at, updated_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			category = excluded.category,
			tags = excluded.tags,
			device_ids = excluded.device_ids,
			updated_at = excluded.updated_at
	`, entry.ID, entry.Title, entry.Content, string(entry.Category),
		string(tags), string(deviceIDs), entry.CreatedAt, entry.UpdatedAt, entry.AccessCount)
	if err != nil {
		return fmt.Errorf("save knowledge %s: %w", entry.ID, err)
	}
	return nil
}

// Get returns one entry and bumps its access count.
func (l *LongTerm) Get(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	_, err := l.db.ExecContext(ctx, `UPDATE knowledge SET access_count = access_count + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("bump access count: %w", err)
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count
		FROM knowledge WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

// Delete removes one entry.
func (l *LongTerm) Delete(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM knowledge WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete knowledge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteOlderThan evicts entries last updated before the cutoff.
func (l *LongTerm) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM knowledge WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict knowledge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ByCategory lists entries in a category.
func (l *LongTerm) ByCategory(ctx context.Context, category models.KnowledgeCategory) ([]models.KnowledgeEntry, error) {
	return l.query(ctx, `SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count
		FROM knowledge WHERE category = ?`, string(category))
}

// ByDevice lists entries referencing a device id.
func (l *LongTerm) ByDevice(ctx context.Context, deviceID string) ([]models.KnowledgeEntry, error) {
	entries, err := l.query(ctx, `SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count
		FROM knowledge WHERE device_ids LIKE ?`, "%"+deviceID+"%")
	if err != nil {
		return nil, err
	}
	// LIKE over the JSON list is a prefilter; confirm exact membership.
	var out []models.KnowledgeEntry
	for _, e := range entries {
		for _, id := range e.DeviceIDs {
			if id == deviceID {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// ByTag lists entries carrying a tag.
func (l *LongTerm) ByTag(ctx context.Context, tag string) ([]models.KnowledgeEntry, error) {
	entries, err := l.query(ctx, `SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count
		FROM knowledge WHERE tags LIKE ?`, "%"+tag+"%")
	if err != nil {
		return nil, err
	}
	var out []models.KnowledgeEntry
	for _, e := range entries {
		for _, t := range e.Tags {
			if t == tag {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// ByText lists entries whose title or content contains the text.
func (l *LongTerm) ByText(ctx context.Context, text string) ([]models.KnowledgeEntry, error) {
	pattern := "%" + text + "%"
	return l.query(ctx, `SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count
		FROM knowledge WHERE title LIKE ? OR content LIKE ?`, pattern, pattern)
}

// TopAccessed lists the n most-read entries.
func (l *LongTerm) TopAccessed(ctx context.Context, n int) ([]models.KnowledgeEntry, error) {
	if n <= 0 {
		n = 10
	}
	return l.query(ctx, `SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count
		FROM knowledge ORDER BY access_count DESC LIMIT ?`, n)
}

// Search ranks entries against a query by term overlap over title, tags,
// and content.
func (l *LongTerm) Search(ctx context.Context, query string, topK int) ([]models.ScoredEntry[models.KnowledgeEntry], error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}
	entries, err := l.query(ctx, `SELECT id, title, content, category, tags, device_ids, created_at, updated_at, access_count FROM knowledge`)
	if err != nil {
		return nil, err
	}

	var hits []models.ScoredEntry[models.KnowledgeEntry]
	for _, e := range entries {
		text := e.Title + " " + e.Content
		for _, tag := range e.Tags {
			text += " " + tag
		}
		score := overlapScore(terms, text)
		if score > 0 {
			hits = append(hits, models.ScoredEntry[models.KnowledgeEntry]{Entry: e, Score: score})
		}
	}
	sortByScore(hits)
	return capHits(hits, topK), nil
}

func (l *LongTerm) query(ctx context.Context, stmt string, args ...any) ([]models.KnowledgeEntry, error) {
	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	var out []models.KnowledgeEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.KnowledgeEntry, error) {
	var (
		entry     models.KnowledgeEntry
		category  string
		tags      sql.NullString
		deviceIDs sql.NullString
	)
	err := row.Scan(&entry.ID, &entry.Title, &entry.Content, &category,
		&tags, &deviceIDs, &entry.CreatedAt, &entry.UpdatedAt, &entry.AccessCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan knowledge: %w", err)
	}
	entry.Category = models.KnowledgeCategory(category)
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &entry.Tags)
	}
	if deviceIDs.Valid && deviceIDs.String != "" {
		_ = json.Unmarshal([]byte(deviceIDs.String), &entry.DeviceIDs)
	}
	return &entry, nil
}
