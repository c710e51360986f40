// Package timeseries provides the append-optimised store for per-source
// metric history, with ranged queries, bucketed aggregation, and retention.
package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/neotalk/neotalk/pkg/models"
)

var (
	// ErrStorage marks retryable IO failures.
	ErrStorage = errors.New("storage error")

	// ErrCorruption marks unreadable persisted data. It is surfaced to the
	// caller, never silently masked.
	ErrCorruption = errors.New("storage corruption")
)

// Config contains store configuration.
type Config struct {
	// Path to the SQLite database file; ":memory:" for tests.
	Path string

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int
}

// Store persists data points keyed by (storage_key, timestamp).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// latest caches the newest point per storage key; invalidated on write.
	mu     sync.RWMutex
	latest map[string]models.DataPoint
}

// Open creates or opens the store at cfg.Path and bootstraps the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else if cfg.Path == ":memory:" {
		// A shared in-memory database must stay on one connection.
		db.SetMaxOpenConns(1)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "timeseries"),
		latest: make(map[string]models.DataPoint),
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS datapoints (
			storage_key TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value TEXT NOT NULL,
			quality REAL,
			metadata TEXT,
			PRIMARY KEY (storage_key, ts)
		)
	`)
	if err != nil {
		return fmt.Errorf("create datapoints table: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS retention_policies (
			storage_key TEXT PRIMARY KEY,
			ttl_hours INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create retention table: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write appends one data point. Writing a point with an existing timestamp
// for the same source replaces it.
func (s *Store) Write(ctx context.Context, source models.DataSourceID, point models.DataPoint) error {
	value, err := json.Marshal(point.Value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	key := source.StorageKey()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datapoints (storage_key, ts, value, quality, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(storage_key, ts) DO UPDATE SET
			value = excluded.value,
			quality = excluded.quality,
			metadata = excluded.metadata
	`, key, point.Timestamp, string(value), nullQuality(point.Quality), nullRaw(point.Metadata))
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, key, err)
	}

	s.invalidate(key)
	return nil
}

// WriteBatch appends points in a single transaction: readers observe either
// all of them or none.
func (s *Store) WriteBatch(ctx context.Context, source models.DataSourceID, points []models.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	key := source.StorageKey()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO datapoints (storage_key, ts, value, quality, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(storage_key, ts) DO UPDATE SET
			value = excluded.value,
			quality = excluded.quality,
			metadata = excluded.metadata
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare batch: %v", ErrStorage, err)
	}
	defer stmt.Close()

	for _, p := range points {
		value, err := json.Marshal(p.Value)
		if err != nil {
			return fmt.Errorf("encode value: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, key, p.Timestamp, string(value), nullQuality(p.Quality), nullRaw(p.Metadata)); err != nil {
			return fmt.Errorf("%w: batch write %s: %v", ErrStorage, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", ErrStorage, err)
	}

	s.invalidate(key)
	return nil
}

func (s *Store) updateLatest(key string, point models.DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[key]; !ok || point.Timestamp >= cur.Timestamp {
		s.latest[key] = point
	}
}

// QueryLatest returns the newest point for the source, or nil if the
// source has no data.
func (s *Store) QueryLatest(ctx context.Context, source models.DataSourceID) (*models.DataPoint, error) {
	key := source.StorageKey()

	s.mu.RLock()
	if p, ok := s.latest[key]; ok {
		s.mu.RUnlock()
		out := p
		return &out, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT ts, value, quality, metadata FROM datapoints
		WHERE storage_key = ? ORDER BY ts DESC LIMIT 1
	`, key)
	point, err := scanPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.updateLatest(key, *point)
	return point, nil
}

// QueryRange returns points with start <= ts <= end, ascending by timestamp.
func (s *Store) QueryRange(ctx context.Context, source models.DataSourceID, start, end int64) ([]models.DataPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value, quality, metadata FROM datapoints
		WHERE storage_key = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, source.StorageKey(), start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: query range: %v", ErrStorage, err)
	}
	defer rows.Close()

	var points []models.DataPoint
	for rows.Next() {
		point, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *point)
	}
	return points, rows.Err()
}

// DeleteRange removes points with start <= ts <= end.
func (s *Store) DeleteRange(ctx context.Context, source models.DataSourceID, start, end int64) error {
	key := source.StorageKey()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM datapoints WHERE storage_key = ? AND ts >= ? AND ts <= ?
	`, key, start, end)
	if err != nil {
		return fmt.Errorf("%w: delete range: %v", ErrStorage, err)
	}
	s.invalidate(key)
	return nil
}

// DeleteBefore removes all points older than cutoff across every source.
func (s *Store) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datapoints WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: delete before: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	s.invalidateAll()
	return n, nil
}

// DeleteMetric removes a source's entire history.
func (s *Store) DeleteMetric(ctx context.Context, source models.DataSourceID) error {
	key := source.StorageKey()
	_, err := s.db.ExecContext(ctx, `DELETE FROM datapoints WHERE storage_key = ?`, key)
	if err != nil {
		return fmt.Errorf("%w: delete metric: %v", ErrStorage, err)
	}
	s.invalidate(key)
	return nil
}

// ListMetrics returns the metric names recorded for a device, across all
// source kinds.
func (s *Store) ListMetrics(ctx context.Context, device string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT storage_key FROM datapoints ORDER BY storage_key
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list metrics: %v", ErrStorage, err)
	}
	defer rows.Close()

	var metrics []string
	seen := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", ErrStorage, err)
		}
		id, ok := parseStorageKey(key)
		if !ok || id.Device != device || seen[id.Metric] {
			continue
		}
		seen[id.Metric] = true
		metrics = append(metrics, id.Metric)
	}
	return metrics, rows.Err()
}

func (s *Store) invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, key)
}

func (s *Store) invalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = make(map[string]models.DataPoint)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (*models.DataPoint, error) {
	var (
		ts       int64
		value    string
		quality  sql.NullFloat64
		metadata sql.NullString
	)
	if err := row.Scan(&ts, &value, &quality, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan point: %v", ErrStorage, err)
	}

	var mv models.MetricValue
	if err := json.Unmarshal([]byte(value), &mv); err != nil {
		return nil, fmt.Errorf("%w: undecodable value %q: %v", ErrCorruption, value, err)
	}

	point := &models.DataPoint{Timestamp: ts, Value: mv}
	if quality.Valid {
		q := float32(quality.Float64)
		point.Quality = &q
	}
	if metadata.Valid && metadata.String != "" {
		point.Metadata = json.RawMessage(metadata.String)
	}
	return point, nil
}

func nullQuality(q *float32) any {
	if q == nil {
		return nil
	}
	return float64(*q)
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func parseStorageKey(key string) (models.DataSourceID, bool) {
	var id models.DataSourceID
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return id, false
	}
	device, metric, ok := strings.Cut(rest, ":")
	if !ok {
		return id, false
	}
	id.Kind = models.DataSourceKind(kind)
	id.Device = device
	id.Metric = metric
	return id, true
}

// now is a seam for retention tests.
var now = time.Now
