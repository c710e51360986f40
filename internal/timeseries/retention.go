package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neotalk/neotalk/pkg/models"
)

// RetentionPolicy bounds a source's history by age.
type RetentionPolicy struct {
	Source   models.DataSourceID `json:"source"`
	TTLHours int                 `json:"ttl_hours"`
}

// SetRetention installs or replaces the retention policy for a source.
// A non-positive TTL removes the policy.
func (s *Store) SetRetention(ctx context.Context, source models.DataSourceID, ttlHours int) error {
	key := source.StorageKey()
	if ttlHours <= 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM retention_policies WHERE storage_key = ?`, key)
		if err != nil {
			return fmt.Errorf("%w: clear retention: %v", ErrStorage, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (storage_key, ttl_hours) VALUES (?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET ttl_hours = excluded.ttl_hours
	`, key, ttlHours)
	if err != nil {
		return fmt.Errorf("%w: set retention: %v", ErrStorage, err)
	}
	return nil
}

// ListRetention returns every installed retention policy.
func (s *Store) ListRetention(ctx context.Context) ([]RetentionPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT storage_key, ttl_hours FROM retention_policies`)
	if err != nil {
		return nil, fmt.Errorf("%w: list retention: %v", ErrStorage, err)
	}
	defer rows.Close()

	var policies []RetentionPolicy
	for rows.Next() {
		var (
			key string
			ttl int
		)
		if err := rows.Scan(&key, &ttl); err != nil {
			return nil, fmt.Errorf("%w: scan retention: %v", ErrStorage, err)
		}
		id, ok := parseStorageKey(key)
		if !ok {
			continue
		}
		policies = append(policies, RetentionPolicy{Source: id, TTLHours: ttl})
	}
	return policies, rows.Err()
}

// SweepExpired deletes data older than each source's TTL and returns the
// number of deleted points.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	policies, err := s.ListRetention(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	nowSecs := now().Unix()
	for _, p := range policies {
		cutoff := nowSecs - int64(p.TTLHours)*3600
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM datapoints WHERE storage_key = ? AND ts < ?
		`, p.Source.StorageKey(), cutoff)
		if err != nil {
			return deleted, fmt.Errorf("%w: sweep %s: %v", ErrStorage, p.Source.StorageKey(), err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if deleted > 0 {
		s.invalidateAll()
	}
	return deleted, nil
}

// RetentionSweeper runs SweepExpired on a cron cadence.
type RetentionSweeper struct {
	store  *Store
	cron   *cron.Cron
	logger *slog.Logger
}

// NewRetentionSweeper schedules sweeps on the given cron spec; an empty
// spec means hourly.
func NewRetentionSweeper(store *Store, spec string, logger *slog.Logger) (*RetentionSweeper, error) {
	if spec == "" {
		spec = "@hourly"
	}
	if logger == nil {
		logger = slog.Default()
	}
	sweeper := &RetentionSweeper{
		store:  store,
		cron:   cron.New(),
		logger: logger.With("component", "retention"),
	}
	_, err := sweeper.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := store.SweepExpired(ctx)
		if err != nil {
			sweeper.logger.Warn("retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			sweeper.logger.Info("retention sweep removed expired points", "deleted", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return sweeper, nil
}

// Start begins the sweep schedule.
func (r *RetentionSweeper) Start() { r.cron.Start() }

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (r *RetentionSweeper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
