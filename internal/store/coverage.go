package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- coverage_daily ---

// UpsertCoverageDaily inserts or overwrites the rollup for one date.
func (s *Store) UpsertCoverageDaily(c model.CoverageDaily) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO coverage_daily (date, total_subscriptions, success_count, delayed_count,
		                            failed_count, coverage_ratio, detail_json, generated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_subscriptions = excluded.total_subscriptions,
			success_count       = excluded.success_count,
			delayed_count       = excluded.delayed_count,
			failed_count        = excluded.failed_count,
			coverage_ratio      = excluded.coverage_ratio,
			detail_json         = excluded.detail_json,
			generated_at_ns     = excluded.generated_at_ns
	`, c.Date, c.TotalSubscriptions, c.SuccessCount, c.DelayedCount,
		c.FailedCount, c.CoverageRatio, c.DetailJSON, c.GeneratedAtNs)
	return err
}

// GetCoverageDaily loads the rollup for one date. Returns nil if not found.
func (s *Store) GetCoverageDaily(date string) (*model.CoverageDaily, error) {
	row := s.db.QueryRow(`
		SELECT date, total_subscriptions, success_count, delayed_count, failed_count,
		       coverage_ratio, detail_json, generated_at_ns
		FROM coverage_daily WHERE date = ?
	`, date)
	var c model.CoverageDaily
	err := row.Scan(&c.Date, &c.TotalSubscriptions, &c.SuccessCount, &c.DelayedCount,
		&c.FailedCount, &c.CoverageRatio, &c.DetailJSON, &c.GeneratedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan coverage_daily: %w", err)
	}
	return &c, nil
}
