package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- source_health / fetch_attempts ---

const healthColumns = `SELECT id, subscription_id, provider, url, state, score, success_rate_24h,
	avg_latency_ms, consecutive_failures, cooldown_until_ns, last_ok_at_ns, last_error,
	updated_at_ns FROM source_health`

const upsertHealthSQL = `
	INSERT INTO source_health (subscription_id, provider, url, state, score, success_rate_24h,
	                           avg_latency_ms, consecutive_failures, cooldown_until_ns,
	                           last_ok_at_ns, last_error, updated_at_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(subscription_id, provider, url) DO UPDATE SET
		state                = excluded.state,
		score                = excluded.score,
		success_rate_24h     = excluded.success_rate_24h,
		avg_latency_ms       = excluded.avg_latency_ms,
		consecutive_failures = excluded.consecutive_failures,
		cooldown_until_ns    = excluded.cooldown_until_ns,
		last_ok_at_ns        = excluded.last_ok_at_ns,
		last_error           = excluded.last_error,
		updated_at_ns        = excluded.updated_at_ns
`

// UpsertHealth inserts or overwrites the health row for one candidate.
func (s *Store) UpsertHealth(h model.SourceHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(upsertHealthSQL,
		h.SubscriptionID, h.Provider, h.URL, h.State, h.Score, h.SuccessRate24h,
		h.AvgLatencyMs, h.ConsecutiveFailures, h.CooldownUntilNs, h.LastOkAtNs,
		h.LastError, h.UpdatedAtNs)
	return err
}

// RecordAttemptAndHealth logs one fetch attempt and applies the resulting
// health transition in a single transaction, so an attempt row and its
// state change are never observed apart.
func (s *Store) RecordAttemptAndHealth(a model.FetchAttempt, h model.SourceHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin attempt tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO fetch_attempts (sync_run_id, subscription_id, provider, url, status,
		                            http_code, latency_ms, error_kind, error_message, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.SyncRunID, a.SubscriptionID, a.Provider, a.URL, a.Status,
		a.HTTPCode, a.LatencyMs, a.ErrorKind, a.ErrorMessage, a.CreatedAtNs); err != nil {
		return fmt.Errorf("insert fetch_attempt: %w", err)
	}

	if _, err := tx.Exec(upsertHealthSQL,
		h.SubscriptionID, h.Provider, h.URL, h.State, h.Score, h.SuccessRate24h,
		h.AvgLatencyMs, h.ConsecutiveFailures, h.CooldownUntilNs, h.LastOkAtNs,
		h.LastError, h.UpdatedAtNs); err != nil {
		return fmt.Errorf("upsert source_health: %w", err)
	}

	return tx.Commit()
}

// GetHealth loads the health row for one candidate. Returns nil if not found.
func (s *Store) GetHealth(subscriptionID int64, provider, url string) (*model.SourceHealth, error) {
	row := s.db.QueryRow(healthColumns+" WHERE subscription_id = ? AND provider = ? AND url = ?",
		subscriptionID, provider, url)
	var h model.SourceHealth
	err := row.Scan(&h.ID, &h.SubscriptionID, &h.Provider, &h.URL, &h.State, &h.Score,
		&h.SuccessRate24h, &h.AvgLatencyMs, &h.ConsecutiveFailures, &h.CooldownUntilNs,
		&h.LastOkAtNs, &h.LastError, &h.UpdatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan source_health: %w", err)
	}
	return &h, nil
}

// ListHealth returns all health rows for one subscription.
func (s *Store) ListHealth(subscriptionID int64) ([]model.SourceHealth, error) {
	rows, err := s.db.Query(healthColumns+" WHERE subscription_id = ? ORDER BY id", subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SourceHealth
	for rows.Next() {
		var h model.SourceHealth
		if err := rows.Scan(&h.ID, &h.SubscriptionID, &h.Provider, &h.URL, &h.State, &h.Score,
			&h.SuccessRate24h, &h.AvgLatencyMs, &h.ConsecutiveFailures, &h.CooldownUntilNs,
			&h.LastOkAtNs, &h.LastError, &h.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// ListAttemptsSince returns attempts for one candidate at or after sinceNs,
// oldest first.
func (s *Store) ListAttemptsSince(subscriptionID int64, provider, url string, sinceNs int64) ([]model.FetchAttempt, error) {
	rows, err := s.db.Query(`
		SELECT id, sync_run_id, subscription_id, provider, url, status, http_code,
		       latency_ms, error_kind, error_message, created_at_ns
		FROM fetch_attempts
		WHERE subscription_id = ? AND provider = ? AND url = ? AND created_at_ns >= ?
		ORDER BY created_at_ns
	`, subscriptionID, provider, url, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListAttemptsForRun returns all attempts logged under one sync run.
func (s *Store) ListAttemptsForRun(syncRunID int64) ([]model.FetchAttempt, error) {
	rows, err := s.db.Query(`
		SELECT id, sync_run_id, subscription_id, provider, url, status, http_code,
		       latency_ms, error_kind, error_message, created_at_ns
		FROM fetch_attempts WHERE sync_run_id = ? ORDER BY id
	`, syncRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]model.FetchAttempt, error) {
	var result []model.FetchAttempt
	for rows.Next() {
		var a model.FetchAttempt
		if err := rows.Scan(&a.ID, &a.SyncRunID, &a.SubscriptionID, &a.Provider, &a.URL,
			&a.Status, &a.HTTPCode, &a.LatencyMs, &a.ErrorKind, &a.ErrorMessage,
			&a.CreatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// PruneAttemptsBefore deletes attempt rows older than cutoffNs and reports
// how many were removed.
func (s *Store) PruneAttemptsBefore(cutoffNs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM fetch_attempts WHERE created_at_ns < ?", cutoffNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
