package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- sync_runs ---

const syncRunColumns = `SELECT id, triggered_by, started_at_ns, finished_at_ns, success_count,
	fail_count, new_article_count, live_ok, live_failed, stale_used, discover_ok,
	discover_delayed, discover_failed FROM sync_runs`

// CreateSyncRun opens a new run and returns its ID.
func (s *Store) CreateSyncRun(trigger string, startedAtNs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO sync_runs (triggered_by, started_at_ns) VALUES (?, ?)",
		trigger, startedAtNs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishSyncRun writes the final counters and finish time of a run.
// A cancelled run keeps finished_at_ns = 0.
func (s *Store) FinishSyncRun(run model.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE sync_runs SET
			finished_at_ns    = ?,
			success_count     = ?,
			fail_count        = ?,
			new_article_count = ?,
			live_ok           = ?,
			live_failed       = ?,
			stale_used        = ?,
			discover_ok       = ?,
			discover_delayed  = ?,
			discover_failed   = ?
		WHERE id = ?
	`, run.FinishedAtNs, run.SuccessCount, run.FailCount, run.NewArticleCount,
		run.LiveOk, run.LiveFailed, run.StaleUsed, run.DiscoverOk,
		run.DiscoverDelayed, run.DiscoverFailed, run.ID)
	return err
}

// UpdateSyncRunTrigger rewrites the trigger label of a run.
func (s *Store) UpdateSyncRunTrigger(id int64, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sync_runs SET triggered_by = ? WHERE id = ?", trigger, id)
	return err
}

// GetSyncRun loads one run by ID. Returns nil if not found.
func (s *Store) GetSyncRun(id int64) (*model.SyncRun, error) {
	return scanSyncRun(s.db.QueryRow(syncRunColumns+" WHERE id = ?", id))
}

// LatestSyncRun returns the most recently started run, or nil when the
// table is empty.
func (s *Store) LatestSyncRun() (*model.SyncRun, error) {
	return scanSyncRun(s.db.QueryRow(syncRunColumns + " ORDER BY started_at_ns DESC, id DESC LIMIT 1"))
}

// LatestSyncRunStartedBetween returns the most recent run started in
// [startNs, endNs), or nil when none.
func (s *Store) LatestSyncRunStartedBetween(startNs, endNs int64) (*model.SyncRun, error) {
	return scanSyncRun(s.db.QueryRow(
		syncRunColumns+` WHERE started_at_ns >= ? AND started_at_ns < ?
		ORDER BY started_at_ns DESC, id DESC LIMIT 1`, startNs, endNs))
}

// ListSyncRuns returns the most recent limit runs, newest first.
func (s *Store) ListSyncRuns(limit int) ([]model.SyncRun, error) {
	rows, err := s.db.Query(syncRunColumns+" ORDER BY started_at_ns DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		if err := rows.Scan(&run.ID, &run.Trigger, &run.StartedAtNs, &run.FinishedAtNs,
			&run.SuccessCount, &run.FailCount, &run.NewArticleCount, &run.LiveOk,
			&run.LiveFailed, &run.StaleUsed, &run.DiscoverOk, &run.DiscoverDelayed,
			&run.DiscoverFailed); err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func scanSyncRun(row *sql.Row) (*model.SyncRun, error) {
	var run model.SyncRun
	err := row.Scan(&run.ID, &run.Trigger, &run.StartedAtNs, &run.FinishedAtNs,
		&run.SuccessCount, &run.FailCount, &run.NewArticleCount, &run.LiveOk,
		&run.LiveFailed, &run.StaleUsed, &run.DiscoverOk, &run.DiscoverDelayed,
		&run.DiscoverFailed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync_run: %w", err)
	}
	return &run, nil
}

// --- sync_run_items ---

// InsertSyncRunItem records one subscription's outcome within a run.
func (s *Store) InsertSyncRunItem(item model.SyncRunItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_run_items (sync_run_id, subscription_id, status, new_count,
		                            error_message, finished_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, item.SyncRunID, item.SubscriptionID, item.Status, item.NewCount,
		item.ErrorMessage, item.FinishedAtNs)
	return err
}

// ListSyncRunItems returns the items of one run in insertion order.
func (s *Store) ListSyncRunItems(syncRunID int64) ([]model.SyncRunItem, error) {
	rows, err := s.db.Query(`
		SELECT id, sync_run_id, subscription_id, status, new_count, error_message, finished_at_ns
		FROM sync_run_items WHERE sync_run_id = ? ORDER BY id
	`, syncRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SyncRunItem
	for rows.Next() {
		var item model.SyncRunItem
		if err := rows.Scan(&item.ID, &item.SyncRunID, &item.SubscriptionID, &item.Status,
			&item.NewCount, &item.ErrorMessage, &item.FinishedAtNs); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// LastSuccessItemFinishedNs returns when the subscription last completed a
// successful sync, or 0 when it never has.
func (s *Store) LastSuccessItemFinishedNs(subscriptionID int64) (int64, error) {
	var finished int64
	err := s.db.QueryRow(`
		SELECT finished_at_ns FROM sync_run_items
		WHERE subscription_id = ? AND status = ?
		ORDER BY finished_at_ns DESC LIMIT 1
	`, subscriptionID, model.RunItemSuccess).Scan(&finished)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return finished, nil
}

// --- discovery_runs ---

// InsertDiscoveryRun records one subscription's discovery outcome within a run.
func (s *Store) InsertDiscoveryRun(d model.DiscoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO discovery_runs (sync_run_id, subscription_id, channel_used, status,
		                            ref_count, error_kind, error_message, latency_ms, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.SyncRunID, d.SubscriptionID, d.ChannelUsed, d.Status, d.RefCount,
		d.ErrorKind, d.ErrorMessage, d.LatencyMs, d.CreatedAtNs)
	return err
}

// ListDiscoveryRuns returns the discovery rows of one run in insertion order.
func (s *Store) ListDiscoveryRuns(syncRunID int64) ([]model.DiscoveryRun, error) {
	rows, err := s.db.Query(`
		SELECT id, sync_run_id, subscription_id, channel_used, status, ref_count,
		       error_kind, error_message, latency_ms, created_at_ns
		FROM discovery_runs WHERE sync_run_id = ? ORDER BY id
	`, syncRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DiscoveryRun
	for rows.Next() {
		var d model.DiscoveryRun
		if err := rows.Scan(&d.ID, &d.SyncRunID, &d.SubscriptionID, &d.ChannelUsed, &d.Status,
			&d.RefCount, &d.ErrorKind, &d.ErrorMessage, &d.LatencyMs, &d.CreatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
