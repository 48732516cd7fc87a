package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- subscription_sources ---

const sourceColumns = `SELECT id, subscription_id, provider, url, priority, pinned, active,
	confidence, discovered_at_ns, metadata_json FROM subscription_sources`

// InsertSource inserts a new candidate source row and returns its ID.
func (s *Store) InsertSource(src model.SubscriptionSource) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO subscription_sources (subscription_id, provider, url, priority, pinned, active,
		                                  confidence, discovered_at_ns, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.SubscriptionID, src.Provider, src.URL, src.Priority, src.Pinned, src.Active,
		src.Confidence, src.DiscoveredAtNs, src.MetadataJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateSource overwrites all mutable fields of a source row by ID.
func (s *Store) UpdateSource(src model.SubscriptionSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE subscription_sources SET
			priority         = ?,
			pinned           = ?,
			active           = ?,
			confidence       = ?,
			discovered_at_ns = ?,
			metadata_json    = ?
		WHERE id = ?
	`, src.Priority, src.Pinned, src.Active, src.Confidence, src.DiscoveredAtNs,
		src.MetadataJSON, src.ID)
	return err
}

// GetSourceByKey loads one source row by its natural key. Returns nil if not found.
func (s *Store) GetSourceByKey(subscriptionID int64, provider, url string) (*model.SubscriptionSource, error) {
	row := s.db.QueryRow(sourceColumns+" WHERE subscription_id = ? AND provider = ? AND url = ?",
		subscriptionID, provider, url)
	return scanSource(row)
}

func scanSource(row *sql.Row) (*model.SubscriptionSource, error) {
	var src model.SubscriptionSource
	err := row.Scan(&src.ID, &src.SubscriptionID, &src.Provider, &src.URL, &src.Priority,
		&src.Pinned, &src.Active, &src.Confidence, &src.DiscoveredAtNs, &src.MetadataJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription_source: %w", err)
	}
	return &src, nil
}

// ListSources returns the source rows for one subscription. With activeOnly
// set, deactivated rows are filtered out.
func (s *Store) ListSources(subscriptionID int64, activeOnly bool) ([]model.SubscriptionSource, error) {
	query := sourceColumns + " WHERE subscription_id = ?"
	if activeOnly {
		query += " AND active = 1"
	}
	rows, err := s.db.Query(query+" ORDER BY id", subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SubscriptionSource
	for rows.Next() {
		var src model.SubscriptionSource
		if err := rows.Scan(&src.ID, &src.SubscriptionID, &src.Provider, &src.URL, &src.Priority,
			&src.Pinned, &src.Active, &src.Confidence, &src.DiscoveredAtNs, &src.MetadataJSON); err != nil {
			return nil, err
		}
		result = append(result, src)
	}
	return result, rows.Err()
}
