package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- subscriptions ---

// CreateSubscription inserts a new subscription and returns its ID.
// A duplicate wechat_id surfaces as the UNIQUE constraint error.
func (s *Store) CreateSubscription(sub model.Subscription) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO subscriptions (wechat_id, name, status, discovery_status, preferred_provider,
		                           source_mode, source_url, last_error, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.WechatID, sub.Name, sub.Status, sub.DiscoveryStatus, sub.PreferredProvider,
		sub.SourceMode, sub.SourceURL, sub.LastError, sub.CreatedAtNs, sub.UpdatedAtNs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateSubscription overwrites all mutable fields of a subscription by ID.
// created_at_ns is preserved.
func (s *Store) UpdateSubscription(sub model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE subscriptions SET
			name               = ?,
			status             = ?,
			discovery_status   = ?,
			preferred_provider = ?,
			source_mode        = ?,
			source_url         = ?,
			last_error         = ?,
			updated_at_ns      = ?
		WHERE id = ?
	`, sub.Name, sub.Status, sub.DiscoveryStatus, sub.PreferredProvider,
		sub.SourceMode, sub.SourceURL, sub.LastError, sub.UpdatedAtNs, sub.ID)
	return err
}

// GetSubscription loads one subscription by ID. Returns nil if not found.
func (s *Store) GetSubscription(id int64) (*model.Subscription, error) {
	return s.scanSubscription(s.db.QueryRow(
		subscriptionColumns+" WHERE id = ?", id))
}

// GetSubscriptionByWechatID loads one subscription by its channel account ID.
// Returns nil if not found.
func (s *Store) GetSubscriptionByWechatID(wechatID string) (*model.Subscription, error) {
	return s.scanSubscription(s.db.QueryRow(
		subscriptionColumns+" WHERE wechat_id = ?", wechatID))
}

const subscriptionColumns = `SELECT id, wechat_id, name, status, discovery_status, preferred_provider,
	source_mode, source_url, last_error, created_at_ns, updated_at_ns FROM subscriptions`

func (s *Store) scanSubscription(row *sql.Row) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(&sub.ID, &sub.WechatID, &sub.Name, &sub.Status, &sub.DiscoveryStatus,
		&sub.PreferredProvider, &sub.SourceMode, &sub.SourceURL, &sub.LastError,
		&sub.CreatedAtNs, &sub.UpdatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns all subscriptions ordered by ID.
func (s *Store) ListSubscriptions() ([]model.Subscription, error) {
	rows, err := s.db.Query(subscriptionColumns + " ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.ID, &sub.WechatID, &sub.Name, &sub.Status, &sub.DiscoveryStatus,
			&sub.PreferredProvider, &sub.SourceMode, &sub.SourceURL, &sub.LastError,
			&sub.CreatedAtNs, &sub.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// DeleteSubscription removes a subscription by ID. All dependent rows
// follow through ON DELETE CASCADE.
func (s *Store) DeleteSubscription(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM subscriptions WHERE id = ?", id)
	return err
}
