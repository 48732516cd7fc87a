package store

import (
	"database/sql"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- article_refs ---

const refColumns = `SELECT id, subscription_id, url, title_hint, published_hint_ns, channel,
	confidence, created_at_ns FROM article_refs`

// UpsertRef inserts a discovered ref or merges it into the existing row for
// the same URL: hints only overwrite when non-empty, channel follows the
// latest observation, confidence never decreases.
func (s *Store) UpsertRef(ref model.ArticleRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO article_refs (subscription_id, url, title_hint, published_hint_ns,
		                          channel, confidence, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id, url) DO UPDATE SET
			title_hint        = CASE WHEN excluded.title_hint != '' THEN excluded.title_hint ELSE title_hint END,
			published_hint_ns = CASE WHEN excluded.published_hint_ns != 0 THEN excluded.published_hint_ns ELSE published_hint_ns END,
			channel           = excluded.channel,
			confidence        = MAX(confidence, excluded.confidence)
	`, ref.SubscriptionID, ref.URL, ref.TitleHint, ref.PublishedHintNs,
		ref.Channel, ref.Confidence, ref.CreatedAtNs)
	return err
}

// GetRef loads one ref by its natural key. Returns nil if not found.
func (s *Store) GetRef(subscriptionID int64, url string) (*model.ArticleRef, error) {
	row := s.db.QueryRow(refColumns+" WHERE subscription_id = ? AND url = ?", subscriptionID, url)
	var ref model.ArticleRef
	err := row.Scan(&ref.ID, &ref.SubscriptionID, &ref.URL, &ref.TitleHint,
		&ref.PublishedHintNs, &ref.Channel, &ref.Confidence, &ref.CreatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan article_ref: %w", err)
	}
	return &ref, nil
}

// ListRecentRefs returns up to limit refs for one subscription, newest first.
// Feeds the history-backtrack channel.
func (s *Store) ListRecentRefs(subscriptionID int64, limit int) ([]model.ArticleRef, error) {
	rows, err := s.db.Query(refColumns+` WHERE subscription_id = ?
		ORDER BY created_at_ns DESC, id DESC LIMIT ?`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ArticleRef
	for rows.Next() {
		var ref model.ArticleRef
		if err := rows.Scan(&ref.ID, &ref.SubscriptionID, &ref.URL, &ref.TitleHint,
			&ref.PublishedHintNs, &ref.Channel, &ref.Confidence, &ref.CreatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, ref)
	}
	return result, rows.Err()
}
