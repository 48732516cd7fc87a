package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wxagent/wxagent/internal/model"
)

// --- articles and per-article children ---

const articleColumns = `SELECT id, subscription_id, external_id, title, url, published_at_ns,
	fetched_at_ns, content_excerpt, raw_hash FROM articles`

// InsertArticle inserts a new article and returns its ID. A duplicate
// (subscription_id, external_id) surfaces as the UNIQUE constraint error.
func (s *Store) InsertArticle(a model.Article) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO articles (subscription_id, external_id, title, url, published_at_ns,
		                      fetched_at_ns, content_excerpt, raw_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.SubscriptionID, a.ExternalID, a.Title, a.URL, a.PublishedAtNs,
		a.FetchedAtNs, a.ContentExcerpt, a.RawHash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateArticleObserved refreshes the mutable fields of an existing article
// after a re-observation. Title and URL are immutable once stored.
func (s *Store) UpdateArticleObserved(id int64, publishedAtNs int64, excerpt, rawHash string, fetchedAtNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE articles SET
			published_at_ns = ?,
			content_excerpt = ?,
			raw_hash        = ?,
			fetched_at_ns   = ?
		WHERE id = ?
	`, publishedAtNs, excerpt, rawHash, fetchedAtNs, id)
	return err
}

// GetArticle loads one article by ID. Returns nil if not found.
func (s *Store) GetArticle(id int64) (*model.Article, error) {
	return scanArticle(s.db.QueryRow(articleColumns+" WHERE id = ?", id))
}

// GetArticleByExternalID loads one article by its natural key.
// Returns nil if not found.
func (s *Store) GetArticleByExternalID(subscriptionID int64, externalID string) (*model.Article, error) {
	return scanArticle(s.db.QueryRow(
		articleColumns+" WHERE subscription_id = ? AND external_id = ?", subscriptionID, externalID))
}

func scanArticle(row *sql.Row) (*model.Article, error) {
	var a model.Article
	err := row.Scan(&a.ID, &a.SubscriptionID, &a.ExternalID, &a.Title, &a.URL,
		&a.PublishedAtNs, &a.FetchedAtNs, &a.ContentExcerpt, &a.RawHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan article: %w", err)
	}
	return &a, nil
}

// ListArticlesBetween returns articles published in [startNs, endNs),
// newest first with ID as tiebreaker.
func (s *Store) ListArticlesBetween(startNs, endNs int64) ([]model.Article, error) {
	rows, err := s.db.Query(articleColumns+` WHERE published_at_ns >= ? AND published_at_ns < ?
		ORDER BY published_at_ns DESC, id ASC`, startNs, endNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ListArticlesBySubscriptionBetween returns one subscription's articles
// published in [startNs, endNs), newest first with ID as tiebreaker.
func (s *Store) ListArticlesBySubscriptionBetween(subscriptionID, startNs, endNs int64) ([]model.Article, error) {
	rows, err := s.db.Query(articleColumns+` WHERE subscription_id = ? AND published_at_ns >= ?
		AND published_at_ns < ? ORDER BY published_at_ns DESC, id ASC`, subscriptionID, startNs, endNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArticles(rows)
}

func scanArticles(rows *sql.Rows) ([]model.Article, error) {
	var result []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.ExternalID, &a.Title, &a.URL,
			&a.PublishedAtNs, &a.FetchedAtNs, &a.ContentExcerpt, &a.RawHash); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- article_summaries ---

// UpsertSummary inserts or overwrites the summary for an article.
func (s *Store) UpsertSummary(sum model.ArticleSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO article_summaries (article_id, summary, model, created_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			summary       = excluded.summary,
			model         = excluded.model,
			created_at_ns = excluded.created_at_ns
	`, sum.ArticleID, sum.Summary, sum.Model, sum.CreatedAtNs)
	return err
}

// GetSummary loads the summary for one article. Returns nil if not found.
func (s *Store) GetSummary(articleID int64) (*model.ArticleSummary, error) {
	row := s.db.QueryRow(
		"SELECT article_id, summary, model, created_at_ns FROM article_summaries WHERE article_id = ?",
		articleID)
	var sum model.ArticleSummary
	err := row.Scan(&sum.ArticleID, &sum.Summary, &sum.Model, &sum.CreatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan article_summary: %w", err)
	}
	return &sum, nil
}

// GetSummaries loads summaries for a set of articles, keyed by article ID.
func (s *Store) GetSummaries(articleIDs []int64) (map[int64]model.ArticleSummary, error) {
	result := make(map[int64]model.ArticleSummary, len(articleIDs))
	if len(articleIDs) == 0 {
		return result, nil
	}
	query, args := inClause(
		"SELECT article_id, summary, model, created_at_ns FROM article_summaries WHERE article_id IN", articleIDs)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sum model.ArticleSummary
		if err := rows.Scan(&sum.ArticleID, &sum.Summary, &sum.Model, &sum.CreatedAtNs); err != nil {
			return nil, err
		}
		result[sum.ArticleID] = sum
	}
	return result, rows.Err()
}

// --- read_states ---

// MarkRead sets or clears the read flag for an article. readAtNs is 0 when
// clearing.
func (s *Store) MarkRead(articleID int64, isRead bool, readAtNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO read_states (article_id, is_read, read_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			is_read    = excluded.is_read,
			read_at_ns = excluded.read_at_ns
	`, articleID, isRead, readAtNs)
	return err
}

// GetReadStates loads read flags for a set of articles, keyed by article ID.
// Articles without a row are simply absent from the map.
func (s *Store) GetReadStates(articleIDs []int64) (map[int64]model.ReadState, error) {
	result := make(map[int64]model.ReadState, len(articleIDs))
	if len(articleIDs) == 0 {
		return result, nil
	}
	query, args := inClause(
		"SELECT article_id, is_read, read_at_ns FROM read_states WHERE article_id IN", articleIDs)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rs model.ReadState
		if err := rows.Scan(&rs.ArticleID, &rs.IsRead, &rs.ReadAtNs); err != nil {
			return nil, err
		}
		result[rs.ArticleID] = rs
	}
	return result, rows.Err()
}

// CountRead returns how many articles are currently marked read.
func (s *Store) CountRead() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM read_states WHERE is_read = 1").Scan(&count)
	return count, err
}

// --- article_embeddings ---

// UpsertEmbedding inserts or overwrites the vector for an article.
func (s *Store) UpsertEmbedding(e model.ArticleEmbedding) error {
	data, err := json.Marshal(e.Vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO article_embeddings (article_id, vector_json, model, created_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			vector_json   = excluded.vector_json,
			model         = excluded.model,
			created_at_ns = excluded.created_at_ns
	`, e.ArticleID, string(data), e.Model, e.CreatedAtNs)
	return err
}

// GetEmbedding loads the vector for one article. Returns nil if not found.
func (s *Store) GetEmbedding(articleID int64) (*model.ArticleEmbedding, error) {
	row := s.db.QueryRow(
		"SELECT article_id, vector_json, model, created_at_ns FROM article_embeddings WHERE article_id = ?",
		articleID)
	var e model.ArticleEmbedding
	var vectorJSON string
	err := row.Scan(&e.ArticleID, &vectorJSON, &e.Model, &e.CreatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan article_embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(vectorJSON), &e.Vector); err != nil {
		return nil, fmt.Errorf("unmarshal embedding %d: %w", articleID, err)
	}
	return &e, nil
}

// ListReadVectorsSince returns the embedding vectors of read articles
// published at or after sinceNs. Input to the interest profile.
func (s *Store) ListReadVectorsSince(sinceNs int64) ([][]float64, error) {
	rows, err := s.db.Query(`
		SELECT e.vector_json
		FROM article_embeddings e
		JOIN read_states r ON r.article_id = e.article_id
		JOIN articles a ON a.id = e.article_id
		WHERE r.is_read = 1 AND a.published_at_ns >= ?
		ORDER BY e.article_id
	`, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result [][]float64
	for rows.Next() {
		var vectorJSON string
		if err := rows.Scan(&vectorJSON); err != nil {
			return nil, err
		}
		var vec []float64
		if err := json.Unmarshal([]byte(vectorJSON), &vec); err != nil {
			return nil, fmt.Errorf("unmarshal profile embedding: %w", err)
		}
		result = append(result, vec)
	}
	return result, rows.Err()
}

// --- recommendation_scores ---

// UpsertScore inserts or overwrites the recommendation score for an article.
func (s *Store) UpsertScore(sc model.RecommendationScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO recommendation_scores (article_id, score, detail_json, scored_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(article_id) DO UPDATE SET
			score        = excluded.score,
			detail_json  = excluded.detail_json,
			scored_at_ns = excluded.scored_at_ns
	`, sc.ArticleID, sc.Score, sc.DetailJSON, sc.ScoredAtNs)
	return err
}

// GetScores loads recommendation scores for a set of articles, keyed by
// article ID.
func (s *Store) GetScores(articleIDs []int64) (map[int64]model.RecommendationScore, error) {
	result := make(map[int64]model.RecommendationScore, len(articleIDs))
	if len(articleIDs) == 0 {
		return result, nil
	}
	query, args := inClause(
		"SELECT article_id, score, detail_json, scored_at_ns FROM recommendation_scores WHERE article_id IN", articleIDs)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sc model.RecommendationScore
		if err := rows.Scan(&sc.ArticleID, &sc.Score, &sc.DetailJSON, &sc.ScoredAtNs); err != nil {
			return nil, err
		}
		result[sc.ArticleID] = sc
	}
	return result, rows.Err()
}

// inClause expands prefix into "prefix (?, ?, ...)" with matching args.
func inClause(prefix string, ids []int64) (string, []any) {
	args := make([]any, len(ids))
	query := prefix + " ("
	for i, id := range ids {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = id
	}
	return query + ")", args
}
