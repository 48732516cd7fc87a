// Package recommend scores articles against the operator's reading history.
// With an embedding vendor configured it uses real vectors; without one a
// deterministic hash embedding keeps the pipeline total, so ranking degrades
// to freshness rather than failing.
package recommend

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/ai"
	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
)

// LocalHashModel labels embeddings produced without a vendor.
const LocalHashModel = "local-hash"

const (
	defaultVectorSize = 64
	profileWindow     = 30 * 24 * time.Hour
	freshnessDecayH   = 48.0

	defaultTopicWeight     = 0.7
	defaultFreshnessWeight = 0.3
)

// Embedder is the narrow vendor surface the recommender needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Profile is the mean vector of recently read articles. An empty profile
// (SampleSize 0) signals cold start.
type Profile struct {
	Vector     []float64
	SampleSize int
}

// Relevance is one scored article, with the blend inputs kept separate for
// the persisted detail payload.
type Relevance struct {
	Score          float64
	TopicScore     float64
	FreshnessScore float64
}

type scoreDetail struct {
	TopicScore     float64 `json:"topic_score"`
	FreshnessScore float64 `json:"freshness_score"`
	ProfileSize    int     `json:"profile_size"`
}

// Recommender computes and persists per-article relevance scores.
type Recommender struct {
	Store      *store.Store
	Embedder   Embedder
	EmbedModel string
	VectorSize int

	// Blend weights for warm-profile scoring; cold start ignores them.
	TopicWeight     float64
	FreshnessWeight float64

	Now func() time.Time
}

// New builds a recommender. A nil client selects the hash embedding path.
func New(st *store.Store, client *ai.Client) *Recommender {
	r := &Recommender{
		Store:           st,
		VectorSize:      defaultVectorSize,
		TopicWeight:     defaultTopicWeight,
		FreshnessWeight: defaultFreshnessWeight,
		Now:             time.Now,
	}
	if client != nil {
		r.Embedder = client
		r.EmbedModel = client.EmbedModel
	}
	return r
}

func (r *Recommender) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// EmbeddingText composes the canonical input for an article's vector.
func EmbeddingText(title, summary, excerpt string) string {
	return strings.TrimSpace(title + "\n" + summary + "\n" + excerpt)
}

// EmbedText returns a unit vector for the text, falling back to the local
// hash embedding when the vendor call fails.
func (r *Recommender) EmbedText(ctx context.Context, text string) []float64 {
	if r.Embedder != nil {
		vector, err := r.Embedder.Embed(ctx, text)
		if err == nil {
			return normalizeVector(vector)
		}
		log.Printf("[recommend] remote embedding failed, using local hash: %v", err)
	}
	return r.localEmbedding(text)
}

// localEmbedding derives a stable pseudo-vector from the text digest. Equal
// texts always map to equal vectors, which is all the cosine ranking needs
// when no real embedding model is available.
func (r *Recommender) localEmbedding(text string) []float64 {
	digest := sha256.Sum256([]byte(text))
	raw := make([]float64, r.VectorSize)
	for i := range raw {
		raw[i] = float64(digest[i%len(digest)])/255.0*2.0 - 1.0
	}
	return normalizeVector(raw)
}

// EnsureArticleEmbedding returns the stored vector for an article, computing
// and persisting it on first sight.
func (r *Recommender) EnsureArticleEmbedding(ctx context.Context, articleID int64, text string) ([]float64, error) {
	existing, err := r.Store.GetEmbedding(articleID)
	if err != nil {
		return nil, fmt.Errorf("load embedding %d: %w", articleID, err)
	}
	if existing != nil {
		return existing.Vector, nil
	}

	vector := r.EmbedText(ctx, text)
	modelName := LocalHashModel
	if r.Embedder != nil {
		modelName = r.EmbedModel
	}
	err = r.Store.UpsertEmbedding(model.ArticleEmbedding{
		ArticleID:   articleID,
		Vector:      vector,
		Model:       modelName,
		CreatedAtNs: r.now().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("store embedding %d: %w", articleID, err)
	}
	return vector, nil
}

// BuildUserProfile averages the vectors of articles read in the last 30
// days. Vectors with a dimension mismatch are skipped from the sum but
// still count toward the sample size.
func (r *Recommender) BuildUserProfile() (Profile, error) {
	since := r.now().Add(-profileWindow).UnixNano()
	vectors, err := r.Store.ListReadVectorsSince(since)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile vectors: %w", err)
	}
	if len(vectors) == 0 {
		return Profile{}, nil
	}

	dim := len(vectors[0])
	avg := make([]float64, dim)
	for _, vec := range vectors {
		if len(vec) != dim {
			continue
		}
		for i, v := range vec {
			avg[i] += v
		}
	}

	sampleSize := len(vectors)
	for i := range avg {
		avg[i] /= float64(sampleSize)
	}
	return Profile{Vector: normalizeVector(avg), SampleSize: sampleSize}, nil
}

// ScoreArticle blends topic affinity with freshness. Cold start (no reading
// history) ranks purely by freshness so a new install still gets a usable
// ordering.
func (r *Recommender) ScoreArticle(articleVector []float64, profile Profile, publishedAtNs int64) Relevance {
	topic := 0.0
	if profile.SampleSize > 0 && len(profile.Vector) > 0 {
		topic = math.Max(cosineSimilarity(articleVector, profile.Vector), 0.0)
	}

	ageHours := math.Max(r.now().Sub(time.Unix(0, publishedAtNs)).Hours(), 0.0)
	freshness := math.Exp(-ageHours / freshnessDecayH)

	final := freshness
	if profile.SampleSize > 0 {
		final = r.TopicWeight*topic + r.FreshnessWeight*freshness
	}
	return Relevance{Score: final, TopicScore: topic, FreshnessScore: freshness}
}

// RecomputeScoresBetween rescores every article published in [startNs,
// endNs) against the current profile. Embeddings are computed lazily, so
// a recompute touches only articles that never got one.
func (r *Recommender) RecomputeScoresBetween(ctx context.Context, startNs, endNs int64) error {
	profile, err := r.BuildUserProfile()
	if err != nil {
		return err
	}

	articles, err := r.Store.ListArticlesBetween(startNs, endNs)
	if err != nil {
		return fmt.Errorf("list articles for rescoring: %w", err)
	}
	ids := make([]int64, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}
	summaries, err := r.Store.GetSummaries(ids)
	if err != nil {
		return fmt.Errorf("load summaries for rescoring: %w", err)
	}

	for _, a := range articles {
		text := EmbeddingText(a.Title, summaries[a.ID].Summary, a.ContentExcerpt)
		vector, err := r.EnsureArticleEmbedding(ctx, a.ID, text)
		if err != nil {
			return err
		}
		rel := r.ScoreArticle(vector, profile, a.PublishedAtNs)
		if err := r.upsertScore(a.ID, rel, profile.SampleSize); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recommender) upsertScore(articleID int64, rel Relevance, profileSize int) error {
	detail, err := json.Marshal(scoreDetail{
		TopicScore:     rel.TopicScore,
		FreshnessScore: rel.FreshnessScore,
		ProfileSize:    profileSize,
	})
	if err != nil {
		return fmt.Errorf("marshal score detail: %w", err)
	}
	err = r.Store.UpsertScore(model.RecommendationScore{
		ArticleID:  articleID,
		Score:      rel.Score,
		DetailJSON: string(detail),
		ScoredAtNs: r.now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("store score %d: %w", articleID, err)
	}
	return nil
}

func normalizeVector(vector []float64) []float64 {
	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vector
	}
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = v / norm
	}
	return out
}

// cosineSimilarity guards every degenerate input with 0 so callers never
// divide by zero on empty or mismatched vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
