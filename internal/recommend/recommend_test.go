package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func seedSubscription(t *testing.T, st *store.Store) int64 {
	t.Helper()
	now := time.Now().UnixNano()
	id, err := st.CreateSubscription(model.Subscription{
		WechatID:        "tech_daily",
		Name:            "技术日报",
		Status:          model.SubscriptionActive,
		DiscoveryStatus: model.DiscoverySuccess,
		SourceMode:      model.SourceModeAuto,
		CreatedAtNs:     now,
		UpdatedAtNs:     now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func seedArticle(t *testing.T, st *store.Store, subID int64, externalID string, publishedAt time.Time) int64 {
	t.Helper()
	id, err := st.InsertArticle(model.Article{
		SubscriptionID: subID,
		ExternalID:     externalID,
		Title:          "文章 " + externalID,
		URL:            "https://mp.weixin.qq.com/s/" + externalID,
		PublishedAtNs:  publishedAt.UnixNano(),
		FetchedAtNs:    publishedAt.UnixNano(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func seedReadEmbedding(t *testing.T, st *store.Store, articleID int64, vector []float64) {
	t.Helper()
	err := st.UpsertEmbedding(model.ArticleEmbedding{
		ArticleID:   articleID,
		Vector:      vector,
		Model:       LocalHashModel,
		CreatedAtNs: time.Now().UnixNano(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.MarkRead(articleID, true, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}
}

type fakeEmbedder struct {
	vector []float64
	err    error
	calls  int
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return append([]float64(nil), e.vector...), nil
}

func vectorNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func TestLocalEmbedding_DeterministicUnitVector(t *testing.T) {
	r := &Recommender{VectorSize: defaultVectorSize}

	v1 := r.localEmbedding("今天的大模型新闻")
	v2 := r.localEmbedding("今天的大模型新闻")
	if !reflect.DeepEqual(v1, v2) {
		t.Fatal("same text produced different vectors")
	}
	if len(v1) != defaultVectorSize {
		t.Fatalf("vector size = %d, want %d", len(v1), defaultVectorSize)
	}
	if norm := vectorNorm(v1); math.Abs(norm-1.0) > 1e-9 {
		t.Fatalf("vector norm = %v, want 1", norm)
	}

	other := r.localEmbedding("完全不同的文本")
	if reflect.DeepEqual(v1, other) {
		t.Fatal("different texts produced identical vectors")
	}
}

func TestCosineSimilarity_Guards(t *testing.T) {
	if got := cosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("identical vectors = %v, want 1", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors = %v, want 0", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched lengths = %v, want 0", got)
	}
	if got := cosineSimilarity(nil, []float64{1}); got != 0 {
		t.Fatalf("empty vector = %v, want 0", got)
	}
	if got := cosineSimilarity([]float64{0, 0}, []float64{1, 0}); got != 0 {
		t.Fatalf("zero vector = %v, want 0", got)
	}
}

func TestBuildUserProfile_ColdStart(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil)

	profile, err := r.BuildUserProfile()
	if err != nil {
		t.Fatal(err)
	}
	if profile.SampleSize != 0 || len(profile.Vector) != 0 {
		t.Fatalf("empty history produced profile %+v", profile)
	}
}

func TestBuildUserProfile_AveragesRecentReads(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st)
	now := time.Now().UTC()

	a1 := seedArticle(t, st, subID, "n1", now.Add(-24*time.Hour))
	a2 := seedArticle(t, st, subID, "n2", now.Add(-48*time.Hour))
	seedReadEmbedding(t, st, a1, []float64{1, 0})
	seedReadEmbedding(t, st, a2, []float64{0, 1})

	// Read but published outside the 30 day window.
	old := seedArticle(t, st, subID, "n3", now.Add(-35*24*time.Hour))
	seedReadEmbedding(t, st, old, []float64{1, 1})

	// Recent but never read.
	unread := seedArticle(t, st, subID, "n4", now.Add(-time.Hour))
	if err := st.UpsertEmbedding(model.ArticleEmbedding{
		ArticleID: unread, Vector: []float64{1, 1}, Model: LocalHashModel, CreatedAtNs: now.UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}

	r := New(st, nil)
	profile, err := r.BuildUserProfile()
	if err != nil {
		t.Fatal(err)
	}
	if profile.SampleSize != 2 {
		t.Fatalf("sample size = %d, want 2", profile.SampleSize)
	}
	want := math.Sqrt(2) / 2
	if math.Abs(profile.Vector[0]-want) > 1e-9 || math.Abs(profile.Vector[1]-want) > 1e-9 {
		t.Fatalf("profile vector = %v, want [%v %v]", profile.Vector, want, want)
	}
}

func TestBuildUserProfile_SkipsMismatchedDims(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st)
	now := time.Now().UTC()

	a1 := seedArticle(t, st, subID, "n1", now.Add(-time.Hour))
	a2 := seedArticle(t, st, subID, "n2", now.Add(-2*time.Hour))
	a3 := seedArticle(t, st, subID, "n3", now.Add(-3*time.Hour))
	seedReadEmbedding(t, st, a1, []float64{1, 0})
	seedReadEmbedding(t, st, a2, []float64{0, 1})
	seedReadEmbedding(t, st, a3, []float64{1, 0, 0})

	r := New(st, nil)
	profile, err := r.BuildUserProfile()
	if err != nil {
		t.Fatal(err)
	}
	if profile.SampleSize != 3 {
		t.Fatalf("sample size = %d, want 3", profile.SampleSize)
	}
	if len(profile.Vector) != 2 {
		t.Fatalf("profile dim = %d, want 2", len(profile.Vector))
	}
	want := math.Sqrt(2) / 2
	if math.Abs(profile.Vector[0]-want) > 1e-9 || math.Abs(profile.Vector[1]-want) > 1e-9 {
		t.Fatalf("profile vector = %v, want [%v %v]", profile.Vector, want, want)
	}
}

func TestScoreArticle_ColdStartUsesFreshnessOnly(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	r := New(nil, nil)
	r.Now = func() time.Time { return current }

	rel := r.ScoreArticle([]float64{1, 0}, Profile{}, current.Add(-24*time.Hour).UnixNano())

	wantFreshness := math.Exp(-24.0 / 48.0)
	if math.Abs(rel.FreshnessScore-wantFreshness) > 1e-9 {
		t.Fatalf("freshness = %v, want %v", rel.FreshnessScore, wantFreshness)
	}
	if rel.Score != rel.FreshnessScore {
		t.Fatalf("cold start score = %v, want freshness %v", rel.Score, rel.FreshnessScore)
	}
	if rel.TopicScore != 0 {
		t.Fatalf("cold start topic = %v, want 0", rel.TopicScore)
	}
}

func TestScoreArticle_BlendsTopicAndFreshness(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	r := New(nil, nil)
	r.Now = func() time.Time { return current }
	profile := Profile{Vector: []float64{1, 0}, SampleSize: 5}

	aligned := r.ScoreArticle([]float64{1, 0}, profile, current.UnixNano())
	if math.Abs(aligned.Score-1.0) > 1e-9 {
		t.Fatalf("aligned fresh article score = %v, want 1", aligned.Score)
	}

	opposed := r.ScoreArticle([]float64{-1, 0}, profile, current.UnixNano())
	if opposed.TopicScore != 0 {
		t.Fatalf("negative similarity clamped to %v, want 0", opposed.TopicScore)
	}
	if math.Abs(opposed.Score-0.3) > 1e-9 {
		t.Fatalf("opposed fresh article score = %v, want 0.3", opposed.Score)
	}
}

func TestScoreArticle_ConfiguredWeightsShiftTheBlend(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	profile := Profile{Vector: []float64{1, 0}, SampleSize: 5}
	// Diagonal article, one decay period old: topic cos45° = √2/2, freshness e^-1.
	vector := normalizeVector([]float64{1, 1})
	published := current.Add(-48 * time.Hour).UnixNano()

	r := New(nil, nil)
	r.Now = func() time.Time { return current }
	defaultRel := r.ScoreArticle(vector, profile, published)

	r.TopicWeight = 0.9
	r.FreshnessWeight = 0.1
	heavy := r.ScoreArticle(vector, profile, published)

	wantTopic := math.Sqrt(2) / 2
	want := 0.9*wantTopic + 0.1*math.Exp(-1)
	if math.Abs(heavy.Score-want) > 1e-9 {
		t.Fatalf("reweighted score = %v, want %v", heavy.Score, want)
	}
	if heavy.Score == defaultRel.Score {
		t.Fatalf("changing the blend weights must change the score, both %v", heavy.Score)
	}
	if heavy.TopicScore != defaultRel.TopicScore || heavy.FreshnessScore != defaultRel.FreshnessScore {
		t.Fatal("weights must only affect the blend, not the component scores")
	}
}

func TestEnsureArticleEmbedding_ReusesStoredVector(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st)
	articleID := seedArticle(t, st, subID, "n1", time.Now().UTC())
	r := New(st, nil)

	first, err := r.EnsureArticleEmbedding(context.Background(), articleID, "初始文本")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.EnsureArticleEmbedding(context.Background(), articleID, "哪怕文本变了也要复用")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("second call recomputed instead of reusing the stored vector")
	}

	stored, err := st.GetEmbedding(articleID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Model != LocalHashModel {
		t.Fatalf("stored embedding = %+v, want model %q", stored, LocalHashModel)
	}
}

func TestEnsureArticleEmbedding_UsesRemoteVector(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st)
	articleID := seedArticle(t, st, subID, "n1", time.Now().UTC())

	r := New(st, nil)
	r.Embedder = &fakeEmbedder{vector: []float64{3, 4}}
	r.EmbedModel = "text-embedding-3-small"

	vector, err := r.EnsureArticleEmbedding(context.Background(), articleID, "标题")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(vector[0]-0.6) > 1e-9 || math.Abs(vector[1]-0.8) > 1e-9 {
		t.Fatalf("vector = %v, want normalized [0.6 0.8]", vector)
	}

	stored, err := st.GetEmbedding(articleID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Model != "text-embedding-3-small" {
		t.Fatalf("stored model = %q, want text-embedding-3-small", stored.Model)
	}
}

func TestEmbedText_RemoteFailureFallsBackToLocal(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("quota exceeded")}
	r := &Recommender{Embedder: embedder, VectorSize: defaultVectorSize}

	got := r.EmbedText(context.Background(), "标题")
	if embedder.calls != 1 {
		t.Fatalf("embedder called %d times, want 1", embedder.calls)
	}
	if !reflect.DeepEqual(got, r.localEmbedding("标题")) {
		t.Fatal("fallback vector differs from local embedding")
	}
}

func TestRecomputeScoresBetween(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st)

	current := time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC)
	dayStart := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	fresh := seedArticle(t, st, subID, "n1", current.Add(-2*time.Hour))
	stale := seedArticle(t, st, subID, "n2", current.Add(-18*time.Hour))
	outside := seedArticle(t, st, subID, "n3", dayStart.Add(-time.Hour))

	if err := st.UpsertSummary(model.ArticleSummary{
		ArticleID: fresh, Summary: "一句话摘要。", Model: "fallback", CreatedAtNs: current.UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}

	r := New(st, nil)
	r.Now = func() time.Time { return current }

	if err := r.RecomputeScoresBetween(context.Background(), dayStart.UnixNano(), dayEnd.UnixNano()); err != nil {
		t.Fatal(err)
	}

	scores, err := st.GetScores([]int64{fresh, stale, outside})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := scores[outside]; ok {
		t.Fatal("article outside the window was scored")
	}
	if scores[fresh].Score <= scores[stale].Score {
		t.Fatalf("fresh score %v not above stale score %v", scores[fresh].Score, scores[stale].Score)
	}

	var detail struct {
		TopicScore     float64 `json:"topic_score"`
		FreshnessScore float64 `json:"freshness_score"`
		ProfileSize    int     `json:"profile_size"`
	}
	if err := json.Unmarshal([]byte(scores[fresh].DetailJSON), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.ProfileSize != 0 || detail.TopicScore != 0 {
		t.Fatalf("cold start detail = %+v", detail)
	}
	if detail.FreshnessScore <= 0 || detail.FreshnessScore > 1 {
		t.Fatalf("freshness %v outside (0, 1]", detail.FreshnessScore)
	}

	if emb, err := st.GetEmbedding(fresh); err != nil || emb == nil {
		t.Fatalf("embedding missing for scored article: %v", err)
	}
}
