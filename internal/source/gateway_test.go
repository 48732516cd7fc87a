package source

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
	"github.com/wxagent/wxagent/internal/store"
)

type stubFetch struct {
	errs     []error
	articles []model.RawArticle
	calls    int
}

// stubProvider serves canned candidates with per-URL probe and fetch
// behavior.
type stubProvider struct {
	name       string
	candidates []model.Candidate
	probes     map[string]model.ProbeResult
	fetches    map[string]*stubFetch
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Discover(_ context.Context, _ *model.Subscription) ([]model.Candidate, error) {
	return p.candidates, nil
}

func (p *stubProvider) Probe(_ context.Context, cand model.Candidate) model.ProbeResult {
	if r, ok := p.probes[cand.URL]; ok {
		return r
	}
	return model.ProbeResult{Ok: true, LatencyMs: 5}
}

func (p *stubProvider) Fetch(_ context.Context, cand model.Candidate, _ time.Time) ([]model.RawArticle, error) {
	f := p.fetches[cand.URL]
	if f == nil {
		return nil, nil
	}
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	return f.articles, nil
}

func newTestGateway(st *store.Store, providers ...Provider) *Gateway {
	hs := NewHealthService(st, 3, 30*time.Minute, testWeights)
	g := NewGateway(st, hs, providers, 3, 800*time.Millisecond)
	g.Sleep = func(time.Duration) {}
	return g
}

func autoSub(id int64) *model.Subscription {
	return &model.Subscription{ID: id, WechatID: "tech_daily", Name: "技术日报", SourceMode: model.SourceModeAuto}
}

func TestGateway_FailoverToSecondCandidate(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	runID := seedSyncRun(t, st)

	urlA := "https://mirror.example.com/primary"
	urlB := "https://mirror.example.com/backup"
	stub := &stubProvider{
		name: model.ProviderTemplate,
		candidates: []model.Candidate{
			{Provider: model.ProviderTemplate, URL: urlA, Priority: 20, Confidence: 0.9},
			{Provider: model.ProviderTemplate, URL: urlB, Priority: 21, Confidence: 0.8},
		},
		probes: map[string]model.ProbeResult{
			urlA: {Ok: false, LatencyMs: 40, ErrorKind: model.ErrKindTimeout, ErrorMessage: "request timed out"},
		},
		fetches: map[string]*stubFetch{
			urlB: {articles: []model.RawArticle{{ExternalID: "a1"}, {ExternalID: "a2"}}},
		},
	}

	g := newTestGateway(st, stub)
	result, err := g.FetchWithFailover(context.Background(), runID, autoSub(subID), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok {
		t.Fatalf("fetch should succeed via the backup, got %s: %s", result.ErrorKind, result.ErrorMessage)
	}
	if result.Candidate.URL != urlB {
		t.Fatalf("winning candidate = %s, want %s", result.Candidate.URL, urlB)
	}
	if len(result.Articles) != 2 {
		t.Fatalf("got %d articles, want 2", len(result.Articles))
	}

	attempts, err := st.ListAttemptsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want FAILED then SUCCESS", len(attempts))
	}
	if attempts[0].URL != urlA || attempts[0].Status != model.AttemptFailed || attempts[0].ErrorKind != model.ErrKindTimeout {
		t.Fatalf("first attempt = %+v, want failed timeout on primary", attempts[0])
	}
	if attempts[1].URL != urlB || attempts[1].Status != model.AttemptSuccess {
		t.Fatalf("second attempt = %+v, want success on backup", attempts[1])
	}

	// Discovery persisted both candidates as source rows.
	sources, err := st.ListSources(subID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d source rows, want 2 upserted", len(sources))
	}
}

func TestGateway_NoCandidatesReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	runID := seedSyncRun(t, st)

	g := newTestGateway(st)
	result, err := g.FetchWithFailover(context.Background(), runID, autoSub(subID), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if result.Ok {
		t.Fatal("no candidates should not report success")
	}
	if result.ErrorKind != model.ErrKindNotFound || result.ErrorMessage != "未发现可用候选源" {
		t.Fatalf("got %s: %s", result.ErrorKind, result.ErrorMessage)
	}
	if result.Candidate.Provider != model.ProviderNone || result.Candidate.Priority != 999 {
		t.Fatalf("placeholder candidate = %+v", result.Candidate)
	}

	attempts, err := st.ListAttemptsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Fatalf("no attempts should be logged without candidates, got %d", len(attempts))
	}
}

func TestGateway_OpenCircuitSkipsToNextCandidate(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	runID := seedSyncRun(t, st)

	urlA := "https://mirror.example.com/primary"
	urlB := "https://mirror.example.com/backup"
	stub := &stubProvider{
		name: model.ProviderTemplate,
		candidates: []model.Candidate{
			{Provider: model.ProviderTemplate, URL: urlA, Priority: 20, Confidence: 0.9},
			{Provider: model.ProviderTemplate, URL: urlB, Priority: 21, Confidence: 0.8},
		},
		fetches: map[string]*stubFetch{
			urlB: {articles: []model.RawArticle{{ExternalID: "a1"}}},
		},
	}

	// The primary's circuit is open with time left on the cooldown.
	if err := st.UpsertHealth(model.SourceHealth{
		SubscriptionID:      subID,
		Provider:            model.ProviderTemplate,
		URL:                 urlA,
		State:               model.HealthOpen,
		Score:               99,
		ConsecutiveFailures: 3,
		CooldownUntilNs:     time.Now().Add(10 * time.Minute).UnixNano(),
		UpdatedAtNs:         time.Now().UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}

	g := newTestGateway(st, stub)
	result, err := g.FetchWithFailover(context.Background(), runID, autoSub(subID), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok || result.Candidate.URL != urlB {
		t.Fatalf("result = %+v, want success via backup", result)
	}

	attempts, err := st.ListAttemptsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want skip then success", len(attempts))
	}
	if attempts[0].Status != model.AttemptSkipped || attempts[0].ErrorKind != model.ErrKindCircuitOpen {
		t.Fatalf("first attempt = %+v, want SKIPPED CIRCUIT_OPEN", attempts[0])
	}
	if attempts[0].ErrorMessage != "源处于熔断冷却期" {
		t.Fatalf("skip message = %q", attempts[0].ErrorMessage)
	}
}

func TestGateway_RetriesOnceOnTransientError(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	runID := seedSyncRun(t, st)

	urlA := "https://mirror.example.com/primary"
	fetch := &stubFetch{
		errs:     []error{&netutil.HTTPStatusError{StatusCode: 500, URL: urlA}},
		articles: []model.RawArticle{{ExternalID: "a1"}},
	}
	stub := &stubProvider{
		name:       model.ProviderTemplate,
		candidates: []model.Candidate{{Provider: model.ProviderTemplate, URL: urlA, Priority: 20, Confidence: 0.9}},
		fetches:    map[string]*stubFetch{urlA: fetch},
	}

	g := newTestGateway(st, stub)
	var slept []time.Duration
	g.Sleep = func(d time.Duration) { slept = append(slept, d) }

	result, err := g.FetchWithFailover(context.Background(), runID, autoSub(subID), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ok {
		t.Fatalf("second try should succeed, got %s: %s", result.ErrorKind, result.ErrorMessage)
	}
	if fetch.calls != 2 {
		t.Fatalf("fetch called %d times, want 2", fetch.calls)
	}
	if len(slept) != 1 || slept[0] != 800*time.Millisecond {
		t.Fatalf("backoff sleeps = %v, want one of 800ms", slept)
	}

	attempts, err := st.ListAttemptsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != model.AttemptSuccess {
		t.Fatalf("attempts = %+v, want a single success", attempts)
	}
}

func TestGateway_NoRetryOnPermanentError(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	runID := seedSyncRun(t, st)

	urlA := "https://mirror.example.com/primary"
	fetch := &stubFetch{
		errs:     []error{&netutil.HTTPStatusError{StatusCode: 404, URL: urlA}, nil},
		articles: []model.RawArticle{{ExternalID: "a1"}},
	}
	stub := &stubProvider{
		name:       model.ProviderTemplate,
		candidates: []model.Candidate{{Provider: model.ProviderTemplate, URL: urlA, Priority: 20, Confidence: 0.9}},
		fetches:    map[string]*stubFetch{urlA: fetch},
	}

	g := newTestGateway(st, stub)
	var slept []time.Duration
	g.Sleep = func(d time.Duration) { slept = append(slept, d) }

	result, err := g.FetchWithFailover(context.Background(), runID, autoSub(subID), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if result.Ok {
		t.Fatal("a 404 must not be retried into a success")
	}
	if result.ErrorKind != model.ErrKindNotFound {
		t.Fatalf("kind = %s, want NOT_FOUND", result.ErrorKind)
	}
	if fetch.calls != 1 {
		t.Fatalf("fetch called %d times, want 1", fetch.calls)
	}
	if len(slept) != 0 {
		t.Fatalf("no backoff expected, slept %v", slept)
	}
}

func TestGateway_ManualPinOutranksHealthierMirror(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")

	pinnedURL := "https://feeds.example.com/pinned.xml"
	if _, err := st.InsertSource(model.SubscriptionSource{
		SubscriptionID: subID,
		Provider:       model.ProviderManual,
		URL:            pinnedURL,
		Priority:       10,
		Pinned:         true,
		Active:         true,
		Confidence:     1.0,
		DiscoveredAtNs: time.Now().UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}

	mirrorURL := "https://mirror.example.com/tech_daily"
	stub := &stubProvider{
		name:       model.ProviderTemplate,
		candidates: []model.Candidate{{Provider: model.ProviderTemplate, URL: mirrorURL, Priority: 20, Confidence: 0.9}},
	}
	if err := st.UpsertHealth(model.SourceHealth{
		SubscriptionID: subID,
		Provider:       model.ProviderTemplate,
		URL:            mirrorURL,
		State:          model.HealthClosed,
		Score:          99,
		UpdatedAtNs:    time.Now().UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}

	manual := &ManualProvider{Store: st}
	g := newTestGateway(st, manual, stub)

	ranked, err := g.DiscoverCandidates(context.Background(), autoSub(subID))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 2 {
		t.Fatalf("got %d candidates, want 2", len(ranked))
	}
	if ranked[0].URL != pinnedURL {
		t.Fatalf("ranked[0] = %s, pinned manual source must outrank the mirror", ranked[0].URL)
	}
}

func TestGateway_UpsertPreservesPinAndMetadata(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	g := newTestGateway(st)

	url := "https://wechat2rss.xlab.app/feed/abc.xml"
	now := time.Now().UnixNano()
	first := model.Candidate{
		Provider:       model.ProviderDirectory,
		URL:            url,
		Priority:       60,
		Pinned:         true,
		Confidence:     0.8,
		Metadata:       map[string]any{"name": "技术日报", "score": 80},
		DiscoveredAtNs: now,
	}
	if err := g.upsertSource(subID, first, now); err != nil {
		t.Fatal(err)
	}

	// A later pass re-discovers the same feed unpinned and without
	// metadata; the pin and stored metadata must survive.
	second := model.Candidate{Provider: model.ProviderDirectory, URL: url, Priority: 61, Confidence: 0.7}
	if err := g.upsertSource(subID, second, now); err != nil {
		t.Fatal(err)
	}

	row, err := st.GetSourceByKey(subID, model.ProviderDirectory, url)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("source row should exist")
	}
	if !row.Pinned {
		t.Fatal("pin must not be cleared by re-discovery")
	}
	if !strings.Contains(row.MetadataJSON, "技术日报") {
		t.Fatalf("metadata was clobbered: %q", row.MetadataJSON)
	}
	if row.Priority != 61 || row.Confidence != 0.7 {
		t.Fatalf("priority/confidence = %d/%v, want refreshed 61/0.7", row.Priority, row.Confidence)
	}
}

func TestGateway_DemotesLegacyManualRows(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")

	legacyURL := "https://feeds.example.com/legacy.xml"
	if _, err := st.InsertSource(model.SubscriptionSource{
		SubscriptionID: subID,
		Provider:       model.ProviderManual,
		URL:            legacyURL,
		Priority:       0,
		Pinned:         true,
		Active:         true,
		Confidence:     1.0,
		DiscoveredAtNs: time.Now().UnixNano(),
		MetadataJSON:   `{"legacy":true}`,
	}); err != nil {
		t.Fatal(err)
	}

	g := newTestGateway(st, &ManualProvider{Store: st})
	ranked, err := g.DiscoverCandidates(context.Background(), autoSub(subID))
	if err != nil {
		t.Fatal(err)
	}
	for _, cand := range ranked {
		if cand.URL == legacyURL {
			t.Fatal("demoted legacy source must not be offered in auto mode")
		}
	}

	row, err := st.GetSourceByKey(subID, model.ProviderManual, legacyURL)
	if err != nil {
		t.Fatal(err)
	}
	if row.Active || row.Pinned {
		t.Fatalf("legacy row should be inactive and unpinned, got %+v", row)
	}
	if row.Priority < 95 {
		t.Fatalf("legacy priority = %d, want >= 95", row.Priority)
	}
}

func TestGateway_DeactivatesWeakDirectoryRows(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")

	weakURL := "https://wechat2rss.xlab.app/feed/weak.xml"
	strongURL := "https://wechat2rss.xlab.app/feed/strong.xml"
	for _, row := range []model.SubscriptionSource{
		{SubscriptionID: subID, Provider: model.ProviderDirectory, URL: weakURL, Priority: 60, Active: true, Confidence: 0.2, MetadataJSON: `{"score":3}`},
		{SubscriptionID: subID, Provider: model.ProviderDirectory, URL: strongURL, Priority: 61, Active: true, Confidence: 0.5, MetadataJSON: `{"score":50}`},
	} {
		if _, err := st.InsertSource(row); err != nil {
			t.Fatal(err)
		}
	}

	g := newTestGateway(st)
	ranked, err := g.DiscoverCandidates(context.Background(), autoSub(subID))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0].URL != strongURL {
		t.Fatalf("ranked = %+v, want only the strong directory row", ranked)
	}

	weak, err := st.GetSourceByKey(subID, model.ProviderDirectory, weakURL)
	if err != nil {
		t.Fatal(err)
	}
	if weak.Active {
		t.Fatal("low-score directory row should be deactivated")
	}
}

func TestGateway_StopsAfterMaxCandidates(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily")
	runID := seedSyncRun(t, st)

	urls := []string{
		"https://mirror.example.com/a",
		"https://mirror.example.com/b",
		"https://mirror.example.com/c",
	}
	stub := &stubProvider{
		name: model.ProviderTemplate,
		candidates: []model.Candidate{
			{Provider: model.ProviderTemplate, URL: urls[0], Priority: 20, Confidence: 0.9},
			{Provider: model.ProviderTemplate, URL: urls[1], Priority: 21, Confidence: 0.8},
			{Provider: model.ProviderTemplate, URL: urls[2], Priority: 22, Confidence: 0.7},
		},
		probes: map[string]model.ProbeResult{
			urls[0]: {Ok: false, LatencyMs: 10, ErrorKind: model.ErrKindTimeout, ErrorMessage: "request timed out"},
			urls[1]: {Ok: false, LatencyMs: 10, ErrorKind: model.ErrKindBlocked, ErrorMessage: "HTTP 403 Forbidden"},
			urls[2]: {Ok: false, LatencyMs: 10, ErrorKind: model.ErrKindNotFound, ErrorMessage: "feed not found"},
		},
	}

	hs := NewHealthService(st, 5, 30*time.Minute, testWeights)
	g := NewGateway(st, hs, []Provider{stub}, 2, 0)
	g.Sleep = func(time.Duration) {}

	result, err := g.FetchWithFailover(context.Background(), runID, autoSub(subID), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if result.Ok {
		t.Fatal("all probes fail, result cannot be ok")
	}
	if result.ErrorKind != model.ErrKindBlocked || result.ErrorMessage != "HTTP 403 Forbidden" {
		t.Fatalf("result carries %s: %s, want the last attempted failure", result.ErrorKind, result.ErrorMessage)
	}
	if result.Candidate.URL != urls[0] {
		t.Fatalf("failed result candidate = %s, want the top-ranked one", result.Candidate.URL)
	}

	attempts, err := st.ListAttemptsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want the first 2 candidates only", len(attempts))
	}
}
