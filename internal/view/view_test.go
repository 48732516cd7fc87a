package view

import (
	"path/filepath"
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

func seedSubscription(t *testing.T, st *store.Store, wechatID, name string) int64 {
	t.Helper()
	now := time.Now().UnixNano()
	id, err := st.CreateSubscription(model.Subscription{
		WechatID:        wechatID,
		Name:            name,
		Status:          model.SubscriptionActive,
		DiscoveryStatus: model.DiscoveryPending,
		SourceMode:      model.SourceModeAuto,
		CreatedAtNs:     now,
		UpdatedAtNs:     now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func seedArticle(t *testing.T, st *store.Store, subID int64, externalID string, published time.Time) int64 {
	t.Helper()
	id, err := st.InsertArticle(model.Article{
		SubscriptionID: subID,
		ExternalID:     externalID,
		Title:          "文章 " + externalID,
		URL:            "https://mp.weixin.qq.com/s?sn=" + externalID,
		PublishedAtNs:  published.UnixNano(),
		FetchedAtNs:    time.Now().UnixNano(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDayBoundsLocal(t *testing.T) {
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	start, end := DayBoundsLocal(day)
	if got := end.Sub(start); got != 24*time.Hour {
		t.Fatalf("window length = %v, want 24h", got)
	}
	if !start.Equal(day.UTC()) {
		t.Fatalf("window start = %v, want %v", start, day.UTC())
	}
}

func TestParseDay(t *testing.T) {
	now := time.Date(2024, 3, 15, 13, 45, 0, 0, time.Local)

	day, err := ParseDay("", now)
	if err != nil {
		t.Fatal(err)
	}
	if day.Hour() != 0 || day.Day() != 15 {
		t.Fatalf("empty input should mean today at midnight, got %v", day)
	}

	day, err = ParseDay("2024-01-02", now)
	if err != nil {
		t.Fatal(err)
	}
	if DayKey(day) != "2024-01-02" {
		t.Fatalf("DayKey = %s, want 2024-01-02", DayKey(day))
	}

	if _, err := ParseDay("02/01/2024", now); err == nil {
		t.Fatal("slash date should be rejected")
	}
}

func TestDay_IDOrderAndWindow(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily", "技术日报")

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	morning := day.Add(9 * time.Hour)
	evening := day.Add(21 * time.Hour)

	seedArticle(t, st, subID, "early", morning)
	seedArticle(t, st, subID, "late", evening)
	// Outside the window on both sides.
	seedArticle(t, st, subID, "yesterday", day.Add(-2*time.Hour))
	seedArticle(t, st, subID, "tomorrow", day.Add(25*time.Hour))

	items, err := NewAssembler(st).Day(day)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 inside the day window", len(items))
	}
	if items[0].Article.ExternalID != "late" || items[1].Article.ExternalID != "early" {
		t.Fatalf("day order = [%s %s], want newest first",
			items[0].Article.ExternalID, items[1].Article.ExternalID)
	}
	if items[0].DayID != 1 || items[1].DayID != 2 {
		t.Fatalf("day ids = [%d %d], want [1 2]", items[0].DayID, items[1].DayID)
	}

	start, end := DayBoundsLocal(day)
	for _, item := range items {
		if item.Article.PublishedAtNs < start.UnixNano() || item.Article.PublishedAtNs >= end.UnixNano() {
			t.Fatalf("item %s published outside day window", item.Article.ExternalID)
		}
	}

	got, ok := ByDayID(items, 2)
	if !ok || got.Article.ExternalID != "early" {
		t.Fatalf("ByDayID(2) = %v, want the early article", got)
	}
	if _, ok := ByDayID(items, 3); ok {
		t.Fatal("ByDayID(3) should not resolve")
	}
}

func TestDay_TiesBreakByID(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily", "技术日报")

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	at := day.Add(12 * time.Hour)
	first := seedArticle(t, st, subID, "a", at)
	second := seedArticle(t, st, subID, "b", at)

	items, err := NewAssembler(st).Day(day)
	if err != nil {
		t.Fatal(err)
	}
	if items[0].Article.ID != first || items[1].Article.ID != second {
		t.Fatalf("equal publish times must order by id asc, got [%d %d]",
			items[0].Article.ID, items[1].Article.ID)
	}
}

func TestOrder_SourceGroupsContiguously(t *testing.T) {
	st := newTestStore(t)
	subA := seedSubscription(t, st, "sub_a", "频道A")
	subB := seedSubscription(t, st, "sub_b", "频道B")

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	seedArticle(t, st, subA, "a1", day.Add(20*time.Hour))
	seedArticle(t, st, subB, "b1", day.Add(19*time.Hour))
	seedArticle(t, st, subA, "a2", day.Add(18*time.Hour))

	a := NewAssembler(st)
	items, err := a.Day(day)
	if err != nil {
		t.Fatal(err)
	}
	ordered, err := a.Order(items, ModeSource)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{
		ordered[0].Article.ExternalID,
		ordered[1].Article.ExternalID,
		ordered[2].Article.ExternalID,
	}
	want := []string{"a1", "a2", "b1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("source order = %v, want %v", got, want)
		}
	}
}

func TestOrder_RecommendColdStartInterleaves(t *testing.T) {
	st := newTestStore(t)
	subA := seedSubscription(t, st, "sub_a", "频道A")
	subB := seedSubscription(t, st, "sub_b", "频道B")

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	seedArticle(t, st, subA, "a1", day.Add(20*time.Hour))
	seedArticle(t, st, subA, "a2", day.Add(19*time.Hour))
	seedArticle(t, st, subA, "a3", day.Add(18*time.Hour))
	seedArticle(t, st, subB, "b1", day.Add(17*time.Hour))

	a := NewAssembler(st)
	items, err := a.Day(day)
	if err != nil {
		t.Fatal(err)
	}
	ordered, err := a.Order(items, ModeRecommend)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(ordered))
	for i, item := range ordered {
		got[i] = item.Article.ExternalID
	}
	want := []string{"a1", "b1", "a2", "a3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cold-start order = %v, want %v", got, want)
		}
	}
}

func TestOrder_RecommendRanksUnreadAndScore(t *testing.T) {
	st := newTestStore(t)
	subID := seedSubscription(t, st, "tech_daily", "技术日报")

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	high := seedArticle(t, st, subID, "high", day.Add(10*time.Hour))
	low := seedArticle(t, st, subID, "low", day.Add(11*time.Hour))
	read := seedArticle(t, st, subID, "read", day.Add(12*time.Hour))
	_ = seedArticle(t, st, subID, "unscored", day.Add(13*time.Hour))

	for id, score := range map[int64]float64{high: 0.9, low: 0.2, read: 0.95} {
		if err := st.UpsertScore(model.RecommendationScore{ArticleID: id, Score: score, DetailJSON: "{}", ScoredAtNs: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.MarkRead(read, true, time.Now().UnixNano()); err != nil {
		t.Fatal(err)
	}

	a := NewAssembler(st)
	items, err := a.Day(day)
	if err != nil {
		t.Fatal(err)
	}
	ordered, err := a.Order(items, ModeRecommend)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(ordered))
	for i, item := range ordered {
		got[i] = item.Article.ExternalID
	}
	want := []string{"high", "low", "unscored", "read"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recommend order = %v, want %v", got, want)
		}
	}
}

func TestStrictLiveAndStaleAnnotation(t *testing.T) {
	st := newTestStore(t)
	okSub := seedSubscription(t, st, "sub_ok", "正常频道")
	failSub := seedSubscription(t, st, "sub_fail", "故障频道")

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local)
	seedArticle(t, st, okSub, "ok1", day.Add(9*time.Hour))
	seedArticle(t, st, failSub, "f1", day.Add(10*time.Hour))

	runID, err := st.CreateSyncRun("manual", day.Add(8*time.Hour).UnixNano())
	if err != nil {
		t.Fatal(err)
	}
	mustInsertItem := func(subID int64, status model.RunItemStatus) {
		t.Helper()
		if err := st.InsertSyncRunItem(model.SyncRunItem{
			SyncRunID: runID, SubscriptionID: subID, Status: status,
			FinishedAtNs: day.Add(8 * time.Hour).UnixNano(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	mustInsertItem(okSub, model.RunItemSuccess)
	mustInsertItem(failSub, model.RunItemFailed)

	lastOk := day.Add(-28 * time.Hour)
	if err := st.UpsertHealth(model.SourceHealth{
		SubscriptionID: failSub, Provider: model.ProviderTemplate,
		URL: "https://mirror.example.com/feed", State: model.HealthOpen,
		LastOkAtNs: lastOk.UnixNano(), UpdatedAtNs: lastOk.UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}

	a := NewAssembler(st)
	a.Now = func() time.Time { return day.Add(12 * time.Hour) }

	items, err := a.Day(day)
	if err != nil {
		t.Fatal(err)
	}

	live, err := a.StrictLive(items, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].Article.ExternalID != "ok1" {
		t.Fatalf("strict-live should keep only the succeeded subscription, got %d items", len(live))
	}

	if err := a.AnnotateStale(items, day); err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		switch item.Article.SubscriptionID {
		case failSub:
			if item.StaleNote != "使用缓存(延迟40小时)" {
				t.Fatalf("stale note = %q, want 使用缓存(延迟40小时)", item.StaleNote)
			}
		case okSub:
			if item.StaleNote != "" {
				t.Fatalf("live subscription must not carry a stale note, got %q", item.StaleNote)
			}
		}
	}
}
