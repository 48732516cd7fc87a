package view

import (
	"fmt"
	"sort"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/source"
	"github.com/wxagent/wxagent/internal/store"
)

// Mode selects the article ordering of the day view.
type Mode string

const (
	ModeSource    Mode = "source"
	ModeTime      Mode = "time"
	ModeRecommend Mode = "recommend"
)

// ParseMode validates a mode argument.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeSource, ModeTime, ModeRecommend:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("未知视图模式 %q (可选: source, time, recommend)", raw)
	}
}

// Item is one article row of the day view, joined with its per-article
// children and its subscription.
type Item struct {
	DayID            int
	Article          model.Article
	SubscriptionName string
	WechatID         string
	Summary          string
	SummaryModel     string
	Score            float64
	HasScore         bool
	IsRead           bool
	StaleNote        string
}

// Assembler builds day views from the store. It is stateless: the day-id
// mapping is recomputed on every call from the day's articles.
type Assembler struct {
	Store *store.Store

	// Now is injectable for tests.
	Now func() time.Time
}

func NewAssembler(st *store.Store) *Assembler {
	return &Assembler{Store: st}
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Day returns the day's articles in day-id order: published_at descending,
// then id ascending, enumerated from 1. The same inputs always produce the
// same mapping, so small integers shown to the operator resolve back to the
// same articles until the day's article set changes.
func (a *Assembler) Day(day time.Time) ([]Item, error) {
	start, end := DayBoundsLocal(day)
	articles, err := a.Store.ListArticlesBetween(start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list day articles: %w", err)
	}
	if len(articles) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(articles))
	for i, art := range articles {
		ids[i] = art.ID
	}
	summaries, err := a.Store.GetSummaries(ids)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	scores, err := a.Store.GetScores(ids)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	reads, err := a.Store.GetReadStates(ids)
	if err != nil {
		return nil, fmt.Errorf("load read states: %w", err)
	}
	subs, err := a.subscriptionIndex()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(articles))
	for i, art := range articles {
		item := Item{DayID: i + 1, Article: art}
		if sub, ok := subs[art.SubscriptionID]; ok {
			item.SubscriptionName = sub.Name
			item.WechatID = sub.WechatID
		}
		if sum, ok := summaries[art.ID]; ok {
			item.Summary = sum.Summary
			item.SummaryModel = sum.Model
		}
		if sc, ok := scores[art.ID]; ok {
			item.Score = sc.Score
			item.HasScore = true
		}
		if rs, ok := reads[art.ID]; ok {
			item.IsRead = rs.IsRead
		}
		items = append(items, item)
	}
	return items, nil
}

// ByDayID resolves one small integer back to its item.
func ByDayID(items []Item, dayID int) (*Item, bool) {
	for i := range items {
		if items[i].DayID == dayID {
			return &items[i], true
		}
	}
	return nil, false
}

// Order rearranges day items for rendering. The input must come from Day
// (day-id order); the day-ids themselves are preserved so the operator can
// keep addressing articles across modes.
func (a *Assembler) Order(items []Item, mode Mode) ([]Item, error) {
	switch mode {
	case ModeTime:
		return items, nil
	case ModeSource:
		return groupBySource(items), nil
	case ModeRecommend:
		readCount, err := a.Store.CountRead()
		if err != nil {
			return nil, fmt.Errorf("count read articles: %w", err)
		}
		if readCount == 0 {
			// Cold start: no profile to rank against. Interleave sources so
			// one prolific channel cannot monopolize the top of the view.
			return interleaveBySource(items), nil
		}
		return orderByScore(items), nil
	default:
		return nil, fmt.Errorf("未知视图模式 %q", mode)
	}
}

// groupBySource keeps the day-id order inside each subscription but emits
// subscriptions as contiguous blocks, ordered by first appearance.
func groupBySource(items []Item) []Item {
	var order []string
	groups := make(map[string][]Item)
	for _, item := range items {
		key := item.SubscriptionName
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}
	out := make([]Item, 0, len(items))
	for _, key := range order {
		out = append(out, groups[key]...)
	}
	return out
}

// interleaveBySource deals one article per subscription in rotation,
// preserving each subscription's internal time order.
func interleaveBySource(items []Item) []Item {
	var order []string
	groups := make(map[string][]Item)
	for _, item := range items {
		key := item.SubscriptionName
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}
	out := make([]Item, 0, len(items))
	for len(out) < len(items) {
		for _, key := range order {
			if group := groups[key]; len(group) > 0 {
				out = append(out, group[0])
				groups[key] = group[1:]
			}
		}
	}
	return out
}

// orderByScore ranks unread before read, then score descending with
// unscored articles last, then newest first.
func orderByScore(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsRead != b.IsRead {
			return !a.IsRead
		}
		if a.HasScore != b.HasScore {
			return a.HasScore
		}
		if a.HasScore && a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Article.PublishedAtNs != b.Article.PublishedAtNs {
			return a.Article.PublishedAtNs > b.Article.PublishedAtNs
		}
		return a.Article.ID < b.Article.ID
	})
	return out
}

// RunForDay picks the sync run the day view reports against: the most
// recent run started within the day window, else the most recent run
// overall. Nil when no run exists yet.
func (a *Assembler) RunForDay(day time.Time) (*model.SyncRun, error) {
	start, end := DayBoundsLocal(day)
	run, err := a.Store.LatestSyncRunStartedBetween(start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load day run: %w", err)
	}
	if run != nil {
		return run, nil
	}
	run, err = a.Store.LatestSyncRun()
	if err != nil {
		return nil, fmt.Errorf("load latest run: %w", err)
	}
	return run, nil
}

// StrictLive filters items down to subscriptions whose item in the day's
// run succeeded. With no run at all nothing is live.
func (a *Assembler) StrictLive(items []Item, day time.Time) ([]Item, error) {
	run, err := a.RunForDay(day)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	live, err := a.runOutcomes(run.ID)
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, item := range items {
		if live[item.Article.SubscriptionID] == model.RunItemSuccess {
			out = append(out, item)
		}
	}
	return out, nil
}

// AnnotateStale marks items of subscriptions whose fetch failed in the
// day's run: their cached articles still render, flagged with how long ago
// the best candidate last answered.
func (a *Assembler) AnnotateStale(items []Item, day time.Time) error {
	run, err := a.RunForDay(day)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	outcomes, err := a.runOutcomes(run.ID)
	if err != nil {
		return err
	}

	notes := make(map[int64]string)
	for i := range items {
		subID := items[i].Article.SubscriptionID
		if outcomes[subID] != model.RunItemFailed {
			continue
		}
		note, ok := notes[subID]
		if !ok {
			note = a.staleNote(subID)
			notes[subID] = note
		}
		items[i].StaleNote = note
	}
	return nil
}

func (a *Assembler) staleNote(subscriptionID int64) string {
	rows, err := a.Store.ListHealth(subscriptionID)
	if err != nil {
		return "使用缓存"
	}
	var lastOk int64
	for _, h := range rows {
		if h.LastOkAtNs > lastOk {
			lastOk = h.LastOkAtNs
		}
	}
	if hours, ok := source.StaleHours(lastOk, a.now()); ok {
		return fmt.Sprintf("使用缓存(延迟%d小时)", hours)
	}
	return "使用缓存"
}

func (a *Assembler) runOutcomes(runID int64) (map[int64]model.RunItemStatus, error) {
	runItems, err := a.Store.ListSyncRunItems(runID)
	if err != nil {
		return nil, fmt.Errorf("load run items: %w", err)
	}
	out := make(map[int64]model.RunItemStatus, len(runItems))
	for _, item := range runItems {
		out[item.SubscriptionID] = item.Status
	}
	return out, nil
}

func (a *Assembler) subscriptionIndex() (map[int64]model.Subscription, error) {
	subs, err := a.Store.ListSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	index := make(map[int64]model.Subscription, len(subs))
	for _, sub := range subs {
		index[sub.ID] = sub
	}
	return index, nil
}
