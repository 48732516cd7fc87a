// Package syncer drives one full acquisition pass: every subscription is
// fetched through the live source gateway or the v2 discovery chain, new
// articles are summarized and embedded, low-quality summaries get one
// repair pass, and the day's recommendation scores are recomputed.
package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/wxagent/wxagent/internal/discovery"
	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/recommend"
	"github.com/wxagent/wxagent/internal/source"
	"github.com/wxagent/wxagent/internal/store"
	"github.com/wxagent/wxagent/internal/summarize"
	"github.com/wxagent/wxagent/internal/view"
)

// CancelledTriggerSuffix marks a run interrupted between subscriptions.
const CancelledTriggerSuffix = ":cancelled"

// Progress counter keys.
const (
	progressTotal     = "total"
	progressDone      = "done"
	progressSucceeded = "succeeded"
	progressFailed    = "failed"
	progressDelayed   = "delayed"
	progressNew       = "new_articles"
)

// Engine runs sync passes. Exactly one of Gateway and Discovery drives
// acquisition: when Discovery is set the run takes the v2 ref-based path
// and the live-fetch metric family stays zero, and vice versa.
type Engine struct {
	Store       *store.Store
	Gateway     *source.Gateway
	Discovery   *discovery.Orchestrator
	Summarizer  *summarize.Summarizer
	Recommender *recommend.Recommender

	Overlap        time.Duration
	Incremental    bool
	MaxConcurrency int

	// Now is injectable for tests.
	Now func() time.Time

	progress *xsync.Map[string, int64]
}

// New wires a sync engine. Pass a nil orchestrator to use the live gateway
// path, or a nil gateway to acquire through v2 discovery.
func New(st *store.Store, gw *source.Gateway, orch *discovery.Orchestrator,
	sum *summarize.Summarizer, rec *recommend.Recommender,
	overlap time.Duration, incremental bool, maxConcurrency int) *Engine {
	if overlap < 0 {
		overlap = 0
	}
	return &Engine{
		Store:          st,
		Gateway:        gw,
		Discovery:      orch,
		Summarizer:     sum,
		Recommender:    rec,
		Overlap:        overlap,
		Incremental:    incremental,
		MaxConcurrency: maxConcurrency,
		progress:       xsync.NewMap[string, int64](),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) maxConcurrency() int {
	if e.MaxConcurrency > 0 {
		return e.MaxConcurrency
	}
	return 1
}

// Progress is a live counter snapshot of the in-flight (or most recent)
// run. Safe to read from another goroutine while Sync is running.
type Progress struct {
	Total       int64
	Done        int64
	Succeeded   int64
	Failed      int64
	Delayed     int64
	NewArticles int64
}

func (e *Engine) Progress() Progress {
	get := func(key string) int64 {
		v, _ := e.progress.Load(key)
		return v
	}
	return Progress{
		Total:       get(progressTotal),
		Done:        get(progressDone),
		Succeeded:   get(progressSucceeded),
		Failed:      get(progressFailed),
		Delayed:     get(progressDelayed),
		NewArticles: get(progressNew),
	}
}

func (e *Engine) bump(key string, delta int64) {
	e.progress.Compute(key, func(old int64, _ bool) (int64, xsync.ComputeOp) {
		return old + delta, xsync.UpdateOp
	})
}

func (e *Engine) resetProgress(total int) {
	for _, key := range []string{progressTotal, progressDone, progressSucceeded,
		progressFailed, progressDelayed, progressNew} {
		e.progress.Store(key, 0)
	}
	e.progress.Store(progressTotal, int64(total))
}

// subResult carries one worker's outcome back to the ordered write phase.
// A nil item means the subscription recorded no hard outcome this run
// (delayed discovery, or the run was cancelled before its turn).
type subResult struct {
	subID     int64
	item      *model.SyncRunItem
	discovery *model.DiscoveryRun
	newIDs    []int64
}

// Sync runs one acquisition pass over every subscription for the local
// calendar day. Subscription work is fanned out up to MaxConcurrency;
// outcome rows are then written in subscription-id order. Cancellation is
// observed between subscriptions: committed work persists, and the run row
// keeps finished_at empty with the trigger suffixed.
func (e *Engine) Sync(ctx context.Context, day time.Time, trigger string) (*model.SyncRun, error) {
	started := e.now()
	runID, err := e.Store.CreateSyncRun(trigger, started.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	run := &model.SyncRun{ID: runID, Trigger: trigger, StartedAtNs: started.UnixNano()}

	dayStart, dayEnd := view.DayBoundsLocal(day)

	subs, err := e.Store.ListSubscriptions()
	if err != nil {
		return run, fmt.Errorf("list subscriptions: %w", err)
	}
	e.resetProgress(len(subs))

	results := make([]*subResult, len(subs))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(e.maxConcurrency())
	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		grp.Go(func() error {
			if grpCtx.Err() != nil {
				return nil
			}
			results[i] = e.syncSubscription(grpCtx, runID, &subs[i], day, dayStart)
			return nil
		})
	}
	_ = grp.Wait()

	var newIDs []int64
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.discovery != nil {
			res.discovery.SyncRunID = runID
			if err := e.Store.InsertDiscoveryRun(*res.discovery); err != nil {
				log.Printf("[syncer] record discovery run sub=%d: %v", res.subID, err)
			}
			switch res.discovery.Status {
			case model.DiscoverySuccess:
				run.DiscoverOk++
			case model.DiscoveryDelayed:
				run.DiscoverDelayed++
			default:
				run.DiscoverFailed++
			}
		}
		if res.item != nil {
			res.item.SyncRunID = runID
			if err := e.Store.InsertSyncRunItem(*res.item); err != nil {
				log.Printf("[syncer] record run item sub=%d: %v", res.subID, err)
			} else if res.item.Status == model.RunItemSuccess {
				run.SuccessCount++
			} else {
				run.FailCount++
			}
			run.NewArticleCount += res.item.NewCount
		}
		newIDs = append(newIDs, res.newIDs...)
	}

	if e.Discovery == nil {
		e.applyLiveMetrics(run, results, dayStart.UnixNano(), dayEnd.UnixNano())
	}

	if ctx.Err() != nil {
		run.Trigger = trigger + CancelledTriggerSuffix
		if err := e.Store.UpdateSyncRunTrigger(runID, run.Trigger); err != nil {
			log.Printf("[syncer] mark run cancelled: %v", err)
		}
		// FinishedAtNs stays 0: the row records an unfinished run.
		if err := e.Store.FinishSyncRun(*run); err != nil {
			log.Printf("[syncer] persist cancelled run counters: %v", err)
		}
		return run, ctx.Err()
	}

	e.refreshLowQualitySummaries(ctx, newIDs)
	if err := e.Recommender.RecomputeScoresBetween(ctx, dayStart.UnixNano(), dayEnd.UnixNano()); err != nil {
		log.Printf("[syncer] recompute scores: %v", err)
	}

	run.FinishedAtNs = e.now().UnixNano()
	if err := e.Store.FinishSyncRun(*run); err != nil {
		return run, fmt.Errorf("finish sync run: %w", err)
	}
	return run, nil
}

// sinceFor computes the fetch lower bound: the day start, moved forward to
// just before the subscription's last successful sync when incremental
// fetching is on. The overlap re-covers articles published while the
// previous run was in flight.
func (e *Engine) sinceFor(subscriptionID int64, dayStart time.Time) time.Time {
	if !e.Incremental {
		return dayStart
	}
	lastNs, err := e.Store.LastSuccessItemFinishedNs(subscriptionID)
	if err != nil {
		log.Printf("[syncer] load last success sub=%d: %v", subscriptionID, err)
		return dayStart
	}
	if lastNs == 0 {
		return dayStart
	}
	candidate := time.Unix(0, lastNs).UTC().Add(-e.Overlap)
	if candidate.After(dayStart) {
		return candidate
	}
	return dayStart
}

func (e *Engine) syncSubscription(ctx context.Context, runID int64, sub *model.Subscription, day, dayStart time.Time) *subResult {
	since := e.sinceFor(sub.ID, dayStart)
	if e.Discovery != nil {
		return e.syncViaDiscovery(ctx, runID, sub, day, since)
	}
	return e.syncViaGateway(ctx, runID, sub, since)
}

func (e *Engine) syncViaGateway(ctx context.Context, runID int64, sub *model.Subscription, since time.Time) *subResult {
	res := &subResult{subID: sub.ID}

	fetch, err := e.Gateway.FetchWithFailover(ctx, runID, sub, since)
	if err != nil {
		// Store-level failure: this subscription is aborted, the run goes on.
		log.Printf("[syncer] gateway sub=%d: %v", sub.ID, err)
		sub.LastError = err.Error()
		e.saveSubscription(sub)
		res.item = e.failedItem(sub.ID, err.Error())
		e.bump(progressFailed, 1)
		e.bump(progressDone, 1)
		return res
	}

	if !fetch.Ok || fetch.Candidate == nil || fetch.Candidate.URL == "" {
		message := fetch.ErrorMessage
		if message == "" {
			message = "未匹配到可用公开源"
		}
		kind := fetch.ErrorKind
		if kind == "" {
			kind = model.ErrKindUnknown
		}
		sub.Status = model.SubscriptionMatchFailed
		sub.LastError = message
		e.saveSubscription(sub)
		res.item = e.failedItem(sub.ID, fmt.Sprintf("%s: %s", kind, message))
		e.bump(progressFailed, 1)
		e.bump(progressDone, 1)
		return res
	}

	sub.SourceURL = fetch.Candidate.URL
	sub.PreferredProvider = fetch.Candidate.Provider
	sub.Status = model.SubscriptionActive
	sub.LastError = ""
	e.saveSubscription(sub)

	return e.finishSuccess(ctx, res, sub, fetch.Articles)
}

func (e *Engine) syncViaDiscovery(ctx context.Context, runID int64, sub *model.Subscription, day, since time.Time) *subResult {
	res := &subResult{subID: sub.ID}

	outcome := e.Discovery.Discover(ctx, sub, day)
	res.discovery = &model.DiscoveryRun{
		SubscriptionID: sub.ID,
		ChannelUsed:    outcome.ChannelUsed,
		Status:         outcome.Status,
		RefCount:       len(outcome.Refs),
		ErrorKind:      outcome.ErrorKind,
		ErrorMessage:   outcome.ErrorMessage,
		LatencyMs:      outcome.LatencyMs,
		CreatedAtNs:    e.now().UnixNano(),
	}
	sub.DiscoveryStatus = outcome.Status

	switch outcome.Status {
	case model.DiscoverySuccess:
		sub.Status = model.SubscriptionActive
		sub.LastError = ""
		e.saveSubscription(sub)
		articles := e.Discovery.Materialize(ctx, outcome.Refs, since)
		return e.finishSuccess(ctx, res, sub, articles)

	case model.DiscoveryDelayed:
		// Soft outcome: the channel may simply not have published yet. No
		// run item is written, so the incremental cursor stays put and the
		// next pass rediscovers from the start of the day.
		sub.LastError = outcome.ErrorMessage
		e.saveSubscription(sub)
		e.bump(progressDelayed, 1)
		e.bump(progressDone, 1)
		return res

	default:
		kind := outcome.ErrorKind
		if kind == "" {
			kind = model.ErrKindUnknown
		}
		sub.Status = model.SubscriptionMatchFailed
		sub.LastError = outcome.ErrorMessage
		e.saveSubscription(sub)
		res.item = e.failedItem(sub.ID, fmt.Sprintf("%s: %s", kind, outcome.ErrorMessage))
		e.bump(progressFailed, 1)
		e.bump(progressDone, 1)
		return res
	}
}

// finishSuccess upserts the fetched articles and records the SUCCESS item.
// A store failure mid-batch flips the item to FAILED; articles committed
// before the failure stay and still get the summary repair pass.
func (e *Engine) finishSuccess(ctx context.Context, res *subResult, sub *model.Subscription, articles []model.RawArticle) *subResult {
	newIDs, err := e.recordArticles(ctx, sub, articles)
	res.newIDs = newIDs
	if err != nil {
		log.Printf("[syncer] record articles sub=%d: %v", sub.ID, err)
		sub.LastError = err.Error()
		e.saveSubscription(sub)
		res.item = e.failedItem(sub.ID, err.Error())
		e.bump(progressFailed, 1)
		e.bump(progressDone, 1)
		return res
	}
	res.item = &model.SyncRunItem{
		SubscriptionID: sub.ID,
		Status:         model.RunItemSuccess,
		NewCount:       len(newIDs),
		FinishedAtNs:   e.now().UnixNano(),
	}
	e.bump(progressSucceeded, 1)
	e.bump(progressNew, int64(len(newIDs)))
	e.bump(progressDone, 1)
	return res
}

func (e *Engine) failedItem(subscriptionID int64, message string) *model.SyncRunItem {
	return &model.SyncRunItem{
		SubscriptionID: subscriptionID,
		Status:         model.RunItemFailed,
		ErrorMessage:   message,
		FinishedAtNs:   e.now().UnixNano(),
	}
}

func (e *Engine) saveSubscription(sub *model.Subscription) {
	sub.UpdatedAtNs = e.now().UnixNano()
	if err := e.Store.UpdateSubscription(*sub); err != nil {
		log.Printf("[syncer] update subscription %d: %v", sub.ID, err)
	}
}

func (e *Engine) recordArticles(ctx context.Context, sub *model.Subscription, articles []model.RawArticle) ([]int64, error) {
	var newIDs []int64
	for _, raw := range articles {
		id, fresh, err := e.upsertArticle(ctx, sub, raw)
		if err != nil {
			return newIDs, err
		}
		if fresh {
			newIDs = append(newIDs, id)
		}
	}
	return newIDs, nil
}

// upsertArticle applies the acquisition upsert rules. An article is created
// at most once per (subscription, external_id); re-observations refresh the
// mutable fields but never title or url, and do not count as new.
func (e *Engine) upsertArticle(ctx context.Context, sub *model.Subscription, raw model.RawArticle) (int64, bool, error) {
	existing, err := e.Store.GetArticleByExternalID(sub.ID, raw.ExternalID)
	if err != nil {
		return 0, false, fmt.Errorf("load article %s: %w", raw.ExternalID, err)
	}
	publishedNs := raw.PublishedAt.UTC().UnixNano()

	if existing != nil {
		excerpt := existing.ContentExcerpt
		if raw.ContentExcerpt != "" {
			excerpt = raw.ContentExcerpt
		}
		rawHash := existing.RawHash
		if raw.RawHash != "" {
			rawHash = raw.RawHash
		}
		changed := publishedNs != existing.PublishedAtNs ||
			excerpt != existing.ContentExcerpt ||
			rawHash != existing.RawHash
		if changed {
			if err := e.Store.UpdateArticleObserved(existing.ID, publishedNs, excerpt, rawHash, e.now().UnixNano()); err != nil {
				return 0, false, fmt.Errorf("update article %d: %w", existing.ID, err)
			}
		}
		return existing.ID, false, nil
	}

	id, err := e.Store.InsertArticle(model.Article{
		SubscriptionID: sub.ID,
		ExternalID:     raw.ExternalID,
		Title:          raw.Title,
		URL:            raw.URL,
		PublishedAtNs:  publishedNs,
		FetchedAtNs:    e.now().UnixNano(),
		ContentExcerpt: raw.ContentExcerpt,
		RawHash:        raw.RawHash,
	})
	if err != nil {
		return 0, false, fmt.Errorf("insert article %s: %w", raw.ExternalID, err)
	}

	summary := e.Summarizer.Summarize(ctx, raw)
	if err := e.Store.UpsertSummary(model.ArticleSummary{
		ArticleID:   id,
		Summary:     summary.Text,
		Model:       summary.Model,
		CreatedAtNs: e.now().UnixNano(),
	}); err != nil {
		return 0, false, fmt.Errorf("store summary %d: %w", id, err)
	}

	text := recommend.EmbeddingText(raw.Title, summary.Text, raw.ContentExcerpt)
	if _, err := e.Recommender.EnsureArticleEmbedding(ctx, id, text); err != nil {
		// Scoring degrades without the vector; the recompute pass retries.
		log.Printf("[syncer] embed article %d: %v", id, err)
	}
	return id, true, nil
}

// applyLiveMetrics fills the v1 metric family: per failed subscription the
// day's cached articles decide whether stale content can stand in.
func (e *Engine) applyLiveMetrics(run *model.SyncRun, results []*subResult, dayStartNs, dayEndNs int64) {
	for _, res := range results {
		if res == nil || res.item == nil {
			continue
		}
		if res.item.Status == model.RunItemSuccess {
			run.LiveOk++
			continue
		}
		run.LiveFailed++
		cached, err := e.Store.ListArticlesBySubscriptionBetween(res.subID, dayStartNs, dayEndNs)
		if err != nil {
			log.Printf("[syncer] load cached articles sub=%d: %v", res.subID, err)
			continue
		}
		if len(cached) > 0 {
			run.StaleUsed++
		}
	}
}
