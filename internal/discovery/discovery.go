// Package discovery implements the v2 acquisition path. Instead of polling
// a feed, it asks per-article link providers (signed-in channels first, web
// search last) for the day's article URLs, persists them as refs, and
// materializes full articles by fetching each page directly.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
	"github.com/wxagent/wxagent/internal/store"
)

// backtrackRefWindow is how many prior refs feed the history-backtrack rescue.
const backtrackRefWindow = 30

// Provider is one discovery channel. Providers return per-article link
// hints; they never touch the articles table themselves.
type Provider interface {
	Name() string
	Search(ctx context.Context, sub *model.Subscription, day time.Time) ([]model.DiscoveredRef, error)
}

// Orchestrator runs the provider chain for one subscription, falls back to
// history backtracking, and persists every discovered ref.
type Orchestrator struct {
	Store     *store.Store
	Providers []Provider
	// Index serves history-backtrack requeries. It does not have to be part
	// of the provider chain.
	Index             *SearchIndexProvider
	Fetch             netutil.Downloader
	MidnightShiftDays int

	// Now is injectable for tests.
	Now func() time.Time
}

// NewOrchestrator wires an orchestrator with a direct article downloader.
func NewOrchestrator(st *store.Store, providers []Provider, index *SearchIndexProvider, fetchTimeout time.Duration, midnightShiftDays int) *Orchestrator {
	return &Orchestrator{
		Store:             st,
		Providers:         providers,
		Index:             index,
		Fetch:             netutil.NewDirectDownloader(fetchTimeout),
		MidnightShiftDays: midnightShiftDays,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Discover asks each provider in order for the subscription's article links
// on the target day. The first provider returning a non-empty list wins;
// when all come back empty a history backtrack over known refs is tried.
// Every surviving ref is upserted into article_refs. The result is DELAYED
// rather than FAILED when nothing surfaced but no provider hard-failed: the
// channel may simply not have published yet.
func (o *Orchestrator) Discover(ctx context.Context, sub *model.Subscription, day time.Time) model.DiscoveryResult {
	started := o.now()
	lastKind := model.ErrKindSearchEmpty
	lastMessage := "未发现文章链接"
	var all []model.DiscoveredRef
	var notes []string

	for _, provider := range o.Providers {
		refs, err := provider.Search(ctx, sub, day)
		if err != nil {
			lastKind, lastMessage = classifyDiscoveryError(err)
			notes = append(notes, fmt.Sprintf("%s=error(%s)", provider.Name(), lastKind))
			continue
		}
		filtered := refs[:0:0]
		for _, ref := range refs {
			if ref.URL != "" {
				filtered = append(filtered, ref)
			}
		}
		notes = append(notes, fmt.Sprintf("%s=%d", provider.Name(), len(filtered)))
		if len(filtered) > 0 {
			all = filtered
			break
		}
	}

	if len(all) == 0 {
		history := o.historyBacktrack(ctx, sub, day)
		if len(history) > 0 {
			all = history
			notes = append(notes, fmt.Sprintf("history_backtrack=%d", len(history)))
		} else {
			notes = append(notes, "history_backtrack=0")
		}
	}

	if len(all) == 0 {
		message := lastMessage
		if len(notes) > 0 {
			message = fmt.Sprintf("%s (%s)", lastMessage, strings.Join(notes, ", "))
		}
		status := model.DiscoveryFailed
		if lastKind == model.ErrKindSearchEmpty {
			status = model.DiscoveryDelayed
		}
		return model.DiscoveryResult{
			Status:       status,
			ErrorKind:    lastKind,
			ErrorMessage: message,
			LatencyMs:    o.now().Sub(started).Milliseconds(),
		}
	}

	dedup := make(map[string]model.DiscoveredRef, len(all))
	var order []string
	for _, ref := range all {
		previous, known := dedup[ref.URL]
		if !known {
			order = append(order, ref.URL)
		}
		if !known || ref.Confidence > previous.Confidence {
			dedup[ref.URL] = ref
		}
		if err := o.upsertRef(sub.ID, ref); err != nil {
			log.Printf("[discovery] upsert ref %s: %v", ref.URL, err)
		}
	}

	refs := make([]model.DiscoveredRef, 0, len(order))
	for _, u := range order {
		refs = append(refs, dedup[u])
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Confidence > refs[j].Confidence })

	return model.DiscoveryResult{
		Status:      model.DiscoverySuccess,
		ChannelUsed: refs[0].Channel,
		Refs:        refs,
		LatencyMs:   o.now().Sub(started).Milliseconds(),
	}
}

func (o *Orchestrator) upsertRef(subscriptionID int64, ref model.DiscoveredRef) error {
	var hintNs int64
	if !ref.PublishedHint.IsZero() {
		hintNs = ref.PublishedHint.UnixNano()
	}
	return o.Store.UpsertRef(model.ArticleRef{
		SubscriptionID:  subscriptionID,
		URL:             ref.URL,
		TitleHint:       ref.TitleHint,
		PublishedHintNs: hintNs,
		Channel:         ref.Channel,
		Confidence:      ref.Confidence,
		CreatedAtNs:     o.now().UnixNano(),
	})
}

// historyBacktrack requeries the search index with the channel identifiers
// (__biz) seen on this subscription's recent refs. Results are tagged with
// the backtrack channel and capped at a conservative confidence.
func (o *Orchestrator) historyBacktrack(ctx context.Context, sub *model.Subscription, day time.Time) []model.DiscoveredRef {
	rows, err := o.Store.ListRecentRefs(sub.ID, backtrackRefWindow)
	if err != nil {
		log.Printf("[discovery] list refs for backtrack: %v", err)
		return nil
	}
	bizSet := make(map[string]bool)
	for _, row := range rows {
		u, err := url.Parse(row.URL)
		if err != nil {
			continue
		}
		if biz := strings.TrimSpace(u.Query().Get("__biz")); biz != "" {
			bizSet[biz] = true
		}
	}
	if len(bizSet) == 0 {
		return nil
	}
	bizValues := make([]string, 0, len(bizSet))
	for biz := range bizSet {
		bizValues = append(bizValues, biz)
	}
	sort.Strings(bizValues)

	var refs []model.DiscoveredRef
	for _, biz := range bizValues {
		query := fmt.Sprintf("site:mp.weixin.qq.com __biz=%s %s", biz, day.Format("2006-01-02"))
		refs = append(refs, o.Index.SearchByQuery(ctx, query, 3, time.Time{})...)
	}
	for i := range refs {
		refs[i].Channel = model.ChannelHistoryBacktrack
		if refs[i].Confidence > 0.55 {
			refs[i].Confidence = 0.55
		}
	}
	return refs
}

// classifyDiscoveryError maps a provider failure onto the discovery
// taxonomy. Matching stays mostly textual because provider errors cross
// several transports (vault, HTTP, store); unrecognized failures count as
// SEARCH_EMPTY so a flaky provider does not mark the whole day failed.
func classifyDiscoveryError(err error) (model.ErrorKind, string) {
	text := err.Error()
	lowered := strings.ToLower(text)

	switch {
	case strings.Contains(lowered, "auth_expired"),
		strings.Contains(lowered, "auth_required"),
		strings.Contains(text, "登录态"):
		return model.ErrKindAuthExpired, text
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(lowered, "timed out"),
		strings.Contains(lowered, "timeout"),
		strings.Contains(lowered, "deadline exceeded"):
		return model.ErrKindTimeout, text
	case strings.Contains(lowered, "403"):
		return model.ErrKindFetchBlocked, text
	case strings.Contains(lowered, "404"):
		return model.ErrKindNotFound, text
	default:
		return model.ErrKindSearchEmpty, text
	}
}
