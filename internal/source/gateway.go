package source

import (
	"context"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
)

// Gateway runs candidate discovery, ranking and failover fetching for one
// subscription. Providers are consulted in registration order so manual
// sources always surface before automatic discovery.
type Gateway struct {
	Providers     []Provider
	Router        Router
	Health        *HealthService
	Store         *store.Store
	MaxCandidates int
	Backoff       time.Duration

	// Sleep and Now are injectable for tests.
	Sleep func(time.Duration)
	Now   func() time.Time
}

func NewGateway(st *store.Store, health *HealthService, providers []Provider, maxCandidates int, backoff time.Duration) *Gateway {
	if maxCandidates < 1 {
		maxCandidates = 1
	}
	if backoff < 0 {
		backoff = 0
	}
	return &Gateway{
		Providers:     providers,
		Health:        health,
		Store:         st,
		MaxCandidates: maxCandidates,
		Backoff:       backoff,
	}
}

// DiscoverCandidates merges freshly discovered candidates with stored active
// source rows and returns them ranked best-first. Every discovered candidate
// is persisted into subscription_sources along the way.
func (g *Gateway) DiscoverCandidates(ctx context.Context, sub *model.Subscription) ([]model.Candidate, error) {
	if err := g.demoteLegacyManualSources(sub); err != nil {
		return nil, err
	}
	if err := g.deactivateWeakDirectorySources(sub); err != nil {
		return nil, err
	}

	now := g.now().UnixNano()
	dedup := make(map[model.HealthKey]model.Candidate)
	var order []model.HealthKey
	for _, provider := range g.Providers {
		candidates, err := provider.Discover(ctx, sub)
		if err != nil {
			return nil, err
		}
		for _, cand := range candidates {
			key := cand.Key()
			previous, seen := dedup[key]
			if !seen {
				order = append(order, key)
				dedup[key] = cand
			} else if cand.Priority < previous.Priority {
				dedup[key] = cand
			}
			if err := g.upsertSource(sub.ID, cand, now); err != nil {
				return nil, err
			}
		}
	}

	// Previously stored sources stay in rotation even when no provider
	// re-discovered them this pass.
	stored, err := g.Store.ListSources(sub.ID, true)
	if err != nil {
		return nil, err
	}
	for _, row := range stored {
		key := model.HealthKey{Provider: row.Provider, URL: row.URL}
		if _, seen := dedup[key]; seen {
			continue
		}
		order = append(order, key)
		dedup[key] = candidateFromRow(row)
	}

	merged := make([]model.Candidate, 0, len(order))
	for _, key := range order {
		merged = append(merged, dedup[key])
	}

	health, err := g.Health.LoadHealthMap(sub.ID)
	if err != nil {
		return nil, err
	}
	return g.Router.Rank(sub, merged, health), nil
}

// FetchWithFailover walks ranked candidates until one yields articles,
// recording an attempt per candidate and respecting open circuits. It only
// returns a non-nil error for store failures; fetch failures are reported in
// the result.
func (g *Gateway) FetchWithFailover(ctx context.Context, syncRunID int64, sub *model.Subscription, since time.Time) (model.SourceFetchResult, error) {
	candidates, err := g.DiscoverCandidates(ctx, sub)
	if err != nil {
		return model.SourceFetchResult{}, err
	}
	if len(candidates) == 0 {
		placeholder := model.Candidate{
			Provider:       model.ProviderNone,
			Priority:       999,
			DiscoveredAtNs: g.now().UnixNano(),
		}
		return model.SourceFetchResult{
			Ok:           false,
			Candidate:    &placeholder,
			ErrorKind:    model.ErrKindNotFound,
			ErrorMessage: "未发现可用候选源",
		}, nil
	}

	attempts := 0
	lastKind := model.ErrKindUnknown
	lastMessage := "未知错误"
	for _, cand := range candidates {
		if attempts >= g.MaxCandidates {
			break
		}
		attempts++
		provider := g.provider(cand.Provider)
		if provider == nil {
			continue
		}

		skip, err := g.Health.ShouldSkipForCircuit(sub.ID, cand)
		if err != nil {
			return model.SourceFetchResult{}, err
		}
		if skip {
			if err := g.Health.RecordAttempt(sub.ID, syncRunID, cand, model.AttemptSkipped, 0,
				model.ErrKindCircuitOpen, "源处于熔断冷却期"); err != nil {
				return model.SourceFetchResult{}, err
			}
			continue
		}

		probe := provider.Probe(ctx, cand)
		if !probe.Ok {
			lastKind = probe.ErrorKind
			if lastKind == "" {
				lastKind = model.ErrKindUnknown
			}
			lastMessage = probe.ErrorMessage
			if lastMessage == "" {
				lastMessage = "源探测失败"
			}
			if err := g.Health.RecordAttempt(sub.ID, syncRunID, cand, model.AttemptFailed,
				probe.LatencyMs, lastKind, lastMessage); err != nil {
				return model.SourceFetchResult{}, err
			}
			continue
		}

		result := g.fetchWithRetry(ctx, provider, cand, since)
		if result.Ok {
			if err := g.Health.RecordAttempt(sub.ID, syncRunID, cand, model.AttemptSuccess,
				result.LatencyMs, "", ""); err != nil {
				return model.SourceFetchResult{}, err
			}
			return result, nil
		}

		lastKind = result.ErrorKind
		if lastKind == "" {
			lastKind = model.ErrKindUnknown
		}
		lastMessage = result.ErrorMessage
		if lastMessage == "" {
			lastMessage = "抓取失败"
		}
		if err := g.Health.RecordAttempt(sub.ID, syncRunID, cand, model.AttemptFailed,
			result.LatencyMs, lastKind, lastMessage); err != nil {
			return model.SourceFetchResult{}, err
		}
	}

	first := candidates[0]
	return model.SourceFetchResult{
		Ok:           false,
		Candidate:    &first,
		ErrorKind:    lastKind,
		ErrorMessage: lastMessage,
	}, nil
}

// fetchWithRetry fetches once, retrying a single time on transient kinds.
// Latency spans the whole call including the backoff pause.
func (g *Gateway) fetchWithRetry(ctx context.Context, provider Provider, cand model.Candidate, since time.Time) model.SourceFetchResult {
	started := g.now()
	for attempt := 0; attempt < 2; attempt++ {
		articles, err := provider.Fetch(ctx, cand, since)
		if err == nil {
			return model.SourceFetchResult{
				Ok:        true,
				Candidate: &cand,
				Articles:  articles,
				LatencyMs: g.now().Sub(started).Milliseconds(),
			}
		}
		kind, _, message := ClassifyError(err)
		if kind.Retryable() && attempt == 0 && g.Backoff > 0 {
			g.sleep(g.Backoff)
			continue
		}
		return model.SourceFetchResult{
			Ok:           false,
			Candidate:    &cand,
			LatencyMs:    g.now().Sub(started).Milliseconds(),
			ErrorKind:    kind,
			ErrorMessage: message,
		}
	}
	return model.SourceFetchResult{
		Ok:           false,
		Candidate:    &cand,
		LatencyMs:    g.now().Sub(started).Milliseconds(),
		ErrorKind:    model.ErrKindUnknown,
		ErrorMessage: "抓取失败",
	}
}

func (g *Gateway) upsertSource(subscriptionID int64, cand model.Candidate, nowNs int64) error {
	existing, err := g.Store.GetSourceByKey(subscriptionID, cand.Provider, cand.URL)
	if err != nil {
		return err
	}
	if existing == nil {
		discovered := cand.DiscoveredAtNs
		if discovered == 0 {
			discovered = nowNs
		}
		_, err := g.Store.InsertSource(model.SubscriptionSource{
			SubscriptionID: subscriptionID,
			Provider:       cand.Provider,
			URL:            cand.URL,
			Priority:       cand.Priority,
			Pinned:         cand.Pinned,
			Active:         true,
			Confidence:     cand.Confidence,
			DiscoveredAtNs: discovered,
			MetadataJSON:   encodeMetadata(cand.Metadata),
		})
		return err
	}

	existing.Priority = cand.Priority
	existing.Active = true
	existing.Confidence = cand.Confidence
	// Pinning only escalates here; unpinning is an explicit operator action.
	if cand.Pinned {
		existing.Pinned = true
	}
	if metadata := encodeMetadata(cand.Metadata); metadata != "" {
		existing.MetadataJSON = metadata
	}
	if cand.DiscoveredAtNs != 0 {
		existing.DiscoveredAtNs = cand.DiscoveredAtNs
	}
	return g.Store.UpdateSource(*existing)
}

// demoteLegacyManualSources unpins and deactivates manual rows that were
// auto-seeded from the subscription's legacy source_url, so switching to
// auto mode does not keep resurrecting them.
func (g *Gateway) demoteLegacyManualSources(sub *model.Subscription) error {
	rows, err := g.Store.ListSources(sub.ID, false)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Provider != model.ProviderManual {
			continue
		}
		legacy, _ := decodeMetadata(row.MetadataJSON)["legacy"].(bool)
		if !legacy {
			continue
		}
		row.Pinned = false
		row.Active = false
		row.Priority = max(row.Priority, 95)
		if err := g.Store.UpdateSource(row); err != nil {
			return err
		}
	}
	return nil
}

// deactivateWeakDirectorySources drops directory-index rows whose stored
// match score is below the baseline, cleaning up accidental matches from
// earlier runs.
func (g *Gateway) deactivateWeakDirectorySources(sub *model.Subscription) error {
	rows, err := g.Store.ListSources(sub.ID, true)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Provider != model.ProviderDirectory {
			continue
		}
		score := 0
		if v, ok := decodeMetadata(row.MetadataJSON)["score"].(float64); ok {
			score = int(v)
		}
		if score >= directoryMinScore {
			continue
		}
		row.Active = false
		if err := g.Store.UpdateSource(row); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) provider(name string) Provider {
	for _, p := range g.Providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (g *Gateway) sleep(d time.Duration) {
	if g.Sleep != nil {
		g.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
