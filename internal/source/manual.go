package source

import (
	"context"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
)

// ManualProvider surfaces operator-entered feed URLs stored as manual
// source rows. For manual-mode subscriptions that still carry a bare
// subscription-level URL from before per-source rows existed, it emits a
// pinned legacy candidate so the URL keeps working until re-entered.
type ManualProvider struct {
	Store *store.Store
	Feed  *FeedFetcher
	Now   func() time.Time
}

func (p *ManualProvider) Name() string { return model.ProviderManual }

func (p *ManualProvider) Discover(_ context.Context, sub *model.Subscription) ([]model.Candidate, error) {
	rows, err := p.Store.ListSources(sub.ID, true)
	if err != nil {
		return nil, err
	}

	var candidates []model.Candidate
	for _, row := range rows {
		if row.Provider != model.ProviderManual {
			continue
		}
		cand := candidateFromRow(row)
		if cand.Confidence == 0 {
			cand.Confidence = 1.0
		}
		candidates = append(candidates, cand)
	}

	if sub.SourceURL != "" && sub.SourceMode == model.SourceModeManual {
		known := false
		for _, c := range candidates {
			if c.URL == sub.SourceURL {
				known = true
				break
			}
		}
		if !known {
			candidates = append(candidates, model.Candidate{
				Provider:       model.ProviderManual,
				URL:            sub.SourceURL,
				Priority:       0,
				Pinned:         true,
				Confidence:     1.0,
				Metadata:       map[string]any{"legacy": true},
				DiscoveredAtNs: p.now().UnixNano(),
			})
		}
	}
	return candidates, nil
}

func (p *ManualProvider) Probe(ctx context.Context, cand model.Candidate) model.ProbeResult {
	return p.Feed.Probe(ctx, cand.URL)
}

func (p *ManualProvider) Fetch(ctx context.Context, cand model.Candidate, since time.Time) ([]model.RawArticle, error) {
	return p.Feed.Fetch(ctx, cand.URL, since)
}

func (p *ManualProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
