// Package source implements the v1 acquisition path: feed-candidate
// discovery across providers, persisted candidate state, health-aware
// routing, and failover fetch under a per-candidate circuit breaker.
package source

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/feed"
	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
)

// Provider is one way of turning a subscription into fetchable feed
// candidates. Probe must be cheap enough to run before every fetch.
type Provider interface {
	Name() string
	Discover(ctx context.Context, sub *model.Subscription) ([]model.Candidate, error)
	Probe(ctx context.Context, cand model.Candidate) model.ProbeResult
	Fetch(ctx context.Context, cand model.Candidate, since time.Time) ([]model.RawArticle, error)
}

// FeedFetcher is the shared HTTP+parse engine behind every feed-backed
// provider. One instance is shared across providers so they present the
// same browser profile and timeout.
type FeedFetcher struct {
	Downloader netutil.Downloader
	ShiftDays  int
}

// NewFeedFetcher builds a fetcher with the feed Accept profile.
func NewFeedFetcher(timeout time.Duration, shiftDays int) *FeedFetcher {
	d := netutil.NewDirectDownloader(timeout)
	d.Accept = netutil.AcceptFeed
	return &FeedFetcher{Downloader: d, ShiftDays: shiftDays}
}

// Probe downloads and parses the feed once. A reachable feed with zero
// parseable entries is a failure: it cannot serve articles.
func (f *FeedFetcher) Probe(ctx context.Context, sourceURL string) model.ProbeResult {
	started := time.Now()
	body, err := f.Downloader.Download(ctx, sourceURL)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		kind, _, message := ClassifyError(err)
		return model.ProbeResult{Ok: false, LatencyMs: latency, ErrorKind: kind, ErrorMessage: message}
	}
	if len(feed.Parse(body, sourceURL)) == 0 {
		return model.ProbeResult{
			Ok:           false,
			LatencyMs:    latency,
			ErrorKind:    model.ErrKindParseEmpty,
			ErrorMessage: "源可访问但未解析到文章",
		}
	}
	return model.ProbeResult{Ok: true, LatencyMs: latency}
}

// Fetch downloads the feed, applies the midnight shift, filters entries to
// published_at >= since, and dedups by external id preserving feed order.
func (f *FeedFetcher) Fetch(ctx context.Context, sourceURL string, since time.Time) ([]model.RawArticle, error) {
	body, err := f.Downloader.Download(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	parsed := feed.Parse(body, sourceURL)
	seen := make(map[string]bool, len(parsed))
	articles := make([]model.RawArticle, 0, len(parsed))
	for _, a := range parsed {
		if a.IsMidnightPublish {
			a.PublishedAt = feed.ShiftMidnight(a.PublishedAt, f.ShiftDays)
		}
		if a.PublishedAt.Before(since) {
			continue
		}
		if seen[a.ExternalID] {
			continue
		}
		seen[a.ExternalID] = true
		articles = append(articles, a)
	}
	return articles, nil
}

// candidateFromRow rebuilds the in-flight shape of a stored source row.
func candidateFromRow(row model.SubscriptionSource) model.Candidate {
	return model.Candidate{
		Provider:       row.Provider,
		URL:            row.URL,
		Priority:       row.Priority,
		Pinned:         row.Pinned,
		Confidence:     row.Confidence,
		Metadata:       decodeMetadata(row.MetadataJSON),
		DiscoveredAtNs: row.DiscoveredAtNs,
	}
}

func decodeMetadata(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
