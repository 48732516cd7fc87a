package model

import "time"

// RawArticle is a normalized article record produced by a feed parser or the
// discovery materializer, not yet persisted.
type RawArticle struct {
	ExternalID        string
	Title             string
	URL               string
	PublishedAt       time.Time
	ContentExcerpt    string
	RawHash           string
	IsMidnightPublish bool
}

// Candidate is an in-flight (provider, url) feed candidate before it is
// merged into subscription_sources.
type Candidate struct {
	Provider       string
	URL            string
	Priority       int
	Pinned         bool
	Confidence     float64
	Metadata       map[string]any
	DiscoveredAtNs int64
}

// HealthKey identifies one health row inside an in-memory health map.
type HealthKey struct {
	Provider string
	URL      string
}

// Key returns the candidate's health-map key.
func (c Candidate) Key() HealthKey {
	return HealthKey{Provider: c.Provider, URL: c.URL}
}

// ProbeResult is the outcome of probing a candidate once.
type ProbeResult struct {
	Ok           bool
	LatencyMs    int64
	ErrorKind    ErrorKind
	ErrorMessage string
}

// SourceFetchResult is the outcome of a gateway failover fetch.
type SourceFetchResult struct {
	Ok           bool
	Candidate    *Candidate
	Articles     []RawArticle
	LatencyMs    int64
	ErrorKind    ErrorKind
	ErrorMessage string
}

// DiscoveredRef is an in-flight per-article link hint from a discovery provider.
type DiscoveredRef struct {
	URL           string
	TitleHint     string
	PublishedHint time.Time
	Channel       string
	Confidence    float64
}

// DiscoveryResult is the outcome of one orchestrated discovery pass.
type DiscoveryResult struct {
	Status       DiscoveryStatus
	ChannelUsed  string
	Refs         []DiscoveredRef
	ErrorKind    ErrorKind
	ErrorMessage string
	LatencyMs    int64
}
