// Package model defines domain records shared across the persistence layer
// and the acquisition pipeline.
package model

// Subscription is a tracked public channel.
type Subscription struct {
	ID                int64              `json:"id"`
	WechatID          string             `json:"wechat_id"`
	Name              string             `json:"name"`
	Status            SubscriptionStatus `json:"status"`
	DiscoveryStatus   DiscoveryStatus    `json:"discovery_status"`
	PreferredProvider string             `json:"preferred_provider"`
	SourceMode        SourceMode         `json:"source_mode"`
	SourceURL         string             `json:"source_url"`
	LastError         string             `json:"last_error"`
	CreatedAtNs       int64              `json:"created_at_ns"`
	UpdatedAtNs       int64              `json:"updated_at_ns"`
}

// SubscriptionSource is a stored (provider, url) feed candidate.
type SubscriptionSource struct {
	ID             int64   `json:"id"`
	SubscriptionID int64   `json:"subscription_id"`
	Provider       string  `json:"provider"`
	URL            string  `json:"url"`
	Priority       int     `json:"priority"`
	Pinned         bool    `json:"pinned"`
	Active         bool    `json:"active"`
	Confidence     float64 `json:"confidence"`
	DiscoveredAtNs int64   `json:"discovered_at_ns"`
	MetadataJSON   string  `json:"metadata_json"`
}

// SourceHealth is the rolling reliability record per (subscription, provider, url).
type SourceHealth struct {
	ID                  int64       `json:"id"`
	SubscriptionID      int64       `json:"subscription_id"`
	Provider            string      `json:"provider"`
	URL                 string      `json:"url"`
	State               HealthState `json:"state"`
	Score               float64     `json:"score"`
	SuccessRate24h      float64     `json:"success_rate_24h"`
	AvgLatencyMs        float64     `json:"avg_latency_ms"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CooldownUntilNs     int64       `json:"cooldown_until_ns"` // 0 = no cooldown
	LastOkAtNs          int64       `json:"last_ok_at_ns"`     // 0 = never
	LastError           string      `json:"last_error"`
	UpdatedAtNs         int64       `json:"updated_at_ns"`
}

// FetchAttempt is an immutable log row for one gateway attempt.
type FetchAttempt struct {
	ID             int64         `json:"id"`
	SyncRunID      int64         `json:"sync_run_id"`
	SubscriptionID int64         `json:"subscription_id"`
	Provider       string        `json:"provider"`
	URL            string        `json:"url"`
	Status         AttemptStatus `json:"status"`
	HTTPCode       int           `json:"http_code"`
	LatencyMs      int64         `json:"latency_ms"`
	ErrorKind      ErrorKind     `json:"error_kind"`
	ErrorMessage   string        `json:"error_message"`
	CreatedAtNs    int64         `json:"created_at_ns"`
}

// Article is a unique acquired item, keyed by (subscription, external_id).
type Article struct {
	ID             int64  `json:"id"`
	SubscriptionID int64  `json:"subscription_id"`
	ExternalID     string `json:"external_id"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	PublishedAtNs  int64  `json:"published_at_ns"`
	FetchedAtNs    int64  `json:"fetched_at_ns"`
	ContentExcerpt string `json:"content_excerpt"`
	RawHash        string `json:"raw_hash"`
}

// ArticleSummary is the 1:1 short summary for an article.
type ArticleSummary struct {
	ArticleID   int64  `json:"article_id"`
	Summary     string `json:"summary"`
	Model       string `json:"model"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

// ReadState is the 1:1 read flag for an article.
type ReadState struct {
	ArticleID int64 `json:"article_id"`
	IsRead    bool  `json:"is_read"`
	ReadAtNs  int64 `json:"read_at_ns"` // 0 = unread
}

// ArticleEmbedding is the 1:1 dense vector for an article.
type ArticleEmbedding struct {
	ArticleID   int64     `json:"article_id"`
	Vector      []float64 `json:"vector"`
	Model       string    `json:"model"`
	CreatedAtNs int64     `json:"created_at_ns"`
}

// RecommendationScore is the 1:1 relevance score for an article.
type RecommendationScore struct {
	ArticleID  int64   `json:"article_id"`
	Score      float64 `json:"score"`
	DetailJSON string  `json:"detail_json"`
	ScoredAtNs int64   `json:"scored_at_ns"`
}

// SyncRun is one execution of the sync engine.
type SyncRun struct {
	ID              int64  `json:"id"`
	Trigger         string `json:"trigger"`
	StartedAtNs     int64  `json:"started_at_ns"`
	FinishedAtNs    int64  `json:"finished_at_ns"` // 0 = still running or cancelled
	SuccessCount    int    `json:"success_count"`
	FailCount       int    `json:"fail_count"`
	NewArticleCount int    `json:"new_article_count"`

	// v1 live-fetch metrics.
	LiveOk     int `json:"live_ok"`
	LiveFailed int `json:"live_failed"`
	StaleUsed  int `json:"stale_used"`

	// v2 discovery metrics.
	DiscoverOk      int `json:"discover_ok"`
	DiscoverDelayed int `json:"discover_delayed"`
	DiscoverFailed  int `json:"discover_failed"`
}

// SyncRunItem is the per-subscription outcome within a SyncRun.
type SyncRunItem struct {
	ID             int64         `json:"id"`
	SyncRunID      int64         `json:"sync_run_id"`
	SubscriptionID int64         `json:"subscription_id"`
	Status         RunItemStatus `json:"status"`
	NewCount       int           `json:"new_count"`
	ErrorMessage   string        `json:"error_message"`
	FinishedAtNs   int64         `json:"finished_at_ns"`
}

// DiscoveryRun is the per-subscription discovery outcome within a SyncRun.
type DiscoveryRun struct {
	ID             int64           `json:"id"`
	SyncRunID      int64           `json:"sync_run_id"`
	SubscriptionID int64           `json:"subscription_id"`
	ChannelUsed    string          `json:"channel_used"`
	Status         DiscoveryStatus `json:"status"`
	RefCount       int             `json:"ref_count"`
	ErrorKind      ErrorKind       `json:"error_kind"`
	ErrorMessage   string          `json:"error_message"`
	LatencyMs      int64           `json:"latency_ms"`
	CreatedAtNs    int64           `json:"created_at_ns"`
}

// ArticleRef is a discovered per-article URL hint, keyed by (subscription, url).
type ArticleRef struct {
	ID              int64   `json:"id"`
	SubscriptionID  int64   `json:"subscription_id"`
	URL             string  `json:"url"`
	TitleHint       string  `json:"title_hint"`
	PublishedHintNs int64   `json:"published_hint_ns"` // 0 = unknown
	Channel         string  `json:"channel"`
	Confidence      float64 `json:"confidence"`
	CreatedAtNs     int64   `json:"created_at_ns"`
}

// AuthSession is the non-sensitive record of a stored credential.
// The secret itself lives in the vault backend, never in the database.
type AuthSession struct {
	ID           int64  `json:"id"`
	Provider     string `json:"provider"`
	MetadataJSON string `json:"metadata_json"`
	ExpiresAtNs  int64  `json:"expires_at_ns"` // 0 = no expiry recorded
	UpdatedAtNs  int64  `json:"updated_at_ns"`
}

// CoverageDaily is the per-date acquisition coverage rollup.
type CoverageDaily struct {
	Date               string  `json:"date"` // YYYY-MM-DD in the operator's zone
	TotalSubscriptions int     `json:"total_subscriptions"`
	SuccessCount       int     `json:"success_count"`
	DelayedCount       int     `json:"delayed_count"`
	FailedCount        int     `json:"failed_count"`
	CoverageRatio      float64 `json:"coverage_ratio"`
	DetailJSON         string  `json:"detail_json"`
	GeneratedAtNs      int64   `json:"generated_at_ns"`
}

// WechatAccount is a logged-in web-channel account.
type WechatAccount struct {
	ID            int64  `json:"id"`
	Fingerprint   string `json:"fingerprint"`
	Nickname      string `json:"nickname"`
	LastLoginAtNs int64  `json:"last_login_at_ns"`
}

// WechatSyncState holds the per-account incremental sync cursor.
type WechatSyncState struct {
	AccountID   int64  `json:"account_id"`
	SyncKeyJSON string `json:"sync_key_json"`
	SyncedAtNs  int64  `json:"synced_at_ns"`
}

// OfficialAccount is a channel sender observed on a web-channel account.
type OfficialAccount struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	UserName  string `json:"user_name"`
	Nickname  string `json:"nickname"`
}

// InboundMessage is an article link captured from the web-channel inbox.
type InboundMessage struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	UserName  string `json:"user_name"`
	MsgID     string `json:"msg_id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	MsgTimeNs int64  `json:"msg_time_ns"`
}

// SubscriptionBinding links a subscription to a web-channel official account.
type SubscriptionBinding struct {
	SubscriptionID int64      `json:"subscription_id"`
	UserName       string     `json:"user_name"`
	Status         BindStatus `json:"status"`
	Score          float64    `json:"score"`
	BoundAtNs      int64      `json:"bound_at_ns"`
}
