package model

// SubscriptionStatus tracks how the last acquisition for a subscription ended.
type SubscriptionStatus string

const (
	SubscriptionPending     SubscriptionStatus = "PENDING"
	SubscriptionActive      SubscriptionStatus = "ACTIVE"
	SubscriptionMatchFailed SubscriptionStatus = "MATCH_FAILED"
)

func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionPending, SubscriptionActive, SubscriptionMatchFailed:
		return true
	default:
		return false
	}
}

// DiscoveryStatus classifies a discovery outcome for a subscription.
type DiscoveryStatus string

const (
	DiscoveryPending DiscoveryStatus = "PENDING"
	DiscoverySuccess DiscoveryStatus = "SUCCESS"
	DiscoveryDelayed DiscoveryStatus = "DELAYED"
	DiscoveryFailed  DiscoveryStatus = "FAILED"
)

func (s DiscoveryStatus) IsValid() bool {
	switch s {
	case DiscoveryPending, DiscoverySuccess, DiscoveryDelayed, DiscoveryFailed:
		return true
	default:
		return false
	}
}

// SourceMode selects between automatic candidate discovery and a pinned manual URL.
type SourceMode string

const (
	SourceModeAuto   SourceMode = "auto"
	SourceModeManual SourceMode = "manual"
)

func (m SourceMode) IsValid() bool {
	return m == SourceModeAuto || m == SourceModeManual
}

// HealthState is the circuit state of one feed candidate.
type HealthState string

const (
	HealthClosed   HealthState = "CLOSED"
	HealthOpen     HealthState = "OPEN"
	HealthHalfOpen HealthState = "HALF_OPEN"
)

// AttemptStatus is the outcome of one gateway attempt against a candidate.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
	AttemptSkipped AttemptStatus = "SKIPPED"
)

// RunItemStatus is the per-subscription outcome of a sync run.
type RunItemStatus string

const (
	RunItemSuccess RunItemStatus = "SUCCESS"
	RunItemFailed  RunItemStatus = "FAILED"
)

// BindStatus is the state of a subscription-to-official-account binding.
type BindStatus string

const (
	BindBound     BindStatus = "BOUND"
	BindAmbiguous BindStatus = "AMBIGUOUS"
	BindUnmatched BindStatus = "UNMATCHED"
)

// Feed provider names. These form a closed enumeration; providers register
// under exactly one of them.
const (
	ProviderManual    = "manual"
	ProviderTemplate  = "rsshub_mirror"
	ProviderDirectory = "wechat2rss_index"
	// ProviderNone marks a failure attempt recorded when no candidate exists.
	ProviderNone = "none"
)

// Discovery channel names for the v2 acquisition path.
const (
	ChannelWeread           = "weread"
	ChannelWechatWeb        = "wechat_web"
	ChannelSearchIndex      = "search_index"
	ChannelHistoryBacktrack = "history_backtrack"
)
