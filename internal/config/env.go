// Package config handles .env-based configuration loading and the immutable
// process-wide settings model.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// AppName is the directory name used under the operator's config root.
const AppName = "wxagent"

// DefaultSourceTemplates are the built-in mirror URL patterns. Each contains
// the {wechat_id} placeholder substituted per subscription.
var DefaultSourceTemplates = []string{
	"https://rsshub.app/wechat/mp/{wechat_id}",
}

// DefaultWechat2RSSIndexURL is the public directory-index listing.
const DefaultWechat2RSSIndexURL = "https://wechat2rss.xlab.app/list/all/"

// Config holds all settings for one process. Built once; never hot-reloaded.
type Config struct {
	// Resolved filesystem locations.
	ConfigDir   string
	EnvFilePath string

	// Storage
	DBURL string

	// AI vendor selection
	AIProvider         string // auto | openai | deepseek
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIChatModel    string
	OpenAIEmbedModel   string
	DeepseekAPIKey     string
	DeepseekBaseURL    string
	DeepseekChatModel  string
	DeepseekEmbedModel string

	// Acquisition
	SourceTemplates            []string
	Wechat2RSSIndexURL         string
	HTTPTimeout                time.Duration
	ArticleFetchTimeout        time.Duration
	MaxConcurrency             int
	SourceMaxCandidates        int
	SourceRetryBackoff         time.Duration
	SourceCircuitFailThreshold int
	SourceCooldown             time.Duration
	MidnightShiftDays          int
	SyncOverlap                time.Duration
	IncrementalSyncEnabled     bool
	DiscoveryV2Enabled         bool

	// Summaries and ranking
	SummarySourceCharLimit int
	EmbeddingVectorSize    int
	HealthWeightSuccess    float64
	HealthWeightLatency    float64
	HealthWeightFreshness  float64
	HealthWeightCoverage   float64
	RecommendTopicWeight   float64
	RecommendFreshWeight   float64

	// Sessions
	SessionProvider string // weread | wechat_web
	SessionBackend  string // auto | keychain | file

	// Reporting and scheduling
	DefaultViewMode   string // source | time | recommend
	CoverageSLATarget float64
	SyncSchedule      string // cron expression for daemon mode
}

// Load resolves the env file (customPath, then XDG config, then ~/.config),
// loads it into the process environment, and builds a validated Config.
// Real environment variables take precedence over file entries.
func Load(customPath string) (*Config, error) {
	cfg := &Config{}
	var errs []string

	dir, envPath := resolveEnvFile(customPath)
	cfg.ConfigDir = dir
	cfg.EnvFilePath = envPath
	if _, err := os.Stat(envPath); err == nil {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	// --- Storage ---
	cfg.DBURL = envStr("WXAGENT_DB_URL", "sqlite:///data/wechat_agent.db")

	// --- AI vendors ---
	cfg.AIProvider = strings.TrimSpace(strings.ToLower(envStr("WXAGENT_AI_PROVIDER", "auto")))
	cfg.OpenAIAPIKey = envStr("WXAGENT_OPENAI_API_KEY", "")
	cfg.OpenAIBaseURL = envStr("WXAGENT_OPENAI_BASE_URL", "https://api.openai.com/v1")
	cfg.OpenAIChatModel = envStr("WXAGENT_OPENAI_CHAT_MODEL", "gpt-4o-mini")
	cfg.OpenAIEmbedModel = envStr("WXAGENT_OPENAI_EMBED_MODEL", "text-embedding-3-small")
	cfg.DeepseekAPIKey = envStr("WXAGENT_DEEPSEEK_API_KEY", "")
	cfg.DeepseekBaseURL = envStr("WXAGENT_DEEPSEEK_BASE_URL", "https://api.deepseek.com")
	cfg.DeepseekChatModel = envStr("WXAGENT_DEEPSEEK_CHAT_MODEL", "deepseek-chat")
	cfg.DeepseekEmbedModel = envStr("WXAGENT_DEEPSEEK_EMBED_MODEL", "")

	// --- Acquisition ---
	cfg.SourceTemplates = envStringSlice("WXAGENT_SOURCE_TEMPLATES", DefaultSourceTemplates, &errs)
	cfg.Wechat2RSSIndexURL = envStr("WXAGENT_WECHAT2RSS_INDEX_URL", DefaultWechat2RSSIndexURL)
	cfg.HTTPTimeout = time.Duration(envInt("WXAGENT_HTTP_TIMEOUT_SECONDS", 15, &errs)) * time.Second
	cfg.ArticleFetchTimeout = time.Duration(envInt("WXAGENT_ARTICLE_FETCH_TIMEOUT_SECONDS", 15, &errs)) * time.Second
	cfg.MaxConcurrency = envInt("WXAGENT_MAX_CONCURRENCY", 5, &errs)
	cfg.SourceMaxCandidates = envInt("WXAGENT_SOURCE_MAX_CANDIDATES", 3, &errs)
	cfg.SourceRetryBackoff = time.Duration(envInt("WXAGENT_SOURCE_RETRY_BACKOFF_MS", 800, &errs)) * time.Millisecond
	cfg.SourceCircuitFailThreshold = envInt("WXAGENT_SOURCE_CIRCUIT_FAIL_THRESHOLD", 3, &errs)
	cfg.SourceCooldown = time.Duration(envInt("WXAGENT_SOURCE_COOLDOWN_MINUTES", 30, &errs)) * time.Minute
	cfg.MidnightShiftDays = envInt("WXAGENT_MIDNIGHT_SHIFT_DAYS", 2, &errs)
	cfg.SyncOverlap = time.Duration(envInt("WXAGENT_SYNC_OVERLAP_SECONDS", 120, &errs)) * time.Second
	cfg.IncrementalSyncEnabled = envBool("WXAGENT_INCREMENTAL_SYNC_ENABLED", true, &errs)
	cfg.DiscoveryV2Enabled = envBool("WXAGENT_DISCOVERY_V2_ENABLED", false, &errs)

	// --- Summaries and ranking ---
	cfg.SummarySourceCharLimit = envInt("WXAGENT_SUMMARY_SOURCE_CHAR_LIMIT", 6000, &errs)
	cfg.EmbeddingVectorSize = envInt("WXAGENT_EMBEDDING_VECTOR_SIZE", 64, &errs)
	cfg.HealthWeightSuccess = envFloat("WXAGENT_HEALTH_WEIGHT_SUCCESS", 0.45, &errs)
	cfg.HealthWeightLatency = envFloat("WXAGENT_HEALTH_WEIGHT_LATENCY", 0.25, &errs)
	cfg.HealthWeightFreshness = envFloat("WXAGENT_HEALTH_WEIGHT_FRESHNESS", 0.20, &errs)
	cfg.HealthWeightCoverage = envFloat("WXAGENT_HEALTH_WEIGHT_COVERAGE", 0.10, &errs)
	cfg.RecommendTopicWeight = envFloat("WXAGENT_RECOMMEND_TOPIC_WEIGHT", 0.7, &errs)
	cfg.RecommendFreshWeight = envFloat("WXAGENT_RECOMMEND_FRESHNESS_WEIGHT", 0.3, &errs)

	// --- Sessions ---
	cfg.SessionProvider = envStr("WXAGENT_SESSION_PROVIDER", "weread")
	cfg.SessionBackend = envStr("WXAGENT_SESSION_BACKEND", "auto")

	// --- Reporting and scheduling ---
	cfg.DefaultViewMode = envStr("WXAGENT_DEFAULT_VIEW_MODE", "source")
	cfg.CoverageSLATarget = envFloat("WXAGENT_COVERAGE_SLA_TARGET", 0.0, &errs)
	cfg.SyncSchedule = envStr("WXAGENT_SYNC_SCHEDULE", "0 8 * * *")

	// --- Validation ---
	switch cfg.AIProvider {
	case "auto", "openai", "deepseek":
	default:
		errs = append(errs, fmt.Sprintf("WXAGENT_AI_PROVIDER: invalid value %q (allowed: auto, openai, deepseek)", cfg.AIProvider))
	}
	switch cfg.DefaultViewMode {
	case "source", "time", "recommend":
	default:
		errs = append(errs, fmt.Sprintf("WXAGENT_DEFAULT_VIEW_MODE: invalid value %q (allowed: source, time, recommend)", cfg.DefaultViewMode))
	}
	switch cfg.SessionProvider {
	case "weread", "wechat_web":
	default:
		errs = append(errs, fmt.Sprintf("WXAGENT_SESSION_PROVIDER: invalid value %q (allowed: weread, wechat_web)", cfg.SessionProvider))
	}
	switch cfg.SessionBackend {
	case "auto", "keychain", "file":
	default:
		errs = append(errs, fmt.Sprintf("WXAGENT_SESSION_BACKEND: invalid value %q (allowed: auto, keychain, file)", cfg.SessionBackend))
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		errs = append(errs, "WXAGENT_DB_URL must not be empty")
	}
	for _, tpl := range cfg.SourceTemplates {
		if !strings.Contains(tpl, "{wechat_id}") {
			errs = append(errs, fmt.Sprintf("WXAGENT_SOURCE_TEMPLATES: template %q missing {wechat_id} placeholder", tpl))
		}
	}
	validatePositive("WXAGENT_HTTP_TIMEOUT_SECONDS", int(cfg.HTTPTimeout/time.Second), &errs)
	validatePositive("WXAGENT_ARTICLE_FETCH_TIMEOUT_SECONDS", int(cfg.ArticleFetchTimeout/time.Second), &errs)
	validatePositive("WXAGENT_MAX_CONCURRENCY", cfg.MaxConcurrency, &errs)
	validatePositive("WXAGENT_SOURCE_MAX_CANDIDATES", cfg.SourceMaxCandidates, &errs)
	validatePositive("WXAGENT_SOURCE_CIRCUIT_FAIL_THRESHOLD", cfg.SourceCircuitFailThreshold, &errs)
	validatePositive("WXAGENT_SOURCE_COOLDOWN_MINUTES", int(cfg.SourceCooldown/time.Minute), &errs)
	validatePositive("WXAGENT_SUMMARY_SOURCE_CHAR_LIMIT", cfg.SummarySourceCharLimit, &errs)
	validatePositive("WXAGENT_EMBEDDING_VECTOR_SIZE", cfg.EmbeddingVectorSize, &errs)
	if cfg.SourceRetryBackoff < 0 {
		errs = append(errs, "WXAGENT_SOURCE_RETRY_BACKOFF_MS must not be negative")
	}
	if cfg.MidnightShiftDays < 0 {
		errs = append(errs, "WXAGENT_MIDNIGHT_SHIFT_DAYS must not be negative")
	}
	if cfg.SyncOverlap < 0 {
		errs = append(errs, "WXAGENT_SYNC_OVERLAP_SECONDS must not be negative")
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"WXAGENT_HEALTH_WEIGHT_SUCCESS", cfg.HealthWeightSuccess},
		{"WXAGENT_HEALTH_WEIGHT_LATENCY", cfg.HealthWeightLatency},
		{"WXAGENT_HEALTH_WEIGHT_FRESHNESS", cfg.HealthWeightFreshness},
		{"WXAGENT_HEALTH_WEIGHT_COVERAGE", cfg.HealthWeightCoverage},
		{"WXAGENT_RECOMMEND_TOPIC_WEIGHT", cfg.RecommendTopicWeight},
		{"WXAGENT_RECOMMEND_FRESHNESS_WEIGHT", cfg.RecommendFreshWeight},
	} {
		if w.value < 0 || w.value > 1 {
			errs = append(errs, fmt.Sprintf("%s: must be within [0,1], got %v", w.name, w.value))
		}
	}
	if cfg.CoverageSLATarget < 0 || cfg.CoverageSLATarget > 1 {
		errs = append(errs, fmt.Sprintf("WXAGENT_COVERAGE_SLA_TARGET: must be within [0,1], got %v", cfg.CoverageSLATarget))
	}
	if _, err := cron.ParseStandard(cfg.SyncSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("WXAGENT_SYNC_SCHEDULE: invalid cron expression %q: %v", cfg.SyncSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// SQLitePath extracts the filesystem path from a sqlite:// DB URL.
// Bare paths are returned unchanged.
func (c *Config) SQLitePath() string {
	u := strings.TrimSpace(c.DBURL)
	switch {
	case strings.HasPrefix(u, "sqlite:////"):
		return u[len("sqlite:///"):] // absolute path, keep leading slash
	case strings.HasPrefix(u, "sqlite:///"):
		return u[len("sqlite:///"):]
	case strings.HasPrefix(u, "sqlite://"):
		return u[len("sqlite://"):]
	default:
		return u
	}
}

// ResolvedAIProvider picks the effective vendor: the explicit setting, or in
// auto mode the first vendor with a key set; "none" when no key is available.
func (c *Config) ResolvedAIProvider() string {
	switch c.AIProvider {
	case "openai":
		if c.OpenAIAPIKey != "" {
			return "openai"
		}
		return "none"
	case "deepseek":
		if c.DeepseekAPIKey != "" {
			return "deepseek"
		}
		return "none"
	default: // auto
		if c.OpenAIAPIKey != "" {
			return "openai"
		}
		if c.DeepseekAPIKey != "" {
			return "deepseek"
		}
		return "none"
	}
}

// ResolvedAPIKey returns the API key for the effective vendor ("" for none).
func (c *Config) ResolvedAPIKey() string {
	switch c.ResolvedAIProvider() {
	case "openai":
		return c.OpenAIAPIKey
	case "deepseek":
		return c.DeepseekAPIKey
	}
	return ""
}

// ResolvedBaseURL returns the API base URL for the effective vendor.
func (c *Config) ResolvedBaseURL() string {
	switch c.ResolvedAIProvider() {
	case "openai":
		return c.OpenAIBaseURL
	case "deepseek":
		return c.DeepseekBaseURL
	}
	return ""
}

// ResolvedChatModel returns the chat model id for the effective vendor.
func (c *Config) ResolvedChatModel() string {
	switch c.ResolvedAIProvider() {
	case "openai":
		return c.OpenAIChatModel
	case "deepseek":
		return c.DeepseekChatModel
	}
	return ""
}

// ResolvedEmbedModel returns the embedding model id for the effective vendor.
// Deepseek exposes no embedding endpoint by default, so this may be empty
// even when chat is available.
func (c *Config) ResolvedEmbedModel() string {
	switch c.ResolvedAIProvider() {
	case "openai":
		return c.OpenAIEmbedModel
	case "deepseek":
		return c.DeepseekEmbedModel
	}
	return ""
}

// ResolveEnvFilePath returns the env file path Load would use, without
// loading or validating anything. Lets `config set` repair a broken file.
func ResolveEnvFilePath(customPath string) string {
	_, envPath := resolveEnvFile(customPath)
	return envPath
}

// resolveEnvFile returns the config directory and env file path, following
// customPath, then $XDG_CONFIG_HOME/wxagent, then ~/.config/wxagent.
func resolveEnvFile(customPath string) (dir, envPath string) {
	if customPath != "" {
		return filepath.Dir(customPath), customPath
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dir = filepath.Join(xdg, AppName)
		return dir, filepath.Join(dir, ".env")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir = filepath.Join(home, ".config", AppName)
	return dir, filepath.Join(dir, ".env")
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
