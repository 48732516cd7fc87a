package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/config"
	"github.com/wxagent/wxagent/internal/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "查看与修改配置",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "显示当前生效的配置",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFlag)
		if err != nil {
			return err
		}
		printer := output.NewPrinter(useColors())

		printer.Header("wxagent 配置")
		printer.Print("env 文件: %s", config.ResolveEnvFilePath(envFlag))

		tbl := output.NewTable([]string{"key", "value"})
		for _, row := range configRows(cfg) {
			tbl.AddRow([]string{row[0], row[1]})
		}
		tbl.Render()
		return nil
	},
}

// configRows renders every setting in declaration order, masking secrets.
func configRows(cfg *config.Config) [][2]string {
	seconds := func(d time.Duration) string {
		return strconv.Itoa(int(d / time.Second))
	}
	return [][2]string{
		{"WXAGENT_DB_URL", cfg.DBURL},
		{"WXAGENT_AI_PROVIDER", cfg.AIProvider},
		{"WXAGENT_OPENAI_API_KEY", config.MaskSecret(cfg.OpenAIAPIKey)},
		{"WXAGENT_OPENAI_BASE_URL", cfg.OpenAIBaseURL},
		{"WXAGENT_OPENAI_CHAT_MODEL", cfg.OpenAIChatModel},
		{"WXAGENT_OPENAI_EMBED_MODEL", cfg.OpenAIEmbedModel},
		{"WXAGENT_DEEPSEEK_API_KEY", config.MaskSecret(cfg.DeepseekAPIKey)},
		{"WXAGENT_DEEPSEEK_BASE_URL", cfg.DeepseekBaseURL},
		{"WXAGENT_DEEPSEEK_CHAT_MODEL", cfg.DeepseekChatModel},
		{"WXAGENT_DEEPSEEK_EMBED_MODEL", cfg.DeepseekEmbedModel},
		{"WXAGENT_SOURCE_TEMPLATES", strings.Join(cfg.SourceTemplates, ",")},
		{"WXAGENT_WECHAT2RSS_INDEX_URL", cfg.Wechat2RSSIndexURL},
		{"WXAGENT_HTTP_TIMEOUT_SECONDS", seconds(cfg.HTTPTimeout)},
		{"WXAGENT_ARTICLE_FETCH_TIMEOUT_SECONDS", seconds(cfg.ArticleFetchTimeout)},
		{"WXAGENT_MAX_CONCURRENCY", strconv.Itoa(cfg.MaxConcurrency)},
		{"WXAGENT_SOURCE_MAX_CANDIDATES", strconv.Itoa(cfg.SourceMaxCandidates)},
		{"WXAGENT_SOURCE_RETRY_BACKOFF_MS", strconv.Itoa(int(cfg.SourceRetryBackoff / time.Millisecond))},
		{"WXAGENT_SOURCE_CIRCUIT_FAIL_THRESHOLD", strconv.Itoa(cfg.SourceCircuitFailThreshold)},
		{"WXAGENT_SOURCE_COOLDOWN_MINUTES", strconv.Itoa(int(cfg.SourceCooldown / time.Minute))},
		{"WXAGENT_MIDNIGHT_SHIFT_DAYS", strconv.Itoa(cfg.MidnightShiftDays)},
		{"WXAGENT_SYNC_OVERLAP_SECONDS", seconds(cfg.SyncOverlap)},
		{"WXAGENT_INCREMENTAL_SYNC_ENABLED", strconv.FormatBool(cfg.IncrementalSyncEnabled)},
		{"WXAGENT_DISCOVERY_V2_ENABLED", strconv.FormatBool(cfg.DiscoveryV2Enabled)},
		{"WXAGENT_SUMMARY_SOURCE_CHAR_LIMIT", strconv.Itoa(cfg.SummarySourceCharLimit)},
		{"WXAGENT_EMBEDDING_VECTOR_SIZE", strconv.Itoa(cfg.EmbeddingVectorSize)},
		{"WXAGENT_HEALTH_WEIGHT_SUCCESS", formatFloat(cfg.HealthWeightSuccess)},
		{"WXAGENT_HEALTH_WEIGHT_LATENCY", formatFloat(cfg.HealthWeightLatency)},
		{"WXAGENT_HEALTH_WEIGHT_FRESHNESS", formatFloat(cfg.HealthWeightFreshness)},
		{"WXAGENT_HEALTH_WEIGHT_COVERAGE", formatFloat(cfg.HealthWeightCoverage)},
		{"WXAGENT_RECOMMEND_TOPIC_WEIGHT", formatFloat(cfg.RecommendTopicWeight)},
		{"WXAGENT_RECOMMEND_FRESHNESS_WEIGHT", formatFloat(cfg.RecommendFreshWeight)},
		{"WXAGENT_SESSION_PROVIDER", cfg.SessionProvider},
		{"WXAGENT_SESSION_BACKEND", cfg.SessionBackend},
		{"WXAGENT_DEFAULT_VIEW_MODE", cfg.DefaultViewMode},
		{"WXAGENT_COVERAGE_SLA_TARGET", formatFloat(cfg.CoverageSLATarget)},
		{"WXAGENT_SYNC_SCHEDULE", cfg.SyncSchedule},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// configSetCmd writes through even when the current file fails validation,
// so a broken value can be repaired with the same command that set it.
var configSetCmd = &cobra.Command{
	Use:   "set <KEY> <VALUE>",
	Short: "写入一个配置项到 env 文件",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !strings.HasPrefix(key, "WXAGENT_") {
			return fmt.Errorf("配置项必须以 WXAGENT_ 开头, got %q", key)
		}
		path := config.ResolveEnvFilePath(envFlag)
		if err := config.UpsertEnvFile(path, map[string]string{key: value}); err != nil {
			return err
		}
		printer := output.NewPrinter(useColors())
		if strings.HasSuffix(key, "_API_KEY") {
			value = config.MaskSecret(value)
		}
		printer.Success("%s=%s 已写入 %s", key, value, path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "打印 env 文件路径",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Println(config.ResolveEnvFilePath(envFlag))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
