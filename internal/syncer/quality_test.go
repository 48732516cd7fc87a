package syncer

import (
	"strings"
	"testing"

	"github.com/wxagent/wxagent/internal/summarize"
)

func TestNeedsRefresh(t *testing.T) {
	good := "本文介绍了一种新的向量检索方法，并给出了在生产环境中的压测结果。"

	cases := []struct {
		name    string
		summary string
		model   string
		want    bool
	}{
		{"good sentence", good, "gpt-4o-mini", false},
		{"too short", "太短了。", "gpt-4o-mini", true},
		{"short ignoring spaces", "太  短  了  。", "gpt-4o-mini", true},
		{"html fragment", good + "<div>", "gpt-4o-mini", true},
		{"short with date", "发布日期 2024-03-15 的更新说明。", "gpt-4o-mini", true},
		{"long with date", "这篇 2024-03-15 发布的文章详细梳理了分布式事务的两阶段提交与补偿方案的取舍。", "gpt-4o-mini", false},
		{"boilerplate noise", good + " 关注前沿科技", "gpt-4o-mini", true},
		{"origin marker", "原创 " + good, "gpt-4o-mini", true},
		{"dangling ellipsis", strings.TrimSuffix(good, "。") + "…", "gpt-4o-mini", true},
		{"dangling comma", strings.TrimSuffix(good, "。") + "，", "gpt-4o-mini", true},
		{"fallback non-terminal long", strings.Repeat("内容片段", 13), summarize.FallbackModel, true},
		{"fallback non-terminal short", "这段回退摘要长度适中没有句号结尾但还不到四十八个字所以不触发重试", summarize.FallbackModel, false},
		{"fallback terminal long", strings.Repeat("内容片段", 13) + "。", summarize.FallbackModel, false},
		{"llm non-terminal long", strings.Repeat("内容片段", 13), "gpt-4o-mini", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NeedsRefresh(tc.summary, tc.model); got != tc.want {
				t.Fatalf("NeedsRefresh(%q, %q) = %v, want %v", tc.summary, tc.model, got, tc.want)
			}
		})
	}
}
