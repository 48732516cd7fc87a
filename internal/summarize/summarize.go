// Package summarize produces the one-line Chinese digest stored alongside
// every article. When an LLM is configured it reads the full article body;
// otherwise it condenses whatever text the feed carried.
package summarize

import (
	"bytes"
	"context"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/wxagent/wxagent/internal/ai"
	"github.com/wxagent/wxagent/internal/feed"
	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
)

// FallbackModel is recorded on summaries produced without an LLM.
const FallbackModel = "fallback"

const (
	summaryRuneLimit = 50
	systemPrompt     = "你是精炼的信息摘要助手。"

	bodyCacheEntries = 512
	bodyCacheTTL     = time.Hour
)

var (
	dateRe = regexp.MustCompile(`\b\d{4}[-/]\d{1,2}[-/]\d{1,2}(?:\s*\d{1,2}:\d{2})?\b`)
	// Boilerplate the platform injects around article bodies.
	noiseRes = []*regexp.Regexp{
		regexp.MustCompile(`关注前沿科技`),
		regexp.MustCompile(`\b原创\b`),
		regexp.MustCompile(`发布于`),
		regexp.MustCompile(`发表于`),
		regexp.MustCompile(`作者[:：]\S+`),
		regexp.MustCompile(`编辑[:：]\S+`),
	}
	spaceRe     = regexp.MustCompile(`\s+`)
	quoteEdgeRe = regexp.MustCompile(`^["'“”‘’]+|["'“”‘’]+$`)
	labelRe     = regexp.MustCompile(`^(摘要|总结|内容摘要|摘要如下)\s*[:：]\s*`)
)

// Result is one produced summary.
type Result struct {
	Text         string
	Model        string
	UsedFallback bool
}

// ChatClient is the narrow LLM surface the summarizer needs.
type ChatClient interface {
	ChatOnce(ctx context.Context, system, user string, temperature float32, maxTokens int) (string, error)
}

// Summarizer turns one article into a bounded single-sentence summary.
// Safe for concurrent use by the sync fan-out; the body cache is shared
// across articles so re-summarizing a URL does not refetch it.
type Summarizer struct {
	Chat            ChatClient
	ChatModel       string
	Downloader      netutil.Downloader
	SourceCharLimit int

	cache otter.Cache[uint64, string]
}

// New builds a summarizer. A nil client selects the fallback-only path.
func New(client *ai.Client, fetchTimeout time.Duration, sourceCharLimit int) *Summarizer {
	cache, err := otter.MustBuilder[uint64, string](bodyCacheEntries).
		Cost(func(_ uint64, _ string) uint32 { return 1 }).
		WithTTL(bodyCacheTTL).
		Build()
	if err != nil {
		panic("summarize: failed to create body cache: " + err.Error())
	}

	s := &Summarizer{
		Downloader:      netutil.NewDirectDownloader(fetchTimeout),
		SourceCharLimit: sourceCharLimit,
		cache:           cache,
	}
	if s.SourceCharLimit <= 0 {
		s.SourceCharLimit = 6000
	}
	if client != nil {
		s.Chat = client
		s.ChatModel = client.ChatModel
	}
	return s
}

// Summarize never fails: any LLM or fetch problem degrades to the local
// fallback summary.
func (s *Summarizer) Summarize(ctx context.Context, article model.RawArticle) Result {
	sourceText := s.buildSourceText(ctx, article)
	if s.Chat == nil {
		return Result{Text: fallbackSummary(article, sourceText), Model: FallbackModel, UsedFallback: true}
	}

	prompt := "请阅读下面的文章正文并总结为一条中文摘要。\n" +
		"要求：不超过50字；完整一句话；不要换行；不要引号；不要作者/时间等元信息；仅输出摘要。\n" +
		"标题：" + article.Title + "\n" +
		"正文：" + truncateRunes(sourceText, s.SourceCharLimit)
	text, err := s.Chat.ChatOnce(ctx, systemPrompt, prompt, 0.2, 120)
	if err != nil {
		log.Printf("[summarize] chat completion failed, using fallback: %v", err)
		return Result{Text: fallbackSummary(article, sourceText), Model: FallbackModel, UsedFallback: true}
	}
	return Result{Text: normalizeSummary(text, article), Model: s.ChatModel, UsedFallback: false}
}

func fallbackSummary(article model.RawArticle, sourceText string) string {
	basis := strings.TrimSpace(sourceText)
	if basis == "" {
		basis = strings.TrimSpace(article.ContentExcerpt)
	}
	if basis == "" {
		basis = strings.TrimSpace(article.Title)
	}
	if basis == "" {
		basis = "文章信息较少，建议打开原文查看完整内容。"
	}
	return normalizeSummary(basis, article)
}

// buildSourceText prefers the live article body when an LLM will read it;
// without one the feed's own title and excerpt are enough for the local
// fallback.
func (s *Summarizer) buildSourceText(ctx context.Context, article model.RawArticle) string {
	if s.Chat != nil {
		if full := s.fetchArticleText(ctx, article.URL); full != "" {
			return truncateRunes(full, s.SourceCharLimit)
		}
	}
	merged := strings.TrimSpace(cleanText(article.Title) + "\n" + cleanText(article.ContentExcerpt))
	return truncateRunes(merged, s.SourceCharLimit)
}

// fetchArticleText downloads and extracts the article body, caching per
// URL. Failures cache as empty so a dead link is fetched once per run.
func (s *Summarizer) fetchArticleText(ctx context.Context, articleURL string) string {
	if articleURL == "" {
		return ""
	}
	key := xxh3.HashString(articleURL)
	if cached, ok := s.cache.Get(key); ok {
		return cached
	}

	parsed, err := url.Parse(articleURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		s.cache.Set(key, "")
		return ""
	}

	body, err := s.Downloader.Download(ctx, articleURL)
	if err != nil {
		log.Printf("[summarize] body fetch failed for %s: %v", articleURL, err)
		s.cache.Set(key, "")
		return ""
	}

	extracted := extractMainText(body)
	s.cache.Set(key, extracted)
	return extracted
}

// extractMainText pulls the readable body out of an article page. The
// platform renders bodies under #js_content; generic pages fall back to
// article, then body, then the whole document.
func extractMainText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return cleanText(string(body))
	}
	doc.Find("script,style,noscript").Remove()

	for _, selector := range []string{"#js_content", "article", "body"} {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return cleanText(text)
		}
	}
	return cleanText(doc.Text())
}

// cleanText strips markup plus the date stamps and platform boilerplate
// that would otherwise eat into the 50-rune budget.
func cleanText(raw string) string {
	compact := feed.CleanText(raw)
	compact = dateRe.ReplaceAllString(compact, " ")
	for _, re := range noiseRes {
		compact = re.ReplaceAllString(compact, " ")
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(compact, " "))
}

func normalizeSummary(text string, article model.RawArticle) string {
	cleaned := cleanText(text)
	cleaned = strings.TrimSpace(quoteEdgeRe.ReplaceAllString(cleaned, ""))
	cleaned = strings.TrimSpace(labelRe.ReplaceAllString(cleaned, ""))
	cleaned = strings.TrimSpace(spaceRe.ReplaceAllString(cleaned, " "))

	if cleaned == "" {
		cleaned = cleanText(article.Title)
	}
	if cleaned == "" {
		cleaned = "正文抓取失败，建议打开原文查看。"
	}
	return truncateSummary(cleaned, summaryRuneLimit)
}

// summarySeparators are tried in order: sentence enders first, then clause
// separators, so a full sentence inside the budget always wins.
var summarySeparators = []rune{'。', '！', '？', '.', '!', '?', '；', ';', '，', ',', '、'}

// truncateSummary bounds text to limit runes, preferring to cut at the last
// separator past 60% of the budget over a hard mid-word cut.
func truncateSummary(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	window := runes[:limit+1]
	minIdx := int(float64(limit) * 0.6)
	for _, sep := range summarySeparators {
		if idx := lastIndexRune(window, sep); idx >= minIdx {
			return strings.TrimSpace(string(runes[:idx+1]))
		}
	}

	clipped := strings.TrimRight(string(runes[:max(limit-1, 1)]), "，,、；;：:")
	return clipped + "…"
}

func lastIndexRune(runes []rune, sep rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == sep {
			return i
		}
	}
	return -1
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
