package syncer

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/summarize"
)

var (
	summarySpaceRe = regexp.MustCompile(`\s+`)
	summaryDateRe  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// summaryNoiseTokens are platform boilerplate fragments. A summary carrying
// one captured the article's chrome instead of its content.
var summaryNoiseTokens = []string{"关注前沿科技", "原创", "发布于", "发表于"}

// summaryDanglingSuffixes end a summary mid-sentence.
var summaryDanglingSuffixes = []string{"…", "...", "..", "，", ",", "、", "；", ";", "：", ":"}

var summaryTerminals = map[rune]bool{'。': true, '！': true, '？': true, '!': true, '?': true}

// NeedsRefresh reports whether a stored summary looks truncated or like
// boilerplate and deserves one more summarization pass.
func NeedsRefresh(summary, modelName string) bool {
	compact := summarySpaceRe.ReplaceAllString(summary, "")
	runes := []rune(compact)
	if len(runes) < 24 {
		return true
	}
	if strings.ContainsAny(summary, "<>") {
		return true
	}
	if summaryDateRe.MatchString(summary) && len(runes) < 40 {
		return true
	}
	for _, token := range summaryNoiseTokens {
		if strings.Contains(summary, token) {
			return true
		}
	}
	for _, suffix := range summaryDanglingSuffixes {
		if strings.HasSuffix(compact, suffix) {
			return true
		}
	}
	if strings.ToLower(strings.TrimSpace(modelName)) == summarize.FallbackModel {
		if len(runes) >= 48 && !summaryTerminals[runes[len(runes)-1]] {
			return true
		}
	}
	return false
}

// refreshLowQualitySummaries re-summarizes freshly inserted articles whose
// summary failed the quality check (or never got one). Embeddings are left
// alone; the score recompute that follows reuses them.
func (e *Engine) refreshLowQualitySummaries(ctx context.Context, articleIDs []int64) {
	if len(articleIDs) == 0 {
		return
	}
	summaries, err := e.Store.GetSummaries(articleIDs)
	if err != nil {
		log.Printf("[syncer] load summaries for repair: %v", err)
		return
	}
	for _, id := range articleIDs {
		sum, ok := summaries[id]
		if ok && !NeedsRefresh(sum.Summary, sum.Model) {
			continue
		}
		article, err := e.Store.GetArticle(id)
		if err != nil || article == nil {
			log.Printf("[syncer] load article %d for repair: %v", id, err)
			continue
		}
		rawHash := article.RawHash
		if rawHash == "" {
			rawHash = article.ExternalID
		}
		refreshed := e.Summarizer.Summarize(ctx, model.RawArticle{
			ExternalID:     article.ExternalID,
			Title:          article.Title,
			URL:            article.URL,
			PublishedAt:    time.Unix(0, article.PublishedAtNs).UTC(),
			ContentExcerpt: article.ContentExcerpt,
			RawHash:        rawHash,
		})
		if err := e.Store.UpsertSummary(model.ArticleSummary{
			ArticleID:   id,
			Summary:     refreshed.Text,
			Model:       refreshed.Model,
			CreatedAtNs: e.now().UnixNano(),
		}); err != nil {
			log.Printf("[syncer] repair summary %d: %v", id, err)
		}
	}
}
