package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wxagent/wxagent/internal/feed"
	"github.com/wxagent/wxagent/internal/model"
)

// excerptRuneCap bounds the stored content excerpt.
const excerptRuneCap = 2000

var (
	ctRe          = regexp.MustCompile(`\bct\s*=\s*"?(\d{10})"?`)
	publishTimeRe = regexp.MustCompile(`"publish_time"\s*:\s*"([^"]+)"`)
)

// Materialize turns discovered refs into full article records by fetching
// each page directly. Pages that cannot be fetched are skipped silently;
// articles published before since are dropped after the midnight shift.
func (o *Orchestrator) Materialize(ctx context.Context, refs []model.DiscoveredRef, since time.Time) []model.RawArticle {
	var result []model.RawArticle
	for _, ref := range refs {
		article := o.fetchArticle(ctx, ref.URL, ref.TitleHint)
		if article == nil {
			continue
		}
		if article.IsMidnightPublish {
			article.PublishedAt = feed.ShiftMidnight(article.PublishedAt, o.MidnightShiftDays)
		}
		if article.PublishedAt.Before(since) {
			continue
		}
		result = append(result, *article)
	}
	return result
}

func (o *Orchestrator) fetchArticle(ctx context.Context, articleURL, titleHint string) *model.RawArticle {
	body, err := o.Fetch.Download(ctx, articleURL)
	if err != nil {
		return nil
	}
	text := string(body)

	fallback := titleHint
	if fallback == "" {
		fallback = "Untitled"
	}
	published, isMidnight := extractPublishTime(text, o.now())

	title := fallback
	var excerpt string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
		title = extractTitle(doc, fallback)
		doc.Find("script, style, noscript").Remove()
		excerpt = extractExcerpt(doc)
	}

	return &model.RawArticle{
		ExternalID:        externalIDFromURL(articleURL),
		Title:             title,
		URL:               articleURL,
		PublishedAt:       published,
		ContentExcerpt:    excerpt,
		RawHash:           feed.RawHash(title, articleURL, excerpt),
		IsMidnightPublish: isMidnight,
	}
}

// extractTitle prefers the og:title meta tag; a present-but-empty content
// attribute falls through to the document title, which gets the platform
// name suffixes stripped.
func extractTitle(doc *goquery.Document, fallback string) string {
	if content, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && content != "" {
		if title := strings.TrimSpace(content); title != "" {
			return title
		}
		return fallback
	}
	titleSel := doc.Find("title").First()
	if titleSel.Length() > 0 {
		title := strings.Join(strings.Fields(titleSel.Text()), " ")
		title = strings.ReplaceAll(title, " - 微信公众号", "")
		title = strings.ReplaceAll(title, "_微信公众平台", "")
		title = strings.TrimSpace(title)
		if title != "" {
			return title
		}
	}
	return fallback
}

// extractPublishTime reads the publish timestamp embedded in the page
// scripts: the numeric ct var first, the textual publish_time field second.
// Timestamps are stored UTC; the midnight flag reflects local wall time,
// which is what the platform renders.
func extractPublishTime(htmlText string, now time.Time) (time.Time, bool) {
	if m := ctRe.FindStringSubmatch(htmlText); m != nil {
		if seconds, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			dt := time.Unix(seconds, 0).UTC()
			local := dt.In(time.Local)
			midnight := local.Hour() == 0 && local.Minute() == 0 && local.Second() == 0
			return dt, midnight
		}
	}
	if m := publishTimeRe.FindStringSubmatch(htmlText); m != nil {
		raw := strings.TrimSpace(m[1])
		local, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.Local)
		if err != nil {
			local, err = time.ParseInLocation("2006-01-02 15:04", raw, time.Local)
		}
		if err == nil {
			midnight := local.Hour() == 0 && local.Minute() == 0 && local.Second() == 0
			return local.UTC(), midnight
		}
	}
	return now.UTC(), false
}

// extractExcerpt expects a document with script, style and noscript already
// removed. The article body container wins over a generic article element;
// failing both, the whole page text is used.
func extractExcerpt(doc *goquery.Document) string {
	excerpt := elementText(doc.Find("#js_content").First())
	if excerpt == "" {
		excerpt = elementText(doc.Find("article").First())
	}
	if excerpt == "" {
		excerpt = strings.Join(strings.Fields(doc.Text()), " ")
	}
	runes := []rune(excerpt)
	if len(runes) > excerptRuneCap {
		excerpt = string(runes[:excerptRuneCap])
	}
	return excerpt
}

func elementText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// externalIDFromURL derives the stable platform identity from the __biz,
// mid, idx and sn query parameters, hashing the whole URL when none are
// present.
func externalIDFromURL(articleURL string) string {
	if u, err := url.Parse(articleURL); err == nil {
		q := u.Query()
		token := strings.Join([]string{q.Get("__biz"), q.Get("mid"), q.Get("idx"), q.Get("sn")}, "|")
		token = strings.Trim(token, "|")
		if token != "" {
			return token
		}
	}
	sum := sha1.Sum([]byte(articleURL))
	return hex.EncodeToString(sum[:])
}
