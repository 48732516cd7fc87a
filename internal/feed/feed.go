// Package feed decodes RSS/Atom payloads into normalized article records.
//
// WeChat mirror feeds are messy: entries may lack guids, carry HTML in the
// summary, or report a flat midnight publish time when the mirror only knows
// the day. Parse normalizes all of that into model.RawArticle values and
// flags the midnight case so callers can shift those instants once the real
// publish lag is known.
package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/wxagent/wxagent/internal/model"
)

// maxExcerptRunes caps stored excerpts; full bodies stay on the platform.
const maxExcerptRunes = 2000

var (
	stripPolicy  = bluemonday.StrictPolicy()
	spaceRe      = regexp.MustCompile(`\s+`)
	midnightText = regexp.MustCompile(`(?:^|\s)00:00(?::00)?(?:\s|$)`)
)

// Parse decodes a feed payload and normalizes every entry. Unparseable input
// yields an empty slice; the caller decides whether that is PARSE_EMPTY.
func Parse(data []byte, sourceURL string) []model.RawArticle {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil || parsed == nil {
		return nil
	}

	articles := make([]model.RawArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}

		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "Untitled"
		}
		link := strings.TrimSpace(item.Link)
		if link == "" {
			link = sourceURL
		}

		published := entryPublishedAt(item)
		publishedText := item.Published
		if publishedText == "" {
			publishedText = item.Updated
		}

		excerpt := entryExcerpt(item)

		externalID := strings.TrimSpace(item.GUID)
		if externalID == "" {
			externalID = fmt.Sprintf("%s#%s", link, published.Format(time.RFC3339))
		}

		articles = append(articles, model.RawArticle{
			ExternalID:        externalID,
			Title:             title,
			URL:               link,
			PublishedAt:       published,
			ContentExcerpt:    excerpt,
			RawHash:           RawHash(title, link, excerpt),
			IsMidnightPublish: midnightText.MatchString(publishedText),
		})
	}
	return articles
}

// ShiftMidnight advances a flagged flat-midnight publish instant by the
// configured number of days so late-mirrored articles land on the day the
// operator will actually see them.
func ShiftMidnight(published time.Time, days int) time.Time {
	if days <= 0 {
		return published
	}
	return published.AddDate(0, 0, days)
}

// RawHash fingerprints the visible fields of an entry. A changed hash on an
// already-known external id means the source edited the article.
func RawHash(title, url, excerpt string) string {
	sum := sha256.Sum256([]byte(title + "|" + url + "|" + excerpt))
	return hex.EncodeToString(sum[:])
}

// CleanText strips markup and collapses whitespace into a single-line string.
func CleanText(raw string) string {
	stripped := stripPolicy.Sanitize(raw)
	unescaped := html.UnescapeString(stripped)
	return strings.TrimSpace(spaceRe.ReplaceAllString(unescaped, " "))
}

func entryPublishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	return time.Now().UTC()
}

func entryExcerpt(item *gofeed.Item) string {
	candidates := []string{item.Content, item.Description}
	for _, raw := range candidates {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if cleaned := truncateRunes(CleanText(raw), maxExcerptRunes); cleaned != "" {
			return cleaned
		}
	}
	return ""
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
