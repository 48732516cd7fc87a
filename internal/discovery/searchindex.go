package discovery

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
)

// searchRefLimit bounds one subscription's search-index pass.
const searchRefLimit = 8

// enginePaceInterval is the minimum spacing between requests to the same
// engine. Search engines rate-limit aggressively; pacing keeps the account
// of a long sync run under their thresholds.
const enginePaceInterval = 150 * time.Millisecond

var (
	mpLinkRe        = regexp.MustCompile(`(?i)https?://mp\.weixin\.qq\.com/s\?[^\s"'<>]+`)
	mpLinkEscapedRe = regexp.MustCompile(`(?i)https:\\/\\/mp\\.weixin\\.qq\\.com\\/s\\?[^\s"'<>]+`)
	keywordTokenRe  = regexp.MustCompile(`[\x{4e00}-\x{9fff}]+|[A-Za-z0-9_]+`)
)

// engine is one generic web search endpoint.
type engine struct {
	name     string
	endpoint string
	queryKey string
	baseConf float64
}

func defaultEngines() []engine {
	return []engine{
		{name: "brave", endpoint: "https://search.brave.com/search", queryKey: "q", baseConf: 0.95},
		{name: "sogou_web", endpoint: "https://www.sogou.com/web", queryKey: "query", baseConf: 0.90},
		{name: "duckduckgo", endpoint: "https://duckduckgo.com/html/", queryKey: "q", baseConf: 0.80},
		{name: "bing", endpoint: "https://www.bing.com/search", queryKey: "q", baseConf: 0.70},
	}
}

// pacer reserves send slots per key so consecutive requests to one engine
// stay at least interval apart, even across goroutines.
type pacer struct {
	interval time.Duration
	last     *xsync.Map[string, int64]

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{
		interval: interval,
		last:     xsync.NewMap[string, int64](),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

func (p *pacer) wait(key string) {
	nowNs := p.now().UnixNano()
	var wakeNs int64
	p.last.Compute(key, func(lastNs int64, loaded bool) (int64, xsync.ComputeOp) {
		next := nowNs
		if loaded {
			if earliest := lastNs + int64(p.interval); earliest > next {
				next = earliest
			}
		}
		wakeNs = next
		return next, xsync.UpdateOp
	})
	if d := time.Duration(wakeNs - nowNs); d > 0 {
		p.sleep(d)
	}
}

// SearchIndexProvider discovers article links through generic web search
// engines. It needs no credentials and serves as the always-available
// channel of last resort.
type SearchIndexProvider struct {
	HTTP    *http.Client
	Engines []engine
	pace    *pacer
}

// NewSearchIndexProvider builds a provider over the default engine list.
func NewSearchIndexProvider(timeout time.Duration) *SearchIndexProvider {
	return &SearchIndexProvider{
		HTTP:    &http.Client{Timeout: timeout},
		Engines: defaultEngines(),
		pace:    newPacer(enginePaceInterval),
	}
}

func (p *SearchIndexProvider) Name() string { return model.ChannelSearchIndex }

// Search implements Provider. Subscriptions with a real channel id (not an
// auto-generated placeholder) get it as an extra keyword.
func (p *SearchIndexProvider) Search(ctx context.Context, sub *model.Subscription, day time.Time) ([]model.DiscoveredRef, error) {
	var extra []string
	wechatID := strings.TrimSpace(sub.WechatID)
	if wechatID != "" && !strings.HasPrefix(wechatID, "auto_") {
		extra = append(extra, wechatID)
	}
	return p.searchKeywords(ctx, sub.Name, day, extra, searchRefLimit), nil
}

// searchKeywords builds candidate queries from the subscription name and
// extra keywords, then runs the two most specific ones. Confidence decays
// with query rank so broader queries never outrank the primary one.
func (p *SearchIndexProvider) searchKeywords(ctx context.Context, name string, day time.Time, extraKeywords []string, limit int) []model.DiscoveredRef {
	keywords := []string{strings.TrimSpace(name)}
	for _, kw := range extraKeywords {
		cleaned := strings.TrimSpace(kw)
		if cleaned != "" && !slices.Contains(keywords, cleaned) {
			keywords = append(keywords, cleaned)
		}
	}

	primary := keywords[0]
	queries := []string{fmt.Sprintf(`site:mp.weixin.qq.com "%s"`, primary)}
	tokens := keywordTokens(primary)
	if len(tokens) > 2 {
		tokens = tokens[:2]
	}
	for _, token := range tokens {
		if token != primary {
			queries = append(queries, fmt.Sprintf(`site:mp.weixin.qq.com "%s"`, token))
		}
	}
	if len(keywords) > 1 {
		queries = append(queries, fmt.Sprintf(`site:mp.weixin.qq.com "%s"`, keywords[1]))
	}
	queries = append(queries,
		fmt.Sprintf(`"%s" "mp.weixin.qq.com/s?"`, primary),
		fmt.Sprintf(`site:mp.weixin.qq.com "%s" %s`, primary, day.Format("2006-01-02")))

	var dedupQueries []string
	seenQueries := make(map[string]bool)
	for _, q := range queries {
		if seenQueries[q] {
			continue
		}
		seenQueries[q] = true
		dedupQueries = append(dedupQueries, q)
	}
	if len(dedupQueries) > 2 {
		dedupQueries = dedupQueries[:2]
	}

	var refs []model.DiscoveredRef
	seen := make(map[string]bool)
	for queryIndex, q := range dedupQueries {
		if len(refs) >= limit {
			break
		}
		factor := math.Max(0.6, 1.0-float64(queryIndex)*0.08)
		for _, row := range p.SearchByQuery(ctx, q, limit, day) {
			if seen[row.URL] {
				continue
			}
			seen[row.URL] = true
			row.Confidence = math.Max(0.2, row.Confidence*factor)
			refs = append(refs, row)
			if len(refs) >= limit {
				break
			}
		}
	}
	return refs
}

// SearchByQuery runs one query through the engine chain and returns the
// normalized platform links found in anchors, falling back to regex
// extraction from scripts and embedded JSON. A zero day leaves the refs
// without a published hint.
func (p *SearchIndexProvider) SearchByQuery(ctx context.Context, query string, limit int, day time.Time) []model.DiscoveredRef {
	var hint time.Time
	if !day.IsZero() {
		hint = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	}

	var refs []model.DiscoveredRef
	seen := make(map[string]bool)
	for _, eng := range p.Engines {
		body := p.fetchEngineHTML(ctx, eng, query)
		if body == "" {
			continue
		}

		rank := 0
		for _, a := range extractAnchors(body) {
			normalized := normalizeMPLink(a.href)
			if normalized == "" || seen[normalized] {
				continue
			}
			seen[normalized] = true
			refs = append(refs, model.DiscoveredRef{
				URL:           normalized,
				TitleHint:     a.text,
				PublishedHint: hint,
				Channel:       model.ChannelSearchIndex,
				Confidence:    math.Max(0.2, eng.baseConf-float64(rank)*0.05),
			})
			rank++
			if len(refs) >= limit {
				break
			}
		}
		if len(refs) >= limit {
			break
		}

		// Links embedded in scripts or JSON never surface as anchors; they
		// rank below the worst anchor result.
		for idx, normalized := range extractMPLinksFromText(body) {
			if seen[normalized] {
				continue
			}
			seen[normalized] = true
			refs = append(refs, model.DiscoveredRef{
				URL:           normalized,
				PublishedHint: hint,
				Channel:       model.ChannelSearchIndex,
				Confidence:    math.Max(0.2, eng.baseConf-float64(idx+4)*0.05),
			})
			if len(refs) >= limit {
				break
			}
		}
		if len(refs) >= limit {
			break
		}
	}
	return refs
}

// fetchEngineHTML returns the engine's result page, or "" when the engine
// failed or answered with an anti-bot page.
func (p *SearchIndexProvider) fetchEngineHTML(ctx context.Context, eng engine, query string) string {
	p.pace.wait(eng.name)

	target := eng.endpoint + "?" + url.Values{eng.queryKey: {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", netutil.BrowserUserAgent)
	req.Header.Set("Accept", netutil.AcceptHTML)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.7")
	req.Header.Set("Referer", engineReferer(eng.name))

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}

	text := string(data)
	finalURL := strings.ToLower(resp.Request.URL.String())
	lowered := strings.ToLower(text)
	if strings.Contains(finalURL, "antispider") || strings.Contains(lowered, "antispider") {
		return ""
	}
	if strings.Contains(lowered, "too many requests") || strings.Contains(lowered, "rate limit") {
		return ""
	}
	if strings.Contains(lowered, "captcha") && !strings.Contains(lowered, "mp.weixin.qq.com") {
		return ""
	}
	return text
}

func engineReferer(name string) string {
	switch name {
	case "sogou_web":
		return "https://www.sogou.com/"
	case "brave":
		return "https://search.brave.com/"
	default:
		return "https://www.bing.com/"
	}
}

type anchor struct {
	href string
	text string
}

func extractAnchors(htmlText string) []anchor {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return nil
	}
	var anchors []anchor
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" {
			return
		}
		anchors = append(anchors, anchor{
			href: href,
			text: strings.Join(strings.Fields(sel.Text()), " "),
		})
	})
	return anchors
}

// normalizeMPLink reduces a candidate href to the canonical article form.
// Returns "" when the link is not an mp.weixin.qq.com article.
func normalizeMPLink(raw string) string {
	href := strings.TrimSpace(raw)
	if href == "" {
		return ""
	}
	href = strings.TrimRight(href, ").,;]")
	href = strings.ReplaceAll(href, "&amp;", "&")
	href = strings.ReplaceAll(href, "&#38;", "&")
	href = strings.ReplaceAll(href, `\u002F`, "/")
	href = strings.ReplaceAll(href, `\/`, "/")
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	if strings.HasPrefix(href, "/l/?") {
		// duckduckgo redirector; the real target rides in uddg.
		if u, err := url.Parse(href); err == nil {
			if target := u.Query().Get("uddg"); target != "" {
				if decoded, err := url.QueryUnescape(target); err == nil {
					href = decoded
				} else {
					href = target
				}
			}
		}
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if strings.ToLower(u.Host) != "mp.weixin.qq.com" {
		return ""
	}
	if !strings.HasPrefix(u.Path, "/s") {
		return ""
	}
	return href
}

func extractMPLinksFromText(rawText string) []string {
	if rawText == "" {
		return nil
	}
	text := strings.ReplaceAll(rawText, "&amp;", "&")
	text = strings.ReplaceAll(text, "&#38;", "&")

	var extracted []string
	extracted = append(extracted, mpLinkRe.FindAllString(text, -1)...)
	for _, m := range mpLinkEscapedRe.FindAllString(text, -1) {
		extracted = append(extracted, strings.ReplaceAll(m, `\/`, "/"))
	}

	var links []string
	seen := make(map[string]bool)
	for _, item := range extracted {
		normalized := normalizeMPLink(item)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		links = append(links, normalized)
	}
	return links
}

// keywordTokens splits a name into CJK runs and latin words of at least two
// runes, deduplicated case-insensitively.
func keywordTokens(text string) []string {
	value := strings.TrimSpace(text)
	if value == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, token := range keywordTokenRe.FindAllString(value, -1) {
		cleaned := strings.TrimSpace(token)
		if utf8.RuneCountInString(cleaned) < 2 {
			continue
		}
		lowered := strings.ToLower(cleaned)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		out = append(out, cleaned)
	}
	return out
}
