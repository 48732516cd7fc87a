package source

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
)

// directoryMinScore is the baseline match score below which a directory hit
// is considered accidental and dropped (and stored rows deactivated).
const directoryMinScore = 6

// directoryCacheTTL bounds how long a fetched index listing is reused.
const directoryCacheTTL = 30 * time.Minute

const directoryFeedPrefix = "https://wechat2rss.xlab.app/feed/"

var vitepressHashMapRe = regexp.MustCompile(`(?s)window\.__VP_HASH_MAP__=JSON\.parse\("(.*?)"\);`)

type directoryItem struct {
	Name           string
	URL            string
	NormalizedName string
}

// DirectoryProvider matches subscriptions against a public wechat2rss index
// page and surfaces the best-scoring feeds as candidates.
type DirectoryProvider struct {
	IndexURL   string
	Feed       *FeedFetcher
	Downloader netutil.Downloader
	Now        func() time.Time

	cache      otter.Cache[string, []directoryItem]
	lastDigest atomic.Uint64
}

// NewDirectoryProvider builds the provider with its index cache. The page
// downloader should carry the HTML Accept profile, not the feed one.
func NewDirectoryProvider(indexURL string, feedFetcher *FeedFetcher, downloader netutil.Downloader) *DirectoryProvider {
	cache, err := otter.MustBuilder[string, []directoryItem](8).
		Cost(func(_ string, _ []directoryItem) uint32 { return 1 }).
		WithTTL(directoryCacheTTL).
		Build()
	if err != nil {
		panic("source: failed to create directory index cache: " + err.Error())
	}
	return &DirectoryProvider{
		IndexURL:   indexURL,
		Feed:       feedFetcher,
		Downloader: downloader,
		cache:      cache,
	}
}

func (p *DirectoryProvider) Name() string { return model.ProviderDirectory }

func (p *DirectoryProvider) Discover(ctx context.Context, sub *model.Subscription) ([]model.Candidate, error) {
	if p.IndexURL == "" {
		return nil, nil
	}
	items, err := p.loadItems(ctx)
	if err != nil {
		// Directory lookup is best-effort: an unreachable index just means
		// no candidates from this provider.
		log.Printf("[directory] index load failed: %v", err)
		return nil, nil
	}
	if len(items) == 0 {
		return nil, nil
	}

	normalizedName := normalizeName(sub.Name)
	normalizedID := normalizeName(sub.WechatID)
	tokens := mergedASCIITokens(sub.Name, sub.WechatID)

	type ranked struct {
		score int
		item  directoryItem
	}
	var hits []ranked
	for _, item := range items {
		if len(tokens) > 0 && !containsAllTokens(item.NormalizedName, tokens) {
			continue
		}
		score := directoryScore(normalizedName, normalizedID, item.NormalizedName)
		if score <= 0 {
			continue
		}
		hits = append(hits, ranked{score: score, item: item})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	now := p.now().UnixNano()
	var candidates []model.Candidate
	for idx, hit := range hits {
		if idx >= 3 {
			break
		}
		candidates = append(candidates, model.Candidate{
			Provider:       model.ProviderDirectory,
			URL:            hit.item.URL,
			Priority:       60 + idx,
			Pinned:         false,
			Confidence:     clamp(float64(hit.score)/100.0, 0.2, 0.95),
			Metadata:       map[string]any{"name": hit.item.Name, "score": hit.score},
			DiscoveredAtNs: now,
		})
	}
	return candidates, nil
}

func (p *DirectoryProvider) Probe(ctx context.Context, cand model.Candidate) model.ProbeResult {
	return p.Feed.Probe(ctx, cand.URL)
}

func (p *DirectoryProvider) Fetch(ctx context.Context, cand model.Candidate, since time.Time) ([]model.RawArticle, error) {
	return p.Feed.Fetch(ctx, cand.URL, since)
}

func (p *DirectoryProvider) loadItems(ctx context.Context) ([]directoryItem, error) {
	if items, ok := p.cache.Get(p.IndexURL); ok {
		return items, nil
	}

	body, err := p.Downloader.Download(ctx, p.IndexURL)
	if err != nil {
		return nil, err
	}
	p.noteDigest(body)

	items := extractDirectoryItems(body)
	if len(items) == 0 {
		// VitePress renders the listing client-side; fall back to the
		// hashed markdown asset modules.
		for _, assetURL := range vitepressAssetURLs(p.IndexURL, body) {
			assetBody, err := p.Downloader.Download(ctx, assetURL)
			if err != nil {
				continue
			}
			items = extractDirectoryItems(assetBody)
			if len(items) > 0 {
				break
			}
		}
	}

	p.cache.Set(p.IndexURL, items)
	return items, nil
}

// noteDigest logs when the upstream listing content actually changed, so
// match regressions can be traced to index updates.
func (p *DirectoryProvider) noteDigest(body []byte) {
	digest := xxh3.Hash(body)
	if prev := p.lastDigest.Swap(digest); prev != 0 && prev != digest {
		log.Printf("[directory] index content changed (digest %016x -> %016x)", prev, digest)
	}
}

func (p *DirectoryProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// extractDirectoryItems pulls feed anchors out of the index page (or a
// VitePress asset module, which embeds the same markup). Duplicate URLs keep
// the last-seen name.
func extractDirectoryItems(body []byte) []directoryItem {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	dedup := make(map[string]directoryItem)
	var order []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if !strings.HasPrefix(href, directoryFeedPrefix) || !strings.HasSuffix(href, ".xml") {
			return
		}
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			return
		}
		normalized := normalizeName(name)
		if normalized == "" {
			return
		}
		if _, ok := dedup[href]; !ok {
			order = append(order, href)
		}
		dedup[href] = directoryItem{Name: name, URL: href, NormalizedName: normalized}
	})

	items := make([]directoryItem, 0, len(order))
	for _, href := range order {
		items = append(items, dedup[href])
	}
	return items
}

// vitepressAssetURLs resolves the hashed list_all.md asset modules from the
// inline __VP_HASH_MAP__ bootstrap.
func vitepressAssetURLs(indexURL string, body []byte) []string {
	m := vitepressHashMapRe.FindSubmatch(body)
	if m == nil {
		return nil
	}
	payload := string(m[1])
	if decoded, err := strconv.Unquote(`"` + payload + `"`); err == nil {
		payload = decoded
	}

	var hashMap map[string]string
	if err := json.Unmarshal([]byte(payload), &hashMap); err != nil {
		return nil
	}
	hashValue := hashMap["list_all.md"]
	if hashValue == "" {
		return nil
	}

	base, err := url.Parse(indexURL)
	if err != nil {
		return nil
	}
	var urls []string
	for _, suffix := range []string{".js", ".lean.js"} {
		ref, err := base.Parse("/assets/list_all.md." + hashValue + suffix)
		if err != nil {
			continue
		}
		urls = append(urls, ref.String())
	}
	return urls
}

// matchScore compares two normalized names: 100 for equality, the shorter
// rune length for containment, 0 otherwise.
func matchScore(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}
	if strings.Contains(b, a) || strings.Contains(a, b) {
		return min(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	}
	return 0
}

// directoryScore requires explicit ids to participate in the match, so a
// generic display name cannot hijack someone else's feed.
func directoryScore(normalizedName, normalizedID, itemName string) int {
	idScore := matchScore(normalizedID, itemName)
	nameScore := matchScore(normalizedName, itemName)

	if normalizedID != "" && utf8.RuneCountInString(normalizedID) >= 4 && idScore < 4 {
		return 0
	}
	if max(idScore, nameScore) < directoryMinScore {
		return 0
	}
	return max(idScore, nameScore)
}

func mergedASCIITokens(name, wechatID string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, token := range append(asciiTokens(name), asciiTokens(wechatID)...) {
		if seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func containsAllTokens(name string, tokens []string) bool {
	for _, token := range tokens {
		if !strings.Contains(name, token) {
			return false
		}
	}
	return true
}
