package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/netutil"
	"github.com/wxagent/wxagent/internal/vault"
)

// wereadRefLimit bounds one subscription's weread search pass.
const wereadRefLimit = 6

// WereadProvider discovers article links through the WeRead global search
// API, which surfaces recent public-channel articles for signed-in users.
// The session cookie lives in the vault; the provider reads it per search
// so a re-login takes effect without a restart.
type WereadProvider struct {
	Vault    vault.Vault
	VaultKey string
	HTTP     *netutil.DirectDownloader
	// BaseURL is overridable in tests.
	BaseURL string
}

// NewWereadProvider builds a provider over the public weread endpoint.
func NewWereadProvider(v vault.Vault, timeout time.Duration) *WereadProvider {
	return &WereadProvider{
		Vault:    v,
		VaultKey: "weread",
		HTTP:     netutil.NewDirectDownloader(timeout),
		BaseURL:  "https://weread.qq.com",
	}
}

func (p *WereadProvider) Name() string { return model.ChannelWeread }

// Search implements Provider.
func (p *WereadProvider) Search(ctx context.Context, sub *model.Subscription, day time.Time) ([]model.DiscoveredRef, error) {
	token, err := p.Vault.Get(p.VaultKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, errors.New("discovery: AUTH_EXPIRED: 登录态缺失")
		}
		return nil, fmt.Errorf("discovery: read weread session: %w", err)
	}
	if token == "" {
		return nil, errors.New("discovery: AUTH_EXPIRED: 缺少微信读书登录态")
	}

	target := p.BaseURL + "/web/search/global?keyword=" + url.QueryEscape(sub.Name)
	body, err := p.HTTP.DownloadWithHeaders(ctx, target, map[string]string{
		"Accept":  "application/json,text/plain,*/*",
		"Cookie":  token,
		"Referer": "https://weread.qq.com/",
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: weread search: %w", err)
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("discovery: weread payload: %w", err)
	}
	return extractMPRefs(payload, wereadRefLimit), nil
}

// extractMPRefs walks an arbitrary JSON payload collecting platform article
// links. Links stored under url-like keys score higher than links found in
// free-form strings. The limit is checked on node entry, so one object's
// keys may overshoot it slightly.
func extractMPRefs(payload any, limit int) []model.DiscoveredRef {
	var refs []model.DiscoveredRef
	seen := make(map[string]bool)

	add := func(link string, confidence float64) {
		if seen[link] {
			return
		}
		seen[link] = true
		refs = append(refs, model.DiscoveredRef{
			URL:        link,
			Channel:    model.ChannelWeread,
			Confidence: confidence,
		})
	}

	var walk func(node any)
	walk = func(node any) {
		if len(refs) >= limit {
			return
		}
		switch value := node.(type) {
		case map[string]any:
			// Sorted keys keep the result order stable across runs.
			keys := make([]string, 0, len(value))
			for key := range value {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				child := value[key]
				lowered := strings.ToLower(key)
				text, isString := child.(string)
				if (lowered == "url" || lowered == "link" || lowered == "href") && isString {
					if strings.Contains(text, "mp.weixin.qq.com/s") {
						add(text, 0.85)
					}
					continue
				}
				walk(child)
			}
		case []any:
			for _, item := range value {
				walk(item)
			}
		case string:
			if strings.Contains(value, "mp.weixin.qq.com/s") {
				add(value, 0.75)
			}
		}
	}
	walk(payload)
	return refs
}

// ParseWereadToken normalizes pasted login input. Browser devtools exports
// arrive either as the raw Cookie header value or as a JSON object with a
// "cookie" field; both forms are accepted.
func ParseWereadToken(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		var data map[string]any
		if err := json.Unmarshal([]byte(text), &data); err == nil {
			if cookie, ok := data["cookie"].(string); ok {
				if cleaned := strings.TrimSpace(cookie); cleaned != "" {
					return cleaned
				}
			}
		}
	}
	return text
}
