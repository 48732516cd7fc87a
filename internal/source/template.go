package source

import (
	"context"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/model"
)

// wechatIDPlaceholder is substituted per subscription in mirror templates.
const wechatIDPlaceholder = "{wechat_id}"

// TemplateProvider derives mirror feed URLs from configured URL templates.
type TemplateProvider struct {
	Templates []string
	Feed      *FeedFetcher
	Now       func() time.Time
}

func (p *TemplateProvider) Name() string { return model.ProviderTemplate }

func (p *TemplateProvider) Discover(_ context.Context, sub *model.Subscription) ([]model.Candidate, error) {
	now := p.now().UnixNano()
	candidates := make([]model.Candidate, 0, len(p.Templates))
	for idx, tpl := range p.Templates {
		if !strings.Contains(tpl, wechatIDPlaceholder) {
			continue
		}
		candidates = append(candidates, model.Candidate{
			Provider:       model.ProviderTemplate,
			URL:            strings.ReplaceAll(tpl, wechatIDPlaceholder, sub.WechatID),
			Priority:       20 + idx,
			Pinned:         false,
			Confidence:     0.55,
			Metadata:       map[string]any{"template": tpl},
			DiscoveredAtNs: now,
		})
	}
	return candidates, nil
}

func (p *TemplateProvider) Probe(ctx context.Context, cand model.Candidate) model.ProbeResult {
	return p.Feed.Probe(ctx, cand.URL)
}

func (p *TemplateProvider) Fetch(ctx context.Context, cand model.Candidate, since time.Time) ([]model.RawArticle, error) {
	return p.Feed.Fetch(ctx, cand.URL, since)
}

func (p *TemplateProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
