package source

import (
	"sort"

	"github.com/wxagent/wxagent/internal/model"
)

// Router orders fetch candidates: pinned sources first, then by operator
// preference and observed health, then by provider priority and recency.
type Router struct{}

// Rank returns a new slice sorted best-first. Candidates without a health
// row fall back to confidence-derived scores so fresh discoveries are not
// buried under established sources.
func (Router) Rank(sub *model.Subscription, candidates []model.Candidate, health map[model.HealthKey]model.SourceHealth) []model.Candidate {
	ranked := make([]model.Candidate, len(candidates))
	copy(ranked, candidates)

	scoreOf := func(cand model.Candidate) float64 {
		if h, ok := health[cand.Key()]; ok {
			return h.Score
		}
		return cand.Confidence * 100.0
	}
	combined := func(cand model.Candidate) float64 {
		bonus := 0.0
		if sub.PreferredProvider != "" && sub.PreferredProvider == cand.Provider {
			bonus = 1000.0
		}
		return bonus + scoreOf(cand)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		ca, cb := combined(a), combined(b)
		if ca != cb {
			return ca > cb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.DiscoveredAtNs > b.DiscoveredAtNs
	})
	return ranked
}

// PickBest returns the top-ranked candidate, or nil when none exist.
func (r Router) PickBest(sub *model.Subscription, candidates []model.Candidate, health map[model.HealthKey]model.SourceHealth) *model.Candidate {
	ranked := r.Rank(sub, candidates, health)
	if len(ranked) == 0 {
		return nil
	}
	best := ranked[0]
	return &best
}
