package wechatweb

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
)

// Auto-bind outcome reasons.
const (
	BindReasonNoCandidate = "NO_CANDIDATE"
	BindReasonAmbiguous   = "AMBIGUOUS"
	BindReasonAutoBound   = "AUTO_BOUND"
)

// Comparable scores closer than this make an auto-bind ambiguous.
const ambiguityDelta = 0.1

var bindNormRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Candidate is one channel sender scored against a subscription name.
type Candidate struct {
	UserName string
	Nickname string
	Score    float64
}

// BindResult reports the outcome of an auto-bind attempt.
type BindResult struct {
	OK         bool
	UserName   string
	Confidence float64
	Reason     string
}

// Binder matches subscriptions to channel senders observed in the signed-in
// inbox and records the outcome.
type Binder struct {
	Store *store.Store

	// Now is overridable in tests.
	Now func() time.Time
}

func NewBinder(st *store.Store) *Binder {
	return &Binder{Store: st}
}

func (b *Binder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// FindCandidates scores every sender nickname observed on the account against
// the subscription name: 1.0 for an exact match after normalization, 0.90 when
// one name contains the other, otherwise 0.50 + ratio*0.4 for similarity
// ratios of at least 0.50. Results are sorted by score descending, nickname
// ascending on ties.
func (b *Binder) FindCandidates(accountID int64, subscriptionName string) ([]Candidate, error) {
	target := normName(subscriptionName)
	if target == "" {
		return nil, nil
	}
	rows, err := b.Store.ListOfficialAccounts(accountID)
	if err != nil {
		return nil, fmt.Errorf("list official accounts: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Nickname < rows[j].Nickname })

	targetRunes := []rune(target)
	var candidates []Candidate
	for _, row := range rows {
		cand := normName(row.Nickname)
		if cand == "" {
			continue
		}
		var score float64
		switch {
		case cand == target:
			score = 1.0
		case strings.Contains(cand, target) || strings.Contains(target, cand):
			score = 0.90
		default:
			ratio := matchRatio(targetRunes, []rune(cand))
			if ratio < 0.50 {
				continue
			}
			score = 0.50 + ratio*0.4
		}
		candidates = append(candidates, Candidate{UserName: row.UserName, Nickname: row.Nickname, Score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates, nil
}

// AutoBind picks the best candidate for a subscription and binds it when the
// match is unambiguous. Unmatched and ambiguous outcomes are recorded too so
// that source doctor can surface them.
func (b *Binder) AutoBind(accountID int64, sub model.Subscription) (BindResult, error) {
	candidates, err := b.FindCandidates(accountID, sub.Name)
	if err != nil {
		return BindResult{}, err
	}
	if len(candidates) == 0 {
		err := b.Store.UpsertBinding(model.SubscriptionBinding{
			SubscriptionID: sub.ID,
			Status:         model.BindUnmatched,
			BoundAtNs:      b.now().UTC().UnixNano(),
		})
		if err != nil {
			return BindResult{}, fmt.Errorf("record unmatched binding: %w", err)
		}
		return BindResult{Reason: BindReasonNoCandidate}, nil
	}
	top := candidates[0]
	if len(candidates) > 1 && top.Score-candidates[1].Score < ambiguityDelta {
		err := b.Store.UpsertBinding(model.SubscriptionBinding{
			SubscriptionID: sub.ID,
			Status:         model.BindAmbiguous,
			Score:          top.Score,
			BoundAtNs:      b.now().UTC().UnixNano(),
		})
		if err != nil {
			return BindResult{}, fmt.Errorf("record ambiguous binding: %w", err)
		}
		return BindResult{Confidence: top.Score, Reason: BindReasonAmbiguous}, nil
	}
	if err := b.Bind(sub.ID, top.UserName, top.Score); err != nil {
		return BindResult{}, err
	}
	return BindResult{OK: true, UserName: top.UserName, Confidence: top.Score, Reason: BindReasonAutoBound}, nil
}

// Bind records a confirmed subscription-to-sender binding.
func (b *Binder) Bind(subscriptionID int64, userName string, confidence float64) error {
	return b.Store.UpsertBinding(model.SubscriptionBinding{
		SubscriptionID: subscriptionID,
		UserName:       userName,
		Status:         model.BindBound,
		Score:          confidence,
		BoundAtNs:      b.now().UTC().UnixNano(),
	})
}

// BoundUserName returns the bound sender for a subscription, or "" when the
// subscription has no confirmed binding.
func (b *Binder) BoundUserName(subscriptionID int64) (string, error) {
	row, err := b.Store.GetBinding(subscriptionID)
	if err != nil {
		return "", err
	}
	if row == nil || row.Status != model.BindBound || row.UserName == "" {
		return "", nil
	}
	return row.UserName, nil
}

// normName lowercases a display name and strips everything that is not a
// letter or digit, so that decorations like spaces, dashes and emoji do not
// defeat the match.
func normName(s string) string {
	return bindNormRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
}

// matchRatio reports how similar two rune sequences are, in [0, 1]. It is the
// classic Ratcliff/Obershelp measure: repeatedly take the longest common
// block, recurse on the pieces before and after it, and score
// 2*matched/(len(a)+len(b)).
func matchRatio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1.0
	}
	b2j := make(map[rune][]int, len(b))
	for j, r := range b {
		b2j[r] = append(b2j[r], j)
	}

	type span struct{ alo, ahi, blo, bhi int }
	queue := []span{{0, len(a), 0, len(b)}}
	matched := 0
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		i, j, k := longestMatch(a, b2j, s.alo, s.ahi, s.blo, s.bhi)
		if k == 0 {
			continue
		}
		matched += k
		if s.alo < i && s.blo < j {
			queue = append(queue, span{s.alo, i, s.blo, j})
		}
		if i+k < s.ahi && j+k < s.bhi {
			queue = append(queue, span{i + k, s.ahi, j + k, s.bhi})
		}
	}
	return 2.0 * float64(matched) / float64(total)
}

// longestMatch finds the longest block of a[alo:ahi] that also appears in
// b[blo:bhi], preferring the earliest occurrence on ties. b2j indexes rune
// positions in b, ascending.
func longestMatch(a []rune, b2j map[rune][]int, alo, ahi, blo, bhi int) (besti, bestj, bestk int) {
	besti, bestj = alo, blo
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestk {
				besti, bestj, bestk = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, bestk
}
