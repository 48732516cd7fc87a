package source

import (
	"math"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
)

// HealthWeights are the scoring weights over the 24h attempt window. They
// should sum to 1.0.
type HealthWeights struct {
	Success   float64
	Latency   float64
	Freshness float64
	Coverage  float64
}

// HealthService maintains per-candidate reliability scores and the circuit
// breaker state machine (CLOSED -> OPEN after repeated failures -> HALF_OPEN
// once the cooldown elapses).
type HealthService struct {
	Store         *store.Store
	FailThreshold int
	Cooldown      time.Duration
	Weights       HealthWeights
	Now           func() time.Time
}

func NewHealthService(st *store.Store, failThreshold int, cooldown time.Duration, weights HealthWeights) *HealthService {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if cooldown < time.Minute {
		cooldown = time.Minute
	}
	return &HealthService{
		Store:         st,
		FailThreshold: failThreshold,
		Cooldown:      cooldown,
		Weights:       weights,
	}
}

// LoadHealthMap returns all health rows for one subscription keyed for
// candidate lookup.
func (s *HealthService) LoadHealthMap(subscriptionID int64) (map[model.HealthKey]model.SourceHealth, error) {
	rows, err := s.Store.ListHealth(subscriptionID)
	if err != nil {
		return nil, err
	}
	result := make(map[model.HealthKey]model.SourceHealth, len(rows))
	for _, row := range rows {
		result[model.HealthKey{Provider: row.Provider, URL: row.URL}] = row
	}
	return result, nil
}

// ShouldSkipForCircuit reports whether the candidate's circuit is open. An
// open circuit whose cooldown has elapsed transitions to HALF_OPEN and is
// allowed one trial attempt.
func (s *HealthService) ShouldSkipForCircuit(subscriptionID int64, cand model.Candidate) (bool, error) {
	h, err := s.Store.GetHealth(subscriptionID, cand.Provider, cand.URL)
	if err != nil {
		return false, err
	}
	if h == nil || h.State != model.HealthOpen {
		return false, nil
	}
	now := s.now()
	if h.CooldownUntilNs != 0 && h.CooldownUntilNs > now.UnixNano() {
		return true, nil
	}
	h.State = model.HealthHalfOpen
	h.UpdatedAtNs = now.UnixNano()
	if err := s.Store.UpsertHealth(*h); err != nil {
		return false, err
	}
	return false, nil
}

// RecordAttempt logs one attempt and applies the health transition plus the
// rolling 24h metric refresh, all in a single store transaction.
func (s *HealthService) RecordAttempt(subscriptionID, syncRunID int64, cand model.Candidate, status model.AttemptStatus, latencyMs int64, kind model.ErrorKind, message string) error {
	now := s.now()
	nowNs := now.UnixNano()

	attempt := model.FetchAttempt{
		SyncRunID:      syncRunID,
		SubscriptionID: subscriptionID,
		Provider:       cand.Provider,
		URL:            cand.URL,
		Status:         status,
		LatencyMs:      max(latencyMs, 0),
		ErrorKind:      kind,
		ErrorMessage:   message,
		CreatedAtNs:    nowNs,
	}

	existing, err := s.Store.GetHealth(subscriptionID, cand.Provider, cand.URL)
	if err != nil {
		return err
	}
	var h model.SourceHealth
	if existing != nil {
		h = *existing
	} else {
		h = model.SourceHealth{
			SubscriptionID: subscriptionID,
			Provider:       cand.Provider,
			URL:            cand.URL,
			State:          model.HealthClosed,
			Score:          cand.Confidence * 100.0,
		}
	}

	switch status {
	case model.AttemptSuccess:
		h.ConsecutiveFailures = 0
		h.State = model.HealthClosed
		h.CooldownUntilNs = 0
		h.LastOkAtNs = nowNs
		h.LastError = ""
	case model.AttemptFailed:
		h.ConsecutiveFailures++
		h.LastError = message
		if h.ConsecutiveFailures >= s.FailThreshold {
			h.State = model.HealthOpen
			h.CooldownUntilNs = now.Add(s.Cooldown).UnixNano()
		} else if h.State == model.HealthOpen {
			h.State = model.HealthHalfOpen
		}
	}
	h.UpdatedAtNs = nowNs

	windowStart := nowNs - (24 * time.Hour).Nanoseconds()
	attempts, err := s.Store.ListAttemptsSince(subscriptionID, cand.Provider, cand.URL, windowStart)
	if err != nil {
		return err
	}
	// The new attempt is not persisted yet; include it so the window covers
	// the transition being recorded.
	attempts = append(attempts, attempt)
	s.refreshMetrics(&h, attempts, now)

	return s.Store.RecordAttemptAndHealth(attempt, h)
}

func (s *HealthService) refreshMetrics(h *model.SourceHealth, attempts []model.FetchAttempt, now time.Time) {
	if len(attempts) == 0 {
		h.SuccessRate24h = 0
		h.AvgLatencyMs = 0
		h.Score = clamp(h.Score, 0, 100)
		return
	}

	total := len(attempts)
	success := 0
	var latencySum float64
	for _, a := range attempts {
		if a.Status == model.AttemptSuccess {
			success++
		}
		latencySum += float64(a.LatencyMs)
	}
	successRate := float64(success) / float64(total)
	avgLatency := latencySum / float64(total)

	freshness := 0.0
	if h.LastOkAtNs != 0 {
		ageHours := math.Max(float64(now.UnixNano()-h.LastOkAtNs)/float64(time.Hour), 0)
		freshness = clamp(1.0-ageHours/24.0, 0, 1)
	}
	latencyNorm := clamp(avgLatency/5000.0, 0, 1)
	coverage := clamp(float64(total)/7.0, 0, 1)

	score := 100.0 * (s.Weights.Success*successRate +
		s.Weights.Latency*(1.0-latencyNorm) +
		s.Weights.Freshness*freshness +
		s.Weights.Coverage*coverage)

	h.SuccessRate24h = successRate
	h.AvgLatencyMs = avgLatency
	h.Score = clamp(score, 0, 100)
}

func (s *HealthService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// StaleHours reports how many whole hours have passed since the last
// successful fetch. The second return is false when no success was ever
// recorded.
func StaleHours(lastOkNs int64, now time.Time) (int, bool) {
	if lastOkNs == 0 {
		return 0, false
	}
	hours := int(now.Sub(time.Unix(0, lastOkNs)).Hours())
	return max(hours, 0), true
}
