// Package coverage computes the per-day acquisition rollup: how many
// subscriptions delivered, were delayed, or failed in the day's sync run.
package coverage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
	"github.com/wxagent/wxagent/internal/view"
)

// SubscriptionDetail is one subscription's row inside the persisted detail
// JSON and the rendered report.
type SubscriptionDetail struct {
	Name      string                `json:"name"`
	WechatID  string                `json:"wechat_id"`
	Status    model.DiscoveryStatus `json:"status"`
	ErrorKind model.ErrorKind       `json:"error_kind,omitempty"`
}

// Report is the computed coverage for one date.
type Report struct {
	Daily        model.CoverageDaily
	Details      []SubscriptionDetail
	FailureKinds map[model.ErrorKind]int
	RunID        int64 // 0 when no sync run exists yet
	SLATarget    float64
	MeetsSLA     bool
}

// Service aggregates discovery outcomes into coverage_daily rows.
type Service struct {
	Store     *store.Store
	SLATarget float64

	// Now is injectable for tests.
	Now func() time.Time
}

func New(st *store.Store, slaTarget float64) *Service {
	return &Service{Store: st, SLATarget: slaTarget}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Compute builds and persists the rollup for one local calendar day. The
// reference run is the most recent one started within the day window, else
// the most recent run overall; subscriptions without a discovery row in
// that run count as FAILED.
func (s *Service) Compute(day time.Time) (*Report, error) {
	start, end := view.DayBoundsLocal(day)
	run, err := s.Store.LatestSyncRunStartedBetween(start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load day run: %w", err)
	}
	if run == nil {
		if run, err = s.Store.LatestSyncRun(); err != nil {
			return nil, fmt.Errorf("load latest run: %w", err)
		}
	}

	bySub := make(map[int64]model.DiscoveryRun)
	var runID int64
	if run != nil {
		runID = run.ID
		rows, err := s.Store.ListDiscoveryRuns(run.ID)
		if err != nil {
			return nil, fmt.Errorf("load discovery runs: %w", err)
		}
		for _, row := range rows {
			bySub[row.SubscriptionID] = row
		}
	}

	subs, err := s.Store.ListSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	report := &Report{
		FailureKinds: make(map[model.ErrorKind]int),
		RunID:        runID,
		SLATarget:    s.SLATarget,
	}
	var success, delayed, failed int
	for _, sub := range subs {
		detail := SubscriptionDetail{Name: sub.Name, WechatID: sub.WechatID, Status: model.DiscoveryFailed}
		if row, ok := bySub[sub.ID]; ok {
			detail.Status = row.Status
			detail.ErrorKind = row.ErrorKind
		}
		switch detail.Status {
		case model.DiscoverySuccess:
			success++
		case model.DiscoveryDelayed:
			delayed++
		default:
			detail.Status = model.DiscoveryFailed
			failed++
			kind := detail.ErrorKind
			if kind == "" {
				kind = model.ErrKindUnknown
			}
			report.FailureKinds[kind]++
		}
		report.Details = append(report.Details, detail)
	}

	ratio := 1.0
	if len(subs) > 0 {
		ratio = float64(success+delayed) / float64(len(subs))
	}
	detailJSON, err := json.Marshal(report.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal coverage detail: %w", err)
	}

	report.Daily = model.CoverageDaily{
		Date:               view.DayKey(day),
		TotalSubscriptions: len(subs),
		SuccessCount:       success,
		DelayedCount:       delayed,
		FailedCount:        failed,
		CoverageRatio:      ratio,
		DetailJSON:         string(detailJSON),
		GeneratedAtNs:      s.now().UnixNano(),
	}
	report.MeetsSLA = s.SLATarget <= 0 || ratio >= s.SLATarget

	if err := s.Store.UpsertCoverageDaily(report.Daily); err != nil {
		return nil, fmt.Errorf("persist coverage: %w", err)
	}
	return report, nil
}
