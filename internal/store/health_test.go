package store

import (
	"testing"
	"time"

	"github.com/wxagent/wxagent/internal/model"
)

func TestRecordAttemptAndHealth_WritesBothRows(t *testing.T) {
	s := newTestStore(t)
	subID := seedSubscription(t, s, "healthsub")
	runID := seedSyncRun(t, s)
	now := time.Now().UnixNano()
	url := "https://rsshub.app/wechat/mp/healthsub"

	err := s.RecordAttemptAndHealth(
		model.FetchAttempt{
			SyncRunID: runID, SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
			Status: model.AttemptFailed, HTTPCode: 503, LatencyMs: 120,
			ErrorKind: model.ErrKindHTTP5xx, ErrorMessage: "HTTP 503", CreatedAtNs: now,
		},
		model.SourceHealth{
			SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
			State: model.HealthClosed, Score: 40, ConsecutiveFailures: 1,
			LastError: "HTTP 503", UpdatedAtNs: now,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	h, err := s.GetHealth(subID, "rsshub_mirror", url)
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.ConsecutiveFailures != 1 || h.State != model.HealthClosed {
		t.Fatalf("unexpected health: %+v", h)
	}

	attempts, err := s.ListAttemptsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != model.AttemptFailed || attempts[0].HTTPCode != 503 {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	// A second attempt overwrites the health row in place.
	err = s.RecordAttemptAndHealth(
		model.FetchAttempt{
			SyncRunID: runID, SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
			Status: model.AttemptSuccess, HTTPCode: 200, LatencyMs: 80, CreatedAtNs: now + 1,
		},
		model.SourceHealth{
			SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
			State: model.HealthClosed, Score: 90, ConsecutiveFailures: 0,
			LastOkAtNs: now + 1, UpdatedAtNs: now + 1,
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	h, err = s.GetHealth(subID, "rsshub_mirror", url)
	if err != nil {
		t.Fatal(err)
	}
	if h.ConsecutiveFailures != 0 || h.LastOkAtNs != now+1 || h.Score != 90 {
		t.Fatalf("health not overwritten: %+v", h)
	}
	list, err := s.ListHealth(subID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected single health row, got %+v", list)
	}
}

func TestListAttemptsSince_WindowsByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	subID := seedSubscription(t, s, "windowsub")
	runID := seedSyncRun(t, s)
	url := "https://rsshub.app/wechat/mp/windowsub"
	base := time.Now().UnixNano()

	for i, offset := range []int64{-3 * int64(time.Hour), -1 * int64(time.Hour), 0} {
		err := s.RecordAttemptAndHealth(
			model.FetchAttempt{
				SyncRunID: runID, SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
				Status: model.AttemptSuccess, HTTPCode: 200, LatencyMs: int64(100 + i),
				CreatedAtNs: base + offset,
			},
			model.SourceHealth{
				SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
				State: model.HealthClosed, UpdatedAtNs: base + offset,
			},
		)
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListAttemptsSince(subID, "rsshub_mirror", url, base-2*int64(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts in window, got %d", len(got))
	}
	if got[0].CreatedAtNs > got[1].CreatedAtNs {
		t.Fatalf("expected oldest-first order: %+v", got)
	}
}

func TestPruneAttemptsBefore(t *testing.T) {
	s := newTestStore(t)
	subID := seedSubscription(t, s, "prunesub")
	runID := seedSyncRun(t, s)
	url := "https://rsshub.app/wechat/mp/prunesub"
	base := time.Now().UnixNano()
	cutoff := base - 30*24*int64(time.Hour)

	for _, ns := range []int64{cutoff - 1, cutoff, base} {
		err := s.RecordAttemptAndHealth(
			model.FetchAttempt{
				SyncRunID: runID, SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
				Status: model.AttemptSuccess, HTTPCode: 200, CreatedAtNs: ns,
			},
			model.SourceHealth{
				SubscriptionID: subID, Provider: "rsshub_mirror", URL: url,
				State: model.HealthClosed, UpdatedAtNs: ns,
			},
		)
		if err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneAttemptsBefore(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}
	rest, err := s.ListAttemptsSince(subID, "rsshub_mirror", url, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 surviving attempts, got %d", len(rest))
	}
}
