package bulk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/store"
	"github.com/invisible-tech/incident-core/internal/types"
	"github.com/invisible-tech/incident-core/pkg/backend"
)

type fakeBackend struct {
	outcomes []backend.BulkItemOutcome
	err      error

	gotKind   types.BulkKind
	gotIDs    []string
	gotReason string
	gotStatus string
	calls     int
}

func (f *fakeBackend) BulkApply(ctx context.Context, kind types.BulkKind, ids []string, reason, status string) ([]backend.BulkItemOutcome, error) {
	f.calls++
	f.gotKind, f.gotIDs, f.gotReason, f.gotStatus = kind, ids, reason, status
	return f.outcomes, f.err
}

func newCoordinator(fb *fakeBackend) (*Coordinator, *store.Store) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	st := store.New()
	return New(fb, st, log), st
}

func approved(id string, version int64) backend.BulkItemOutcome {
	return backend.BulkItemOutcome{
		ID: id, OK: true,
		Incident: &types.Incident{ID: id, Title: "t", Status: types.StatusApproved, CreatedAt: time.Now(), Version: version},
	}
}

func TestRun_Preconditions(t *testing.T) {
	fb := &fakeBackend{}
	c, _ := newCoordinator(fb)
	ctx := context.Background()

	cases := []struct {
		name string
		kind types.BulkKind
		ids  []string
		opts Options
	}{
		{"empty ids", types.BulkApprove, nil, Options{}},
		{"reject without reason", types.BulkReject, []string{"inc-1"}, Options{}},
		{"delete without reason", types.BulkDelete, []string{"inc-1"}, Options{}},
		{"status change without status", types.BulkStatusChange, []string{"inc-1"}, Options{}},
		{"status change with bogus status", types.BulkStatusChange, []string{"inc-1"}, Options{Status: "closed-ish"}},
		{"unknown kind", types.BulkKind("merge"), []string{"inc-1"}, Options{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Run(ctx, tc.kind, tc.ids, tc.opts)
			if !errors.Is(err, types.ErrPreconditionFailed) {
				t.Errorf("want precondition failure, got %v", err)
			}
		})
	}
	if fb.calls != 0 {
		t.Errorf("malformed batches must never reach the backend: %d calls", fb.calls)
	}
}

func TestRun_AllSucceed(t *testing.T) {
	fb := &fakeBackend{outcomes: []backend.BulkItemOutcome{approved("inc-1", 2), approved("inc-2", 3)}}
	c, st := newCoordinator(fb)

	res, err := c.Run(context.Background(), types.BulkApprove, []string{"inc-1", "inc-2"}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 2 || res.Failed != 0 || len(res.Errors) != 0 {
		t.Errorf("result: %+v", res)
	}
	if got, _ := st.Get("inc-1"); got == nil || got.Status != types.StatusApproved {
		t.Errorf("accepted items must land in the store: %+v", got)
	}
}

func TestRun_MixedOutcomesExactAccounting(t *testing.T) {
	ids := []string{"inc-1", "inc-2", "inc-3", "inc-4", "inc-5"}
	fb := &fakeBackend{outcomes: []backend.BulkItemOutcome{
		approved("inc-1", 2),
		approved("inc-2", 2),
		{ID: "inc-3", OK: false, Error: "incident not found"},
		approved("inc-4", 2),
		approved("inc-5", 2),
	}}
	c, _ := newCoordinator(fb)

	res, err := c.Run(context.Background(), types.BulkApprove, ids, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 4 || res.Failed != 1 {
		t.Errorf("counts: success=%d failed=%d", res.Success, res.Failed)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "inc-3" || res.Errors[0].Error != "incident not found" {
		t.Errorf("errors: %+v", res.Errors)
	}
	if res.Success+res.Failed != len(ids) {
		t.Errorf("accounting must cover every id: %d+%d != %d", res.Success, res.Failed, len(ids))
	}
}

func TestRun_MissingOutcomeCountedFailed(t *testing.T) {
	fb := &fakeBackend{outcomes: []backend.BulkItemOutcome{approved("inc-1", 2)}}
	c, _ := newCoordinator(fb)

	res, err := c.Run(context.Background(), types.BulkApprove, []string{"inc-1", "inc-2"}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 1 || res.Failed != 1 {
		t.Errorf("counts: %+v", res)
	}
	if res.Errors[0].ID != "inc-2" || res.Errors[0].Error != "no result returned for id" {
		t.Errorf("errors: %+v", res.Errors)
	}
}

func TestRun_AllFail(t *testing.T) {
	fb := &fakeBackend{outcomes: []backend.BulkItemOutcome{
		{ID: "inc-1", OK: false, Error: "already resolved"},
		{ID: "inc-2", OK: false, Error: "already resolved"},
	}}
	c, _ := newCoordinator(fb)

	res, err := c.Run(context.Background(), types.BulkReject, []string{"inc-1", "inc-2"}, Options{Reason: "duplicate report"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 0 || res.Failed != 2 || len(res.Errors) != 2 {
		t.Errorf("result: %+v", res)
	}
}

func TestRun_DeleteRemovesFromStore(t *testing.T) {
	fb := &fakeBackend{outcomes: []backend.BulkItemOutcome{{ID: "inc-1", OK: true}}}
	c, st := newCoordinator(fb)
	st.Apply(&types.Incident{ID: "inc-1", Version: 1})

	res, err := c.Run(context.Background(), types.BulkDelete, []string{"inc-1"}, Options{Reason: "test data"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 1 {
		t.Errorf("result: %+v", res)
	}
	if _, ok := st.Get("inc-1"); ok {
		t.Error("deleted incident still in store")
	}
}

func TestRun_BackendErrorAbortsWholeBatch(t *testing.T) {
	fb := &fakeBackend{err: fmt.Errorf("post: %w", types.ErrRemoteUnavailable)}
	c, _ := newCoordinator(fb)

	_, err := c.Run(context.Background(), types.BulkApprove, []string{"inc-1"}, Options{})
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Errorf("transport failure must surface: %v", err)
	}
}

func TestRun_ForwardsOperationParameters(t *testing.T) {
	fb := &fakeBackend{outcomes: []backend.BulkItemOutcome{approved("inc-1", 2)}}
	c, _ := newCoordinator(fb)

	if _, err := c.Run(context.Background(), types.BulkStatusChange, []string{"inc-1"}, Options{Status: types.StatusInvestigating}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fb.gotKind != types.BulkStatusChange || fb.gotStatus != types.StatusInvestigating {
		t.Errorf("forwarded: kind=%s status=%s", fb.gotKind, fb.gotStatus)
	}
}
