// Package syncqueue buffers incident mutations that could not be confirmed
// synchronously and replays them against the backend. Entries drain in
// strict FIFO order per target incident; independent incidents drain
// concurrently. The queue journals itself to disk so pending writes survive
// a restart.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/types"
)

// MutationKind is the kind of buffered write.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is one pending local write. Creates carry a client-generated
// idempotency key that is reused verbatim on every replay attempt, so a
// write whose acknowledgment was lost cannot duplicate server-side.
type Mutation struct {
	Kind           MutationKind         `json:"kind"`
	IncidentID     string               `json:"incident_id,omitempty"`
	Draft          *types.IncidentDraft `json:"draft,omitempty"`
	Patch          *types.IncidentPatch `json:"patch,omitempty"`
	BaseVersion    int64                `json:"base_version,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// Entry wraps one queued mutation. Entries are owned exclusively by the
// queue; callers only ever see copies.
type Entry struct {
	ID         string    `json:"id"`
	Mutation   Mutation  `json:"mutation"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// ApplyFunc executes one mutation against the backend. Returning an error
// wrapping types.ErrRemoteUnavailable counts a retryable attempt; any other
// error is terminal and moves the entry to the failed set immediately.
type ApplyFunc func(ctx context.Context, m Mutation) error

// DrainResult accounts for one drain cycle.
type DrainResult struct {
	Confirmed    []Entry
	StillPending []Entry
	Failed       []Entry
}

// Queue is the durable local write buffer.
type Queue struct {
	mu      sync.Mutex
	drainMu sync.Mutex // serializes Drain cycles
	log     *logrus.Logger
	ceiling int
	journal string

	pending  []*Entry
	failed   []*Entry
	inflight map[string]bool
}

// New creates a queue with the given retry ceiling, loading any journaled
// entries from journalPath. An empty path disables the journal.
func New(journalPath string, ceiling int, log *logrus.Logger) (*Queue, error) {
	if ceiling <= 0 {
		ceiling = 5
	}
	q := &Queue{log: log, ceiling: ceiling, journal: journalPath, inflight: make(map[string]bool)}
	if err := q.loadJournal(); err != nil {
		return nil, fmt.Errorf("failed to load queue journal: %w", err)
	}
	return q, nil
}

// Enqueue buffers a mutation and returns the entry ID. Creates without an
// idempotency key get one assigned here, before the first send.
func (q *Queue) Enqueue(m Mutation) (string, error) {
	switch m.Kind {
	case MutationCreate:
		if m.Draft == nil {
			return "", fmt.Errorf("create mutation requires a draft")
		}
		if m.IdempotencyKey == "" {
			m.IdempotencyKey = uuid.NewString()
		}
	case MutationUpdate:
		if m.IncidentID == "" || m.Patch.IsEmpty() {
			return "", fmt.Errorf("update mutation requires incident_id and a non-empty patch")
		}
	case MutationDelete:
		if m.IncidentID == "" {
			return "", fmt.Errorf("delete mutation requires incident_id")
		}
	default:
		return "", fmt.Errorf("unknown mutation kind %q", m.Kind)
	}

	e := &Entry{ID: uuid.NewString(), Mutation: m, EnqueuedAt: time.Now()}

	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.persistLocked()
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"entry_id": e.ID, "kind": m.Kind, "incident_id": m.IncidentID,
	}).Info("Mutation queued")
	return e.ID, nil
}

// Cancel removes a queued-but-undrained entry, or acknowledges a failed
// one. An entry already handed to the running drain cycle is past
// cancellation and returns an error.
func (q *Queue) Cancel(entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[entryID] {
		return fmt.Errorf("queue entry %s is draining and can no longer be cancelled", entryID)
	}
	for i, e := range q.pending {
		if e.ID == entryID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.persistLocked()
			return nil
		}
	}
	for i, e := range q.failed {
		if e.ID == entryID {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			q.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("queue entry %s: %w", entryID, types.ErrNotFound)
}

// Retry moves a failed entry back to pending with its attempt counter
// reset. The entry re-enters ahead of any later writes queued for the same
// incident, so replay order still matches enqueue order.
func (q *Queue) Retry(entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.failed {
		if e.ID == entryID {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			e.Attempts = 0
			e.LastError = ""
			pos := len(q.pending)
			if e.Mutation.IncidentID != "" {
				for j, p := range q.pending {
					if p.Mutation.IncidentID == e.Mutation.IncidentID {
						pos = j
						break
					}
				}
			}
			q.pending = append(q.pending, nil)
			copy(q.pending[pos+1:], q.pending[pos:])
			q.pending[pos] = e
			q.persistLocked()
			return nil
		}
	}
	return fmt.Errorf("failed queue entry %s: %w", entryID, types.ErrNotFound)
}

// PendingCount returns the number of entries awaiting drain.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// FailedCount returns the number of entries awaiting operator action.
func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// Pending returns copies of the pending entries in drain order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyEntries(q.pending)
}

// Failed returns copies of the failed entries.
func (q *Queue) Failed() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyEntries(q.failed)
}

func copyEntries(src []*Entry) []Entry {
	out := make([]Entry, 0, len(src))
	for _, e := range src {
		out = append(out, *e)
	}
	return out
}

type disposition int

const (
	dispPending disposition = iota
	dispConfirmed
	dispFailed
)

// Drain replays pending entries through apply. It operates on a snapshot
// taken at invocation start, so entries enqueued mid-drain wait for the
// next cycle. Each incident's entries form a lane replayed in order; a lane
// stops at its first unconfirmed entry, and an incident with an entry in
// the failed set keeps its whole lane parked until the operator retries or
// cancels it, so a delete can never overtake the update queued before it.
// Lanes for different incidents run concurrently.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	blocked := make(map[string]bool, len(q.failed))
	for _, e := range q.failed {
		if e.Mutation.IncidentID != "" {
			blocked[e.Mutation.IncidentID] = true
		}
	}
	snapshot := make([]*Entry, 0, len(q.pending))
	for _, e := range q.pending {
		if e.Mutation.IncidentID != "" && blocked[e.Mutation.IncidentID] {
			continue
		}
		snapshot = append(snapshot, e)
		q.inflight[e.ID] = true
	}
	q.mu.Unlock()

	// Group into per-incident lanes, preserving enqueue order. Creates have
	// no target yet and each form their own lane.
	laneKeys := make([]string, 0)
	lanes := make(map[string][]*Entry)
	for _, e := range snapshot {
		key := e.Mutation.IncidentID
		if key == "" {
			key = "create/" + e.ID
		}
		if _, ok := lanes[key]; !ok {
			laneKeys = append(laneKeys, key)
		}
		lanes[key] = append(lanes[key], e)
	}

	disp := make(map[string]disposition, len(snapshot))
	var dispMu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range laneKeys {
		lane := lanes[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.drainLane(ctx, lane, apply, disp, &dispMu)
		}()
	}
	wg.Wait()

	var res DrainResult
	q.mu.Lock()
	q.inflight = make(map[string]bool)
	var remaining []*Entry
	for _, e := range q.pending {
		switch disp[e.ID] {
		case dispConfirmed:
			res.Confirmed = append(res.Confirmed, *e)
		case dispFailed:
			q.failed = append(q.failed, e)
			res.Failed = append(res.Failed, *e)
		default:
			remaining = append(remaining, e)
			res.StillPending = append(res.StillPending, *e)
		}
	}
	q.pending = remaining
	q.persistLocked()
	q.mu.Unlock()
	return res
}

func (q *Queue) drainLane(ctx context.Context, lane []*Entry, apply ApplyFunc, disp map[string]disposition, dispMu *sync.Mutex) {
	for _, e := range lane {
		if ctx.Err() != nil {
			return
		}
		err := apply(ctx, e.Mutation)
		if err == nil {
			dispMu.Lock()
			disp[e.ID] = dispConfirmed
			dispMu.Unlock()
			continue
		}

		q.mu.Lock()
		e.Attempts++
		e.LastError = err.Error()
		terminal := !isTransient(err)
		exhausted := e.Attempts >= q.ceiling
		if exhausted && !terminal {
			e.LastError = fmt.Sprintf("%v: %v", types.ErrRetryExhausted, err)
		}
		q.mu.Unlock()

		if terminal || exhausted {
			dispMu.Lock()
			disp[e.ID] = dispFailed
			dispMu.Unlock()
			q.log.WithFields(logrus.Fields{
				"entry_id": e.ID, "kind": e.Mutation.Kind, "attempts": e.Attempts,
			}).WithError(err).Warn("Queue entry moved to failed set")
		}
		// Lane stops at the first unconfirmed entry to preserve order.
		return
	}
}

func isTransient(err error) bool {
	return errors.Is(err, types.ErrRemoteUnavailable)
}
