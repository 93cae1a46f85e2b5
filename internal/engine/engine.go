// Package engine orchestrates the incident store, sync queue, conflict
// resolution, bulk operations, and trust/health recomputation. It is the
// only writer of the shared state the UI reads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/bulk"
	"github.com/invisible-tech/incident-core/internal/config"
	"github.com/invisible-tech/incident-core/internal/devhealth"
	"github.com/invisible-tech/incident-core/internal/resolver"
	"github.com/invisible-tech/incident-core/internal/store"
	"github.com/invisible-tech/incident-core/internal/syncqueue"
	"github.com/invisible-tech/incident-core/internal/trust"
	"github.com/invisible-tech/incident-core/internal/types"
	"github.com/invisible-tech/incident-core/pkg/backend"
)

// Prometheus metrics (registered once).
var (
	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inccore_queue_pending",
			Help: "Sync queue entries awaiting drain",
		},
	)
	queueFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inccore_queue_failed",
			Help: "Sync queue entries awaiting operator action",
		},
	)
	conflictsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inccore_conflicts_detected_total",
			Help: "Total update conflicts detected against the backend",
		},
	)
	drainConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inccore_drain_confirmed_total",
			Help: "Total queue entries confirmed by drain cycles",
		},
	)
	bulkItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inccore_bulk_items_total",
			Help: "Total bulk operation items by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	refreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inccore_refresh_failures_total",
			Help: "Total failed backend refresh cycles",
		},
	)
)

func init() {
	prometheus.MustRegister(queuePending)
	prometheus.MustRegister(queueFailed)
	prometheus.MustRegister(conflictsDetected)
	prometheus.MustRegister(drainConfirmed)
	prometheus.MustRegister(bulkItems)
	prometheus.MustRegister(refreshFailures)
}

// Backend is the slice of the backend API the engine consumes. Implemented
// by *backend.Client; tests substitute fakes.
type Backend interface {
	ListIncidents(ctx context.Context) ([]*types.Incident, error)
	CreateIncident(ctx context.Context, idempotencyKey string, draft *types.IncidentDraft) (*types.Incident, error)
	UpdateIncident(ctx context.Context, id string, baseVersion int64, patch *types.IncidentPatch) (*types.Incident, error)
	DeleteIncident(ctx context.Context, id string) error
	AgentPerformance(ctx context.Context, agentID string) (*types.AgentPerformanceMetrics, error)
	ListDevices(ctx context.Context) ([]types.DeviceSnapshot, error)
	BulkApply(ctx context.Context, kind types.BulkKind, ids []string, reason, status string) ([]backend.BulkItemOutcome, error)
}

// QueueStatus is the read-only queue snapshot published to the UI.
type QueueStatus struct {
	PendingCount int              `json:"pending_count"`
	FailedCount  int              `json:"failed_count"`
	Pending      []syncqueue.Entry `json:"pending"`
	Failed       []syncqueue.Entry `json:"failed"`
}

// Engine is the incident synchronization and trust core.
type Engine struct {
	cfg     config.CoreConfig
	log     *logrus.Logger
	backend Backend

	store       *store.Store
	queue       *syncqueue.Queue
	coordinator *bulk.Coordinator
	health      *devhealth.Monitor

	tunables func() config.Tunables

	trustMu sync.RWMutex
	trust   map[string]types.AgentTrustView

	lastBulkMu sync.RWMutex
	lastBulk   *types.BulkOperationResult
}

// New creates an engine. tunables supplies the current scoring parameters;
// pass config.DefaultTunables via a closure when no watcher is configured.
func New(cfg config.CoreConfig, b Backend, q *syncqueue.Queue, tunables func() config.Tunables, log *logrus.Logger) *Engine {
	st := store.New()
	return &Engine{
		cfg:         cfg,
		log:         log,
		backend:     b,
		store:       st,
		queue:       q,
		coordinator: bulk.New(b, st, log),
		health:      devhealth.New(log),
		tunables:    tunables,
		trust:       make(map[string]types.AgentTrustView),
	}
}

// Health returns the device health monitor, for wiring the heartbeat feed.
func (e *Engine) Health() *devhealth.Monitor {
	return e.health
}

// Start begins the refresh and drain loops.
func (e *Engine) Start(ctx context.Context) {
	go e.refreshLoop(ctx)
	go e.drainLoop(ctx)
}

// CreateIncident submits a new incident. When the backend is unreachable
// the create is queued with its idempotency key fixed and queued=true is
// returned; replay cannot duplicate the incident.
func (e *Engine) CreateIncident(ctx context.Context, draft *types.IncidentDraft) (*types.Incident, bool, error) {
	if draft == nil || draft.Title == "" {
		return nil, false, fmt.Errorf("%w: incident title is required", types.ErrPreconditionFailed)
	}
	if err := draft.Source.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", types.ErrPreconditionFailed, err)
	}
	if draft.Status == "" {
		draft.Status = types.StatusPending
	}
	if draft.Severity == "" {
		draft.Severity = types.SeverityMedium
	}

	key := uuid.NewString()
	inc, err := e.backend.CreateIncident(ctx, key, draft)
	if errors.Is(err, types.ErrRemoteUnavailable) {
		if _, qerr := e.queue.Enqueue(syncqueue.Mutation{
			Kind:           syncqueue.MutationCreate,
			Draft:          draft,
			IdempotencyKey: key,
		}); qerr != nil {
			return nil, false, qerr
		}
		e.updateQueueGauges()
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	e.store.Apply(inc)
	if inc.Source.Kind == types.SourceDevice {
		e.health.ObserveIncident(inc.Source.DeviceID)
	}
	return inc, false, nil
}

// UpdateIncident submits changed fields for an incident. On a clean base
// the update applies directly. On a conflict the behavior follows policy:
// with no policy the conflict comes back as data for the UI to act on; with
// overwrite or merge the resolved snapshot is resubmitted against the
// server's version; with cancel the local changes are discarded. A merge
// where both sides changed a field to different values returns
// MergeConflictError (after one re-fetch retry when MergeRetry is on).
// When the backend is unreachable the update is queued and queued=true is
// returned.
func (e *Engine) UpdateIncident(ctx context.Context, id string, patch *types.IncidentPatch, policy resolver.Policy) (*resolver.Result, bool, error) {
	if patch.IsEmpty() {
		return nil, false, fmt.Errorf("%w: empty patch", types.ErrPreconditionFailed)
	}
	base, ok := e.store.Get(id)
	if !ok {
		return nil, false, fmt.Errorf("incident %s: %w", id, types.ErrNotFound)
	}

	res, err := e.submitUpdate(ctx, id, base, patch, policy, e.cfg.MergeRetry)
	if errors.Is(err, types.ErrRemoteUnavailable) {
		if _, qerr := e.queue.Enqueue(syncqueue.Mutation{
			Kind:        syncqueue.MutationUpdate,
			IncidentID:  id,
			Patch:       patch,
			BaseVersion: base.Version,
		}); qerr != nil {
			return nil, false, qerr
		}
		e.updateQueueGauges()
		return nil, true, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		e.store.Delete(id)
	}
	return res, false, err
}

// submitUpdate runs the PATCH / reconcile / resubmit cycle.
func (e *Engine) submitUpdate(ctx context.Context, id string, base *types.Incident, patch *types.IncidentPatch, policy resolver.Policy, mergeRetry bool) (*resolver.Result, error) {
	inc, err := e.backend.UpdateIncident(ctx, id, base.Version, patch)
	if err == nil {
		e.store.Apply(inc)
		return &resolver.Result{Outcome: resolver.OutcomeApplied, Snapshot: inc}, nil
	}

	var conflict *types.ConflictError
	if !errors.As(err, &conflict) {
		return nil, err
	}
	conflictsDetected.Inc()

	res, rerr := resolver.Reconcile(base, patch, conflict.Server, policy)
	if rerr != nil {
		var mc *types.MergeConflictError
		if errors.As(rerr, &mc) && mergeRetry {
			// The server may have moved again since the conflicting copy we
			// merged against; one re-fetch pass before giving up.
			return e.submitUpdate(ctx, id, conflict.Server, patch, policy, false)
		}
		return nil, rerr
	}

	switch res.Outcome {
	case resolver.OutcomeConflict:
		// Server state is authoritative and server-acked; the UI re-invokes
		// with a policy using the returned snapshots.
		e.store.Apply(conflict.Server)
		return res, nil

	case resolver.OutcomeCancelled:
		e.store.Apply(conflict.Server)
		return res, nil

	default:
		// Overwritten or merged: resubmit the resolved snapshot against the
		// server's version. The server assigns the final UpdatedAt/Version.
		resubmit := resolver.Patch(conflict.Server, res.Snapshot)
		if resubmit.IsEmpty() {
			e.store.Apply(conflict.Server)
			res.Snapshot = conflict.Server.Clone()
			return res, nil
		}
		applied, aerr := e.backend.UpdateIncident(ctx, id, conflict.Server.Version, resubmit)
		if aerr != nil {
			var again *types.ConflictError
			if errors.As(aerr, &again) {
				// Server moved once more mid-resolution; run the cycle on
				// the fresh copy.
				conflictsDetected.Inc()
				return e.submitUpdate(ctx, id, conflict.Server, patch, policy, mergeRetry)
			}
			return nil, aerr
		}
		e.store.Apply(applied)
		res.Snapshot = applied
		return res, nil
	}
}

// DeleteIncident deletes an incident, queueing the delete when the backend
// is unreachable. A server-side NotFound still removes the local copy.
func (e *Engine) DeleteIncident(ctx context.Context, id string) (bool, error) {
	err := e.backend.DeleteIncident(ctx, id)
	if errors.Is(err, types.ErrRemoteUnavailable) {
		if _, qerr := e.queue.Enqueue(syncqueue.Mutation{
			Kind:       syncqueue.MutationDelete,
			IncidentID: id,
		}); qerr != nil {
			return false, qerr
		}
		e.updateQueueGauges()
		return true, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		e.store.Delete(id)
		return false, err
	}
	if err != nil {
		return false, err
	}
	e.store.Delete(id)
	return false, nil
}

// RunBulk executes one bulk operation and records the result for export.
func (e *Engine) RunBulk(ctx context.Context, kind types.BulkKind, ids []string, opts bulk.Options) (*types.BulkOperationResult, error) {
	res, err := e.coordinator.Run(ctx, kind, ids, opts)
	if err != nil {
		return nil, err
	}
	bulkItems.WithLabelValues(string(kind), "success").Add(float64(res.Success))
	bulkItems.WithLabelValues(string(kind), "failed").Add(float64(res.Failed))

	e.lastBulkMu.Lock()
	e.lastBulk = res
	e.lastBulkMu.Unlock()
	return res, nil
}

// LastBulkResult returns the most recent bulk result, or nil.
func (e *Engine) LastBulkResult() *types.BulkOperationResult {
	e.lastBulkMu.RLock()
	defer e.lastBulkMu.RUnlock()
	return e.lastBulk
}

// Incidents returns the reconciled incident list.
func (e *Engine) Incidents() []*types.Incident {
	return e.store.List()
}

// Queue returns the queue snapshot.
func (e *Engine) Queue() QueueStatus {
	return QueueStatus{
		PendingCount: e.queue.PendingCount(),
		FailedCount:  e.queue.FailedCount(),
		Pending:      e.queue.Pending(),
		Failed:       e.queue.Failed(),
	}
}

// RetryQueueEntry re-enables a failed queue entry.
func (e *Engine) RetryQueueEntry(entryID string) error {
	err := e.queue.Retry(entryID)
	e.updateQueueGauges()
	return err
}

// CancelQueueEntry removes a queued-but-undrained entry or acknowledges a
// failed one.
func (e *Engine) CancelQueueEntry(entryID string) error {
	err := e.queue.Cancel(entryID)
	e.updateQueueGauges()
	return err
}

// AgentTrust returns per-agent trust snapshots sorted by agent ID.
func (e *Engine) AgentTrust() []types.AgentTrustView {
	e.trustMu.RLock()
	defer e.trustMu.RUnlock()
	out := make([]types.AgentTrustView, 0, len(e.trust))
	for _, v := range e.trust {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// DeviceHealth evaluates and returns per-device health snapshots.
func (e *Engine) DeviceHealth() []types.DeviceHealthStatus {
	return e.health.EvaluateAll(time.Now(), e.tunables().Health)
}

// Drain runs one queue drain cycle immediately.
func (e *Engine) Drain(ctx context.Context) syncqueue.DrainResult {
	res := e.queue.Drain(ctx, e.applyMutation)
	drainConfirmed.Add(float64(len(res.Confirmed)))
	e.updateQueueGauges()
	if len(res.Confirmed)+len(res.Failed) > 0 {
		e.log.WithFields(logrus.Fields{
			"confirmed": len(res.Confirmed),
			"pending":   len(res.StillPending),
			"failed":    len(res.Failed),
		}).Info("Queue drain cycle completed")
	}
	return res
}

// applyMutation replays one queued mutation against the backend.
func (e *Engine) applyMutation(ctx context.Context, m syncqueue.Mutation) error {
	switch m.Kind {
	case syncqueue.MutationCreate:
		inc, err := e.backend.CreateIncident(ctx, m.IdempotencyKey, m.Draft)
		if err != nil {
			return err
		}
		e.store.Apply(inc)
		return nil

	case syncqueue.MutationUpdate:
		inc, err := e.backend.UpdateIncident(ctx, m.IncidentID, m.BaseVersion, m.Patch)
		if err != nil {
			// A conflict on replay needs an operator decision; it lands in
			// the failed set rather than being silently resolved here.
			return err
		}
		e.store.Apply(inc)
		return nil

	case syncqueue.MutationDelete:
		err := e.backend.DeleteIncident(ctx, m.IncidentID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		// Deleting an already-vanished incident is the goal state.
		e.store.Delete(m.IncidentID)
		return nil

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

func (e *Engine) updateQueueGauges() {
	queuePending.Set(float64(e.queue.PendingCount()))
	queueFailed.Set(float64(e.queue.FailedCount()))
}

func (e *Engine) refreshLoop(ctx context.Context) {
	e.Refresh(ctx)
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh(ctx)
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.queue.PendingCount() > 0 {
				e.Drain(ctx)
			}
			e.updateQueueGauges()
		}
	}
}

// Refresh pulls the authoritative incident, device, and agent state from
// the backend and recomputes trust and health inputs.
func (e *Engine) Refresh(ctx context.Context) {
	incidents, err := e.backend.ListIncidents(ctx)
	if err != nil {
		refreshFailures.Inc()
		e.log.WithError(err).Warn("Incident refresh failed")
		return
	}
	e.store.ReplaceAll(incidents)

	// Authoritative 24h device counts and the agent inventory both come out
	// of the incident list.
	agentIDs := make(map[string]struct{})
	deviceCounts := make(map[string]int)
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, in := range incidents {
		switch in.Source.Kind {
		case types.SourceAgent:
			agentIDs[in.Source.AgentID] = struct{}{}
		case types.SourceDevice:
			if in.CreatedAt.After(cutoff) {
				deviceCounts[in.Source.DeviceID]++
			}
		}
	}

	if devices, derr := e.backend.ListDevices(ctx); derr != nil {
		refreshFailures.Inc()
		e.log.WithError(derr).Warn("Device refresh failed")
	} else {
		for _, d := range devices {
			e.health.SyncDevice(d)
			e.health.SetIncidentCount(d.DeviceID, deviceCounts[d.DeviceID])
		}
	}

	e.refreshTrust(ctx, agentIDs)
}

func (e *Engine) refreshTrust(ctx context.Context, agentIDs map[string]struct{}) {
	now := time.Now()
	tun := e.tunables().Trust
	next := make(map[string]types.AgentTrustView, len(agentIDs))
	for id := range agentIDs {
		m, err := e.backend.AgentPerformance(ctx, id)
		if err != nil {
			e.log.WithError(err).WithField("agent_id", id).Warn("Agent performance refresh failed")
			// Keep the previous snapshot rather than dropping the agent.
			e.trustMu.RLock()
			if prev, ok := e.trust[id]; ok {
				next[id] = prev
			}
			e.trustMu.RUnlock()
			continue
		}
		m.TrustScore = trust.Score(*m, now, tun)
		next[id] = types.AgentTrustView{
			AgentPerformanceMetrics: *m,
			Level:                   trust.Level(m.TrustScore, m.SubmissionsCount),
		}
	}
	e.trustMu.Lock()
	e.trust = next
	e.trustMu.Unlock()
}
