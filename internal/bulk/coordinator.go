// Package bulk fans one batch intent out across many incident IDs and
// collects per-item outcomes into a single result. One item's failure never
// aborts the batch.
package bulk

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/store"
	"github.com/invisible-tech/incident-core/internal/types"
	"github.com/invisible-tech/incident-core/pkg/backend"
)

// Backend is the slice of the backend API the coordinator needs.
type Backend interface {
	BulkApply(ctx context.Context, kind types.BulkKind, ids []string, reason, status string) ([]backend.BulkItemOutcome, error)
}

// Options carry the operation parameters. Reason is required for reject and
// delete; Status is required for status changes.
type Options struct {
	Reason string
	Status string
}

// Coordinator runs bulk operations and applies accepted items to the store.
type Coordinator struct {
	backend Backend
	store   *store.Store
	log     *logrus.Logger
}

// New creates a bulk coordinator.
func New(b Backend, st *store.Store, log *logrus.Logger) *Coordinator {
	return &Coordinator{backend: b, store: st, log: log}
}

// Run applies one operation to each id independently and aggregates the
// per-id outcomes. Preconditions are checked before anything is sent, so a
// malformed batch has no partial side effects. The result is exact:
// Success+Failed equals len(ids) and Errors has one entry per failed item.
func (c *Coordinator) Run(ctx context.Context, kind types.BulkKind, ids []string, opts Options) (*types.BulkOperationResult, error) {
	if err := validate(kind, ids, opts); err != nil {
		return nil, err
	}

	outcomes, err := c.backend.BulkApply(ctx, kind, ids, opts.Reason, opts.Status)
	if err != nil {
		return nil, fmt.Errorf("bulk %s: %w", kind, err)
	}

	byID := make(map[string]backend.BulkItemOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.ID] = o
	}

	result := &types.BulkOperationResult{Errors: []types.BulkError{}}
	for _, id := range ids {
		o, ok := byID[id]
		if !ok {
			result.Failed++
			result.Errors = append(result.Errors, types.BulkError{ID: id, Error: "no result returned for id"})
			continue
		}
		if !o.OK {
			result.Failed++
			result.Errors = append(result.Errors, types.BulkError{ID: id, Error: o.Error})
			continue
		}
		result.Success++
		c.applyAccepted(kind, id, o)
	}

	c.log.WithFields(logrus.Fields{
		"kind": kind, "requested": len(ids), "success": result.Success, "failed": result.Failed,
	}).Info("Bulk operation completed")
	return result, nil
}

// applyAccepted installs the server-acknowledged effect of one accepted
// item into the local store.
func (c *Coordinator) applyAccepted(kind types.BulkKind, id string, o backend.BulkItemOutcome) {
	if kind == types.BulkDelete {
		c.store.Delete(id)
		return
	}
	if o.Incident != nil {
		c.store.Apply(o.Incident)
	}
}

func validate(kind types.BulkKind, ids []string, opts Options) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty id list", types.ErrPreconditionFailed)
	}
	switch kind {
	case types.BulkApprove:
	case types.BulkReject, types.BulkDelete:
		if opts.Reason == "" {
			return fmt.Errorf("%w: bulk %s requires a reason", types.ErrPreconditionFailed, kind)
		}
	case types.BulkStatusChange:
		if !types.ValidStatus(opts.Status) {
			return fmt.Errorf("%w: bulk status change requires a valid target status", types.ErrPreconditionFailed)
		}
	default:
		return fmt.Errorf("%w: unknown bulk operation %q", types.ErrPreconditionFailed, kind)
	}
	return nil
}
