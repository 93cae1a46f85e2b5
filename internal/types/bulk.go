package types

import (
	"encoding/csv"
	"io"
)

// BulkKind is the per-item operation applied by a bulk request.
type BulkKind string

const (
	BulkApprove      BulkKind = "approve"
	BulkReject       BulkKind = "reject"
	BulkDelete       BulkKind = "delete"
	BulkStatusChange BulkKind = "status_change"
)

// BulkError records one failed item inside a bulk operation.
type BulkError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkOperationResult aggregates per-item outcomes of one bulk invocation.
// Success+Failed always equals the number of requested ids, and Errors has
// exactly Failed entries. Immutable after creation.
type BulkOperationResult struct {
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Errors  []BulkError `json:"errors"`
}

// WriteCSV writes the per-item error list as CSV for operator export.
func (r *BulkOperationResult) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "error"}); err != nil {
		return err
	}
	for _, e := range r.Errors {
		if err := cw.Write([]string{e.ID, e.Error}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
