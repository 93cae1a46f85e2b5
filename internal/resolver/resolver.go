// Package resolver reconciles locally-made incident edits against the
// server's current copy. It never talks to the network and never fabricates
// timestamps or versions; the server assigns those on acceptance.
package resolver

import (
	"fmt"

	"github.com/invisible-tech/incident-core/internal/types"
)

// Policy selects how a detected conflict is resolved. The zero value means
// the caller has not chosen yet; the resolver then reports the conflict as
// data instead of guessing.
type Policy string

const (
	PolicyNone      Policy = ""
	PolicyOverwrite Policy = "overwrite"
	PolicyMerge     Policy = "merge"
	PolicyCancel    Policy = "cancel"
)

// Outcome of a reconcile call.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeOverwritten Outcome = "overwritten"
	OutcomeMerged      Outcome = "merged"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeConflict    Outcome = "conflict_detected"
)

// FieldDiff describes one field's divergence between the base snapshot, the
// local change set, and the server snapshot.
type FieldDiff struct {
	Field    string `json:"field"`
	Base     string `json:"base"`
	Local    string `json:"local,omitempty"`
	LocalSet bool   `json:"local_set"`
	Server   string `json:"server"`
}

// Result is the outcome of a reconcile call. Snapshot is the candidate to
// submit to the server (applied/overwritten/merged), or the server's copy
// (cancelled/conflict_detected). Server and Diff are set on conflicts.
type Result struct {
	Outcome  Outcome         `json:"outcome"`
	Snapshot *types.Incident `json:"snapshot"`
	Server   *types.Incident `json:"server,omitempty"`
	Diff     []FieldDiff     `json:"diff,omitempty"`
}

// field maps one mutable incident field to its accessors.
type field struct {
	name     string
	get      func(*types.Incident) string
	set      func(*types.Incident, string)
	patch    func(*types.IncidentPatch) *string
	setPatch func(*types.IncidentPatch, *string)
}

var mutableFields = []field{
	{"title",
		func(in *types.Incident) string { return in.Title },
		func(in *types.Incident, v string) { in.Title = v },
		func(p *types.IncidentPatch) *string { return p.Title },
		func(p *types.IncidentPatch, v *string) { p.Title = v }},
	{"description",
		func(in *types.Incident) string { return in.Description },
		func(in *types.Incident, v string) { in.Description = v },
		func(p *types.IncidentPatch) *string { return p.Description },
		func(p *types.IncidentPatch, v *string) { p.Description = v }},
	{"severity",
		func(in *types.Incident) string { return in.Severity },
		func(in *types.Incident, v string) { in.Severity = v },
		func(p *types.IncidentPatch) *string { return p.Severity },
		func(p *types.IncidentPatch, v *string) { p.Severity = v }},
	{"status",
		func(in *types.Incident) string { return in.Status },
		func(in *types.Incident, v string) { in.Status = v },
		func(p *types.IncidentPatch) *string { return p.Status },
		func(p *types.IncidentPatch, v *string) { p.Status = v }},
	{"assignee",
		func(in *types.Incident) string { return in.Assignee },
		func(in *types.Incident, v string) { in.Assignee = v },
		func(p *types.IncidentPatch) *string { return p.Assignee },
		func(p *types.IncidentPatch, v *string) { p.Assignee = v }},
	{"location",
		func(in *types.Incident) string { return in.Location },
		func(in *types.Incident, v string) { in.Location = v },
		func(p *types.IncidentPatch) *string { return p.Location },
		func(p *types.IncidentPatch, v *string) { p.Location = v }},
}

// Reconcile compares the snapshot the edit started from, the fields the
// operator changed, and the server's current state.
//
// When base and server carry the same version there is no conflict: the
// patch is applied onto base. Otherwise the outcome depends on policy:
// overwrite applies the patch on top of the server snapshot, merge takes
// local values for touched fields and server values for the rest (failing
// with MergeConflictError when a field changed on both sides to different
// values), cancel discards the patch. With no policy the conflict is
// returned as data with both snapshots and the per-field diff; picking a
// default is the caller's job, not ours.
func Reconcile(base *types.Incident, patch *types.IncidentPatch, server *types.Incident, policy Policy) (*Result, error) {
	if base == nil || server == nil {
		return nil, fmt.Errorf("reconcile requires base and server snapshots")
	}

	if server.Version == base.Version {
		out := base.Clone()
		applyPatch(out, patch)
		return &Result{Outcome: OutcomeApplied, Snapshot: out}, nil
	}

	switch policy {
	case PolicyNone:
		return &Result{
			Outcome:  OutcomeConflict,
			Snapshot: server.Clone(),
			Server:   server.Clone(),
			Diff:     diff(base, patch, server),
		}, nil

	case PolicyOverwrite:
		out := server.Clone()
		applyPatch(out, patch)
		return &Result{Outcome: OutcomeOverwritten, Snapshot: out, Server: server.Clone()}, nil

	case PolicyMerge:
		out := server.Clone()
		var conflicts []string
		for _, f := range mutableFields {
			pv := f.patch(patch)
			if pv == nil {
				continue // untouched locally: server wins
			}
			serverChanged := f.get(server) != f.get(base)
			if serverChanged && f.get(server) != *pv {
				conflicts = append(conflicts, f.name)
				continue
			}
			f.set(out, *pv)
		}
		if len(conflicts) > 0 {
			return nil, &types.MergeConflictError{Fields: conflicts}
		}
		return &Result{Outcome: OutcomeMerged, Snapshot: out, Server: server.Clone()}, nil

	case PolicyCancel:
		return &Result{Outcome: OutcomeCancelled, Snapshot: server.Clone(), Server: server.Clone()}, nil

	default:
		return nil, fmt.Errorf("unknown resolution policy %q", policy)
	}
}

func applyPatch(in *types.Incident, patch *types.IncidentPatch) {
	if patch == nil {
		return
	}
	for _, f := range mutableFields {
		if pv := f.patch(patch); pv != nil {
			f.set(in, *pv)
		}
	}
}

// diff lists every field where the server diverged from base or the patch
// touched, so the UI can present the resolution choice.
func diff(base *types.Incident, patch *types.IncidentPatch, server *types.Incident) []FieldDiff {
	var out []FieldDiff
	for _, f := range mutableFields {
		pv := patchField(patch, f)
		serverChanged := f.get(server) != f.get(base)
		if pv == nil && !serverChanged {
			continue
		}
		d := FieldDiff{
			Field:  f.name,
			Base:   f.get(base),
			Server: f.get(server),
		}
		if pv != nil {
			d.Local = *pv
			d.LocalSet = true
		}
		out = append(out, d)
	}
	return out
}

func patchField(patch *types.IncidentPatch, f field) *string {
	if patch == nil {
		return nil
	}
	return f.patch(patch)
}

// Patch derives the change set that turns from into to, for resubmitting a
// resolved snapshot against the server's version.
func Patch(from, to *types.Incident) *types.IncidentPatch {
	p := &types.IncidentPatch{}
	for _, f := range mutableFields {
		if f.get(from) != f.get(to) {
			v := f.get(to)
			f.setPatch(p, &v)
		}
	}
	return p
}
