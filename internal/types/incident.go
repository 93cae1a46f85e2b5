// Package types defines the shared incident, provenance, trust, and device
// health types used by the engine, the HTTP API, and the backend client.
package types

import (
	"fmt"
	"time"
)

// Incident severities.
const (
	SeverityInfo     = "INFO"
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Incident statuses.
const (
	StatusPending       = "pending"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
	StatusInvestigating = "investigating"
	StatusResolved      = "resolved"
)

// ValidStatus reports whether s is a known incident status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}

// SourceKind tags the provenance of an incident.
type SourceKind string

const (
	SourceManager      SourceKind = "manager"
	SourceAgent        SourceKind = "agent"
	SourceDevice       SourceKind = "device"
	SourceBulkImport   SourceKind = "bulk_import"
	SourceAutoApproved SourceKind = "auto_approved"
)

// Provenance records where an incident came from. AgentID is set only for
// agent submissions, DeviceID only for device submissions.
type Provenance struct {
	Kind     SourceKind `json:"kind"`
	AgentID  string     `json:"agent_id,omitempty"`
	DeviceID string     `json:"device_id,omitempty"`
}

// Validate rejects tag/field combinations that don't belong together.
func (p Provenance) Validate() error {
	switch p.Kind {
	case SourceAgent:
		if p.AgentID == "" {
			return fmt.Errorf("agent provenance requires agent_id")
		}
		if p.DeviceID != "" {
			return fmt.Errorf("agent provenance must not carry device_id")
		}
	case SourceDevice:
		if p.DeviceID == "" {
			return fmt.Errorf("device provenance requires device_id")
		}
		if p.AgentID != "" {
			return fmt.Errorf("device provenance must not carry agent_id")
		}
	case SourceManager, SourceBulkImport, SourceAutoApproved:
		if p.AgentID != "" || p.DeviceID != "" {
			return fmt.Errorf("%s provenance must not carry agent_id or device_id", p.Kind)
		}
	default:
		return fmt.Errorf("unknown source kind %q", p.Kind)
	}
	return nil
}

// Incident is the server representation of a security incident. ID and
// CreatedAt are immutable; UpdatedAt and Version are assigned by the server
// on every accepted write, with Version strictly increasing.
type Incident struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	Assignee    string     `json:"assignee,omitempty"`
	Location    string     `json:"location,omitempty"`
	Source      Provenance `json:"source"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"version"`
}

// Clone returns a copy of the incident.
func (in *Incident) Clone() *Incident {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

// IncidentDraft is the payload for creating a new incident.
type IncidentDraft struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Location    string     `json:"location,omitempty"`
	Source      Provenance `json:"source"`
}

// IncidentPatch is a change set against an incident. Nil fields are
// untouched; non-nil fields carry the new value.
type IncidentPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Severity    *string `json:"severity,omitempty"`
	Status      *string `json:"status,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Location    *string `json:"location,omitempty"`
}

// IsEmpty reports whether the patch touches no fields.
func (p *IncidentPatch) IsEmpty() bool {
	return p == nil || (p.Title == nil && p.Description == nil && p.Severity == nil &&
		p.Status == nil && p.Assignee == nil && p.Location == nil)
}

// Fields returns the names of the fields the patch touches.
func (p *IncidentPatch) Fields() []string {
	if p == nil {
		return nil
	}
	var out []string
	if p.Title != nil {
		out = append(out, "title")
	}
	if p.Description != nil {
		out = append(out, "description")
	}
	if p.Severity != nil {
		out = append(out, "severity")
	}
	if p.Status != nil {
		out = append(out, "status")
	}
	if p.Assignee != nil {
		out = append(out, "assignee")
	}
	if p.Location != nil {
		out = append(out, "location")
	}
	return out
}
