// Package store holds the reconciled, de-duplicated in-memory incident
// collection the rest of the system reads. It is mutated only with
// server-acknowledged snapshots: resolver-approved updates, queue-confirmed
// writes, and poll refreshes.
package store

import (
	"sort"
	"sync"

	"github.com/invisible-tech/incident-core/internal/types"
)

// Store is the in-memory incident view. All reads return copies.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*types.Incident
}

// New creates an empty store.
func New() *Store {
	return &Store{incidents: make(map[string]*types.Incident)}
}

// Apply installs a server-acknowledged snapshot. Snapshots whose version is
// not newer than the held one are ignored, which closes the lost-update
// race between a direct edit and a concurrently-draining queue entry.
func (s *Store) Apply(in *types.Incident) bool {
	if in == nil || in.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.incidents[in.ID]; ok && in.Version <= cur.Version {
		return false
	}
	s.incidents[in.ID] = in.Clone()
	return true
}

// Delete removes an incident after a confirmed server-side delete.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[id]; !ok {
		return false
	}
	delete(s.incidents, id)
	return true
}

// ReplaceAll swaps in the authoritative list from a poll refresh,
// de-duplicating by ID and keeping the higher version on duplicates.
func (s *Store) ReplaceAll(list []*types.Incident) {
	next := make(map[string]*types.Incident, len(list))
	for _, in := range list {
		if in == nil || in.ID == "" {
			continue
		}
		if cur, ok := next[in.ID]; ok && in.Version <= cur.Version {
			continue
		}
		next[in.ID] = in.Clone()
	}
	s.mu.Lock()
	s.incidents = next
	s.mu.Unlock()
}

// Get returns a copy of one incident.
func (s *Store) Get(id string) (*types.Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false
	}
	return in.Clone(), true
}

// List returns copies of all incidents, newest first.
func (s *Store) List() []*types.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Incident, 0, len(s.incidents))
	for _, in := range s.incidents {
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of incidents held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}
