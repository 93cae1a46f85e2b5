// Package devhealth evaluates hardware device health from raw signals:
// heartbeat recency, open issues, and the maintenance flag. Status and
// health score are always recomputed here, never set from outside.
package devhealth

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/types"
)

// Tunables control heartbeat freshness and issue severity weighting.
type Tunables struct {
	HeartbeatThresholdSeconds int     `yaml:"heartbeat_threshold_seconds"`
	StalenessPenaltyPerMinute float64 `yaml:"staleness_penalty_per_minute"`
	CriticalWeight            float64 `yaml:"critical_weight"`
	ErrorWeight               float64 `yaml:"error_weight"`
	WarningWeight             float64 `yaml:"warning_weight"`
	InfoWeight                float64 `yaml:"info_weight"`
}

// DefaultTunables returns health parameters that keep critical > error >
// warning > info weighting.
func DefaultTunables() Tunables {
	return Tunables{
		HeartbeatThresholdSeconds: 300,
		StalenessPenaltyPerMinute: 2,
		CriticalWeight:            25,
		ErrorWeight:               15,
		WarningWeight:             7,
		InfoWeight:                2,
	}
}

func (t Tunables) heartbeatThreshold() time.Duration {
	if t.HeartbeatThresholdSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.HeartbeatThresholdSeconds) * time.Second
}

func (t Tunables) issueWeight(severity string) float64 {
	switch severity {
	case types.IssueCritical:
		return t.CriticalWeight
	case types.IssueError:
		return t.ErrorWeight
	case types.IssueWarning:
		return t.WarningWeight
	case types.IssueInfo:
		return t.InfoWeight
	}
	return t.InfoWeight
}

// Evaluate derives status and health score for one device snapshot. The
// status decision table runs in strict order: maintenance overrides
// everything; a stale heartbeat means offline even with open critical
// issues; a fresh heartbeat with any open critical or error issue means
// degraded; otherwise online.
func Evaluate(d types.DeviceSnapshot, now time.Time, tun Tunables) (types.DeviceStatus, float64) {
	score := 100.0

	stale := d.LastHeartbeat.IsZero() || now.Sub(d.LastHeartbeat) > tun.heartbeatThreshold()
	if stale {
		overdue := now.Sub(d.LastHeartbeat) - tun.heartbeatThreshold()
		if d.LastHeartbeat.IsZero() {
			score = 0
		} else {
			score -= tun.StalenessPenaltyPerMinute * overdue.Minutes()
		}
	}

	severe := false
	for _, iss := range d.Issues {
		score -= tun.issueWeight(iss.Severity)
		if iss.Severity == types.IssueCritical || iss.Severity == types.IssueError {
			severe = true
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	switch {
	case d.Maintenance:
		return types.DeviceMaintenance, score
	case stale:
		return types.DeviceOffline, score
	case severe:
		return types.DeviceDegraded, score
	default:
		return types.DeviceOnline, score
	}
}

// deviceState is the raw signal record for one device.
type deviceState struct {
	snapshot      types.DeviceSnapshot
	incidentCount int
}

// Monitor owns the per-device signal registry. Heartbeats may arrive from
// the backend poll or from the MQTT feed; the freshest one wins.
type Monitor struct {
	mu      sync.RWMutex
	log     *logrus.Logger
	devices map[string]*deviceState
}

// New creates an empty device health monitor.
func New(log *logrus.Logger) *Monitor {
	return &Monitor{
		log:     log,
		devices: make(map[string]*deviceState),
	}
}

// RecordHeartbeat records a heartbeat observation. Older-than-known
// heartbeats are ignored.
func (m *Monitor) RecordHeartbeat(deviceID string, at time.Time) {
	if deviceID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(deviceID)
	if at.After(st.snapshot.LastHeartbeat) {
		st.snapshot.LastHeartbeat = at
	}
}

// SyncDevice merges a backend device record into the registry. Issues,
// device type, and the maintenance flag are taken from the backend; the
// heartbeat keeps whichever observation is fresher.
func (m *Monitor) SyncDevice(d types.DeviceSnapshot) {
	if d.DeviceID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(d.DeviceID)
	st.snapshot.DeviceType = d.DeviceType
	st.snapshot.Maintenance = d.Maintenance
	st.snapshot.Issues = append([]types.DeviceIssue(nil), d.Issues...)
	if d.LastHeartbeat.After(st.snapshot.LastHeartbeat) {
		st.snapshot.LastHeartbeat = d.LastHeartbeat
	}
}

// SetMaintenance toggles the maintenance flag for a device.
func (m *Monitor) SetMaintenance(deviceID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(deviceID).snapshot.Maintenance = on
}

// SetIncidentCount records the authoritative 24h incident count for a
// device, computed from the reconciled incident list.
func (m *Monitor) SetIncidentCount(deviceID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(deviceID).incidentCount = n
}

// ObserveIncident bumps the 24h count for a device between refreshes.
func (m *Monitor) ObserveIncident(deviceID string) {
	if deviceID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(deviceID).incidentCount++
}

// ensure must be called with m.mu held.
func (m *Monitor) ensure(deviceID string) *deviceState {
	st, ok := m.devices[deviceID]
	if !ok {
		st = &deviceState{snapshot: types.DeviceSnapshot{DeviceID: deviceID}}
		m.devices[deviceID] = st
	}
	return st
}

// EvaluateAll recomputes status and score for every known device and
// returns the results sorted by device ID.
func (m *Monitor) EvaluateAll(now time.Time, tun Tunables) []types.DeviceHealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.DeviceHealthStatus, 0, len(m.devices))
	for _, st := range m.devices {
		status, score := Evaluate(st.snapshot, now, tun)
		out = append(out, types.DeviceHealthStatus{
			DeviceID:         st.snapshot.DeviceID,
			DeviceType:       st.snapshot.DeviceType,
			Status:           status,
			HealthScore:      score,
			LastHeartbeat:    st.snapshot.LastHeartbeat,
			IncidentCount24h: st.incidentCount,
			Issues:           append([]types.DeviceIssue(nil), st.snapshot.Issues...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
