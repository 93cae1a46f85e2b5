package devhealth

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/incident-core/internal/types"
)

func TestEvaluate_DecisionTable(t *testing.T) {
	now := time.Now()
	tun := DefaultTunables() // 5 minute heartbeat threshold
	critical := []types.DeviceIssue{{Severity: types.IssueCritical, DetectedAt: now, Message: "sensor fault"}}

	cases := []struct {
		name   string
		device types.DeviceSnapshot
		want   types.DeviceStatus
	}{
		{
			name:   "fresh heartbeat no issues",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-1 * time.Minute)},
			want:   types.DeviceOnline,
		},
		{
			name:   "stale heartbeat",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-10 * time.Minute)},
			want:   types.DeviceOffline,
		},
		{
			// Staleness takes precedence over severity: a 10 minute old
			// heartbeat with an open critical issue is offline, not degraded.
			name:   "stale heartbeat with critical issue",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-10 * time.Minute), Issues: critical},
			want:   types.DeviceOffline,
		},
		{
			name:   "fresh heartbeat with critical issue",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-1 * time.Minute), Issues: critical},
			want:   types.DeviceDegraded,
		},
		{
			name: "fresh heartbeat with error issue",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-1 * time.Minute),
				Issues: []types.DeviceIssue{{Severity: types.IssueError, DetectedAt: now}}},
			want: types.DeviceDegraded,
		},
		{
			name: "fresh heartbeat with warning only",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-1 * time.Minute),
				Issues: []types.DeviceIssue{{Severity: types.IssueWarning, DetectedAt: now}}},
			want: types.DeviceOnline,
		},
		{
			// Maintenance overrides everything, including staleness.
			name:   "maintenance flag with stale heartbeat and critical issue",
			device: types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-30 * time.Minute), Maintenance: true, Issues: critical},
			want:   types.DeviceMaintenance,
		},
		{
			name:   "never seen",
			device: types.DeviceSnapshot{DeviceID: "d1"},
			want:   types.DeviceOffline,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, score := Evaluate(c.device, now, tun)
			if status != c.want {
				t.Errorf("status: want %s, got %s", c.want, status)
			}
			if score < 0 || score > 100 {
				t.Errorf("score out of range: %v", score)
			}
		})
	}
}

func TestEvaluate_SeverityWeightOrdering(t *testing.T) {
	now := time.Now()
	tun := DefaultTunables()
	fresh := now.Add(-time.Minute)
	scoreWith := func(severity string) float64 {
		_, score := Evaluate(types.DeviceSnapshot{
			DeviceID: "d1", LastHeartbeat: fresh,
			Issues: []types.DeviceIssue{{Severity: severity, DetectedAt: now}},
		}, now, tun)
		return score
	}

	crit, errS, warn, info := scoreWith(types.IssueCritical), scoreWith(types.IssueError), scoreWith(types.IssueWarning), scoreWith(types.IssueInfo)
	if !(crit < errS && errS < warn && warn < info) {
		t.Errorf("severity weighting broken: critical=%v error=%v warning=%v info=%v", crit, errS, warn, info)
	}
}

func TestEvaluate_StalenessDecaysScore(t *testing.T) {
	now := time.Now()
	tun := DefaultTunables()
	_, slightlyStale := Evaluate(types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-6 * time.Minute)}, now, tun)
	_, veryStale := Evaluate(types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now.Add(-60 * time.Minute)}, now, tun)
	if veryStale >= slightlyStale {
		t.Errorf("score must decay with staleness: 6m=%v 60m=%v", slightlyStale, veryStale)
	}
}

func TestMonitor_HeartbeatFreshestWins(t *testing.T) {
	m := New(logrus.New())
	now := time.Now()

	m.RecordHeartbeat("d1", now.Add(-time.Minute))
	// Older observation from the backend poll must not regress.
	m.SyncDevice(types.DeviceSnapshot{DeviceID: "d1", DeviceType: "badge_reader", LastHeartbeat: now.Add(-20 * time.Minute)})

	out := m.EvaluateAll(now, DefaultTunables())
	if len(out) != 1 {
		t.Fatalf("devices: %d", len(out))
	}
	if out[0].Status != types.DeviceOnline {
		t.Errorf("freshest heartbeat must win: status %s", out[0].Status)
	}
	if out[0].DeviceType != "badge_reader" {
		t.Errorf("device type not synced: %q", out[0].DeviceType)
	}

	// And the reverse: backend knows a fresher heartbeat.
	m.SyncDevice(types.DeviceSnapshot{DeviceID: "d1", DeviceType: "badge_reader", LastHeartbeat: now})
	out = m.EvaluateAll(now, DefaultTunables())
	if !out[0].LastHeartbeat.Equal(now) {
		t.Errorf("fresher backend heartbeat ignored: %v", out[0].LastHeartbeat)
	}
}

func TestMonitor_IncidentCounts(t *testing.T) {
	m := New(logrus.New())
	now := time.Now()
	m.SyncDevice(types.DeviceSnapshot{DeviceID: "d1", LastHeartbeat: now})

	m.ObserveIncident("d1")
	m.ObserveIncident("d1")
	out := m.EvaluateAll(now, DefaultTunables())
	if out[0].IncidentCount24h != 2 {
		t.Errorf("observed count: %d", out[0].IncidentCount24h)
	}

	// Refresh overrides with the authoritative count.
	m.SetIncidentCount("d1", 1)
	out = m.EvaluateAll(now, DefaultTunables())
	if out[0].IncidentCount24h != 1 {
		t.Errorf("authoritative count: %d", out[0].IncidentCount24h)
	}
}

func TestMonitor_EvaluateAllSorted(t *testing.T) {
	m := New(logrus.New())
	now := time.Now()
	m.RecordHeartbeat("d2", now)
	m.RecordHeartbeat("d1", now)
	m.RecordHeartbeat("d3", now)
	out := m.EvaluateAll(now, DefaultTunables())
	if len(out) != 3 || out[0].DeviceID != "d1" || out[2].DeviceID != "d3" {
		t.Errorf("ordering: %+v", out)
	}
}

func TestMonitor_EmptyDeviceIDIgnored(t *testing.T) {
	m := New(logrus.New())
	m.RecordHeartbeat("", time.Now())
	m.SyncDevice(types.DeviceSnapshot{})
	if out := m.EvaluateAll(time.Now(), DefaultTunables()); len(out) != 0 {
		t.Errorf("empty ids must be ignored: %+v", out)
	}
}
