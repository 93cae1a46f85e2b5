package types

import "time"

// DeviceStatus is the derived operational status of a hardware device.
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceDegraded    DeviceStatus = "degraded"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Issue severities for device health.
const (
	IssueInfo     = "info"
	IssueWarning  = "warning"
	IssueError    = "error"
	IssueCritical = "critical"
)

// DeviceIssue is one open issue reported for a device.
type DeviceIssue struct {
	Severity   string    `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
	Message    string    `json:"message"`
}

// DeviceSnapshot is the raw device record the backend publishes. It feeds
// the health monitor; status and score are never taken from it directly.
type DeviceSnapshot struct {
	DeviceID      string        `json:"device_id"`
	DeviceType    string        `json:"device_type"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Maintenance   bool          `json:"maintenance"`
	Issues        []DeviceIssue `json:"issues,omitempty"`
}

// DeviceHealthStatus is the evaluated health aggregate for a device.
// Status and HealthScore are recomputed from raw signals, never patched.
type DeviceHealthStatus struct {
	DeviceID         string        `json:"device_id"`
	DeviceType       string        `json:"device_type"`
	Status           DeviceStatus  `json:"status"`
	HealthScore      float64       `json:"health_score"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	IncidentCount24h int           `json:"incident_count_24h"`
	Issues           []DeviceIssue `json:"issues,omitempty"`
}
