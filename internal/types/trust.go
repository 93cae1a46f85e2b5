package types

import "time"

// TrustLevel is the discrete bucket derived from a trust score and
// submission count.
type TrustLevel string

const (
	TrustHigh    TrustLevel = "HIGH"
	TrustMedium  TrustLevel = "MEDIUM"
	TrustLow     TrustLevel = "LOW"
	TrustUnknown TrustLevel = "UNKNOWN"
)

// AgentPerformanceMetrics is the per-agent submission history aggregate.
// It is recomputed from the agent's incident history, never hand-edited.
type AgentPerformanceMetrics struct {
	AgentID             string    `json:"agent_id"`
	SubmissionsCount    int       `json:"submissions_count"`
	ApprovalCount       int       `json:"approval_count"`
	RejectionCount      int       `json:"rejection_count"`
	FlaggedSubmissions  int       `json:"flagged_submissions"`
	AverageResponseTime float64   `json:"average_response_time"`
	TrustScore          float64   `json:"trust_score"`
	LastSubmission      time.Time `json:"last_submission"`
	CreatedAt           time.Time `json:"created_at"`
}

// AgentTrustView is the read-only trust snapshot published to the UI.
type AgentTrustView struct {
	AgentPerformanceMetrics
	Level TrustLevel `json:"trust_level"`
}
