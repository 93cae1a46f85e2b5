// Package trust derives agent trust scores and levels from submission
// history. Scoring is a pure function of the metrics snapshot, the clock,
// and the tunables; there is no hidden state.
package trust

import (
	"math"
	"time"

	"github.com/invisible-tech/incident-core/internal/types"
)

// Tunables control the staleness discount and flag penalty. The defaults
// keep the score monotonic in approval rate and never let staleness alone
// promote an agent.
type Tunables struct {
	// FreshnessWindowDays is how long after the last submission the score
	// carries no staleness discount.
	FreshnessWindowDays float64 `yaml:"freshness_window_days"`
	// StalenessHalfLifeDays is the half-life of the discount multiplier
	// once the freshness window is exceeded.
	StalenessHalfLifeDays float64 `yaml:"staleness_half_life_days"`
	// MinStaleFactor floors the staleness multiplier so ancient history
	// still counts for something.
	MinStaleFactor float64 `yaml:"min_stale_factor"`
	// FlagPenalty is subtracted per flagged submission.
	FlagPenalty float64 `yaml:"flag_penalty"`
}

// DefaultTunables returns the scoring parameters used when no tunables file
// is configured.
func DefaultTunables() Tunables {
	return Tunables{
		FreshnessWindowDays:   7,
		StalenessHalfLifeDays: 90,
		MinStaleFactor:        0.5,
		FlagPenalty:           15,
	}
}

func (t Tunables) freshnessWindow() time.Duration {
	return time.Duration(t.FreshnessWindowDays * float64(24*time.Hour))
}

func (t Tunables) halfLife() time.Duration {
	if t.StalenessHalfLifeDays <= 0 {
		return 90 * 24 * time.Hour
	}
	return time.Duration(t.StalenessHalfLifeDays * float64(24*time.Hour))
}

// Score computes the trust score in [0,100] for an agent's history.
// The base is the lifetime approval rate over decided submissions, scaled
// by a staleness multiplier once the last submission falls outside the
// freshness window, minus a per-flag penalty.
func Score(m types.AgentPerformanceMetrics, now time.Time, tun Tunables) float64 {
	if m.SubmissionsCount == 0 {
		return 0
	}

	decided := m.ApprovalCount + m.RejectionCount
	score := 50.0 // nothing decided yet: neutral
	if decided > 0 {
		score = 100 * float64(m.ApprovalCount) / float64(decided)
	}

	if age := now.Sub(m.LastSubmission); age > tun.freshnessWindow() {
		over := age - tun.freshnessWindow()
		factor := math.Pow(0.5, float64(over)/float64(tun.halfLife()))
		if factor < tun.MinStaleFactor {
			factor = tun.MinStaleFactor
		}
		score *= factor
	}

	score -= tun.FlagPenalty * float64(m.FlaggedSubmissions)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Level buckets a score into a discrete trust level. An agent with zero
// submissions is UNKNOWN regardless of score: no opinion has been formed,
// which is distinct from LOW.
func Level(score float64, submissions int) types.TrustLevel {
	if submissions == 0 {
		return types.TrustUnknown
	}
	switch {
	case score >= 80:
		return types.TrustHigh
	case score >= 50:
		return types.TrustMedium
	default:
		return types.TrustLow
	}
}
