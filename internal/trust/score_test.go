package trust

import (
	"testing"
	"time"

	"github.com/invisible-tech/incident-core/internal/types"
)

func metrics(subs, approved, rejected, flagged int, last time.Time) types.AgentPerformanceMetrics {
	return types.AgentPerformanceMetrics{
		AgentID:            "agent-1",
		SubmissionsCount:   subs,
		ApprovalCount:      approved,
		RejectionCount:     rejected,
		FlaggedSubmissions: flagged,
		LastSubmission:     last,
	}
}

func TestScore_ZeroSubmissions(t *testing.T) {
	now := time.Now()
	if got := Score(metrics(0, 0, 0, 0, now), now, DefaultTunables()); got != 0 {
		t.Errorf("score for empty history: %v", got)
	}
}

func TestScore_FreshHighApprovalLandsHigh(t *testing.T) {
	// 10 submissions, 8 approved, 2 rejected, last submission today.
	now := time.Now()
	m := metrics(10, 8, 2, 0, now)
	score := Score(m, now, DefaultTunables())
	if score < 80 {
		t.Errorf("fresh 8/10 agent: want score >= 80, got %v", score)
	}
	if lvl := Level(score, m.SubmissionsCount); lvl != types.TrustHigh {
		t.Errorf("level: want HIGH, got %s", lvl)
	}
}

func TestScore_FlagsLowerScore(t *testing.T) {
	now := time.Now()
	clean := Score(metrics(10, 8, 2, 0, now), now, DefaultTunables())
	flagged := Score(metrics(10, 8, 2, 2, now), now, DefaultTunables())
	if flagged >= clean {
		t.Errorf("flagged submissions must lower the score: clean=%v flagged=%v", clean, flagged)
	}
}

func TestScore_MonotonicInApprovalRate(t *testing.T) {
	// Fixed submission count; shifting rejections to approvals must never
	// decrease the score.
	now := time.Now()
	tun := DefaultTunables()
	prev := -1.0
	for approved := 0; approved <= 20; approved++ {
		score := Score(metrics(20, approved, 20-approved, 0, now), now, tun)
		if score < prev {
			t.Fatalf("score decreased at approved=%d: %v < %v", approved, score, prev)
		}
		prev = score
	}
}

func TestScore_StalenessDiscount(t *testing.T) {
	now := time.Now()
	tun := DefaultTunables()
	fresh := Score(metrics(10, 8, 2, 0, now.Add(-24*time.Hour)), now, tun)
	stale := Score(metrics(10, 8, 2, 0, now.Add(-365*24*time.Hour)), now, tun)
	if stale >= fresh {
		t.Errorf("year-old history must score below yesterday's: fresh=%v stale=%v", fresh, stale)
	}
	if stale < fresh*tun.MinStaleFactor-1e-9 {
		t.Errorf("staleness discount fell through the floor: stale=%v floor=%v", stale, fresh*tun.MinStaleFactor)
	}
}

func TestScore_Deterministic(t *testing.T) {
	now := time.Now()
	m := metrics(15, 11, 4, 1, now.Add(-30*24*time.Hour))
	a := Score(m, now, DefaultTunables())
	b := Score(m, now, DefaultTunables())
	if a != b {
		t.Errorf("same snapshot, different scores: %v vs %v", a, b)
	}
}

func TestScore_Clamped(t *testing.T) {
	now := time.Now()
	// Enough flags to push far below zero.
	if got := Score(metrics(10, 10, 0, 50, now), now, DefaultTunables()); got != 0 {
		t.Errorf("score must clamp at 0, got %v", got)
	}
	if got := Score(metrics(10, 10, 0, 0, now), now, DefaultTunables()); got > 100 {
		t.Errorf("score must clamp at 100, got %v", got)
	}
}

func TestLevel_UnknownIffZeroSubmissions(t *testing.T) {
	if got := Level(95, 0); got != types.TrustUnknown {
		t.Errorf("zero submissions: want UNKNOWN regardless of score, got %s", got)
	}
	if got := Level(0, 1); got == types.TrustUnknown {
		t.Error("non-zero submissions must never be UNKNOWN")
	}
}

func TestLevel_Bands(t *testing.T) {
	cases := []struct {
		score float64
		want  types.TrustLevel
	}{
		{100, types.TrustHigh},
		{80, types.TrustHigh},
		{79.9, types.TrustMedium},
		{50, types.TrustMedium},
		{49.9, types.TrustLow},
		{0, types.TrustLow},
	}
	for _, c := range cases {
		if got := Level(c.score, 5); got != c.want {
			t.Errorf("Level(%v): want %s, got %s", c.score, c.want, got)
		}
	}
}
