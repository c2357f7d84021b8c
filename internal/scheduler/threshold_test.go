package scheduler

import (
	"testing"
	"time"
)

func TestResolveDelayFallbackChain(t *testing.T) {
	// Explicit hours wins.
	d := firstFollowupDelay(map[string]any{"first_delay_hours": float64(12), "first_delay_days": float64(5)})
	if d != 12*time.Hour {
		t.Fatalf("expected 12h, got %s", d)
	}

	// Legacy days setting, scaled to hours.
	d = firstFollowupDelay(map[string]any{"first_delay_days": float64(3)})
	if d != 72*time.Hour {
		t.Fatalf("expected 72h from legacy days, got %s", d)
	}

	// String-encoded settings still parse.
	d = firstFollowupDelay(map[string]any{"first_delay_hours": "36"})
	if d != 36*time.Hour {
		t.Fatalf("expected 36h from string setting, got %s", d)
	}

	// Nothing configured falls back to the default.
	d = firstFollowupDelay(map[string]any{})
	if d != 48*time.Hour {
		t.Fatalf("expected default 48h, got %s", d)
	}
}

func TestSecondDelayClampedAboveFirst(t *testing.T) {
	// Misconfigured: second stage earlier than first. Clamped to first+24h.
	settings := map[string]any{
		"first_delay_hours":  float64(72),
		"second_delay_hours": float64(24),
	}
	if d := secondFollowupDelay(settings); d != 96*time.Hour {
		t.Fatalf("expected clamp to 96h, got %s", d)
	}

	// Sane config passes through.
	settings = map[string]any{
		"first_delay_hours":  float64(48),
		"second_delay_hours": float64(120),
	}
	if d := secondFollowupDelay(settings); d != 120*time.Hour {
		t.Fatalf("expected 120h, got %s", d)
	}
}

func TestCrossedThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !crossedThreshold(now.Add(-50*time.Hour), 48*time.Hour, now) {
		t.Fatalf("50h-old anchor should have crossed a 48h threshold")
	}
	if crossedThreshold(now.Add(-47*time.Hour), 48*time.Hour, now) {
		t.Fatalf("47h-old anchor should not have crossed a 48h threshold")
	}
	// Boundary counts as crossed.
	if !crossedThreshold(now.Add(-48*time.Hour), 48*time.Hour, now) {
		t.Fatalf("exactly-at-threshold anchor should count as crossed")
	}
}
