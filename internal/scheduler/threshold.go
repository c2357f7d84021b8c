package scheduler

import (
	"strconv"
	"time"
)

// Default delays applied when an automation has no explicit setting.
const (
	defaultFirstDelayHours  = 48
	defaultSecondDelayHours = 96
	defaultReviewDelayHours = 72

	// A second follow-up is never due less than a day after the first,
	// regardless of what the settings say.
	minStageGapHours = 24
)

// firstFollowupDelay resolves the stage-1 delay from automation settings:
// explicit hours, then the legacy days setting, then the default.
func firstFollowupDelay(settings map[string]any) time.Duration {
	return resolveDelay(settings, "first_delay_hours", "first_delay_days", defaultFirstDelayHours)
}

// secondFollowupDelay resolves the stage-2 delay, clamped to at least the
// stage-1 delay plus 24h so follow-ups cannot fire out of order under
// misconfiguration.
func secondFollowupDelay(settings map[string]any) time.Duration {
	d := resolveDelay(settings, "second_delay_hours", "second_delay_days", defaultSecondDelayHours)
	floor := firstFollowupDelay(settings) + minStageGapHours*time.Hour
	if d < floor {
		return floor
	}
	return d
}

// reviewRequestDelay resolves the delay between payment and the review ask.
func reviewRequestDelay(settings map[string]any) time.Duration {
	return resolveDelay(settings, "delay_hours", "delay_days", defaultReviewDelayHours)
}

func resolveDelay(settings map[string]any, hoursKey, daysKey string, defHours int) time.Duration {
	if h, ok := settingInt(settings, hoursKey); ok && h > 0 {
		return time.Duration(h) * time.Hour
	}
	if d, ok := settingInt(settings, daysKey); ok && d > 0 {
		return time.Duration(d) * 24 * time.Hour
	}
	return time.Duration(defHours) * time.Hour
}

// crossedThreshold reports whether anchor is at least delay old at now.
func crossedThreshold(anchor time.Time, delay time.Duration, now time.Time) bool {
	return !anchor.Add(delay).After(now)
}

// cutoffFor returns the latest anchor timestamp that has crossed the delay.
func cutoffFor(now time.Time, delay time.Duration) time.Time {
	return now.Add(-delay)
}

// settingInt reads a numeric setting that may arrive as a JSON number or a
// string, depending on how the settings blob was written.
func settingInt(settings map[string]any, key string) (int, bool) {
	switch v := settings[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i, true
		}
	}
	return 0, false
}
