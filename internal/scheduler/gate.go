package scheduler

import (
	"time"

	"trading-alerts/internal/model"
)

// Suppression reasons reported by gate.
const (
	suppressOnce     = "once_already_fired"
	suppressSameBar  = "same_bar"
	suppressNoBar    = "bar_unresolved"
	suppressThrottle = "throttled"
	suppressMode     = "unknown_trigger_mode"
)

// gate decides whether a match fires given the last stored trigger for the
// same (rule, instrument). It returns "" to fire, or the suppression reason.
func gate(r *model.Rule, last *model.TriggerRecord, barTime, now time.Time) string {
	switch r.TriggerMode {
	case model.TriggerOnce:
		if last != nil {
			return suppressOnce
		}
	case model.TriggerOncePerBar:
		if barTime.IsZero() {
			return suppressNoBar
		}
		if last != nil && last.BarTime != nil && last.BarTime.Equal(barTime) {
			return suppressSameBar
		}
	case model.TriggerEveryTime:
	default:
		return suppressMode
	}

	if r.ThrottleSeconds > 0 && last != nil &&
		now.Sub(last.TriggeredAt) < time.Duration(r.ThrottleSeconds)*time.Second {
		return suppressThrottle
	}
	return ""
}
