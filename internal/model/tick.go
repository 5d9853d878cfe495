package model

import "time"

// Fire is one emitted alert and its optional order intent.
type Fire struct {
	Alert  *Alert
	Intent *OrderIntent
}

// Stamp is the value recorded as the rule's last trigger time: the alert's
// bar time, or the trigger time when the bar is unresolved.
func (f Fire) Stamp() time.Time {
	if f.Alert.BarTime != nil {
		return *f.Alert.BarTime
	}
	return f.Alert.TriggeredAt
}

// TickCommit is everything one scheduler tick writes, applied atomically.
type TickCommit struct {
	Now       time.Time
	Evaluated []string // rule ids processed this tick
	Fires     []Fire
}

// CommitResult reports which fires were stored. Suppressed fires collided
// with an existing alert on the dedup key.
type CommitResult struct {
	Emitted    []Fire
	Suppressed []Fire
}
