package model

import (
	"encoding/json"
	"time"
)

// SnapshotValue is one indicator reading stored with an alert.
// Nil pointers mean the value was unavailable.
type SnapshotValue struct {
	Value *float64 `json:"value"`
	Prev  *float64 `json:"prev,omitempty"`
}

// Alert is the persisted record of a fired rule for one instrument.
type Alert struct {
	ID          string                   `json:"id"`
	RuleID      string                   `json:"rule_id"`
	Owner       string                   `json:"owner"`
	Symbol      string                   `json:"symbol"`
	Exchange    string                   `json:"exchange"`
	BarTime     *time.Time               `json:"bar_time,omitempty"`
	TriggeredAt time.Time                `json:"triggered_at"`
	Reason      string                   `json:"reason"`
	Snapshot    map[string]SnapshotValue `json:"snapshot"`

	// DedupKey backs the storage uniqueness constraint on
	// (rule, symbol, exchange, dedup key); see emitter.DedupKey.
	DedupKey string `json:"-"`
}

// Key returns "exchange:symbol".
func (a *Alert) Key() string {
	return a.Exchange + ":" + a.Symbol
}

// JSON returns the JSON-encoded alert (ignoring errors).
func (a *Alert) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}

// TriggerRecord is the last recorded fire of a rule for one instrument.
type TriggerRecord struct {
	TriggeredAt time.Time
	BarTime     *time.Time
}
