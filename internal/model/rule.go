package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerMode governs how often a matched rule may re-fire for one symbol.
type TriggerMode string

const (
	TriggerOnce       TriggerMode = "ONCE"
	TriggerOncePerBar TriggerMode = "ONCE_PER_BAR"
	TriggerEveryTime  TriggerMode = "EVERY_TIME"
)

// ParseTriggerMode validates a stored trigger mode.
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch m := TriggerMode(s); m {
	case TriggerOnce, TriggerOncePerBar, TriggerEveryTime:
		return m, nil
	}
	return "", fmt.Errorf("unknown trigger mode %q", s)
}

// ActionKind selects the order intent a fired rule creates.
type ActionKind string

const (
	ActionNone    ActionKind = ""
	ActionBuyQty  ActionKind = "BUY_QTY"
	ActionSellQty ActionKind = "SELL_QTY"
	ActionSellPct ActionKind = "SELL_PCT"
)

// Action is the optional order side effect of a rule.
type Action struct {
	Kind      ActionKind `json:"kind,omitempty"`
	Qty       int64      `json:"qty,omitempty"`     // BUY_QTY, SELL_QTY
	Percent   float64    `json:"percent,omitempty"` // SELL_PCT, 0-100
	OrderType string     `json:"order_type,omitempty"`
	Product   string     `json:"product,omitempty"`
}

// Rule is a user-defined alert rule. All fields except the Last* ones are
// owned by the rule CRUD layer; the engine only mutates LastEvaluatedAt,
// LastTriggeredAt and LastTriggerBarTime.
type Rule struct {
	ID                string          `json:"id"`
	Owner             string          `json:"owner"`
	Name              string          `json:"name"`
	Enabled           bool            `json:"enabled"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Universe          Universe        `json:"universe"`
	Timeframe         Timeframe       `json:"timeframe"`
	Condition         json.RawMessage `json:"condition"`
	TriggerMode       TriggerMode     `json:"trigger_mode"`
	ThrottleSeconds   int             `json:"throttle_seconds"`
	EvaluationCadence time.Duration   `json:"evaluation_cadence"`
	MarketHoursOnly   bool            `json:"market_hours_only"`
	Action            Action          `json:"action"`

	LastEvaluatedAt    *time.Time `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt    *time.Time `json:"last_triggered_at,omitempty"`
	LastTriggerBarTime *time.Time `json:"last_trigger_bar_time,omitempty"`
}

// Active reports whether the rule is enabled and not expired at now.
func (r *Rule) Active(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	return r.ExpiresAt == nil || !r.ExpiresAt.Before(now)
}

// CadenceDue reports whether the rule's own evaluation cadence has elapsed.
func (r *Rule) CadenceDue(now time.Time) bool {
	if r.EvaluationCadence <= 0 || r.LastEvaluatedAt == nil {
		return true
	}
	return now.Sub(*r.LastEvaluatedAt) >= r.EvaluationCadence
}
