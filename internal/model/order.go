package model

import (
	"encoding/json"
	"time"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatusWaiting is the only status the engine writes; a broker
// bridge outside this module picks WAITING intents up.
const OrderStatusWaiting = "WAITING"

// OrderIntent is a pending order created by a fired rule.
type OrderIntent struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	RuleID    string    `json:"rule_id"`
	Owner     string    `json:"owner"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Side      OrderSide `json:"side"`
	Qty       int64     `json:"qty"`
	OrderType string    `json:"order_type"` // MARKET, LIMIT
	Product   string    `json:"product"`    // CNC, MIS, NRML
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// JSON returns the JSON-encoded intent (ignoring errors).
func (o *OrderIntent) JSON() []byte {
	b, _ := json.Marshal(o)
	return b
}
