package model

// Holding is one line of an owner's live holdings.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Product  string  `json:"product"` // CNC, MIS, NRML
	Qty      float64 `json:"qty"`
}

// Key returns a unique key for this holding: "exchange:symbol".
func (h *Holding) Key() string {
	return h.Exchange + ":" + h.Symbol
}
