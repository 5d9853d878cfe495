package model

// Instrument identifies a tradeable symbol on an exchange.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Key returns a unique key for this instrument: "exchange:symbol".
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}

// UniverseKind selects how a rule's target expands into instruments.
type UniverseKind string

const (
	UniverseSymbol   UniverseKind = "SYMBOL"
	UniverseGroup    UniverseKind = "GROUP"
	UniverseHoldings UniverseKind = "HOLDINGS"
)

// Universe is a rule's target. Only the fields for Kind are meaningful.
type Universe struct {
	Kind     UniverseKind `json:"kind"`
	Symbol   string       `json:"symbol,omitempty"`
	Exchange string       `json:"exchange,omitempty"`
	GroupID  string       `json:"group_id,omitempty"`
}
