package model

import (
	"context"
	"time"
)

// ── Collaborator ports ──
// These interfaces decouple the engine from concrete stores (SQLite, the
// in-memory portfolio book, broker bridges). Each lookup is blocking I/O from
// the scheduler's point of view; callers bound it with a context deadline.

// CandleProvider loads candles ordered oldest to newest. An empty slice is a
// valid answer.
type CandleProvider interface {
	LoadCandles(ctx context.Context, symbol, exchange string, tf Timeframe, start, end time.Time) ([]Candle, error)
}

// GroupMembership lists the members of a group visible to owner: a group is
// visible when it is shared or owned by owner. Missing or invisible groups
// return an empty slice.
type GroupMembership interface {
	GroupMembers(ctx context.Context, groupID, owner string) ([]Instrument, error)
}

// HoldingsProvider returns the owner's live holdings.
type HoldingsProvider interface {
	Holdings(ctx context.Context, owner string) ([]Holding, error)
}

// PositionProvider returns the quantity held for one symbol and product.
// found=false means there is no position.
type PositionProvider interface {
	PositionQty(ctx context.Context, owner, symbol, product string) (qty float64, found bool, err error)
}
