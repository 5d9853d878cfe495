// Package emitter builds the side effects of a fired rule: the alert record
// and, for rules with an action, a pending order intent.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-alerts/internal/model"
)

// PositionProvider supplies held quantities for percent sizing.
type PositionProvider = model.PositionProvider

// OnceKey is the dedup key of every ONCE alert. Retention never prunes it.
const OnceKey = "once"

// Reasons an intent is skipped. The alert stands in every case.
var (
	ErrNoPosition     = errors.New("emitter: no position to size from")
	ErrQtyBelowOne    = errors.New("emitter: computed quantity below one")
	ErrNonPositiveQty = errors.New("emitter: configured quantity not positive")
	ErrBadPercent     = errors.New("emitter: percent outside (0, 100]")
)

const (
	defaultOrderType = "MARKET"
	defaultProduct   = "CNC"
)

// Emitter is safe for concurrent use.
type Emitter struct {
	positions PositionProvider
	timeout   time.Duration
}

// New creates an Emitter. positions may be nil when no rule sizes by percent.
func New(positions PositionProvider, lookupTimeout time.Duration) *Emitter {
	return &Emitter{positions: positions, timeout: lookupTimeout}
}

// DedupKey returns the per-(rule, instrument) uniqueness key for a fire.
// ONCE shares one key forever, ONCE_PER_BAR keys on the bar, EVERY_TIME
// never collides.
func DedupKey(mode model.TriggerMode, barTime time.Time) string {
	switch mode {
	case model.TriggerOnce:
		return OnceKey
	case model.TriggerOncePerBar:
		return "bar:" + strconv.FormatInt(barTime.Unix(), 10)
	}
	return "t:" + uuid.NewString()
}

// Alert builds the alert record for a fire. A zero barTime is stored as null.
func (e *Emitter) Alert(rule *model.Rule, inst model.Instrument, barTime time.Time, reason string,
	snapshot map[string]model.SnapshotValue, now time.Time) *model.Alert {
	a := &model.Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Owner:       rule.Owner,
		Symbol:      inst.Symbol,
		Exchange:    inst.Exchange,
		TriggeredAt: now,
		Reason:      reason,
		Snapshot:    snapshot,
		DedupKey:    DedupKey(rule.TriggerMode, barTime),
	}
	if !barTime.IsZero() {
		bt := barTime
		a.BarTime = &bt
	}
	return a
}

// Intent builds the pending order for alert. It returns (nil, nil) when the
// rule has no action, and (nil, err) when the action is a no-op for this
// fire; callers log err and keep the alert.
func (e *Emitter) Intent(ctx context.Context, rule *model.Rule, alert *model.Alert) (*model.OrderIntent, error) {
	act := rule.Action
	var (
		side model.OrderSide
		qty  int64
	)
	switch act.Kind {
	case model.ActionNone:
		return nil, nil
	case model.ActionBuyQty, model.ActionSellQty:
		if act.Qty <= 0 {
			return nil, ErrNonPositiveQty
		}
		side, qty = model.SideBuy, act.Qty
		if act.Kind == model.ActionSellQty {
			side = model.SideSell
		}
	case model.ActionSellPct:
		n, err := e.percentQty(ctx, rule, alert)
		if err != nil {
			return nil, err
		}
		side, qty = model.SideSell, n
	default:
		return nil, fmt.Errorf("emitter: unknown action %q", act.Kind)
	}

	return &model.OrderIntent{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		RuleID:    rule.ID,
		Owner:     rule.Owner,
		Symbol:    alert.Symbol,
		Exchange:  alert.Exchange,
		Side:      side,
		Qty:       qty,
		OrderType: orDefault(act.OrderType, defaultOrderType),
		Product:   product(act),
		Status:    model.OrderStatusWaiting,
		CreatedAt: alert.TriggeredAt,
	}, nil
}

// percentQty computes floor(held * pct / 100) in decimal arithmetic;
// 18.4% of 375 is 69, where float64 gives 68.
func (e *Emitter) percentQty(ctx context.Context, rule *model.Rule, alert *model.Alert) (int64, error) {
	pct := rule.Action.Percent
	if pct <= 0 || pct > 100 {
		return 0, fmt.Errorf("%w: %g", ErrBadPercent, pct)
	}
	if e.positions == nil {
		return 0, ErrNoPosition
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	held, found, err := e.positions.PositionQty(ctx, rule.Owner, alert.Symbol, product(rule.Action))
	if err != nil {
		return 0, fmt.Errorf("emitter: position lookup %s: %w", alert.Symbol, err)
	}
	if !found || held <= 0 {
		return 0, ErrNoPosition
	}
	qty := decimal.NewFromFloat(held).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
	if qty < 1 {
		return 0, ErrQtyBelowOne
	}
	return qty, nil
}

func product(a model.Action) string { return orDefault(a.Product, defaultProduct) }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
