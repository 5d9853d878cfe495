// Package portfolio is an in-memory book of holdings per owner. It serves
// the universe and emitter lookups in paper mode and applies committed
// order intents as immediate fills.
package portfolio

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"trading-alerts/internal/model"
)

type lineKey struct {
	symbol, exchange, product string
}

// Book is safe for concurrent use.
type Book struct {
	mu     sync.RWMutex
	owners map[string]map[lineKey]decimal.Decimal
}

// New creates an empty book.
func New() *Book {
	return &Book{owners: make(map[string]map[lineKey]decimal.Decimal)}
}

// Set replaces one line. A zero qty removes it.
func (b *Book) Set(owner string, h model.Holding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set(owner, lineKey{h.Symbol, h.Exchange, h.Product}, decimal.NewFromFloat(h.Qty))
}

func (b *Book) set(owner string, k lineKey, qty decimal.Decimal) {
	lines := b.owners[owner]
	if lines == nil {
		lines = make(map[lineKey]decimal.Decimal)
		b.owners[owner] = lines
	}
	if qty.IsZero() {
		delete(lines, k)
		return
	}
	lines[k] = qty
}

// Holdings implements universe.HoldingsProvider. Lines are ordered by
// exchange then symbol then product.
func (b *Book) Holdings(ctx context.Context, owner string) ([]model.Holding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Holding, 0, len(b.owners[owner]))
	for k, q := range b.owners[owner] {
		qty, _ := q.Float64()
		out = append(out, model.Holding{Symbol: k.symbol, Exchange: k.exchange, Product: k.product, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Product < out[j].Product
	})
	return out, nil
}

// PositionQty implements emitter.PositionProvider. Lines on different
// exchanges for the same symbol and product are summed.
func (b *Book) PositionQty(ctx context.Context, owner, symbol, product string) (float64, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total, found := decimal.Zero, false
	for k, q := range b.owners[owner] {
		if k.symbol == symbol && k.product == product {
			total = total.Add(q)
			found = true
		}
	}
	qty, _ := total.Float64()
	return qty, found, nil
}

func (b *Book) Name() string { return "paper" }

// Deliver fills every intent at once: BUY adds to the line, SELL reduces it
// and never goes below zero.
func (b *Book) Deliver(ctx context.Context, fires []model.Fire) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range fires {
		oi := f.Intent
		if oi == nil {
			continue
		}
		k := lineKey{oi.Symbol, oi.Exchange, oi.Product}
		held := b.owners[oi.Owner][k]
		qty := decimal.NewFromInt(oi.Qty)
		switch oi.Side {
		case model.SideBuy:
			held = held.Add(qty)
		case model.SideSell:
			if qty.GreaterThan(held) {
				log.Printf("[portfolio] paper sell %s %s qty %d exceeds held %s, closing line", oi.Owner, oi.Symbol, oi.Qty, held)
				qty = held
			}
			held = held.Sub(qty)
		}
		b.set(oi.Owner, k, held)
		log.Printf("[portfolio] paper fill %s %s %d %s:%s -> %s", oi.Owner, oi.Side, oi.Qty, oi.Exchange, oi.Symbol, held)
	}
}
