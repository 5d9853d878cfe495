// Package universe expands a rule's target into the instruments evaluated
// on one tick.
package universe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trading-alerts/internal/model"
)

// GroupMembership and HoldingsProvider are the lookups the resolver needs.
type (
	GroupMembership  = model.GroupMembership
	HoldingsProvider = model.HoldingsProvider
)

// Resolver resolves universes. Lookup failures degrade to an empty set for
// the tick; they are logged and never persisted.
type Resolver struct {
	groups   GroupMembership
	holdings HoldingsProvider
	timeout  time.Duration
	log      *slog.Logger
}

// New creates a Resolver. lookupTimeout bounds each group or holdings lookup;
// zero leaves only the caller's context.
func New(groups GroupMembership, holdings HoldingsProvider, lookupTimeout time.Duration, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{groups: groups, holdings: holdings, timeout: lookupTimeout, log: log}
}

// Resolve returns the deduplicated instruments for rule, in lookup order.
func (r *Resolver) Resolve(ctx context.Context, rule *model.Rule) []model.Instrument {
	insts, err := r.lookup(ctx, rule)
	if err != nil {
		r.log.Warn("[universe] resolution failed, skipping rule this tick",
			"rule_id", rule.ID, "kind", rule.Universe.Kind, "error", err)
		return nil
	}
	return dedup(insts)
}

func (r *Resolver) lookup(ctx context.Context, rule *model.Rule) ([]model.Instrument, error) {
	u := rule.Universe
	switch u.Kind {
	case model.UniverseSymbol:
		if u.Symbol == "" {
			return nil, fmt.Errorf("symbol universe without symbol")
		}
		return []model.Instrument{{Symbol: u.Symbol, Exchange: u.Exchange}}, nil

	case model.UniverseGroup:
		if r.groups == nil {
			return nil, fmt.Errorf("no group membership source")
		}
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		members, err := r.groups.GroupMembers(ctx, u.GroupID, rule.Owner)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", u.GroupID, err)
		}
		return members, nil

	case model.UniverseHoldings:
		if r.holdings == nil {
			return nil, fmt.Errorf("no holdings source")
		}
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		holdings, err := r.holdings.Holdings(ctx, rule.Owner)
		if err != nil {
			return nil, fmt.Errorf("holdings of %s: %w", rule.Owner, err)
		}
		out := make([]model.Instrument, 0, len(holdings))
		for _, h := range holdings {
			if h.Qty > 0 {
				out = append(out, model.Instrument{Symbol: h.Symbol, Exchange: h.Exchange})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown universe kind %q", u.Kind)
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// dedup removes repeated (symbol, exchange) pairs, comparing case-insensitively
// and keeping the first spelling.
func dedup(insts []model.Instrument) []model.Instrument {
	seen := make(map[string]bool, len(insts))
	out := make([]model.Instrument, 0, len(insts))
	for _, in := range insts {
		if in.Symbol == "" {
			continue
		}
		key := strings.ToUpper(in.Key())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, in)
	}
	return out
}
