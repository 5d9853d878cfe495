package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-alerts/internal/condition"
	"trading-alerts/internal/model"
)

// ErrMalformedRule wraps decode, validation and saved-expression failures
// reported by DryRun.
var ErrMalformedRule = errors.New("malformed rule")

// DryRunResult is one rule evaluated for one instrument with no side
// effects.
type DryRunResult struct {
	RuleID      string                         `json:"rule_id"`
	Symbol      string                         `json:"symbol"`
	Exchange    string                         `json:"exchange"`
	EvaluatedAt time.Time                      `json:"evaluated_at"`
	Matched     bool                           `json:"matched"`
	WouldFire   bool                           `json:"would_fire"`
	Suppression string                         `json:"suppression,omitempty"`
	BarTime     *time.Time                     `json:"bar_time,omitempty"`
	Reason      string                         `json:"reason"`
	Snapshot    map[string]model.SnapshotValue `json:"snapshot"`
	Error       string                         `json:"error,omitempty"`
}

// DryRun evaluates r now for insts, or for its resolved universe when insts
// is empty. The trigger gate is applied against stored triggers but nothing
// is written. A rule that cannot be compiled returns ErrMalformedRule.
func (s *Scheduler) DryRun(ctx context.Context, r *model.Rule, insts ...model.Instrument) ([]DryRunResult, error) {
	root, err := s.compile(ctx, r, condition.NewTickCache(s.opts.Expressions, s.opts.LookupTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}
	if len(insts) == 0 {
		insts = s.opts.Universe.Resolve(ctx, r)
	}

	now := s.opts.Now()
	out := make([]DryRunResult, 0, len(insts))
	for _, inst := range insts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, s.dryRunOne(ctx, r, root, inst, now))
	}
	return out, nil
}

func (s *Scheduler) dryRunOne(ctx context.Context, r *model.Rule, root condition.Node, inst model.Instrument, now time.Time) DryRunResult {
	dr := DryRunResult{RuleID: r.ID, Symbol: inst.Symbol, Exchange: inst.Exchange, EvaluatedAt: now}

	res, err := s.opts.Evaluator.Evaluate(ctx, root, inst, r.Timeframe, now)
	if err != nil {
		dr.Error = err.Error()
		return dr
	}
	dr.Matched = res.Matched
	dr.Reason = condition.Describe(root, res.Samples)
	dr.Snapshot = res.Snapshot()
	if !res.BarTime.IsZero() {
		bt := res.BarTime
		dr.BarTime = &bt
	}
	if !res.Matched {
		return dr
	}

	last, err := s.lastTrigger(ctx, r.ID, inst)
	if err != nil {
		dr.Error = fmt.Sprintf("last trigger: %v", err)
		return dr
	}
	dr.Suppression = gate(r, last, res.BarTime, now)
	dr.WouldFire = dr.Suppression == ""
	return dr
}
