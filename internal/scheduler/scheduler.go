// Package scheduler drives rule evaluation on a fixed tick.
//
// Each tick loads the due rules, evaluates them on a bounded worker pool,
// applies the trigger-mode gate per (rule, instrument) and commits every
// alert, order intent and rule timestamp of the tick in one transaction.
// Workers only read; the tick goroutine is the single writer. Committed
// alerts are then handed to the sinks (Pub/Sub, WebSocket, notifiers).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trading-alerts/internal/condition"
	"trading-alerts/internal/emitter"
	"trading-alerts/internal/evaluator"
	"trading-alerts/internal/logger"
	"trading-alerts/internal/markethours"
	"trading-alerts/internal/metrics"
	"trading-alerts/internal/model"
	"trading-alerts/internal/universe"
)

// RuleStore is the persistence the scheduler needs.
type RuleStore interface {
	LoadRules(ctx context.Context, now time.Time) ([]*model.Rule, error)
	LastTrigger(ctx context.Context, ruleID string, inst model.Instrument) (*model.TriggerRecord, error)
	CommitTick(ctx context.Context, tick model.TickCommit) (model.CommitResult, error)
}

// Sink receives the fires of a tick after they are committed. Delivery
// failures are the sink's to log; they never undo the commit.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, fires []model.Fire)
}

// Skip reasons for rules not processed on a tick.
const (
	SkipMarketClosed = "market_closed"
	SkipCadence      = "cadence"
	SkipMalformed    = "malformed"
	SkipPanic        = "panic"
	SkipCancelled    = "cancelled"
)

const commitTimeout = 10 * time.Second

// Options configures a Scheduler. Store, Evaluator, Universe and Emitter are
// required.
type Options struct {
	Interval      time.Duration // default 1m
	Workers       int           // default 4
	LookupTimeout time.Duration // per store lookup inside the gate

	Store       RuleStore
	Evaluator   *evaluator.Evaluator
	Universe    *universe.Resolver
	Emitter     *emitter.Emitter
	Expressions condition.ExpressionSource
	Calendar    *markethours.Calendar
	Metrics     *metrics.Metrics
	Health      *metrics.HealthStatus
	Sinks       []Sink

	Now    func() time.Time // default markethours.Now
	Logger *slog.Logger
}

// TickReport summarises one tick.
type TickReport struct {
	Now        time.Time      `json:"now"`
	Rules      int            `json:"rules"`
	Processed  int            `json:"processed"`
	Skipped    map[string]int `json:"skipped"`
	Symbols    int            `json:"symbols"`
	Matched    int            `json:"matched"`
	Emitted    int            `json:"emitted"`
	Suppressed int            `json:"suppressed"`
	Duration   time.Duration  `json:"duration"`
}

// Stats is the scheduler's running state for the status API.
type Stats struct {
	Running   bool       `json:"running"`
	Ticks     uint64     `json:"ticks"`
	LastTick  TickReport `json:"last_tick"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler is an explicit handle: New, then Start, then Stop or Wait.
type Scheduler struct {
	opts Options
	log  *slog.Logger
	m    *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stats  Stats
}

// New validates opts and fills defaults.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Evaluator == nil || opts.Universe == nil || opts.Emitter == nil {
		return nil, errors.New("scheduler: store, evaluator, universe and emitter are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = markethours.Now
	}
	if opts.Calendar == nil {
		cal, err := markethours.NewCalendar()
		if err != nil {
			return nil, err
		}
		opts.Calendar = cal
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{opts: opts, log: opts.Logger, m: opts.Metrics}, nil
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler: already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.stats.Running = true
	if s.opts.Health != nil {
		s.opts.Health.SetSchedulerRunning(true)
	}
	go s.run(ctx, s.done)
	s.log.Info("[scheduler] started", "interval", s.opts.Interval.String(), "workers", s.opts.Workers)
	return nil
}

// Stop cancels the loop and waits for the tick in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.Wait()
}

// Wait blocks until the loop has exited. It returns at once if never started.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stats returns a copy of the running state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.LastTick.Skipped = make(map[string]int, len(s.stats.LastTick.Skipped))
	for k, v := range s.stats.LastTick.Skipped {
		st.LastTick.Skipped[k] = v
	}
	return st
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.stats.Running = false
		s.mu.Unlock()
		if s.opts.Health != nil {
			s.opts.Health.SetSchedulerRunning(false)
		}
		s.log.Info("[scheduler] stopped")
		close(done)
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.runTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runTick runs one tick and records its outcome. The loop survives any
// error or panic a tick produces.
func (s *Scheduler) runTick(ctx context.Context) {
	rep, err := s.Tick(ctx)

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastTick = rep
	s.stats.LastError = ""
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.Error("[scheduler] tick failed", "error", err)
	}
	if rep.Duration > s.opts.Interval {
		s.m.TickOverrun.Inc()
		s.log.Warn("[scheduler] tick overran interval", "took", rep.Duration.String(), "interval", s.opts.Interval.String())
	}
}

// ruleResult is what one worker hands back for one rule.
type ruleResult struct {
	processed bool
	skip      string
	symbols   int
	matched   int
	fires     []model.Fire
}

// Tick runs one evaluation pass synchronously and commits it.
func (s *Scheduler) Tick(ctx context.Context) (rep TickReport, err error) {
	start := time.Now()
	now := s.opts.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("tick", start))
	rep = TickReport{Now: now, Skipped: map[string]int{}}

	defer func() {
		if r := recover(); r != nil {
			s.m.TickPanics.Inc()
			err = fmt.Errorf("scheduler: tick panic: %v", r)
			s.log.Error("[scheduler] recovered tick panic", s.attrs(ctx, "panic", r)...)
		}
		rep.Duration = time.Since(start)
		s.m.TicksTotal.Inc()
		s.m.TickDur.Observe(rep.Duration.Seconds())
		if s.opts.Health != nil {
			s.opts.Health.SetLastTickTime(time.Now())
		}
	}()

	rules, err := s.opts.Store.LoadRules(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("load rules: %w", err)
	}
	rep.Rules = len(rules)

	open := s.opts.Calendar.IsOpen(now)
	if open {
		s.m.MarketState.Set(1)
	} else {
		s.m.MarketState.Set(0)
	}

	// Saved expressions are re-read every tick.
	cache := condition.NewTickCache(s.opts.Expressions, s.opts.LookupTimeout)

	results := make([]ruleResult, len(rules))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, r := range rules {
		switch {
		case r.MarketHoursOnly && !open:
			results[i] = ruleResult{skip: SkipMarketClosed}
			continue
		case !r.CadenceDue(now):
			results[i] = ruleResult{skip: SkipCadence}
			continue
		}
		if ctx.Err() != nil {
			results[i] = ruleResult{skip: SkipCancelled}
			continue
		}
		i, r := i, r
		g.Go(func() error {
			results[i] = s.evalRule(ctx, r, now, cache)
			return nil
		})
	}
	g.Wait()

	commit := model.TickCommit{Now: now}
	for i, res := range results {
		if !res.processed {
			rep.Skipped[res.skip]++
			s.m.RulesSkipped.WithLabelValues(res.skip).Inc()
			continue
		}
		rep.Processed++
		rep.Symbols += res.symbols
		rep.Matched += res.matched
		commit.Evaluated = append(commit.Evaluated, rules[i].ID)
		commit.Fires = append(commit.Fires, res.fires...)
		s.m.Outcomes.WithLabelValues(metrics.OutcomeNotMatched).Add(float64(res.symbols - res.matched))
	}

	if len(commit.Evaluated) == 0 {
		return rep, ctx.Err()
	}

	// Finish the commit even when shutdown has begun, so processed rules
	// are never left half-recorded.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	commitStart := time.Now()
	result, err := s.opts.Store.CommitTick(cctx, commit)
	s.m.SQLiteCommitDur.Observe(time.Since(commitStart).Seconds())
	if err != nil {
		return rep, fmt.Errorf("commit tick: %w", err)
	}

	rep.Emitted = len(result.Emitted)
	rep.Suppressed = rep.Matched - rep.Emitted
	s.m.RulesEvaluated.Add(float64(rep.Processed))
	s.m.Outcomes.WithLabelValues(metrics.OutcomeEmitted).Add(float64(rep.Emitted))
	s.m.Outcomes.WithLabelValues(metrics.OutcomeSuppressed).Add(float64(rep.Suppressed))
	for _, f := range result.Emitted {
		if f.Intent != nil {
			s.m.IntentsCreated.Inc()
		}
		s.log.Info("[scheduler] alert emitted", s.attrs(ctx,
			"rule_id", f.Alert.RuleID, "symbol", f.Alert.Key(), "reason", f.Alert.Reason)...)
	}
	for _, f := range result.Suppressed {
		s.log.Info("[scheduler] alert already stored, suppressed", s.attrs(ctx,
			"rule_id", f.Alert.RuleID, "symbol", f.Alert.Key(), "dedup_key", f.Alert.DedupKey)...)
	}

	s.deliver(cctx, result.Emitted)

	s.log.Debug("[scheduler] tick done", s.attrs(ctx,
		"rules", rep.Rules, "processed", rep.Processed, "matched", rep.Matched,
		"emitted", rep.Emitted, "suppressed", rep.Suppressed)...)
	return rep, nil
}

// evalRule evaluates one rule over its universe. A rule that is malformed,
// panics or is interrupted by shutdown is not processed: none of its fires
// are committed and its Last* fields stay untouched.
func (s *Scheduler) evalRule(ctx context.Context, r *model.Rule, now time.Time, cache *condition.TickCache) (res ruleResult) {
	defer func() {
		if p := recover(); p != nil {
			s.m.TickPanics.Inc()
			s.log.Error("[scheduler] recovered rule panic", s.attrs(ctx, "rule_id", r.ID, "panic", p)...)
			res = ruleResult{skip: SkipPanic}
		}
	}()

	root, err := s.compile(ctx, r, cache)
	if err != nil {
		s.log.Warn("[scheduler] malformed rule skipped", s.attrs(ctx, "rule_id", r.ID, "error", err)...)
		return ruleResult{skip: SkipMalformed}
	}

	insts := s.opts.Universe.Resolve(ctx, r)
	for _, inst := range insts {
		if ctx.Err() != nil {
			return ruleResult{skip: SkipCancelled}
		}
		res.symbols++
		fire, matched, err := s.evalSymbol(ctx, r, root, inst, now)
		if err != nil {
			s.log.Warn("[scheduler] symbol skipped", s.attrs(ctx, "rule_id", r.ID, "symbol", inst.Key(), "error", err)...)
			res.symbols--
			continue
		}
		if matched {
			res.matched++
		}
		if fire != nil {
			res.fires = append(res.fires, *fire)
		}
	}
	res.processed = true
	return res
}

// compile decodes the stored condition and expands saved expressions.
func (s *Scheduler) compile(ctx context.Context, r *model.Rule, cache *condition.TickCache) (condition.Node, error) {
	root, err := condition.Decode(r.Condition)
	if err != nil {
		return nil, err
	}
	return condition.Expand(ctx, root, r.Owner, cache)
}

// evalSymbol runs EVALUATING for one (rule, instrument) and returns the fire
// to commit, if any. An error abandons the instrument for this tick.
func (s *Scheduler) evalSymbol(ctx context.Context, r *model.Rule, root condition.Node, inst model.Instrument, now time.Time) (fire *model.Fire, matched bool, err error) {
	stage := "evaluate"
	defer func() {
		if p := recover(); p != nil {
			s.m.TickPanics.Inc()
			stage = "panic"
			fire, matched, err = nil, false, fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			s.m.SymbolErrors.WithLabelValues(stage).Inc()
		}
	}()

	start := time.Now()
	res, err := s.opts.Evaluator.Evaluate(ctx, root, inst, r.Timeframe, now)
	s.m.EvalDur.Observe(time.Since(start).Seconds())
	s.m.SymbolsEvaluated.Inc()
	if err != nil {
		return nil, false, err
	}
	if !res.Matched {
		return nil, false, nil
	}

	stage = "gate"
	last, err := s.lastTrigger(ctx, r.ID, inst)
	if err != nil {
		return nil, true, err
	}
	if reason := gate(r, last, res.BarTime, now); reason != "" {
		s.log.Debug("[scheduler] match suppressed", s.attrs(ctx, "rule_id", r.ID, "symbol", inst.Key(), "reason", reason)...)
		return nil, true, nil
	}

	alert := s.opts.Emitter.Alert(r, inst, res.BarTime, condition.Describe(root, res.Samples), res.Snapshot(), now)
	intent, err := s.opts.Emitter.Intent(ctx, r, alert)
	if err != nil {
		s.m.IntentsSkipped.WithLabelValues(intentSkipReason(err)).Inc()
		s.log.Warn("[scheduler] order intent skipped, alert kept", s.attrs(ctx,
			"rule_id", r.ID, "symbol", inst.Key(), "action", r.Action.Kind, "reason", err)...)
	}
	return &model.Fire{Alert: alert, Intent: intent}, true, nil
}

func (s *Scheduler) lastTrigger(ctx context.Context, ruleID string, inst model.Instrument) (*model.TriggerRecord, error) {
	if s.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LookupTimeout)
		defer cancel()
	}
	return s.opts.Store.LastTrigger(ctx, ruleID, inst)
}

func intentSkipReason(err error) string {
	switch {
	case errors.Is(err, emitter.ErrNoPosition):
		return "no_position"
	case errors.Is(err, emitter.ErrQtyBelowOne):
		return "qty_below_one"
	case errors.Is(err, emitter.ErrNonPositiveQty):
		return "non_positive_qty"
	case errors.Is(err, emitter.ErrBadPercent):
		return "bad_percent"
	}
	return "error"
}

// deliver hands committed fires to every sink. A panicking sink is
// recovered and does not stop the others.
func (s *Scheduler) deliver(ctx context.Context, fires []model.Fire) {
	if len(fires) == 0 {
		return
	}
	for _, sink := range s.opts.Sinks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.m.TickPanics.Inc()
					s.log.Error("[scheduler] recovered sink panic", s.attrs(ctx, "sink", sink.Name(), "panic", p)...)
				}
			}()
			sink.Deliver(ctx, fires)
		}()
	}
}

func (s *Scheduler) attrs(ctx context.Context, kv ...any) []any {
	return append(logger.LogWithTrace(ctx), kv...)
}
