// Package evaluator computes the indicator samples a condition needs for one
// instrument and folds the condition against them.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"trading-alerts/internal/condition"
	"trading-alerts/internal/indicator"
	"trading-alerts/internal/model"
)

// CandleProvider is the candle source the evaluator reads from.
type CandleProvider = model.CandleProvider

// Lookback in bars by timeframe class.
const (
	DailyLookbackBars    = 400
	IntradayLookbackBars = 90
)

// sessionMinutes is the length of one trading session (09:15–15:30).
const sessionMinutes = 375

// Result is the outcome of one evaluation pass for one instrument.
type Result struct {
	Matched bool
	// BarTime is the bar the match refers to: the newest sample on the
	// rule's own timeframe, else the newest sample on any timeframe.
	// Zero when no sample resolved a bar.
	BarTime time.Time
	Specs   []indicator.Spec
	Samples condition.SampleMap
	// AllMissing is set when the condition references indicators and none
	// of them produced a value. Such a pass never matches.
	AllMissing bool
}

// Snapshot returns the readings for an alert record, keyed by indicator label.
func (r Result) Snapshot() map[string]model.SnapshotValue {
	out := make(map[string]model.SnapshotValue, len(r.Specs))
	for _, spec := range r.Specs {
		s := r.Samples[spec.Key()]
		out[spec.Label()] = model.SnapshotValue{Value: s.Value.Ptr(), Prev: s.Prev.Ptr()}
	}
	return out
}

// Evaluator evaluates expanded condition trees against candle history.
type Evaluator struct {
	candles CandleProvider
	timeout time.Duration
}

// New creates an Evaluator. lookupTimeout bounds each candle load; zero
// means the caller's context alone applies.
func New(candles CandleProvider, lookupTimeout time.Duration) *Evaluator {
	return &Evaluator{candles: candles, timeout: lookupTimeout}
}

// Window returns the calendar start of the candle request for tf and the
// number of bars to keep. The calendar span is widened for weekends and
// holidays; the series is trimmed to bars afterwards.
func Window(tf model.Timeframe, now time.Time) (start time.Time, bars int) {
	if tf.IsDaily() {
		days := int(math.Ceil(float64(DailyLookbackBars) * tf.Duration().Hours() / 24 * 1.5))
		return now.AddDate(0, 0, -days), DailyLookbackBars
	}
	minutes := float64(IntradayLookbackBars) * tf.Duration().Minutes()
	sessions := int(math.Ceil(minutes / sessionMinutes))
	days := sessions*7/5 + 5
	return now.AddDate(0, 0, -days), IntradayLookbackBars
}

// Evaluate loads one series per referenced timeframe, computes every distinct
// spec once and folds root. root must already be expanded. A candle load
// failure is returned as an error; the caller skips the instrument.
func (e *Evaluator) Evaluate(ctx context.Context, root condition.Node, inst model.Instrument, ruleTF model.Timeframe, now time.Time) (Result, error) {
	res := Result{Specs: condition.Specs(root), Samples: make(condition.SampleMap)}

	byTF := make(map[model.Timeframe][]indicator.Spec)
	var order []model.Timeframe
	for _, spec := range res.Specs {
		if _, ok := byTF[spec.Timeframe]; !ok {
			order = append(order, spec.Timeframe)
		}
		byTF[spec.Timeframe] = append(byTF[spec.Timeframe], spec)
	}

	for _, tf := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		series, err := e.load(ctx, inst, tf, now)
		if err != nil {
			return res, err
		}
		for _, spec := range byTF[tf] {
			key := spec.Key()
			if _, done := res.Samples[key]; done {
				continue
			}
			res.Samples[key] = indicator.Compute(spec, series)
		}
	}

	res.BarTime = barTime(res, ruleTF)
	if len(res.Specs) > 0 {
		res.AllMissing = true
		for _, s := range res.Samples {
			if s.Value.Valid() {
				res.AllMissing = false
				break
			}
		}
	}
	if res.AllMissing {
		return res, nil
	}

	matched, err := condition.Evaluate(root, res.Samples)
	if err != nil {
		return res, err
	}
	res.Matched = matched
	return res, nil
}

func (e *Evaluator) load(ctx context.Context, inst model.Instrument, tf model.Timeframe, now time.Time) (model.Series, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start, bars := Window(tf, now)
	candles, err := e.candles.LoadCandles(ctx, inst.Symbol, inst.Exchange, tf, start, now)
	if err != nil {
		return model.Series{}, fmt.Errorf("load %s %s candles: %w", inst.Key(), tf, err)
	}
	return model.NewSeries(candles).Tail(bars), nil
}

func barTime(res Result, ruleTF model.Timeframe) time.Time {
	var own, latest time.Time
	for _, spec := range res.Specs {
		t := res.Samples[spec.Key()].BarTime
		if t.IsZero() {
			continue
		}
		if t.After(latest) {
			latest = t
		}
		if spec.Timeframe == ruleTF && t.After(own) {
			own = t
		}
	}
	if !own.IsZero() {
		return own
	}
	return latest
}
