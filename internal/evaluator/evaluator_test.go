package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-alerts/internal/condition"
	"trading-alerts/internal/indicator"
	"trading-alerts/internal/model"
)

type fakeCandles struct {
	closes map[model.Timeframe][]float64
	calls  map[model.Timeframe]int
	err    error
	block  bool
}

func newFakeCandles() *fakeCandles {
	return &fakeCandles{closes: map[model.Timeframe][]float64{}, calls: map[model.Timeframe]int{}}
}

var base = time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)

func (f *fakeCandles) LoadCandles(ctx context.Context, symbol, exchange string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	f.calls[tf]++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	closes := f.closes[tf]
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{
			Symbol: symbol, Exchange: exchange, Timeframe: tf,
			TS:   base.Add(time.Duration(i) * tf.Duration()),
			Open: c, High: c, Low: c, Close: c, Volume: 100,
		}
	}
	return out, nil
}

func spec(kind indicator.Kind, tf model.Timeframe, n int) indicator.Spec {
	s := indicator.Spec{Kind: kind, Timeframe: tf}
	if p := kind.Param(); p != "" {
		s.Params = map[string]int{p: n}
	}
	return s
}

var (
	inst = model.Instrument{Symbol: "INFY", Exchange: "NSE"}
	now  = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func TestEvaluate_RSIMatchAndSingleLoadPerTimeframe(t *testing.T) {
	f := newFakeCandles()
	f.closes[model.TF1d] = []float64{10, 10, 10, 10, 10, 10, 15}
	rsi := spec(indicator.KindRSI, model.TF1d, 3)
	root := &condition.Logical{Op: condition.And, Children: []condition.Node{
		&condition.Comparison{Left: condition.Indicator(rsi), Op: condition.OpGTE, Right: condition.Number(100)},
		&condition.Comparison{Left: condition.Indicator(rsi), Op: condition.OpGT, Right: condition.Number(50)},
		&condition.Comparison{Left: condition.Indicator(spec(indicator.KindPrice, model.TF1d, 0)), Op: condition.OpEQ, Right: condition.Number(15)},
	}}

	res, err := New(f, time.Second).Evaluate(context.Background(), root, inst, model.TF1d, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected match")
	}
	if f.calls[model.TF1d] != 1 {
		t.Errorf("daily series loaded %d times, want 1", f.calls[model.TF1d])
	}
	if len(res.Samples) != 2 {
		t.Errorf("expected 2 distinct samples, got %d", len(res.Samples))
	}
	if want := base.AddDate(0, 0, 6); !res.BarTime.Equal(want) {
		t.Errorf("BarTime = %v, want %v", res.BarTime, want)
	}
	snap := res.Snapshot()
	if v := snap["RSI(3)@1d"].Value; v == nil || *v != 100 {
		t.Errorf("snapshot RSI = %v", v)
	}
}

func TestEvaluate_AllMissingNeverMatches(t *testing.T) {
	f := newFakeCandles()
	f.closes[model.TF1d] = []float64{10, 11}
	// NOT would be true on a missing reading; the all-missing guard wins.
	root := &condition.Not{Child: &condition.Comparison{
		Left: condition.Indicator(spec(indicator.KindRSI, model.TF1d, 14)), Op: condition.OpGT, Right: condition.Number(70),
	}}
	res, err := New(f, 0).Evaluate(context.Background(), root, inst, model.TF1d, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Matched || !res.AllMissing {
		t.Errorf("got Matched=%v AllMissing=%v, want false/true", res.Matched, res.AllMissing)
	}
}

func TestEvaluate_BarTimeOwnTimeframeFirst(t *testing.T) {
	f := newFakeCandles()
	f.closes[model.TF1d] = []float64{1, 2, 3}
	f.closes[model.TF5m] = []float64{1, 2, 3, 4, 5}
	daily := spec(indicator.KindPrice, model.TF1d, 0)
	intraday := spec(indicator.KindPrice, model.TF5m, 0)
	root := &condition.Comparison{Left: condition.Indicator(daily), Op: condition.OpLT, Right: condition.Indicator(intraday)}

	ev := New(f, 0)
	res, err := ev.Evaluate(context.Background(), root, inst, model.TF5m, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if want := base.Add(20 * time.Minute); !res.BarTime.Equal(want) {
		t.Errorf("own timeframe BarTime = %v, want %v", res.BarTime, want)
	}

	// No spec on 1h: fall back to the newest bar of any timeframe.
	res, err = ev.Evaluate(context.Background(), root, inst, model.TF1h, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if want := base.AddDate(0, 0, 2); !res.BarTime.Equal(want) {
		t.Errorf("fallback BarTime = %v, want %v", res.BarTime, want)
	}
}

func TestEvaluate_LookbackTrimmed(t *testing.T) {
	f := newFakeCandles()
	closes := make([]float64, 500)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	f.closes[model.TF1d] = closes
	long := spec(indicator.KindSMA, model.TF1d, 450)
	ok := spec(indicator.KindSMA, model.TF1d, 400)
	root := &condition.Logical{Op: condition.Or, Children: []condition.Node{
		&condition.Comparison{Left: condition.Indicator(long), Op: condition.OpGT, Right: condition.Number(0)},
		&condition.Comparison{Left: condition.Indicator(ok), Op: condition.OpGT, Right: condition.Number(0)},
	}}
	res, err := New(f, 0).Evaluate(context.Background(), root, inst, model.TF1d, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Samples[long.Key()].Value.Valid() {
		t.Error("SMA(450) should be None after trimming to 400 bars")
	}
	if v, _ := res.Samples[ok.Key()].Value.Get(); v != 300.5 {
		t.Errorf("SMA(400) over bars 101..500 = %v, want 300.5", v)
	}
}

func TestEvaluate_ProviderFailures(t *testing.T) {
	root := &condition.Comparison{Left: condition.Indicator(spec(indicator.KindPrice, model.TF1d, 0)), Op: condition.OpGT, Right: condition.Number(1)}

	f := newFakeCandles()
	f.err = errors.New("db down")
	if _, err := New(f, 0).Evaluate(context.Background(), root, inst, model.TF1d, now); err == nil {
		t.Error("expected provider error")
	}

	f = newFakeCandles()
	f.block = true
	start := time.Now()
	_, err := New(f, 20*time.Millisecond).Evaluate(context.Background(), root, inst, model.TF1d, now)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("lookup timeout not applied")
	}
}

func TestWindow(t *testing.T) {
	start, bars := Window(model.TF1d, now)
	if bars != DailyLookbackBars || now.Sub(start) < 400*24*time.Hour {
		t.Errorf("daily window start=%v bars=%d", start, bars)
	}
	start, bars = Window(model.TF5m, now)
	if bars != IntradayLookbackBars {
		t.Errorf("intraday bars = %d", bars)
	}
	// 90 five-minute bars fit in two sessions; the span covers a weekend.
	if d := now.Sub(start); d < 3*24*time.Hour || d > 10*24*time.Hour {
		t.Errorf("5m window span %v", d)
	}
}
