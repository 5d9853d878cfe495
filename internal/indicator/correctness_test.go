package indicator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"trading-alerts/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got Optional, want, tol float64) {
	t.Helper()
	v, ok := got.Get()
	if !ok {
		t.Errorf("%s: got None, want %.6f", label, want)
		return
	}
	if math.Abs(v-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, v, want, tol, math.Abs(v-want))
	}
}

func assertNone(t *testing.T, label string, got Optional) {
	t.Helper()
	if got.Valid() {
		v, _ := got.Get()
		t.Errorf("%s: got %.6f, want None", label, v)
	}
}

func series(closes ...float64) model.Series {
	candles := make([]model.Candle, len(closes))
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		candles[i] = model.Candle{
			Symbol: "TEST", Exchange: "NSE", Timeframe: model.TF1d,
			TS:   base.AddDate(0, 0, i),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
		}
	}
	return model.NewSeries(candles)
}

// ────────────────────────────────────────────────────────────
// SMA
// ────────────────────────────────────────────────────────────

func TestSMA_Period2(t *testing.T) {
	cur, prev := SMA([]float64{1, 2, 3, 4}, 2)
	assertClose(t, "SMA(2) current", cur, 3.5, 1e-9)
	assertClose(t, "SMA(2) previous", prev, 2.5, 1e-9)
}

func TestSMA_PrevDefinedIffEnoughHistory(t *testing.T) {
	for period := 1; period <= 6; period++ {
		for n := 0; n <= 10; n++ {
			values := make([]float64, n)
			for i := range values {
				values[i] = float64(i + 1)
			}
			cur, prev := SMA(values, period)
			if cur.Valid() != (n >= period) {
				t.Errorf("SMA(%d) len=%d: current valid=%v", period, n, cur.Valid())
			}
			if prev.Valid() != (n >= period+1) {
				t.Errorf("SMA(%d) len=%d: previous valid=%v", period, n, prev.Valid())
			}
		}
	}
}

// ────────────────────────────────────────────────────────────
// EMA
// ────────────────────────────────────────────────────────────

func TestEMA_Period3(t *testing.T) {
	// multiplier = 0.5, seed = (100+102+104)/3 = 102
	// 103 → 102.5, 105 → 103.75
	cur, prev := EMA([]float64{100, 102, 104, 103, 105}, 3)
	assertClose(t, "EMA(3) current", cur, 103.75, 1e-9)
	assertClose(t, "EMA(3) previous", prev, 102.5, 1e-9)
}

func TestEMA_SeedOnly(t *testing.T) {
	cur, prev := EMA([]float64{100, 102, 104}, 3)
	assertClose(t, "EMA(3) seed", cur, 102, 1e-9)
	assertNone(t, "EMA(3) previous", prev)
}

// ────────────────────────────────────────────────────────────
// RSI
// ────────────────────────────────────────────────────────────

func TestRSI_FlatThenJump_Is100(t *testing.T) {
	// last 3 deltas [0,0,5] → avg_gain=5/3, avg_loss=0 → 100
	cur, prev := RSI([]float64{10, 10, 10, 10, 10, 10, 15}, 3)
	assertClose(t, "RSI(3)", cur, 100, 1e-9)
	assertClose(t, "RSI(3) previous", prev, 100, 1e-9)
}

func TestRSI_PlainAverage(t *testing.T) {
	// deltas 0.5, -0.5, 1, -0.5 → avg_gain=0.375, avg_loss=0.25, rs=1.5 → 60
	cur, prev := RSI([]float64{44, 44.5, 44, 45, 44.5}, 4)
	assertClose(t, "RSI(4)", cur, 60, 1e-9)
	assertNone(t, "RSI(4) previous", prev)
}

func TestRSI_AllDown_Is0(t *testing.T) {
	cur, _ := RSI([]float64{20, 19, 18, 17, 16}, 4)
	assertClose(t, "RSI all down", cur, 0, 1e-9)
}

func TestRSI_AlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(60)
		values := make([]float64, n)
		price := 100.0
		for i := range values {
			price += rng.NormFloat64() * 2
			values[i] = price
		}
		period := 1 + rng.Intn(20)
		cur, prev := RSI(values, period)
		for _, o := range []Optional{cur, prev} {
			if v, ok := o.Get(); ok && (v < 0 || v > 100) {
				t.Fatalf("RSI(%d) out of bounds: %.4f", period, v)
			}
		}
	}
}

// ────────────────────────────────────────────────────────────
// ATR%, volatility, perf, volume ratio
// ────────────────────────────────────────────────────────────

func TestATRPct_Period2(t *testing.T) {
	// TR bar1 = max(2, 2.5, 0.5) = 2.5; TR bar2 = max(2, 2, 0) = 2
	// mean 2.25 / 12 * 100 = 18.75
	got := ATRPct([]float64{10, 12, 13}, []float64{9, 10, 11}, []float64{9.5, 11, 12}, 2)
	assertClose(t, "ATR%(2)", got, 18.75, 1e-9)
}

func TestVolatilityPct(t *testing.T) {
	// log returns ln(1.1), ln(0.9); sample stdev ≈ 0.1418956
	assertClose(t, "Vol%(2)", VolatilityPct([]float64{100, 110, 99}, 2), 14.18956, 1e-3)
	assertClose(t, "Vol% constant growth", VolatilityPct([]float64{100, 110, 121}, 2), 0, 1e-9)
	assertNone(t, "Vol% non-positive price", VolatilityPct([]float64{100, 0, 99}, 2))
	assertNone(t, "Vol% window 1", VolatilityPct([]float64{100, 110}, 1))
}

func TestPerfPct(t *testing.T) {
	assertClose(t, "Perf%(2)", PerfPct([]float64{100, 110, 121}, 2), 21, 1e-9)
	assertNone(t, "Perf% len == window", PerfPct([]float64{100, 110}, 2))
	assertNone(t, "Perf% zero base", PerfPct([]float64{0, 110, 121}, 2))
}

func TestVolumeRatio(t *testing.T) {
	assertClose(t, "VolRatio(2)", VolumeRatio([]float64{10, 10, 30}, 2), 3.0, 1e-9)
	assertNone(t, "VolRatio zero mean", VolumeRatio([]float64{0, 0, 30}, 2))
	assertNone(t, "VolRatio short", VolumeRatio([]float64{10, 30}, 2))
}

// ────────────────────────────────────────────────────────────
// Missing data never panics
// ────────────────────────────────────────────────────────────

func TestAllKinds_ShortHistoryIsNone(t *testing.T) {
	kinds := []Kind{KindSMA, KindEMA, KindRSI, KindATRPct, KindVolatilityPct, KindPerfPct, KindVolumeRatio}
	for _, kind := range kinds {
		for period := 2; period <= 30; period += 7 {
			spec := Spec{Kind: kind, Timeframe: model.TF1d, Params: map[string]int{kind.Param(): period}}
			closes := make([]float64, period-1)
			for i := range closes {
				closes[i] = 100 + float64(i)
			}
			s := Compute(spec, series(closes...))
			assertNone(t, spec.Label()+" current", s.Value)
			assertNone(t, spec.Label()+" previous", s.Prev)
		}
	}
	// Non-positive periods are rejected by Validate, Compute just yields None.
	s := Compute(Spec{Kind: KindSMA, Timeframe: model.TF1d, Params: map[string]int{"period": 0}}, series(1, 2, 3))
	assertNone(t, "SMA(0)", s.Value)
}

func TestCompute_BarTime(t *testing.T) {
	ser := series(1, 2, 3, 4)
	s := Compute(Spec{Kind: KindSMA, Timeframe: model.TF1d, Params: map[string]int{"period": 2}}, ser)
	if !s.BarTime.Equal(ser.LastTime()) {
		t.Errorf("BarTime = %v, want %v", s.BarTime, ser.LastTime())
	}
	empty := Compute(Spec{Kind: KindPrice, Timeframe: model.TF1d}, model.Series{})
	if !empty.BarTime.IsZero() {
		t.Errorf("expected zero BarTime for empty series, got %v", empty.BarTime)
	}
	assertNone(t, "PRICE empty", empty.Value)
}

func TestSpec_KeyIsOrderIndependent(t *testing.T) {
	a := Spec{Kind: KindSMA, Timeframe: model.TF1d, Params: map[string]int{"period": 20, "offset": 1}}
	b := Spec{Kind: KindSMA, Timeframe: model.TF1d, Params: map[string]int{"offset": 1, "period": 20}}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %s vs %s", a.Key(), b.Key())
	}
	if a.Key() != "SMA|1d|offset=1,period=20" {
		t.Errorf("unexpected key %s", a.Key())
	}
}

func TestSpec_Validate(t *testing.T) {
	cases := []struct {
		spec Spec
		ok   bool
	}{
		{Spec{Kind: KindRSI, Timeframe: model.TF1d, Params: map[string]int{"period": 14}}, true},
		{Spec{Kind: KindPrice, Timeframe: model.TF5m}, true},
		{Spec{Kind: "MACD", Timeframe: model.TF1d}, false},
		{Spec{Kind: KindRSI, Timeframe: "2d", Params: map[string]int{"period": 14}}, false},
		{Spec{Kind: KindRSI, Timeframe: model.TF1d}, false},
		{Spec{Kind: KindPerfPct, Timeframe: model.TF1d, Params: map[string]int{"window": -1}}, false},
		{Spec{Kind: KindVolatilityPct, Timeframe: model.TF1d, Params: map[string]int{"window": 1}}, false},
		{Spec{Kind: KindVolatilityPct, Timeframe: model.TF1d, Params: map[string]int{"window": 2}}, true},
	}
	for _, c := range cases {
		err := c.spec.Validate()
		if (err == nil) != c.ok {
			t.Errorf("Validate(%+v) = %v, want ok=%v", c.spec, err, c.ok)
		}
	}
}
