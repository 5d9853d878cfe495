// Package indicator provides technical indicator calculations over candle history.
//
// Every indicator is a pure function over oldest→newest slices producing a
// current and a previous reading. Readings are Optional: a reading with no
// value means there was not enough history, and callers must handle that
// branch explicitly.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"trading-alerts/internal/model"
)

// Optional is a float64 that may be absent.
type Optional struct {
	v  float64
	ok bool
}

// Some wraps v. NaN and ±Inf collapse to None.
func Some(v float64) Optional {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Optional{}
	}
	return Optional{v: v, ok: true}
}

// None returns an absent value.
func None() Optional { return Optional{} }

// Get returns the value and whether it is present.
func (o Optional) Get() (float64, bool) { return o.v, o.ok }

// Valid reports whether a value is present.
func (o Optional) Valid() bool { return o.ok }

// Ptr returns a pointer to the value, or nil when absent.
func (o Optional) Ptr() *float64 {
	if !o.ok {
		return nil
	}
	v := o.v
	return &v
}

func (o Optional) String() string {
	if !o.ok {
		return "n/a"
	}
	return strconv.FormatFloat(o.v, 'f', 2, 64)
}

// Sample is the computed reading of one indicator for one instrument.
// A zero BarTime means the bar could not be resolved.
type Sample struct {
	Value   Optional
	Prev    Optional
	BarTime time.Time
}

// Kind is the closed set of supported indicators.
type Kind string

const (
	KindPrice         Kind = "PRICE"
	KindSMA           Kind = "SMA"
	KindEMA           Kind = "EMA"
	KindRSI           Kind = "RSI"
	KindATRPct        Kind = "ATR_PCT"
	KindVolatilityPct Kind = "VOLATILITY_PCT"
	KindPerfPct       Kind = "PERF_PCT"
	KindVolumeRatio   Kind = "VOLUME_RATIO"
)

// ParseKind validates a stored indicator name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(s)); k {
	case KindPrice, KindSMA, KindEMA, KindRSI, KindATRPct,
		KindVolatilityPct, KindPerfPct, KindVolumeRatio:
		return k, nil
	}
	return "", fmt.Errorf("unknown indicator %q", s)
}

// Param returns the name of the single integer parameter the kind requires,
// or "" when it takes none.
func (k Kind) Param() string {
	switch k {
	case KindSMA, KindEMA, KindRSI, KindATRPct:
		return "period"
	case KindVolatilityPct, KindPerfPct, KindVolumeRatio:
		return "window"
	}
	return ""
}

// Spec identifies one indicator computation.
type Spec struct {
	Kind      Kind            `json:"kind"`
	Timeframe model.Timeframe `json:"timeframe"`
	Params    map[string]int  `json:"params,omitempty"`
}

// Key is the cache identity: kind, timeframe and params sorted by name.
func (s Spec) Key() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	b.WriteByte('|')
	b.WriteString(string(s.Timeframe))
	b.WriteByte('|')
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(s.Params[name]))
	}
	return b.String()
}

// Label is the human readable form used in alert reasons, e.g. "RSI(14)@1d".
func (s Spec) Label() string {
	p := s.Kind.Param()
	if p == "" {
		return string(s.Kind) + "@" + string(s.Timeframe)
	}
	return fmt.Sprintf("%s(%d)@%s", s.Kind, s.Params[p], s.Timeframe)
}

// Validate checks kind, timeframe and the required parameter.
func (s Spec) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if !s.Timeframe.Valid() {
		return fmt.Errorf("indicator %s: unknown timeframe %q", s.Kind, s.Timeframe)
	}
	p := s.Kind.Param()
	if p == "" {
		return nil
	}
	v, ok := s.Params[p]
	if !ok {
		return fmt.Errorf("indicator %s: missing %s", s.Kind, p)
	}
	if v <= 0 {
		return fmt.Errorf("indicator %s: %s must be positive, got %d", s.Kind, p, v)
	}
	// Sample stdev needs at least two returns.
	if s.Kind == KindVolatilityPct && v < 2 {
		return fmt.Errorf("indicator %s: %s must be at least 2, got %d", s.Kind, p, v)
	}
	return nil
}

// Bars returns the minimum history the spec needs for a current reading.
func (s Spec) Bars() int {
	n := s.Params[s.Kind.Param()]
	switch s.Kind {
	case KindPrice:
		return 1
	case KindSMA, KindEMA:
		return n
	}
	return n + 1
}

// Compute evaluates spec over series. Invalid parameters yield None rather
// than an error; Validate is the place to reject them.
func Compute(spec Spec, series model.Series) Sample {
	n := spec.Params[spec.Kind.Param()]
	var cur, prev Optional
	switch spec.Kind {
	case KindPrice:
		cur, prev = Price(series.Closes)
	case KindSMA:
		cur, prev = SMA(series.Closes, n)
	case KindEMA:
		cur, prev = EMA(series.Closes, n)
	case KindRSI:
		cur, prev = RSI(series.Closes, n)
	case KindATRPct:
		cur = ATRPct(series.Highs, series.Lows, series.Closes, n)
	case KindVolatilityPct:
		cur = VolatilityPct(series.Closes, n)
	case KindPerfPct:
		cur = PerfPct(series.Closes, n)
	case KindVolumeRatio:
		cur = VolumeRatio(series.Volumes, n)
	}
	return Sample{Value: cur, Prev: prev, BarTime: series.LastTime()}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
