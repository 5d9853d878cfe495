package model

import (
	"encoding/json"
	"time"
)

// Candle is one OHLCV bar for a fixed timeframe.
// TS is the bar start in market-naive time (see markethours.Now).
type Candle struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Timeframe Timeframe `json:"timeframe"`
	TS        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Key returns "exchange:symbol".
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Symbol
}

// JSON returns the JSON-encoded candle (ignoring errors).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Series is a candle slice ordered oldest to newest, split into columns
// for the indicator functions.
type Series struct {
	Times   []time.Time
	Opens   []float64
	Highs   []float64
	Lows    []float64
	Closes  []float64
	Volumes []float64
}

// NewSeries splits candles into columns. Candles must already be ordered.
func NewSeries(candles []Candle) Series {
	n := len(candles)
	s := Series{
		Times:   make([]time.Time, n),
		Opens:   make([]float64, n),
		Highs:   make([]float64, n),
		Lows:    make([]float64, n),
		Closes:  make([]float64, n),
		Volumes: make([]float64, n),
	}
	for i, c := range candles {
		s.Times[i] = c.TS
		s.Opens[i] = c.Open
		s.Highs[i] = c.High
		s.Lows[i] = c.Low
		s.Closes[i] = c.Close
		s.Volumes[i] = c.Volume
	}
	return s
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.Closes) }

// LastTime returns the timestamp of the newest bar, or the zero time if empty.
func (s Series) LastTime() time.Time {
	if len(s.Times) == 0 {
		return time.Time{}
	}
	return s.Times[len(s.Times)-1]
}

// Tail returns the series restricted to its last n bars.
func (s Series) Tail(n int) Series {
	if n <= 0 || n >= s.Len() {
		return s
	}
	from := s.Len() - n
	return Series{
		Times:   s.Times[from:],
		Opens:   s.Opens[from:],
		Highs:   s.Highs[from:],
		Lows:    s.Lows[from:],
		Closes:  s.Closes[from:],
		Volumes: s.Volumes[from:],
	}
}
