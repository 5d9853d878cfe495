package model

import (
	"fmt"
	"time"
)

// Timeframe is the aggregation period of candles.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates s against the supported timeframes.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the bar length. Unknown timeframes return 0.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// IsDaily reports whether tf is one day or longer.
func (tf Timeframe) IsDaily() bool {
	return tf.Duration() >= 24*time.Hour
}
