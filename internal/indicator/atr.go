package indicator

import "math"

// ATRPct returns the mean true range of the last period bars as a percentage
// of the last close. Needs len(highs) ≥ period+1 and equal-length columns.
// There is no previous reading.
func ATRPct(highs, lows, closes []float64, period int) Optional {
	n := len(highs)
	if period <= 0 || n < period+1 || len(lows) != n || len(closes) != n {
		return None()
	}
	lastClose := closes[n-1]
	if lastClose <= 0 {
		return None()
	}
	var sum float64
	for i := n - period; i < n; i++ {
		prevClose := closes[i-1]
		tr := math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-prevClose), math.Abs(lows[i]-prevClose)))
		sum += tr
	}
	return Some(sum / float64(period) / lastClose * 100)
}
