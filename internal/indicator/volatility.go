package indicator

import "math"

// VolatilityPct returns the sample standard deviation (n-1 denominator) of
// the last window log returns, times 100. Needs len ≥ window+1 and
// window ≥ 2; non-positive prices make the reading unavailable.
func VolatilityPct(closes []float64, window int) Optional {
	n := len(closes)
	if window < 2 || n < window+1 {
		return None()
	}
	returns := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if closes[i] <= 0 || closes[i-1] <= 0 {
			return None()
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	avg := mean(returns)
	var ss float64
	for _, r := range returns {
		ss += (r - avg) * (r - avg)
	}
	return Some(math.Sqrt(ss/float64(window-1)) * 100)
}

// PerfPct returns the percentage change of the last value against the value
// window bars earlier. Needs len > window and a positive base.
func PerfPct(values []float64, window int) Optional {
	n := len(values)
	if window <= 0 || n <= window {
		return None()
	}
	base := values[n-window-1]
	if base <= 0 {
		return None()
	}
	return Some((values[n-1] - base) / base * 100)
}

// VolumeRatio returns the last volume divided by the mean of the window
// volumes before it. Needs len ≥ window+1 and a non-zero mean.
func VolumeRatio(volumes []float64, window int) Optional {
	n := len(volumes)
	if window <= 0 || n < window+1 {
		return None()
	}
	avg := mean(volumes[n-window-1 : n-1])
	if avg == 0 {
		return None()
	}
	return Some(volumes[n-1] / avg)
}
