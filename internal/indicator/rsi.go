package indicator

// RSI returns the relative strength index over the last period deltas using a
// plain average of gains and losses (no Wilder smoothing).
// current needs len ≥ period+1; previous needs len ≥ period+2 and is the
// same formula on the series minus its last element.
func RSI(values []float64, period int) (cur, prev Optional) {
	n := len(values)
	if period <= 0 || n < period+1 {
		return None(), None()
	}
	cur = Some(rsiOf(values[n-period-1:]))
	if n >= period+2 {
		prev = Some(rsiOf(values[n-period-2 : n-1]))
	}
	return cur, prev
}

// rsiOf computes RSI over all deltas of window.
func rsiOf(window []float64) float64 {
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	deltas := float64(len(window) - 1)
	avgGain := gains / deltas
	avgLoss := losses / deltas
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
