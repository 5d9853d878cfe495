package indicator

// SMA returns the simple moving average of the last period values, and the
// same average shifted back one bar.
// current needs len ≥ period; previous needs len ≥ period+1.
func SMA(values []float64, period int) (cur, prev Optional) {
	n := len(values)
	if period <= 0 || n < period {
		return None(), None()
	}
	cur = Some(mean(values[n-period:]))
	if n >= period+1 {
		prev = Some(mean(values[n-period-1 : n-1]))
	}
	return cur, prev
}

// Price returns the last close and the one before it.
func Price(closes []float64) (cur, prev Optional) {
	n := len(closes)
	if n == 0 {
		return None(), None()
	}
	cur = Some(closes[n-1])
	if n >= 2 {
		prev = Some(closes[n-2])
	}
	return cur, prev
}
