package indicator

// EMA returns the exponential moving average seeded with the SMA of the first
// period values, multiplier 2/(period+1). previous is the EMA of the series
// minus its last element.
func EMA(values []float64, period int) (cur, prev Optional) {
	n := len(values)
	if period <= 0 || n < period {
		return None(), None()
	}
	cur = Some(emaOf(values, period))
	if n >= period+1 {
		prev = Some(emaOf(values[:n-1], period))
	}
	return cur, prev
}

func emaOf(values []float64, period int) float64 {
	multiplier := 2.0 / float64(period+1)
	ema := mean(values[:period])
	for _, price := range values[period:] {
		// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
		ema = price*multiplier + ema*(1-multiplier)
	}
	return ema
}
