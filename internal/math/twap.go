package math

// CalculateNewTwap blends sample into lastTwap, weighting the old average by
// the part of period not yet covered since the last update.
func CalculateNewTwap(sample, lastTwap, sinceLast, period int64) (int64, error) {
	sinceLast = MaxI64(0, sinceLast)
	fromStart := MaxI64(0, period-sinceLast)
	if sinceLast == 0 && fromStart == 0 {
		return sample, nil
	}
	if lastTwap == 0 {
		return sample, nil
	}

	// (sample * since_last + last_twap * from_start) / (since_last + from_start)
	a, err := MulI64(sample, sinceLast)
	if err != nil {
		return 0, err
	}
	b, err := MulI64(lastTwap, fromStart)
	if err != nil {
		return 0, err
	}
	num, err := AddI64(a, b)
	if err != nil {
		return 0, err
	}
	return DivI64(num, sinceLast+fromStart)
}

// CalculateNewTwapU is CalculateNewTwap for unsigned samples.
func CalculateNewTwapU(sample, lastTwap uint64, sinceLast, period int64) (uint64, error) {
	s, err := ToInt64(sample)
	if err != nil {
		return 0, err
	}
	l, err := ToInt64(lastTwap)
	if err != nil {
		return 0, err
	}
	v, err := CalculateNewTwap(s, l, sinceLast, period)
	if err != nil {
		return 0, err
	}
	return ToUint64(v)
}
