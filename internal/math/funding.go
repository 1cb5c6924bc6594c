// internal/math/funding.go
package math

// ComputeFundingPayment calculates the funding owed on a position whose market
// cumulative funding rate moved by rateDelta since it last settled.
// Returns: payment amount (positive = user receives, negative = user pays)
//
// Longs pay a rising rate and shorts pay a falling one. The payer's magnitude
// is rounded up and the receiver's down so funding never mints quote.
func ComputeFundingPayment(
	rateDelta int64, // FundingRatePrecision
	baseAssetAmount int64, // BasePrecision, signed
) (int64, error) {
	if rateDelta == 0 || baseAssetAmount == 0 {
		return 0, nil
	}

	// funding_rate_payment_sign: longs pay positive deltas
	sign := -Sign(baseAssetAmount) * Sign(rateDelta)

	mode := RoundDown
	if sign < 0 {
		mode = RoundUp
	}

	// magnitude = |delta| * |base| / (BASE * FUNDING_RATE / QUOTE)
	magnitude, err := MulDivU64(
		UnsignedAbs(rateDelta),
		UnsignedAbs(baseAssetAmount),
		uint64(FundingRateToQuotePrecisionRatio),
		mode,
	)
	if err != nil {
		return 0, err
	}

	payment, err := ToInt64(magnitude)
	if err != nil {
		return 0, err
	}
	return payment * sign, nil
}

// ComputeFundingRateDeltaForLoss spreads a quote loss across totalBaseAssetAmount
// of open interest, returning the cumulative funding rate shift that charges it.
func ComputeFundingRateDeltaForLoss(lossMagnitude uint64, totalBaseAssetAmount uint64) (int64, error) {
	// delta = loss * (BASE * FUNDING_RATE / QUOTE) / total_base
	delta, err := MulDivU64(
		lossMagnitude,
		uint64(FundingRateToQuotePrecisionRatio),
		totalBaseAssetAmount,
		RoundUp,
	)
	if err != nil {
		return 0, err
	}
	return ToInt64(delta)
}
