package state

import fpmath "PerpRisk/internal/math"

const FeeTierCount = 10

// FeeTier is one rung of the fee schedule. Rates are numerator/denominator of notional.
type FeeTier struct {
	FeeNumerator              uint32
	FeeDenominator            uint32
	MakerRebateNumerator      uint32
	MakerRebateDenominator    uint32
	ReferrerRewardNumerator   uint32
	ReferrerRewardDenominator uint32
}

type FillerRewardStructure struct {
	RewardNumerator   uint32
	RewardDenominator uint32
	// TimeBasedRewardLowerBound is in QuotePrecision.
	TimeBasedRewardLowerBound uint64
}

type FeeStructure struct {
	FeeTiers              [FeeTierCount]FeeTier
	FillerRewardStructure FillerRewardStructure
	FlatFillerFee         uint64
}

// VolumeTierThresholds are 30 day quote volumes, in QuotePrecision, that
// unlock tiers 1..5.
var VolumeTierThresholds = [5]uint64{
	2_000_000 * fpmath.QuotePrecisionU64,
	10_000_000 * fpmath.QuotePrecisionU64,
	20_000_000 * fpmath.QuotePrecisionU64,
	80_000_000 * fpmath.QuotePrecisionU64,
	200_000_000 * fpmath.QuotePrecisionU64,
}

// DefaultPerpFeeStructure is 10bps taker / 2bps maker at the bottom tier,
// tapering with volume.
func DefaultPerpFeeStructure() FeeStructure {
	var fs FeeStructure
	taker := []uint32{100, 80, 60, 50, 40, 35}
	for i := range fs.FeeTiers {
		t := taker[len(taker)-1]
		if i < len(taker) {
			t = taker[i]
		}
		fs.FeeTiers[i] = FeeTier{
			FeeNumerator:              t,
			FeeDenominator:            100_000,
			MakerRebateNumerator:      20,
			MakerRebateDenominator:    100_000,
			ReferrerRewardNumerator:   10,
			ReferrerRewardDenominator: 100,
		}
	}
	fs.FillerRewardStructure = FillerRewardStructure{
		RewardNumerator:           10,
		RewardDenominator:         100,
		TimeBasedRewardLowerBound: 10_000, // 1 cent
	}
	return fs
}

// DefaultSpotFeeStructure mirrors the perp schedule.
func DefaultSpotFeeStructure() FeeStructure {
	return DefaultPerpFeeStructure()
}
