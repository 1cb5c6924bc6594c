// Package fees prices fills: taker fees, maker rebates, filler rewards and
// the share left to the market.
package fees

import (
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// MatchFees are the fee legs of a maker/taker match, in QuotePrecision.
type MatchFees struct {
	TakerFee     uint64
	MakerRebate  uint64
	FillerReward uint64
	// FeeToMarket is what stays with the market: taker fee less rebate and reward.
	FeeToMarket int64
}

// AMMFees are the fee legs of a taker fill against the AMM. The AMM's spread
// surplus is booked by the swap itself and is not part of FeeToMarket.
type AMMFees struct {
	TakerFee     uint64
	FillerReward uint64
	FeeToMarket  int64
}

// DetermineUserFeeTier picks the tier unlocked by the user's 30 day volume.
// Users without stats trade at the base tier.
func DetermineUserFeeTier(stats *state.UserStats, fs *state.FeeStructure) (state.FeeTier, error) {
	if stats == nil {
		return fs.FeeTiers[0], nil
	}
	volume, err := stats.Total30dVolume()
	if err != nil {
		return state.FeeTier{}, err
	}
	tier := 0
	for i, threshold := range state.VolumeTierThresholds {
		if volume >= threshold {
			tier = i + 1
		}
	}
	return fs.FeeTiers[tier], nil
}

// CalculateTakerFee rounds up so fees never undercharge.
func CalculateTakerFee(quoteAssetAmount uint64, tier state.FeeTier) (uint64, error) {
	if tier.FeeDenominator == 0 {
		return 0, nil
	}
	num, err := fpmath.MulU64(quoteAssetAmount, uint64(tier.FeeNumerator))
	if err != nil {
		return 0, err
	}
	return fpmath.DivCeilU64(num, uint64(tier.FeeDenominator))
}

// CalculateMakerRebate rounds down so rebates never overpay.
func CalculateMakerRebate(quoteAssetAmount uint64, tier state.FeeTier) (uint64, error) {
	if tier.MakerRebateDenominator == 0 {
		return 0, nil
	}
	return fpmath.MulDivU(quoteAssetAmount, uint64(tier.MakerRebateNumerator), uint64(tier.MakerRebateDenominator))
}

// CalculateFillerReward pays a filler the smaller of a share of the taker fee
// and a time-based reward growing with the fourth root of slots waited.
func CalculateFillerReward(
	takerFee uint64,
	orderSlot, slot uint64,
	multiplier uint64,
	rs state.FillerRewardStructure,
) (uint64, error) {
	if multiplier == 0 || rs.RewardDenominator == 0 {
		return 0, nil
	}
	sizeReward, err := fpmath.MulDivU(takerFee, uint64(rs.RewardNumerator), uint64(rs.RewardDenominator))
	if err != nil {
		return 0, err
	}

	waited := uint64(1)
	if slot > orderSlot+1 {
		waited = slot - orderSlot
	}
	// (waited * 1e8)^(1/4) is 100 after one slot
	scaled, err := fpmath.MulU64(waited, 100_000_000)
	if err != nil {
		return 0, err
	}
	root := fpmath.SqrtU64(fpmath.SqrtU64(scaled))
	timeReward, err := fpmath.MulDivU(root, rs.TimeBasedRewardLowerBound, 100)
	if err != nil {
		return 0, err
	}

	return fpmath.MulU64(fpmath.MinU64(sizeReward, timeReward), multiplier)
}

// CalculateFeeForFulfillmentWithMatch prices a fill between a taker and a
// resting maker order. fillerMultiplier is zero when the filler is one of
// the two parties.
func CalculateFeeForFulfillmentWithMatch(
	takerStats, makerStats *state.UserStats,
	quoteAssetAmount uint64,
	fs *state.FeeStructure,
	orderSlot, slot uint64,
	fillerMultiplier uint64,
) (MatchFees, error) {
	takerTier, err := DetermineUserFeeTier(takerStats, fs)
	if err != nil {
		return MatchFees{}, err
	}
	makerTier, err := DetermineUserFeeTier(makerStats, fs)
	if err != nil {
		return MatchFees{}, err
	}

	takerFee, err := CalculateTakerFee(quoteAssetAmount, takerTier)
	if err != nil {
		return MatchFees{}, err
	}
	makerRebate, err := CalculateMakerRebate(quoteAssetAmount, makerTier)
	if err != nil {
		return MatchFees{}, err
	}
	fillerReward, err := CalculateFillerReward(takerFee, orderSlot, slot, fillerMultiplier, fs.FillerRewardStructure)
	if err != nil {
		return MatchFees{}, err
	}
	// the reward never eats into the rebate
	fillerReward = fpmath.MinU64(fillerReward, fpmath.SaturatingSubU64(takerFee, makerRebate))

	feeToMarket, err := feeRemainder(takerFee, makerRebate, fillerReward)
	if err != nil {
		return MatchFees{}, err
	}
	return MatchFees{
		TakerFee:     takerFee,
		MakerRebate:  makerRebate,
		FillerReward: fillerReward,
		FeeToMarket:  feeToMarket,
	}, nil
}

// CalculateFeeForFulfillmentWithAMM prices a taker fill against the AMM.
func CalculateFeeForFulfillmentWithAMM(
	takerStats *state.UserStats,
	quoteAssetAmount uint64,
	fs *state.FeeStructure,
	orderSlot, slot uint64,
	fillerMultiplier uint64,
) (AMMFees, error) {
	tier, err := DetermineUserFeeTier(takerStats, fs)
	if err != nil {
		return AMMFees{}, err
	}
	takerFee, err := CalculateTakerFee(quoteAssetAmount, tier)
	if err != nil {
		return AMMFees{}, err
	}
	fillerReward, err := CalculateFillerReward(takerFee, orderSlot, slot, fillerMultiplier, fs.FillerRewardStructure)
	if err != nil {
		return AMMFees{}, err
	}
	fillerReward = fpmath.MinU64(fillerReward, takerFee)

	feeToMarket, err := feeRemainder(takerFee, 0, fillerReward)
	if err != nil {
		return AMMFees{}, err
	}
	return AMMFees{TakerFee: takerFee, FillerReward: fillerReward, FeeToMarket: feeToMarket}, nil
}

func feeRemainder(takerFee, makerRebate, fillerReward uint64) (int64, error) {
	fee, err := fpmath.ToInt64(takerFee)
	if err != nil {
		return 0, err
	}
	rebate, err := fpmath.ToInt64(makerRebate)
	if err != nil {
		return 0, err
	}
	reward, err := fpmath.ToInt64(fillerReward)
	if err != nil {
		return 0, err
	}
	rest, err := fpmath.SubI64(fee, rebate)
	if err != nil {
		return 0, err
	}
	return fpmath.SubI64(rest, reward)
}
