package liquidation

import (
	"fmt"
	gomath "math"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
)

// calculateBaseAssetAmountToCoverMarginShortage is the base that must change
// hands at oraclePrice for the user to clear shortage. Each unit frees its
// margin ratio less the liquidator and insurance fees charged on it.
// Returns MaxUint64 when transferring frees nothing.
func calculateBaseAssetAmountToCoverMarginShortage(
	shortage uint64,
	marginRatio uint32, // MarginPrecision, buffer included
	liquidatorFee uint32, // LiquidationFeePrecision
	ifLiquidationFee uint32,
	oraclePrice int64,
) (uint64, error) {
	ratio := uint64(marginRatio) * fpmath.LiquidationFeeToMarginPrecisionRatio
	if oraclePrice <= 0 || ratio <= uint64(liquidatorFee) {
		return gomath.MaxUint64, nil
	}
	price := uint64(oraclePrice)
	freedPerBase, err := fpmath.MulDivU(price, ratio-uint64(liquidatorFee), fpmath.LiquidationFeePrecision)
	if err != nil {
		return 0, err
	}
	ifPerBase, err := fpmath.MulDivU(price, uint64(ifLiquidationFee), fpmath.LiquidationFeePrecision)
	if err != nil {
		return 0, err
	}
	if freedPerBase <= ifPerBase {
		return gomath.MaxUint64, nil
	}
	return fpmath.MulDivCeilU(shortage, uint64(fpmath.PriceTimesAmmToQuotePrecisionRatio), freedPerBase-ifPerBase)
}

// leg is one side of a spot style liquidation, either a spot balance or
// perp pnl priced in the quote token.
type leg struct {
	amount   uint64 // tokens the user holds on this side
	price    int64
	decimals uint32
	weight   uint64 // SpotWeightPrecision, buffer included for liabilities
	// multiplier scales the leg's value in LiquidationFeePrecision; the
	// asset side carries the liquidator's bonus.
	multiplier uint64
}

// liabilityTransferToCoverShortage is how many liability tokens must move to
// the liquidator for the user to clear shortage. The user only repays the
// transfer less ifFee. Returns MaxUint64 when transferring frees nothing.
func liabilityTransferToCoverShortage(shortage uint64, asset, liability leg, ifFee uint32) (uint64, error) {
	if liability.price <= 0 || uint64(ifFee) >= fpmath.LiquidationFeePrecision {
		return gomath.MaxUint64, nil
	}
	// weight components in SpotWeightPrecision * LiquidationFeePrecision
	liabilityComponent, err := fpmath.MulU64(liability.weight, fpmath.LiquidationFeePrecision-uint64(ifFee))
	if err != nil {
		return 0, err
	}
	assetComponent, err := fpmath.MulMulDivU(asset.weight, asset.multiplier, fpmath.LiquidationFeePrecision, liability.multiplier, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	if assetComponent >= liabilityComponent {
		return gomath.MaxUint64, nil
	}
	precision, err := fpmath.Pow10(liability.decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.ProductDivU(
		shortage,
		precision,
		fpmath.SpotWeightPrecision*fpmath.LiquidationFeePrecision,
		uint64(liability.price),
		liabilityComponent-assetComponent,
		fpmath.RoundUp,
	)
}

// assetTransferForLiability prices a liability transfer in asset tokens,
// with the liquidator's bonus applied through the multipliers.
func assetTransferForLiability(liabilityTransfer uint64, asset, liability leg) (uint64, error) {
	assetPrecision, err := fpmath.Pow10(asset.decimals)
	if err != nil {
		return 0, err
	}
	liabilityPrecision, err := fpmath.Pow10(liability.decimals)
	if err != nil {
		return 0, err
	}
	numerator, err := fpmath.MulU64(asset.multiplier, assetPrecision)
	if err != nil {
		return 0, err
	}
	denominator, err := fpmath.MulU64(uint64(asset.price), liability.multiplier)
	if err != nil {
		return 0, err
	}
	return fpmath.ProductDivU(liabilityTransfer, uint64(liability.price), numerator, denominator, liabilityPrecision, fpmath.RoundDown)
}

// liabilityTransferImpliedByAsset inverts assetTransferForLiability for when
// the user's asset runs out first.
func liabilityTransferImpliedByAsset(assetTransfer uint64, asset, liability leg) (uint64, error) {
	assetPrecision, err := fpmath.Pow10(asset.decimals)
	if err != nil {
		return 0, err
	}
	liabilityPrecision, err := fpmath.Pow10(liability.decimals)
	if err != nil {
		return 0, err
	}
	numerator, err := fpmath.MulU64(liability.multiplier, liabilityPrecision)
	if err != nil {
		return 0, err
	}
	denominator, err := fpmath.MulU64(uint64(liability.price), asset.multiplier)
	if err != nil {
		return 0, err
	}
	return fpmath.ProductDivU(assetTransfer, uint64(asset.price), numerator, denominator, assetPrecision, fpmath.RoundDown)
}

// planTransfer sizes a spot style liquidation. The liability transfer is the
// smallest of the user's liability, the caller's cap and what the shortage
// (scaled by maxPct) needs; it shrinks further if the asset runs out.
func planTransfer(shortage, maxLiability, maxPct uint64, asset, liability leg, ifFee uint32) (liabilityTransfer, assetTransfer uint64, err error) {
	if asset.price <= 0 || liability.price <= 0 {
		return 0, 0, fmt.Errorf("%w: non-positive price", errs.ErrInvalidOracle)
	}
	cover, err := liabilityTransferToCoverShortage(shortage, asset, liability, ifFee)
	if err != nil {
		return 0, 0, err
	}
	allowed, err := fpmath.MulDivU(cover, fpmath.MinU64(maxPct, fpmath.LiquidationPctPrecision), fpmath.LiquidationPctPrecision)
	if err != nil {
		return 0, 0, err
	}
	liabilityTransfer = fpmath.MinU64(fpmath.MinU64(liability.amount, maxLiability), allowed)

	if assetTransfer, err = assetTransferForLiability(liabilityTransfer, asset, liability); err != nil {
		return 0, 0, err
	}
	if assetTransfer > asset.amount {
		assetTransfer = asset.amount
		if liabilityTransfer, err = liabilityTransferImpliedByAsset(assetTransfer, asset, liability); err != nil {
			return 0, 0, err
		}
	}
	if liabilityTransfer == 0 || assetTransfer == 0 {
		return 0, 0, fmt.Errorf("%w: nothing to transfer", errs.ErrInvalidLiquidation)
	}
	return liabilityTransfer, assetTransfer, nil
}

// checkSwapLimitPrice enforces the liquidator's minimum asset received per
// liability taken, as a price in PricePrecision.
func checkSwapLimitPrice(assetTransfer, liabilityTransfer uint64, asset, liability leg, limitPrice *uint64) error {
	if limitPrice == nil {
		return nil
	}
	assetPrecision, err := fpmath.Pow10(asset.decimals)
	if err != nil {
		return err
	}
	liabilityPrecision, err := fpmath.Pow10(liability.decimals)
	if err != nil {
		return err
	}
	swapPrice, err := fpmath.ProductDivU(assetTransfer, liabilityPrecision, fpmath.PricePrecisionU64, liabilityTransfer, assetPrecision, fpmath.RoundDown)
	if err != nil {
		return err
	}
	if swapPrice < *limitPrice {
		return fmt.Errorf("%w: swap price %d below %d", errs.ErrLimitPriceNotMet, swapPrice, *limitPrice)
	}
	return nil
}
