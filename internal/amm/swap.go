package amm

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// SwapDirection is how a reserve changes in a swap.
type SwapDirection uint8

const (
	SwapAdd SwapDirection = iota
	SwapRemove
)

// GetSwapDirection maps a user's trade direction to the base reserve change:
// a long removes base from the AMM, a short adds it.
func GetSwapDirection(direction state.PositionDirection) SwapDirection {
	if direction == state.Long {
		return SwapRemove
	}
	return SwapAdd
}

// CalculateSwapOutput moves inputReserve by swapAmount and returns the new
// input reserve and the output reserve that keeps k = sqrt_k².
func CalculateSwapOutput(inputReserve, swapAmount uint64, direction SwapDirection, sqrtK uint64) (newInput uint64, newOutput uint64, err error) {
	if direction == SwapAdd {
		newInput, err = fpmath.AddU64(inputReserve, swapAmount)
	} else {
		newInput, err = fpmath.SubU64(inputReserve, swapAmount)
	}
	if err != nil {
		return 0, 0, err
	}
	if newInput == 0 {
		return 0, 0, fmt.Errorf("%w: swap empties the reserve", errs.ErrInvalidAmount)
	}
	newOutput, err = fpmath.DivU256(fpmath.SquareU64(sqrtK), newInput)
	if err != nil {
		return 0, 0, err
	}
	return newInput, newOutput, nil
}

// CalculateQuoteAssetAmountSwapped converts a quote reserve change into quote.
// Longs pay one extra reserve unit so the AMM never sells base at a loss to
// rounding.
func CalculateQuoteAssetAmountSwapped(quoteReserveBefore, quoteReserveAfter uint64, direction SwapDirection, pegMultiplier uint64) (uint64, error) {
	var change uint64
	var err error
	if direction == SwapAdd {
		change, err = fpmath.SubU64(quoteReserveBefore, quoteReserveAfter)
	} else {
		if change, err = fpmath.SubU64(quoteReserveAfter, quoteReserveBefore); err == nil {
			change, err = fpmath.AddU64(change, 1)
		}
	}
	if err != nil {
		return 0, err
	}
	// reserve * peg / (AMM_RESERVE * PEG / QUOTE)
	return fpmath.MulDivU(change, pegMultiplier, fpmath.AmmTimesPegToQuotePrecisionRatio)
}

// SwapResult is what a base swap against the AMM produced. Surplus is what
// the AMM earned over a spreadless fill (negative when it paid).
type SwapResult struct {
	QuoteAssetAmount uint64
	Surplus          int64
}

// SwapBaseAsset trades baseAmount against the AMM in the user's direction.
// The user pays (long) or receives (short) the spread-side quote, or
// fillPrice when non-zero. The reserves themselves move along the mid curve.
// Fills outside the concentration bounds, above MaxFillReserveFraction of
// reserves, or moving the price by more than 1/MaxSlippageRatio fail with
// ErrInvalidAmount and leave the AMM untouched.
func SwapBaseAsset(a *state.AMM, baseAmount uint64, direction state.PositionDirection, fillPrice uint64) (SwapResult, error) {
	if baseAmount == 0 {
		return SwapResult{}, fmt.Errorf("%w: zero base amount", errs.ErrInvalidAmount)
	}
	if a.MaxFillReserveFraction > 0 && baseAmount > a.BaseAssetReserve/uint64(a.MaxFillReserveFraction) {
		return SwapResult{}, fmt.Errorf("%w: fill %d exceeds 1/%d of base reserve %d",
			errs.ErrInvalidAmount, baseAmount, a.MaxFillReserveFraction, a.BaseAssetReserve)
	}

	swapDir := GetSwapDirection(direction)

	spreadBase, spreadQuote, err := CalculateSpreadReserves(a, direction)
	if err != nil {
		return SwapResult{}, err
	}
	_, newSpreadQuote, err := CalculateSwapOutput(spreadBase, baseAmount, swapDir, a.SqrtK)
	if err != nil {
		return SwapResult{}, err
	}
	quoteWithSpread, err := CalculateQuoteAssetAmountSwapped(spreadQuote, newSpreadQuote, swapDir, a.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}

	newBase, newQuote, err := CalculateSwapOutput(a.BaseAssetReserve, baseAmount, swapDir, a.SqrtK)
	if err != nil {
		return SwapResult{}, err
	}
	if err := validateReserves(a, newBase, newQuote); err != nil {
		return SwapResult{}, err
	}
	quoteMid, err := CalculateQuoteAssetAmountSwapped(a.QuoteAssetReserve, newQuote, swapDir, a.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}

	quote := quoteWithSpread
	if fillPrice > 0 {
		mode := fpmath.RoundDown
		if direction == state.Long {
			mode = fpmath.RoundUp
		}
		// base * price / (PRICE * BASE / QUOTE)
		if quote, err = fpmath.MulDivU64(baseAmount, fillPrice, uint64(fpmath.PriceTimesAmmToQuotePrecisionRatio), mode); err != nil {
			return SwapResult{}, err
		}
	}

	q, err := fpmath.ToInt64(quote)
	if err != nil {
		return SwapResult{}, err
	}
	mid, err := fpmath.ToInt64(quoteMid)
	if err != nil {
		return SwapResult{}, err
	}
	surplus := q - mid
	if direction == state.Short {
		surplus = mid - q
	}

	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote
	if err := BookFee(a, surplus); err != nil {
		return SwapResult{}, err
	}
	if a.TotalMMFee, err = fpmath.AddI64(a.TotalMMFee, surplus); err != nil {
		return SwapResult{}, err
	}

	return SwapResult{QuoteAssetAmount: quote, Surplus: surplus}, nil
}

func validateReserves(a *state.AMM, newBase, newQuote uint64) error {
	if a.MinBaseAssetReserve > 0 && newBase < a.MinBaseAssetReserve {
		return fmt.Errorf("%w: base reserve %d below min %d", errs.ErrInvalidAmount, newBase, a.MinBaseAssetReserve)
	}
	if a.MaxBaseAssetReserve > 0 && newBase > a.MaxBaseAssetReserve {
		return fmt.Errorf("%w: base reserve %d above max %d", errs.ErrInvalidAmount, newBase, a.MaxBaseAssetReserve)
	}
	if a.MaxSlippageRatio == 0 {
		return nil
	}
	before, err := CalculatePrice(a.QuoteAssetReserve, a.BaseAssetReserve, a.PegMultiplier)
	if err != nil {
		return err
	}
	after, err := CalculatePrice(newQuote, newBase, a.PegMultiplier)
	if err != nil {
		return err
	}
	moved := after - before
	if before > after {
		moved = before - after
	}
	limit := before / uint64(a.MaxSlippageRatio)
	if moved > limit {
		return fmt.Errorf("%w: price moves %d, max %d", errs.ErrInvalidAmount, moved, limit)
	}
	return nil
}

// BookFee adds an AMM fee (or subtracts a negative one) to the fee pools.
func BookFee(a *state.AMM, fee int64) error {
	var err error
	if a.TotalFee, err = fpmath.AddI64(a.TotalFee, fee); err != nil {
		return err
	}
	if a.TotalFeeMinusDistributions, err = fpmath.AddI64(a.TotalFeeMinusDistributions, fee); err != nil {
		return err
	}
	if a.NetRevenueSinceLastFunding, err = fpmath.AddI64(a.NetRevenueSinceLastFunding, fee); err != nil {
		return err
	}
	return nil
}

// CalculateMaxBaseAssetAmountToTrade is how much base moves the AMM's spread
// price to limitPrice, and in which direction. A zero amount means the AMM
// is already at or beyond the limit.
func CalculateMaxBaseAssetAmountToTrade(a *state.AMM, limitPrice uint64, direction state.PositionDirection) (uint64, state.PositionDirection, error) {
	if limitPrice == 0 {
		return 0, direction, fmt.Errorf("%w: zero limit price", errs.ErrInvalidAmount)
	}

	// new_base² = k * PRICE * peg / (limit * PEG)
	num := fpmath.SquareU64(a.SqrtK)
	num.Mul(num, uint256.NewInt(fpmath.PricePrecisionU64))
	num.Mul(num, uint256.NewInt(a.PegMultiplier))
	den := new(uint256.Int).Mul(uint256.NewInt(limitPrice), uint256.NewInt(fpmath.PegPrecision))
	newBaseSquared := new(uint256.Int).Div(num, den)
	newBase, err := fpmath.U256ToU64(fpmath.SqrtU256(newBaseSquared))
	if err != nil {
		return 0, direction, err
	}

	before, _, err := CalculateSpreadReserves(a, direction)
	if err != nil {
		return 0, direction, err
	}

	switch {
	case newBase > before:
		return newBase - before, state.Short, nil
	case newBase < before:
		return before - newBase, state.Long, nil
	default:
		return 0, direction, nil
	}
}

// CalculateMaxBaseAssetAmountFillable caps a single AMM fill by the reserve
// fraction and the distance to the concentration bound, floored to step size.
func CalculateMaxBaseAssetAmountFillable(a *state.AMM, direction state.PositionDirection) uint64 {
	maxFill := a.BaseAssetReserve
	if a.MaxFillReserveFraction > 0 {
		maxFill = a.BaseAssetReserve / uint64(a.MaxFillReserveFraction)
	}
	var onSide uint64
	if direction == state.Long {
		onSide = fpmath.SaturatingSubU64(a.BaseAssetReserve, a.MinBaseAssetReserve)
	} else {
		onSide = fpmath.SaturatingSubU64(a.MaxBaseAssetReserve, a.BaseAssetReserve)
	}
	return fpmath.StandardizeU64(fpmath.MinU64(maxFill, onSide), a.OrderStepSize)
}

// CalculateBaseAssetValue is |base| * price in quote precision, rounded down.
func CalculateBaseAssetValue(baseAssetAmount int64, price int64) (uint64, error) {
	return fpmath.MulDivU(fpmath.UnsignedAbs(baseAssetAmount), fpmath.UnsignedAbs(price), uint64(fpmath.PriceTimesAmmToQuotePrecisionRatio))
}
