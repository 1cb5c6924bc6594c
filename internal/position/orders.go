package position

import (
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// IncreaseOpenBidsAndAsks adds a resting order's unfilled size to the open
// side it would fill. Asks are negative.
func IncreaseOpenBidsAndAsks(openBids, openAsks *int64, direction state.PositionDirection, baseAssetAmountUnfilled uint64) error {
	amount, err := fpmath.ToInt64(baseAssetAmountUnfilled)
	if err != nil {
		return err
	}
	if direction == state.Long {
		*openBids, err = fpmath.AddI64(*openBids, amount)
	} else {
		*openAsks, err = fpmath.SubI64(*openAsks, amount)
	}
	return err
}

// DecreaseOpenBidsAndAsks removes filled or cancelled size from the open side.
func DecreaseOpenBidsAndAsks(openBids, openAsks *int64, direction state.PositionDirection, baseAssetAmount uint64) error {
	amount, err := fpmath.ToInt64(baseAssetAmount)
	if err != nil {
		return err
	}
	if direction == state.Long {
		*openBids, err = fpmath.SubI64(*openBids, amount)
	} else {
		*openAsks, err = fpmath.AddI64(*openAsks, amount)
	}
	return err
}

// IncreasePerpOpenOrders books a newly placed perp order on its position.
func IncreasePerpOpenOrders(pos *state.PerpPosition, direction state.PositionDirection, unfilled uint64) error {
	pos.OpenOrders++
	return IncreaseOpenBidsAndAsks(&pos.OpenBids, &pos.OpenAsks, direction, unfilled)
}

// DecreasePerpOpenOrders removes a closed perp order's remaining size.
func DecreasePerpOpenOrders(pos *state.PerpPosition, direction state.PositionDirection, unfilled uint64) error {
	if pos.OpenOrders > 0 {
		pos.OpenOrders--
	}
	return DecreaseOpenBidsAndAsks(&pos.OpenBids, &pos.OpenAsks, direction, unfilled)
}

func IncreaseSpotOpenOrders(pos *state.SpotPosition, direction state.PositionDirection, unfilled uint64) error {
	pos.OpenOrders++
	return IncreaseOpenBidsAndAsks(&pos.OpenBids, &pos.OpenAsks, direction, unfilled)
}

func DecreaseSpotOpenOrders(pos *state.SpotPosition, direction state.PositionDirection, unfilled uint64) error {
	if pos.OpenOrders > 0 {
		pos.OpenOrders--
	}
	return DecreaseOpenBidsAndAsks(&pos.OpenBids, &pos.OpenAsks, direction, unfilled)
}
