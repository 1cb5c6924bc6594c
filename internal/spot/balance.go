// Package spot converts between scaled balances and token amounts and keeps
// spot market pools in step with user positions.
package spot

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

func cumulativeInterest(market *state.SpotMarket, balanceType state.SpotBalanceType) uint64 {
	if balanceType == state.SpotBalanceBorrow {
		return market.CumulativeBorrowInterest
	}
	return market.CumulativeDepositInterest
}

// GetTokenAmount converts a scaled balance into token units. Borrows round up
// so a liability is never understated.
func GetTokenAmount(scaledBalance uint64, market *state.SpotMarket, balanceType state.SpotBalanceType) (uint64, error) {
	precisionDecrease, err := market.PrecisionDecrease()
	if err != nil {
		return 0, err
	}
	mode := fpmath.RoundDown
	if balanceType == state.SpotBalanceBorrow {
		mode = fpmath.RoundUp
	}
	// token = scaled * cumulative_interest / 10^(19 - decimals)
	return fpmath.MulDivU64(scaledBalance, cumulativeInterest(market, balanceType), precisionDecrease, mode)
}

// GetSpotBalance converts a token amount into scaled units. roundUp is used
// when the result becomes a liability.
func GetSpotBalance(tokenAmount uint64, market *state.SpotMarket, balanceType state.SpotBalanceType, roundUp bool) (uint64, error) {
	precisionIncrease, err := market.PrecisionDecrease()
	if err != nil {
		return 0, err
	}
	index := cumulativeInterest(market, balanceType)
	mode := fpmath.RoundDown
	if roundUp {
		mode = fpmath.RoundUp
	}
	return fpmath.MulDivU64(tokenAmount, precisionIncrease, index, mode)
}

// GetSignedTokenAmount returns deposits positive and borrows negative.
func GetSignedTokenAmount(tokenAmount uint64, balanceType state.SpotBalanceType) (int64, error) {
	v, err := fpmath.ToInt64(tokenAmount)
	if err != nil {
		return 0, err
	}
	if balanceType == state.SpotBalanceBorrow {
		return -v, nil
	}
	return v, nil
}

// PositionTokenAmount is the signed token balance of a user position.
func PositionTokenAmount(pos *state.SpotPosition, market *state.SpotMarket) (int64, error) {
	amount, err := GetTokenAmount(pos.ScaledBalance, market, pos.BalanceType)
	if err != nil {
		return 0, err
	}
	return GetSignedTokenAmount(amount, pos.BalanceType)
}

// GetTokenValue prices a signed token amount in quote precision.
func GetTokenValue(tokenAmount int64, decimals uint32, oraclePrice int64) (int64, error) {
	if tokenAmount == 0 {
		return 0, nil
	}
	precision, err := fpmath.Pow10(decimals)
	if err != nil {
		return 0, err
	}
	p, err := fpmath.ToInt64(precision)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDivI64(tokenAmount, oraclePrice, p, fpmath.RoundDown)
}

// GetStrictTokenValue prices deposits at the lower and borrows at the higher
// of the live price and its 5 minute twap.
func GetStrictTokenValue(tokenAmount int64, decimals uint32, oraclePrice int64, twap5Min int64) (int64, error) {
	price := oraclePrice
	if twap5Min > 0 {
		if tokenAmount > 0 {
			price = fpmath.MinI64(oraclePrice, twap5Min)
		} else {
			price = fpmath.MaxI64(oraclePrice, twap5Min)
		}
	}
	return GetTokenValue(tokenAmount, decimals, price)
}

func increaseMarketBalance(market *state.SpotMarket, delta uint64, balanceType state.SpotBalanceType) error {
	var err error
	if balanceType == state.SpotBalanceBorrow {
		market.BorrowBalance, err = fpmath.AddU64(market.BorrowBalance, delta)
	} else {
		market.DepositBalance, err = fpmath.AddU64(market.DepositBalance, delta)
	}
	return err
}

func decreaseMarketBalance(market *state.SpotMarket, delta uint64, balanceType state.SpotBalanceType) error {
	var err error
	if balanceType == state.SpotBalanceBorrow {
		market.BorrowBalance, err = fpmath.SubU64(market.BorrowBalance, delta)
	} else {
		market.DepositBalance, err = fpmath.SubU64(market.DepositBalance, delta)
	}
	return err
}

// UpdateSpotBalances moves tokenAmount in direction against a position and its
// market pool. A delta opposite to the balance type first unwinds the existing
// balance and flips the type once it passes through zero.
func UpdateSpotBalances(
	tokenAmount uint64,
	direction state.SpotBalanceType,
	market *state.SpotMarket,
	pos *state.SpotPosition,
	isLeaving bool,
) error {
	if tokenAmount == 0 {
		return nil
	}

	if pos.ScaledBalance == 0 {
		pos.BalanceType = direction
	}

	if direction == pos.BalanceType {
		delta, err := GetSpotBalance(tokenAmount, market, direction, direction == state.SpotBalanceBorrow)
		if err != nil {
			return err
		}
		if pos.ScaledBalance, err = fpmath.AddU64(pos.ScaledBalance, delta); err != nil {
			return err
		}
		if err := increaseMarketBalance(market, delta, direction); err != nil {
			return err
		}
	} else {
		current, err := GetTokenAmount(pos.ScaledBalance, market, pos.BalanceType)
		if err != nil {
			return err
		}
		remaining := tokenAmount
		if current != 0 {
			reduce := fpmath.MinU64(current, tokenAmount)
			delta := pos.ScaledBalance
			if reduce != current {
				if delta, err = GetSpotBalance(reduce, market, pos.BalanceType, false); err != nil {
					return err
				}
			}
			if err := decreaseMarketBalance(market, delta, pos.BalanceType); err != nil {
				return err
			}
			if pos.ScaledBalance, err = fpmath.SubU64(pos.ScaledBalance, delta); err != nil {
				return err
			}
			remaining -= reduce
		}
		if remaining > 0 {
			delta, err := GetSpotBalance(remaining, market, direction, direction == state.SpotBalanceBorrow)
			if err != nil {
				return err
			}
			if pos.ScaledBalance != 0 {
				// rounding dust of the old side is dropped with the flip
				if err := decreaseMarketBalance(market, pos.ScaledBalance, pos.BalanceType); err != nil {
					return err
				}
			}
			pos.BalanceType = direction
			pos.ScaledBalance = delta
			if err := increaseMarketBalance(market, delta, direction); err != nil {
				return err
			}
		}
	}

	if isLeaving && direction == state.SpotBalanceBorrow {
		return ValidateSpotMarketBalances(market)
	}
	return nil
}

// ValidateSpotMarketBalances fails when borrows exceed deposits in token terms.
func ValidateSpotMarketBalances(market *state.SpotMarket) error {
	deposits, err := GetTokenAmount(market.DepositBalance, market, state.SpotBalanceDeposit)
	if err != nil {
		return err
	}
	borrows, err := GetTokenAmount(market.BorrowBalance, market, state.SpotBalanceBorrow)
	if err != nil {
		return err
	}
	if borrows > deposits {
		return fmt.Errorf("%w: market %d borrows %d > deposits %d",
			errs.ErrBorrowsExceedDeposits, market.MarketIndex, borrows, deposits)
	}
	return nil
}

// TransferSpotPosition moves tokenAmount of a deposit from one user position to
// another; the market pool totals only change by rounding.
func TransferSpotPosition(
	tokenAmount uint64,
	market *state.SpotMarket,
	from *state.SpotPosition,
	to *state.SpotPosition,
) error {
	if err := UpdateSpotBalances(tokenAmount, state.SpotBalanceBorrow, market, from, false); err != nil {
		return err
	}
	return UpdateSpotBalances(tokenAmount, state.SpotBalanceDeposit, market, to, false)
}
