package spot

import (
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// InterestAccumulated is the growth of both cumulative indices over an interval.
type InterestAccumulated struct {
	DepositInterest uint64
	BorrowInterest  uint64
}

// CalculateUtilization is borrows / deposits in SpotUtilizationPrecision.
// Borrows against an empty pool count as full utilization.
func CalculateUtilization(depositTokenAmount, borrowTokenAmount uint64) (uint64, error) {
	if depositTokenAmount == 0 {
		if borrowTokenAmount == 0 {
			return 0, nil
		}
		return fpmath.SpotUtilizationPrecision, nil
	}
	return fpmath.MulDivU(borrowTokenAmount, fpmath.SpotUtilizationPrecision, depositTokenAmount)
}

// MarketUtilization is CalculateUtilization over the market's own balances.
func MarketUtilization(market *state.SpotMarket) (uint64, error) {
	deposits, err := GetTokenAmount(market.DepositBalance, market, state.SpotBalanceDeposit)
	if err != nil {
		return 0, err
	}
	borrows, err := GetTokenAmount(market.BorrowBalance, market, state.SpotBalanceBorrow)
	if err != nil {
		return 0, err
	}
	return CalculateUtilization(deposits, borrows)
}

// CalculateBorrowRate evaluates the two-slope utilization curve, floored at
// MinBorrowRate (in 0.5% steps). Result is an annual rate in SpotRatePrecision.
func CalculateBorrowRate(market *state.SpotMarket, utilization uint64) (uint64, error) {
	optimalUtil := uint64(market.OptimalUtilization)
	optimalRate := uint64(market.OptimalBorrowRate)
	maxRate := uint64(market.MaxBorrowRate)

	var rate uint64
	if utilization > optimalUtil {
		surplus := utilization - optimalUtil
		// slope = (max - optimal) / (1 - optimal_util)
		slope, err := fpmath.MulDivU(
			fpmath.SaturatingSubU64(maxRate, optimalRate),
			fpmath.SpotUtilizationPrecision,
			fpmath.SpotUtilizationPrecision-optimalUtil,
		)
		if err != nil {
			return 0, err
		}
		over, err := fpmath.MulDivU(surplus, slope, fpmath.SpotUtilizationPrecision)
		if err != nil {
			return 0, err
		}
		if rate, err = fpmath.AddU64(optimalRate, over); err != nil {
			return 0, err
		}
	} else if optimalUtil > 0 {
		slope, err := fpmath.MulDivU(optimalRate, fpmath.SpotUtilizationPrecision, optimalUtil)
		if err != nil {
			return 0, err
		}
		if rate, err = fpmath.MulDivU(utilization, slope, fpmath.SpotUtilizationPrecision); err != nil {
			return 0, err
		}
	}

	minRate := uint64(market.MinBorrowRate) * (fpmath.PercentagePrecision / 200)
	return fpmath.MaxU64(rate, minRate), nil
}

// CalculateDepositRate is the borrow rate scaled by utilization. It is the
// quoted lender rate; accrual itself works from borrow interest tokens.
func CalculateDepositRate(borrowRate, utilization uint64) (uint64, error) {
	return fpmath.MulDivU(borrowRate, utilization, fpmath.SpotUtilizationPrecision)
}

// CalculateAccumulatedInterest returns how much each index grows from
// LastInterestTs to now. Deposit growth is derived from the tokens borrowers
// owe over the interval, so lenders are credited what borrowers are charged
// without the truncation of a rounded deposit rate.
func CalculateAccumulatedInterest(market *state.SpotMarket, now int64) (InterestAccumulated, error) {
	elapsed := now - market.LastInterestTs
	if elapsed <= 0 {
		return InterestAccumulated{}, nil
	}

	deposits, err := GetTokenAmount(market.DepositBalance, market, state.SpotBalanceDeposit)
	if err != nil {
		return InterestAccumulated{}, err
	}
	borrows, err := GetTokenAmount(market.BorrowBalance, market, state.SpotBalanceBorrow)
	if err != nil {
		return InterestAccumulated{}, err
	}
	utilization, err := CalculateUtilization(deposits, borrows)
	if err != nil {
		return InterestAccumulated{}, err
	}
	if utilization == 0 {
		return InterestAccumulated{}, nil
	}

	borrowRate, err := CalculateBorrowRate(market, utilization)
	if err != nil {
		return InterestAccumulated{}, err
	}

	yearTimesRate := uint64(fpmath.OneYear) * fpmath.SpotRatePrecision

	// borrow side rounds up by one unit so borrow growth stays ahead
	borrowInterest, err := fpmath.MulMulDivU(market.CumulativeBorrowInterest, borrowRate, uint64(elapsed), yearTimesRate, fpmath.RoundDown)
	if err != nil {
		return InterestAccumulated{}, err
	}
	borrowInterest++

	if deposits == 0 {
		return InterestAccumulated{BorrowInterest: borrowInterest}, nil
	}
	// deposit delta = cum_deposit * borrows * borrow_delta / (cum_borrow * deposits)
	depositInterest, err := fpmath.ProductDivU(
		market.CumulativeDepositInterest, borrows, borrowInterest,
		market.CumulativeBorrowInterest, deposits,
		fpmath.RoundDown,
	)
	if err != nil {
		return InterestAccumulated{}, err
	}

	return InterestAccumulated{DepositInterest: depositInterest, BorrowInterest: borrowInterest}, nil
}

// UpdateSpotMarketCumulativeInterest accrues interest to now. The insurance
// share of deposit interest is withheld from depositors and credited to the
// revenue pool. It returns the accrued amounts (zero when nothing accrued).
func UpdateSpotMarketCumulativeInterest(market *state.SpotMarket, now int64) (InterestAccumulated, error) {
	if market.Status == state.MarketStatusFillPaused || market.Status == state.MarketStatusDelisted {
		return InterestAccumulated{}, nil
	}

	acc, err := CalculateAccumulatedInterest(market, now)
	if err != nil {
		return InterestAccumulated{}, err
	}
	if acc.DepositInterest == 0 && acc.BorrowInterest == 0 {
		// idle market: restart the clock
		market.LastInterestTs = now
		return InterestAccumulated{}, nil
	}
	if acc.DepositInterest == 0 || acc.BorrowInterest <= 1 {
		return InterestAccumulated{}, nil
	}

	forInsurance, err := fpmath.MulDivU(acc.DepositInterest, uint64(market.InsuranceFund.TotalFactor), fpmath.PercentagePrecision)
	if err != nil {
		return InterestAccumulated{}, err
	}
	forLenders := acc.DepositInterest - forInsurance
	if forLenders == 0 {
		return InterestAccumulated{}, nil
	}

	// interest tokens withheld from lenders, valued at the old index
	precisionDecrease, err := market.PrecisionDecrease()
	if err != nil {
		return InterestAccumulated{}, err
	}
	revenueTokens, err := fpmath.MulDivU(market.DepositBalance, forInsurance, precisionDecrease)
	if err != nil {
		return InterestAccumulated{}, err
	}

	if market.CumulativeDepositInterest, err = fpmath.AddU64(market.CumulativeDepositInterest, forLenders); err != nil {
		return InterestAccumulated{}, err
	}
	if market.CumulativeBorrowInterest, err = fpmath.AddU64(market.CumulativeBorrowInterest, acc.BorrowInterest); err != nil {
		return InterestAccumulated{}, err
	}
	market.LastInterestTs = now

	if err := UpdateRevenuePoolBalances(revenueTokens, state.SpotBalanceDeposit, market); err != nil {
		return InterestAccumulated{}, err
	}

	if err := UpdateSpotMarketTwaps(market, now); err != nil {
		return InterestAccumulated{}, err
	}

	return InterestAccumulated{DepositInterest: forLenders, BorrowInterest: acc.BorrowInterest}, nil
}

// UpdateSpotMarketTwaps refreshes the 24h deposit, borrow and utilization twaps.
func UpdateSpotMarketTwaps(market *state.SpotMarket, now int64) error {
	deposits, err := GetTokenAmount(market.DepositBalance, market, state.SpotBalanceDeposit)
	if err != nil {
		return err
	}
	borrows, err := GetTokenAmount(market.BorrowBalance, market, state.SpotBalanceBorrow)
	if err != nil {
		return err
	}
	utilization, err := CalculateUtilization(deposits, borrows)
	if err != nil {
		return err
	}

	sinceLast := now - market.LastTwapTs
	const day = 24 * fpmath.OneHour
	if market.DepositTokenTwap, err = fpmath.CalculateNewTwapU(deposits, market.DepositTokenTwap, sinceLast, day); err != nil {
		return err
	}
	if market.BorrowTokenTwap, err = fpmath.CalculateNewTwapU(borrows, market.BorrowTokenTwap, sinceLast, day); err != nil {
		return err
	}
	if market.UtilizationTwap, err = fpmath.CalculateNewTwapU(utilization, market.UtilizationTwap, sinceLast, day); err != nil {
		return err
	}
	market.LastTwapTs = now
	return nil
}
