package state

import (
	"fmt"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
)

// InsuranceFund is the backstop vault of a spot market, in token units.
type InsuranceFund struct {
	Balance uint64
	// TotalFactor is the share of deposit interest diverted to the fund,
	// in PercentagePrecision.
	TotalFactor uint32
}

// SpotMarket is one lend/borrow pool. Balances are scaled; token amounts come
// from multiplying by the matching cumulative interest index.
type SpotMarket struct {
	MarketIndex          uint16
	Name                 [32]byte
	Oracle               OracleID
	OracleSource         OracleSource
	HistoricalOracleData HistoricalOracleData
	Decimals             uint32
	Status               MarketStatus
	AssetTier            AssetTier

	DepositBalance            uint64
	BorrowBalance             uint64
	CumulativeDepositInterest uint64
	CumulativeBorrowInterest  uint64
	LastInterestTs            int64

	InitialAssetWeight         uint32
	MaintenanceAssetWeight     uint32
	InitialLiabilityWeight     uint32
	MaintenanceLiabilityWeight uint32
	IMFFactor                  uint32
	LiquidatorFee              uint32
	IfLiquidationFee           uint32

	// Utilization curve, rates in SpotRatePrecision per year.
	OptimalUtilization uint32
	OptimalBorrowRate  uint32
	MaxBorrowRate      uint32
	// MinBorrowRate is in 0.5% units.
	MinBorrowRate uint8

	RevenuePool          PoolBalance
	InsuranceFund        InsuranceFund
	TotalSocialLoss      uint64
	TotalQuoteSocialLoss uint64

	DepositTokenTwap uint64
	BorrowTokenTwap  uint64
	UtilizationTwap  uint64
	LastTwapTs       int64

	OrderStepSize    uint64
	OrderTickSize    uint64
	MinOrderSize     uint64
	MaxTokenDeposits uint64
}

func (m *SpotMarket) NameString() string {
	return trimName(m.Name)
}

// PrecisionDecrease is 10^(19 - decimals): scaled balance * index / this = tokens.
func (m *SpotMarket) PrecisionDecrease() (uint64, error) {
	if m.Decimals > fpmath.SpotBalanceInterestExponent {
		return 0, fmt.Errorf("%w: spot market %d decimals %d", errs.ErrMath, m.MarketIndex, m.Decimals)
	}
	return fpmath.Pow10(fpmath.SpotBalanceInterestExponent - m.Decimals)
}

// SizeInAmmReservePrecision rescales a token amount to 1e9 so IMF scaling is
// independent of the token's decimals.
func (m *SpotMarket) SizeInAmmReservePrecision(tokenAmount uint64) (uint64, error) {
	sizePrecision, err := fpmath.Pow10(m.Decimals)
	if err != nil {
		return 0, err
	}
	if sizePrecision > fpmath.AmmReservePrecision {
		return tokenAmount / (sizePrecision / fpmath.AmmReservePrecision), nil
	}
	return fpmath.MulDivU(tokenAmount, fpmath.AmmReservePrecision, sizePrecision)
}

// GetAssetWeight returns the collateral weight for a deposit of tokenAmount.
func (m *SpotMarket) GetAssetWeight(tokenAmount uint64, requirement MarginRequirementType) (uint32, error) {
	switch requirement {
	case MarginInitial:
		size, err := m.SizeInAmmReservePrecision(tokenAmount)
		if err != nil {
			return 0, err
		}
		return CalculateSizeDiscountAssetWeight(size, m.IMFFactor, m.InitialAssetWeight)
	case MarginFill:
		return (m.InitialAssetWeight + m.MaintenanceAssetWeight) / 2, nil
	default:
		return m.MaintenanceAssetWeight, nil
	}
}

// GetLiabilityWeight returns the requirement weight for a borrow of tokenAmount.
func (m *SpotMarket) GetLiabilityWeight(tokenAmount uint64, requirement MarginRequirementType) (uint32, error) {
	switch requirement {
	case MarginInitial:
		size, err := m.SizeInAmmReservePrecision(tokenAmount)
		if err != nil {
			return 0, err
		}
		return CalculateSizePremiumLiabilityWeight(size, m.IMFFactor, m.InitialLiabilityWeight, fpmath.SpotWeightPrecision)
	case MarginFill:
		return (m.InitialLiabilityWeight + m.MaintenanceLiabilityWeight) / 2, nil
	default:
		return m.MaintenanceLiabilityWeight, nil
	}
}
