package state

import (
	"fmt"

	fpmath "PerpRisk/internal/math"
)

// ValidatePerpMarket checks that a market's risk parameters are within valid
// ranges: maintenance > 0, initial > maintenance, initial < 100%, fees below
// the maintenance ratio, jit intensity <= 200, a positive step and tick size,
// and reserves consistent with sqrt_k.
func ValidatePerpMarket(m *PerpMarket) error {
	if m.MarginRatioMaintenance == 0 {
		return fmt.Errorf("margin_ratio_maintenance must be > 0")
	}
	if m.MarginRatioInitial <= m.MarginRatioMaintenance {
		return fmt.Errorf("margin_ratio_initial (%d) must be > margin_ratio_maintenance (%d)",
			m.MarginRatioInitial, m.MarginRatioMaintenance)
	}
	if uint64(m.MarginRatioInitial) > fpmath.MarginPrecision {
		return fmt.Errorf("margin_ratio_initial must be <= %d, got %d", fpmath.MarginPrecision, m.MarginRatioInitial)
	}
	// liquidator_fee is in LiquidationFeePrecision, the ratio in MarginPrecision
	if uint64(m.LiquidatorFee)+uint64(m.IfLiquidationFee) >=
		uint64(m.MarginRatioMaintenance)*fpmath.LiquidationFeeToMarginPrecisionRatio {
		return fmt.Errorf("liquidator_fee (%d) + if_liquidation_fee (%d) must be < maintenance ratio",
			m.LiquidatorFee, m.IfLiquidationFee)
	}
	if m.AMM.AmmJitIntensity > 200 {
		return fmt.Errorf("amm_jit_intensity must be <= 200, got %d", m.AMM.AmmJitIntensity)
	}
	if m.AMM.OrderStepSize == 0 {
		return fmt.Errorf("order_step_size must be > 0")
	}
	if m.AMM.OrderTickSize == 0 {
		return fmt.Errorf("order_tick_size must be > 0")
	}
	if m.AMM.PegMultiplier == 0 {
		return fmt.Errorf("peg_multiplier must be > 0")
	}
	if m.AMM.BaseAssetReserve == 0 || m.AMM.QuoteAssetReserve == 0 {
		return fmt.Errorf("reserves must be > 0")
	}
	if m.AMM.MaxSpread != 0 && m.AMM.BaseSpread > m.AMM.MaxSpread {
		return fmt.Errorf("base_spread (%d) must be <= max_spread (%d)", m.AMM.BaseSpread, m.AMM.MaxSpread)
	}
	if uint64(m.UnrealizedPnlMaintenanceAssetWeight) > fpmath.SpotWeightPrecision ||
		m.UnrealizedPnlInitialAssetWeight > m.UnrealizedPnlMaintenanceAssetWeight {
		return fmt.Errorf("unrealized pnl weights must satisfy initial (%d) <= maintenance (%d) <= %d",
			m.UnrealizedPnlInitialAssetWeight, m.UnrealizedPnlMaintenanceAssetWeight, fpmath.SpotWeightPrecision)
	}
	if m.AMM.ConcentrationCoef != 0 &&
		(m.AMM.ConcentrationCoef <= fpmath.ConcentrationPrecision || m.AMM.ConcentrationCoef > fpmath.MaxConcentrationCoefficient) {
		return fmt.Errorf("concentration_coef out of range: %d", m.AMM.ConcentrationCoef)
	}
	return nil
}

// ValidateSpotMarket checks weights and the utilization curve.
func ValidateSpotMarket(m *SpotMarket) error {
	if m.MarketIndex == fpmath.QuoteSpotMarketIndex {
		if uint64(m.InitialAssetWeight) != fpmath.SpotWeightPrecision ||
			uint64(m.MaintenanceAssetWeight) != fpmath.SpotWeightPrecision {
			return fmt.Errorf("quote spot market asset weights must be %d", fpmath.SpotWeightPrecision)
		}
	}
	if m.InitialAssetWeight > m.MaintenanceAssetWeight {
		return fmt.Errorf("initial_asset_weight (%d) must be <= maintenance_asset_weight (%d)",
			m.InitialAssetWeight, m.MaintenanceAssetWeight)
	}
	if uint64(m.MaintenanceAssetWeight) > fpmath.SpotWeightPrecision {
		return fmt.Errorf("maintenance_asset_weight must be <= %d, got %d", fpmath.SpotWeightPrecision, m.MaintenanceAssetWeight)
	}
	if m.InitialLiabilityWeight < m.MaintenanceLiabilityWeight {
		return fmt.Errorf("initial_liability_weight (%d) must be >= maintenance_liability_weight (%d)",
			m.InitialLiabilityWeight, m.MaintenanceLiabilityWeight)
	}
	if uint64(m.MaintenanceLiabilityWeight) < fpmath.SpotWeightPrecision {
		return fmt.Errorf("maintenance_liability_weight must be >= %d, got %d", fpmath.SpotWeightPrecision, m.MaintenanceLiabilityWeight)
	}
	if uint64(m.OptimalUtilization) > fpmath.SpotUtilizationPrecision {
		return fmt.Errorf("optimal_utilization must be <= %d, got %d", fpmath.SpotUtilizationPrecision, m.OptimalUtilization)
	}
	if m.OptimalBorrowRate > m.MaxBorrowRate {
		return fmt.Errorf("optimal_borrow_rate (%d) must be <= max_borrow_rate (%d)", m.OptimalBorrowRate, m.MaxBorrowRate)
	}
	if m.Decimals > 18 {
		return fmt.Errorf("decimals must be <= 18, got %d", m.Decimals)
	}
	if m.CumulativeDepositInterest == 0 || m.CumulativeBorrowInterest == 0 {
		return fmt.Errorf("cumulative interest indices must be initialized")
	}
	return nil
}
