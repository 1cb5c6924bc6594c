// internal/margin/health.go
package margin

import (
	"PerpRisk/internal/state"
)

// Status represents a user's margin health
type Status int

const (
	StatusHealthy Status = iota
	StatusAtRisk
	StatusLiquidatable
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "Healthy"
	case StatusAtRisk:
		return "AtRisk"
	case StatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// Health is both requirement passes over one user, as served to queries.
type Health struct {
	Status      Status
	Initial     Calculation
	Maintenance Calculation
}

// CheckMarginHealth grades a user: below maintenance is liquidatable, below
// initial is at risk.
func CheckMarginHealth(
	user *state.User,
	perpMarkets *state.PerpMarketMap,
	spotMarkets *state.SpotMarketMap,
	oracles *state.OracleMap,
	rails state.ValidityGuardRails,
) (Health, error) {
	initial, err := CalculateMarginRequirementAndTotalCollateral(user, perpMarkets, spotMarkets, oracles,
		NewContext(state.MarginInitial).WithGuardRails(rails))
	if err != nil {
		return Health{}, err
	}
	maintenance, err := CalculateMarginRequirementAndTotalCollateral(user, perpMarkets, spotMarkets, oracles,
		NewContext(state.MarginMaintenance).WithGuardRails(rails))
	if err != nil {
		return Health{}, err
	}

	h := Health{Status: StatusHealthy, Initial: initial, Maintenance: maintenance}
	switch {
	case !maintenance.MeetsMarginRequirement():
		h.Status = StatusLiquidatable
	case !initial.MeetsMarginRequirement():
		h.Status = StatusAtRisk
	}
	return h, nil
}
