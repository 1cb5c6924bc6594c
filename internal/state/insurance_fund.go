package state

import fpmath "PerpRisk/internal/math"

// ComputeCoverage returns how much of a deficit the fund covers and what is
// left to socialize. If the fund is insufficient, it covers what it holds.
func ComputeCoverage(fundBalance uint64, deficit uint64) (covered uint64, remaining uint64) {
	if fundBalance >= deficit {
		return deficit, 0
	}
	return fundBalance, deficit - fundBalance
}

// PerpInsuranceHeadroom is what a perp market may still draw from the
// insurance fund under its claim cap. Uninsured tiers have none.
func PerpInsuranceHeadroom(m *PerpMarket, fundBalance uint64) uint64 {
	if !m.ContractTier.IsInsured() {
		return 0
	}
	remainingClaim := fpmath.SaturatingSubU64(m.InsuranceClaim.QuoteMaxInsurance, m.InsuranceClaim.QuoteSettledInsurance)
	return fpmath.MinU64(remainingClaim, fundBalance)
}
