package margin

import (
	gomath "math"

	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// Context selects how a margin calculation prices and weights an account.
type Context struct {
	RequirementType state.MarginRequirementType
	// LiquidationBuffer is charged on top of every liability and on negative
	// collateral, in MarginPrecision. Zero outside liquidation.
	LiquidationBuffer uint32
	// Strict prices spot assets at the lower and liabilities at the higher of
	// oracle and 5 minute twap.
	Strict     bool
	GuardRails state.ValidityGuardRails
	// TrackedPerpMarket, when set, additionally collects the requirement of
	// that one perp market.
	TrackedPerpMarket *uint16
}

func NewContext(requirement state.MarginRequirementType) Context {
	return Context{
		RequirementType: requirement,
		GuardRails:      state.DefaultOracleGuardRails().Validity,
	}
}

// NewLiquidationContext is a maintenance calculation carrying the buffer a
// user must clear to leave liquidation.
func NewLiquidationContext(buffer uint32) Context {
	c := NewContext(state.MarginMaintenance)
	c.LiquidationBuffer = buffer
	return c
}

func (c Context) WithGuardRails(rails state.ValidityGuardRails) Context {
	c.GuardRails = rails
	return c
}

func (c Context) WithStrict() Context {
	c.Strict = true
	return c
}

func (c Context) TrackPerpMarket(marketIndex uint16) Context {
	c.TrackedPerpMarket = &marketIndex
	return c
}

// Calculation is the result of a margin pass over one user. Collateral and
// requirements are in QuotePrecision.
type Calculation struct {
	Context Context

	TotalCollateral int64
	// TotalCollateralBuffer is the (non-positive) buffer charged on negative
	// collateral contributions.
	TotalCollateralBuffer       int64
	MarginRequirement           uint64
	MarginRequirementPlusBuffer uint64

	NumSpotLiabilities uint8
	NumPerpLiabilities uint8
	AllOraclesValid    bool

	TotalSpotAssetValue     int64
	TotalSpotLiabilityValue uint64
	TotalPerpLiabilityValue uint64
	TotalPerpPnl            int64

	TrackedMarketMarginRequirement uint64
}

func newCalculation(ctx Context) Calculation {
	return Calculation{Context: ctx, AllOraclesValid: true}
}

func (c *Calculation) addCollateral(amount int64) error {
	var err error
	if c.TotalCollateral, err = fpmath.AddI64(c.TotalCollateral, amount); err != nil {
		return err
	}
	if c.Context.LiquidationBuffer > 0 && amount < 0 {
		buffer, err := fpmath.MulDivI64(amount, int64(c.Context.LiquidationBuffer), int64(fpmath.MarginPrecision), fpmath.RoundDown)
		if err != nil {
			return err
		}
		if c.TotalCollateralBuffer, err = fpmath.AddI64(c.TotalCollateralBuffer, buffer); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calculation) addRequirement(requirement, liabilityValue uint64) error {
	var err error
	if c.MarginRequirement, err = fpmath.AddU64(c.MarginRequirement, requirement); err != nil {
		return err
	}
	withBuffer := requirement
	if c.Context.LiquidationBuffer > 0 {
		buffer, err := fpmath.MulDivU(liabilityValue, uint64(c.Context.LiquidationBuffer), fpmath.MarginPrecision)
		if err != nil {
			return err
		}
		if withBuffer, err = fpmath.AddU64(requirement, buffer); err != nil {
			return err
		}
	}
	c.MarginRequirementPlusBuffer, err = fpmath.AddU64(c.MarginRequirementPlusBuffer, withBuffer)
	return err
}

func (c *Calculation) trackOracle(data state.OraclePriceData, lastOracleTwap int64) {
	validity := state.ClassifyOracle(data, lastOracleTwap, c.Context.GuardRails)
	if !validity.IsValidForAction(state.ActionMarginCalc) {
		c.AllOraclesValid = false
	}
}

// MeetsMarginRequirement compares collateral with the unbuffered requirement.
func (c *Calculation) MeetsMarginRequirement() bool {
	return covers(c.TotalCollateral, c.MarginRequirement)
}

// MeetsMarginRequirementWithBuffer also charges the liquidation buffer.
func (c *Calculation) MeetsMarginRequirementWithBuffer() bool {
	return covers(c.bufferedCollateral(), c.MarginRequirementPlusBuffer)
}

// bufferedCollateral is collateral net of the buffer, pinned at MinInt64
// rather than wrapping.
func (c *Calculation) bufferedCollateral() int64 {
	collateral, err := fpmath.AddI64(c.TotalCollateral, c.TotalCollateralBuffer)
	if err != nil {
		if c.TotalCollateral < 0 {
			return gomath.MinInt64
		}
		return gomath.MaxInt64
	}
	return collateral
}

// CanExitLiquidation reports a user back above the buffered requirement.
func (c *Calculation) CanExitLiquidation() bool {
	return c.MeetsMarginRequirementWithBuffer()
}

// MarginShortage is how much buffered collateral is missing; zero when the
// buffered requirement is met.
func (c *Calculation) MarginShortage() uint64 {
	collateral := c.bufferedCollateral()
	if collateral < 0 {
		shortage, err := fpmath.AddU64(c.MarginRequirementPlusBuffer, fpmath.UnsignedAbs(collateral))
		if err != nil {
			return gomath.MaxUint64
		}
		return shortage
	}
	return fpmath.SaturatingSubU64(c.MarginRequirementPlusBuffer, uint64(collateral))
}

// FreeCollateral is collateral above the unbuffered requirement.
func (c *Calculation) FreeCollateral() uint64 {
	if c.TotalCollateral <= 0 {
		return 0
	}
	return fpmath.SaturatingSubU64(uint64(c.TotalCollateral), c.MarginRequirement)
}

// HasLiabilities reports any borrow or perp exposure.
func (c *Calculation) HasLiabilities() bool {
	return c.NumSpotLiabilities > 0 || c.NumPerpLiabilities > 0
}

func covers(collateral int64, requirement uint64) bool {
	if collateral < 0 {
		return false
	}
	return uint64(collateral) >= requirement
}
