package state

import fpmath "PerpRisk/internal/math"

// State holds exchange-wide parameters consumed read-only by every instruction.
type State struct {
	OracleGuardRails OracleGuardRails

	// LiquidationMarginBufferRatio is added to the maintenance margin ratio
	// while an account is being liquidated, in MarginPrecision.
	LiquidationMarginBufferRatio uint32
	// InitialPctToLiquidate caps the first liquidation step, in LiquidationPctPrecision.
	InitialPctToLiquidate uint16
	// LiquidationDuration is the number of slots until a full liquidation is allowed.
	LiquidationDuration uint8

	PerpFeeStructure FeeStructure
	SpotFeeStructure FeeStructure

	MinPerpAuctionDuration     uint8
	DefaultSpotAuctionDuration uint8
	MaxNumberOfSubAccounts     uint16
}

func DefaultState() State {
	return State{
		OracleGuardRails:             DefaultOracleGuardRails(),
		LiquidationMarginBufferRatio: 200, // 2%
		InitialPctToLiquidate:        uint16(fpmath.LiquidationPctPrecision),
		LiquidationDuration:          150,
		PerpFeeStructure:             DefaultPerpFeeStructure(),
		SpotFeeStructure:             DefaultSpotFeeStructure(),
		MinPerpAuctionDuration:       10,
		DefaultSpotAuctionDuration:   10,
		MaxNumberOfSubAccounts:       8,
	}
}
