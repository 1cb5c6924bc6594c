// Package errs holds the engine's error taxonomy. Callers match with errors.Is;
// producers wrap with fmt.Errorf("%w: ...") to attach context.
package errs

import "errors"

// Arithmetic
var (
	ErrMath    = errors.New("math error")
	ErrCasting = errors.New("casting failure")
)

// Validation
var (
	ErrDefault              = errors.New("default error")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrMarketIndexMismatch  = errors.New("market index mismatch")
	ErrOrderDoesNotExist    = errors.New("order does not exist")
	ErrOrderNotOpen         = errors.New("order not open")
	ErrMaxOpenOrders        = errors.New("max number of open orders")
	ErrMarketNotFound       = errors.New("perp market not found")
	ErrSpotMarketNotFound   = errors.New("spot market not found")
	ErrMarketNotWritable    = errors.New("market not writable")
	ErrMarketStatus         = errors.New("market status does not allow action")
	ErrNoPositionSlot       = errors.New("no available position slot")
	ErrPositionNotFound     = errors.New("user has no position in market")
	ErrReduceOnly           = errors.New("order must reduce position")
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrUserBankrupt         = errors.New("user bankrupt")
	ErrUserNotBankrupt      = errors.New("user not bankrupt")
	ErrUserBeingLiquidated  = errors.New("user being liquidated")
	ErrInvalidLiquidation   = errors.New("invalid liquidation")
	ErrLimitPriceNotMet     = errors.New("liquidation does not satisfy limit price")
	ErrSufficientCollateral = errors.New("user has sufficient collateral")

	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInvalidTransition      = errors.New("invalid liquidation phase transition")
	ErrBorrowsExceedDeposits  = errors.New("spot market borrows exceed deposits")
)

// Oracle validity
var (
	ErrInvalidOracle      = errors.New("invalid oracle")
	ErrPriceBandsBreached = errors.New("price bands breached")
)

// Margin
var ErrMarginCalculation = errors.New("margin calculation error")
