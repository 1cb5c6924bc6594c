// Package ledger audits market aggregates against the accounts they sum.
// Spot markets carry scaled deposit and borrow totals, perp markets carry
// open interest, quote and user counts; each must equal what the user and
// pool accounts behind it hold.
package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeSpotDeposit AccountSubType = iota
	SubTypeSpotBorrow
	SubTypePerpBase
	SubTypePerpQuote

	// System sub-types
	SubTypeRevenuePool
	SubTypePerpFeePool
	SubTypePerpPnlPool
)

// AccountKey identifies one tracked balance. Market is the spot market that
// holds spot and pool balances, or the perp market of a perp balance.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user id, or the owning market index for pools
	SubType  AccountSubType
	Market   uint16
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, market uint16) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		Market:   market,
	}
}

// NewSystemAccountKey creates a key for a pool owned by market owner and held
// in spot market market.
func NewSystemAccountKey(owner uint16, subType AccountSubType, market uint16) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint16(entityID[:2], owner)
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		Market:   market,
	}
}

func (k AccountKey) owner() uint16 {
	return binary.BigEndian.Uint16(k.EntityID[:2])
}

// IsPerp reports a perp position balance; everything else is scaled spot.
func (k AccountKey) IsPerp() bool {
	return k.SubType == SubTypePerpBase || k.SubType == SubTypePerpQuote
}

// AccountPath returns the string representation for logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%d", uuid.UUID(k.EntityID), k.subTypeName(), k.Market)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%d:%s:%d", k.owner(), k.subTypeName(), k.Market)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeSpotDeposit:
		return "deposit"
	case SubTypeSpotBorrow:
		return "borrow"
	case SubTypePerpBase:
		return "perp_base"
	case SubTypePerpQuote:
		return "perp_quote"
	case SubTypeRevenuePool:
		return "revenue_pool"
	case SubTypePerpFeePool:
		return "fee_pool"
	case SubTypePerpPnlPool:
		return "pnl_pool"
	default:
		return "unknown"
	}
}
