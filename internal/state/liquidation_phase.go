// internal/state/liquidation_phase.go
package state

import (
	"fmt"

	"PerpRisk/internal/errs"
)

// LiquidationPhase is the liquidation state of a user, derived from its status bits.
type LiquidationPhase int32

const (
	PhaseHealthy LiquidationPhase = iota
	PhaseBeingLiquidated
	PhaseBankrupt
)

func (p LiquidationPhase) String() string {
	switch p {
	case PhaseHealthy:
		return "Healthy"
	case PhaseBeingLiquidated:
		return "BeingLiquidated"
	case PhaseBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

var validPhaseTransitions = map[LiquidationPhase][]LiquidationPhase{
	PhaseHealthy: {
		PhaseBeingLiquidated,
	},
	PhaseBeingLiquidated: {
		PhaseBeingLiquidated, // further partial liquidations
		PhaseHealthy,         // margin restored
		PhaseBankrupt,
	},
	PhaseBankrupt: {
		PhaseHealthy, // resolved
	},
}

// CanTransitionTo validates phase transitions
func (p LiquidationPhase) CanTransitionTo(next LiquidationPhase) bool {
	for _, allowed := range validPhaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Phase reads the phase from the status bits. Bankrupt wins over BeingLiquidated.
func (u *User) Phase() LiquidationPhase {
	switch {
	case u.IsBankrupt():
		return PhaseBankrupt
	case u.IsBeingLiquidated():
		return PhaseBeingLiquidated
	default:
		return PhaseHealthy
	}
}

func (u *User) transition(next LiquidationPhase) error {
	cur := u.Phase()
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, cur, next)
	}
	u.Status &^= UserStatusBeingLiquidated | UserStatusBankrupt
	switch next {
	case PhaseBeingLiquidated:
		u.Status |= UserStatusBeingLiquidated
	case PhaseBankrupt:
		u.Status |= UserStatusBankrupt
	}
	return nil
}

// EnterLiquidation flags the user and returns the liquidation id. A user
// already being liquidated keeps its current id.
func (u *User) EnterLiquidation(slot uint64) (uint16, error) {
	if u.IsBeingLiquidated() {
		return u.NextLiquidationID - 1, nil
	}
	if err := u.transition(PhaseBeingLiquidated); err != nil {
		return 0, err
	}
	u.LiquidationMarginFreed = 0
	u.LastActiveSlot = slot
	if u.NextLiquidationID == 0 {
		u.NextLiquidationID = 1
	}
	id := u.NextLiquidationID
	u.NextLiquidationID++
	return id, nil
}

func (u *User) ExitLiquidation() error {
	if err := u.transition(PhaseHealthy); err != nil {
		return err
	}
	u.LiquidationMarginFreed = 0
	return nil
}

func (u *User) EnterBankruptcy() error {
	if u.IsBankrupt() {
		return nil
	}
	return u.transition(PhaseBankrupt)
}

func (u *User) ExitBankruptcy() error {
	if err := u.transition(PhaseHealthy); err != nil {
		return err
	}
	u.LiquidationMarginFreed = 0
	return nil
}
