package ledger

import (
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// BalanceTracker holds the balances read from user and pool accounts. Spot
// and pool balances are scaled and unsigned; perp balances are signed.
type BalanceTracker struct {
	scaled map[AccountKey]uint64
	signed map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		scaled: make(map[AccountKey]uint64),
		signed: make(map[AccountKey]int64),
	}
}

// TrackUser records every non-empty spot and perp position of u.
func (bt *BalanceTracker) TrackUser(u *state.User) {
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.ScaledBalance == 0 {
			continue
		}
		sub := SubTypeSpotDeposit
		if p.BalanceType == state.SpotBalanceBorrow {
			sub = SubTypeSpotBorrow
		}
		bt.scaled[NewUserAccountKey(u.ID, sub, p.MarketIndex)] = p.ScaledBalance
	}
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0 {
			continue
		}
		bt.signed[NewUserAccountKey(u.ID, SubTypePerpBase, p.MarketIndex)] = p.BaseAssetAmount
		bt.signed[NewUserAccountKey(u.ID, SubTypePerpQuote, p.MarketIndex)] = p.QuoteAssetAmount
	}
}

// TrackSpotMarket records the market's revenue pool.
func (bt *BalanceTracker) TrackSpotMarket(m *state.SpotMarket) {
	bt.trackPool(m.MarketIndex, SubTypeRevenuePool, &m.RevenuePool)
}

// TrackPerpMarket records the fee and pnl pools a perp market keeps in its
// quote spot market.
func (bt *BalanceTracker) TrackPerpMarket(m *state.PerpMarket) {
	bt.trackPool(m.MarketIndex, SubTypePerpFeePool, &m.AMM.FeePool)
	bt.trackPool(m.MarketIndex, SubTypePerpPnlPool, &m.PnlPool)
}

func (bt *BalanceTracker) trackPool(owner uint16, sub AccountSubType, pool *state.PoolBalance) {
	if pool.ScaledBalance == 0 {
		return
	}
	bt.scaled[NewSystemAccountKey(owner, sub, pool.MarketIndex)] = pool.ScaledBalance
}

// ScaledBalance returns a tracked spot or pool balance.
func (bt *BalanceTracker) ScaledBalance(key AccountKey) uint64 {
	return bt.scaled[key]
}

// SignedBalance returns a tracked perp balance.
func (bt *BalanceTracker) SignedBalance(key AccountKey) int64 {
	return bt.signed[key]
}

// SpotTotals are the scaled sums feeding one spot market.
type SpotTotals struct {
	Deposits uint64
	Borrows  uint64
	Overflow bool
}

// PerpTotals are the sums feeding one perp market.
type PerpTotals struct {
	Long          int64
	Short         int64
	Quote         int64
	Users         uint32
	UsersWithBase uint32
	Overflow      bool
}

// ComputeSpotTotals sums scaled balances per spot market. Pools count as
// deposits.
func (bt *BalanceTracker) ComputeSpotTotals() map[uint16]*SpotTotals {
	totals := make(map[uint16]*SpotTotals)
	for key, balance := range bt.scaled {
		t := totals[key.Market]
		if t == nil {
			t = &SpotTotals{}
			totals[key.Market] = t
		}
		dst := &t.Deposits
		if key.SubType == SubTypeSpotBorrow {
			dst = &t.Borrows
		}
		sum, err := fpmath.AddU64(*dst, balance)
		if err != nil {
			t.Overflow = true
			continue
		}
		*dst = sum
	}
	return totals
}

// ComputePerpTotals sums positions per perp market.
func (bt *BalanceTracker) ComputePerpTotals() map[uint16]*PerpTotals {
	totals := make(map[uint16]*PerpTotals)
	add := func(t *PerpTotals, dst *int64, v int64) {
		sum, err := fpmath.AddI64(*dst, v)
		if err != nil {
			t.Overflow = true
			return
		}
		*dst = sum
	}
	for key, balance := range bt.signed {
		t := totals[key.Market]
		if t == nil {
			t = &PerpTotals{}
			totals[key.Market] = t
		}
		switch key.SubType {
		case SubTypePerpBase:
			switch {
			case balance > 0:
				add(t, &t.Long, balance)
				t.UsersWithBase++
			case balance < 0:
				add(t, &t.Short, balance)
				t.UsersWithBase++
			}
		case SubTypePerpQuote:
			// One quote key per non-empty position.
			add(t, &t.Quote, balance)
			t.Users++
		}
	}
	return totals
}
