// internal/event/deposit.go
package event

import "github.com/google/uuid"

type Deposit struct {
	Header
	UserID     uuid.UUID
	Market     uint16
	Amount     uint64 // token precision of the spot market
	ReduceOnly bool   // only repay an existing borrow
}

func (d *Deposit) Type() InstructionType { return InstructionDeposit }
func (d *Deposit) MarketIndex() *uint16  { return market(d.Market) }

type Withdraw struct {
	Header
	UserID     uuid.UUID
	Market     uint16
	Amount     uint64
	ReduceOnly bool // never open a borrow
}

func (w *Withdraw) Type() InstructionType { return InstructionWithdraw }
func (w *Withdraw) MarketIndex() *uint16  { return market(w.Market) }

// SettlePnl realizes a perp position's quote into the quote spot balance.
type SettlePnl struct {
	Header
	UserID uuid.UUID
	Market uint16
}

func (s *SettlePnl) Type() InstructionType { return InstructionSettlePnl }
func (s *SettlePnl) MarketIndex() *uint16  { return market(s.Market) }

type DepositDirection uint8

const (
	DirectionDeposit DepositDirection = iota
	DirectionWithdraw
)

func (d DepositDirection) String() string {
	if d == DirectionWithdraw {
		return "withdraw"
	}
	return "deposit"
}

type DepositRecord struct {
	Ts          int64
	User        uuid.UUID
	Direction   DepositDirection
	Amount      uint64
	MarketIndex uint16
	OraclePrice int64

	MarketDepositBalance            uint64
	MarketBorrowBalance             uint64
	MarketCumulativeDepositInterest uint64
	MarketCumulativeBorrowInterest  uint64
	TotalDepositsAfter              uint64
	TotalWithdrawsAfter             uint64
}

func (r *DepositRecord) RecordType() RecordType { return RecordDeposit }
func (r *DepositRecord) Market() uint16         { return r.MarketIndex }
func (r *DepositRecord) Timestamp() int64       { return r.Ts }

type SettlePnlRecord struct {
	Ts                    int64
	User                  uuid.UUID
	MarketIndex           uint16
	Pnl                   int64
	BaseAssetAmount       int64
	QuoteAssetAmountAfter int64
	QuoteEntryAmount      int64
	SettlePrice           int64
}

func (r *SettlePnlRecord) RecordType() RecordType { return RecordSettlePnl }
func (r *SettlePnlRecord) Market() uint16         { return r.MarketIndex }
func (r *SettlePnlRecord) Timestamp() int64       { return r.Ts }
