package state

import (
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/errs"
	fpmath "PerpRisk/internal/math"
)

const (
	MaxOrders        = 32
	MaxPerpPositions = 8
	MaxSpotPositions = 8
)

// UserStatus is a bit set.
type UserStatus uint8

const (
	UserStatusBeingLiquidated UserStatus = 1 << iota
	UserStatusBankrupt
	UserStatusReduceOnly
)

// Order is a resting or auctioning order. Prices are in PricePrecision, sizes
// in BasePrecision (perp) or token precision (spot).
type Order struct {
	Slot                      uint64
	Price                     uint64
	BaseAssetAmount           uint64
	BaseAssetAmountFilled     uint64
	QuoteAssetAmountFilled    uint64
	TriggerPrice              uint64
	AuctionStartPrice         int64
	AuctionEndPrice           int64
	MaxTs                     int64
	OraclePriceOffset         int32
	OrderID                   uint32
	MarketIndex               uint16
	Status                    OrderStatus
	OrderType                 OrderType
	MarketType                MarketType
	UserOrderID               uint8
	ExistingPositionDirection PositionDirection
	Direction                 PositionDirection
	ReduceOnly                bool
	PostOnly                  bool
	ImmediateOrCancel         bool
	TriggerCondition          OrderTriggerCondition
	AuctionDuration           uint8
}

func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

func (o *Order) IsOpenOrderForMarket(marketIndex uint16, marketType MarketType) bool {
	return o.Status == OrderStatusOpen && o.MarketIndex == marketIndex && o.MarketType == marketType
}

func (o *Order) BaseAssetAmountUnfilled() uint64 {
	return fpmath.SaturatingSubU64(o.BaseAssetAmount, o.BaseAssetAmountFilled)
}

// GetBaseAssetAmountUnfilled caps a reduce-only order at the size of the
// position it may reduce.
func (o *Order) GetBaseAssetAmountUnfilled(existingPosition int64) uint64 {
	unfilled := o.BaseAssetAmountUnfilled()
	if !o.ReduceOnly {
		return unfilled
	}
	reduces := (o.Direction == Long && existingPosition < 0) || (o.Direction == Short && existingPosition > 0)
	if !reduces {
		return 0
	}
	return fpmath.MinU64(unfilled, fpmath.UnsignedAbs(existingPosition))
}

// MustBeTriggered reports a trigger order still waiting on its condition.
func (o *Order) MustBeTriggered() bool {
	return o.OrderType.IsTrigger() && !o.TriggerCondition.Triggered()
}

func (o *Order) HasOraclePriceOffset() bool {
	return o.OraclePriceOffset != 0
}

// IsExpired reports a MaxTs in the past.
func (o *Order) IsExpired(now int64) bool {
	return o.MaxTs != 0 && now > o.MaxTs
}

// PerpPosition is one market slot of a user. BaseAssetAmount is signed in
// BasePrecision; quote amounts are in QuotePrecision.
type PerpPosition struct {
	LastCumulativeFundingRate int64
	BaseAssetAmount           int64
	QuoteAssetAmount          int64
	QuoteBreakEvenAmount      int64
	QuoteEntryAmount          int64
	OpenBids                  int64
	OpenAsks                  int64
	SettledPnl                int64
	MarketIndex               uint16
	OpenOrders                uint8
}

// IsAvailable reports a slot that can be reused. A flat position with
// unsettled quote still holds value and stays allocated.
func (p *PerpPosition) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0 && p.OpenOrders == 0
}

func (p *PerpPosition) IsOpenPosition() bool {
	return p.BaseAssetAmount != 0
}

func (p *PerpPosition) HasOpenOrder() bool {
	return p.OpenOrders != 0 || p.OpenBids != 0 || p.OpenAsks != 0
}

func (p *PerpPosition) HasUnsettledPnl() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount != 0
}

func (p *PerpPosition) Direction() PositionDirection {
	return DirectionOf(p.BaseAssetAmount)
}

func (p *PerpPosition) DirectionToClose() PositionDirection {
	return p.Direction().Opposite()
}

// WorstCaseBaseAssetAmount is the larger-magnitude of the position after all
// bids fill or after all asks fill.
func (p *PerpPosition) WorstCaseBaseAssetAmount() (int64, error) {
	allBids, err := fpmath.AddI64(p.BaseAssetAmount, p.OpenBids)
	if err != nil {
		return 0, err
	}
	allAsks, err := fpmath.AddI64(p.BaseAssetAmount, p.OpenAsks)
	if err != nil {
		return 0, err
	}
	if fpmath.UnsignedAbs(allBids) > fpmath.UnsignedAbs(allAsks) {
		return allBids, nil
	}
	return allAsks, nil
}

// SpotPosition is one token balance of a user.
type SpotPosition struct {
	ScaledBalance      uint64
	OpenBids           int64
	OpenAsks           int64
	CumulativeDeposits int64
	MarketIndex        uint16
	BalanceType        SpotBalanceType
	OpenOrders         uint8
}

func (p *SpotPosition) IsAvailable() bool {
	return p.ScaledBalance == 0 && p.OpenOrders == 0
}

func (p *SpotPosition) HasOpenOrder() bool {
	return p.OpenOrders != 0 || p.OpenBids != 0 || p.OpenAsks != 0
}

func (p *SpotPosition) IsBorrow() bool {
	return p.ScaledBalance > 0 && p.BalanceType == SpotBalanceBorrow
}

func (p *SpotPosition) IsDeposit() bool {
	return p.ScaledBalance > 0 && p.BalanceType == SpotBalanceDeposit
}

// User is one margin account.
type User struct {
	ID                     uuid.UUID
	SubAccountID           uint16
	Orders                 [MaxOrders]Order
	PerpPositions          [MaxPerpPositions]PerpPosition
	SpotPositions          [MaxSpotPositions]SpotPosition
	Status                 UserStatus
	NextOrderID            uint32
	NextLiquidationID      uint16
	LiquidationMarginFreed uint64
	LastActiveSlot         uint64
	MaxMarginRatio         uint32
	IsMarginTradingEnabled bool
	TotalDeposits          uint64
	TotalWithdraws         uint64
	SettledPerpPnl         int64
	CumulativePerpFunding  int64
	CumulativeSpotFees     int64
	OpenOrders             uint8
}

func NewUser(id uuid.UUID) *User {
	return &User{ID: id, NextOrderID: 1, NextLiquidationID: 1}
}

func (u *User) IsBeingLiquidated() bool {
	return u.Status&UserStatusBeingLiquidated != 0
}

func (u *User) IsBankrupt() bool {
	return u.Status&UserStatusBankrupt != 0
}

func (u *User) IsReduceOnly() bool {
	return u.Status&UserStatusReduceOnly != 0
}

// GetPerpPositionIndex finds the slot holding marketIndex.
func (u *User) GetPerpPositionIndex(marketIndex uint16) (int, error) {
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: perp market %d", errs.ErrPositionNotFound, marketIndex)
}

func (u *User) GetPerpPosition(marketIndex uint16) (*PerpPosition, error) {
	i, err := u.GetPerpPositionIndex(marketIndex)
	if err != nil {
		return nil, err
	}
	return &u.PerpPositions[i], nil
}

// ForceGetPerpPosition returns the slot for marketIndex, allocating one if needed.
func (u *User) ForceGetPerpPosition(marketIndex uint16) (*PerpPosition, error) {
	if p, err := u.GetPerpPosition(marketIndex); err == nil {
		return p, nil
	}
	for i := range u.PerpPositions {
		if u.PerpPositions[i].IsAvailable() {
			u.PerpPositions[i] = PerpPosition{MarketIndex: marketIndex}
			return &u.PerpPositions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: perp market %d", errs.ErrNoPositionSlot, marketIndex)
}

func (u *User) GetSpotPositionIndex(marketIndex uint16) (int, error) {
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: spot market %d", errs.ErrPositionNotFound, marketIndex)
}

func (u *User) GetSpotPosition(marketIndex uint16) (*SpotPosition, error) {
	i, err := u.GetSpotPositionIndex(marketIndex)
	if err != nil {
		return nil, err
	}
	return &u.SpotPositions[i], nil
}

func (u *User) ForceGetSpotPosition(marketIndex uint16) (*SpotPosition, error) {
	if p, err := u.GetSpotPosition(marketIndex); err == nil {
		return p, nil
	}
	for i := range u.SpotPositions {
		if u.SpotPositions[i].IsAvailable() {
			u.SpotPositions[i] = SpotPosition{MarketIndex: marketIndex}
			return &u.SpotPositions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: spot market %d", errs.ErrNoPositionSlot, marketIndex)
}

func (u *User) GetOrderIndex(orderID uint32) (int, error) {
	for i := range u.Orders {
		if u.Orders[i].OrderID == orderID && u.Orders[i].Status == OrderStatusOpen {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: order %d", errs.ErrOrderDoesNotExist, orderID)
}

// FreeOrderIndex returns the first slot without an open order.
func (u *User) FreeOrderIndex() (int, error) {
	for i := range u.Orders {
		if u.Orders[i].Status != OrderStatusOpen {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %d", errs.ErrMaxOpenOrders, MaxOrders)
}

// TakeNextOrderID returns the next order id and advances the counter.
func (u *User) TakeNextOrderID() uint32 {
	if u.NextOrderID == 0 {
		u.NextOrderID = 1
	}
	id := u.NextOrderID
	u.NextOrderID++
	return id
}

// HasOpenOrders reports any open order in any market.
func (u *User) HasOpenOrders() bool {
	for i := range u.Orders {
		if u.Orders[i].Status == OrderStatusOpen {
			return true
		}
	}
	return false
}
