package state

// OrderParams is what a user submits to place an order.
type OrderParams struct {
	OrderType         OrderType
	MarketType        MarketType
	Direction         PositionDirection
	UserOrderID       uint8
	BaseAssetAmount   uint64
	Price             uint64
	MarketIndex       uint16
	ReduceOnly        bool
	PostOnly          bool
	ImmediateOrCancel bool
	TriggerPrice      uint64
	TriggerCondition  OrderTriggerCondition
	OraclePriceOffset int32
	AuctionDuration   uint8
	AuctionStartPrice int64
	AuctionEndPrice   int64
	MaxTs             int64
}
