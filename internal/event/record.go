package event

// RecordType names an output record. The name is the NATS subject token and
// the persistence discriminator.
type RecordType string

const (
	RecordOrderAction    RecordType = "order_action"
	RecordLiquidation    RecordType = "liquidation"
	RecordFundingPayment RecordType = "funding_payment"
	RecordFundingRate    RecordType = "funding_rate"
	RecordDeposit        RecordType = "deposit"
	RecordSettlePnl      RecordType = "settle_pnl"
	RecordSpotInterest   RecordType = "spot_interest"
)

// Record is anything an instruction emits for downstream consumers.
type Record interface {
	RecordType() RecordType
	// Market is the perp or spot market index the record belongs to.
	Market() uint16
	Timestamp() int64
}
