package state

// Env is what one instruction runs against: exchange parameters, the market
// maps it may touch, the oracle snapshot and the clock.
type Env struct {
	State       *State
	PerpMarkets *PerpMarketMap
	SpotMarkets *SpotMarketMap
	Oracles     *OracleMap
	Now         int64
	Slot        uint64
}
