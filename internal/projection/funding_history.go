package projection

import (
	"sync"

	"PerpRisk/internal/event"
)

// DefaultFundingRateDepth is how many funding updates are kept per market.
const DefaultFundingRateDepth = 168

// FundingRateHistory keeps the most recent funding rate records of every
// perp market in memory, so the query surface can serve them without
// Postgres.
type FundingRateHistory struct {
	mu      sync.RWMutex
	depth   int
	entries map[uint16][]event.FundingRateRecord
}

func NewFundingRateHistory(depth int) *FundingRateHistory {
	if depth <= 0 {
		depth = DefaultFundingRateDepth
	}
	return &FundingRateHistory{
		depth:   depth,
		entries: make(map[uint16][]event.FundingRateRecord),
	}
}

// Add appends a record, evicting the oldest once the market is at depth.
func (h *FundingRateHistory) Add(r event.FundingRateRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[r.MarketIndex], r)
	if len(list) > h.depth {
		list = list[len(list)-h.depth:]
	}
	h.entries[r.MarketIndex] = list
}

// Recent returns up to limit records of a market, newest first. A
// non-positive limit returns everything kept.
func (h *FundingRateHistory) Recent(marketIndex uint16, limit int) []event.FundingRateRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[marketIndex]
	if limit <= 0 {
		limit = len(list)
	}
	result := make([]event.FundingRateRecord, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}
