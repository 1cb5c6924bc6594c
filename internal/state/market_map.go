package state

import (
	"fmt"
	"sort"

	"PerpRisk/internal/errs"
)

// MarketMap addresses markets by index. When a writable set is present, GetMut
// refuses markets outside it, so a call tree can only mutate the markets its
// instruction declared.
type MarketMap[T any] struct {
	markets  map[uint16]*T
	writable map[uint16]bool
	notFound error
}

type (
	PerpMarketMap = MarketMap[PerpMarket]
	SpotMarketMap = MarketMap[SpotMarket]
)

func NewPerpMarketMap(markets ...*PerpMarket) *PerpMarketMap {
	m := &PerpMarketMap{markets: make(map[uint16]*PerpMarket, len(markets)), notFound: errs.ErrMarketNotFound}
	for _, market := range markets {
		m.markets[market.MarketIndex] = market
	}
	return m
}

func NewSpotMarketMap(markets ...*SpotMarket) *SpotMarketMap {
	m := &SpotMarketMap{markets: make(map[uint16]*SpotMarket, len(markets)), notFound: errs.ErrSpotMarketNotFound}
	for _, market := range markets {
		m.markets[market.MarketIndex] = market
	}
	return m
}

// Insert adds or replaces a market at index.
func (m *MarketMap[T]) Insert(index uint16, market *T) {
	m.markets[index] = market
}

func (m *MarketMap[T]) Get(index uint16) (*T, error) {
	market, ok := m.markets[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", m.notFound, index)
	}
	return market, nil
}

func (m *MarketMap[T]) GetMut(index uint16) (*T, error) {
	market, err := m.Get(index)
	if err != nil {
		return nil, err
	}
	if m.writable != nil && !m.writable[index] {
		return nil, fmt.Errorf("%w: %d", errs.ErrMarketNotWritable, index)
	}
	return market, nil
}

// WithWritable returns a view over the same markets that only lets the given
// indexes be mutated.
func (m *MarketMap[T]) WithWritable(indexes ...uint16) *MarketMap[T] {
	w := make(map[uint16]bool, len(indexes))
	for _, i := range indexes {
		w[i] = true
	}
	return &MarketMap[T]{markets: m.markets, writable: w, notFound: m.notFound}
}

// Indexes returns market indexes in ascending order.
func (m *MarketMap[T]) Indexes() []uint16 {
	out := make([]uint16, 0, len(m.markets))
	for i := range m.markets {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func (m *MarketMap[T]) Len() int {
	return len(m.markets)
}

// Snapshot copies every market by value.
func (m *MarketMap[T]) Snapshot() map[uint16]T {
	out := make(map[uint16]T, len(m.markets))
	for i, market := range m.markets {
		out[i] = *market
	}
	return out
}

// Restore overwrites markets in place from a snapshot, keeping pointers
// handed out earlier valid.
func (m *MarketMap[T]) Restore(snapshot map[uint16]T) {
	for i, v := range snapshot {
		if market, ok := m.markets[i]; ok {
			*market = v
		}
	}
}
