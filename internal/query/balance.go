package query

import (
	"PerpRisk/internal/core"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// perpPosition values a position at the market's oracle price.
func perpPosition(v core.View, pos *state.PerpPosition) (PerpPositionResponse, error) {
	market, err := v.PerpMarkets().Get(pos.MarketIndex)
	if err != nil {
		return PerpPositionResponse{}, err
	}
	oracle, err := v.Oracles().Get(market.AMM.Oracle, market.AMM.OracleSource)
	if err != nil {
		return PerpPositionResponse{}, err
	}
	pnl, err := margin.CalculateUnrealizedPnl(pos, market, oracle.Price)
	if err != nil {
		return PerpPositionResponse{}, err
	}
	funding, err := margin.UnsettledFundingPnl(pos, market)
	if err != nil {
		return PerpPositionResponse{}, err
	}

	return PerpPositionResponse{
		MarketIndex:          pos.MarketIndex,
		BaseAssetAmount:      pos.BaseAssetAmount,
		BaseAssetDecimal:     fpmath.FormatBase(pos.BaseAssetAmount),
		QuoteAssetAmount:     pos.QuoteAssetAmount,
		QuoteEntryAmount:     pos.QuoteEntryAmount,
		QuoteBreakEvenAmount: pos.QuoteBreakEvenAmount,
		UnrealizedPnl:        pnl,
		UnrealizedPnlDecimal: fpmath.FormatQuote(pnl),
		UnsettledFundingPnl:  funding,
		OpenOrders:           pos.OpenOrders,
		OpenBids:             pos.OpenBids,
		OpenAsks:             pos.OpenAsks,
	}, nil
}

// spotPosition converts a scaled balance to signed tokens.
func spotPosition(v core.View, pos *state.SpotPosition) (SpotPositionResponse, error) {
	market, err := v.SpotMarkets().Get(pos.MarketIndex)
	if err != nil {
		return SpotPositionResponse{}, err
	}
	tokens, err := spot.PositionTokenAmount(pos, market)
	if err != nil {
		return SpotPositionResponse{}, err
	}

	return SpotPositionResponse{
		MarketIndex:  pos.MarketIndex,
		BalanceType:  pos.BalanceType.String(),
		TokenAmount:  tokens,
		TokenDecimal: fpmath.FormatScaled(tokens, int32(market.Decimals)),
		OpenOrders:   pos.OpenOrders,
		OpenBids:     pos.OpenBids,
		OpenAsks:     pos.OpenAsks,
	}, nil
}
