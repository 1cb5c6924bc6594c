package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/margin"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/spot"
	"PerpRisk/internal/state"
)

// ErrHistoryUnavailable is returned by history queries when no database is configured.
var ErrHistoryUnavailable = errors.New("history requires a database")

// StateReader is the read side of the deterministic core.
type StateReader interface {
	Read(fn func(core.View) error) error
}

// QueryService serves read-only views. Margin and market queries read the
// in-memory core between two instructions; history queries read the
// projection tables. All responses carry as_of_sequence.
type QueryService struct {
	reader StateReader
	db     *sql.DB
}

// NewQueryService creates a query service. db may be nil.
func NewQueryService(reader StateReader, db *sql.DB) *QueryService {
	return &QueryService{reader: reader, db: db}
}

// GetUserMargin runs the initial and maintenance margin passes over a user.
func (qs *QueryService) GetUserMargin(ctx context.Context, userID uuid.UUID) (*UserMarginResponse, error) {
	var resp *UserMarginResponse
	err := qs.reader.Read(func(v core.View) error {
		user, err := v.User(userID)
		if err != nil {
			return err
		}
		rails := v.State().OracleGuardRails.Validity
		health, err := margin.CheckMarginHealth(user, v.PerpMarkets(), v.SpotMarkets(), v.Oracles(), rails)
		if err != nil {
			return err
		}

		resp = &UserMarginResponse{
			UserID:                 user.ID,
			SubAccountID:           user.SubAccountID,
			Health:                 health.Status.String(),
			BeingLiquidated:        user.IsBeingLiquidated(),
			Bankrupt:               user.IsBankrupt(),
			ReduceOnly:             user.IsReduceOnly(),
			TotalCollateral:        health.Initial.TotalCollateral,
			TotalCollateralDecimal: fpmath.FormatQuote(health.Initial.TotalCollateral),
			InitialRequirement:     health.Initial.MarginRequirement,
			MaintenanceRequirement: health.Maintenance.MarginRequirement,
			FreeCollateral:         health.Initial.FreeCollateral(),
			FreeCollateralDecimal:  fpmath.FormatScaledU(health.Initial.FreeCollateral(), 6),
			MaintenanceCollateral:  health.Maintenance.TotalCollateral,
			AllOraclesValid:        health.Initial.AllOraclesValid,
			NumSpotLiabilities:     health.Initial.NumSpotLiabilities,
			NumPerpLiabilities:     health.Initial.NumPerpLiabilities,
			LiquidationMarginFreed: user.LiquidationMarginFreed,
			SettledPerpPnl:         user.SettledPerpPnl,
			CumulativePerpFunding:  user.CumulativePerpFunding,
			TotalDeposits:          user.TotalDeposits,
			TotalWithdraws:         user.TotalWithdraws,
			OpenOrders:             user.OpenOrders,
			AsOfSequence:           v.Sequence() - 1,
		}

		for i := range user.PerpPositions {
			pos := &user.PerpPositions[i]
			if pos.IsAvailable() {
				continue
			}
			p, err := perpPosition(v, pos)
			if err != nil {
				return err
			}
			resp.PerpPositions = append(resp.PerpPositions, p)
		}
		for i := range user.SpotPositions {
			pos := &user.SpotPositions[i]
			if pos.IsAvailable() {
				continue
			}
			p, err := spotPosition(v, pos)
			if err != nil {
				return err
			}
			resp.SpotPositions = append(resp.SpotPositions, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPerpMarket summarizes the AMM, prices and pools of one perp market.
func (qs *QueryService) GetPerpMarket(ctx context.Context, marketIndex uint16) (*PerpMarketResponse, error) {
	var resp *PerpMarketResponse
	err := qs.reader.Read(func(v core.View) error {
		m, err := v.PerpMarkets().Get(marketIndex)
		if err != nil {
			return err
		}
		a := &m.AMM

		reserve, err := amm.ReservePrice(a)
		if err != nil {
			return err
		}
		bid, ask, err := amm.BidAskPrice(a)
		if err != nil {
			return err
		}

		// A market whose oracle has not published yet still has a summary.
		var oraclePrice int64
		if data, err := v.Oracles().Get(a.Oracle, a.OracleSource); err == nil {
			oraclePrice = data.Price
		}

		openInterest := max(a.BaseAssetAmountLong, -a.BaseAssetAmountShort)

		resp = &PerpMarketResponse{
			MarketIndex:                m.MarketIndex,
			Name:                       m.NameString(),
			Status:                     m.Status.String(),
			ContractTier:               uint8(m.ContractTier),
			OraclePrice:                oraclePrice,
			OraclePriceDecimal:         fpmath.FormatPrice(oraclePrice),
			ReservePrice:               reserve,
			BidPrice:                   bid,
			AskPrice:                   ask,
			MarkPriceDecimal:           fpmath.FormatScaledU(reserve, 6),
			LastMarkPriceTwap:          a.LastMarkPriceTwap,
			LastOracleTwap:             a.HistoricalOracleData.LastOraclePriceTwap,
			LongSpread:                 a.LongSpread,
			ShortSpread:                a.ShortSpread,
			BaseAssetReserve:           a.BaseAssetReserve,
			QuoteAssetReserve:          a.QuoteAssetReserve,
			SqrtK:                      a.SqrtK,
			PegMultiplier:              a.PegMultiplier,
			BaseAssetAmountLong:        a.BaseAssetAmountLong,
			BaseAssetAmountShort:       a.BaseAssetAmountShort,
			BaseAssetAmountWithAmm:     a.BaseAssetAmountWithAmm,
			OpenInterestDecimal:        fpmath.FormatBase(openInterest),
			LastFundingRate:            a.LastFundingRate,
			LastFundingRateTs:          a.LastFundingRateTs,
			CumulativeFundingRateLong:  a.CumulativeFundingRateLong,
			CumulativeFundingRateShort: a.CumulativeFundingRateShort,
			TotalFee:                   a.TotalFee,
			TotalFeeMinusDistributions: a.TotalFeeMinusDistributions,
			TotalLiquidationFee:        a.TotalLiquidationFee,
			TotalSocialLoss:            a.TotalSocialLoss,
			NumberOfUsers:              m.NumberOfUsers,
			AsOfSequence:               v.Sequence() - 1,
		}

		quote, err := v.SpotMarkets().Get(m.QuoteSpotMarketIndex)
		if err != nil {
			return err
		}
		if resp.FeePoolBalance, err = spot.PoolTokenAmount(&a.FeePool, quote); err != nil {
			return err
		}
		if resp.PnlPoolBalance, err = spot.PoolTokenAmount(&m.PnlPool, quote); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSpotMarket summarizes token balances, utilization and rates of one spot market.
func (qs *QueryService) GetSpotMarket(ctx context.Context, marketIndex uint16) (*SpotMarketResponse, error) {
	var resp *SpotMarketResponse
	err := qs.reader.Read(func(v core.View) error {
		m, err := v.SpotMarkets().Get(marketIndex)
		if err != nil {
			return err
		}

		deposits, err := spot.GetTokenAmount(m.DepositBalance, m, state.SpotBalanceDeposit)
		if err != nil {
			return err
		}
		borrows, err := spot.GetTokenAmount(m.BorrowBalance, m, state.SpotBalanceBorrow)
		if err != nil {
			return err
		}
		utilization, err := spot.MarketUtilization(m)
		if err != nil {
			return err
		}
		borrowRate, err := spot.CalculateBorrowRate(m, utilization)
		if err != nil {
			return err
		}
		depositRate, err := spot.CalculateDepositRate(borrowRate, utilization)
		if err != nil {
			return err
		}
		revenue, err := spot.PoolTokenAmount(&m.RevenuePool, m)
		if err != nil {
			return err
		}

		var oraclePrice int64
		if data, err := v.Oracles().Get(m.Oracle, m.OracleSource); err == nil {
			oraclePrice = data.Price
		}

		decimals := int32(m.Decimals)
		resp = &SpotMarketResponse{
			MarketIndex:               m.MarketIndex,
			Name:                      m.NameString(),
			Status:                    m.Status.String(),
			Decimals:                  m.Decimals,
			OraclePrice:               oraclePrice,
			OraclePriceDecimal:        fpmath.FormatPrice(oraclePrice),
			DepositTokenAmount:        deposits,
			DepositTokenDecimal:       fpmath.FormatScaledU(deposits, decimals),
			BorrowTokenAmount:         borrows,
			BorrowTokenDecimal:        fpmath.FormatScaledU(borrows, decimals),
			Utilization:               utilization,
			BorrowRate:                borrowRate,
			DepositRate:               depositRate,
			CumulativeDepositInterest: m.CumulativeDepositInterest,
			CumulativeBorrowInterest:  m.CumulativeBorrowInterest,
			LastInterestTs:            m.LastInterestTs,
			RevenuePoolTokens:         revenue,
			InsuranceFundVault:        m.InsuranceFund.Balance,
			TotalSocialLoss:           m.TotalSocialLoss,
			AsOfSequence:              v.Sequence() - 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListFundingPayments returns a user's settled funding, newest first.
// beforeSequence is an exclusive cursor.
func (qs *QueryService) ListFundingPayments(
	ctx context.Context,
	userID uuid.UUID,
	marketIndex *uint16,
	limit int,
	beforeSequence *int64,
) ([]FundingPaymentResponse, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}

	query := `
		SELECT sequence, market_index, ts, funding_payment, base_asset_amount
		FROM projections.funding_payments
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argIdx := 2

	if marketIndex != nil {
		query += fmt.Sprintf(" AND market_index = $%d", argIdx)
		args = append(args, int32(*marketIndex))
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, record_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingPaymentResponse
	for rows.Next() {
		var h FundingPaymentResponse
		var market int32
		if err := rows.Scan(&h.Sequence, &market, &h.Ts, &h.FundingPayment, &h.BaseAssetAmount); err != nil {
			return nil, err
		}
		h.MarketIndex = uint16(market)
		h.PaymentDecimal = fpmath.FormatQuote(h.FundingPayment)
		history = append(history, h)
	}
	return history, rows.Err()
}

// ListLiquidations returns the liquidation records of a user, newest first.
func (qs *QueryService) ListLiquidations(ctx context.Context, userID uuid.UUID, limit int) ([]LiquidationResponse, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, liquidation_id, liquidation_type, liquidator_id, market_index,
		       ts, bankrupt, margin_freed
		FROM projections.liquidations
		WHERE user_id = $1
		ORDER BY sequence DESC, record_index DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		var liqID, market int32
		var freed int64
		if err := rows.Scan(&r.Sequence, &liqID, &r.LiquidationType, &r.Liquidator, &market,
			&r.Ts, &r.Bankrupt, &freed); err != nil {
			return nil, err
		}
		r.LiquidationID = uint16(liqID)
		r.MarketIndex = uint16(market)
		r.MarginFreed = uint64(freed)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the instruction log and reports every sequence whose
// prev_hash does not match the state_hash of the instruction before it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM risk_log.instructions e1
		JOIN risk_log.instructions e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_log.instructions`).Scan(&report.Checked); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// AuditBalances checks every market aggregate of the live state against the
// user and pool accounts behind it.
func (qs *QueryService) AuditBalances(ctx context.Context) (*BalanceAuditResponse, error) {
	var resp *BalanceAuditResponse
	err := qs.reader.Read(func(v core.View) error {
		report := ledger.Audit(v.Users(), v.PerpMarkets(), v.SpotMarkets())
		resp = &BalanceAuditResponse{
			Report:       report,
			IsHealthy:    report.IsHealthy(),
			AsOfSequence: v.Sequence() - 1,
		}
		return nil
	})
	return resp, err
}

// ProjectionWatermark is the last sequence folded into the projection tables.
func (qs *QueryService) ProjectionWatermark(ctx context.Context) (int64, error) {
	if qs.db == nil {
		return 0, ErrHistoryUnavailable
	}
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
