package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
)

// ProjectionWorker folds output records into the query tables.
// The projection channel is non-blocking with drop: if projections fall
// behind they are rebuilt from risk_log.records.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	rates     *FundingRateHistory
	lastSeq   int64
	logger    zerolog.Logger
}

// NewProjectionWorker creates a worker. db may be nil, in which case only the
// in-memory funding rate history is maintained.
func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, rates *FundingRateHistory) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		rates:     rates,
		lastSeq:   -1,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil {
				continue
			}

			pw.Apply(output)
			if pw.db != nil {
				if err := pw.processOutput(ctx, output); err != nil {
					// Projections are eventually consistent and can be rebuilt.
					pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				}
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence is the last output the worker has seen.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Apply folds the in-memory projections.
func (pw *ProjectionWorker) Apply(output core.CoreOutput) {
	if pw.rates == nil {
		return
	}
	for _, rec := range output.Records {
		if r, ok := rec.(*event.FundingRateRecord); ok {
			pw.rates.Add(*r)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, rec := range output.Records {
		switch r := rec.(type) {
		case *event.FundingPaymentRecord:
			err = insertFundingPayment(ctx, tx, seq, i, r)
		case *event.FundingRateRecord:
			err = insertFundingRate(ctx, tx, seq, i, r)
		case *event.LiquidationRecord:
			err = insertLiquidation(ctx, tx, seq, i, r)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("%s projection: %w", rec.RecordType(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func insertFundingPayment(ctx context.Context, tx *sql.Tx, seq int64, idx int, r *event.FundingPaymentRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_payments
			(sequence, record_index, user_id, market_index, ts, funding_payment, base_asset_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence, record_index) DO NOTHING
	`, seq, idx, r.User, int32(r.MarketIndex), r.Ts, r.FundingPayment, r.BaseAssetAmount)
	return err
}

func insertFundingRate(ctx context.Context, tx *sql.Tx, seq int64, idx int, r *event.FundingRateRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_rates
			(sequence, record_index, market_index, ts, funding_rate, funding_rate_long, funding_rate_short,
			 oracle_price_twap, mark_price_twap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence, record_index) DO NOTHING
	`, seq, idx, int32(r.MarketIndex), r.Ts, r.FundingRate, r.FundingRateLong, r.FundingRateShort,
		r.OraclePriceTwap, int64(r.MarkPriceTwap))
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, seq int64, idx int, r *event.LiquidationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, record_index, user_id, liquidator_id, liquidation_id, liquidation_type,
			 market_index, ts, bankrupt, margin_freed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence, record_index) DO NOTHING
	`, seq, idx, r.User, r.Liquidator, int32(r.LiquidationID), r.LiquidationType.String(),
		int32(r.Market()), r.Ts, r.Bankrupt, int64(r.MarginFreed))
	return err
}

// RebuildProjections truncates the projection tables and refills them from
// the persisted record log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.funding_payments`,
		`TRUNCATE projections.funding_rates`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rebuild := []struct {
		name string
		stmt string
	}{
		{"funding payments", `
			INSERT INTO projections.funding_payments
				(sequence, record_index, user_id, market_index, ts, funding_payment, base_asset_amount)
			SELECT sequence, record_index,
				(payload->>'User')::uuid,
				market_index, ts,
				(payload->>'FundingPayment')::bigint,
				(payload->>'BaseAssetAmount')::bigint
			FROM risk_log.records
			WHERE record_type = 'funding_payment'`},
		{"funding rates", `
			INSERT INTO projections.funding_rates
				(sequence, record_index, market_index, ts, funding_rate, funding_rate_long, funding_rate_short,
				 oracle_price_twap, mark_price_twap)
			SELECT sequence, record_index, market_index, ts,
				(payload->>'FundingRate')::bigint,
				(payload->>'FundingRateLong')::bigint,
				(payload->>'FundingRateShort')::bigint,
				(payload->>'OraclePriceTwap')::bigint,
				(payload->>'MarkPriceTwap')::bigint
			FROM risk_log.records
			WHERE record_type = 'funding_rate'`},
		{"liquidations", `
			INSERT INTO projections.liquidations
				(sequence, record_index, user_id, liquidator_id, liquidation_id, liquidation_type,
				 market_index, ts, bankrupt, margin_freed)
			SELECT sequence, record_index,
				(payload->>'User')::uuid,
				(payload->>'Liquidator')::uuid,
				(payload->>'LiquidationID')::int,
				CASE (payload->>'LiquidationType')::int
					WHEN 0 THEN 'liquidate_perp'
					WHEN 1 THEN 'liquidate_spot'
					WHEN 2 THEN 'liquidate_borrow_for_perp_pnl'
					WHEN 3 THEN 'liquidate_perp_pnl_for_deposit'
					WHEN 4 THEN 'perp_bankruptcy'
					ELSE 'spot_bankruptcy'
				END,
				market_index, ts,
				(payload->>'Bankrupt')::boolean,
				(payload->>'MarginFreed')::bigint
			FROM risk_log.records
			WHERE record_type = 'liquidation'`},
		{"watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT 'main', COALESCE(MAX(sequence), -1), NOW()
			FROM risk_log.instructions`},
	}
	for _, r := range rebuild {
		if _, err := db.ExecContext(ctx, r.stmt); err != nil {
			return fmt.Errorf("rebuild %s: %w", r.name, err)
		}
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
