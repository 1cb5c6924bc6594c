// Package config loads the exchange bootstrap: global parameters, spot and
// perp markets and the initial oracle snapshot. Human-readable decimals in
// the file are converted to the fixed-point precisions of the state types.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"PerpRisk/internal/amm"
	"PerpRisk/internal/core"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

var ErrInvalidConfig = errors.New("invalid market config")

type Config struct {
	Exchange    ExchangeConfig     `yaml:"exchange"`
	Oracles     []OracleConfig     `yaml:"oracles"`
	SpotMarkets []SpotMarketConfig `yaml:"spot_markets"`
	PerpMarkets []PerpMarketConfig `yaml:"perp_markets"`
	// Slot is the oracle snapshot slot at bootstrap.
	Slot uint64 `yaml:"slot"`
}

// ExchangeConfig overrides state.DefaultState. Zero values keep the default.
type ExchangeConfig struct {
	LiquidationMarginBuffer    string    `yaml:"liquidation_margin_buffer"` // fraction, e.g. "0.02"
	InitialPctToLiquidate      string    `yaml:"initial_pct_to_liquidate"`  // fraction
	LiquidationDuration        uint8     `yaml:"liquidation_duration"`
	MinPerpAuctionDuration     uint8     `yaml:"min_perp_auction_duration"`
	DefaultSpotAuctionDuration uint8     `yaml:"default_spot_auction_duration"`
	MaxNumberOfSubAccounts     uint16    `yaml:"max_number_of_sub_accounts"`
	PerpFees                   FeeConfig `yaml:"perp_fees"`
	SpotFees                   FeeConfig `yaml:"spot_fees"`
}

// FeeConfig replaces the bottom fee tier. Higher tiers never charge more.
type FeeConfig struct {
	TakerBps       string `yaml:"taker_bps"`
	MakerRebateBps string `yaml:"maker_rebate_bps"`
}

type OracleConfig struct {
	ID         uint32 `yaml:"id"`
	Price      string `yaml:"price"`
	Confidence string `yaml:"confidence"`
}

type SpotMarketConfig struct {
	Index    uint16 `yaml:"index"`
	Name     string `yaml:"name"`
	Oracle   uint32 `yaml:"oracle"`
	Quote    bool   `yaml:"quote"`
	Decimals uint32 `yaml:"decimals"`
	Status   string `yaml:"status"`

	InitialAssetWeight         string `yaml:"initial_asset_weight"`
	MaintenanceAssetWeight     string `yaml:"maintenance_asset_weight"`
	InitialLiabilityWeight     string `yaml:"initial_liability_weight"`
	MaintenanceLiabilityWeight string `yaml:"maintenance_liability_weight"`
	LiquidatorFee              string `yaml:"liquidator_fee"`
	IfLiquidationFee           string `yaml:"if_liquidation_fee"`

	OptimalUtilization string `yaml:"optimal_utilization"`
	OptimalBorrowRate  string `yaml:"optimal_borrow_rate"`
	MaxBorrowRate      string `yaml:"max_borrow_rate"`
	InsuranceFactor    string `yaml:"insurance_factor"`

	OrderStepSize string `yaml:"order_step_size"` // tokens
	MinOrderSize  string `yaml:"min_order_size"`
}

type PerpMarketConfig struct {
	Index  uint16 `yaml:"index"`
	Name   string `yaml:"name"`
	Oracle uint32 `yaml:"oracle"`
	Status string `yaml:"status"`
	Tier   string `yaml:"tier"`

	BaseReserve   string `yaml:"base_reserve"` // base units on each side of the curve
	Peg           string `yaml:"peg"`          // price
	FundingPeriod int64  `yaml:"funding_period"`

	MarginRatioInitial     string `yaml:"margin_ratio_initial"`
	MarginRatioMaintenance string `yaml:"margin_ratio_maintenance"`
	LiquidatorFee          string `yaml:"liquidator_fee"`
	IfLiquidationFee       string `yaml:"if_liquidation_fee"`
	BaseSpread             string `yaml:"base_spread"`
	MaxSpread              string `yaml:"max_spread"`
	AmmJitIntensity        uint8  `yaml:"amm_jit_intensity"`
	Concentration          string `yaml:"concentration"` // defaults to the widest allowed

	OrderStepSize string `yaml:"order_step_size"` // base units
	MinOrderSize  string `yaml:"min_order_size"`
	MaxInsurance  string `yaml:"max_insurance"` // quote
}

// Load reads and validates a bootstrap file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return Parse(body)
}

func Parse(body []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(body))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross references: one quote spot market at index 0, unique
// indexes, and every market pointing at a configured oracle.
func (c *Config) Validate() error {
	oracles := make(map[uint32]bool, len(c.Oracles))
	for _, o := range c.Oracles {
		if oracles[o.ID] {
			return fmt.Errorf("%w: duplicate oracle %d", ErrInvalidConfig, o.ID)
		}
		oracles[o.ID] = true
	}

	spot := make(map[uint16]bool, len(c.SpotMarkets))
	quotes := 0
	for _, m := range c.SpotMarkets {
		if spot[m.Index] {
			return fmt.Errorf("%w: duplicate spot market %d", ErrInvalidConfig, m.Index)
		}
		spot[m.Index] = true
		if m.Quote {
			quotes++
			if m.Index != fpmath.QuoteSpotMarketIndex {
				return fmt.Errorf("%w: quote spot market must be index %d", ErrInvalidConfig, fpmath.QuoteSpotMarketIndex)
			}
		} else if !oracles[m.Oracle] {
			return fmt.Errorf("%w: spot market %d: unknown oracle %d", ErrInvalidConfig, m.Index, m.Oracle)
		}
		if m.Decimals < 5 || m.Decimals > 19 {
			return fmt.Errorf("%w: spot market %d: decimals %d", ErrInvalidConfig, m.Index, m.Decimals)
		}
	}
	if quotes != 1 {
		return fmt.Errorf("%w: exactly one quote spot market required, got %d", ErrInvalidConfig, quotes)
	}

	perp := make(map[uint16]bool, len(c.PerpMarkets))
	for _, m := range c.PerpMarkets {
		if perp[m.Index] {
			return fmt.Errorf("%w: duplicate perp market %d", ErrInvalidConfig, m.Index)
		}
		perp[m.Index] = true
		if !oracles[m.Oracle] {
			return fmt.Errorf("%w: perp market %d: unknown oracle %d", ErrInvalidConfig, m.Index, m.Oracle)
		}
	}
	return nil
}

// Build converts the file into the core's bootstrap exchange.
func (c *Config) Build() (core.Exchange, error) {
	st, err := c.Exchange.build()
	if err != nil {
		return core.Exchange{}, err
	}

	oracles := state.NewOracleMap(c.Slot)
	prices := make(map[uint32]int64, len(c.Oracles))
	for _, o := range c.Oracles {
		price, err := scaled(o.Price, fpmath.PricePrecisionU64)
		if err != nil {
			return core.Exchange{}, fmt.Errorf("oracle %d price: %w", o.ID, err)
		}
		conf, err := scaled(o.Confidence, fpmath.PricePrecisionU64)
		if err != nil {
			return core.Exchange{}, fmt.Errorf("oracle %d confidence: %w", o.ID, err)
		}
		oracles.Set(state.OracleID(o.ID), state.OraclePriceData{
			Price:                           int64(price),
			Confidence:                      conf,
			HasSufficientNumberOfDataPoints: true,
		})
		prices[o.ID] = int64(price)
	}

	ex := core.Exchange{State: st, Oracles: oracles}
	for _, m := range c.SpotMarkets {
		market, err := m.build(prices[m.Oracle])
		if err != nil {
			return core.Exchange{}, fmt.Errorf("spot market %d: %w", m.Index, err)
		}
		ex.SpotMarkets = append(ex.SpotMarkets, market)
	}
	for _, m := range c.PerpMarkets {
		market, err := m.build(prices[m.Oracle])
		if err != nil {
			return core.Exchange{}, fmt.Errorf("perp market %d: %w", m.Index, err)
		}
		ex.PerpMarkets = append(ex.PerpMarkets, market)
	}
	return ex, nil
}

func (e ExchangeConfig) build() (state.State, error) {
	st := state.DefaultState()

	if v, err := scaled(e.LiquidationMarginBuffer, fpmath.MarginPrecision); err != nil {
		return st, fmt.Errorf("liquidation_margin_buffer: %w", err)
	} else if e.LiquidationMarginBuffer != "" {
		st.LiquidationMarginBufferRatio = uint32(v)
	}
	if v, err := scaled(e.InitialPctToLiquidate, fpmath.LiquidationPctPrecision); err != nil {
		return st, fmt.Errorf("initial_pct_to_liquidate: %w", err)
	} else if e.InitialPctToLiquidate != "" {
		st.InitialPctToLiquidate = uint16(v)
	}
	if e.LiquidationDuration != 0 {
		st.LiquidationDuration = e.LiquidationDuration
	}
	if e.MinPerpAuctionDuration != 0 {
		st.MinPerpAuctionDuration = e.MinPerpAuctionDuration
	}
	if e.DefaultSpotAuctionDuration != 0 {
		st.DefaultSpotAuctionDuration = e.DefaultSpotAuctionDuration
	}
	if e.MaxNumberOfSubAccounts != 0 {
		st.MaxNumberOfSubAccounts = e.MaxNumberOfSubAccounts
	}
	if err := e.PerpFees.apply(&st.PerpFeeStructure); err != nil {
		return st, fmt.Errorf("perp_fees: %w", err)
	}
	if err := e.SpotFees.apply(&st.SpotFeeStructure); err != nil {
		return st, fmt.Errorf("spot_fees: %w", err)
	}
	return st, nil
}

// apply rewrites the bottom tier in parts per 100_000 and caps every higher
// tier at the new bottom rate.
func (f FeeConfig) apply(fs *state.FeeStructure) error {
	const denominator = 100_000
	if f.TakerBps != "" {
		taker, err := scaled(f.TakerBps, 10) // 1bp = 10 / 100_000
		if err != nil {
			return err
		}
		for i := range fs.FeeTiers {
			tier := &fs.FeeTiers[i]
			if i == 0 || uint64(tier.FeeNumerator)*denominator > taker*uint64(tier.FeeDenominator) {
				tier.FeeNumerator = uint32(taker)
				tier.FeeDenominator = denominator
			}
		}
	}
	if f.MakerRebateBps != "" {
		rebate, err := scaled(f.MakerRebateBps, 10)
		if err != nil {
			return err
		}
		for i := range fs.FeeTiers {
			fs.FeeTiers[i].MakerRebateNumerator = uint32(rebate)
			fs.FeeTiers[i].MakerRebateDenominator = denominator
		}
	}
	return nil
}

func (m SpotMarketConfig) build(oraclePrice int64) (*state.SpotMarket, error) {
	status, err := parseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	market := &state.SpotMarket{
		MarketIndex:               m.Index,
		Name:                      state.EncodeName(m.Name),
		Decimals:                  m.Decimals,
		Status:                    status,
		AssetTier:                 state.AssetTierCollateral,
		CumulativeDepositInterest: fpmath.SpotCumulativeInterestPrecision,
		CumulativeBorrowInterest:  fpmath.SpotCumulativeInterestPrecision,
		RevenuePool:               state.PoolBalance{MarketIndex: m.Index},
		OrderTickSize:             1,
	}
	if m.Quote {
		market.OracleSource = state.OracleSourceQuoteAsset
		oraclePrice = fpmath.PricePrecision
	} else {
		market.Oracle = state.OracleID(m.Oracle)
		market.OracleSource = state.OracleSourceFeed
	}
	market.HistoricalOracleData = historical(oraclePrice)

	tokenPrecision, err := fpmath.Pow10(m.Decimals)
	if err != nil {
		return nil, err
	}
	fields := []struct {
		name      string
		raw       string
		precision uint64
		def       uint64
		set       func(uint64)
	}{
		{"initial_asset_weight", m.InitialAssetWeight, fpmath.SpotWeightPrecision, fpmath.SpotWeightPrecision, func(v uint64) { market.InitialAssetWeight = uint32(v) }},
		{"maintenance_asset_weight", m.MaintenanceAssetWeight, fpmath.SpotWeightPrecision, fpmath.SpotWeightPrecision, func(v uint64) { market.MaintenanceAssetWeight = uint32(v) }},
		{"initial_liability_weight", m.InitialLiabilityWeight, fpmath.SpotWeightPrecision, fpmath.SpotWeightPrecision, func(v uint64) { market.InitialLiabilityWeight = uint32(v) }},
		{"maintenance_liability_weight", m.MaintenanceLiabilityWeight, fpmath.SpotWeightPrecision, fpmath.SpotWeightPrecision, func(v uint64) { market.MaintenanceLiabilityWeight = uint32(v) }},
		{"liquidator_fee", m.LiquidatorFee, fpmath.LiquidationFeePrecision, 0, func(v uint64) { market.LiquidatorFee = uint32(v) }},
		{"if_liquidation_fee", m.IfLiquidationFee, fpmath.LiquidationFeePrecision, 0, func(v uint64) { market.IfLiquidationFee = uint32(v) }},
		{"optimal_utilization", m.OptimalUtilization, fpmath.SpotUtilizationPrecision, 800_000, func(v uint64) { market.OptimalUtilization = uint32(v) }},
		{"optimal_borrow_rate", m.OptimalBorrowRate, fpmath.SpotRatePrecision, 100_000, func(v uint64) { market.OptimalBorrowRate = uint32(v) }},
		{"max_borrow_rate", m.MaxBorrowRate, fpmath.SpotRatePrecision, 1_000_000, func(v uint64) { market.MaxBorrowRate = uint32(v) }},
		{"insurance_factor", m.InsuranceFactor, fpmath.PercentagePrecision, 0, func(v uint64) { market.InsuranceFund.TotalFactor = uint32(v) }},
		{"order_step_size", m.OrderStepSize, tokenPrecision, 1, func(v uint64) { market.OrderStepSize = v }},
		{"min_order_size", m.MinOrderSize, tokenPrecision, 0, func(v uint64) { market.MinOrderSize = v }},
	}
	for _, f := range fields {
		if err := setScaled(f.name, f.raw, f.precision, f.def, f.set); err != nil {
			return nil, err
		}
	}
	if market.InitialAssetWeight > market.MaintenanceAssetWeight ||
		market.InitialLiabilityWeight < market.MaintenanceLiabilityWeight {
		return nil, fmt.Errorf("%w: initial weights must be stricter than maintenance", ErrInvalidConfig)
	}
	return market, nil
}

func (m PerpMarketConfig) build(oraclePrice int64) (*state.PerpMarket, error) {
	status, err := parseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	tier, err := parseTier(m.Tier)
	if err != nil {
		return nil, err
	}
	reserve, err := scaled(m.BaseReserve, fpmath.AmmReservePrecision)
	if err != nil || reserve == 0 {
		return nil, fmt.Errorf("%w: base_reserve %q", ErrInvalidConfig, m.BaseReserve)
	}
	peg, err := scaled(m.Peg, fpmath.PegPrecision)
	if err != nil || peg == 0 {
		return nil, fmt.Errorf("%w: peg %q", ErrInvalidConfig, m.Peg)
	}
	fundingPeriod := m.FundingPeriod
	if fundingPeriod == 0 {
		fundingPeriod = fpmath.OneHour
	}

	market := &state.PerpMarket{
		MarketIndex: m.Index,
		Name:        state.EncodeName(m.Name),
		AMM: state.AMM{
			Oracle:                 state.OracleID(m.Oracle),
			OracleSource:           state.OracleSourceFeed,
			HistoricalOracleData:   historical(oraclePrice),
			BaseAssetReserve:       reserve,
			QuoteAssetReserve:      reserve,
			SqrtK:                  reserve,
			PegMultiplier:          peg,
			BidBaseAssetReserve:    reserve,
			BidQuoteAssetReserve:   reserve,
			AskBaseAssetReserve:    reserve,
			AskQuoteAssetReserve:   reserve,
			FundingPeriod:          fundingPeriod,
			LastMarkPriceTwap:      peg,
			LastMarkPriceTwap5Min:  peg,
			OrderTickSize:          1,
			AmmJitIntensity:        m.AmmJitIntensity,
			MaxFillReserveFraction: 10,
			MaxSlippageRatio:       10,
			FeePool:                state.PoolBalance{MarketIndex: fpmath.QuoteSpotMarketIndex},
		},
		Status:                              status,
		ContractType:                        state.ContractTypePerpetual,
		ContractTier:                        tier,
		UnrealizedPnlInitialAssetWeight:     uint32(fpmath.SpotWeightPrecision),
		UnrealizedPnlMaintenanceAssetWeight: uint32(fpmath.SpotWeightPrecision),
		QuoteSpotMarketIndex:                fpmath.QuoteSpotMarketIndex,
		PnlPool:                             state.PoolBalance{MarketIndex: fpmath.QuoteSpotMarketIndex},
	}

	var concentration uint64
	fields := []struct {
		name      string
		raw       string
		precision uint64
		def       uint64
		set       func(uint64)
	}{
		{"margin_ratio_initial", m.MarginRatioInitial, fpmath.MarginPrecision, 1_000, func(v uint64) { market.MarginRatioInitial = uint32(v) }},
		{"margin_ratio_maintenance", m.MarginRatioMaintenance, fpmath.MarginPrecision, 500, func(v uint64) { market.MarginRatioMaintenance = uint32(v) }},
		{"liquidator_fee", m.LiquidatorFee, fpmath.LiquidationFeePrecision, 10_000, func(v uint64) { market.LiquidatorFee = uint32(v) }},
		{"if_liquidation_fee", m.IfLiquidationFee, fpmath.LiquidationFeePrecision, 10_000, func(v uint64) { market.IfLiquidationFee = uint32(v) }},
		{"base_spread", m.BaseSpread, fpmath.BidAskSpreadPrecision, 0, func(v uint64) { market.AMM.BaseSpread = uint32(v) }},
		{"max_spread", m.MaxSpread, fpmath.BidAskSpreadPrecision, 50_000, func(v uint64) { market.AMM.MaxSpread = uint32(v) }},
		{"order_step_size", m.OrderStepSize, fpmath.BasePrecisionU64, 10_000_000, func(v uint64) { market.AMM.OrderStepSize = v }},
		{"min_order_size", m.MinOrderSize, fpmath.BasePrecisionU64, 10_000_000, func(v uint64) { market.AMM.MinOrderSize = v }},
		{"max_insurance", m.MaxInsurance, fpmath.QuotePrecisionU64, 0, func(v uint64) { market.InsuranceClaim.QuoteMaxInsurance = v }},
		{"concentration", m.Concentration, fpmath.ConcentrationPrecision, fpmath.MaxConcentrationCoefficient, func(v uint64) { concentration = v }},
	}
	for _, f := range fields {
		if err := setScaled(f.name, f.raw, f.precision, f.def, f.set); err != nil {
			return nil, err
		}
	}
	if err := amm.UpdateConcentration(&market.AMM, concentration); err != nil {
		return nil, fmt.Errorf("%w: concentration %q: %w", ErrInvalidConfig, m.Concentration, err)
	}
	if market.MarginRatioInitial <= market.MarginRatioMaintenance {
		return nil, fmt.Errorf("%w: margin_ratio_initial must exceed margin_ratio_maintenance", ErrInvalidConfig)
	}
	return market, nil
}

func historical(price int64) state.HistoricalOracleData {
	return state.HistoricalOracleData{
		LastOraclePrice:         price,
		LastOraclePriceTwap:     price,
		LastOraclePriceTwap5Min: price,
	}
}

func parseStatus(s string) (state.MarketStatus, error) {
	if s == "" {
		return state.MarketStatusActive, nil
	}
	for st := state.MarketStatusInitialized; st <= state.MarketStatusDelisted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: status %q", ErrInvalidConfig, s)
}

var tiers = map[string]state.ContractTier{
	"":                   state.ContractTierA,
	"a":                  state.ContractTierA,
	"b":                  state.ContractTierB,
	"c":                  state.ContractTierC,
	"speculative":        state.ContractTierSpeculative,
	"highly_speculative": state.ContractTierHighlySpeculative,
	"isolated":           state.ContractTierIsolated,
}

func parseTier(s string) (state.ContractTier, error) {
	t, ok := tiers[s]
	if !ok {
		return 0, fmt.Errorf("%w: tier %q", ErrInvalidConfig, s)
	}
	return t, nil
}

func setScaled(name, raw string, precision, def uint64, set func(uint64)) error {
	if raw == "" {
		set(def)
		return nil
	}
	v, err := scaled(raw, precision)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	set(v)
	return nil
}

// scaled parses a non-negative decimal and multiplies it by precision. The
// result must be exact: "0.0000001" at 1e6 precision is an error, not zero.
func scaled(raw string, precision uint64) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidConfig, raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidConfig, raw)
	}
	v := d.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(precision), 0))
	if !v.Equal(v.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more decimals than precision %d", ErrInvalidConfig, raw, precision)
	}
	if !v.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidConfig, raw)
	}
	return v.BigInt().Uint64(), nil
}
