package ledger

import (
	"errors"
	"fmt"

	"PerpRisk/internal/state"
)

// Violation is one market aggregate that disagrees with its accounts.
type Violation struct {
	Market   string `json:"market"`
	Field    string `json:"field"`
	Recorded string `json:"recorded"`
	Computed string `json:"computed"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s %s: recorded %s, accounts sum to %s", v.Market, v.Field, v.Recorded, v.Computed)
}

// InvariantValidator checks market aggregates against a tracker.
type InvariantValidator struct {
	tracker *BalanceTracker
	spot    map[uint16]*SpotTotals
	perp    map[uint16]*PerpTotals
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
		spot:    tracker.ComputeSpotTotals(),
		perp:    tracker.ComputePerpTotals(),
	}
}

// ValidateSpotMarket requires DepositBalance to equal user deposits plus the
// pools held in the market, and BorrowBalance to equal user borrows.
func (v *InvariantValidator) ValidateSpotMarket(m *state.SpotMarket) []Violation {
	t := v.spot[m.MarketIndex]
	if t == nil {
		t = &SpotTotals{}
	}
	market := fmt.Sprintf("spot:%d", m.MarketIndex)

	var out []Violation
	if t.Overflow {
		out = append(out, Violation{Market: market, Field: "scaled_balances", Recorded: "-", Computed: "overflow"})
	}
	out = appendIfDiff(out, market, "deposit_balance", m.DepositBalance, t.Deposits)
	out = appendIfDiff(out, market, "borrow_balance", m.BorrowBalance, t.Borrows)
	return out
}

// ValidatePerpMarket requires the AMM's long, short and quote totals and the
// market's user counts to match the positions.
func (v *InvariantValidator) ValidatePerpMarket(m *state.PerpMarket) []Violation {
	t := v.perp[m.MarketIndex]
	if t == nil {
		t = &PerpTotals{}
	}
	market := fmt.Sprintf("perp:%d", m.MarketIndex)

	var out []Violation
	if t.Overflow {
		out = append(out, Violation{Market: market, Field: "positions", Recorded: "-", Computed: "overflow"})
	}
	out = appendIfDiff(out, market, "base_asset_amount_long", m.AMM.BaseAssetAmountLong, t.Long)
	out = appendIfDiff(out, market, "base_asset_amount_short", m.AMM.BaseAssetAmountShort, t.Short)
	out = appendIfDiff(out, market, "quote_asset_amount", m.AMM.QuoteAssetAmount, t.Quote)
	out = appendIfDiff(out, market, "number_of_users", m.NumberOfUsers, t.Users)
	out = appendIfDiff(out, market, "number_of_users_with_base", m.NumberOfUsersWithBase, t.UsersWithBase)
	return out
}

func appendIfDiff[T comparable](out []Violation, market, field string, recorded, computed T) []Violation {
	if recorded == computed {
		return out
	}
	return append(out, Violation{
		Market:   market,
		Field:    field,
		Recorded: fmt.Sprint(recorded),
		Computed: fmt.Sprint(computed),
	})
}

// Report is the outcome of one audit.
type Report struct {
	Users       int         `json:"users"`
	SpotMarkets int         `json:"spot_markets"`
	PerpMarkets int         `json:"perp_markets"`
	Violations  []Violation `json:"violations,omitempty"`
}

func (r Report) IsHealthy() bool {
	return len(r.Violations) == 0
}

// Err joins the violations, or returns nil for a healthy report.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Violations))
	for _, v := range r.Violations {
		errs = append(errs, v)
	}
	return errors.Join(errs...)
}

// Audit tracks every user and pool and validates each market, spot markets
// first, both in index order.
func Audit(users []*state.User, perpMarkets *state.PerpMarketMap, spotMarkets *state.SpotMarketMap) Report {
	tracker := NewBalanceTracker()
	for _, u := range users {
		tracker.TrackUser(u)
	}

	spotIdx := spotMarkets.Indexes()
	perpIdx := perpMarkets.Indexes()
	for _, idx := range spotIdx {
		m, _ := spotMarkets.Get(idx)
		tracker.TrackSpotMarket(m)
	}
	for _, idx := range perpIdx {
		m, _ := perpMarkets.Get(idx)
		tracker.TrackPerpMarket(m)
	}

	validator := NewInvariantValidator(tracker)
	report := Report{Users: len(users), SpotMarkets: len(spotIdx), PerpMarkets: len(perpIdx)}
	for _, idx := range spotIdx {
		m, _ := spotMarkets.Get(idx)
		report.Violations = append(report.Violations, validator.ValidateSpotMarket(m)...)
	}
	for _, idx := range perpIdx {
		m, _ := perpMarkets.Get(idx)
		report.Violations = append(report.Violations, validator.ValidatePerpMarket(m)...)
	}
	return report
}
