package math

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Human-readable renderings of fixed-point values for logs and query
// responses. Arithmetic on state never goes through decimal.

func FormatPrice(v int64) string {
	return decimal.New(v, -6).String()
}

func FormatQuote(v int64) string {
	return decimal.New(v, -6).String()
}

func FormatBase(v int64) string {
	return decimal.New(v, -9).String()
}

// FormatScaled renders v with the given number of implied decimals.
func FormatScaled(v int64, decimals int32) string {
	return decimal.New(v, -decimals).String()
}

// FormatScaledU renders an unsigned value with the given implied decimals.
func FormatScaledU(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).String()
}
