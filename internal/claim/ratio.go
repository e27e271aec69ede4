// internal/claim/ratio.go
package claim

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
)

// RatioEstimator values a portfolio from fixed exchange ratios instead of
// live quotes. It is the last resort when the engine cannot deliver.
type RatioEstimator struct {
	// TokenRatios is reference tokens per one unit of each token.
	TokenRatios map[string]decimal.Decimal
	// ReferenceToBase is base units per one reference token.
	ReferenceToBase decimal.Decimal
	ReferenceName   string
	SentinelName    string
}

// Estimate returns the portfolio value in base units. Unparsable or
// negative balances and missing ratios contribute nothing.
func (r RatioEstimator) Estimate(tokens []token.Descriptor, balances token.Balances) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range tokens {
		sum = sum.Add(r.tokenValue(t.Name, balances))
	}
	return sum
}

// Valuation renders the estimate in the same shape as an engine result so
// it can stand in for one.
func (r RatioEstimator) Valuation(tokens []token.Descriptor, balances token.Balances) (valuation.Valuation, bool) {
	if !r.ReferenceToBase.IsPositive() {
		return valuation.Valuation{}, false
	}

	v := valuation.Valuation{Values: make(map[string]string, len(tokens))}
	total := decimal.Zero
	for _, t := range tokens {
		if r.SentinelName != "" && t.Name == r.SentinelName {
			v.Values[t.Name] = valuation.Placeholder
			continue
		}
		value := r.tokenValue(t.Name, balances)
		total = total.Add(value)
		v.Values[t.Name] = valuation.FormatDisplay(toUnits(value), token.DefaultDecimals)
	}
	v.TotalSum = valuation.FormatWhole(toUnits(total), token.DefaultDecimals)
	return v, true
}

func (r RatioEstimator) tokenValue(name string, balances token.Balances) decimal.Decimal {
	if r.SentinelName != "" && name == r.SentinelName {
		return decimal.Zero
	}
	bal := parseAmount(balances.Get(name))
	if bal.IsZero() || !r.ReferenceToBase.IsPositive() {
		return decimal.Zero
	}
	if name == r.ReferenceName {
		return bal.Mul(r.ReferenceToBase)
	}
	ratio, ok := r.TokenRatios[name]
	if !ok || !ratio.IsPositive() {
		return decimal.Zero
	}
	return bal.Mul(ratio).Mul(r.ReferenceToBase)
}

// parseAmount reads a display-unit number, tolerating thousands separators.
// Anything unparsable, negative or non-finite is zero.
func parseAmount(s string) decimal.Decimal {
	d, ok := token.ParseDecimal(stripCommas(s))
	if !ok {
		return decimal.Zero
	}
	return d
}

// maxUnits is the largest display amount whose smallest-unit form fits in
// a uint256.
var maxUnits = decimal.NewFromBigInt(new(uint256.Int).SetAllOne().ToBig(), -token.DefaultDecimals)

func toUnits(d decimal.Decimal) *uint256.Int {
	if !d.IsPositive() {
		return new(uint256.Int)
	}
	if d.GreaterThanOrEqual(maxUnits) {
		return new(uint256.Int).SetAllOne()
	}
	out, _ := uint256.FromBig(d.Shift(token.DefaultDecimals).Truncate(0).BigInt())
	return out
}
