// internal/claim/gate.go
package claim

import (
	"github.com/shopspring/decimal"
)

// OnChain carries the contract-reported figures. Nil pointers mean the
// value has not been read yet.
type OnChain struct {
	TotalValue     *decimal.Decimal
	RequiredValue  *decimal.Decimal
	Meets          *bool
	ClientRequired decimal.Decimal
	TotalInvested  decimal.Decimal
}

// Assessment is the outcome of the required-value gate.
type Assessment struct {
	Estimated       decimal.Decimal
	Required        decimal.Decimal
	Percent         int64
	Meets           bool
	EstimatedSource string // "amm", "chain" or "ratio"
	RequiredSource  string // "chain", "client" or "invested"
}

var hundred = decimal.NewFromInt(100)

// Assess compares the best available portfolio estimate with the required
// value. The estimate prefers the AMM figure, then the on-chain total, then
// the ratio estimate (computed lazily).
func Assess(amm *decimal.Decimal, chain OnChain, ratio func() decimal.Decimal) Assessment {
	var a Assessment

	switch {
	case amm != nil:
		a.Estimated, a.EstimatedSource = *amm, "amm"
	case chain.TotalValue != nil && !chain.TotalValue.IsNegative():
		a.Estimated, a.EstimatedSource = *chain.TotalValue, "chain"
	default:
		a.EstimatedSource = "ratio"
		if ratio != nil {
			a.Estimated = ratio()
		}
	}
	if a.Estimated.IsNegative() {
		a.Estimated = decimal.Zero
	}

	switch {
	case chain.RequiredValue != nil && !chain.RequiredValue.IsNegative():
		a.Required, a.RequiredSource = *chain.RequiredValue, "chain"
	case chain.ClientRequired.IsPositive():
		a.Required, a.RequiredSource = chain.ClientRequired, "client"
	default:
		a.RequiredSource = "invested"
		if chain.TotalInvested.IsPositive() {
			a.Required = chain.TotalInvested
		}
	}

	if a.Required.IsPositive() {
		q, _ := a.Estimated.Mul(hundred).QuoRem(a.Required, 0)
		a.Percent = q.IntPart()
	}
	a.Meets = (chain.Meets != nil && *chain.Meets) ||
		(a.Required.IsPositive() && a.Estimated.GreaterThanOrEqual(a.Required))
	return a
}
