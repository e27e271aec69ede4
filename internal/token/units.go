package token

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is used when a token does not declare its decimals.
const DefaultDecimals = 18

const (
	// maxUnitDigits is the widest smallest-unit amount a uint256 can hold.
	maxUnitDigits = 78
	// maxFiniteDigits is the integer width past which a float64 is infinite.
	maxFiniteDigits = 309
)

// ParseUnits converts a human balance into the token's smallest unit.
// Fractional digits beyond decimals are truncated. Empty, malformed,
// non-finite, zero and negative balances all yield zero, and so does an
// amount that does not fit in 256 bits.
func ParseUnits(balance string, decimals int) *big.Int {
	if decimals < 0 {
		decimals = DefaultDecimals
	}
	d, ok := ParseDecimal(balance)
	if !ok {
		return new(big.Int)
	}

	// Ширина целой части после сдвига; проверяется до BigInt, который
	// иначе строит 10^exp для любого показателя из ввода
	width := integerDigits(d) + int64(decimals)
	if width <= 0 || width > maxUnitDigits {
		return new(big.Int)
	}
	out := d.Shift(int32(decimals)).Truncate(0).BigInt()
	if out.BitLen() > 256 {
		return new(big.Int)
	}
	return out
}

// ParseDecimal reads a strictly positive, finite number. Anything else
// reports false.
func ParseDecimal(balance string) (decimal.Decimal, bool) {
	raw := strings.TrimSpace(balance)
	if raw == "" || raw == "0" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() || !IsFinite(d) {
		return decimal.Zero, false
	}
	return d, true
}

// IsFinite reports whether d would survive conversion to float64 without
// becoming infinite.
func IsFinite(d decimal.Decimal) bool {
	return integerDigits(d) <= maxFiniteDigits
}

// IsPositive reports whether balance parses to a strictly positive, finite
// number.
func IsPositive(balance string) bool {
	_, ok := ParseDecimal(balance)
	return ok
}

// integerDigits is the count of digits left of the decimal point, negative
// for values below 0.1. It never expands the exponent.
func integerDigits(d decimal.Decimal) int64 {
	coef := d.Coefficient()
	coef.Abs(coef)
	digits := int64(len(coef.Text(10)))
	if coef.Sign() == 0 {
		digits = 0
	}
	return digits + int64(d.Exponent())
}
