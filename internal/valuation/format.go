package valuation

import (
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/holiman/uint256"
)

// FormatDisplay renders an amount of the display unit for a per-token row:
// whole units are grouped by thousands with no fraction, amounts under one
// unit keep four fractional digits (truncated).
func FormatDisplay(amount *uint256.Int, decimals int) string {
	if amount == nil || amount.IsZero() {
		return "0"
	}
	whole, frac := split(amount, decimals)
	if whole.Sign() != 0 {
		return humanize.BigComma(whole)
	}
	digits := frac.Text(10)
	if pad := decimals - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	digits += "0000"
	return "0." + digits[:4]
}

// FormatWhole renders only the grouped integer part of an amount.
func FormatWhole(amount *uint256.Int, decimals int) string {
	if amount == nil || amount.IsZero() {
		return "0"
	}
	whole, _ := split(amount, decimals)
	return humanize.BigComma(whole)
}

func split(amount *uint256.Int, decimals int) (*big.Int, *big.Int) {
	if decimals < 0 {
		decimals = 0
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).QuoRem(amount.ToBig(), unit, new(big.Int))
}
