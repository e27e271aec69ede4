// internal/valuation/types.go
package valuation

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Placeholder is displayed for the sentinel token, which never carries value.
const Placeholder = "-----"

// ErrTotalConversionUnavailable marks a cycle whose reference→base conversion
// failed. It is recorded on the Valuation, never returned.
var ErrTotalConversionUnavailable = errors.New("total conversion unavailable")

// Options parameterise one computation.
type Options struct {
	// ReferenceName is the registry name of the reference token. A held token
	// with this name is converted directly without a quote.
	ReferenceName    string         `json:"referenceName,omitempty"`
	ReferenceAddress common.Address `json:"stateAddress"`
	// ReferenceDecimals defaults to 18.
	ReferenceDecimals int            `json:"referenceDecimals,omitempty"`
	BaseAddress       common.Address `json:"wplsAddress"`
	// BaseDecimals defaults to 18.
	BaseDecimals int `json:"baseDecimals,omitempty"`
	// SentinelName is the zero-value token that always shows Placeholder.
	SentinelName string `json:"sentinelName,omitempty"`
	// OnlyTotal skips the per-token breakdown.
	OnlyTotal bool `json:"onlyTotal,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.ReferenceDecimals <= 0 {
		o.ReferenceDecimals = 18
	}
	if o.BaseDecimals <= 0 {
		o.BaseDecimals = 18
	}
	return o
}

// Valuation is the aggregate result of one cycle. It is what crosses the
// offload channel and what the result cache persists.
type Valuation struct {
	Values    map[string]string `json:"values"`
	TotalSum  string            `json:"totalSum"`
	Timestamp time.Time         `json:"timestamp"`

	// TotalUnavailable is set when the final conversion failed: TotalSum is
	// "0" but the portfolio value is unknown, not zero.
	TotalUnavailable bool `json:"totalUnavailable,omitempty"`
	// Unpriced lists tokens whose quote failed and were counted as zero.
	Unpriced []string `json:"unpriced,omitempty"`
}

// Clone returns a deep copy.
func (v Valuation) Clone() Valuation {
	out := v
	if v.Values != nil {
		out.Values = make(map[string]string, len(v.Values))
		for k, val := range v.Values {
			out.Values[k] = val
		}
	}
	if v.Unpriced != nil {
		out.Unpriced = append([]string(nil), v.Unpriced...)
	}
	return out
}

// HasValues reports whether the valuation carries any per-token entries.
func (v Valuation) HasValues() bool {
	return len(v.Values) > 0
}
