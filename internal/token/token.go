// internal/token/token.go
package token

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Descriptor identifies a held token. Name is the unique key used by
// balance snapshots and valuation results.
type Descriptor struct {
	Name     string `json:"tokenName" yaml:"name"`
	Address  string `json:"address" yaml:"address"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// ResolvedAddress returns the checksummed router address of the token.
// The second result is false when the address is missing or malformed.
func (d Descriptor) ResolvedAddress() (common.Address, bool) {
	return ParseAddress(d.Address)
}

// Info is one registry entry.
type Info struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// Registry maps token name to its on-chain info.
type Registry map[string]Info

// Lookup returns the registry entry for name.
func (r Registry) Lookup(name string) (Info, bool) {
	if r == nil {
		return Info{}, false
	}
	info, ok := r[name]
	return info, ok
}

// BySymbol scans the registry for the first entry with the given symbol.
// Names are visited in sorted order so the scan is deterministic.
func (r Registry) BySymbol(symbol string) (string, Info, bool) {
	for _, name := range r.Names() {
		if info := r[name]; info.Symbol == symbol {
			return name, info, true
		}
	}
	return "", Info{}, false
}

// Decimals returns the decimals registered for name or def.
func (r Registry) Decimals(name string, def int) int {
	if info, ok := r.Lookup(name); ok && info.Decimals > 0 {
		return info.Decimals
	}
	return def
}

// Balances is a snapshot of wallet balances keyed by token name. Values are
// decimal strings as reported by the balance feed.
type Balances map[string]string

// Clone returns an independent copy of the snapshot.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Get returns the trimmed balance for name, "" when absent.
func (b Balances) Get(name string) string {
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b[name])
}

// ParseAddress validates and checksums a hex address.
func ParseAddress(raw string) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !common.IsHexAddress(trimmed) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}
