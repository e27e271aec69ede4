package token

import (
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Default PulseChain addresses used when the registry cannot resolve the
// reference or wrapped native token.
var (
	DefaultReferenceAddress = common.HexToAddress("0x233fDa1043d9fbE59Fe89fA0492644430C67C35a")
	DefaultBaseAddress      = common.HexToAddress("0xA1077a294dDE1B09bB078844df40758a5D0f9a27")
)

// AddressSource tells which resolution step produced an address.
type AddressSource string

const (
	SourceRegistry AddressSource = "registry"
	SourceSymbol   AddressSource = "symbol"
	SourceDefault  AddressSource = "default"
)

// Addresses are the two routing anchors of a valuation.
type Addresses struct {
	Reference       common.Address
	Base            common.Address
	ReferenceSource AddressSource
	BaseSource      AddressSource
}

// ResolveConfig drives address resolution.
type ResolveConfig struct {
	ChainID          int64
	ReferenceName    string
	WrappedSymbol    string
	DefaultReference common.Address
	DefaultBase      common.Address
}

// WrappedNativeKey returns the registry name of the wrapped native token
// for a chain. Unknown chains use the PulseChain key.
func WrappedNativeKey(chainID int64) string {
	switch chainID {
	case 146:
		return "Wrapped Sonic"
	case 137:
		return "Wrapped Matic"
	case 1:
		return "Wrapped Ether"
	default:
		return "Wrapped Pulse"
	}
}

// ResolveAddresses finds the reference and base addresses. The reference
// comes from the registry entry named ReferenceName. The base tries the
// chain's wrapped native key, then a scan for WrappedSymbol. Both fall back
// to hardcoded defaults.
func ResolveAddresses(r Registry, cfg ResolveConfig, logger *zap.Logger) Addresses {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultReference == (common.Address{}) {
		cfg.DefaultReference = DefaultReferenceAddress
	}
	if cfg.DefaultBase == (common.Address{}) {
		cfg.DefaultBase = DefaultBaseAddress
	}

	out := Addresses{
		Reference:       cfg.DefaultReference,
		Base:            cfg.DefaultBase,
		ReferenceSource: SourceDefault,
		BaseSource:      SourceDefault,
	}

	if info, ok := r.Lookup(cfg.ReferenceName); ok {
		if addr, ok := ParseAddress(info.Address); ok {
			out.Reference = addr
			out.ReferenceSource = SourceRegistry
		}
	}

	key := WrappedNativeKey(cfg.ChainID)
	if info, ok := r.Lookup(key); ok {
		if addr, ok := ParseAddress(info.Address); ok {
			out.Base = addr
			out.BaseSource = SourceRegistry
		}
	}
	if out.BaseSource == SourceDefault && cfg.WrappedSymbol != "" {
		if _, info, ok := r.BySymbol(cfg.WrappedSymbol); ok {
			if addr, ok := ParseAddress(info.Address); ok {
				out.Base = addr
				out.BaseSource = SourceSymbol
			}
		}
	}

	if out.ReferenceSource == SourceDefault {
		logger.Warn("Reference token not found in registry, using default address",
			zap.String("name", cfg.ReferenceName),
			zap.String("address", out.Reference.Hex()))
	}
	if out.BaseSource == SourceDefault {
		logger.Warn("Wrapped native token not found in registry, using default address",
			zap.String("key", key),
			zap.String("symbol", cfg.WrappedSymbol),
			zap.String("address", out.Base.Hex()))
	}

	return out
}
