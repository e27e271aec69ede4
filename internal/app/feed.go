package app

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/ssprotocol/amm-valuator/internal/claim"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"go.uber.org/zap"
)

// FeedSnapshot is one reading of the externally maintained holdings file.
type FeedSnapshot struct {
	ChainID          uint64
	Balances         token.Balances
	ReferenceHolding string
	Claimable        decimal.Decimal
	OnChain          claim.OnChain
}

// Balances are a list rather than a map: viper lower-cases map keys and
// token names are case sensitive.
type feedFile struct {
	ChainID uint64 `mapstructure:"chain_id"`
	Balances []struct {
		Token  string `mapstructure:"token"`
		Amount string `mapstructure:"amount"`
	} `mapstructure:"balances"`
	ReferenceHolding string `mapstructure:"reference_holding"`
	Claimable        string `mapstructure:"claimable"`
	OnChain          struct {
		TotalValue     string `mapstructure:"total_value"`
		RequiredValue  string `mapstructure:"required_value"`
		Meets          *bool  `mapstructure:"meets"`
		ClientRequired string `mapstructure:"client_required"`
		TotalInvested  string `mapstructure:"total_invested"`
	} `mapstructure:"on_chain"`
}

// BalanceFeed reads balances from a YAML file and reports rewrites of it.
type BalanceFeed struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	v  *viper.Viper
}

// NewBalanceFeed prepares a feed over path. Nothing is read until Load.
func NewBalanceFeed(path string, logger *zap.Logger) *BalanceFeed {
	v := viper.New()
	v.SetConfigFile(path)
	return &BalanceFeed{
		path:   path,
		logger: logger.Named("feed"),
		v:      v,
	}
}

// Load reads the file.
func (f *BalanceFeed) Load() (FeedSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.v.ReadInConfig(); err != nil {
		return FeedSnapshot{}, fmt.Errorf("read balances %s: %w", f.path, err)
	}
	return f.decodeLocked()
}

// Watch calls fn with every successfully decoded rewrite of the file.
// Undecodable versions are logged and skipped.
func (f *BalanceFeed) Watch(fn func(FeedSnapshot)) {
	f.v.OnConfigChange(func(e fsnotify.Event) {
		f.mu.Lock()
		snap, err := f.decodeLocked()
		f.mu.Unlock()
		if err != nil {
			f.logger.Warn("Ignoring malformed balances update",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		f.logger.Debug("Balances file changed",
			zap.String("op", e.Op.String()),
			zap.Int("tokens", len(snap.Balances)))
		fn(snap)
	})
	f.v.WatchConfig()
}

func (f *BalanceFeed) decodeLocked() (FeedSnapshot, error) {
	var raw feedFile
	if err := f.v.Unmarshal(&raw); err != nil {
		return FeedSnapshot{}, fmt.Errorf("decode balances: %w", err)
	}

	snap := FeedSnapshot{
		ChainID:          raw.ChainID,
		Balances:         make(token.Balances, len(raw.Balances)),
		ReferenceHolding: strings.TrimSpace(raw.ReferenceHolding),
		Claimable:        decimal.Zero,
	}
	for _, b := range raw.Balances {
		name := strings.TrimSpace(b.Token)
		if name == "" {
			return FeedSnapshot{}, fmt.Errorf("balance entry without token name")
		}
		snap.Balances[name] = strings.ReplaceAll(strings.TrimSpace(b.Amount), ",", "")
	}

	var err error
	if snap.Claimable, err = optionalDecimal("claimable", raw.Claimable, decimal.Zero); err != nil {
		return FeedSnapshot{}, err
	}
	if snap.OnChain.TotalValue, err = decimalPtr("on_chain.total_value", raw.OnChain.TotalValue); err != nil {
		return FeedSnapshot{}, err
	}
	if snap.OnChain.RequiredValue, err = decimalPtr("on_chain.required_value", raw.OnChain.RequiredValue); err != nil {
		return FeedSnapshot{}, err
	}
	if snap.OnChain.ClientRequired, err = optionalDecimal("on_chain.client_required", raw.OnChain.ClientRequired, decimal.Zero); err != nil {
		return FeedSnapshot{}, err
	}
	if snap.OnChain.TotalInvested, err = optionalDecimal("on_chain.total_invested", raw.OnChain.TotalInvested, decimal.Zero); err != nil {
		return FeedSnapshot{}, err
	}
	snap.OnChain.Meets = raw.OnChain.Meets
	return snap, nil
}

func optionalDecimal(key, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if !token.IsFinite(d) {
		return decimal.Zero, fmt.Errorf("invalid %s %q: out of range", key, raw)
	}
	return d, nil
}

func decimalPtr(key, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := optionalDecimal(key, raw, decimal.Zero)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
