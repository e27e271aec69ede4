// internal/claim/estimator.go
package claim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded is returned to a caller whose inputs were replaced by a
	// newer Update before its result arrived.
	ErrSuperseded = errors.New("estimate superseded by newer inputs")
	// ErrUnsupportedChain is returned when the wallet is on another chain.
	ErrUnsupportedChain = errors.New("unsupported chain")
)

// Dispatcher runs one valuation. *offload.Channel implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error)
}

// Inputs is everything the estimate depends on.
type Inputs struct {
	ChainID  uint64
	Tokens   []token.Descriptor
	Balances token.Balances
	// ReferenceHolding is the on-chain reference balance. When positive it
	// replaces the reference entry of Balances.
	ReferenceHolding string
	Claimable        decimal.Decimal
}

// Estimate is one portfolio value in base units.
type Estimate struct {
	Value  decimal.Decimal
	Source string // "amm" or "ratio"
}

// Estimator keeps a total-only portfolio estimate, including claimable
// rewards, for the required-value gate.
type Estimator struct {
	dispatcher       Dispatcher
	ratio            RatioEstimator
	opts             valuation.Options
	supportedChainID uint64
	clock            clock.Clock
	logger           *zap.Logger
	publisher        events.Publisher

	generation atomic.Uint64

	mu     sync.RWMutex
	latest *Estimate
}

// EstimatorOption configures an Estimator.
type EstimatorOption func(*Estimator)

// WithSupportedChain restricts estimates to chainID.
func WithSupportedChain(chainID uint64) EstimatorOption {
	return func(e *Estimator) { e.supportedChainID = chainID }
}

// WithPublisher announces estimate changes.
func WithPublisher(p events.Publisher) EstimatorOption {
	return func(e *Estimator) { e.publisher = p }
}

// WithClock replaces the wall clock used for event timestamps.
func WithClock(clk clock.Clock) EstimatorOption {
	return func(e *Estimator) { e.clock = clk }
}

// NewEstimator creates an estimator over dispatcher with ratio as fallback.
func NewEstimator(dispatcher Dispatcher, ratio RatioEstimator, opts valuation.Options, logger *zap.Logger, options ...EstimatorOption) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Estimator{
		dispatcher: dispatcher,
		ratio:      ratio,
		opts:       opts,
		clock:      clock.New(),
		logger:     logger.Named("claim"),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Update recomputes the estimate. A dispatch failure falls back to the ratio
// estimate; only a superseded call or an unsupported chain returns an error.
func (e *Estimator) Update(ctx context.Context, in Inputs) (Estimate, error) {
	if e.supportedChainID != 0 && in.ChainID != e.supportedChainID {
		return Estimate{}, ErrUnsupportedChain
	}
	gen := e.generation.Add(1)

	balances := in.Balances.Clone()
	if token.IsPositive(in.ReferenceHolding) && e.opts.ReferenceName != "" {
		balances[e.opts.ReferenceName] = strings.TrimSpace(in.ReferenceHolding)
	}
	tokens := e.filter(in.Tokens, balances)

	claimable := in.Claimable
	if claimable.IsNegative() {
		claimable = decimal.Zero
	}

	opts := e.opts
	opts.OnlyTotal = true
	v, err := e.dispatcher.Dispatch(ctx, tokens, balances, opts)

	var est Estimate
	total, ammOK := ammTotal(v, err)
	if ammOK {
		est = Estimate{Value: total.Add(claimable), Source: "amm"}
	} else {
		est = Estimate{Value: e.ratio.Estimate(tokens, balances).Add(claimable), Source: "ratio"}
	}

	// Проверка поколения и запись под одним замком: более старый вызов
	// не может перезаписать уже сохраненный новый результат
	e.mu.Lock()
	if gen != e.generation.Load() {
		e.mu.Unlock()
		e.logger.Debug("Dropping superseded estimate", zap.Uint64("generation", gen))
		return Estimate{}, ErrSuperseded
	}
	e.latest = &est
	e.mu.Unlock()

	if !ammOK {
		if err == nil {
			err = valuation.ErrTotalConversionUnavailable
		}
		e.logger.Warn("AMM total unavailable, using ratio estimate", zap.Error(err))
	}

	if e.publisher != nil {
		_ = e.publisher.Publish(events.EstimateUpdatedEvent{
			BaseEvent: events.NewBase(events.EstimateUpdated, e.clock.Now()),
			Estimate:  est.Value.String(),
			Source:    est.Source,
		})
	}
	return est, nil
}

// Latest returns the most recent estimate, if any.
func (e *Estimator) Latest() (Estimate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return Estimate{}, false
	}
	return *e.latest, true
}

// AMMValue returns the latest AMM-sourced value for Assess, nil otherwise.
func (e *Estimator) AMMValue() *decimal.Decimal {
	est, ok := e.Latest()
	if !ok || est.Source != "amm" {
		return nil
	}
	return &est.Value
}

// filter keeps the sentinel, the reference token and anything with a
// positive balance.
func (e *Estimator) filter(tokens []token.Descriptor, balances token.Balances) []token.Descriptor {
	out := make([]token.Descriptor, 0, len(tokens))
	for _, t := range tokens {
		switch {
		case t.Name == "":
			continue
		case t.Name == e.opts.SentinelName, t.Name == e.opts.ReferenceName:
			out = append(out, t)
		case token.IsPositive(balances.Get(t.Name)):
			out = append(out, t)
		}
	}
	return out
}

func ammTotal(v valuation.Valuation, err error) (decimal.Decimal, bool) {
	if err != nil || v.TotalUnavailable {
		return decimal.Zero, false
	}
	total, perr := decimal.NewFromString(stripCommas(v.TotalSum))
	if perr != nil {
		return decimal.Zero, false
	}
	return total, true
}

func stripCommas(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}
