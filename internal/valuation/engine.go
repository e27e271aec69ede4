// internal/valuation/engine.go
package valuation

import (
	"context"
	"math/big"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ssprotocol/amm-valuator/internal/quote"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultMaxParallel = 16

// Engine converts balances into the display unit through the reference
// token. Every token is quoted TOKEN→REFERENCE in parallel, the sum is
// converted REFERENCE→BASE once, and per-token values are back-allocated
// from that single conversion so the rows reconcile with the total.
type Engine struct {
	quoter      quote.Quoter
	logger      *zap.Logger
	clock       clock.Clock
	maxParallel int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxParallel caps concurrent per-token quotes. Zero or less means no cap.
func WithMaxParallel(n int) EngineOption {
	return func(e *Engine) {
		e.maxParallel = n
	}
}

// WithClock sets the clock used for result timestamps.
func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clk
	}
}

// NewEngine creates an engine over quoter.
func NewEngine(quoter quote.Quoter, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		quoter:      quoter,
		logger:      logger.Named("engine"),
		clock:       clock.New(),
		maxParallel: defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// breakdown holds the integer-unit intermediate of one cycle. It never
// leaves the package; callers only see formatted strings.
type breakdown struct {
	reference        []*uint256.Int
	display          []*uint256.Int
	totalReference   *uint256.Int
	totalDisplay     *uint256.Int
	totalUnavailable bool
	unpriced         []string
	quotes           int64
}

// ComputeTotal values the portfolio. It never fails: an unpriced token
// counts as zero and a failed total conversion yields "0" with
// TotalUnavailable set.
func (e *Engine) ComputeTotal(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts Options) Valuation {
	opts = opts.withDefaults()
	start := e.clock.Now()

	b := e.compute(ctx, tokens, balances, opts)

	result := Valuation{
		Values:           make(map[string]string, len(tokens)),
		TotalSum:         FormatWhole(b.totalDisplay, opts.BaseDecimals),
		Timestamp:        e.clock.Now(),
		TotalUnavailable: b.totalUnavailable,
		Unpriced:         b.unpriced,
	}

	if !opts.OnlyTotal {
		for i, t := range tokens {
			switch {
			case t.Name == opts.SentinelName && opts.SentinelName != "":
				result.Values[t.Name] = Placeholder
			case b.display[i] == nil:
				result.Values[t.Name] = "0"
			default:
				result.Values[t.Name] = FormatDisplay(b.display[i], opts.BaseDecimals)
			}
		}
	}

	e.logger.Debug("Valuation computed",
		zap.Int("tokens", len(tokens)),
		zap.Int64("quotes", b.quotes),
		zap.String("total_reference", b.totalReference.Dec()),
		zap.String("total", result.TotalSum),
		zap.Bool("total_unavailable", b.totalUnavailable),
		zap.Strings("unpriced", b.unpriced),
		zap.Bool("only_total", opts.OnlyTotal),
		zap.Duration("duration", e.clock.Since(start)))

	return result
}

// Calculate runs ComputeTotal and reports cancellation. It lets the engine
// serve as the calculator behind an offload worker.
func (e *Engine) Calculate(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts Options) (Valuation, error) {
	v := e.ComputeTotal(ctx, tokens, balances, opts)
	if err := ctx.Err(); err != nil {
		return Valuation{}, err
	}
	return v, nil
}

func (e *Engine) compute(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts Options) breakdown {
	b := breakdown{
		reference:      make([]*uint256.Int, len(tokens)),
		display:        make([]*uint256.Int, len(tokens)),
		totalReference: new(uint256.Int),
		totalDisplay:   new(uint256.Int),
	}
	failed := make([]bool, len(tokens))

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for i, t := range tokens {
		g.Go(func() error {
			b.reference[i], failed[i] = e.referenceAmount(ctx, t, balances, opts, &b.quotes)
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range tokens {
		if failed[i] {
			b.unpriced = append(b.unpriced, t.Name)
		}
		if t.Name == opts.SentinelName && opts.SentinelName != "" {
			continue
		}
		saturatingAdd(b.totalReference, b.reference[i])
	}

	if b.totalReference.IsZero() {
		return b
	}

	total, ok := e.convertTotal(ctx, b.totalReference, opts, &b.quotes)
	if !ok {
		b.totalUnavailable = true
		return b
	}
	b.totalDisplay = total
	if total.IsZero() || opts.OnlyTotal {
		return b
	}

	for i := range tokens {
		ref := b.reference[i]
		if ref == nil || ref.IsZero() {
			continue
		}
		share, _ := new(uint256.Int).MulDivOverflow(total, ref, b.totalReference)
		b.display[i] = share
	}
	return b
}

// referenceAmount returns the token's value in reference units and whether
// a quote was attempted and failed.
func (e *Engine) referenceAmount(ctx context.Context, t token.Descriptor, balances token.Balances, opts Options, quotes *int64) (*uint256.Int, bool) {
	zero := new(uint256.Int)
	if opts.SentinelName != "" && t.Name == opts.SentinelName {
		return zero, false
	}

	balance := balances.Get(t.Name)
	if opts.ReferenceName != "" && t.Name == opts.ReferenceName {
		return fromBig(token.ParseUnits(balance, opts.ReferenceDecimals)), false
	}

	amount := token.ParseUnits(balance, t.Decimals)
	if amount.Sign() == 0 {
		return zero, false
	}
	addr, ok := t.ResolvedAddress()
	if !ok || opts.ReferenceAddress == (common.Address{}) {
		return zero, false
	}

	atomic.AddInt64(quotes, 1)
	amounts, err := e.quoter.Quote(ctx, amount, []common.Address{addr, opts.ReferenceAddress})
	if err != nil {
		e.logger.Debug("Token quote failed, counting as zero",
			zap.String("token", t.Name),
			zap.Error(err))
		return zero, true
	}
	out, err := quote.Output(amounts)
	if err != nil {
		return zero, true
	}
	return fromBig(out), false
}

func (e *Engine) convertTotal(ctx context.Context, totalReference *uint256.Int, opts Options, quotes *int64) (*uint256.Int, bool) {
	if opts.ReferenceAddress == (common.Address{}) || opts.BaseAddress == (common.Address{}) {
		e.logger.Warn("Reference or base address missing, total left unknown")
		return nil, false
	}

	atomic.AddInt64(quotes, 1)
	amounts, err := e.quoter.Quote(ctx, totalReference.ToBig(), []common.Address{opts.ReferenceAddress, opts.BaseAddress})
	if err == nil {
		var out *big.Int
		if out, err = quote.Output(amounts); err == nil {
			return fromBig(out), true
		}
	}

	e.logger.Warn("Total conversion failed",
		zap.String("total_reference", totalReference.Dec()),
		zap.NamedError("cause", ErrTotalConversionUnavailable),
		zap.Error(err))
	return nil, false
}

// fromBig converts a non-negative big integer, saturating at 2^256-1.
func fromBig(v *big.Int) *uint256.Int {
	if v == nil || v.Sign() <= 0 {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

func saturatingAdd(total, v *uint256.Int) {
	if v == nil {
		return
	}
	if _, overflow := total.AddOverflow(total, v); overflow {
		total.SetAllOne()
	}
}
