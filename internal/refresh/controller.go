// internal/refresh/controller.go
package refresh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ssprotocol/amm-valuator/internal/cache"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/utils/metrics"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"go.uber.org/zap"
)

// Dispatcher runs one valuation. *offload.Channel implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error)
}

// Fallback produces a local estimate when no engine result is available.
type Fallback interface {
	Valuation(tokens []token.Descriptor, balances token.Balances) (valuation.Valuation, bool)
}

// Trigger names what asked for a computation.
type Trigger string

const (
	TriggerMount    Trigger = "mount"
	TriggerInterval Trigger = "interval"
	TriggerVisible  Trigger = "visible"
	TriggerBalances Trigger = "balances"
	TriggerManual   Trigger = "manual"
)

// Source tells where the displayed valuation came from.
type Source string

const (
	SourceNone     Source = ""
	SourceCache    Source = "cache"
	SourceEngine   Source = "engine"
	SourceLastGood Source = "last_good"
	SourceRatio    Source = "ratio"
)

// Config holds the cadence and gating parameters.
type Config struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	ThrottleWindow time.Duration

	// ChainID is the connected chain; nothing runs unless it equals
	// SupportedChainID. A zero SupportedChainID disables gating.
	ChainID          uint64
	SupportedChainID uint64

	Options valuation.Options
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		ActiveInterval: 15 * time.Second,
		IdleInterval:   60 * time.Second,
		ThrottleWindow: 3 * time.Second,
	}
}

// Snapshot is what a presentation layer renders.
type Snapshot struct {
	Valuation   valuation.Valuation
	Source      Source
	Calculating bool
	LastSuccess time.Time
	LastCalcID  string
	Err         error
	Visible     bool
	Running     bool
}

// Controller decides when to run a valuation. Overlapping triggers
// collapse into at most one computation in flight; results of a cycle
// issued before Stop (or before a newer generation) are dropped on arrival.
type Controller struct {
	cfg        Config
	dispatcher Dispatcher
	store      *cache.Store
	fallback   Fallback
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Collector
	publisher  events.Publisher

	mu          sync.Mutex
	ctx         context.Context
	tokens      []token.Descriptor
	balances    token.Balances
	snapshot    Snapshot
	running     bool
	inFlight    bool
	generation  uint64
	lastSuccess time.Time
	timer       *clock.Timer
	tickSeq     uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore enables the persisted result cache.
func WithStore(s *cache.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithFallback sets the estimate shown when a cycle fails with nothing
// better to show.
func WithFallback(f Fallback) Option {
	return func(c *Controller) { c.fallback = f }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger.Named("refresh") }
}

// WithMetrics records trigger decisions and the displayed total.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPublisher announces valuation events.
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// NewController creates a stopped controller. A fresh cache entry, if any,
// becomes the initial snapshot.
func NewController(cfg Config, dispatcher Dispatcher, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.ThrottleWindow < 0 {
		cfg.ThrottleWindow = 0
	}

	c := &Controller{
		cfg:        cfg,
		dispatcher: dispatcher,
		clock:      clock.New(),
		logger:     zap.NewNop(),
		ctx:        context.Background(),
		balances:   token.Balances{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snapshot.Visible = true

	if c.store != nil {
		if v, ok := c.store.Load(); ok {
			c.snapshot.Valuation = v
			c.snapshot.Source = SourceCache
			age := c.clock.Since(v.Timestamp)
			c.logger.Info("Cached valuation loaded",
				zap.String("total", v.TotalSum),
				zap.Duration("age", age))
			c.publish(events.CacheLoadedEvent{
				BaseEvent: events.NewBase(events.CacheLoaded, c.clock.Now()),
				TotalSum:  v.TotalSum,
				Age:       age,
			})
		}
	}
	return c
}

// SetTokens replaces the held-token list.
func (c *Controller) SetTokens(tokens []token.Descriptor) {
	c.mu.Lock()
	c.tokens = append([]token.Descriptor(nil), tokens...)
	mount := c.running && len(c.balances) > 0 && !c.hasResultLocked()
	c.mu.Unlock()

	if mount {
		c.trigger(TriggerMount)
	}
}

// UpdateBalances replaces the balance snapshot. The first non-empty
// snapshot fires a computation.
func (c *Controller) UpdateBalances(balances token.Balances) {
	c.mu.Lock()
	before := len(c.balances)
	c.balances = balances.Clone()
	after := len(c.balances)
	noResult := !c.hasResultLocked()
	c.mu.Unlock()

	if before == 0 && after > 0 {
		if noResult {
			c.trigger(TriggerMount)
		} else {
			c.trigger(TriggerBalances)
		}
	}
}

// Start arms the cadence. It fires immediately when balances are known but
// nothing has been computed or cached yet.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.snapshot.Running = true
	c.ctx = ctx
	c.armLocked()
	mount := len(c.balances) > 0 && len(c.tokens) > 0 && !c.hasResultLocked()
	c.mu.Unlock()

	c.logger.Info("Refresh controller started",
		zap.Duration("active_interval", c.cfg.ActiveInterval),
		zap.Duration("idle_interval", c.cfg.IdleInterval))

	if mount {
		c.trigger(TriggerMount)
	}
}

// SetVisible switches between the active and idle cadence. Becoming
// visible fires immediately.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	if c.snapshot.Visible == visible {
		c.mu.Unlock()
		return
	}
	c.snapshot.Visible = visible
	if c.running {
		c.armLocked()
	}
	c.mu.Unlock()

	if visible {
		c.trigger(TriggerVisible)
	}
}

// RefreshNow clears the throttle and fires. It reports whether a
// computation was started.
func (c *Controller) RefreshNow() bool {
	c.mu.Lock()
	c.lastSuccess = time.Time{}
	c.mu.Unlock()
	return c.trigger(TriggerManual)
}

// Stop cancels the cadence. A computation in flight is not aborted; its
// result is ignored when it lands.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.snapshot.Running = false
	c.generation++
	c.tickSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.inFlight = false
	c.snapshot.Calculating = false
	c.logger.Info("Refresh controller stopped")
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshot
	s.Valuation = c.snapshot.Valuation.Clone()
	return s
}

func (c *Controller) hasResultLocked() bool {
	return c.snapshot.Valuation.HasValues() || c.snapshot.Valuation.TotalSum != ""
}

func (c *Controller) intervalLocked() time.Duration {
	if c.snapshot.Visible {
		return c.cfg.ActiveInterval
	}
	return c.cfg.IdleInterval
}

func (c *Controller) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.tickSeq++
	seq := c.tickSeq
	c.timer = c.clock.AfterFunc(c.intervalLocked(), func() { c.onTick(seq) })
}

func (c *Controller) onTick(seq uint64) {
	c.mu.Lock()
	if !c.running || seq != c.tickSeq {
		c.mu.Unlock()
		return
	}
	c.armLocked()
	c.mu.Unlock()

	c.trigger(TriggerInterval)
}

// admitLocked returns "dispatch" or the reason the trigger is dropped.
func (c *Controller) admitLocked(t Trigger) string {
	switch {
	case !c.running:
		return "stopped"
	case c.cfg.SupportedChainID != 0 && c.cfg.ChainID != c.cfg.SupportedChainID:
		return "unsupported_chain"
	case len(c.tokens) == 0 || len(c.balances) == 0:
		return "no_balances"
	case c.inFlight:
		return "in_flight"
	case t != TriggerManual && !c.lastSuccess.IsZero() &&
		c.clock.Since(c.lastSuccess) < c.cfg.ThrottleWindow:
		return "throttled"
	default:
		return "dispatch"
	}
}

func (c *Controller) trigger(t Trigger) bool {
	c.mu.Lock()
	decision := c.admitLocked(t)
	if decision != "dispatch" {
		c.mu.Unlock()
		c.metrics.RecordRefresh(string(t), decision)
		c.logger.Debug("Refresh skipped",
			zap.String("trigger", string(t)),
			zap.String("reason", decision))
		return false
	}

	c.inFlight = true
	c.snapshot.Calculating = true
	gen := c.generation
	calcID := uuid.NewString()
	c.snapshot.LastCalcID = calcID
	tokens := append([]token.Descriptor(nil), c.tokens...)
	balances := c.balances.Clone()
	ctx := c.ctx
	c.mu.Unlock()

	c.metrics.RecordRefresh(string(t), decision)
	c.logger.Debug("Refresh started",
		zap.String("trigger", string(t)),
		zap.String("calc_id", calcID),
		zap.Int("tokens", len(tokens)))

	go c.run(ctx, gen, calcID, t, tokens, balances)
	return true
}

func (c *Controller) run(ctx context.Context, gen uint64, calcID string, t Trigger, tokens []token.Descriptor, balances token.Balances) {
	start := c.clock.Now()
	opts := c.cfg.Options
	opts.OnlyTotal = false

	v, err := c.dispatcher.Dispatch(ctx, tokens, balances, opts)
	if err == nil && v.TotalUnavailable {
		err = valuation.ErrTotalConversionUnavailable
	}
	duration := c.clock.Since(start)

	c.mu.Lock()
	if gen != c.generation || !c.running || c.snapshot.LastCalcID != calcID {
		c.mu.Unlock()
		c.logger.Debug("Discarding superseded result",
			zap.String("calc_id", calcID),
			zap.Error(err))
		return
	}
	c.inFlight = false
	c.snapshot.Calculating = false

	if err != nil {
		fallback := c.fallbackLocked(tokens, balances, err)
		shown := c.snapshot.Valuation.TotalSum
		c.mu.Unlock()

		c.logger.Warn("Valuation cycle failed",
			zap.String("calc_id", calcID),
			zap.String("trigger", string(t)),
			zap.String("fallback", string(fallback)),
			zap.Duration("duration", duration),
			zap.Error(err))
		c.recordTotal(fallback, shown)
		c.publish(events.ValuationFailedEvent{
			BaseEvent: events.NewBase(events.ValuationFailed, c.clock.Now()),
			CalcID:    calcID,
			Trigger:   string(t),
			Fallback:  string(fallback),
			Error:     err,
		})
		return
	}

	now := c.clock.Now()
	c.lastSuccess = now
	c.snapshot.Valuation = v.Clone()
	c.snapshot.Source = SourceEngine
	c.snapshot.LastSuccess = now
	c.snapshot.Err = nil
	c.mu.Unlock()

	if c.store != nil {
		c.store.Save(v)
	}
	c.recordTotal(SourceEngine, v.TotalSum)
	c.logger.Info("Valuation updated",
		zap.String("calc_id", calcID),
		zap.String("trigger", string(t)),
		zap.String("total", v.TotalSum),
		zap.Int("tokens", len(tokens)),
		zap.Duration("duration", duration))
	c.publish(events.ValuationUpdatedEvent{
		BaseEvent: events.NewBase(events.ValuationUpdated, now),
		CalcID:    calcID,
		Trigger:   string(t),
		TotalSum:  v.TotalSum,
		Tokens:    len(tokens),
		Duration:  duration,
	})
}

// fallbackLocked keeps the last good valuation when there is one and
// otherwise shows the local estimate.
func (c *Controller) fallbackLocked(tokens []token.Descriptor, balances token.Balances, err error) Source {
	c.snapshot.Err = err
	if c.hasResultLocked() {
		if c.snapshot.Source != SourceRatio {
			c.snapshot.Source = SourceLastGood
		}
		return SourceLastGood
	}
	if c.fallback != nil {
		if est, ok := c.fallback.Valuation(tokens, balances); ok {
			c.snapshot.Valuation = est
			c.snapshot.Source = SourceRatio
			return SourceRatio
		}
	}
	return SourceNone
}

func (c *Controller) recordTotal(source Source, total string) {
	if total == "" {
		return
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(total, ",", ""))
	if err != nil {
		return
	}
	c.metrics.SetPortfolioValue(string(source), d.InexactFloat64())
}

func (c *Controller) publish(e events.Event) {
	if c.publisher == nil {
		return
	}
	_ = c.publisher.Publish(e)
}
