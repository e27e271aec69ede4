// internal/offload/channel.go
package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/utils/metrics"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"go.uber.org/zap"
)

// Config holds the channel timing parameters.
type Config struct {
	// RequestTimeout rejects a request with no reply. Zero disables it and
	// leaves the stale sweep as the only bound.
	RequestTimeout time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	// StartAttempts bounds worker creation retries per dispatch.
	StartAttempts uint
	StartBackoff  time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		StaleAfter:     60 * time.Second,
		SweepInterval:  30 * time.Second,
		StartAttempts:  3,
		StartBackoff:   200 * time.Millisecond,
	}
}

// State is the observable lifecycle of the channel's worker.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateBusy
	StateCrashed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type outcome struct {
	result valuation.Valuation
	err    error
}

type pendingRequest struct {
	done      chan outcome // buffered, exactly one send
	timer     *clock.Timer
	createdAt time.Time
}

type workerHandle struct {
	worker     Worker
	generation uint64
	ready      bool
}

// Channel correlates requests to a single background worker by id. It
// creates the worker lazily, times out silent requests, sweeps stale ones
// and, when the worker dies, rejects everything pending and builds a new
// worker on the next dispatch.
type Channel struct {
	cfg       Config
	factory   Factory
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	publisher events.Publisher

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	nextID atomic.Uint64

	mu         sync.Mutex
	pending    map[uint64]*pendingRequest
	current    *workerHandle
	generation uint64
	starting   bool
	crashed    bool
	stopped    bool

	startMu   sync.Mutex // serialises worker creation
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// WithLogger sets the channel logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger.Named("offload") }
}

// WithMetrics records dispatch outcomes and pending counts.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithPublisher announces worker lifecycle events.
func WithPublisher(p events.Publisher) Option {
	return func(c *Channel) { c.publisher = p }
}

// NewChannel creates a channel over factory. No worker exists until the
// first Dispatch.
func NewChannel(factory Factory, cfg Config, opts ...Option) *Channel {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StartAttempts == 0 {
		cfg.StartAttempts = 1
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = def.StartBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:     cfg,
		factory: factory,
		clock:   clock.New(),
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		pending: make(map[uint64]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the stale-request sweeper. It runs until ctx is done or
// the channel is stopped.
func (c *Channel) Start(ctx context.Context) {
	c.sweepOnce.Do(func() {
		ticker := c.clock.Ticker(c.cfg.SweepInterval)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.closed:
					return
				case <-ticker.C:
					if n := c.sweep(); n > 0 {
						c.logger.Warn("Rejected stale requests", zap.Int("count", n))
					}
				}
			}
		}()
	})
}

// Dispatch sends one calculation to the worker and waits for its reply.
func (c *Channel) Dispatch(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error) {
	start := c.clock.Now()
	v, err := c.dispatch(ctx, tokens, balances, opts)
	c.metrics.RecordDispatch(outcomeLabel(err), c.clock.Since(start))
	return v, err
}

func (c *Channel) dispatch(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error) {
	h, err := c.ensureWorker(ctx)
	if err != nil {
		return valuation.Valuation{}, err
	}

	id := c.nextID.Add(1)
	req := &pendingRequest{
		done:      make(chan outcome, 1),
		createdAt: c.clock.Now(),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return valuation.Valuation{}, ErrChannelClosed
	}
	if c.current != h {
		c.mu.Unlock()
		return valuation.Valuation{}, ErrWorkerCrashed
	}
	c.pending[id] = req
	if c.cfg.RequestTimeout > 0 {
		req.timer = c.clock.AfterFunc(c.cfg.RequestTimeout, func() {
			if c.settle(id, outcome{err: ErrTimeout}) {
				c.logger.Warn("Valuation request timed out",
					zap.Uint64("request_id", id),
					zap.Duration("timeout", c.cfg.RequestTimeout))
			}
		})
	}
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(n)

	msg := Message{
		Type:      MessageCalculate,
		RequestID: id,
		Request:   &Request{Tokens: tokens, Balances: balances, Options: opts},
	}
	if err := h.worker.Post(msg); err != nil {
		c.settle(id, outcome{err: fmt.Errorf("%w: post: %v", ErrWorkerCrashed, err)})
	}

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		return valuation.Valuation{}, ctx.Err()
	}
}

// PendingCount returns the number of requests awaiting a reply.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// State reports the worker lifecycle.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.stopped:
		return StateStopped
	case c.current == nil && c.starting:
		return StateStarting
	case c.current == nil && c.crashed:
		return StateCrashed
	case c.current == nil:
		return StateUninitialized
	case !c.current.ready:
		return StateStarting
	case len(c.pending) > 0:
		return StateBusy
	default:
		return StateReady
	}
}

// Stop terminates the worker and rejects everything pending with
// ErrChannelClosed. Later dispatches fail immediately.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	h := c.current
	c.current = nil
	orphans := c.drainLocked()
	c.mu.Unlock()

	close(c.closed)
	c.cancel()
	if h != nil {
		h.worker.Terminate()
	}
	for _, req := range orphans {
		req.done <- outcome{err: ErrChannelClosed}
	}
	c.metrics.SetPending(0)
	c.wg.Wait()

	c.logger.Info("Offload channel stopped", zap.Int("rejected", len(orphans)))
}

func (c *Channel) ensureWorker(ctx context.Context) (*workerHandle, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if h := c.current; h != nil {
		c.mu.Unlock()
		return h, nil
	}
	c.starting = true
	c.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.StartBackoff

	operation := func() (Worker, error) {
		w, err := c.factory(c.ctx)
		c.metrics.RecordWorkerStart(err == nil)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Worker creation failed, retrying",
			zap.Error(err),
			zap.Duration("next_attempt", next))
	}

	w, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.cfg.StartAttempts),
		backoff.WithNotify(notify))

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("Valuation worker unavailable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	if c.stopped {
		c.mu.Unlock()
		w.Terminate()
		return nil, ErrChannelClosed
	}
	c.generation++
	h := &workerHandle{worker: w, generation: c.generation}
	c.current = h
	c.crashed = false
	c.mu.Unlock()

	c.logger.Info("Valuation worker started", zap.Uint64("generation", h.generation))

	c.wg.Add(1)
	go c.listen(h)
	return h, nil
}

func (c *Channel) listen(h *workerHandle) {
	defer c.wg.Done()

	msgs := h.worker.Messages()
	for {
		select {
		case msg := <-msgs:
			c.handleMessage(h, msg)
		case <-h.worker.Done():
			// Ответы, отправленные до падения, еще действительны
			for {
				select {
				case msg := <-msgs:
					c.handleMessage(h, msg)
				default:
					c.handleExit(h)
					return
				}
			}
		}
	}
}

func (c *Channel) handleMessage(h *workerHandle, msg Message) {
	switch msg.Type {
	case MessageReady:
		c.mu.Lock()
		h.ready = true
		c.mu.Unlock()
		c.logger.Debug("Worker ready", zap.Uint64("generation", h.generation))
		c.publish(events.WorkerReadyEvent{
			BaseEvent:  events.NewBase(events.WorkerReady, c.clock.Now()),
			Generation: h.generation,
		})

	case MessageResult:
		out := outcome{err: fmt.Errorf("%w: empty result", ErrCalculation)}
		if msg.Result != nil {
			out = outcome{result: msg.Result.Clone()}
		}
		if !c.settle(msg.RequestID, out) {
			c.logger.Debug("Late result ignored", zap.Uint64("request_id", msg.RequestID))
		}

	case MessageError:
		if !c.settle(msg.RequestID, outcome{err: fmt.Errorf("%w: %s", ErrCalculation, msg.Error)}) {
			c.logger.Debug("Late error ignored", zap.Uint64("request_id", msg.RequestID))
		}

	default:
		c.logger.Warn("Unknown worker message", zap.String("type", string(msg.Type)))
	}
}

func (c *Channel) handleExit(h *workerHandle) {
	c.mu.Lock()
	if c.current != h {
		// Terminated on purpose or already replaced
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.crashed = true
	orphans := c.drainLocked()
	c.mu.Unlock()

	cause := h.worker.Err()
	if cause == nil {
		cause = ErrWorkerCrashed
	}
	rejectErr := cause
	if !errors.Is(cause, ErrWorkerCrashed) {
		rejectErr = fmt.Errorf("%w: %v", ErrWorkerCrashed, cause)
	}

	for _, req := range orphans {
		req.done <- outcome{err: rejectErr}
	}
	c.metrics.SetPending(0)

	c.logger.Error("Valuation worker crashed",
		zap.Uint64("generation", h.generation),
		zap.Int("rejected", len(orphans)),
		zap.Error(cause))
	c.publish(events.WorkerCrashedEvent{
		BaseEvent:  events.NewBase(events.WorkerCrashed, c.clock.Now()),
		Generation: h.generation,
		Rejected:   len(orphans),
		Error:      cause,
	})
}

// settle resolves one pending request. It reports false when the id is no
// longer pending, which makes late replies and double timeouts no-ops.
func (c *Channel) settle(id uint64, out outcome) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	if req.timer != nil {
		req.timer.Stop()
	}
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPending(n)
	req.done <- out
	return true
}

func (c *Channel) sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	var stale []*pendingRequest
	for id, req := range c.pending {
		if now.Sub(req.createdAt) > c.cfg.StaleAfter {
			delete(c.pending, id)
			if req.timer != nil {
				req.timer.Stop()
			}
			stale = append(stale, req)
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if len(stale) > 0 {
		c.metrics.SetPending(n)
	}
	for _, req := range stale {
		req.done <- outcome{err: ErrStaleRequest}
	}
	return len(stale)
}

// drainLocked empties the pending table. c.mu must be held.
func (c *Channel) drainLocked() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, req := range c.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		out = append(out, req)
		delete(c.pending, id)
	}
	return out
}

func (c *Channel) publish(e events.Event) {
	if c.publisher == nil {
		return
	}
	_ = c.publisher.Publish(e)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrStaleRequest):
		return "stale"
	case errors.Is(err, ErrWorkerCrashed):
		return "crashed"
	case errors.Is(err, ErrWorkerUnavailable):
		return "unavailable"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
