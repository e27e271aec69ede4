// internal/app/runner.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/ssprotocol/amm-valuator/internal/cache"
	"github.com/ssprotocol/amm-valuator/internal/claim"
	"github.com/ssprotocol/amm-valuator/internal/config"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/ssprotocol/amm-valuator/internal/export"
	"github.com/ssprotocol/amm-valuator/internal/offload"
	"github.com/ssprotocol/amm-valuator/internal/quote"
	"github.com/ssprotocol/amm-valuator/internal/refresh"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/utils/metrics"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"go.uber.org/zap"
)

const busBufferSize = 256

// Runner owns the whole valuation pipeline: quote workers behind the
// offload channel, the refresh controller, the result cache, the claim
// estimator and the balance feed.
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger

	registry token.Registry
	tokens   []token.Descriptor
	opts     valuation.Options
	ratio    claim.RatioEstimator

	promRegistry *prometheus.Registry
	metrics      *metrics.Collector
	bus          *events.Bus
	channel      *offload.Channel
	store        *cache.Store
	controller   *refresh.Controller
	estimator    *claim.Estimator
	feed         *BalanceFeed
	exporter     *export.Exporter
	shutdown     *ShutdownHandler

	quoter quote.Quoter

	mu     sync.RWMutex
	ctx    context.Context
	latest FeedSnapshot
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithQuoter skips the RPC dial and prices through q. Used by tests and
// offline runs.
func WithQuoter(q quote.Quoter) RunnerOption {
	return func(r *Runner) { r.quoter = q }
}

// NewRunner loads the token registry and builds every component. Nothing
// runs until Start.
func NewRunner(cfg *config.Config, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		cfg:          cfg,
		logger:       logger,
		promRegistry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = metrics.NewCollector(r.promRegistry)
	r.shutdown = NewShutdownHandler(logger, 10*time.Second)

	registry, tokens, err := token.NewLoader(logger).LoadRegistryYAML(cfg.RegistryFile)
	if err != nil {
		return nil, err
	}
	r.registry, r.tokens = registry, tokens

	r.opts = r.buildOptions()
	ratio, err := r.buildRatio()
	if err != nil {
		return nil, err
	}
	r.ratio = ratio

	r.bus = events.NewBus(logger, busBufferSize)
	r.shutdown.AddFunc("event_bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})

	r.store = cache.NewStore(r.openCache(), logger,
		cache.WithTTL(cfg.CacheTTL),
		cache.WithMetrics(r.metrics))
	r.shutdown.Add("cache", r.store)

	r.channel = offload.NewChannel(r.workerFactory(), offload.Config{
		RequestTimeout: cfg.RequestTimeout,
		StaleAfter:     cfg.StaleAfter,
		SweepInterval:  cfg.SweepInterval,
		StartAttempts:  cfg.WorkerRetries,
		StartBackoff:   offload.DefaultConfig().StartBackoff,
	},
		offload.WithLogger(logger),
		offload.WithMetrics(r.metrics),
		offload.WithPublisher(r.bus))
	r.shutdown.AddFunc("offload_channel", func() error {
		r.channel.Stop()
		return nil
	})

	r.estimator = claim.NewEstimator(r.channel, r.ratio, r.opts, logger,
		claim.WithSupportedChain(cfg.SupportedChainID),
		claim.WithPublisher(r.bus))

	r.controller = refresh.NewController(refresh.Config{
		ActiveInterval:   cfg.ActiveInterval,
		IdleInterval:     cfg.IdleInterval,
		ThrottleWindow:   cfg.ThrottleWindow,
		ChainID:          cfg.ChainID,
		SupportedChainID: cfg.SupportedChainID,
		Options:          r.opts,
	}, r.channel,
		refresh.WithStore(r.store),
		refresh.WithFallback(r.ratio),
		refresh.WithLogger(logger),
		refresh.WithMetrics(r.metrics),
		refresh.WithPublisher(r.bus))
	r.controller.SetTokens(r.tokens)
	r.shutdown.AddFunc("refresh_controller", func() error {
		r.controller.Stop()
		return nil
	})

	r.feed = NewBalanceFeed(cfg.BalancesFile, logger)
	r.exporter = export.NewExporter(logger)
	return r, nil
}

// Start loads the first balances and starts every component. It returns
// once the pipeline is running.
func (r *Runner) Start(ctx context.Context) error {
	snap, err := r.feed.Load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ctx = ctx
	r.latest = snap
	r.mu.Unlock()

	if err := r.serveMetrics(); err != nil {
		return err
	}

	r.channel.Start(ctx)
	r.controller.UpdateBalances(snap.Balances)
	r.controller.Start(ctx)
	go r.updateEstimate(snap)

	r.feed.Watch(r.onFeed)

	r.logger.Info("Valuation pipeline started",
		zap.Int("tokens", len(r.tokens)),
		zap.Uint64("chain_id", r.cfg.ChainID),
		zap.String("router", r.cfg.RouterAddress))
	return nil
}

// Run starts the pipeline and blocks until ctx is done, then shuts down.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}

// Close stops every component in reverse start order.
func (r *Runner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r.shutdown.Shutdown(ctx)
}

// Refresh asks for an immediate recomputation of both the breakdown and
// the claim estimate.
func (r *Runner) Refresh() bool {
	r.mu.RLock()
	snap := r.latest
	r.mu.RUnlock()

	go r.updateEstimate(snap)
	return r.controller.RefreshNow()
}

// Snapshot returns what the dashboard renders.
func (r *Runner) Snapshot() refresh.Snapshot { return r.controller.Snapshot() }

// SetVisible switches the refresh cadence between active and idle.
func (r *Runner) SetVisible(visible bool) { r.controller.SetVisible(visible) }

// Controller exposes the refresh controller to presentation layers.
func (r *Runner) Controller() *refresh.Controller { return r.controller }

// Bus returns the event bus carrying pipeline events.
func (r *Runner) Bus() *events.Bus { return r.bus }

// Channel returns the offload channel.
func (r *Runner) Channel() *offload.Channel { return r.channel }

// Tokens returns the visible tokens in display order.
func (r *Runner) Tokens() []token.Descriptor { return r.tokens }

// Assessment evaluates the required-value gate with the freshest inputs.
func (r *Runner) Assessment() claim.Assessment {
	r.mu.RLock()
	snap := r.latest
	r.mu.RUnlock()

	return claim.Assess(r.estimator.AMMValue(), snap.OnChain, func() decimal.Decimal {
		return r.ratio.Estimate(r.tokens, snap.Balances).Add(snap.Claimable)
	})
}

// Export writes the current breakdown and claim gate to the configured
// export directory and returns the file path.
func (r *Runner) Export() (string, error) {
	report := export.BuildReport(r.Snapshot(), r.Assessment(), r.tokens, time.Now())
	return r.exporter.Export(report, export.Options{
		Format:    export.Format(r.cfg.ExportFormat),
		OutputDir: r.cfg.ExportDir,
		Unit:      strings.TrimPrefix(r.cfg.WrappedNativeSymbol, "W"),
	})
}

func (r *Runner) onFeed(snap FeedSnapshot) {
	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()

	r.controller.UpdateBalances(snap.Balances)
	go r.updateEstimate(snap)
}

func (r *Runner) updateEstimate(snap FeedSnapshot) {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx == nil {
		return
	}

	chainID := snap.ChainID
	if chainID == 0 {
		chainID = r.cfg.ChainID
	}
	est, err := r.estimator.Update(ctx, claim.Inputs{
		ChainID:          chainID,
		Tokens:           r.tokens,
		Balances:         snap.Balances,
		ReferenceHolding: snap.ReferenceHolding,
		Claimable:        snap.Claimable,
	})
	switch {
	case errors.Is(err, claim.ErrSuperseded), errors.Is(err, claim.ErrUnsupportedChain):
		r.logger.Debug("Claim estimate skipped", zap.Error(err))
	case err != nil:
		r.logger.Warn("Claim estimate failed", zap.Error(err))
	default:
		r.logger.Debug("Claim estimate updated",
			zap.String("value", est.Value.String()),
			zap.String("source", est.Source))
	}
}

func (r *Runner) workerFactory() offload.Factory {
	router := common.HexToAddress(r.cfg.RouterAddress)

	return func(ctx context.Context) (offload.Worker, error) {
		quoter := r.quoter
		cleanup := func() {}

		if quoter == nil {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			client, err := quote.Dial(dialCtx, r.cfg.RPCURL)
			if err != nil {
				return nil, fmt.Errorf("dial %s: %w", r.cfg.RPCURL, err)
			}
			rc, err := quote.NewRouterClient(client, router,
				quote.WithRateLimit(r.cfg.QuoteRate, r.cfg.QuoteBurst),
				quote.WithLogger(r.logger),
				quote.WithMetrics(r.metrics))
			if err != nil {
				client.Close()
				return nil, err
			}
			quoter, cleanup = rc, client.Close
		}

		engine := valuation.NewEngine(quoter, r.logger,
			valuation.WithMaxParallel(r.cfg.MaxParallelQuotes))
		return offload.NewEngineWorker(ctx, engine, r.logger, offload.WithCleanup(cleanup)), nil
	}
}

func (r *Runner) buildOptions() valuation.Options {
	addrs := token.ResolveAddresses(r.registry, token.ResolveConfig{
		ChainID:          int64(r.cfg.ChainID),
		ReferenceName:    r.cfg.ReferenceToken,
		WrappedSymbol:    r.cfg.WrappedNativeSymbol,
		DefaultReference: common.HexToAddress(r.cfg.DefaultReferenceAddress),
		DefaultBase:      common.HexToAddress(r.cfg.DefaultBaseAddress),
	}, r.logger)

	baseDecimals := r.registry.Decimals(token.WrappedNativeKey(int64(r.cfg.ChainID)), token.DefaultDecimals)
	if addrs.BaseSource == token.SourceSymbol {
		if name, _, ok := r.registry.BySymbol(r.cfg.WrappedNativeSymbol); ok {
			baseDecimals = r.registry.Decimals(name, token.DefaultDecimals)
		}
	}

	return valuation.Options{
		ReferenceName:     r.cfg.ReferenceToken,
		ReferenceAddress:  addrs.Reference,
		ReferenceDecimals: r.registry.Decimals(r.cfg.ReferenceToken, token.DefaultDecimals),
		BaseAddress:       addrs.Base,
		BaseDecimals:      baseDecimals,
		SentinelName:      r.cfg.SentinelToken,
	}
}

// buildRatio maps configured ratios onto registry names. Config keys arrive
// lower-cased, so the match is case-insensitive.
func (r *Runner) buildRatio() (claim.RatioEstimator, error) {
	est := claim.RatioEstimator{
		TokenRatios:   make(map[string]decimal.Decimal, len(r.cfg.TokenRatios)),
		ReferenceName: r.cfg.ReferenceToken,
		SentinelName:  r.cfg.SentinelToken,
	}
	if raw := strings.TrimSpace(r.cfg.ReferenceToBaseRatio); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return est, fmt.Errorf("invalid reference_to_base_ratio %q: %w", raw, err)
		}
		if !token.IsFinite(d) {
			return est, fmt.Errorf("invalid reference_to_base_ratio %q: out of range", raw)
		}
		est.ReferenceToBase = d
	}

	byLower := make(map[string]string, len(r.registry))
	for name := range r.registry {
		byLower[strings.ToLower(name)] = name
	}
	for key, raw := range r.cfg.TokenRatios {
		name, ok := byLower[strings.ToLower(key)]
		if !ok {
			r.logger.Warn("Ratio configured for unknown token", zap.String("token", key))
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return est, fmt.Errorf("invalid ratio for %s %q: %w", key, raw, err)
		}
		if !token.IsFinite(d) {
			return est, fmt.Errorf("invalid ratio for %s %q: out of range", key, raw)
		}
		est.TokenRatios[name] = d
	}
	return est, nil
}

func (r *Runner) openCache() cache.Backend {
	if r.cfg.CachePath == "" {
		r.logger.Info("No cache_path configured, results are kept in memory only")
		return cache.NewMemoryBackend()
	}
	backend, err := cache.OpenLevelDB(r.cfg.CachePath)
	if err != nil {
		// Без кэша можно работать, просто без мгновенного старта
		r.logger.Warn("Result cache unavailable, continuing without persistence",
			zap.String("path", r.cfg.CachePath),
			zap.Error(err))
		return nil
	}
	return backend
}

func (r *Runner) serveMetrics() error {
	if r.cfg.MetricsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", r.cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	r.shutdown.AddFunc("metrics_server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	r.logger.Info("Serving metrics", zap.String("addr", r.cfg.MetricsAddr))
	return nil
}
