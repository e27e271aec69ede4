// internal/quote/router.go
package quote

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ssprotocol/amm-valuator/internal/utils/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PulseXRouterAddress is the PulseX v1 router on PulseChain.
var PulseXRouterAddress = common.HexToAddress("0x98bf93ebf5c380C0e6Ae8e192A7e2AE08edAcc02")

const (
	getAmountsOut = "getAmountsOut"

	// RouterABI covers the single view method the valuation needs.
	RouterABI = `[{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`
)

// ContractCaller is the subset of the Ethereum RPC used by RouterClient.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial opens an RPC connection to the price endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// RouterClient issues getAmountsOut calls against an AMM router.
type RouterClient struct {
	caller  ContractCaller
	router  common.Address
	abi     abi.ABI
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a RouterClient.
type Option func(*RouterClient)

// WithRateLimit bounds outgoing quotes to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *RouterClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *RouterClient) {
		c.logger = logger.Named("quote")
	}
}

// WithMetrics records quote latency and outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *RouterClient) {
		c.metrics = m
	}
}

// NewRouterClient binds the router ABI to caller.
func NewRouterClient(caller ContractCaller, router common.Address, opts ...Option) (*RouterClient, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller required")
	}
	if router == (common.Address{}) {
		return nil, fmt.Errorf("router address required")
	}
	parsed, err := abi.JSON(strings.NewReader(RouterABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}

	c := &RouterClient{
		caller: caller,
		router: router,
		abi:    parsed,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Quote implements Quoter.
func (c *RouterClient) Quote(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if err := validate(amountIn, path); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrQuoteUnavailable, err)
		}
	}

	start := time.Now()
	amounts, err := c.call(ctx, amountIn, path)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.metrics.RecordQuote(outcome, time.Since(start))

	if err != nil {
		c.logger.Debug("Quote failed",
			zap.String("amount_in", amountIn.String()),
			zap.Stringers("path", path),
			zap.Error(err))
		return nil, err
	}
	return amounts, nil
}

func (c *RouterClient) call(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	data, err := c.abi.Pack(getAmountsOut, amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("%w: pack call: %v", ErrQuoteUnavailable, err)
	}

	router := c.router
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call router: %v", ErrQuoteUnavailable, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty router response", ErrQuoteUnavailable)
	}

	values, err := c.abi.Unpack(getAmountsOut, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack response: %v", ErrQuoteUnavailable, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: unexpected outputs %d", ErrQuoteUnavailable, len(values))
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("%w: malformed amounts", ErrQuoteUnavailable)
	}
	return amounts, nil
}
