package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/ssprotocol/amm-valuator/internal/offload"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error) {
	args := m.Called(ctx, tokens, balances, opts)
	return args.Get(0).(valuation.Valuation), args.Error(1)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

var (
	baseOpts = valuation.Options{ReferenceName: "STATE", SentinelName: "DAV"}
	held     = []token.Descriptor{{Name: "DAV"}, {Name: "STATE"}, {Name: "A"}, {Name: "B"}}
	ratio    = RatioEstimator{
		TokenRatios:     map[string]decimal.Decimal{"A": dec("2"), "B": dec("3")},
		ReferenceToBase: dec("10"),
		ReferenceName:   "STATE",
		SentinelName:    "DAV",
	}
)

func TestEstimatorFiltersOverridesAndAddsClaimable(t *testing.T) {
	d := new(mockDispatcher)
	wantTokens := []token.Descriptor{{Name: "DAV"}, {Name: "STATE"}, {Name: "A"}}
	wantBalances := token.Balances{"DAV": "1", "STATE": "77", "A": "5", "B": "0"}
	d.On("Dispatch", mock.Anything, wantTokens, wantBalances,
		mock.MatchedBy(func(o valuation.Options) bool { return o.OnlyTotal })).
		Return(valuation.Valuation{TotalSum: "1,250"}, nil).Once()

	e := NewEstimator(d, ratio, baseOpts, zaptest.NewLogger(t), WithSupportedChain(369))
	est, err := e.Update(context.Background(), Inputs{
		ChainID:          369,
		Tokens:           held,
		Balances:         token.Balances{"DAV": "1", "STATE": "3", "A": "5", "B": "0"},
		ReferenceHolding: "77",
		Claimable:        dec("12.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "amm", est.Source)
	assert.True(t, dec("1262.5").Equal(est.Value), "got %s", est.Value)
	require.NotNil(t, e.AMMValue())
	d.AssertExpectations(t)
}

func TestEstimatorFallsBackToRatio(t *testing.T) {
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(valuation.Valuation{}, offload.ErrTimeout).Once()

	e := NewEstimator(d, ratio, baseOpts, zaptest.NewLogger(t))
	est, err := e.Update(context.Background(), Inputs{
		Tokens:    held,
		Balances:  token.Balances{"DAV": "9", "STATE": "1", "A": "2", "B": "1"},
		Claimable: dec("1"),
	})
	require.NoError(t, err)
	// STATE 1*10 + A 2*2*10 + B 1*3*10 + claimable 1
	assert.Equal(t, "ratio", est.Source)
	assert.True(t, dec("81").Equal(est.Value), "got %s", est.Value)
	assert.Nil(t, e.AMMValue())
}

func TestEstimatorTreatsUnavailableTotalAsFailure(t *testing.T) {
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(valuation.Valuation{TotalSum: "0", TotalUnavailable: true}, nil).Once()

	e := NewEstimator(d, ratio, baseOpts, zaptest.NewLogger(t))
	est, err := e.Update(context.Background(), Inputs{Tokens: held, Balances: token.Balances{"STATE": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "ratio", est.Source)
	assert.True(t, dec("20").Equal(est.Value))
}

func TestEstimatorDiscardsSupersededResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	isOld := mock.MatchedBy(func(b token.Balances) bool { return b["STATE"] == "1" })
	isNew := mock.MatchedBy(func(b token.Balances) bool { return b["STATE"] == "2" })
	d := new(mockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything, isOld, mock.Anything).
		Run(func(mock.Arguments) {
			once.Do(func() { close(started) })
			<-release
		}).
		Return(valuation.Valuation{TotalSum: "100"}, nil).Once()
	d.On("Dispatch", mock.Anything, mock.Anything, isNew, mock.Anything).
		Return(valuation.Valuation{TotalSum: "200"}, nil).Once()

	e := NewEstimator(d, ratio, baseOpts, zaptest.NewLogger(t))

	errc := make(chan error, 1)
	go func() {
		_, err := e.Update(context.Background(), Inputs{Tokens: held, Balances: token.Balances{"STATE": "1"}})
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first dispatch never started")
	}

	est, err := e.Update(context.Background(), Inputs{Tokens: held, Balances: token.Balances{"STATE": "2"}})
	require.NoError(t, err)
	assert.Equal(t, "amm", est.Source)

	close(release)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first update never returned")
	}

	// Поздний старый результат не вытесняет новый
	latest, ok := e.Latest()
	require.True(t, ok)
	assert.True(t, dec("200").Equal(latest.Value), "got %s", latest.Value)
	d.AssertExpectations(t)
}

func TestEstimatorChainGate(t *testing.T) {
	d := new(mockDispatcher)
	e := NewEstimator(d, ratio, baseOpts, zaptest.NewLogger(t), WithSupportedChain(369))
	_, err := e.Update(context.Background(), Inputs{ChainID: 137})
	assert.ErrorIs(t, err, ErrUnsupportedChain)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRatioValuationShape(t *testing.T) {
	v, ok := ratio.Valuation(held, token.Balances{"DAV": "5", "STATE": "100.5", "A": "0.001", "B": "bad"})
	require.True(t, ok)
	assert.Equal(t, valuation.Placeholder, v.Values["DAV"])
	assert.Equal(t, "1,005", v.Values["STATE"])
	assert.Equal(t, "0.0200", v.Values["A"])
	assert.Equal(t, "0", v.Values["B"])
	assert.Equal(t, "1,005", v.TotalSum)

	huge := ratio
	huge.ReferenceToBase = dec("1e200")
	v, ok = huge.Valuation(held, token.Balances{"STATE": "1e100"})
	require.True(t, ok)
	assert.Equal(t, valuation.FormatWhole(new(uint256.Int).SetAllOne(), token.DefaultDecimals), v.TotalSum)

	_, ok = RatioEstimator{}.Valuation(held, token.Balances{})
	assert.False(t, ok)
}

func TestAssess(t *testing.T) {
	yes := true
	tests := []struct {
		name      string
		amm       *decimal.Decimal
		chain     OnChain
		ratio     decimal.Decimal
		estimated string
		required  string
		percent   int64
		meets     bool
		estSource string
		reqSource string
	}{
		{
			name:      "amm over chain",
			amm:       ptr(dec("150")),
			chain:     OnChain{TotalValue: ptr(dec("10")), RequiredValue: ptr(dec("100"))},
			estimated: "150", required: "100", percent: 150, meets: true,
			estSource: "amm", reqSource: "chain",
		},
		{
			name:      "chain total when amm missing",
			chain:     OnChain{TotalValue: ptr(dec("99.99")), RequiredValue: ptr(dec("100"))},
			estimated: "99.99", required: "100", percent: 99,
			estSource: "chain", reqSource: "chain",
		},
		{
			name:      "ratio and client required",
			chain:     OnChain{ClientRequired: dec("40"), TotalInvested: dec("80")},
			ratio:     dec("30"),
			estimated: "30", required: "40", percent: 75,
			estSource: "ratio", reqSource: "client",
		},
		{
			name:      "invested when client required is zero",
			amm:       ptr(dec("0")),
			chain:     OnChain{TotalInvested: dec("80")},
			estimated: "0", required: "80", percent: 0,
			estSource: "amm", reqSource: "invested",
		},
		{
			name:      "nothing required",
			amm:       ptr(dec("5")),
			estimated: "5", required: "0", percent: 0,
			estSource: "amm", reqSource: "invested",
		},
		{
			name:      "contract says meets",
			amm:       ptr(dec("1")),
			chain:     OnChain{RequiredValue: ptr(dec("100")), Meets: &yes},
			estimated: "1", required: "100", percent: 1, meets: true,
			estSource: "amm", reqSource: "chain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(tt.amm, tt.chain, func() decimal.Decimal { return tt.ratio })
			assert.True(t, dec(tt.estimated).Equal(a.Estimated), "estimated %s", a.Estimated)
			assert.True(t, dec(tt.required).Equal(a.Required), "required %s", a.Required)
			assert.Equal(t, tt.percent, a.Percent)
			assert.Equal(t, tt.meets, a.Meets)
			assert.Equal(t, tt.estSource, a.EstimatedSource)
			assert.Equal(t, tt.reqSource, a.RequiredSource)
		})
	}
}

func TestParseAmount(t *testing.T) {
	assert.True(t, dec("1234.5").Equal(parseAmount("1,234.5")))
	assert.True(t, parseAmount("-3").IsZero())
	assert.True(t, parseAmount("NaN").IsZero())
	assert.True(t, parseAmount("").IsZero())
	assert.True(t, parseAmount("1e99999999").IsZero())
	assert.True(t, parseAmount("1e400").IsZero())
}
