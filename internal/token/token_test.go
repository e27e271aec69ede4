package token

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const registryYAML = `
tokens:
  - name: DAV
    address: "0x1111111111111111111111111111111111111111"
    symbol: DAV
  - name: STATE
    address: "0x2222222222222222222222222222222222222222"
    symbol: STATE
  - name: Yees
    address: "0x3333333333333333333333333333333333333333"
    symbol: YEES
    decimals: 9
  - name: Wrapped Pulse
    address: "0x4444444444444444444444444444444444444444"
    symbol: WPLS
    hidden: true
`

func TestParseUnits(t *testing.T) {
	tests := []struct {
		name     string
		balance  string
		decimals int
		want     string
	}{
		{"empty", "", 18, "0"},
		{"zero", "0", 18, "0"},
		{"zero with fraction", "0.000", 18, "0"},
		{"negative", "-5", 18, "0"},
		{"garbage", "abc", 18, "0"},
		{"nan", "NaN", 18, "0"},
		{"whole", "100", 18, "100000000000000000000"},
		{"fraction", "1.5", 6, "1500000"},
		{"truncates extra digits", "1.1234567", 6, "1123456"},
		{"exponent", "1e-3", 6, "1000"},
		{"spaces", "  2  ", 0, "2"},
		{"beyond float range", "1e400", 18, "0"},
		{"huge exponent", "1e99999999", 18, "0"},
		{"tiny exponent", "1e-99999999", 18, "0"},
		{"below one unit", "0.0000001", 6, "0"},
		{"widest that fits", "1e77", 0, "100000000000000000000000000000000000000000000000000000000000000000000000000000"},
		{"over 256 bits", "2e77", 0, "0"},
		{"over 256 bits after decimals", "1e60", 18, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseUnits(tt.balance, tt.decimals)
			want, ok := new(big.Int).SetString(tt.want, 10)
			require.True(t, ok)
			assert.Equal(t, 0, want.Cmp(got), "got %s", got)
		})
	}
}

func TestIsPositiveRejectsNonFinite(t *testing.T) {
	assert.True(t, IsPositive("1e308"))
	assert.False(t, IsPositive("1e400"))
	assert.False(t, IsPositive("1e99999999"))
	assert.False(t, IsPositive("-1"))

	d, ok := ParseDecimal(" 12.5 ")
	require.True(t, ok)
	assert.Equal(t, "12.5", d.String())
}

func TestLoadRegistry(t *testing.T) {
	loader := NewLoader(zaptest.NewLogger(t))

	registry, descriptors, err := loader.ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	assert.Len(t, registry, 4)
	require.Len(t, descriptors, 3, "hidden entries stay out of the display list")
	assert.Equal(t, "DAV", descriptors[0].Name)
	assert.Equal(t, 18, descriptors[1].Decimals)
	assert.Equal(t, 9, descriptors[2].Decimals)
	assert.Equal(t, 9, registry.Decimals("Yees", 18))
	assert.Equal(t, 18, registry.Decimals("missing", 18))
}

func TestLoadRegistryRejectsDuplicates(t *testing.T) {
	loader := NewLoader(zaptest.NewLogger(t))
	_, _, err := loader.ParseRegistry([]byte("tokens:\n  - name: A\n  - name: A\n"))
	assert.Error(t, err)

	_, _, err = loader.ParseRegistry([]byte("tokens: []\n"))
	assert.Error(t, err)
}

func TestResolveAddresses(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry, _, err := NewLoader(logger).ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	t.Run("registry key", func(t *testing.T) {
		got := ResolveAddresses(registry, ResolveConfig{ChainID: 369, ReferenceName: "STATE", WrappedSymbol: "WPLS"}, logger)
		assert.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), got.Reference)
		assert.Equal(t, common.HexToAddress("0x4444444444444444444444444444444444444444"), got.Base)
		assert.Equal(t, SourceRegistry, got.ReferenceSource)
		assert.Equal(t, SourceRegistry, got.BaseSource)
	})

	t.Run("symbol scan when key is absent", func(t *testing.T) {
		reg := Registry{
			"STATE": registry["STATE"],
			"WPLS":  {Address: "0x5555555555555555555555555555555555555555", Symbol: "WPLS"},
		}
		got := ResolveAddresses(reg, ResolveConfig{ChainID: 369, ReferenceName: "STATE", WrappedSymbol: "WPLS"}, logger)
		assert.Equal(t, common.HexToAddress("0x5555555555555555555555555555555555555555"), got.Base)
		assert.Equal(t, SourceSymbol, got.BaseSource)
	})

	t.Run("defaults", func(t *testing.T) {
		got := ResolveAddresses(Registry{}, ResolveConfig{ChainID: 369, ReferenceName: "STATE", WrappedSymbol: "WPLS"}, logger)
		assert.Equal(t, DefaultReferenceAddress, got.Reference)
		assert.Equal(t, DefaultBaseAddress, got.Base)
		assert.Equal(t, SourceDefault, got.ReferenceSource)
		assert.Equal(t, SourceDefault, got.BaseSource)
	})

	t.Run("chain specific key", func(t *testing.T) {
		reg := Registry{"Wrapped Sonic": {Address: "0x6666666666666666666666666666666666666666", Symbol: "wS"}}
		got := ResolveAddresses(reg, ResolveConfig{ChainID: 146, ReferenceName: "STATE"}, logger)
		assert.Equal(t, common.HexToAddress("0x6666666666666666666666666666666666666666"), got.Base)
	})
}

func TestBalancesClone(t *testing.T) {
	b := Balances{"A": "1"}
	c := b.Clone()
	c["A"] = "2"
	assert.Equal(t, "1", b.Get("A"))
	assert.Equal(t, "", Balances(nil).Get("A"))
}
