package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const balancesYAML = `
chain_id: 369
balances:
  - token: STATE
    amount: "1,000"
  - token: Yees
    amount: "500"
  - token: DAV
    amount: "3"
reference_holding: "1000"
claimable: "12.5"
on_chain:
  required_value: "1000"
  meets: false
  total_invested: "800"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBalanceFeedLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "balances.yaml", balancesYAML)

	snap, err := NewBalanceFeed(path, zaptest.NewLogger(t)).Load()
	require.NoError(t, err)

	assert.Equal(t, uint64(369), snap.ChainID)
	// Регистр имен сохраняется, разделители тысяч убираются
	assert.Equal(t, "1000", snap.Balances["STATE"])
	assert.Equal(t, "500", snap.Balances["Yees"])
	assert.Equal(t, "1000", snap.ReferenceHolding)
	assert.Equal(t, "12.5", snap.Claimable.String())

	require.NotNil(t, snap.OnChain.RequiredValue)
	assert.Equal(t, "1000", snap.OnChain.RequiredValue.String())
	assert.Nil(t, snap.OnChain.TotalValue)
	require.NotNil(t, snap.OnChain.Meets)
	assert.False(t, *snap.OnChain.Meets)
	assert.True(t, snap.OnChain.ClientRequired.IsZero())
	assert.Equal(t, "800", snap.OnChain.TotalInvested.String())
}

func TestBalanceFeedRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"bad claimable", "balances: []\nclaimable: lots\n"},
		{"bad required", "on_chain:\n  required_value: \"1e\"\n"},
		{"nameless balance", "balances:\n  - amount: \"1\"\n"},
		{"non-finite claimable", "claimable: \"1e99999999\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "feed.yaml", tt.content)
			_, err := NewBalanceFeed(path, zaptest.NewLogger(t)).Load()
			assert.Error(t, err)
		})
	}
}

func TestBalanceFeedMissingFile(t *testing.T) {
	_, err := NewBalanceFeed(filepath.Join(t.TempDir(), "none.yaml"), zaptest.NewLogger(t)).Load()
	assert.Error(t, err)
}
