package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLoggerWritesJSONToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valuator.log")
	cfg := DefaultConfig()
	cfg.LogFile = path
	cfg.Console = false

	log, err := New(cfg)
	require.NoError(t, err)

	end := log.TrackPerformance("compute")
	log.WithComponent("engine").Info("Valuation computed")
	log.WithChain(369, "0xRouter").Warn("Total conversion failed")
	end()
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "debug lines are filtered outside development")

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "engine", first["component"])
	assert.Equal(t, "INFO", first["level"])
	assert.Contains(t, first, "timestamp")

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.EqualValues(t, 369, second["chain_id"])
}

func TestLoggerWithoutSinksIsNop(t *testing.T) {
	log, err := New(&Config{})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		log.LogError("ignored", assert.AnError)
		_ = log.Close()
	})
}

func TestRingCapturesWarnings(t *testing.T) {
	ring := NewRing(2, zapcore.WarnLevel)
	log, err := New(&Config{Ring: ring})
	require.NoError(t, err)

	log.Info("ignored")
	log.WithComponent("quote").Warn("Router reverted")
	log.Named("cache").Error("Cache write failed")
	log.WithComponent("engine").Warn("Total conversion failed", zap.String("component", "refresh"))

	assert.Equal(t, uint64(3), ring.Total())

	recent := ring.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "Cache write failed", recent[0].Message)
	assert.Equal(t, "cache", recent[0].Component)
	assert.Equal(t, zapcore.ErrorLevel, recent[0].Level)
	// Поле записи важнее поля логгера
	assert.Equal(t, "refresh", recent[1].Component)

	last := ring.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "Total conversion failed", last[0].Message)
}
