package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)

	var order []string
	for _, name := range []string{"cache", "channel", "controller"} {
		name := name
		sh.AddFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sh.Shutdown(context.Background()))
	assert.Equal(t, []string{"controller", "channel", "cache"}, order)

	// Повторный вызов ничего не закрывает
	require.NoError(t, sh.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownCollectsErrorsAndTimeouts(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), 20*time.Millisecond)

	closed := false
	sh.AddFunc("last", func() error {
		closed = true
		return nil
	})
	sh.AddFunc("stuck", func() error {
		time.Sleep(time.Second)
		return nil
	})
	sh.AddFunc("broken", func() error { return errors.New("disk full") })

	err := sh.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: disk full")
	assert.Contains(t, err.Error(), "stuck: shutdown timeout")
	assert.True(t, closed)
}
