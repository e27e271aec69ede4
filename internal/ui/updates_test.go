package ui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestUpdateSenderNonBlocking(t *testing.T) {
	msgChan := make(chan tea.Msg, 10)
	sender := NewUpdateSender(msgChan, zap.NewNop())
	defer sender.Close()

	for i := 0; i < 10; i++ {
		sender.SendUpdate(TickMsg{})
	}

	// Канал полон: остальное отбрасывается без блокировки
	start := time.Now()
	for i := 0; i < 100; i++ {
		sender.SendUpdate(TickMsg{})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	sent, dropped := sender.GetStats()
	assert.Equal(t, uint64(10), sent)
	assert.Equal(t, uint64(100), dropped)
}

func TestUpdateSenderConcurrent(t *testing.T) {
	msgChan := make(chan tea.Msg, 1000)
	sender := NewUpdateSender(msgChan, zap.NewNop())
	defer sender.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sender.SendUpdate(TickMsg{})
			}
		}()
	}
	wg.Wait()

	sent, dropped := sender.GetStats()
	assert.Equal(t, uint64(1000), sent+dropped)
}

func TestUpdateSenderForwardsBusEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 8)
	defer bus.Shutdown(context.Background())
	msgChan := make(chan tea.Msg, 8)
	sender := NewUpdateSender(msgChan, logger)
	sender.Attach(bus, events.ValuationUpdated)
	defer sender.Close()

	require.NoError(t, bus.Publish(events.ValuationUpdatedEvent{
		BaseEvent: events.NewBase(events.ValuationUpdated, time.Now()),
		TotalSum:  "1,500",
	}))
	// Не подписаны: не должно дойти
	require.NoError(t, bus.Publish(events.WorkerReadyEvent{
		BaseEvent: events.NewBase(events.WorkerReady, time.Now()),
	}))

	got := make(chan tea.Msg, 1)
	go func() { got <- ListenUpdates(msgChan)() }()

	select {
	case msg := <-got:
		em, ok := msg.(EventMsg)
		require.True(t, ok)
		updated, ok := em.Event.(events.ValuationUpdatedEvent)
		require.True(t, ok)
		assert.Equal(t, "1,500", updated.TotalSum)
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}
