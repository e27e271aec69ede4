package ui

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"go.uber.org/zap"
)

// DashboardEvents are the event types the dashboard reacts to.
var DashboardEvents = []events.EventType{
	events.ValuationUpdated,
	events.ValuationFailed,
	events.CacheLoaded,
	events.EstimateUpdated,
	events.WorkerCrashed,
}

// UpdateSender forwards pipeline events to the UI without ever blocking
// the publisher. A full channel drops the update.
type UpdateSender struct {
	msgChan        chan tea.Msg
	droppedUpdates atomic.Uint64
	sentUpdates    atomic.Uint64
	logger         *zap.Logger
	statsInterval  time.Duration
	stopStats      chan struct{}
	closeOnce      sync.Once

	mu   sync.Mutex
	subs []events.Subscription
}

// NewUpdateSender creates a sender writing into msgChan.
func NewUpdateSender(msgChan chan tea.Msg, logger *zap.Logger) *UpdateSender {
	us := &UpdateSender{
		msgChan:       msgChan,
		logger:        logger.Named("ui_updates"),
		statsInterval: 30 * time.Second,
		stopStats:     make(chan struct{}),
	}

	go us.logStats()

	return us
}

// Attach subscribes the sender to the given event types on bus.
func (us *UpdateSender) Attach(bus *events.Bus, types ...events.EventType) {
	us.mu.Lock()
	defer us.mu.Unlock()
	for _, t := range types {
		us.subs = append(us.subs, bus.SubscribeFunc(t, func(_ context.Context, e events.Event) error {
			us.SendUpdate(EventMsg{Event: e})
			return nil
		}))
	}
}

// SendUpdate sends a message to UI without blocking
func (us *UpdateSender) SendUpdate(msg tea.Msg) {
	select {
	case us.msgChan <- msg:
		us.sentUpdates.Add(1)
	default:
		us.droppedUpdates.Add(1)
	}
}

// GetStats returns current statistics
func (us *UpdateSender) GetStats() (sent, dropped uint64) {
	return us.sentUpdates.Load(), us.droppedUpdates.Load()
}

func (us *UpdateSender) logStats() {
	ticker := time.NewTicker(us.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, dropped := us.GetStats()
			if dropped > 0 {
				us.logger.Warn("UI update statistics",
					zap.Uint64("sent", sent),
					zap.Uint64("dropped", dropped),
					zap.Float64("drop_rate", float64(dropped)/float64(sent+dropped)*100))
			}
		case <-us.stopStats:
			return
		}
	}
}

// Close unsubscribes from the bus and stops the statistics loop
func (us *UpdateSender) Close() {
	us.closeOnce.Do(func() {
		us.mu.Lock()
		for _, s := range us.subs {
			s.Unsubscribe()
			us.logger.Debug("Detached from pipeline events", zap.String("event_type", string(s.Type())))
		}
		us.subs = nil
		us.mu.Unlock()
		close(us.stopStats)
	})
}
