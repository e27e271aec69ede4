package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ssprotocol/amm-valuator/internal/events"
)

// Tea message types for UI communication

// EventMsg wraps a pipeline event for the UI
type EventMsg struct {
	Event events.Event
}

// TickMsg redraws relative timestamps and polls the pipeline state
type TickMsg struct {
	At time.Time
}

// ListenUpdates returns a tea.Cmd that waits for the next forwarded event
func ListenUpdates(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func tick(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg{At: t}
	})
}
