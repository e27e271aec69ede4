package ui

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockModel panics on its first message or quits right away.
type mockModel struct {
	shouldPanic bool
}

type boomMsg struct{}

func (m *mockModel) Init() tea.Cmd {
	if m.shouldPanic {
		return func() tea.Msg { return boomMsg{} }
	}
	return tea.Quit
}

func (m *mockModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(boomMsg); ok {
		panic("update panic test")
	}
	return m, nil
}

func (m *mockModel) View() string { return "Test UI" }

func headless() []tea.ProgramOption {
	return []tea.ProgramOption{
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutSignalHandler(),
		tea.WithoutRenderer(),
		tea.WithoutCatchPanics(),
	}
}

func TestRecoveryHandlerRestartsAfterPanic(t *testing.T) {
	var runs atomic.Int32
	createUI := func() (tea.Model, []tea.ProgramOption) {
		n := runs.Add(1)
		return &mockModel{shouldPanic: n <= 2}, headless()
	}

	handler := NewRecoveryHandler(zap.NewNop(), createUI)
	handler.restartDelay = 10 * time.Millisecond

	require.NoError(t, handler.RunWithRecovery(context.Background()))
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 2, handler.GetRestartCount())
}

func TestRecoveryHandlerGivesUp(t *testing.T) {
	createUI := func() (tea.Model, []tea.ProgramOption) {
		return &mockModel{shouldPanic: true}, headless()
	}

	handler := NewRecoveryHandler(zap.NewNop(), createUI)
	handler.restartDelay = time.Millisecond
	handler.maxRestarts = 2

	err := handler.RunWithRecovery(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many times")
	assert.Equal(t, 3, handler.GetRestartCount())
}

func TestRecoveryHandlerHonoursContext(t *testing.T) {
	createUI := func() (tea.Model, []tea.ProgramOption) {
		return &mockModel{shouldPanic: true}, headless()
	}

	handler := NewRecoveryHandler(zap.NewNop(), createUI)
	handler.restartDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, handler.RunWithRecovery(ctx), context.Canceled)
}
