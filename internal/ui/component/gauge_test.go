package component

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateGaugeBar(t *testing.T) {
	tests := []struct {
		name    string
		percent int64
		filled  int
	}{
		{"empty", 0, 0},
		{"negative", -10, 0},
		{"tiny shows one cell", 1, 1},
		{"half", 50, 5},
		{"over full", 151, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := NewGateGauge(10).SetValue(tt.percent, false).bar()
			assert.Equal(t, tt.filled, strings.Count(bar, "█"))
			assert.Equal(t, 10, strings.Count(bar, "█")+strings.Count(bar, "░"))
		})
	}
}

func TestGateGaugeView(t *testing.T) {
	view := NewGateGauge(4).SetValue(151, true).View()
	assert.Contains(t, view, "151%")
	assert.Contains(t, view, "✓")

	assert.Equal(t, "", NewGateGauge(0).bar())
}
