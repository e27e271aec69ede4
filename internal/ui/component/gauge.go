package component

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/ssprotocol/amm-valuator/internal/ui/style"
)

// GateGauge shows how far the portfolio is towards the required value
type GateGauge struct {
	percent int64
	meets   bool
	width   int
}

// NewGateGauge creates a gauge of the given bar width
func NewGateGauge(width int) *GateGauge {
	return &GateGauge{width: width}
}

// SetValue sets the percentage and whether the requirement is met
func (g *GateGauge) SetValue(percent int64, meets bool) *GateGauge {
	g.percent = percent
	g.meets = meets
	return g
}

// SetWidth sets the gauge width
func (g *GateGauge) SetWidth(width int) *GateGauge {
	g.width = width
	return g
}

// View renders the gauge
func (g *GateGauge) View() string {
	palette := style.DefaultPalette()

	color := palette.Warning
	mark := "…"
	switch {
	case g.meets:
		color = palette.Success
		mark = "✓"
	case g.percent <= 0:
		color = palette.TextMuted
		mark = "·"
	}

	bar := lipgloss.NewStyle().Foreground(color).Render(g.bar())
	text := lipgloss.NewStyle().Foreground(color).Bold(true).Render(fmt.Sprintf("%d%% %s", g.percent, mark))
	return bar + " " + text
}

// bar fills up to 100%; anything above stays full.
func (g *GateGauge) bar() string {
	if g.width <= 0 {
		return ""
	}
	pct := g.percent
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct * int64(g.width) / 100)
	if filled == 0 && g.percent > 0 {
		filled = 1
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", g.width-filled)
}
