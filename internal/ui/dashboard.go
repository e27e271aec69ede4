package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/ssprotocol/amm-valuator/internal/claim"
	"github.com/ssprotocol/amm-valuator/internal/events"
	"github.com/ssprotocol/amm-valuator/internal/refresh"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/ui/component"
	"github.com/ssprotocol/amm-valuator/internal/ui/style"
	"github.com/ssprotocol/amm-valuator/internal/utils/logger"
)

// Pipeline is what the dashboard reads from and steers. *app.Runner
// implements it.
type Pipeline interface {
	Snapshot() refresh.Snapshot
	Assessment() claim.Assessment
	Tokens() []token.Descriptor
	Refresh() bool
	SetVisible(visible bool)
	Export() (string, error)
}

const (
	tickInterval = time.Second
	recentLogs   = 3
	nameWidth    = 14
	valueWidth   = 18
)

// Dashboard renders per-token values, the total and the claim gate.
// Terminal focus drives the refresh cadence.
type Dashboard struct {
	pipeline Pipeline
	updates  <-chan tea.Msg
	unit     string

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	gauge   *component.GateGauge

	width   int
	focused bool
	paused  bool

	snap       refresh.Snapshot
	assessment claim.Assessment
	lastEvent  string
	logs       *logger.Ring

	titleStyle  lipgloss.Style
	nameStyle   lipgloss.Style
	valueStyle  lipgloss.Style
	totalStyle  lipgloss.Style
	mutedStyle  lipgloss.Style
	errorStyle  lipgloss.Style
	boxStyle    lipgloss.Style
	sourceStyle map[refresh.Source]lipgloss.Style
}

// NewDashboard creates the model. updates may be nil; the periodic tick
// keeps the view current either way.
func NewDashboard(p Pipeline, updates <-chan tea.Msg, unit string) *Dashboard {
	palette := style.DefaultPalette()

	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(palette.Primary)),
	)
	badge := func(c lipgloss.Color) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(c).Bold(true)
	}

	d := &Dashboard{
		pipeline: p,
		updates:  updates,
		unit:     unit,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		gauge:    component.NewGateGauge(20),
		width:    80,
		focused:  true,

		titleStyle: lipgloss.NewStyle().
			Foreground(palette.Primary).
			Bold(true),
		nameStyle: lipgloss.NewStyle().
			Foreground(palette.TextSecondary).
			Width(nameWidth),
		valueStyle: lipgloss.NewStyle().
			Foreground(palette.Text).
			Width(valueWidth).
			Align(lipgloss.Right),
		totalStyle: lipgloss.NewStyle().
			Foreground(palette.Secondary).
			Bold(true),
		mutedStyle: lipgloss.NewStyle().
			Foreground(palette.TextMuted),
		errorStyle: lipgloss.NewStyle().
			Foreground(palette.Error),
		boxStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.Primary).
			Padding(0, 2),
		sourceStyle: map[refresh.Source]lipgloss.Style{
			refresh.SourceEngine:   badge(palette.Engine),
			refresh.SourceCache:    badge(palette.Cached),
			refresh.SourceLastGood: badge(palette.Fallback),
			refresh.SourceRatio:    badge(palette.Fallback),
		},
	}
	d.sync()
	return d
}

// WithLogs shows the newest warnings from ring under the claim gate
func (d *Dashboard) WithLogs(ring *logger.Ring) *Dashboard {
	d.logs = ring
	return d
}

// Init starts the spinner, the tick and the event listener
func (d *Dashboard) Init() tea.Cmd {
	cmds := []tea.Cmd{d.spinner.Tick, tick(tickInterval)}
	if d.updates != nil {
		cmds = append(cmds, ListenUpdates(d.updates))
	}
	return tea.Batch(cmds...)
}

// Update handles dashboard updates
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.help.Width = msg.Width
		d.gauge.SetWidth(gaugeWidth(msg.Width))
		return d, nil

	case tea.FocusMsg:
		d.focused = true
		d.pipeline.SetVisible(!d.paused)
		return d, nil

	case tea.BlurMsg:
		d.focused = false
		d.pipeline.SetVisible(false)
		return d, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, d.keys.Quit):
			return d, tea.Quit
		case key.Matches(msg, d.keys.Refresh):
			d.pipeline.Refresh()
			d.sync()
		case key.Matches(msg, d.keys.Pause):
			d.paused = !d.paused
			d.pipeline.SetVisible(d.focused && !d.paused)
		case key.Matches(msg, d.keys.Export):
			if path, err := d.pipeline.Export(); err != nil {
				d.lastEvent = "export failed: " + err.Error()
			} else {
				d.lastEvent = "exported to " + path
			}
		case key.Matches(msg, d.keys.Help):
			d.help.ShowAll = !d.help.ShowAll
		}
		return d, nil

	case TickMsg:
		d.sync()
		return d, tick(tickInterval)

	case EventMsg:
		d.lastEvent = describe(msg.Event)
		d.sync()
		return d, ListenUpdates(d.updates)

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *Dashboard) sync() {
	d.snap = d.pipeline.Snapshot()
	d.assessment = d.pipeline.Assessment()
	d.gauge.SetValue(d.assessment.Percent, d.assessment.Meets)
}

// View renders the dashboard
func (d *Dashboard) View() string {
	var b strings.Builder

	status := d.mutedStyle.Render("●")
	if d.snap.Calculating {
		status = d.spinner.View()
	}
	b.WriteString(d.titleStyle.Render("AMM Portfolio Valuation") + "  " + status + "\n\n")

	values := d.snap.Valuation.Values
	for _, t := range d.pipeline.Tokens() {
		v, ok := values[t.Name]
		if !ok {
			v = "…"
		}
		b.WriteString(d.nameStyle.Render(t.Name) + d.valueStyle.Render(v) + "\n")
	}
	b.WriteString("\n")

	total := d.snap.Valuation.TotalSum
	if total == "" {
		total = "…"
	}
	b.WriteString(d.totalStyle.Render(fmt.Sprintf("Total  %s %s", total, d.unit)) + "  " + d.sourceBadge() + "\n")
	if d.snap.Valuation.TotalUnavailable {
		b.WriteString(d.errorStyle.Render("price conversion unavailable, total is not a confirmed zero") + "\n")
	}
	if d.snap.Err != nil {
		b.WriteString(d.errorStyle.Render("last cycle failed: "+d.snap.Err.Error()) + "\n")
	}
	b.WriteString(d.mutedStyle.Render("updated "+d.updatedAgo()) + "\n\n")

	a := d.assessment
	b.WriteString("Claim gate  " + d.gauge.View() + "\n")
	b.WriteString(d.mutedStyle.Render(fmt.Sprintf("%s of %s required (%s / %s)",
		a.Estimated.StringFixed(2), a.Required.StringFixed(2), a.EstimatedSource, a.RequiredSource)) + "\n")

	cadence := "active"
	if !d.focused || d.paused {
		cadence = "idle"
	}
	footer := "cadence " + cadence
	if d.lastEvent != "" {
		footer += " · " + d.lastEvent
	}
	b.WriteString(d.mutedStyle.Render(footer))

	if d.logs != nil {
		for _, e := range d.logs.Recent(recentLogs) {
			line := fmt.Sprintf("%s %s %s: %s", e.Time.Format("15:04:05"), e.Level.CapitalString(), e.Component, e.Message)
			b.WriteString("\n" + d.errorStyle.Render(line))
		}
	}

	return d.boxStyle.Render(b.String()) + "\n" + d.help.View(d.keys)
}

// gaugeWidth leaves room for the label, the percentage and the box border
func gaugeWidth(termWidth int) int {
	w := termWidth - 40
	if w < 10 {
		return 10
	}
	if w > 40 {
		return 40
	}
	return w
}

func (d *Dashboard) sourceBadge() string {
	st, ok := d.sourceStyle[d.snap.Source]
	if !ok {
		return d.mutedStyle.Render("[waiting]")
	}
	return st.Render("[" + string(d.snap.Source) + "]")
}

func (d *Dashboard) updatedAgo() string {
	at := d.snap.LastSuccess
	if at.IsZero() {
		at = d.snap.Valuation.Timestamp
	}
	if at.IsZero() {
		return "never"
	}
	return humanize.Time(at)
}

func describe(e events.Event) string {
	switch ev := e.(type) {
	case events.ValuationUpdatedEvent:
		return fmt.Sprintf("valued %d tokens in %s", ev.Tokens, ev.Duration.Round(time.Millisecond))
	case events.ValuationFailedEvent:
		return "valuation failed, showing " + ev.Fallback
	case events.CacheLoadedEvent:
		return "loaded cached values from " + humanize.Time(ev.Timestamp().Add(-ev.Age))
	case events.EstimateUpdatedEvent:
		return "claim estimate " + ev.Estimate + " (" + ev.Source + ")"
	case events.WorkerCrashedEvent:
		return fmt.Sprintf("worker crashed, %d requests rejected", ev.Rejected)
	default:
		return string(e.Type())
	}
}
