// Package tui is a terminal beat display with keyboard control.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cbegin/metronome-go/internal/scheduler"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#d0d0ff"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	beatStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f87")).Bold(true)
	polyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5fd7ff"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff8700"))
)

const bpmStep = 5

// Controller is the part of a metronome the display drives.
type Controller interface {
	Toggle(ctx context.Context) error
	Pause()
	Resume(ctx context.Context) error
	State() scheduler.State
	Snapshot() scheduler.Snapshot
	SetBPM(bpm float64) error
	SetSubdivision(n int) error
}

type EventMsg scheduler.Event

type closedMsg struct{}

type Model struct {
	ctx    context.Context
	ctrl   Controller
	events <-chan scheduler.Event

	last     scheduler.Event
	seen     bool
	polyBeat int
	polyHit  bool
	err      error
	quitting bool
}

// NewModel renders events read from events, typically a Metronome.Watch
// channel, and sends key commands to ctrl.
func NewModel(ctx context.Context, ctrl Controller, events <-chan scheduler.Event) Model {
	return Model{ctx: ctx, ctrl: ctrl, events: events, polyBeat: -1}
}

func listen(events <-chan scheduler.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return EventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return listen(m.events)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.err = nil
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case " ", "space":
			m.err = m.ctrl.Toggle(m.ctx)
			m.seen = false

		case "p":
			switch m.ctrl.State() {
			case scheduler.Running:
				m.ctrl.Pause()
			case scheduler.Paused:
				m.err = m.ctrl.Resume(m.ctx)
			}

		case "+", "=":
			m.err = m.ctrl.SetBPM(m.ctrl.Snapshot().Tempo.BPM + bpmStep)

		case "-", "_":
			m.err = m.ctrl.SetBPM(m.ctrl.Snapshot().Tempo.BPM - bpmStep)

		case "]":
			m.err = m.ctrl.SetSubdivision(m.ctrl.Snapshot().Tempo.Subdivision + 1)

		case "[":
			m.err = m.ctrl.SetSubdivision(m.ctrl.Snapshot().Tempo.Subdivision - 1)
		}

	case EventMsg:
		ev := scheduler.Event(msg)
		if ev.Kind == scheduler.EventPolyrhythm {
			m.polyBeat = ev.PolyBeat
			m.polyHit = true
		} else {
			m.last = ev
			m.seen = true
			m.polyHit = false
		}
		return m, listen(m.events)

	case closedMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	snap := m.ctrl.Snapshot()
	ts := snap.Tempo.TimeSignature

	var b strings.Builder
	b.WriteString(titleStyle.Render("metronome"))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render(fmt.Sprintf("%s  %.1f BPM  %s  sub %d",
		snap.State, snap.Tempo.BPM, ts, snap.Tempo.Subdivision)))
	b.WriteString("\n\n")

	b.WriteString(m.beatRow(ts.Numerator))
	b.WriteString("\n")
	if snap.Tempo.Polyrhythm.Enabled {
		b.WriteString(m.polyRow(snap.Tempo.Polyrhythm.CrossBeats))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.seen {
		b.WriteString(fmt.Sprintf("measure %d  beat %d.%d", m.last.Measure, m.last.Beat+1, m.last.Tick+1))
	} else {
		b.WriteString(dimStyle.Render("measure -  beat -"))
	}
	if snap.GradualActive {
		b.WriteString(statusStyle.Render("  (ramping)"))
	}
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("space start/stop · p pause · +/- tempo · [ ] subdivision · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) beatRow(beats int) string {
	cells := make([]string, beats)
	for i := range cells {
		switch {
		case m.seen && i == m.last.Beat && m.last.Accent:
			cells[i] = accentStyle.Render("●")
		case m.seen && i == m.last.Beat:
			cells[i] = beatStyle.Render("●")
		default:
			cells[i] = dimStyle.Render("·")
		}
	}
	return strings.Join(cells, " ")
}

func (m Model) polyRow(cross int) string {
	cells := make([]string, cross)
	for i := range cells {
		if m.polyHit && i == m.polyBeat {
			cells[i] = polyStyle.Render("◆")
		} else {
			cells[i] = dimStyle.Render("◇")
		}
	}
	return strings.Join(cells, " ")
}

// Run blocks until the user quits or events is closed.
func Run(ctx context.Context, ctrl Controller, events <-chan scheduler.Event) error {
	_, err := tea.NewProgram(NewModel(ctx, ctrl, events), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
