// Package tui renders live batch progress: a spinner, the unit currently
// being traced, and a running tally of terminal states. It consumes the
// orchestrator's event channel and quits when the channel closes.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/fltools/mtrace/internal/orchestrate"
)

var (
	currentStyle = lipgloss.NewStyle().Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	skipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const maxUnitWidth = 60

type model struct {
	spin    spinner.Model
	events  <-chan orchestrate.Event
	total   int
	started int
	current string
	counts  map[orchestrate.Status]int
	done    bool
}

type eventMsg orchestrate.Event
type drainedMsg struct{}

// Run drives the progress view until the event channel closes. total is the
// number of units in the batch, used only for the "(k/n)" counter.
func Run(events <-chan orchestrate.Event, total int) error {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	m := model{
		spin:   sp,
		events: events,
		total:  total,
		counts: make(map[orchestrate.Status]int),
	}
	_, err := tea.NewProgram(m).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.listen())
}

// listen blocks on the next orchestrator event; channel close means the
// batch is over.
func (m model) listen() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return drainedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		if msg.Outcome == nil {
			m.started++
			m.current = msg.Unit.ID()
		} else {
			m.counts[msg.Outcome.Status]++
			m.current = ""
		}
		return m, m.listen()
	case drainedMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	var sb strings.Builder
	if m.done {
		sb.WriteString(doneStyle.Render("✓ batch finished"))
	} else if m.current != "" {
		fmt.Fprintf(&sb, "%s tracing %s %s",
			m.spin.View(),
			currentStyle.Render(runewidth.Truncate(m.current, maxUnitWidth, "…")),
			mutedStyle.Render(fmt.Sprintf("(%d/%d)", m.started, m.total)))
	} else {
		fmt.Fprintf(&sb, "%s preparing…", m.spin.View())
	}
	sb.WriteString("\n")

	tally := []struct {
		label  string
		status orchestrate.Status
		style  lipgloss.Style
	}{
		{"completed", orchestrate.StatusCompleted, doneStyle},
		{"timed out", orchestrate.StatusTimedOut, skipStyle},
		{"skipped", orchestrate.StatusSkippedSubtests, skipStyle},
		{"oversize", orchestrate.StatusSkippedOversize, skipStyle},
	}
	parts := make([]string, 0, len(tally))
	for _, t := range tally {
		n := m.counts[t.status]
		s := fmt.Sprintf("%s %d", t.label, n)
		if n > 0 {
			parts = append(parts, t.style.Render(s))
		} else {
			parts = append(parts, mutedStyle.Render(s))
		}
	}
	sb.WriteString("  " + strings.Join(parts, mutedStyle.Render(" · ")) + "\n")
	return sb.String()
}
