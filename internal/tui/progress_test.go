package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fltools/mtrace/internal/orchestrate"
)

func testModel(total int) model {
	return model{
		total:  total,
		counts: make(map[orchestrate.Status]int),
	}
}

func TestUpdate_StartedEvent_ShowsCurrentUnit(t *testing.T) {
	t.Parallel()

	m := testModel(3)
	unit := orchestrate.TestUnit{Pkg: "example.com/t/a", Test: "TestA"}

	next, _ := m.Update(eventMsg(orchestrate.Event{Unit: unit}))
	m = next.(model)

	assert.Equal(t, 1, m.started)
	assert.Equal(t, "example.com/t/a::TestA", m.current)
	assert.Contains(t, m.View(), "example.com/t/a::TestA")
	assert.Contains(t, m.View(), "(1/3)")
}

func TestUpdate_TerminalEvent_Tallies(t *testing.T) {
	t.Parallel()

	m := testModel(1)
	unit := orchestrate.TestUnit{Pkg: "example.com/t/a"}
	out := &orchestrate.Outcome{Unit: unit, Status: orchestrate.StatusCompleted}

	next, _ := m.Update(eventMsg(orchestrate.Event{Unit: unit, Outcome: out}))
	m = next.(model)

	assert.Equal(t, 1, m.counts[orchestrate.StatusCompleted])
	assert.Empty(t, m.current)
	assert.Contains(t, m.View(), "completed 1")
}

func TestUpdate_Drained_QuitsDone(t *testing.T) {
	t.Parallel()

	m := testModel(1)

	next, cmd := m.Update(drainedMsg{})
	m = next.(model)

	assert.True(t, m.done)
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "batch finished")
}

func TestUpdate_CtrlC_Quits(t *testing.T) {
	t.Parallel()

	m := testModel(1)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})

	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestListen_ReturnsDrainedOnClose(t *testing.T) {
	t.Parallel()

	events := make(chan orchestrate.Event)
	close(events)
	m := testModel(0)
	m.events = events

	msg := m.listen()()

	assert.IsType(t, drainedMsg{}, msg)
}
