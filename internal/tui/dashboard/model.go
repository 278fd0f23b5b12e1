// Package dashboard is the interactive task watcher.
package dashboard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskpulse/taskpulse/internal/tui"
	"github.com/taskpulse/taskpulse/internal/watch"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

const maxEventLines = 500

// ConnectedMsg reports that the realtime connection is up and subscribed.
type ConnectedMsg struct{}

// DisconnectedMsg reports a dropped connection.
type DisconnectedMsg struct {
	Err   error
	Retry time.Duration
}

// UpdateMsg carries a status pushed by the server.
type UpdateMsg struct {
	Status protocol.AgentTaskRealtimeStatus
}

// FromEvent maps a watch client event to a tea message.
func FromEvent(ev watch.Event) tea.Msg {
	switch e := ev.(type) {
	case watch.Connected:
		return ConnectedMsg{}
	case watch.Disconnected:
		return DisconnectedMsg{Err: e.Err, Retry: e.Retry}
	case watch.Update:
		return UpdateMsg{Status: e.Status}
	}
	return nil
}

type keyMap struct {
	Quit   key.Binding
	Help   key.Binding
	Up     key.Binding
	Down   key.Binding
	Bottom key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Quit, k.Help} }

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Bottom}, {k.Help, k.Quit}}
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
	Up:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "scroll up")),
	Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "scroll down")),
	Bottom: key.NewBinding(key.WithKeys("G"), key.WithHelp("G", "follow")),
}

type taskRow struct {
	status *protocol.AgentTaskRealtimeStatus
}

// Model is the root watcher model.
type Model struct {
	server string
	state  tui.ConnState
	reason string

	order []string
	tasks map[string]*taskRow
	bar   progress.Model

	events     viewport.Model
	lines      []string
	autoScroll bool

	help     help.Model
	width    int
	height   int
	quitting bool
	now      func() time.Time
}

// NewModel creates a watcher for taskIDs. known seeds rows with statuses
// fetched before the realtime connection was opened.
func NewModel(server string, taskIDs []string, known []protocol.AgentTaskRealtimeStatus) Model {
	m := Model{
		server:     server,
		tasks:      make(map[string]*taskRow, len(taskIDs)),
		bar:        progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
		events:     viewport.New(80, 8),
		autoScroll: true,
		help:       help.New(),
		now:        time.Now,
	}
	for _, id := range taskIDs {
		if _, dup := m.tasks[id]; dup {
			continue
		}
		m.order = append(m.order, id)
		m.tasks[id] = &taskRow{}
	}
	for i := range known {
		if row, ok := m.tasks[known[i].TaskID]; ok {
			st := known[i]
			row.status = &st
		}
	}
	return m
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.events.Width = max(msg.Width-4, 20)
		m.events.Height = max(msg.Height-len(m.order)-10, 3)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, keys.Bottom):
			m.autoScroll = true
			m.events.GotoBottom()
			return m, nil
		case key.Matches(msg, keys.Up, keys.Down):
			m.autoScroll = false
		}

	case ConnectedMsg:
		m.state = tui.Connected
		m.reason = ""
		m.logEvent(tui.Success.Render("connected") + tui.Dimmed.Render(fmt.Sprintf("  subscribed to %d tasks", len(m.order))))
		return m, nil

	case DisconnectedMsg:
		switch {
		case msg.Retry > 0:
			m.state = tui.Reconnecting
			m.reason = fmt.Sprintf("retry in %s", msg.Retry)
		case errors.Is(msg.Err, watch.ErrUnauthorized):
			m.state = tui.Rejected
			m.reason = "check session or token"
		}
		if msg.Err != nil {
			m.logEvent(tui.WarningStyle.Render("disconnected") + "  " + tui.Dimmed.Render(msg.Err.Error()))
		}
		return m, nil

	case UpdateMsg:
		m.apply(msg.Status)
		return m, nil
	}

	var cmd tea.Cmd
	m.events, cmd = m.events.Update(msg)
	return m, cmd
}

func (m *Model) apply(st protocol.AgentTaskRealtimeStatus) {
	row, ok := m.tasks[st.TaskID]
	if !ok {
		return
	}
	row.status = &st

	line := fmt.Sprintf("%s  %s %3d%%", st.TaskID, tui.PhaseStyle(st.Phase).Render(string(st.Phase)), st.Progress)
	if st.Message != "" {
		line += "  " + tui.Dimmed.Render(st.Message)
	}
	m.logEvent(line)
}

func (m *Model) logEvent(line string) {
	m.lines = append(m.lines, tui.Dimmed.Render(m.now().Format("15:04:05"))+"  "+line)
	if len(m.lines) > maxEventLines {
		m.lines = m.lines[len(m.lines)-maxEventLines:]
	}
	m.events.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.events.GotoBottom()
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	width := max(m.width, 60)

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		tui.Title.Render("taskpulse"),
		"  ",
		tui.Description.Render(m.server),
		"  ",
		tui.StatusDot(m.state)+" "+tui.StatusText(m.state),
	)
	if m.reason != "" {
		header += "  " + tui.Dimmed.Render(m.reason)
	}

	var rows strings.Builder
	for _, id := range m.order {
		rows.WriteString(m.renderRow(id, m.tasks[id]))
		rows.WriteByte('\n')
	}

	tasks := tui.Panel.Width(width - 2).Render(tui.Subtitle.Render("Tasks") + "\n" + strings.TrimRight(rows.String(), "\n"))
	events := tui.Panel.Width(width - 2).Render(tui.Subtitle.Render("Events") + "\n" + m.events.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, tasks, events, m.help.View(keys))
}

func (m Model) renderRow(id string, row *taskRow) string {
	name := lipgloss.NewStyle().Width(24).Render(truncate(id, 22))
	if row.status == nil {
		return name + tui.Dimmed.Render("waiting for first update")
	}
	st := row.status
	phase := tui.PhaseStyle(st.Phase).Width(10).Render(string(st.Phase))
	pct := float64(min(max(st.Progress, 0), 100)) / 100
	out := name + phase + m.bar.ViewAs(pct) + fmt.Sprintf(" %3d%%", st.Progress)
	if st.Message != "" {
		out += "  " + tui.Dimmed.Render(truncate(st.Message, 40))
	}
	return out
}

// Status returns the latest known status of taskID.
func (m Model) Status(taskID string) (protocol.AgentTaskRealtimeStatus, bool) {
	row, ok := m.tasks[taskID]
	if !ok || row.status == nil {
		return protocol.AgentTaskRealtimeStatus{}, false
	}
	return *row.status, true
}

// State returns the connection state shown in the header.
func (m Model) State() tui.ConnState { return m.state }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
