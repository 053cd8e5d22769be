// Package tui implements the `sessionrunner watch` dashboard: a
// bubbletea program that subscribes directly to the in-process event
// bus (independent of the SSE/HTTP surface) and renders live
// Group/Queue progress — a status table, a progress bar, and a detail
// pane rendering the latest assistant message as markdown.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

// logOverlayLines is how many recent entries the "l" overlay shows from
// the shared ring buffer; kept small so it never outgrows one screen.
const logOverlayLines = 12

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusColors = map[string]string{
		"pending":   "243",
		"active":    "220",
		"running":   "220",
		"paused":    "214",
		"completed": "42",
		"failed":    "196",
		"skipped":   "245",
	}
)

func statusStyle(status string) lipgloss.Style {
	color, ok := statusColors[status]
	if !ok {
		color = "255"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

// row is one line of the table: a session or a queue command, whichever
// the watched resource is.
type row struct {
	id      string
	label   string
	status  string
	costUSD float64
}

type eventMsg sdkevents.Event

// Model is the bubbletea model backing `sessionrunner watch`.
type Model struct {
	title    string
	sub      pubsub.Subscription
	events   chan sdkevents.Event
	progress progress.Model

	rows        map[string]*row
	order       []string
	lastMessage string
	done        bool
	finalStatus string
	width       int
	height      int
	showLogs    bool
}

// New builds a watch dashboard titled title, subscribed directly to the
// in-process event bus (never through SSE/HTTP) for every event bearing
// groupID or queueID — whichever resourceID identifies.
func New(title, resourceID string, bus *pubsub.Broker[sdkevents.Event]) *Model {
	m := &Model{
		title:    title,
		events:   make(chan sdkevents.Event, 256),
		progress: progress.New(progress.WithDefaultGradient()),
		rows:     make(map[string]*row),
	}

	m.sub = bus.Subscribe(sdkevents.Topic, func(ev sdkevents.Event) {
		if ev.GroupID != resourceID && ev.QueueID != resourceID {
			return
		}
		select {
		case m.events <- ev:
		default:
		}
	})
	return m
}

// Close releases the bus subscription. Call once the program exits.
func (m *Model) Close() { m.sub.Unsubscribe() }

// SeedGroup primes the dashboard with a SessionGroup's already-persisted
// state, so a group that is paused or already finished renders correctly
// even before (or without) any further bus event.
func (m *Model) SeedGroup(g *model.SessionGroup) {
	for _, s := range g.Sessions {
		cost := 0.0
		if s.CostUSD != nil {
			cost = *s.CostUSD
		}
		m.upsert(s.ID, s.ID, string(s.Status), cost)
	}
	if g.Status == model.GroupCompleted || g.Status == model.GroupFailed {
		m.done = true
		m.finalStatus = string(g.Status)
	}
}

// SeedQueue primes the dashboard with a CommandQueue's already-persisted
// state.
func (m *Model) SeedQueue(q *model.CommandQueue) {
	for _, c := range q.Commands {
		cost := 0.0
		if c.CostUSD != nil {
			cost = *c.CostUSD
		}
		label := c.Prompt
		if label == "" {
			label = fmt.Sprintf("command %d", c.Index)
		}
		m.upsert(m.commandKey(q.ID, c.Index), label, string(c.Status), cost)
	}
	if q.Status == model.QueueCompleted || q.Status == model.QueueFailed || q.Status == model.QueueStopped {
		m.done = true
		m.finalStatus = string(q.Status)
	}
}

// Init starts the event-listening loop.
func (m *Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.progress.Width = m.width - 4
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
		}
		return m, nil
	case eventMsg:
		m.apply(sdkevents.Event(msg))
		return m, m.waitForEvent()
	}
	return m, nil
}

func (m *Model) apply(ev sdkevents.Event) {
	switch ev.Type {
	case sdkevents.GroupSessionStarted:
		if d, ok := ev.Data.(sdkevents.GroupSessionStartedData); ok {
			m.upsert(d.SessionID, d.SessionID, "active", 0)
		}
	case sdkevents.GroupSessionCompleted:
		if d, ok := ev.Data.(sdkevents.GroupSessionCompletedData); ok {
			m.upsert(d.SessionID, d.SessionID, d.Status, 0)
		}
	case sdkevents.GroupSessionFailed:
		if d, ok := ev.Data.(sdkevents.GroupSessionFailedData); ok {
			m.upsert(d.SessionID, d.SessionID, "failed", 0)
		}
	case sdkevents.QueueCommandStarted:
		if d, ok := ev.Data.(sdkevents.CommandStartedData); ok {
			m.upsert(m.commandKey(ev.QueueID, d.Index), d.Prompt, "running", 0)
		}
	case sdkevents.QueueCommandCompleted:
		if d, ok := ev.Data.(sdkevents.CommandCompletedData); ok {
			key := m.commandKey(ev.QueueID, d.Index)
			m.upsert(key, m.commandLabel(key, d.Index), "completed", d.CostUSD)
		}
	case sdkevents.QueueCommandFailed:
		if d, ok := ev.Data.(sdkevents.CommandFailedData); ok {
			key := m.commandKey(ev.QueueID, d.Index)
			m.upsert(key, m.commandLabel(key, d.Index), "failed", 0)
		}
	case sdkevents.GroupCompleted:
		m.done = true
		m.finalStatus = "completed"
	case sdkevents.GroupFailed:
		m.done = true
		m.finalStatus = "failed"
	case sdkevents.QueueCompleted:
		m.done = true
		m.finalStatus = "completed"
	case sdkevents.QueueFailed:
		m.done = true
		m.finalStatus = "failed"
	case sdkevents.SessionMessageReceived:
		if d, ok := ev.Data.(sdkevents.MessageReceivedData); ok && d.Role == "assistant" {
			rendered, err := glamour.Render(d.Content, "dark")
			if err != nil {
				rendered = d.Content
			}
			m.lastMessage = rendered
		}
	}
}

// commandKey is the row key for one queue command. Events and SeedQueue
// both key off the command's persisted index, so a resumed queue's
// events land on the rows its seed created.
func (m *Model) commandKey(queueID string, index int) string {
	return fmt.Sprintf("%s:%d", queueID, index)
}

// commandLabel keeps the prompt shown by an earlier started/seed row,
// falling back to a positional name for a command never seen starting.
func (m *Model) commandLabel(key string, index int) string {
	if r, ok := m.rows[key]; ok {
		return r.label
	}
	return fmt.Sprintf("command %d", index)
}

func (m *Model) upsert(id, label, status string, costUSD float64) {
	r, ok := m.rows[id]
	if !ok {
		r = &row{id: id, label: label}
		m.rows[id] = r
		m.order = append(m.order, id)
	}
	r.label = label
	r.status = status
	if costUSD > 0 {
		r.costUSD = costUSD
	}
}

func (m *Model) fractionComplete() float64 {
	if len(m.order) == 0 {
		return 0
	}
	done := 0
	for _, id := range m.order {
		switch m.rows[id].status {
		case "completed", "failed", "skipped":
			done++
		}
	}
	return float64(done) / float64(len(m.order))
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	ids := make([]string, len(m.order))
	copy(ids, m.order)
	sort.Strings(ids)
	for _, id := range ids {
		r := m.rows[id]
		line := fmt.Sprintf("%-28s %s", truncate(r.label, 28), statusStyle(r.status).Render(r.status))
		if r.costUSD > 0 {
			line += dimStyle.Render(fmt.Sprintf("  $%.4f", r.costUSD))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(m.fractionComplete()))
	b.WriteString("\n")

	if m.done {
		b.WriteString("\n")
		b.WriteString(statusStyle(m.finalStatus).Render(fmt.Sprintf("finished: %s", m.finalStatus)))
		b.WriteString("\n")
	}

	if m.lastMessage != "" {
		b.WriteString("\n")
		b.WriteString(paneStyle.Render(m.lastMessage))
	}

	if m.showLogs {
		b.WriteString("\n")
		b.WriteString(paneStyle.Render(m.renderLogOverlay()))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("press q to quit, l to toggle logs"))
	return b.String()
}

// renderLogOverlay reads the most recent entries off the shared debug-log
// ring buffer so the dashboard can show them without re-reading the log
// file; empty when --debug logging was never enabled for this process.
func (m *Model) renderLogOverlay() string {
	lines := log.GetRecentLogs(logOverlayLines)
	if len(lines) == 0 {
		return dimStyle.Render("(no log entries; run with --debug to populate)")
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(strings.TrimSuffix(line, "\n"))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// truncate cuts s to n display cells, appending an ellipsis when
// anything was dropped. ansi.Truncate is width-aware and skips over
// escape sequences, so styled or CJK labels never get cut mid-sequence.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "…")
}
