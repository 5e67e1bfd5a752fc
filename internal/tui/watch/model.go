package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/pool"
)

const (
	healthInterval   = 5 * time.Second
	sessionsInterval = 15 * time.Second
	reconnectDelay   = 3 * time.Second
	eventLogSize     = 50
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health    HealthState
	sessions  table.Model
	records   []pool.SessionRecord
	stats     pool.Stats
	jobs      map[string]*JobState
	eventLog  []events.Event
	lastEvent time.Time
	lastID    int64

	// Polling is driven by the one-second tick; these stop overlapping fetches.
	healthPending   bool
	sessionsPending bool
	sessionsStale   bool
	sessionsFetched time.Time

	theme     Theme
	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model that reads from client.
func New(client *Client) *Model {
	return &Model{
		client:    client,
		sessions:  newSessionTable(),
		jobs:      make(map[string]*JobState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
		now:       time.Now,
		// Both fetches are issued by Init.
		healthPending:   true,
		sessionsPending: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchSessions(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.sessionsStale = true
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sessions.SetWidth(m.width - 8)
		m.sessions.SetHeight(max(4, m.height/3))
		return m, nil

	case tickMsg:
		now := m.now()
		expireJobs(m.jobs, now)

		var cmds []tea.Cmd
		if !m.healthPending && now.Sub(m.health.LastCheck) >= healthInterval {
			m.healthPending = true
			cmds = append(cmds, fetchHealth(m.client))
		}
		if !m.sessionsPending && (m.sessionsStale || now.Sub(m.sessionsFetched) >= sessionsInterval) {
			m.sessionsPending = true
			m.sessionsStale = false
			cmds = append(cmds, fetchSessions(m.client))
		}
		cmds = append(cmds, tick())
		return m, tea.Batch(cmds...)

	case eventMsg:
		e := events.Event(msg)
		now := m.now()

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.lastEvent = now
		if e.ID > 0 {
			m.lastID = e.ID
		}

		updateJobState(m.jobs, e, now)
		if strings.HasPrefix(e.Type, "session.") {
			m.sessionsStale = true
		}

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.healthPending = false
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.Sessions = msg.Sessions
		m.health.SoftCap = msg.SoftCap
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, nil

	case sessionsMsg:
		m.sessionsPending = false
		m.sessionsFetched = m.now()
		m.records = msg.Sessions
		m.stats = msg.Stats
		m.sessions.SetRows(sessionRows(m.records, m.sessionsFetched))
		return m, nil

	case sseDisconnectedMsg:
		m.health.Connected = false
		// The stream's own position wins: IDs restart when the service does.
		if msg.lastID > 0 {
			m.lastID = msg.lastID
		}
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.client, m.lastID, m.hubEvents)

	case pollErrMsg:
		// Retried on the next due tick.
		if msg.sessions {
			m.sessionsPending = false
			m.sessionsFetched = m.now()
		} else {
			m.healthPending = false
			m.health.LastCheck = m.now()
			m.health.Connected = false
		}
		m.lastError = msg.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.sessions, cmd = m.sessions.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to dexter..."
	}
	now := m.now()

	header := renderHeader(m.health, m.lastEvent, now, m.theme, m.width)
	sessions := renderSessions(m.sessions, m.stats, m.theme, m.width)
	jobs := renderJobs(m.jobs, m.theme, m.width, now)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, sessions, jobs, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select session • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
