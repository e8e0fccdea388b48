// Package tui renders the live queue dashboard. It is a pure HTTP client
// of a running negosim server: every snapshot comes from the API and every
// key action goes back through it, so the dashboard can attach and detach
// freely without touching the database.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// DefaultRefreshInterval is how often the dashboard polls the server
const DefaultRefreshInterval = 2 * time.Second

// Dashboard tabs
const (
	tabQueues = iota
	tabWorkers
	tabSystem
	tabCount
)

// Model is the dashboard application model
type Model struct {
	source DataSource

	// Latest snapshot
	queues   []QueueInfo
	system   *SystemStatus
	fetchErr error

	// UI state
	width         int
	height        int
	activeTab     int
	selectedQueue int
	scroll        int
	statusMsg     string

	refreshEvery time.Duration
	lastRefresh  time.Time
}

// ModelConfig holds the dashboard's wiring
type ModelConfig struct {
	Source       DataSource
	RefreshEvery time.Duration
}

// NewModel creates a dashboard model
func NewModel(cfg ModelConfig) Model {
	every := cfg.RefreshEvery
	if every <= 0 {
		every = DefaultRefreshInterval
	}
	return Model{
		source:       cfg.Source,
		refreshEvery: every,
	}
}

// Init starts the refresh loop with an immediate fetch
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchCmd(m.source),
		tickCmd(m.refreshEvery),
	)
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

// SnapshotMsg carries a fresh server snapshot
type SnapshotMsg struct {
	Queues []QueueInfo
	System *SystemStatus
	Err    error
}

// OpDoneMsg reports the outcome of a queue operation
type OpDoneMsg struct {
	Op      string
	QueueID string
	Err     error
}

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchCmd pulls queues and system status in one snapshot. A partial
// failure surfaces as the snapshot error while keeping the old data on
// screen.
func fetchCmd(source DataSource) tea.Cmd {
	return func() tea.Msg {
		queues, err := source.Queues()
		if err != nil {
			return SnapshotMsg{Err: err}
		}
		system, err := source.SystemStatus()
		if err != nil {
			return SnapshotMsg{Queues: queues, Err: err}
		}
		return SnapshotMsg{Queues: queues, System: system}
	}
}

// opCmd runs one queue operation against the server
func opCmd(source DataSource, op, queueID string) tea.Cmd {
	return func() tea.Msg {
		var err error
		switch op {
		case "start":
			err = source.StartQueue(queueID)
		case "pause":
			err = source.PauseQueue(queueID)
		case "resume":
			err = source.ResumeQueue(queueID)
		case "stop":
			err = source.StopQueue(queueID)
		}
		return OpDoneMsg{Op: op, QueueID: queueID, Err: err}
	}
}
