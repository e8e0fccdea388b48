package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.source)
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0
		case "j", "down":
			if m.activeTab == tabQueues && m.selectedQueue < len(m.queues)-1 {
				m.selectedQueue++
				m.scrollIntoView()
			}
		case "k", "up":
			if m.activeTab == tabQueues && m.selectedQueue > 0 {
				m.selectedQueue--
				m.scrollIntoView()
			}
		case "s":
			return m.queueOp("start")
		case "p":
			// Toggle: pause a running queue, resume a paused one
			if q := m.currentQueue(); q != nil {
				if q.Status == "paused" {
					return m.queueOp("resume")
				}
				return m.queueOp("pause")
			}
		case "x":
			return m.queueOp("stop")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(fetchCmd(m.source), tickCmd(m.refreshEvery))

	case SnapshotMsg:
		m.fetchErr = msg.Err
		if msg.Queues != nil || msg.Err == nil {
			m.queues = msg.Queues
		}
		if msg.System != nil {
			m.system = msg.System
		}
		m.lastRefresh = time.Now()
		if m.selectedQueue >= len(m.queues) {
			m.selectedQueue = len(m.queues) - 1
		}
		if m.selectedQueue < 0 {
			m.selectedQueue = 0
		}

	case OpDoneMsg:
		if msg.Err != nil {
			m.statusMsg = fmt.Sprintf("%s %s: %v", msg.Op, shortID(msg.QueueID), msg.Err)
			return m, nil
		}
		m.statusMsg = fmt.Sprintf("queue %s: %s ok", shortID(msg.QueueID), msg.Op)
		// Refresh right away so the new status shows without waiting a tick
		return m, fetchCmd(m.source)
	}

	return m, nil
}

// queueOp dispatches an operation against the selected queue
func (m Model) queueOp(op string) (tea.Model, tea.Cmd) {
	q := m.currentQueue()
	if q == nil {
		return m, nil
	}
	m.statusMsg = fmt.Sprintf("queue %s: %s...", shortID(q.ID), op)
	return m, opCmd(m.source, op, q.ID)
}

func (m Model) currentQueue() *QueueInfo {
	if m.activeTab != tabQueues {
		return nil
	}
	if m.selectedQueue < 0 || m.selectedQueue >= len(m.queues) {
		return nil
	}
	return &m.queues[m.selectedQueue]
}

// scrollIntoView keeps the selected queue inside the visible window
func (m *Model) scrollIntoView() {
	visible := m.visibleRows()
	if m.selectedQueue < m.scroll {
		m.scroll = m.selectedQueue
	}
	if m.selectedQueue >= m.scroll+visible {
		m.scroll = m.selectedQueue - visible + 1
	}
}

func (m Model) visibleRows() int {
	// Header, tab bar, section chrome and status bar eat about 8 lines
	rows := m.height - 8
	if rows < 5 {
		rows = 5
	}
	return rows
}
