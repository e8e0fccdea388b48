package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	active := 0
	for _, q := range m.queues {
		if q.Status == "running" {
			active++
		}
	}
	workers := 0
	uptime := "-"
	if m.system != nil {
		workers = m.system.RunningWorkers
		uptime = formatSeconds(m.system.UptimeSeconds)
	}
	header := fmt.Sprintf(" negosim │ Queues: %d running / %d │ Workers: %d │ Uptime: %s ",
		active, len(m.queues), workers, uptime)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	// Tab bar
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabQueues:
		section = m.renderQueues()
	case tabWorkers:
		section = m.renderWorkers()
	case tabSystem:
		section = m.renderSystem()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.fetchErr != nil {
		b.WriteString(warningStyle.Width(m.width).Render(fmt.Sprintf(" server unreachable: %v ", m.fetchErr)))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(queuedStyle.Width(m.width).Render(fmt.Sprintf(" %s ", m.statusMsg)))
		b.WriteString("\n")
	}

	// Status bar
	var statusBar string
	switch m.activeTab {
	case tabQueues:
		statusBar = " [tab]switch [j/k]navigate [s]tart [p]ause/resume [x]stop [r]efresh [q]uit "
	default:
		statusBar = " [tab]switch [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Queues", "Workers", "System"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderQueues() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("QUEUES"))
	b.WriteString("\n")

	if len(m.queues) == 0 {
		b.WriteString(queuedStyle.Render("  No queues. Create one with 'negosim queue create'."))
		return b.String()
	}

	header := fmt.Sprintf("    %-10s %-14s %-9s %-20s %6s %8s %6s",
		"ID", "Negotiation", "Status", "Progress", "Failed", "Cost", "Age")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	visible := m.visibleRows()
	start := m.scroll
	if start >= len(m.queues) {
		start = 0
	}
	end := start + visible
	if end > len(m.queues) {
		end = len(m.queues)
	}

	for i := start; i < end; i++ {
		q := m.queues[i]
		icon, style := queueBadge(q.Status)

		progress := fmt.Sprintf("%s %d/%d",
			progressBar(q.CompletedCount, q.FailedCount, q.TotalSimulations, 10),
			q.CompletedCount, q.TotalSimulations)

		line := fmt.Sprintf("  %s %-10s %-14s %-9s %-20s %6d %8s %6s",
			icon,
			shortID(q.ID),
			truncate(q.NegotiationID, 14),
			q.Status,
			progress,
			q.FailedCount,
			fmt.Sprintf("$%.2f", q.ActualCostUSD),
			formatAge(time.Since(q.CreatedAt)),
		)

		if i == m.selectedQueue {
			line = "> " + line[2:]
			b.WriteString(tabActiveStyle.Render(line))
		} else {
			b.WriteString(style.Render(line))
		}
		b.WriteString("\n")
	}

	if len(m.queues) > visible {
		b.WriteString(queuedStyle.Render(fmt.Sprintf("  ... showing %d-%d of %d (j/k to scroll)",
			start+1, end, len(m.queues))))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderWorkers() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("WORKERS"))
	b.WriteString("\n")

	if m.system == nil {
		b.WriteString(queuedStyle.Render("  Waiting for server..."))
		return b.String()
	}
	if len(m.system.Workers) == 0 {
		b.WriteString(queuedStyle.Render("  No workers running"))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-10s %7s %7s %7s %10s %6s",
		"Run", "Queue", "PID", "Rounds", "CPU", "Memory", "Age")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	for _, w := range m.system.Workers {
		line := fmt.Sprintf("  %-10s %-10s %7d %7d %6.1f%% %10s %6s",
			shortID(w.RunID),
			shortID(w.QueueID),
			w.PID,
			w.Rounds,
			w.CPUPercent,
			humanize.IBytes(w.MemoryRSS),
			formatAge(time.Since(w.StartedAt)),
		)
		b.WriteString(runningStyle.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderSystem() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SYSTEM"))
	b.WriteString("\n")

	if m.system == nil {
		b.WriteString(queuedStyle.Render("  Waiting for server..."))
		return b.String()
	}
	s := m.system

	b.WriteString(fmt.Sprintf("  Negotiations: %s   Queues: %s (%d active)   Runs: %s\n",
		humanize.Comma(int64(s.Store.Negotiations)),
		humanize.Comma(int64(s.Store.Queues)),
		s.Store.ActiveQueues,
		humanize.Comma(int64(s.Store.Runs))))

	if len(s.Store.RunsByStatus) > 0 {
		statuses := make([]string, 0, len(s.Store.RunsByStatus))
		for status := range s.Store.RunsByStatus {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)

		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", status, s.Store.RunsByStatus[status]))
		}
		b.WriteString("  Runs by status: ")
		b.WriteString(dimmedStyle.Render(strings.Join(parts, "  ")))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("HOST"))
	b.WriteString("\n")
	if s.Host.CPUModel != "" {
		b.WriteString(fmt.Sprintf("  CPU:  %s (%d cores)\n", s.Host.CPUModel, s.Host.CPUCores))
	}
	b.WriteString(fmt.Sprintf("  Load: %.1f%% cpu   %.0f/%.0f MB mem (%.0f%%)   load avg %.2f %.2f %.2f\n",
		s.Host.CPUPercent,
		s.Host.MemUsedMB, s.Host.MemTotalMB, s.Host.MemPercent,
		s.Host.LoadAvg1, s.Host.LoadAvg5, s.Host.LoadAvg15))

	if len(s.ProcessingQueues) > 0 {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(fmt.Sprintf("  Dispatch in flight: %s", strings.Join(s.ProcessingQueues, ", "))))
		b.WriteString("\n")
	}
	if s.DroppedEvents > 0 {
		b.WriteString(warningStyle.Render(fmt.Sprintf("  Dropped events: %d (slow stream consumers)", s.DroppedEvents)))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// queueBadge maps a queue status onto an icon and row style
func queueBadge(status string) (string, lipgloss.Style) {
	switch status {
	case "running":
		return "●", runningStyle
	case "paused":
		return "⏸", warningStyle
	case "completed":
		return "✓", completedStyle
	case "failed":
		return "✗", failedStyle
	case "stopped":
		return "■", dimmedStyle
	default: // pending
		return "○", queuedStyle
	}
}

// progressBar renders completed (filled), failed (x) and remaining (empty)
// cells proportionally in a fixed-width bar
func progressBar(completed, failed, total, width int) string {
	if total <= 0 {
		return "[" + strings.Repeat("░", width) + "]"
	}
	done := completed * width / total
	bad := failed * width / total
	if done+bad > width {
		bad = width - done
	}
	rest := width - done - bad
	return "[" + strings.Repeat("█", done) + strings.Repeat("x", bad) + strings.Repeat("░", rest) + "]"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// shortID shows the first uuid segment, enough to tell rows apart
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && i <= 8 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatSeconds(secs int64) string {
	return formatAge(time.Duration(secs) * time.Second)
}
