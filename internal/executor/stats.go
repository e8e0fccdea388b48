package executor

import (
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// WorkerStat is a snapshot of one live worker with its process usage
type WorkerStat struct {
	RunID         string    `json:"runId"`
	QueueID       string    `json:"queueId"`
	NegotiationID string    `json:"negotiationId"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Rounds        int       `json:"rounds"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryRSS     uint64    `json:"memoryRss"`
}

// WorkerStats snapshots every live worker with per-process CPU and RSS,
// oldest first. Usage stays zero when the process has already exited.
func (m *Manager) WorkerStats() []WorkerStat {
	workers := m.Workers()
	stats := make([]WorkerStat, 0, len(workers))
	for _, w := range workers {
		stat := WorkerStat{
			RunID:         w.RunID,
			QueueID:       w.QueueID,
			NegotiationID: w.NegotiationID,
			PID:           w.PID,
			StartedAt:     w.StartedAt,
			Rounds:        w.Rounds(),
		}
		if proc, err := process.NewProcess(int32(w.PID)); err == nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				stat.CPUPercent = cpu
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				stat.MemoryRSS = mem.RSS
			}
		}
		stats = append(stats, stat)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].StartedAt.Equal(stats[j].StartedAt) {
			return stats[i].RunID < stats[j].RunID
		}
		return stats[i].StartedAt.Before(stats[j].StartedAt)
	})
	return stats
}
