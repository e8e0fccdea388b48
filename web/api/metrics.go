package api

import (
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostMetrics is the host section of the system status response
type hostMetrics struct {
	CPUModel   string  `json:"cpuModel,omitempty"`
	CPUCores   int     `json:"cpuCores,omitempty"`
	CPUPercent float64 `json:"cpuPercent"`
	MemTotalMB float64 `json:"memTotalMb"`
	MemUsedMB  float64 `json:"memUsedMb"`
	MemPercent float64 `json:"memPercent"`
	LoadAvg1   float64 `json:"loadAvg1"`
	LoadAvg5   float64 `json:"loadAvg5"`
	LoadAvg15  float64 `json:"loadAvg15"`
}

// hostStats samples host CPU, memory and load. CPU usage is computed
// from the delta between consecutive samples, so the first collect after
// startup reports zero.
type hostStats struct {
	mu           sync.Mutex
	lastCPUTotal float64
	lastCPUIdle  float64

	infoCollected bool
	cpuModel      string
	cpuCores      int
}

func newHostStats() *hostStats {
	return &hostStats{}
}

func (h *hostStats) collect() hostMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := hostMetrics{}
	h.collectHardwareInfo(&m)
	h.collectCPU(&m)
	h.collectMemory(&m)
	h.collectLoad(&m)
	return m
}

func (h *hostStats) collectHardwareInfo(m *hostMetrics) {
	if !h.infoCollected {
		if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
			h.cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if cores, err := cpu.Counts(true); err == nil && cores > 0 {
			h.cpuCores = cores
		}
		h.infoCollected = true
	}
	m.CPUModel = h.cpuModel
	m.CPUCores = h.cpuCores
}

func (h *hostStats) collectCPU(m *hostMetrics) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}

	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	if h.lastCPUTotal > 0 {
		totalDelta := total - h.lastCPUTotal
		idleDelta := idle - h.lastCPUIdle
		if totalDelta > 0 {
			m.CPUPercent = (1 - idleDelta/totalDelta) * 100
		}
	}

	h.lastCPUTotal = total
	h.lastCPUIdle = idle
}

func (h *hostStats) collectMemory(m *hostMetrics) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	m.MemTotalMB = float64(vm.Total) / 1024 / 1024
	m.MemUsedMB = float64(vm.Used) / 1024 / 1024
	m.MemPercent = vm.UsedPercent
}

func (h *hostStats) collectLoad(m *hostMetrics) {
	avg, err := load.Avg()
	if err != nil {
		return
	}
	m.LoadAvg1 = avg.Load1
	m.LoadAvg5 = avg.Load5
	m.LoadAvg15 = avg.Load15
}
