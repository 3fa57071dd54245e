package lifecycle

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics is the ambient host signal surfaced from /health: CPU/memory
// usage, an operational signal the distilled specification's non-goals do
// not exclude (it excludes strategy-performance analytics, not process
// health).
type HostMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ReadHostMetrics samples current CPU and memory utilization via
// shirou/gopsutil/v3, matching the donor pack's idiom for host telemetry.
func ReadHostMetrics() (HostMetrics, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return HostMetrics{}, err
	}
	var cpuPct float64
	if len(percentages) > 0 {
		cpuPct = percentages[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostMetrics{}, err
	}

	return HostMetrics{CPUPercent: cpuPct, MemoryPercent: vm.UsedPercent}, nil
}
