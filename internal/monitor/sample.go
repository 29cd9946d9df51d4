// Package monitor implements resource sampling, threshold warnings and
// the poll-and-branch control loop that guards the managed daemon.
package monitor

import (
	"fmt"
	"time"
)

// GPUInfo is one vendor-tool reading. Fields the tool could not report
// stay nil/zero; an AMD GPU detected via rocm-smi carries no detail.
type GPUInfo struct {
	Name          string   `json:"name"`
	MemoryTotalMB int      `json:"memory_total_mb"`
	MemoryUsedMB  int      `json:"memory_used_mb"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	PowerWatts    *float64 `json:"power_watts,omitempty"`
}

// MemoryPercent returns used GPU memory as a percentage, or 0 when the
// total is unknown.
func (g *GPUInfo) MemoryPercent() float64 {
	if g == nil || g.MemoryTotalMB <= 0 {
		return 0
	}
	return float64(g.MemoryUsedMB) / float64(g.MemoryTotalMB) * 100
}

// BatteryInfo is the battery state at sample time.
type BatteryInfo struct {
	Percent  float64 `json:"percent"`
	Charging bool    `json:"charging"`
}

// NetworkInfo is system-wide throughput over one sampling window.
type NetworkInfo struct {
	SentMbps float64 `json:"sent_mbps"`
	RecvMbps float64 `json:"recv_mbps"`
}

// Sample is one point-in-time reading. Sub-metrics whose probe was
// unavailable (no GPU tool, no battery, permission denied) are nil; the
// sample as a whole never fails because one probe did.
type Sample struct {
	CollectedAt time.Time `json:"collected_at"`

	// System-wide
	CPUPercent      float64      `json:"cpu_percent"`
	MemoryPercent   float64      `json:"memory_percent"`
	MemoryUsedBytes uint64       `json:"memory_used_bytes"`
	DiskPercent     float64      `json:"disk_percent"`
	CPUTempC        *float64     `json:"cpu_temp_c,omitempty"`
	GPU             *GPUInfo     `json:"gpu,omitempty"`
	Battery         *BatteryInfo `json:"battery,omitempty"`
	Network         *NetworkInfo `json:"network,omitempty"`

	// Attributed to the guarded process set
	ProcCPUPercent  float64 `json:"proc_cpu_percent"`
	ProcMemoryBytes uint64  `json:"proc_memory_bytes"`
	ProcGPUMemoryMB int     `json:"proc_gpu_memory_mb"`
}

// WarningEvent records one threshold breach.
type WarningEvent struct {
	Metric    string    `json:"metric"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

func (e WarningEvent) String() string {
	return fmt.Sprintf("%s: %.1f (threshold %.1f)", e.Metric, e.Observed, e.Threshold)
}
