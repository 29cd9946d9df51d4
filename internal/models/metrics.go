// Package models defines GORM data models for the ollamaguard history store.
package models

import (
	"time"

	"gorm.io/gorm"
)

// SampleRecord is one flattened monitor sample. Optional sub-metrics are
// nullable so "probe unavailable" survives the round trip to SQLite.
type SampleRecord struct {
	gorm.Model

	CollectedAt time.Time `gorm:"index" json:"collected_at"`

	// ── System ───────────────────────────────────────────────────────────────
	CPUPercent      float64  `json:"cpu_percent"`
	MemoryPercent   float64  `json:"memory_percent"`
	MemoryUsedBytes uint64   `json:"memory_used_bytes"`
	DiskPercent     float64  `json:"disk_percent"`
	CPUTempC        *float64 `json:"cpu_temp_c,omitempty"`

	// ── GPU (nil columns when no vendor tool answered) ───────────────────────
	GPUName          string   `json:"gpu_name,omitempty"`
	GPUMemoryTotalMB int      `json:"gpu_memory_total_mb,omitempty"`
	GPUMemoryUsedMB  int      `json:"gpu_memory_used_mb,omitempty"`
	GPUTemperatureC  *float64 `json:"gpu_temperature_c,omitempty"`
	GPUPowerWatts    *float64 `json:"gpu_power_watts,omitempty"`

	// ── Battery / network ────────────────────────────────────────────────────
	BatteryPercent  *float64 `json:"battery_percent,omitempty"`
	BatteryCharging *bool    `json:"battery_charging,omitempty"`
	NetworkSentMbps *float64 `json:"network_sent_mbps,omitempty"`
	NetworkRecvMbps *float64 `json:"network_recv_mbps,omitempty"`

	// ── Guarded process set ──────────────────────────────────────────────────
	ProcCPUPercent  float64 `json:"proc_cpu_percent"`
	ProcMemoryBytes uint64  `json:"proc_memory_bytes"`
	ProcGPUMemoryMB int     `json:"proc_gpu_memory_mb"`
}

// WarningRecord is one emitted threshold breach.
type WarningRecord struct {
	gorm.Model

	Metric    string    `gorm:"index" json:"metric"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
	At        time.Time `gorm:"index" json:"at"`
}
