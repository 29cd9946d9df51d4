package service

import (
	"fmt"
	"io"
	"time"

	"github.com/vesaa/ollamaguard/internal/monitor"
)

// Resources aggregates what the guarded process set itself consumes.
type Resources struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	GPUMemoryMB int     `json:"gpu_memory_mb"`
}

// SystemInfo is the host-wide half of a status report. Battery stays nil
// on desktops and when the daemon is stopped.
type SystemInfo struct {
	CPUTempC      *float64             `json:"cpu_temp_c,omitempty"`
	MemoryPercent float64              `json:"memory_percent"`
	DiskPercent   float64              `json:"disk_percent"`
	Battery       *monitor.BatteryInfo `json:"battery,omitempty"`
}

// ProcessInfo describes one member of the process set.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	CreateTime string  `json:"create_time"`
}

// Report is the full status document, also served as-is on the HTTP API.
type Report struct {
	Status    string           `json:"status"` // "running" | "stopped"
	Timestamp time.Time        `json:"timestamp"`
	Resources Resources        `json:"resources"`
	GPU       *monitor.GPUInfo `json:"gpu"`
	System    SystemInfo       `json:"system"`
	Processes []ProcessInfo    `json:"processes"`
}

// Render writes the human-readable status report.
func (r *Report) Render(w io.Writer) {
	if r.Status != "running" {
		fmt.Fprintln(w, "Ollama Status: Not Running")
		return
	}

	fmt.Fprintln(w, "=== Ollama Status Report ===")
	fmt.Fprintln(w, "Status: Running")

	fmt.Fprintln(w, "\nProcess Information:")
	fmt.Fprintf(w, "- Number of processes: %d\n", len(r.Processes))
	fmt.Fprintf(w, "- CPU Usage: %.1f%%\n", r.Resources.CPUPercent)
	fmt.Fprintf(w, "- Memory Usage: %.1f MB\n", r.Resources.MemoryMB)
	if r.Resources.GPUMemoryMB > 0 {
		fmt.Fprintf(w, "- GPU Memory: %d MB\n", r.Resources.GPUMemoryMB)
	}

	if r.GPU != nil {
		fmt.Fprintln(w, "\nGPU Information:")
		fmt.Fprintf(w, "- GPU: %s\n", r.GPU.Name)
		fmt.Fprintf(w, "- Memory Used: %d MB\n", r.GPU.MemoryUsedMB)
		fmt.Fprintf(w, "- Memory Total: %d MB\n", r.GPU.MemoryTotalMB)
		if r.GPU.TemperatureC != nil {
			fmt.Fprintf(w, "- Temperature: %.0f°C\n", *r.GPU.TemperatureC)
		}
		if r.GPU.PowerWatts != nil {
			fmt.Fprintf(w, "- Power Usage: %.1fW\n", *r.GPU.PowerWatts)
		}
	}

	if r.System.CPUTempC != nil {
		fmt.Fprintln(w, "\nTemperature Information:")
		fmt.Fprintf(w, "- CPU Temperature: %.1f°C\n", *r.System.CPUTempC)
	}

	if r.System.Battery != nil {
		fmt.Fprintln(w, "\nBattery Information:")
		fmt.Fprintf(w, "- Battery Level: %.1f%%\n", r.System.Battery.Percent)
		charging := "No"
		if r.System.Battery.Charging {
			charging = "Yes"
		}
		fmt.Fprintf(w, "- Charging: %s\n", charging)
	}

	fmt.Fprintln(w, "\nProcess Details:")
	for _, p := range r.Processes {
		fmt.Fprintf(w, "- PID: %d, Name: %s, CPU: %.1f%%, Memory: %.1f MB\n",
			p.PID, p.Name, p.CPUPercent, p.MemoryMB)
	}
}
