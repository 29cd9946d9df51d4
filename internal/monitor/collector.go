package monitor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Collector gathers one Sample per call. Every probe is a function field
// so tests can substitute deterministic readings; each probe fails
// independently and degrades to its zero/nil value.
type Collector struct {
	// Window is how long the network probe blocks between its two counter
	// reads.
	Window time.Duration

	CPUPercent func() (float64, error)
	Memory     func() (percent float64, usedBytes uint64, err error)
	Disk       func() float64
	CPUTemp    func() *float64
	GPU        func() *GPUInfo
	GPUProcMem func(pids []int32) int
	Battery    func() *BatteryInfo
	Network    func(window time.Duration) *NetworkInfo
}

// NewCollector wires a Collector to the real OS probes.
func NewCollector(window time.Duration) *Collector {
	return &Collector{
		Window: window,
		CPUPercent: func() (float64, error) {
			pcts, err := cpu.Percent(500*time.Millisecond, false)
			if err != nil || len(pcts) == 0 {
				return 0, err
			}
			return pcts[0], nil
		},
		Memory: func() (float64, uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, 0, err
			}
			return vm.UsedPercent, vm.Used, nil
		},
		Disk:       maxDiskUsage,
		CPUTemp:    readCPUTemp,
		GPU:        queryGPU,
		GPUProcMem: queryGPUProcessMemory,
		Battery:    readBattery,
		Network:    sampleNetwork,
	}
}

// Sample takes one reading. pids is the current guarded process set, used
// to attribute GPU memory.
func (c *Collector) Sample(now time.Time, pids []int32) *Sample {
	s := &Sample{CollectedAt: now}

	if pct, err := c.CPUPercent(); err == nil {
		s.CPUPercent = pct
	}
	if pct, used, err := c.Memory(); err == nil {
		s.MemoryPercent = pct
		s.MemoryUsedBytes = used
	}
	s.DiskPercent = c.Disk()
	s.CPUTempC = c.CPUTemp()
	s.GPU = c.GPU()
	s.Battery = c.Battery()
	s.Network = c.Network(c.Window)
	if len(pids) > 0 {
		s.ProcGPUMemoryMB = c.GPUProcMem(pids)
	}
	return s
}

// ─── real probes ─────────────────────────────────────────────────────────────

// maxDiskUsage returns the used percentage of the partition with highest usage.
func maxDiskUsage() float64 {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}

// readCPUTemp reads the CPU temperature in Celsius: sysfs thermal zones
// first, then `sensors` output. Returns nil when no source is usable.
func readCPUTemp() *float64 {
	zones, _ := filepath.Glob("/sys/class/thermal/thermal_zone*/temp")
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		t := float64(milli) / 1000.0
		if t > 0 && t < 150 { // sanity check
			return &t
		}
	}

	out, err := exec.Command("sensors").Output()
	if err != nil {
		return nil
	}
	return parseSensorsOutput(string(out))
}

// parseSensorsOutput extracts the first CPU core temperature from lm-sensors
// text output, e.g. "Core 0:  +54.0°C  (high = +80.0°C)".
func parseSensorsOutput(out string) *float64 {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Core 0") && !strings.Contains(line, "CPU") {
			continue
		}
		_, rest, ok := strings.Cut(line, "+")
		if !ok {
			continue
		}
		val, _, ok := strings.Cut(rest, "°")
		if !ok {
			continue
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		return &t
	}
	return nil
}

// queryGPU asks nvidia-smi for one reading, falling back to a bare
// rocm-smi presence check for AMD. Returns nil when no vendor tool works.
func queryGPU() *GPUInfo {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,temperature.gpu,power.draw",
		"--format=csv,noheader").Output()
	if err == nil {
		if info := parseGPUQuery(string(out)); info != nil {
			return info
		}
	}

	// rocm-smi output format varies by version; presence alone marks the
	// GPU as available, without detail.
	if err := exec.Command("rocm-smi").Run(); err == nil {
		return &GPUInfo{Name: "AMD GPU"}
	}
	return nil
}

// parseGPUQuery parses one nvidia-smi CSV line:
//
//	NVIDIA GeForce RTX 3080, 10240 MiB, 1024 MiB, 45, 125.50 W
func parseGPUQuery(out string) *GPUInfo {
	line := strings.TrimSpace(strings.Split(out, "\n")[0])
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return nil
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	info := &GPUInfo{Name: fields[0]}
	info.MemoryTotalMB, _ = strconv.Atoi(firstToken(fields[1]))
	info.MemoryUsedMB, _ = strconv.Atoi(firstToken(fields[2]))
	if t, err := strconv.ParseFloat(fields[3], 64); err == nil {
		info.TemperatureC = &t
	}
	if !strings.Contains(fields[4], "N/A") {
		if p, err := strconv.ParseFloat(firstToken(fields[4]), 64); err == nil {
			info.PowerWatts = &p
		}
	}
	return info
}

// queryGPUProcessMemory sums nvidia-smi per-process GPU memory over the
// given pids. Returns 0 when the tool is unavailable.
func queryGPUProcessMemory(pids []int32) int {
	out, err := exec.Command("nvidia-smi",
		"--query-compute-apps=pid,used_memory",
		"--format=csv,noheader").Output()
	if err != nil {
		return 0
	}
	return parseComputeApps(string(out), pids)
}

// parseComputeApps parses "pid, used_memory" CSV lines and sums the MiB
// used by processes in pids.
func parseComputeApps(out string, pids []int32) int {
	inSet := make(map[int32]bool, len(pids))
	for _, pid := range pids {
		inSet[pid] = true
	}

	total := 0
	for _, line := range strings.Split(out, "\n") {
		pidStr, memStr, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil || !inSet[int32(pid)] {
			continue
		}
		mb, err := strconv.Atoi(firstToken(strings.TrimSpace(memStr)))
		if err != nil {
			continue
		}
		total += mb
	}
	return total
}

// firstToken returns the first whitespace-separated token of s,
// e.g. "10240 MiB" → "10240".
func firstToken(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return s
}

// readBattery scans /sys/class/power_supply/BAT* on Linux. Desktops and
// other platforms report nil (no battery).
func readBattery() *BatteryInfo {
	bats, _ := filepath.Glob("/sys/class/power_supply/BAT*")
	for _, bat := range bats {
		capData, err := os.ReadFile(filepath.Join(bat, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(string(capData)), 64)
		if err != nil {
			continue
		}

		info := &BatteryInfo{Percent: pct, Charging: true}
		if st, err := os.ReadFile(filepath.Join(bat, "status")); err == nil {
			// Anything but Discharging means the machine is on AC power
			// ("Charging", "Full", "Not charging").
			info.Charging = strings.TrimSpace(string(st)) != "Discharging"
		}
		return info
	}
	return nil
}

// sampleNetwork takes two counter reads separated by the sampling window
// and converts the delta to Mbps. Blocks for the window duration.
func sampleNetwork(window time.Duration) *NetworkInfo {
	before, err := psnet.IOCounters(false)
	if err != nil || len(before) == 0 {
		return nil
	}

	time.Sleep(window)

	after, err := psnet.IOCounters(false)
	if err != nil || len(after) == 0 {
		return nil
	}

	secs := window.Seconds()
	if secs <= 0 {
		return nil
	}
	return &NetworkInfo{
		SentMbps: float64(after[0].BytesSent-before[0].BytesSent) * 8 / 1e6 / secs,
		RecvMbps: float64(after[0].BytesRecv-before[0].BytesRecv) * 8 / 1e6 / secs,
	}
}
