// Package service manages the lifecycle of the guarded daemon: starting
// it detached, stopping it through systemd then the process table, and
// assembling status reports.
package service

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vesaa/ollamaguard/internal/config"
	"github.com/vesaa/ollamaguard/internal/monitor"
	"github.com/vesaa/ollamaguard/internal/proc"
)

// Priority is the initial scheduling profile for `start`.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Manager drives the daemon lifecycle.
type Manager struct {
	cfg       *config.Config
	logger    *log.Logger
	procs     *proc.Manager
	collector *monitor.Collector

	// lookPath is split out for tests.
	lookPath func(string) (string, error)
}

// New builds a Manager.
func New(cfg *config.Config, logger *log.Logger, procs *proc.Manager, collector *monitor.Collector) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		procs:     procs,
		collector: collector,
		lookPath:  exec.LookPath,
	}
}

// Start launches the daemon detached from this process. Starting an
// already-running daemon is a no-op success.
func (m *Manager) Start(priority Priority) error {
	if m.procs.Running() {
		m.logger.Printf("[service] %s is already running", m.cfg.ProcessName)
		return nil
	}

	bin, err := m.lookPath(m.cfg.ProcessName)
	if err != nil {
		return fmt.Errorf("%s is not installed (run `ollamaguard install` first)", m.cfg.ProcessName)
	}

	m.logger.Printf("[service] starting %s...", m.cfg.ProcessName)
	logPath := filepath.Join(config.Dir(), "server.log")
	_ = os.MkdirAll(config.Dir(), 0o755)
	cmd := exec.Command(bin, "serve")
	cmd.SysProcAttr = detachAttr()
	if out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.cfg.ProcessName, err)
	}
	// The daemon outlives us; don't hold the pipe or reap it.
	go func() { _ = cmd.Wait() }()

	time.Sleep(time.Duration(m.cfg.GraceSeconds) * time.Second)
	if !m.procs.Running() {
		return fmt.Errorf("%s did not stay running (see %s)", m.cfg.ProcessName, logPath)
	}

	switch priority {
	case PriorityLow:
		if n, err := m.procs.Throttle(proc.DirectionBattery); err == nil && n > 0 {
			m.logger.Printf("[service] applied low priority to %d processes", n)
		}
	case PriorityHigh:
		if n, err := m.procs.Throttle(proc.DirectionPerformance); err == nil && n > 0 {
			m.logger.Printf("[service] applied high priority to %d processes", n)
		}
	}

	m.logger.Printf("[service] %s started", m.cfg.ProcessName)
	return nil
}

// Stop halts the daemon: systemd unit first (best effort), then whatever
// is left in the process table. Succeeds iff the set is empty afterwards.
func (m *Manager) Stop() error {
	if !m.procs.Running() {
		m.logger.Printf("[service] no %s processes found running", m.cfg.ProcessName)
		return nil
	}

	if out, err := exec.Command("systemctl", "stop", m.cfg.ProcessName).CombinedOutput(); err != nil {
		m.logger.Printf("[service] systemctl stop %s: %v (%s) — falling back to direct termination",
			m.cfg.ProcessName, err, string(out))
	}

	if err := m.procs.Stop(); err != nil {
		return err
	}
	m.logger.Printf("[service] all %s processes stopped", m.cfg.ProcessName)
	return nil
}

// Status assembles a point-in-time report. On a stopped daemon the report
// carries an empty process list and no GPU or battery detail.
func (m *Manager) Status() *Report {
	r := &Report{
		Status:    "stopped",
		Timestamp: time.Now().UTC(),
		Processes: []ProcessInfo{},
	}

	procs := m.procs.Processes()
	if len(procs) == 0 {
		return r
	}
	r.Status = "running"

	pids := make([]int32, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)

		info := ProcessInfo{PID: p.Pid}
		if name, err := p.Name(); err == nil {
			info.Name = name
		}
		if cpu, err := p.CPUPercent(); err == nil {
			info.CPUPercent = cpu
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			info.MemoryMB = float64(mi.RSS) / (1024 * 1024)
		}
		if ct, err := p.CreateTime(); err == nil {
			info.CreateTime = time.UnixMilli(ct).UTC().Format(time.RFC3339)
		}
		r.Processes = append(r.Processes, info)
	}

	usage := m.procs.Usage(procs)
	r.Resources = Resources{
		CPUPercent:  usage.CPUPercent,
		MemoryMB:    float64(usage.MemoryBytes) / (1024 * 1024),
		GPUMemoryMB: m.collector.GPUProcMem(pids),
	}

	r.GPU = m.collector.GPU()
	r.System.CPUTempC = m.collector.CPUTemp()
	r.System.Battery = m.collector.Battery()
	if pct, _, err := m.collector.Memory(); err == nil {
		r.System.MemoryPercent = pct
	}
	r.System.DiskPercent = m.collector.Disk()

	return r
}
