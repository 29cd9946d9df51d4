package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/vesaa/ollamaguard/internal/config"
	"github.com/vesaa/ollamaguard/internal/proc"
)

// criticalMargin is added to the temperature and memory warning thresholds
// to form their critical (stop, don't just warn) thresholds.
const criticalMargin = 10.0

// pruneEvery is how many saved samples pass between history prunes.
const pruneEvery = 60

// History receives samples and warnings for later inspection. Saving is
// best effort; the monitor runs fine with a nil History.
type History interface {
	SaveSample(*Sample) error
	SaveWarnings([]WarningEvent) error
	Prune(keep int) error
}

// Monitor owns the poll loop state. It carries its collaborators
// explicitly (logger, clock, thresholds) instead of package globals so
// unit tests can drive it deterministically.
type Monitor struct {
	cfg       *config.Config
	logger    *log.Logger
	clock     Clock
	collector *Collector
	procs     *proc.Manager
	history   History

	// lastWarning is the shared cooldown clock. Any non-empty warning
	// batch stamps it; all metrics share the one timestamp.
	lastWarning time.Time
	lastDir     proc.Direction
	saved       int
}

// New builds a Monitor. history may be nil.
func New(cfg *config.Config, logger *log.Logger, clock Clock, collector *Collector, procs *proc.Manager, history History) *Monitor {
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		collector: collector,
		procs:     procs,
		history:   history,
	}
}

// CheckWarnings compares a sample against the thresholds. Within the
// cooldown window it returns nothing regardless of breach severity; a
// non-empty result restarts the window for every metric at once.
func (m *Monitor) CheckWarnings(s *Sample) []WarningEvent {
	now := m.clock.Now()
	cooldown := time.Duration(m.cfg.CooldownSeconds) * time.Second
	if now.Sub(m.lastWarning) < cooldown {
		return nil
	}

	t := m.cfg.Thresholds
	var events []WarningEvent
	add := func(metric string, observed, threshold float64) {
		events = append(events, WarningEvent{Metric: metric, Observed: observed, Threshold: threshold, At: now})
	}

	if s.CPUPercent > t.CPUPercent {
		add("High CPU usage", s.CPUPercent, t.CPUPercent)
	}
	if s.MemoryPercent > t.MemoryPercent {
		add("High memory usage", s.MemoryPercent, t.MemoryPercent)
	}
	if s.GPU != nil {
		if s.GPU.TemperatureC != nil && *s.GPU.TemperatureC > t.TemperatureCelsius {
			add("High GPU temperature", *s.GPU.TemperatureC, t.TemperatureCelsius)
		}
		if pct := s.GPU.MemoryPercent(); s.GPU.MemoryTotalMB > 0 && pct > t.GPUMemoryPercent {
			add("High GPU memory usage", pct, t.GPUMemoryPercent)
		}
	}
	if s.CPUTempC != nil && *s.CPUTempC > t.TemperatureCelsius {
		add("High CPU temperature", *s.CPUTempC, t.TemperatureCelsius)
	}
	if s.Battery != nil && !s.Battery.Charging && s.Battery.Percent < t.BatteryMinimumPercent {
		add("Low battery", s.Battery.Percent, t.BatteryMinimumPercent)
	}
	if s.DiskPercent > t.DiskPercent {
		add("High disk usage", s.DiskPercent, t.DiskPercent)
	}
	if s.Network != nil {
		if s.Network.SentMbps > t.NetworkMbps {
			add("High network egress", s.Network.SentMbps, t.NetworkMbps)
		}
		if s.Network.RecvMbps > t.NetworkMbps {
			add("High network ingress", s.Network.RecvMbps, t.NetworkMbps)
		}
	}

	if len(events) > 0 {
		m.lastWarning = now
	}
	return events
}

// ShouldEscalate decides whether the guarded processes must be stopped.
// Critical thresholds sit a fixed margin past the warning thresholds; the
// checks are a plain OR in a fixed order and the first breach names the
// reason. Two near-threshold metrics never combine to force a stop.
func (m *Monitor) ShouldEscalate(s *Sample) (bool, string) {
	t := m.cfg.Thresholds

	if s.Battery != nil && !s.Battery.Charging && s.Battery.Percent < t.BatteryMinimumPercent/2 {
		return true, fmt.Sprintf("Battery level critical: %.1f%%", s.Battery.Percent)
	}
	if s.CPUTempC != nil && *s.CPUTempC > t.TemperatureCelsius+criticalMargin {
		return true, fmt.Sprintf("CPU temperature critical: %.1f°C", *s.CPUTempC)
	}
	if s.GPU != nil && s.GPU.TemperatureC != nil && *s.GPU.TemperatureC > t.TemperatureCelsius+criticalMargin {
		return true, fmt.Sprintf("GPU temperature critical: %.1f°C", *s.GPU.TemperatureC)
	}
	if s.MemoryPercent > t.MemoryPercent+criticalMargin {
		return true, fmt.Sprintf("System memory critical: %.1f%%", s.MemoryPercent)
	}
	return false, ""
}

// Run is the control loop. Two states: idle (no matching process) and
// running. While running, each tick samples, warns, escalates to a full
// stop when a critical threshold is crossed, and otherwise opportunistically
// throttles based on battery state and CPU headroom. Cancelling ctx stops
// the loop between ticks and leaves the guarded processes untouched.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
	m.logger.Printf("[monitor] watching %q every %s", m.cfg.ProcessName, interval)

	running := false
	for {
		procs := m.procs.Processes()
		if len(procs) == 0 {
			if running {
				m.logger.Printf("[monitor] %s no longer running, idling", m.cfg.ProcessName)
				running = false
			}
		} else {
			if !running {
				m.logger.Printf("[monitor] %s running (%d processes)", m.cfg.ProcessName, len(procs))
				running = true
			}
			stopped, err := m.tick(procs)
			if err != nil {
				return err
			}
			if stopped {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(interval):
		}
	}
}

// tick performs one running-state iteration. It reports stopped=true when
// escalation terminated the process set, which ends the loop.
func (m *Monitor) tick(procs []*process.Process) (bool, error) {
	pids := make([]int32, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
	}

	s := m.collector.Sample(m.clock.Now(), pids)
	usage := m.procs.Usage(procs)
	s.ProcCPUPercent = usage.CPUPercent
	s.ProcMemoryBytes = usage.MemoryBytes

	if m.history != nil {
		if err := m.history.SaveSample(s); err != nil {
			m.logger.Printf("[monitor] saving sample: %v", err)
		}
		m.saved++
		if m.saved%pruneEvery == 0 && m.cfg.HistoryKeep > 0 {
			if err := m.history.Prune(m.cfg.HistoryKeep); err != nil {
				m.logger.Printf("[monitor] pruning history: %v", err)
			}
		}
	}

	events := m.CheckWarnings(s)
	for _, e := range events {
		m.logger.Printf("[monitor] warning: %s", e)
	}
	if len(events) > 0 && m.history != nil {
		if err := m.history.SaveWarnings(events); err != nil {
			m.logger.Printf("[monitor] saving warnings: %v", err)
		}
	}

	if stop, reason := m.ShouldEscalate(s); stop {
		m.logger.Printf("[monitor] stopping %s: %s", m.cfg.ProcessName, reason)
		if err := m.procs.Stop(); err != nil {
			return true, err
		}
		m.logger.Printf("[monitor] all %s processes stopped", m.cfg.ProcessName)
		return true, nil
	}

	m.throttleFor(s)
	return false, nil
}

// throttleFor nudges the process set toward the direction the sample
// suggests: battery profile while discharging, performance profile once
// back on AC with CPU headroom. Repeat calls in the same direction are
// skipped.
func (m *Monitor) throttleFor(s *Sample) {
	var dir proc.Direction
	switch {
	case s.Battery != nil && !s.Battery.Charging:
		dir = proc.DirectionBattery
	case s.CPUPercent < m.cfg.Thresholds.CPUPercent:
		dir = proc.DirectionPerformance
	default:
		return
	}
	if dir == m.lastDir {
		return
	}

	n, err := m.procs.Throttle(dir)
	if err != nil {
		m.logger.Printf("[monitor] throttle (%s): %v", dir, err)
	}
	if n > 0 {
		m.logger.Printf("[monitor] adjusted %d processes toward %s profile", n, dir)
		m.lastDir = dir
	}
}
