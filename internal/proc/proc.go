// Package proc manages the set of OS processes belonging to the guarded
// daemon. The set is re-enumerated on every call; no identity is kept
// across polls beyond OS pids, which the kernel may reuse after exit.
package proc

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Direction selects a throttle profile.
type Direction string

const (
	// DirectionBattery restricts affinity to a small core subset and
	// lowers scheduling priority.
	DirectionBattery Direction = "battery"
	// DirectionPerformance restores full affinity and normal priority.
	DirectionPerformance Direction = "performance"
)

// Usage aggregates resource consumption across the process set.
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Manager enumerates and mutates the guarded process set.
type Manager struct {
	name   string
	grace  time.Duration
	logger *log.Logger

	// list is the process enumerator; swapped out in tests.
	list func() ([]*process.Process, error)
}

// NewManager returns a Manager matching processes whose name or cmdline
// contains name (case-insensitive).
func NewManager(name string, grace time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		name:   strings.ToLower(name),
		grace:  grace,
		logger: logger,
		list:   process.Processes,
	}
}

// SetLister replaces the process enumerator. Tests use this to supply a
// canned process table.
func (m *Manager) SetLister(fn func() ([]*process.Process, error)) {
	m.list = fn
}

// matches reports whether a process name or command line belongs to the set.
func matches(name, cmdline, filter string) bool {
	if filter == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), filter) ||
		strings.Contains(strings.ToLower(cmdline), filter)
}

// Processes returns the current process set. Processes that vanish or deny
// access mid-enumeration are skipped.
func (m *Manager) Processes() []*process.Process {
	procs, err := m.list()
	if err != nil {
		m.logger.Printf("[proc] enumerating processes: %v", err)
		return nil
	}

	var out []*process.Process
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		cmdline, _ := p.Cmdline()
		if matches(name, cmdline, m.name) {
			out = append(out, p)
		}
	}
	return out
}

// Running reports whether the set is non-empty.
func (m *Manager) Running() bool {
	return len(m.Processes()) > 0
}

// Usage sums CPU percent and RSS across the set.
func (m *Manager) Usage(procs []*process.Process) Usage {
	var u Usage
	for _, p := range procs {
		if cpu, err := p.CPUPercent(); err == nil {
			u.CPUPercent += cpu
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			u.MemoryBytes += mi.RSS
		}
	}
	return u
}

// Throttle adjusts scheduling priority and CPU affinity of every member.
// Best effort and non-transactional: a failure on one process (typically
// EPERM) is logged and the rest are still adjusted. Returns the number of
// processes adjusted and the first error seen.
func (m *Manager) Throttle(dir Direction) (int, error) {
	procs := m.Processes()
	adjusted := 0
	var firstErr error

	for _, p := range procs {
		if err := throttlePID(int(p.Pid), dir); err != nil {
			m.logger.Printf("[proc] throttle pid %d: %v (try elevating privileges)", p.Pid, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		adjusted++
	}
	return adjusted, firstErr
}

// Stop attempts graceful termination of the whole set, waits the grace
// period, then force-kills survivors. Calling it with nothing running is a
// no-op success. Returns an error naming the surviving pids if any member
// outlives the kill.
func (m *Manager) Stop() error {
	procs := m.Processes()
	if len(procs) == 0 {
		return nil
	}

	for _, p := range procs {
		if err := p.Terminate(); err != nil {
			m.logger.Printf("[proc] terminate pid %d: %v", p.Pid, err)
			continue
		}
		m.logger.Printf("[proc] terminated pid %d", p.Pid)
	}

	time.Sleep(m.grace)

	for _, p := range m.Processes() {
		if err := p.Kill(); err != nil {
			m.logger.Printf("[proc] kill pid %d: %v (try elevating privileges)", p.Pid, err)
			continue
		}
		m.logger.Printf("[proc] force killed pid %d", p.Pid)
	}

	if remaining := m.Processes(); len(remaining) > 0 {
		pids := make([]int32, 0, len(remaining))
		for _, p := range remaining {
			pids = append(pids, p.Pid)
		}
		return fmt.Errorf("processes survived termination: pids %v", pids)
	}
	return nil
}
