//go:build linux

package proc

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// batteryNice is the priority applied in battery direction. Positive nice
// values only lower priority, so no capability is needed to apply it.
const batteryNice = 10

// throttlePID applies the throttle profile to one process.
// Battery: nice +10, affinity pinned to the first two cores.
// Performance: nice 0, affinity restored to every core.
func throttlePID(pid int, dir Direction) error {
	nice := 0
	cores := runtime.NumCPU()
	if dir == DirectionBattery {
		nice = batteryNice
		if cores > 2 {
			cores = 2
		}
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		return err
	}

	var set unix.CPUSet
	set.Zero()
	for i := 0; i < cores; i++ {
		set.Set(i)
	}
	return unix.SchedSetaffinity(pid, &set)
}
