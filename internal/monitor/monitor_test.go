package monitor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/vesaa/ollamaguard/internal/config"
	"github.com/vesaa/ollamaguard/internal/proc"
)

// ─── test fixtures ──────────────────────────────────────────────────────────

// fakeClock advances only when told to.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() *config.Config {
	return &config.Config{
		Thresholds: config.Thresholds{
			CPUPercent:            80,
			MemoryPercent:         80,
			GPUMemoryPercent:      80,
			TemperatureCelsius:    80,
			BatteryMinimumPercent: 20,
			NetworkMbps:           100,
			DiskPercent:           90,
		},
		ProcessName:     "ollama",
		IntervalSeconds: 60,
		CooldownSeconds: 300,
		WindowSeconds:   1,
		GraceSeconds:    2,
		HistoryKeep:     10080,
	}
}

// fakeHistory counts calls.
type fakeHistory struct {
	samples  int
	warnings int
	prunes   []int
}

func (h *fakeHistory) SaveSample(*Sample) error          { h.samples++; return nil }
func (h *fakeHistory) SaveWarnings([]WarningEvent) error { h.warnings++; return nil }
func (h *fakeHistory) Prune(keep int) error {
	h.prunes = append(h.prunes, keep)
	return nil
}

// runClock lets Run proceed for a fixed number of ticks, then cancels the
// loop context instead of firing again.
type runClock struct {
	now    time.Time
	ticks  int
	cancel context.CancelFunc
	fired  int
}

func (c *runClock) Now() time.Time { return c.now }

func (c *runClock) After(d time.Duration) <-chan time.Time {
	if c.fired < c.ticks {
		c.fired++
		ch := make(chan time.Time, 1)
		ch <- c.now.Add(d)
		return ch
	}
	c.cancel()
	return make(chan time.Time)
}

// idleProcs is a manager over an always-empty process table.
func idleProcs() *proc.Manager {
	m := proc.NewManager("ollama", 0, log.New(io.Discard, "", 0))
	m.SetLister(func() ([]*process.Process, error) { return nil, nil })
	return m
}

func testMonitor(clock Clock) *Monitor {
	logger := log.New(io.Discard, "", 0)
	return New(testConfig(), logger, clock, nil, nil, nil)
}

func quietSample() *Sample {
	return &Sample{
		CPUPercent:    10,
		MemoryPercent: 40,
		DiskPercent:   50,
	}
}

func f(v float64) *float64 { return &v }

// ─── CheckWarnings ──────────────────────────────────────────────────────────

func TestCheckWarnings_AllBelowThresholds(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := testMonitor(clock)

	s := quietSample()
	s.CPUTempC = f(55)
	s.GPU = &GPUInfo{Name: "test", MemoryTotalMB: 8192, MemoryUsedMB: 1024, TemperatureC: f(60)}
	s.Battery = &BatteryInfo{Percent: 90, Charging: false}
	s.Network = &NetworkInfo{SentMbps: 5, RecvMbps: 5}

	if got := m.CheckWarnings(s); len(got) != 0 {
		t.Fatalf("CheckWarnings = %v, want empty", got)
	}
}

func TestCheckWarnings_BreachEmitsThenCooldownSilences(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := testMonitor(clock)

	s := quietSample()
	s.CPUPercent = 95

	events := m.CheckWarnings(s)
	if len(events) != 1 {
		t.Fatalf("CheckWarnings = %v, want 1 event", events)
	}
	if !strings.Contains(events[0].Metric, "CPU") {
		t.Errorf("Metric = %q, want CPU warning", events[0].Metric)
	}
	if events[0].Observed != 95 || events[0].Threshold != 80 {
		t.Errorf("event = %+v, want observed 95 threshold 80", events[0])
	}

	// Immediately again: cooldown swallows it regardless of severity.
	s.CPUPercent = 100
	if got := m.CheckWarnings(s); len(got) != 0 {
		t.Fatalf("within cooldown, CheckWarnings = %v, want empty", got)
	}

	// After the cooldown elapses the breach is reported again.
	clock.advance(301 * time.Second)
	if got := m.CheckWarnings(s); len(got) != 1 {
		t.Fatalf("after cooldown, CheckWarnings = %v, want 1 event", got)
	}
}

func TestCheckWarnings_CooldownSharedAcrossMetrics(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := testMonitor(clock)

	s := quietSample()
	s.CPUPercent = 95
	if got := m.CheckWarnings(s); len(got) != 1 {
		t.Fatalf("CheckWarnings = %v, want 1 event", got)
	}

	// A different metric breaching right after is still silenced:
	// one cooldown clock for everything.
	s2 := quietSample()
	s2.MemoryPercent = 99
	clock.advance(10 * time.Second)
	if got := m.CheckWarnings(s2); len(got) != 0 {
		t.Fatalf("memory warning during shared cooldown = %v, want empty", got)
	}
}

func TestCheckWarnings_MultipleBreachesInOneBatch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := testMonitor(clock)

	s := quietSample()
	s.CPUPercent = 95
	s.MemoryPercent = 85
	s.DiskPercent = 95
	s.CPUTempC = f(85)
	s.GPU = &GPUInfo{Name: "test", MemoryTotalMB: 1000, MemoryUsedMB: 900, TemperatureC: f(85)}
	s.Battery = &BatteryInfo{Percent: 10, Charging: false}
	s.Network = &NetworkInfo{SentMbps: 150, RecvMbps: 200}

	events := m.CheckWarnings(s)
	if len(events) != 9 {
		t.Fatalf("CheckWarnings returned %d events (%v), want 9", len(events), events)
	}
}

func TestCheckWarnings_ChargingBatteryNotLow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := testMonitor(clock)

	s := quietSample()
	s.Battery = &BatteryInfo{Percent: 5, Charging: true}
	if got := m.CheckWarnings(s); len(got) != 0 {
		t.Fatalf("charging battery produced %v, want empty", got)
	}
}

func TestCheckWarnings_GPUWithoutTotalSkipsMemoryCheck(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := testMonitor(clock)

	// AMD fallback detection reports the GPU with no memory detail.
	s := quietSample()
	s.GPU = &GPUInfo{Name: "AMD GPU"}
	if got := m.CheckWarnings(s); len(got) != 0 {
		t.Fatalf("detail-free GPU produced %v, want empty", got)
	}
}

// ─── ShouldEscalate ─────────────────────────────────────────────────────────

func TestShouldEscalate_BatteryCritical(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	s := quietSample()
	s.Battery = &BatteryInfo{Percent: 9, Charging: false} // below 20/2

	stop, reason := m.ShouldEscalate(s)
	if !stop {
		t.Fatal("ShouldEscalate = false, want true")
	}
	if !strings.Contains(reason, "Battery") {
		t.Errorf("reason = %q, want it to name the battery", reason)
	}
}

func TestShouldEscalate_ChargingBatteryNeverCritical(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	s := quietSample()
	s.Battery = &BatteryInfo{Percent: 1, Charging: true}

	if stop, reason := m.ShouldEscalate(s); stop {
		t.Fatalf("charging battery escalated: %q", reason)
	}
}

func TestShouldEscalate_BatteryBetweenWarnAndCritical(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	// Below the warning minimum but above half of it: warn, don't stop.
	s := quietSample()
	s.Battery = &BatteryInfo{Percent: 15, Charging: false}

	if stop, _ := m.ShouldEscalate(s); stop {
		t.Fatal("battery above critical level escalated")
	}
}

func TestShouldEscalate_TemperatureMargin(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	s := quietSample()
	s.CPUTempC = f(90) // exactly threshold+margin: not yet critical
	if stop, _ := m.ShouldEscalate(s); stop {
		t.Fatal("temp at exactly threshold+margin escalated")
	}

	s.CPUTempC = f(90.5)
	stop, reason := m.ShouldEscalate(s)
	if !stop {
		t.Fatal("temp past threshold+margin did not escalate")
	}
	if !strings.Contains(reason, "CPU temperature") {
		t.Errorf("reason = %q, want CPU temperature", reason)
	}
}

func TestShouldEscalate_GPUTemperature(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	s := quietSample()
	s.GPU = &GPUInfo{Name: "test", TemperatureC: f(95)}

	stop, reason := m.ShouldEscalate(s)
	if !stop || !strings.Contains(reason, "GPU temperature") {
		t.Fatalf("stop=%v reason=%q, want GPU temperature escalation", stop, reason)
	}
}

func TestShouldEscalate_SystemMemory(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	s := quietSample()
	s.MemoryPercent = 91

	stop, reason := m.ShouldEscalate(s)
	if !stop || !strings.Contains(reason, "memory") {
		t.Fatalf("stop=%v reason=%q, want memory escalation", stop, reason)
	}
}

func TestShouldEscalate_FirstReasonWins(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	// Battery and CPU temperature both critical: battery is checked first.
	s := quietSample()
	s.Battery = &BatteryInfo{Percent: 5, Charging: false}
	s.CPUTempC = f(120)

	stop, reason := m.ShouldEscalate(s)
	if !stop || !strings.Contains(reason, "Battery") {
		t.Fatalf("stop=%v reason=%q, want battery first", stop, reason)
	}
}

func TestShouldEscalate_NearMissesDoNotCombine(t *testing.T) {
	m := testMonitor(&fakeClock{now: time.Unix(1000, 0)})

	// Every metric hovers just under its critical level; no combination
	// logic may push it over.
	s := quietSample()
	s.MemoryPercent = 89
	s.CPUTempC = f(89)
	s.GPU = &GPUInfo{Name: "test", TemperatureC: f(89)}
	s.Battery = &BatteryInfo{Percent: 11, Charging: false}

	if stop, reason := m.ShouldEscalate(s); stop {
		t.Fatalf("near-miss metrics combined into escalation: %q", reason)
	}
}

// ─── Run ────────────────────────────────────────────────────────────────────

func TestRun_CancelledBetweenTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &runClock{now: time.Unix(1000, 0), cancel: cancel}

	history := &fakeHistory{}
	logger := log.New(io.Discard, "", 0)
	m := New(testConfig(), logger, clock, stubCollector(), idleProcs(), history)

	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	// Idling with nothing to watch must not touch the history.
	if history.samples != 0 || history.warnings != 0 {
		t.Errorf("idle loop wrote history: %d samples, %d warning batches, want none",
			history.samples, history.warnings)
	}
}

func TestRun_LogsIdleTransition(t *testing.T) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("looking up own process: %v", err)
	}
	name, err := self.Name()
	if err != nil {
		t.Fatalf("own process name: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &runClock{now: time.Unix(1000, 0), ticks: 1, cancel: cancel}

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	// First enumeration sees one matching process, every later one none.
	calls := 0
	procs := proc.NewManager(name, 0, logger)
	procs.SetLister(func() ([]*process.Process, error) {
		calls++
		if calls == 1 {
			return []*process.Process{self}, nil
		}
		return nil, nil
	})

	cfg := testConfig()
	cfg.ProcessName = name
	history := &fakeHistory{}
	m := New(cfg, logger, clock, stubCollector(), procs, history)

	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	out := buf.String()
	if !strings.Contains(out, "running (1 processes)") {
		t.Errorf("log missing the running transition:\n%s", out)
	}
	if !strings.Contains(out, "no longer running") {
		t.Errorf("log missing the idle transition:\n%s", out)
	}
	if history.samples != 1 {
		t.Errorf("saved %d samples, want 1 from the single running tick", history.samples)
	}
}

func TestTick_PrunesHistoryPeriodically(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryKeep = 500
	history := &fakeHistory{}
	logger := log.New(io.Discard, "", 0)
	m := New(cfg, logger, &fakeClock{now: time.Unix(1000, 0)}, stubCollector(), idleProcs(), history)

	for i := 0; i < pruneEvery; i++ {
		if _, err := m.tick(nil); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if len(history.prunes) != 1 {
		t.Fatalf("history pruned %d times over %d saves, want exactly 1", len(history.prunes), pruneEvery)
	}
	if history.prunes[0] != 500 {
		t.Errorf("pruned to %d rows, want the configured 500", history.prunes[0])
	}
}
