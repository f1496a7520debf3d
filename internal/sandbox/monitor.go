package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
)

// Monitor observes a child process's memory and CPU consumption.
//
// While a process is attached it polls /proc/<pid> on an interval. A
// resident set above the memory limit triggers the kill callback once and
// records a resource breach. On systems without procfs the monitor only
// reports the final rusage snapshot.
type Monitor struct {
	mu       sync.Mutex
	limits   Limits
	interval time.Duration
	logger   *slog.Logger

	pid        int
	started    time.Time
	elapsed    time.Duration
	peakRSS    int64
	cpu        time.Duration
	breach     string
	monitoring bool
	stop       chan struct{}
	done       chan struct{}
}

// NewMonitor creates an idle monitor.
func NewMonitor(limits Limits, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{limits: limits, interval: defaultMonitorEvery, logger: logger}
}

// SetLimits replaces the limits enforced by the next Start.
func (m *Monitor) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
}

// Limits returns the configured limits.
func (m *Monitor) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// IsMonitoring reports whether a process is attached.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// Start attaches to pid and begins polling. kill is invoked at most once,
// on a memory breach. Any previous attachment is stopped first.
func (m *Monitor) Start(pid int, kill func() error) {
	m.Stop()

	m.mu.Lock()
	m.pid = pid
	m.started = time.Now()
	m.elapsed = 0
	m.peakRSS = 0
	m.cpu = 0
	m.breach = ""
	m.monitoring = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done, limits, interval := m.stop, m.done, m.limits, m.interval
	m.mu.Unlock()

	if runtime.GOOS != "linux" {
		close(done)
		return
	}
	go m.poll(pid, limits, interval, kill, stop, done)
}

func (m *Monitor) poll(pid int, limits Limits, interval time.Duration, kill func() error, stop, done chan struct{}) {
	defer close(done)

	proc, err := procfs.NewProc(pid)
	if err != nil {
		m.logger.Debug("procfs unavailable, relying on rusage", slog.Int("pid", pid), slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	killed := false
	for {
		if !m.sample(proc) {
			return
		}
		if !killed && limits.MemoryBytes > 0 {
			if rss := m.peak(); rss > limits.MemoryBytes {
				killed = true
				m.mu.Lock()
				m.breach = fmt.Sprintf("memory usage %s exceeded limit %s", FormatSize(rss), FormatSize(limits.MemoryBytes))
				m.mu.Unlock()
				m.logger.Warn("sandbox memory limit exceeded",
					slog.Int("pid", pid),
					slog.Int64("rss_bytes", rss),
					slog.Int64("limit_bytes", limits.MemoryBytes),
				)
				if kill != nil {
					_ = kill()
				}
			}
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// sample reads one stat snapshot. It returns false once the process is gone.
func (m *Monitor) sample(proc procfs.Proc) bool {
	st, err := proc.Stat()
	if err != nil {
		return false
	}
	// A zombie has released its memory; keep the last real sample.
	if st.State == "Z" {
		return false
	}
	rss := int64(st.ResidentMemory())
	cpu := time.Duration(st.CPUTime() * float64(time.Second))

	m.mu.Lock()
	if rss > m.peakRSS {
		m.peakRSS = rss
	}
	if cpu > m.cpu {
		m.cpu = cpu
	}
	m.mu.Unlock()
	return true
}

func (m *Monitor) peak() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakRSS
}

// Stop detaches from the process and returns the final usage. Safe to call
// when not monitoring and more than once.
func (m *Monitor) Stop() Usage {
	m.mu.Lock()
	if !m.monitoring {
		u := m.usageLocked()
		m.mu.Unlock()
		return u
	}
	m.monitoring = false
	m.elapsed = time.Since(m.started)
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

// merge folds the kernel's rusage for the reaped child into the snapshot.
func (m *Monitor) merge(ru *syscall.Rusage) {
	if ru == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Linux reports ru_maxrss in kilobytes.
	if rss := int64(ru.Maxrss) * 1024; rss > m.peakRSS {
		m.peakRSS = rss
	}
	cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	if cpu > m.cpu {
		m.cpu = cpu
	}
}

// Usage returns the current snapshot.
func (m *Monitor) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Monitor) usageLocked() Usage {
	elapsed := m.elapsed
	if m.monitoring {
		elapsed = time.Since(m.started)
	}
	return Usage{MemoryBytes: m.peakRSS, CPUTime: m.cpu, ExecutionTime: elapsed}
}

// Breach returns the recorded resource violation, or "".
func (m *Monitor) Breach() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breach
}
