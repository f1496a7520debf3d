package sandbox

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"syscall"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitor_Idle(t *testing.T) {
	m := NewMonitor(Limits{MemoryBytes: 1 << 20}, nil)
	if m.IsMonitoring() {
		t.Fatal("new monitor should be idle")
	}
	u := m.Stop()
	if u.MemoryBytes != 0 || u.CPUTime != 0 {
		t.Errorf("idle usage = %+v", u)
	}
	m.SetLimits(Limits{MemoryBytes: 2 << 20})
	if m.Limits().MemoryBytes != 2<<20 {
		t.Error("SetLimits not applied")
	}
}

func TestMonitor_SamplesProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs sampling is linux only")
	}
	m := NewMonitor(Limits{}, nil)
	m.interval = 10 * time.Millisecond
	m.Start(os.Getpid(), nil)
	if !m.IsMonitoring() {
		t.Fatal("monitor should be attached")
	}
	time.Sleep(50 * time.Millisecond)
	u := m.Stop()
	if u.MemoryBytes <= 0 {
		t.Errorf("peak rss = %d, want > 0", u.MemoryBytes)
	}
	if u.ExecutionTime < 50*time.Millisecond {
		t.Errorf("elapsed = %s", u.ExecutionTime)
	}
	if m.IsMonitoring() {
		t.Error("monitor still attached after Stop")
	}
	// Second Stop is a no-op returning the same snapshot.
	if again := m.Stop(); again.MemoryBytes != u.MemoryBytes {
		t.Errorf("second Stop = %+v, want %+v", again, u)
	}
}

func TestMonitor_BreachKills(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs sampling is linux only")
	}
	killed := make(chan struct{}, 1)
	m := NewMonitor(Limits{MemoryBytes: 1}, nil)
	m.interval = 10 * time.Millisecond
	m.Start(os.Getpid(), func() error {
		killed <- struct{}{}
		return nil
	})
	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill callback not invoked on breach")
	}
	m.Stop()
	if m.Breach() == "" {
		t.Error("breach not recorded")
	}
}

func TestMonitor_MergeRusage(t *testing.T) {
	m := NewMonitor(Limits{}, nil)
	m.merge(&syscall.Rusage{
		Maxrss: 2048,
		Utime:  syscall.Timeval{Sec: 1},
		Stime:  syscall.Timeval{Usec: 500000},
	})
	u := m.Usage()
	if u.MemoryBytes != 2048*1024 {
		t.Errorf("memory = %d", u.MemoryBytes)
	}
	if u.CPUTime != 1500*time.Millisecond {
		t.Errorf("cpu = %s", u.CPUTime)
	}
	m.merge(nil)
}
