package syncstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, format)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSchedulerDoubleStartKeepsOneTimer(t *testing.T) {
	s := NewScheduler(nil, 0)
	defer s.StopAll()

	var ticks atomic.Int64
	tick := func(context.Context) error {
		ticks.Add(1)
		return nil
	}
	s.Start(context.Background(), "reports", 20*time.Millisecond, tick)
	s.Start(context.Background(), "reports", 20*time.Millisecond, tick)

	time.Sleep(210 * time.Millisecond)
	s.Stop("reports")
	got := ticks.Load()
	// One timer gives about ten ticks; two stacked timers would give about twenty.
	if got < 4 || got > 14 {
		t.Fatalf("expected ticks of a single timer, got %d", got)
	}
}

func TestSchedulerStopHaltsTicks(t *testing.T) {
	s := NewScheduler(nil, 0)
	var ticks atomic.Int64
	s.Start(context.Background(), "zones", 10*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	waitFor(t, "first tick", func() bool { return ticks.Load() > 0 })
	s.Stop("zones")
	if s.Running("zones") {
		t.Fatalf("expected zones timer to be stopped")
	}
	time.Sleep(20 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() != settled {
		t.Fatalf("expected no ticks after stop, got %d more", ticks.Load()-settled)
	}

	s.Stop("zones")
	s.Stop("never-started")
}

func TestSchedulerTriggerNowRunsImmediately(t *testing.T) {
	s := NewScheduler(nil, 0)
	defer s.StopAll()
	var ticks atomic.Int64
	s.Start(context.Background(), "agents", time.Hour, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	if !s.TriggerNow("agents") {
		t.Fatalf("expected trigger on running timer to succeed")
	}
	waitFor(t, "triggered tick", func() bool { return ticks.Load() == 1 })
	if s.TriggerNow("missing") {
		t.Fatalf("expected trigger on unknown key to report false")
	}
}

func TestSchedulerTriggerNowCoalesces(t *testing.T) {
	s := NewScheduler(nil, 0)
	defer s.StopAll()
	release := make(chan struct{})
	var ticks atomic.Int64
	s.Start(context.Background(), "reports", time.Hour, func(ctx context.Context) error {
		ticks.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	s.TriggerNow("reports")
	waitFor(t, "first tick running", func() bool { return ticks.Load() == 1 })
	for i := 0; i < 5; i++ {
		s.TriggerNow("reports")
	}
	close(release)
	waitFor(t, "coalesced tick", func() bool { return ticks.Load() == 2 })
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != 2 {
		t.Fatalf("expected pending triggers to collapse into one tick, got %d", got)
	}
}

func TestSchedulerKeepsTickingAfterFailure(t *testing.T) {
	logger := &recordingLogger{}
	s := NewScheduler(logger, 0)
	defer s.StopAll()
	var ticks atomic.Int64
	s.Start(context.Background(), "notifications", 10*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return errors.New("service down")
	})
	waitFor(t, "several failing ticks", func() bool { return ticks.Load() >= 3 })
	if logger.count() == 0 {
		t.Fatalf("expected failed ticks to be logged")
	}
}

func TestSchedulerStopsWithParentContext(t *testing.T) {
	s := NewScheduler(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int64
	s.Start(ctx, "zones", 10*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	waitFor(t, "first tick", func() bool { return ticks.Load() > 0 })
	cancel()
	time.Sleep(20 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	if ticks.Load() != settled {
		t.Fatalf("expected cancelled context to stop the timer")
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.5); got != 0 {
		t.Fatalf("expected negative jitter to clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(0.25); got != 0.25 {
		t.Fatalf("expected in-range jitter to stay unchanged, got %f", got)
	}
	if got := clampJitterRatio(2); got != 1 {
		t.Fatalf("expected jitter >1 to clamp to 1, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(time.Microsecond, 1, 0); got != time.Millisecond {
		t.Fatalf("expected floor of 1ms, got %s", got)
	}
}

func TestSchedulerRestartWaitsForRunningTick(t *testing.T) {
	s := NewScheduler(nil, 0)
	defer s.StopAll()

	var inFlight, maxInFlight, ticks atomic.Int64
	release := make(chan struct{})
	tick := func(ctx context.Context) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			peak := maxInFlight.Load()
			if n <= peak || maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		ticks.Add(1)
		<-release
		return nil
	}

	s.Start(context.Background(), "reports", time.Hour, tick)
	s.TriggerNow("reports")
	waitFor(t, "first tick running", func() bool { return inFlight.Load() == 1 })

	restarted := make(chan struct{})
	go func() {
		s.Start(context.Background(), "reports", time.Hour, tick)
		s.TriggerNow("reports")
		close(restarted)
	}()
	select {
	case <-restarted:
		t.Fatalf("restart returned while the previous tick was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-restarted
	waitFor(t, "second tick", func() bool { return ticks.Load() == 2 })
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected ticks never to overlap, saw %d at once", maxInFlight.Load())
	}
}
