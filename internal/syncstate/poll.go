package syncstate

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// TickFunc runs one poll. Returned errors are logged; the timer keeps going.
type TickFunc func(ctx context.Context) error

// Scheduler owns at most one poll timer per key.
type Scheduler struct {
	logger Logger
	jitter float64

	mu     sync.Mutex
	rng    *rand.Rand
	timers map[string]*pollTimer
}

type pollTimer struct {
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

// NewScheduler returns a scheduler. jitter is a ratio in [0, 1] applied to
// every interval; 0 keeps the cadence fixed.
func NewScheduler(logger Logger, jitter float64) *Scheduler {
	return &Scheduler{
		logger: logger,
		jitter: clampJitterRatio(jitter),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		timers: map[string]*pollTimer{},
	}
}

// Start runs tick every interval until Stop, replacing any timer already
// running for key. A tick still running on the replaced timer finishes before
// Start returns, so Start must not be called from inside a tick. The first
// tick fires after one interval; use TriggerNow for an immediate one.
func (s *Scheduler) Start(ctx context.Context, key string, interval time.Duration, tick TickFunc) {
	if interval <= 0 || tick == nil {
		return
	}
	timerCtx, cancel := context.WithCancel(ctx)
	pt := &pollTimer{
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	prior := s.timers[key]
	s.timers[key] = pt
	s.mu.Unlock()
	if prior != nil {
		prior.cancel()
		<-prior.done
	}

	go s.run(timerCtx, key, interval, tick, pt)
}

func (s *Scheduler) run(ctx context.Context, key string, interval time.Duration, tick TickFunc, pt *pollTimer) {
	defer close(pt.done)
	timer := time.NewTimer(s.nextInterval(interval))
	defer timer.Stop()

	runTick := func() {
		if err := tick(ctx); err != nil && ctx.Err() == nil {
			s.logf("poll %s failed: %v", key, err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			runTick()
			timer.Reset(s.nextInterval(interval))
		case <-pt.trigger:
			runTick()
		}
	}
}

// Stop cancels the timer for key. Stopping an unknown key is a no-op.
func (s *Scheduler) Stop(key string) {
	s.mu.Lock()
	pt := s.timers[key]
	delete(s.timers, key)
	s.mu.Unlock()
	if pt != nil {
		pt.cancel()
	}
}

func (s *Scheduler) StopAll() {
	s.mu.Lock()
	timers := s.timers
	s.timers = map[string]*pollTimer{}
	s.mu.Unlock()
	for _, pt := range timers {
		pt.cancel()
	}
}

// TriggerNow asks the timer for key to tick as soon as it is idle. Triggers
// arriving while a tick is pending collapse into one. It reports whether a
// timer was running.
func (s *Scheduler) TriggerNow(key string) bool {
	s.mu.Lock()
	pt := s.timers[key]
	s.mu.Unlock()
	if pt == nil {
		return false
	}
	select {
	case pt.trigger <- struct{}{}:
	default:
	}
	return true
}

// Running reports whether a timer is active for key.
func (s *Scheduler) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *Scheduler) nextInterval(base time.Duration) time.Duration {
	if s.jitter == 0 {
		return base
	}
	s.mu.Lock()
	sample := s.rng.Float64()
	s.mu.Unlock()
	return jitteredIntervalWithSample(base, s.jitter, sample)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
