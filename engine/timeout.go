package engine

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TimerHandle identifies an armed timeout.
type TimerHandle uint64

// TimeoutEvent is delivered to the driver when an armed timer elapses.
type TimeoutEvent struct {
	Height uint64
	Round  uint64
	Phase  Phase
	Handle TimerHandle
}

// TimeoutScheduler runs per-round deadlines. Firing calls fire from the
// timer goroutine; canceled timers never fire, and the receiver is expected
// to drop firings whose handle is no longer current.
type TimeoutScheduler struct {
	mu      sync.Mutex
	timers  map[TimerHandle]*time.Timer
	stopped bool

	nextHandle atomic.Uint64
	fired      atomic.Uint64

	fire   func(TimeoutEvent)
	logger *zap.Logger
}

// NewTimeoutScheduler creates a scheduler delivering events to fire.
func NewTimeoutScheduler(fire func(TimeoutEvent), logger *zap.Logger) *TimeoutScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutScheduler{
		timers: make(map[TimerHandle]*time.Timer),
		fire:   fire,
		logger: logger,
	}
}

// Arm schedules a timeout for (height, round, phase) after d.
// After Stop it returns a handle that never fires.
func (s *TimeoutScheduler) Arm(height, round uint64, phase Phase, d time.Duration) TimerHandle {
	handle := TimerHandle(s.nextHandle.Inc())
	ev := TimeoutEvent{Height: height, Round: round, Phase: phase, Handle: handle}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return handle
	}
	s.timers[handle] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[handle]
		delete(s.timers, handle)
		s.mu.Unlock()
		if !live {
			return
		}
		s.fired.Inc()
		s.fire(ev)
	})
	s.logger.Debug("armed timeout",
		zap.Uint64("height", height),
		zap.Uint64("round", round),
		zap.Stringer("phase", phase),
		zap.Duration("duration", d),
		zap.Uint64("handle", uint64(handle)))
	return handle
}

// Cancel stops a timer. It returns false if the timer already fired or
// was canceled.
func (s *TimeoutScheduler) Cancel(handle TimerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[handle]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, handle)
	return true
}

// CancelAll stops every pending timer.
func (s *TimeoutScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
}

// Stop cancels all timers and refuses new ones.
func (s *TimeoutScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.CancelAll()
}

// Pending returns the number of armed timers.
func (s *TimeoutScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Fired returns how many timers have fired.
func (s *TimeoutScheduler) Fired() uint64 {
	return s.fired.Load()
}
