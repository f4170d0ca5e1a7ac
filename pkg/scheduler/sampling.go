// Package scheduler runs a fixed-interval tick loop whose ticks never
// overlap and never queue up behind a slow tick.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrInvalidInterval = errors.New("scheduler interval must be positive")

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// TickFunc runs synchronously on the scheduler goroutine. It must not call
// Stop or Start on its own scheduler.
type TickFunc func(now time.Time)

type Scheduler struct {
	tick TickFunc

	mu       sync.Mutex
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func New(tick TickFunc) *Scheduler {
	return &Scheduler{tick: tick}
}

// Start begins ticking every interval. If the scheduler is already
// running, the old loop is stopped (and waited for) before the new one
// starts, so at most one loop exists at any time.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.interval = interval
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(interval, s.stop, s.done)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish. It is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Halt asks the loop to exit without waiting for an in-flight tick. The
// returned channel is closed once the loop is gone. A later Start or Stop
// still waits for it.
func (s *Scheduler) Halt() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.done == nil {
		return closedChan
	}
	return s.done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.done != nil {
		<-s.done
		s.done = nil
	}
}

func (s *Scheduler) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	next := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		select {
		case <-stop:
			return
		default:
		}

		now := time.Now()
		s.tick(now)

		// Deadlines missed while the tick ran are skipped, not replayed.
		next = next.Add(interval)
		if after := time.Now(); !next.After(after) {
			missed := after.Sub(next)/interval + 1
			next = next.Add(missed * interval)
		}
		timer.Reset(time.Until(next))
	}
}
