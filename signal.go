package punchagent

import (
	"sync"
	"time"
)

// Signal is a resettable event. Set wakes every current and future waiter
// until Clear is called.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewSignal returns a cleared signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) chanLocked() chan struct{} {
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Set raises the signal. Calling it again has no effect.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	close(s.chanLocked())
	s.set = true
}

// Clear lowers the signal so later waits block again.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return
	}
	s.ch = make(chan struct{})
	s.set = false
}

// IsSet reports whether the signal is raised.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is raised or timeout elapses and reports
// whether it was raised. A negative timeout waits forever.
func (s *Signal) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.chanLocked()
	s.mu.Unlock()

	if timeout < 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return s.IsSet()
	}
}
