package punchagent

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PunchAgent/internal/metrics"
)

// DefaultWatchdogInterval is how often the watchdog looks at the worker.
const DefaultWatchdogInterval = 30 * time.Second

// WatchdogPolicy decides what happens when the worker dies unexpectedly.
type WatchdogPolicy int

const (
	// WatchdogReport invokes the fault callback and clears the run flag.
	WatchdogReport WatchdogPolicy = iota
	// WatchdogRestart restarts the worker once, then reports on the next death.
	WatchdogRestart
)

// ErrWorkerDied is passed to the fault callback.
var ErrWorkerDied = errors.New("scheduler worker died unexpectedly")

// Watchdog notices a worker that exited while the scheduler should still run.
type Watchdog struct {
	scheduler *Scheduler
	interval  time.Duration
	policy    WatchdogPolicy
	onFault   func(error)

	mu        sync.Mutex
	restarted bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewWatchdog builds a watchdog. onFault may be nil.
func NewWatchdog(s *Scheduler, policy WatchdogPolicy, interval time.Duration, onFault func(error)) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{scheduler: s, interval: interval, policy: policy, onFault: onFault}
}

// Start begins polling in the background. Calling it twice is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.policy == WatchdogRestart && !w.restarted {
		// Stop or Start may have landed since the poll above.
		restarted := s.restartIfShouldRun()
		w.restarted = restarted
		w.mu.Unlock()
		if !restarted {
			return false
		}
		metrics.WatchdogEvents.WithLabelValues("restart").Inc()
		log.Warn().Err(cause).Msg("watchdog restarted scheduler worker")
		return true
	}
	w.mu.Unlock()

	if !s.abandonIfDead() {
		return false
	}
	metrics.WatchdogEvents.WithLabelValues("report").Inc()
	log.Error().Err(cause).Msg("watchdog found scheduler worker dead")
	if w.onFault != nil {
		w.onFault(cause)
	}
	return true
}
