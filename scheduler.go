package punchagent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PunchAgent/internal/config"
	"github.com/httprunner/PunchAgent/internal/metrics"
)

// DefaultStopGrace bounds how long Stop waits for the worker to exit.
const DefaultStopGrace = 3 * time.Second

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateExecuting State = "executing"
	StateWaiting   State = "waiting"
	StateStopping  State = "stopping"
)

// ConfigSource hands out configuration snapshots. *config.Store implements it.
type ConfigSource interface {
	Get() config.Config
}

// CycleRunner executes one sync cycle. *Cycle implements it.
type CycleRunner interface {
	Run(ctx context.Context, cfg config.Config) CycleResult
}

// Scheduler runs cycles on a single background worker: one immediately on
// Start, then one per interval until Stop raises the signal.
type Scheduler struct {
	configs   ConfigSource
	runner    CycleRunner
	stopGrace time.Duration
	signal    *Signal

	// cycleMu keeps one cycle at a time against the terminal.
	cycleMu sync.Mutex

	mu        sync.Mutex
	state     State
	shouldRun bool
	done      chan struct{}
	crashErr  error
	last      *CycleResult
}

// NewScheduler builds an idle scheduler. stopGrace <= 0 selects DefaultStopGrace.
func NewScheduler(configs ConfigSource, runner CycleRunner, stopGrace time.Duration) *Scheduler {
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}
	s := &Scheduler{
		configs:   configs,
		runner:    runner,
		stopGrace: stopGrace,
		signal:    NewSignal(),
		state:     StateIdle,
	}
	metrics.SetSchedulerState(string(StateIdle))
	return s
}

// Start launches the worker. It fails with ErrAlreadyRunning while a worker
// is alive.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

// restartIfShouldRun starts a new worker only when the scheduler is still
// meant to run and no worker is alive. Both are checked under the same lock
// as the start, so a Stop racing with it always wins.
func (s *Scheduler) restartIfShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shouldRun || s.workerAliveLocked() {
		return false
	}
	return s.startLocked() == nil
}

func (s *Scheduler) startLocked() error {
	if s.workerAliveLocked() {
		return ErrAlreadyRunning
	}
	s.signal.Clear()
	s.shouldRun = true
	s.crashErr = nil
	done := make(chan struct{})
	s.done = done
	s.setStateLocked(StateRunning)
	go s.loop(done)
	log.Info().Msg("scheduler started")
	return nil
}

// Stop asks the worker to exit and waits up to the grace period. It reports
// whether the worker is gone; false means a warning was logged and the worker
// will exit after its in-flight cycle.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	s.shouldRun = false
	done := s.done
	alive := s.workerAliveLocked()
	if alive {
		s.setStateLocked(StateStopping)
	}
	// raised under mu so a concurrent Start cannot clear it for the old worker
	s.signal.Set()
	s.mu.Unlock()

	if !alive {
		return true
	}
	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return true
	case <-timer.C:
		log.Warn().Dur("grace", s.stopGrace).Msg("worker did not exit within grace period, it will stop after the current cycle")
		return false
	}
}

// IsRunning reports whether the worker goroutine is alive.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerAliveLocked()
}

// ShouldRun reports whether the scheduler was started and not stopped.
func (s *Scheduler) ShouldRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldRun
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns a copy of the latest cycle result, or nil.
func (s *Scheduler) LastResult() *CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	res := *s.last
	return &res
}

// RunOnce executes a cycle on the caller's goroutine. It never waits for the
// worker: when a cycle already holds the terminal it fails fast with
// ErrCycleInProgress.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	if !s.cycleMu.TryLock() {
		return CycleResult{}, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	res := s.runGuarded(ctx, s.configs.Get())
	s.remember(res)
	return res, nil
}

func (s *Scheduler) loop(done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("worker panic: %v", r)
			log.Error().Err(err).Msg("scheduler worker died")
			s.mu.Lock()
			s.crashErr = err
			s.mu.Unlock()
		}
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		close(done)
	}()

	for {
		cfg := s.configs.Get()
		s.setState(StateExecuting)
		s.execute(cfg)
		if !s.ShouldRun() {
			return
		}
		s.setState(StateWaiting)
		if s.signal.Wait(waitInterval(cfg)) {
			return
		}
	}
}

// waitInterval is the pause after a cycle. A non-positive interval would spin
// or block forever, so it falls back to the default.
func waitInterval(cfg config.Config) time.Duration {
	if cfg.IntervalMinutes > 0 {
		return cfg.Interval()
	}
	log.Warn().
		Int("interval_minutes", cfg.IntervalMinutes).
		Int("fallback_minutes", config.DefaultIntervalMinutes).
		Msg("interval must be positive, using default")
	return config.DefaultIntervalMinutes * time.Minute
}

func (s *Scheduler) execute(cfg config.Config) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.remember(s.runGuarded(context.Background(), cfg))
}

// runGuarded turns a panic escaping the runner into an unexpected failure.
func (s *Scheduler) runGuarded(ctx context.Context, cfg config.Config) (res CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sync cycle crashed at worker boundary")
			now := time.Now()
			res = CycleResult{StartedAt: now, FinishedAt: now, Station: cfg.StationName}
			res.fail(KindUnexpected, errors.Errorf("panic: %v", r))
		}
	}()
	return s.runner.Run(ctx, cfg)
}

func (s *Scheduler) remember(res CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &res
}

// crashed returns the panic that killed the last worker, if any.
func (s *Scheduler) crashed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashErr
}

// abandonIfDead clears the run flag after a worker death the caller gave up
// on. It does nothing once a worker is alive again or the scheduler was
// stopped, and reports whether it acted.
func (s *Scheduler) abandonIfDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shouldRun || s.workerAliveLocked() {
		return false
	}
	s.shouldRun = false
	return true
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Scheduler) setStateLocked(st State) {
	// a pending stop wins over the worker's own transitions
	if s.state == StateStopping && (st == StateExecuting || st == StateWaiting) {
		return
	}
	s.state = st
	metrics.SetSchedulerState(string(st))
}

func (s *Scheduler) workerAliveLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
