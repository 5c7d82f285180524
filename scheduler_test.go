package punchagent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/PunchAgent/internal/config"
)

type staticSource struct {
	mu  sync.Mutex
	cfg config.Config
	// panics counts the remaining Get calls that panic.
	panics atomic.Int32
}

func (s *staticSource) Get() config.Config {
	if s.panics.Load() > 0 {
		s.panics.Add(-1)
		panic("config snapshot failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func hourlySource() *staticSource {
	cfg := lobbyConfig("https://collector.example.com/api/")
	cfg.IntervalMinutes = 60
	return &staticSource{cfg: cfg}
}

// stubRunner counts cycles and can hold them open.
type stubRunner struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	panics  bool
}

func (r *stubRunner) Run(_ context.Context, cfg config.Config) CycleResult {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	if r.panics {
		panic("runner exploded")
	}
	return CycleResult{ID: "c", Station: cfg.StationName, Success: true}
}

func waitForState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestStartRunsFirstCycleImmediately(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(hourlySource(), runner, time.Second)
	assert.Nil(t, s.LastResult())

	require.NoError(t, s.Start())
	defer s.Stop()

	waitForState(t, s, StateWaiting)
	assert.Equal(t, int32(1), runner.calls.Load())
	require.NotNil(t, s.LastResult())
	assert.True(t, s.LastResult().Success)
	assert.True(t, s.IsRunning())
}

func TestStopDuringWaitIsPrompt(t *testing.T) {
	s := NewScheduler(hourlySource(), &stubRunner{}, time.Second)
	require.NoError(t, s.Start())
	waitForState(t, s, StateWaiting)

	start := time.Now()
	assert.True(t, s.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, s.IsRunning())
	assert.Equal(t, StateIdle, s.State())
}

func TestSecondStartIsRejectedWithoutNewSession(t *testing.T) {
	conn := &fakeConnector{session: &fakeSession{}}
	cycle := &Cycle{Connector: conn}
	s := NewScheduler(hourlySource(), cycle, time.Second)

	require.NoError(t, s.Start())
	defer s.Stop()
	waitForState(t, s, StateWaiting)

	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestSchedulerCanRestartAfterStop(t *testing.T) {
	runner := &stubRunner{}
	s := NewScheduler(hourlySource(), runner, time.Second)
	require.NoError(t, s.Start())
	waitForState(t, s, StateWaiting)
	require.True(t, s.Stop())

	require.NoError(t, s.Start())
	waitForState(t, s, StateWaiting)
	require.True(t, s.Stop())
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestStopReportsWorkerStuckInCycle(t *testing.T) {
	runner := &stubRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewScheduler(hourlySource(), runner, 30*time.Millisecond)
	require.NoError(t, s.Start())
	<-runner.started

	assert.False(t, s.Stop())
	assert.True(t, s.IsRunning())

	close(runner.release)
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestRunOnceRejectedWhileCycleInFlight(t *testing.T) {
	runner := &stubRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewScheduler(hourlySource(), runner, time.Second)
	require.NoError(t, s.Start())
	<-runner.started

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(runner.release)
	waitForState(t, s, StateWaiting)
	runner.started = nil

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), runner.calls.Load())
	s.Stop()
}

func TestRunOnceWithoutWorker(t *testing.T) {
	s := NewScheduler(hourlySource(), &stubRunner{}, time.Second)
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, s.IsRunning())
	require.NotNil(t, s.LastResult())
}

func TestCyclePanicAtWorkerBoundaryKeepsWorkerAlive(t *testing.T) {
	s := NewScheduler(hourlySource(), &stubRunner{panics: true}, time.Second)
	require.NoError(t, s.Start())
	defer s.Stop()

	waitForState(t, s, StateWaiting)
	assert.True(t, s.IsRunning())
	last := s.LastResult()
	require.NotNil(t, last)
	assert.False(t, last.Success)
	assert.Equal(t, KindUnexpected, last.ErrorKind)
}

func TestNonPositiveIntervalFallsBackToDefault(t *testing.T) {
	for _, minutes := range []int{0, -1} {
		src := hourlySource()
		src.cfg.IntervalMinutes = minutes
		runner := &stubRunner{}
		s := NewScheduler(src, runner, time.Second)
		require.NoError(t, s.Start())

		waitForState(t, s, StateWaiting)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), runner.calls.Load(), "interval %d", minutes)

		start := time.Now()
		assert.True(t, s.Stop())
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	}
}

func TestRestartIfShouldRunHonoursStop(t *testing.T) {
	src := hourlySource()
	src.panics.Store(1)
	runner := &stubRunner{}
	s := NewScheduler(src, runner, time.Second)

	require.NoError(t, s.Start())
	waitForWorkerDeath(t, s)
	s.Stop()

	assert.False(t, s.restartIfShouldRun())
	assert.False(t, s.IsRunning())
	assert.False(t, s.abandonIfDead())
}

func TestRestartIfShouldRunSkipsLiveWorker(t *testing.T) {
	src := hourlySource()
	src.panics.Store(1)
	s := NewScheduler(src, &stubRunner{}, time.Second)

	require.NoError(t, s.Start())
	waitForWorkerDeath(t, s)
	require.NoError(t, s.Start())
	defer s.Stop()
	waitForState(t, s, StateWaiting)

	assert.False(t, s.restartIfShouldRun())
	assert.False(t, s.abandonIfDead())
	assert.True(t, s.ShouldRun())
}

func TestConcurrentStartStopSettles(t *testing.T) {
	s := NewScheduler(hourlySource(), &stubRunner{}, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = s.Start() }()
		go func() { defer wg.Done(); s.Stop() }()
	}
	wg.Wait()

	require.True(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.False(t, s.ShouldRun())
	assert.Equal(t, StateIdle, s.State())
}
