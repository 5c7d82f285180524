package punchagent

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWorkerDeath(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 5*time.Millisecond)
}

func TestWatchdogIgnoresHealthyOrStoppedScheduler(t *testing.T) {
	s := NewScheduler(hourlySource(), &stubRunner{}, time.Second)
	w := NewWatchdog(s, WatchdogRestart, time.Hour, nil)
	assert.False(t, w.Check())

	require.NoError(t, s.Start())
	waitForState(t, s, StateWaiting)
	assert.False(t, w.Check())

	s.Stop()
	assert.False(t, w.Check())
}

func TestWatchdogReportPolicy(t *testing.T) {
	src := hourlySource()
	src.panics.Store(1)
	s := NewScheduler(src, &stubRunner{}, time.Second)

	var faults atomic.Int32
	var got error
	w := NewWatchdog(s, WatchdogReport, time.Hour, func(err error) {
		faults.Add(1)
		got = err
	})

	require.NoError(t, s.Start())
	waitForWorkerDeath(t, s)
	assert.True(t, s.ShouldRun())

	assert.True(t, w.Check())
	assert.Equal(t, int32(1), faults.Load())
	assert.ErrorIs(t, got, ErrWorkerDied)
	assert.Contains(t, got.Error(), "config snapshot failed")
	assert.False(t, s.ShouldRun())
	assert.False(t, w.Check())
}

func TestWatchdogRestartsOnceThenReports(t *testing.T) {
	src := hourlySource()
	src.panics.Store(2)
	runner := &stubRunner{}
	s := NewScheduler(src, runner, time.Second)

	var faults atomic.Int32
	w := NewWatchdog(s, WatchdogRestart, time.Hour, func(error) { faults.Add(1) })

	require.NoError(t, s.Start())
	waitForWorkerDeath(t, s)
	assert.True(t, w.Check())
	assert.Zero(t, faults.Load())

	// the restarted worker dies on the second bad snapshot
	waitForWorkerDeath(t, s)
	assert.True(t, w.Check())
	assert.Equal(t, int32(1), faults.Load())
	assert.Zero(t, runner.calls.Load())
}

func TestWatchdogRestartRecovers(t *testing.T) {
	src := hourlySource()
	src.panics.Store(1)
	runner := &stubRunner{}
	s := NewScheduler(src, runner, time.Second)
	w := NewWatchdog(s, WatchdogRestart, 10*time.Millisecond, nil)
	w.Start()
	defer w.Stop()

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, s, StateWaiting)
	assert.True(t, s.IsRunning())
}

func TestWatchdogDoesNotUndoStop(t *testing.T) {
	src := hourlySource()
	src.panics.Store(1)
	s := NewScheduler(src, &stubRunner{}, time.Second)

	var faults atomic.Int32
	w := NewWatchdog(s, WatchdogRestart, time.Hour, func(error) { faults.Add(1) })

	require.NoError(t, s.Start())
	waitForWorkerDeath(t, s)
	s.Stop()

	assert.False(t, w.Check())
	assert.False(t, s.IsRunning())
	assert.Zero(t, faults.Load())
}
