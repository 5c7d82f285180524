package punchagent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalWaitTimesOut(t *testing.T) {
	s := NewSignal()
	start := time.Now()
	assert.False(t, s.Wait(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSignalSetWakesWaiterImmediately(t *testing.T) {
	s := NewSignal()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Set()
	}()
	start := time.Now()
	assert.True(t, s.Wait(time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalSetIsIdempotentAndClearResets(t *testing.T) {
	var s Signal
	s.Set()
	s.Set()
	assert.True(t, s.IsSet())
	assert.True(t, s.Wait(0))

	s.Clear()
	s.Clear()
	assert.False(t, s.IsSet())
	assert.False(t, s.Wait(5*time.Millisecond))
}
