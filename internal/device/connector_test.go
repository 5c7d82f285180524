package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/PunchAgent/internal/zk"
)

type stubSession struct {
	probeErr   error
	disableErr error

	mu           sync.Mutex
	disabled     bool
	enabled      bool
	disconnected bool
}

func (s *stubSession) FirmwareVersion(context.Context) (string, error) {
	if s.probeErr != nil {
		return "", s.probeErr
	}
	return "Ver 6.60", nil
}
func (s *stubSession) Users(context.Context) ([]zk.User, error)            { return nil, nil }
func (s *stubSession) Attendance(context.Context) ([]zk.Attendance, error) { return nil, nil }
func (s *stubSession) DisableDevice(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
	return s.disableErr
}
func (s *stubSession) EnableDevice(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return errors.New("enable refused")
}
func (s *stubSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

// scriptedDialer answers each profile from a map and records the order.
type scriptedDialer struct {
	sessions map[string]*stubSession
	attempts []string
}

func (d *scriptedDialer) Dial(_ context.Context, _ Target, p Profile) (Session, error) {
	d.attempts = append(d.attempts, p.Name)
	if s, ok := d.sessions[p.Name]; ok {
		return s, nil
	}
	return nil, errors.Errorf("%s refused", p.Name)
}

func target() Target {
	return Target{Address: "10.0.0.5", Port: 4370, Timeout: time.Second}
}

func TestConnectSucceedsOnThirdProfileOnly(t *testing.T) {
	want := &stubSession{}
	dialer := &scriptedDialer{sessions: map[string]*stubSession{"tcp": want}}
	c := &Connector{Dialer: dialer, RetryDelay: time.Millisecond}

	session, profile, err := c.Connect(context.Background(), target())
	require.NoError(t, err)
	assert.Same(t, want, session)
	assert.Equal(t, Profiles[2], profile)
	assert.Equal(t, []string{"tcp+ping", "udp+ping", "tcp"}, dialer.attempts)
	assert.True(t, want.disabled)
}

func TestConnectSkipsProfileWhoseProbeFails(t *testing.T) {
	broken := &stubSession{probeErr: errors.New("timed out")}
	good := &stubSession{}
	dialer := &scriptedDialer{sessions: map[string]*stubSession{"tcp+ping": broken, "udp+ping": good}}
	c := &Connector{Dialer: dialer, RetryDelay: time.Millisecond}

	session, profile, err := c.Connect(context.Background(), target())
	require.NoError(t, err)
	assert.Same(t, good, session)
	assert.Equal(t, "udp+ping", profile.Name)
	assert.True(t, broken.disconnected)
}

func TestConnectToleratesDisableFailure(t *testing.T) {
	s := &stubSession{disableErr: errors.New("busy")}
	c := &Connector{Dialer: &scriptedDialer{sessions: map[string]*stubSession{"tcp+ping": s}}}

	session, _, err := c.Connect(context.Background(), target())
	require.NoError(t, err)
	assert.Same(t, s, session)
}

func TestConnectExhaustsAllProfiles(t *testing.T) {
	dialer := &scriptedDialer{}
	c := &Connector{Dialer: dialer, RetryDelay: time.Millisecond}

	_, _, err := c.Connect(context.Background(), target())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProfilesFailed)
	assert.Contains(t, err.Error(), "udp refused")
	assert.Len(t, dialer.attempts, 4)
}

func TestConnectWaitsBetweenAttempts(t *testing.T) {
	c := &Connector{Dialer: &scriptedDialer{}, RetryDelay: 20 * time.Millisecond}

	start := time.Now()
	_, _, err := c.Connect(context.Background(), target())
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestConnectStopsWhenContextEnds(t *testing.T) {
	dialer := &scriptedDialer{}
	c := &Connector{Dialer: dialer, RetryDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := c.Connect(ctx, target())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, dialer.attempts, 1)
}

func TestReleaseAlwaysDisconnects(t *testing.T) {
	s := &stubSession{}
	Release(context.Background(), s)
	assert.True(t, s.enabled)
	assert.True(t, s.disconnected)

	Release(context.Background(), nil)
}
