// Package device opens confirmed sessions to an attendance terminal by
// walking an ordered list of transport profiles.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PunchAgent/internal/metrics"
	"github.com/httprunner/PunchAgent/internal/zk"
)

// DefaultRetryDelay is the pause between two failed profiles.
const DefaultRetryDelay = 2 * time.Second

// ErrAllProfilesFailed means no profile produced a usable session.
var ErrAllProfilesFailed = errors.New("all connection profiles failed")

// Session is an open, authenticated link owned by a single cycle.
type Session interface {
	FirmwareVersion(ctx context.Context) (string, error)
	Users(ctx context.Context) ([]zk.User, error)
	Attendance(ctx context.Context) ([]zk.Attendance, error)
	DisableDevice(ctx context.Context) error
	EnableDevice(ctx context.Context) error
	Disconnect() error
}

// Dialer opens a session under one profile.
type Dialer interface {
	Dial(ctx context.Context, target Target, profile Profile) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target Target, profile Profile) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, target Target, profile Profile) (Session, error) {
	return f(ctx, target, profile)
}

// Target identifies the terminal.
type Target struct {
	Address  string
	Port     int
	Timeout  time.Duration
	Password int
}

func (t Target) String() string { return fmt.Sprintf("%s:%d", t.Address, t.Port) }

// Profile is a transport and liveness-check combination.
type Profile struct {
	Name string
	UDP  bool
	Ping bool
}

// Profiles is the order in which transports are attempted.
var Profiles = []Profile{
	{Name: "tcp+ping", UDP: false, Ping: true},
	{Name: "udp+ping", UDP: true, Ping: true},
	{Name: "tcp", UDP: false, Ping: false},
	{Name: "udp", UDP: true, Ping: false},
}

// Connector negotiates sessions.
type Connector struct {
	Dialer     Dialer
	Profiles   []Profile
	RetryDelay time.Duration
}

// NewConnector returns a connector that speaks the terminal protocol directly.
func NewConnector() *Connector {
	return &Connector{Dialer: ZKDialer{}, Profiles: Profiles, RetryDelay: DefaultRetryDelay}
}

// Connect tries each profile in order until one yields a session that also
// answers a firmware probe. The terminal is then asked to suspend local
// operation; failing that only logs a warning.
func (c *Connector) Connect(ctx context.Context, target Target) (Session, Profile, error) {
	if c == nil || c.Dialer == nil {
		return nil, Profile{}, errors.New("device connector: dialer is nil")
	}
	profiles := c.Profiles
	if len(profiles) == 0 {
		profiles = Profiles
	}

	var lastErr error
	for i, profile := range profiles {
		if i > 0 {
			if err := sleep(ctx, c.RetryDelay); err != nil {
				return nil, Profile{}, errors.Wrap(err, "connect interrupted")
			}
		}
		logger := log.With().Str("address", target.String()).Str("profile", profile.Name).Int("attempt", i+1).Logger()

		session, err := c.Dialer.Dial(ctx, target, profile)
		if err != nil {
			lastErr = err
			metrics.ConnectAttempts.WithLabelValues(profile.Name, "dial_failed").Inc()
			logger.Warn().Err(err).Msg("connect attempt failed")
			continue
		}
		firmware, err := session.FirmwareVersion(ctx)
		if err != nil {
			lastErr = errors.Wrap(err, "firmware probe")
			metrics.ConnectAttempts.WithLabelValues(profile.Name, "probe_failed").Inc()
			logger.Warn().Err(err).Msg("session opened but firmware probe failed")
			if derr := session.Disconnect(); derr != nil {
				logger.Debug().Err(derr).Msg("disconnect after failed probe")
			}
			continue
		}
		metrics.ConnectAttempts.WithLabelValues(profile.Name, "ok").Inc()
		logger.Info().Str("firmware", firmware).Msg("terminal connected")

		if err := session.DisableDevice(ctx); err != nil {
			logger.Warn().Err(err).Msg("could not disable terminal during read")
		}
		return session, profile, nil
	}
	if lastErr == nil {
		return nil, Profile{}, ErrAllProfilesFailed
	}
	return nil, Profile{}, errors.Wrapf(ErrAllProfilesFailed, "%s (last error: %v)", target, lastErr)
}

// Release re-enables the terminal and closes the session. Both steps are
// best effort and only logged.
func Release(ctx context.Context, session Session) {
	if session == nil {
		return
	}
	if err := session.EnableDevice(ctx); err != nil {
		log.Warn().Err(err).Msg("could not re-enable terminal")
	}
	if err := session.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("disconnect failed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
