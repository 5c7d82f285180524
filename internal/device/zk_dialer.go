package device

import (
	"context"

	"github.com/httprunner/PunchAgent/internal/zk"
)

// ZKDialer opens sessions with the built-in protocol driver.
type ZKDialer struct {
	// Pinger overrides the OS ping used by profiles with a liveness check.
	Pinger zk.Pinger
}

func (d ZKDialer) Dial(ctx context.Context, target Target, profile Profile) (Session, error) {
	client, err := zk.Dial(ctx, zk.Options{
		Address:  target.Address,
		Port:     target.Port,
		Timeout:  target.Timeout,
		Password: target.Password,
		ForceUDP: profile.UDP,
		OmitPing: !profile.Ping,
		Pinger:   d.Pinger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
