package zk

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Pinger checks that a host answers before a socket is opened to it.
type Pinger func(ctx context.Context, host string, timeout time.Duration) error

// SystemPing shells out to the platform ping binary with a single probe.
func SystemPing(ctx context.Context, host string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	var args []string
	switch runtime.GOOS {
	case "windows":
		args = []string{"-n", "1", "-w", strconv.Itoa(secs * 1000), host}
	case "darwin":
		args = []string{"-c", "1", "-t", strconv.Itoa(secs), host}
	default:
		args = []string{"-c", "1", "-W", strconv.Itoa(secs), host}
	}
	if out, err := exec.CommandContext(ctx, "ping", args...).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "ping %s: %s", host, truncate(string(out), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
