//go:build !windows

package processstate

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// DefaultPollInterval is how often WaitForExit re-checks the process table
const DefaultPollInterval = 100 * time.Millisecond

// IsProcessRunning reports whether a process with the given pid exists.
// A zombie still counts as running here; use IsProcessAlive to exclude it.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	switch err {
	case unix.ESRCH:
		return false, nil
	case unix.EPERM:
		// Exists, owned by someone we cannot signal
		return true, nil
	}
	return false, err
}

// IsProcessAlive is IsProcessRunning with zombie and dead entries treated as
// gone. A zombie has released its memory and only waits to be reaped.
func IsProcessAlive(ctx context.Context, pid int) (bool, error) {
	running, err := IsProcessRunning(pid)
	if err != nil || !running {
		return running, err
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if err == process.ErrorProcessNotRunning {
			return false, nil
		}
		// Status unreadable, trust the signal probe
		return true, nil
	}

	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true, nil
	}
	return !IsDefunct(status), nil
}

// IsDefunct reports whether a gopsutil status list marks a zombie or dead task
func IsDefunct(status []string) bool {
	for _, s := range status {
		if s == process.Zombie || s == "dead" {
			return true
		}
	}
	return false
}

// WaitForExit polls until the process is gone or the timeout elapses.
// It returns true when the process exited within the timeout.
func WaitForExit(ctx context.Context, pid int, timeout, pollInterval time.Duration) (bool, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		alive, err := IsProcessAlive(ctx, pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
