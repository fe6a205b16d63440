package terminate

import (
	"context"
	stderrors "errors"
	"syscall"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/processstate"
	"github.com/core-tools/hsu-oomguard/pkg/snapshot"

	"golang.org/x/sys/unix"
)

// ErrProcessGone is returned by Lookup when the pid no longer exists
var ErrProcessGone = stderrors.New("process no longer exists")

// Identity is what a pid resolves to right now
type Identity struct {
	Username   string
	CreateTime int64
}

// ProcessOps is the OS surface the termination protocol needs
type ProcessOps interface {
	Lookup(ctx context.Context, pid int) (Identity, error)
	Signal(pid int, sig syscall.Signal) error
	// WaitExit blocks until the process is gone or timeout elapses and
	// reports whether it exited
	WaitExit(ctx context.Context, pid int, timeout time.Duration) (bool, error)
	Exists(ctx context.Context, pid int) (bool, error)
}

type systemOps struct {
	pollInterval time.Duration
}

// NewSystemOps signals and inspects real processes
func NewSystemOps() ProcessOps {
	return &systemOps{pollInterval: processstate.DefaultPollInterval}
}

func (o *systemOps) Lookup(ctx context.Context, pid int) (Identity, error) {
	alive, err := processstate.IsProcessAlive(ctx, pid)
	if err != nil {
		return Identity{}, err
	}
	if !alive {
		return Identity{}, ErrProcessGone
	}

	handle, err := snapshot.NewGopsutilHandle(ctx, pid)
	if err != nil {
		if snapshot.ClassifyReadError(err) == snapshot.SkipVanished {
			return Identity{}, ErrProcessGone
		}
		return Identity{}, err
	}

	username, err := handle.Username(ctx)
	if err != nil {
		if snapshot.ClassifyReadError(err) == snapshot.SkipVanished {
			return Identity{}, ErrProcessGone
		}
		return Identity{}, err
	}

	identity := Identity{Username: username}
	if createTime, err := handle.CreateTime(ctx); err == nil {
		identity.CreateTime = createTime
	}
	return identity, nil
}

func (o *systemOps) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (o *systemOps) WaitExit(ctx context.Context, pid int, timeout time.Duration) (bool, error) {
	return processstate.WaitForExit(ctx, pid, timeout, o.pollInterval)
}

func (o *systemOps) Exists(ctx context.Context, pid int) (bool, error) {
	return processstate.IsProcessAlive(ctx, pid)
}
