package snapshot

import (
	"context"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessHandle reads attributes of one process. Every accessor may fail
// independently, typically because the process vanished.
type ProcessHandle interface {
	PID() int
	Name(ctx context.Context) (string, error)
	Cmdline(ctx context.Context) ([]string, error)
	RSS(ctx context.Context) (uint64, error)
	Status(ctx context.Context) ([]string, error)
	Username(ctx context.Context) (string, error)
	CreateTime(ctx context.Context) (int64, error)
}

// ProcessSource enumerates the process table
type ProcessSource interface {
	Processes(ctx context.Context) ([]ProcessHandle, error)
}

// GopsutilSource enumerates processes through gopsutil
type GopsutilSource struct{}

func (GopsutilSource) Processes(ctx context.Context) ([]ProcessHandle, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	handles := make([]ProcessHandle, 0, len(procs))
	for _, p := range procs {
		handles = append(handles, gopsutilHandle{p: p})
	}
	return handles, nil
}

// NewGopsutilHandle resolves a single pid, failing when it does not exist
func NewGopsutilHandle(ctx context.Context, pid int) (ProcessHandle, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	return gopsutilHandle{p: p}, nil
}

type gopsutilHandle struct {
	p *process.Process
}

func (h gopsutilHandle) PID() int {
	return int(h.p.Pid)
}

func (h gopsutilHandle) Name(ctx context.Context) (string, error) {
	return h.p.NameWithContext(ctx)
}

func (h gopsutilHandle) Cmdline(ctx context.Context) ([]string, error) {
	return h.p.CmdlineSliceWithContext(ctx)
}

func (h gopsutilHandle) RSS(ctx context.Context) (uint64, error) {
	info, err := h.p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func (h gopsutilHandle) Status(ctx context.Context) ([]string, error) {
	return h.p.StatusWithContext(ctx)
}

// Username falls back to the numeric real uid when it has no passwd entry
func (h gopsutilHandle) Username(ctx context.Context) (string, error) {
	name, err := h.p.UsernameWithContext(ctx)
	if err == nil {
		return name, nil
	}
	uids, uidErr := h.p.UidsWithContext(ctx)
	if uidErr != nil || len(uids) == 0 {
		return "", err
	}
	return strconv.FormatInt(int64(uids[0]), 10), nil
}

func (h gopsutilHandle) CreateTime(ctx context.Context) (int64, error) {
	return h.p.CreateTimeWithContext(ctx)
}
