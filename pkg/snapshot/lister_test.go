package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestLogger struct {
	errors int
}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{})                {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               { l.errors++ }

type fakeHandle struct {
	pid        int
	name       string
	cmdline    []string
	rss        uint64
	status     []string
	username   string
	createTime int64

	nameErr, cmdlineErr, rssErr, statusErr, userErr error
}

func (h *fakeHandle) PID() int { return h.pid }
func (h *fakeHandle) Name(ctx context.Context) (string, error) {
	return h.name, h.nameErr
}
func (h *fakeHandle) Cmdline(ctx context.Context) ([]string, error) {
	return h.cmdline, h.cmdlineErr
}
func (h *fakeHandle) RSS(ctx context.Context) (uint64, error) {
	return h.rss, h.rssErr
}
func (h *fakeHandle) Status(ctx context.Context) ([]string, error) {
	if h.status == nil {
		return []string{process.Running}, h.statusErr
	}
	return h.status, h.statusErr
}
func (h *fakeHandle) Username(ctx context.Context) (string, error) {
	return h.username, h.userErr
}
func (h *fakeHandle) CreateTime(ctx context.Context) (int64, error) {
	return h.createTime, nil
}

type fakeSource struct {
	handles []*fakeHandle
	err     error
}

func (s *fakeSource) Processes(ctx context.Context) ([]ProcessHandle, error) {
	if s.err != nil {
		return nil, s.err
	}
	handles := make([]ProcessHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	return handles, nil
}

func proc(pid int, name string, rssMB uint64) *fakeHandle {
	return &fakeHandle{
		pid:      pid,
		name:     name,
		cmdline:  []string{"/usr/bin/" + name, "--flag"},
		rss:      rssMB * 1024 * 1024,
		username: "alice",
	}
}

func pids(records []ProcessRecord) []int {
	result := make([]int, 0, len(records))
	for _, r := range records {
		result = append(result, r.PID)
	}
	return result
}

func TestListCandidates_FiltersAndOrders(t *testing.T) {
	zombie := proc(30, "defunct", 10)
	zombie.status = []string{process.Zombie}
	kernelThread := proc(31, "kworker", 10)
	kernelThread.cmdline = nil
	noRSS := proc(32, "tiny", 0)
	vanished := proc(33, "gone", 10)
	vanished.rssErr = process.ErrorProcessNotRunning
	denied := proc(34, "secret", 10)
	denied.cmdlineErr = fs.ErrPermission
	broken := proc(35, "broken", 10)
	broken.userErr = fmt.Errorf("unexpected")

	source := &fakeSource{handles: []*fakeHandle{
		proc(10, "java", 500),
		proc(11, "chrome", 50),
		proc(12, "sshd", 900),
		proc(13, "python", 700),
		proc(14, "chrome", 80),
		proc(os.Getpid(), "oomguard", 2000),
		proc(20, "excluded-by-pid", 3000),
		zombie, kernelThread, noRSS, vanished, denied, broken,
	}}

	logger := &TestLogger{}
	lister := NewLister(source, logger)
	exclusions := Exclusions{
		PIDs:  map[int]struct{}{20: {}},
		Names: NewNameSet("sshd"),
	}
	priority := NewNameSet("chrome")

	records := lister.ListCandidates(context.Background(), exclusions, priority.Has)

	assert.Equal(t, []int{14, 11, 13, 10}, pids(records))
	assert.True(t, records[0].Prioritized)
	assert.True(t, records[1].Prioritized)
	assert.False(t, records[2].Prioritized)
	assert.Equal(t, "/usr/bin/chrome --flag", records[0].Cmdline)
	assert.Equal(t, "alice", records[0].Username)
	assert.Equal(t, 1, logger.errors, "only the unexpected read error is logged at error level")
}

func TestScan_SkipReasons(t *testing.T) {
	zombie := proc(3, "z", 10)
	zombie.status = []string{"dead"}
	empty := proc(4, "k", 10)
	empty.cmdline = []string{}
	vanished := proc(6, "v", 10)
	vanished.nameErr = fmt.Errorf("open /proc/6/stat: %w", fs.ErrNotExist)
	denied := proc(7, "d", 10)
	denied.statusErr = syscall.EACCES

	source := &fakeSource{handles: []*fakeHandle{
		proc(os.Getpid(), "self", 10),
		proc(2, "avoided", 10),
		zombie,
		empty,
		proc(5, "norss", 0),
		vanished,
		denied,
		proc(8, "ok", 10),
		proc(9, "pid-excluded", 10),
	}}

	lister := NewLister(source, &TestLogger{})
	results := lister.Scan(context.Background(), Exclusions{
		PIDs:  map[int]struct{}{9: {}},
		Names: NewNameSet("avoided"),
	}, nil)

	require.Len(t, results, 9)
	expected := []SkipReason{
		SkipSelf, SkipExcludedName, SkipZombie, SkipEmptyCmdline, SkipNoRSS,
		SkipVanished, SkipAccessDenied, SkipNone, SkipExcludedPID,
	}
	for i, result := range results {
		assert.Equal(t, expected[i], result.Skip, "result %d (pid %d)", i, result.Record.PID)
	}
	assert.True(t, results[7].Eligible())
	assert.False(t, results[7].Record.Prioritized)
}

func TestListCandidates_EnumerationFailure(t *testing.T) {
	logger := &TestLogger{}
	lister := NewLister(&fakeSource{err: fmt.Errorf("no /proc")}, logger)

	records := lister.ListCandidates(context.Background(), Exclusions{}, nil)
	assert.Empty(t, records)
	assert.Equal(t, 1, logger.errors)
}

func TestListCandidates_PriorityBeatsSize(t *testing.T) {
	source := &fakeSource{handles: []*fakeHandle{
		proc(1001, "p1", 500),
		proc(1002, "p2", 50),
	}}
	lister := NewLister(source, &TestLogger{})

	records := lister.ListCandidates(context.Background(), Exclusions{}, NewNameSet("p2").Has)
	require.Len(t, records, 2)
	assert.Equal(t, 1002, records[0].PID)
	assert.Equal(t, 1001, records[1].PID)
}

func TestSortRecords_Stable(t *testing.T) {
	records := []ProcessRecord{
		{PID: 1, RSSBytes: 100},
		{PID: 2, RSSBytes: 100, Prioritized: true},
		{PID: 3, RSSBytes: 100},
		{PID: 4, RSSBytes: 5, Prioritized: true},
		{PID: 5, RSSBytes: 200},
		{PID: 6, RSSBytes: 100, Prioritized: true},
	}
	SortRecords(records)
	assert.Equal(t, []int{2, 6, 4, 5, 1, 3}, pids(records))
}

func TestClassifyReadError(t *testing.T) {
	assert.Equal(t, SkipNone, ClassifyReadError(nil))
	assert.Equal(t, SkipVanished, ClassifyReadError(process.ErrorProcessNotRunning))
	assert.Equal(t, SkipVanished, ClassifyReadError(fmt.Errorf("wrap: %w", syscall.ESRCH)))
	assert.Equal(t, SkipAccessDenied, ClassifyReadError(syscall.EPERM))
	assert.Equal(t, SkipAccessDenied, ClassifyReadError(&fs.PathError{Op: "open", Path: "/proc/1/environ", Err: syscall.EACCES}))
	assert.Equal(t, SkipReadError, ClassifyReadError(fmt.Errorf("parse failure")))
}

func TestRecordString(t *testing.T) {
	record := ProcessRecord{PID: 42, Name: "java", Username: "bob", RSSBytes: 300 * 1024 * 1024}
	assert.Equal(t, uint64(300), record.RSSMegabytes())
	assert.Equal(t, "PID=42, User=bob, Name=java, RSS=300MB", record.String())
}
