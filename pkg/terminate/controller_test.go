package terminate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/notify"
	"github.com/core-tools/hsu-oomguard/pkg/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestLogger struct{}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{})                {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               {}

type recordingNotifier struct {
	notifications []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification notify.Notification) {
	n.notifications = append(n.notifications, notification)
}

// fakeOps scripts the process behaviour seen by the controller
type fakeOps struct {
	identity   Identity
	lookupErr  error
	termErr    error
	killErr    error
	exitOnTerm bool
	exitOnKill bool
	existsErr  error
	signals    []syscall.Signal
	waits      []time.Duration
	alive      bool
}

func (f *fakeOps) Lookup(ctx context.Context, pid int) (Identity, error) {
	return f.identity, f.lookupErr
}

func (f *fakeOps) Signal(pid int, sig syscall.Signal) error {
	f.signals = append(f.signals, sig)
	switch sig {
	case syscall.SIGTERM:
		if f.termErr != nil {
			return f.termErr
		}
		if f.exitOnTerm {
			f.alive = false
		}
	case syscall.SIGKILL:
		if f.killErr != nil {
			return f.killErr
		}
		if f.exitOnKill {
			f.alive = false
		}
	}
	return nil
}

func (f *fakeOps) WaitExit(ctx context.Context, pid int, timeout time.Duration) (bool, error) {
	f.waits = append(f.waits, timeout)
	return !f.alive, nil
}

func (f *fakeOps) Exists(ctx context.Context, pid int) (bool, error) {
	return f.alive, f.existsErr
}

func testPolicy(t *testing.T, notifications bool) *config.Policy {
	t.Helper()
	minMem, minSwap := 10.0, 5.0
	policy, err := config.BuildPolicy(config.GeneralConfig{
		MinAvailableMemoryPercentage: &minMem,
		MinAvailableSwapPercentage:   &minSwap,
		KillWait:                     3 * time.Second,
		KillGrace:                    2 * time.Second,
		EnableNotifications:          notifications,
	}, &TestLogger{})
	require.NoError(t, err)
	return policy
}

func victim() snapshot.ProcessRecord {
	return snapshot.ProcessRecord{
		PID:        4242,
		Name:       "java",
		Cmdline:    "java -Xmx64g App",
		RSSBytes:   512 * 1024 * 1024,
		Username:   "alice",
		CreateTime: 1700000000000,
	}
}

func newController(t *testing.T, ops ProcessOps, notifier notify.Notifier) *Controller {
	return NewController(ops, testPolicy(t, true), notifier, NewComposerForHost("en", "node-1"), &TestLogger{})
}

func TestTerminate_Outcomes(t *testing.T) {
	tests := []struct {
		name            string
		ops             *fakeOps
		expectedOutcome Outcome
		expectedReason  FailureReason
		expectedSignals []syscall.Signal
		messageContains string
	}{
		{
			name:            "already gone before verification",
			ops:             &fakeOps{lookupErr: ErrProcessGone},
			expectedOutcome: OutcomeAlreadyExited,
			expectedSignals: nil,
			messageContains: "had already exited",
		},
		{
			name:            "exits on SIGTERM",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true, exitOnTerm: true},
			expectedOutcome: OutcomeTerminated,
			expectedSignals: []syscall.Signal{syscall.SIGTERM},
			messageContains: "was terminated",
		},
		{
			name:            "needs SIGKILL",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true, exitOnKill: true},
			expectedOutcome: OutcomeKilled,
			expectedSignals: []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
			messageContains: "SIGKILL",
		},
		{
			name:            "survives SIGKILL",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true},
			expectedOutcome: OutcomeFailed,
			expectedReason:  ReasonSurvivedKill,
			expectedSignals: []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
			messageContains: "check the process manually",
		},
		{
			name:            "username mismatch",
			ops:             &fakeOps{identity: Identity{Username: "mallory"}, alive: true},
			expectedOutcome: OutcomeFailed,
			expectedReason:  ReasonIdentityMismatch,
			expectedSignals: nil,
		},
		{
			name:            "pid reused by same user",
			ops:             &fakeOps{identity: Identity{Username: "alice", CreateTime: 1800000000000}, alive: true},
			expectedOutcome: OutcomeFailed,
			expectedReason:  ReasonIdentityMismatch,
			expectedSignals: nil,
		},
		{
			name:            "unknown create time is not a mismatch",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true, exitOnTerm: true},
			expectedOutcome: OutcomeTerminated,
			expectedSignals: []syscall.Signal{syscall.SIGTERM},
		},
		{
			name:            "vanishes right before SIGTERM",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, termErr: syscall.ESRCH},
			expectedOutcome: OutcomeAlreadyExited,
			expectedSignals: []syscall.Signal{syscall.SIGTERM},
		},
		{
			name:            "SIGTERM not permitted",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true, termErr: syscall.EPERM},
			expectedOutcome: OutcomeFailed,
			expectedReason:  ReasonPermissionDenied,
			expectedSignals: []syscall.Signal{syscall.SIGTERM},
		},
		{
			name:            "exits between wait and SIGKILL",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true, killErr: syscall.ESRCH},
			expectedOutcome: OutcomeTerminated,
			expectedSignals: []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
		},
		{
			name:            "lookup failure aborts",
			ops:             &fakeOps{lookupErr: fmt.Errorf("proc unreadable")},
			expectedOutcome: OutcomeFailed,
			expectedReason:  ReasonLookupError,
			expectedSignals: nil,
		},
		{
			name:            "existence check failure counts as survived",
			ops:             &fakeOps{identity: Identity{Username: "alice"}, alive: true, exitOnKill: true, existsErr: fmt.Errorf("boom")},
			expectedOutcome: OutcomeFailed,
			expectedReason:  ReasonSurvivedKill,
			expectedSignals: []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			record := victim()
			if tt.name == "unknown create time is not a mismatch" {
				record.CreateTime = 0
			}

			attempt := newController(t, tt.ops, notifier).Terminate(context.Background(), record)

			assert.Equal(t, tt.expectedOutcome, attempt.Outcome)
			assert.Equal(t, tt.expectedReason, attempt.Reason)
			assert.Equal(t, tt.expectedSignals, tt.ops.signals)
			assert.Equal(t, record, attempt.Record)
			if tt.expectedOutcome == OutcomeFailed {
				assert.Error(t, attempt.Err)
			} else {
				assert.NoError(t, attempt.Err)
			}

			// Exactly one notification per terminal outcome
			require.Len(t, notifier.notifications, 1)
			n := notifier.notifications[0]
			assert.Equal(t, "alice", n.Username)
			assert.Equal(t, 4242, n.PID)
			assert.Equal(t, "java", n.ProcessName)
			assert.Equal(t, record.Cmdline, n.Cmdline)
			assert.Contains(t, n.Message, "node-1")
			assert.Contains(t, n.Message, "512MB")
			if tt.messageContains != "" {
				assert.Contains(t, n.Message, tt.messageContains)
			}
		})
	}
}

func TestTerminate_WaitDurations(t *testing.T) {
	ops := &fakeOps{identity: Identity{Username: "alice"}, alive: true, exitOnKill: true}
	newController(t, ops, &recordingNotifier{}).Terminate(context.Background(), victim())

	assert.Equal(t, []time.Duration{3 * time.Second, 2 * time.Second}, ops.waits)
}

func TestTerminate_PermissionErrorIsClassified(t *testing.T) {
	ops := &fakeOps{identity: Identity{Username: "alice"}, alive: true, termErr: syscall.EPERM}
	attempt := newController(t, ops, &recordingNotifier{}).Terminate(context.Background(), victim())
	assert.True(t, errors.IsPermissionError(attempt.Err))
}

func TestTerminate_NotificationsDisabled(t *testing.T) {
	notifier := &recordingNotifier{}
	ops := &fakeOps{lookupErr: ErrProcessGone}
	controller := NewController(ops, testPolicy(t, false), notifier, NewComposerForHost("en", "h"), &TestLogger{})

	attempt := controller.Terminate(context.Background(), victim())
	assert.Equal(t, OutcomeAlreadyExited, attempt.Outcome)
	assert.Empty(t, notifier.notifications)
}

func TestComposer_Chinese(t *testing.T) {
	composer := NewComposerForHost(config.LanguageChinese, "gpu-01")
	record := victim()

	terminated := composer.Message(KillAttempt{Record: record, Outcome: OutcomeTerminated})
	assert.Equal(t, "您在服务器 'gpu-01' 上运行的进程 (PID: 4242, 名称: java) 因占用过多内存 (RSS: 512MB) 已被 OOM Killer 成功终止。\n命令: java -Xmx64g App", terminated)

	failed := composer.Message(KillAttempt{Record: record, Outcome: OutcomeFailed})
	assert.True(t, strings.Contains(failed, "请您手动检查并处理该进程"))

	killed := composer.Message(KillAttempt{Record: record, Outcome: OutcomeKilled})
	assert.Contains(t, killed, "强制终止 (SIGKILL)")
}

func TestComposer_UnknownLanguageFallsBackToEnglish(t *testing.T) {
	composer := NewComposerForHost("fr", "h")
	assert.Contains(t, composer.Message(KillAttempt{Record: victim(), Outcome: OutcomeKilled}), "forcibly killed")
}

func TestSystemOps_TerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Wait() }()

	ops := NewSystemOps()
	identity, err := ops.Lookup(context.Background(), cmd.Process.Pid)
	require.NoError(t, err)
	require.NotEmpty(t, identity.Username)

	record := snapshot.ProcessRecord{
		PID:        cmd.Process.Pid,
		Name:       "sleep",
		Cmdline:    "sleep 30",
		RSSBytes:   1024 * 1024,
		Username:   identity.Username,
		CreateTime: identity.CreateTime,
	}
	controller := NewController(ops, testPolicy(t, false), notify.Disabled(), NewComposerForHost("en", "h"), &TestLogger{})

	attempt := controller.Terminate(context.Background(), record)
	assert.Equal(t, OutcomeTerminated, attempt.Outcome)

	// The zombie left behind counts as gone
	_, err = ops.Lookup(context.Background(), cmd.Process.Pid)
	assert.ErrorIs(t, err, ErrProcessGone)
}
