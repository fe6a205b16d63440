// Package terminate runs the graduated SIGTERM/SIGKILL protocol against a
// selected victim and reports the outcome to its owner.
package terminate

import (
	"context"
	stderrors "errors"
	"syscall"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/notify"
	"github.com/core-tools/hsu-oomguard/pkg/snapshot"
)

type Controller struct {
	ops      ProcessOps
	policy   *config.Policy
	notifier notify.Notifier
	composer *Composer
	logger   logging.Logger
	now      func() time.Time
}

func NewController(ops ProcessOps, policy *config.Policy, notifier notify.Notifier, composer *Composer, logger logging.Logger) *Controller {
	if notifier == nil {
		notifier = notify.Disabled()
	}
	return &Controller{
		ops:      ops,
		policy:   policy,
		notifier: notifier,
		composer: composer,
		logger:   logger,
		now:      time.Now,
	}
}

// Terminate verifies the victim's identity, sends SIGTERM, escalates to
// SIGKILL after KillWait and confirms the result. Exactly one notification
// is issued per call.
func (c *Controller) Terminate(ctx context.Context, record snapshot.ProcessRecord) KillAttempt {
	attempt := KillAttempt{Record: record, Started: c.now()}

	c.logger.Warnf("Attempting to kill process %s", record)
	c.logger.Debugf("Full command: %s", record.Cmdline)

	c.run(ctx, &attempt)

	attempt.Duration = c.now().Sub(attempt.Started)
	c.notify(ctx, attempt)
	return attempt
}

func (c *Controller) run(ctx context.Context, attempt *KillAttempt) {
	record := attempt.Record
	pid := record.PID

	identity, err := c.ops.Lookup(ctx, pid)
	if err != nil {
		if stderrors.Is(err, ErrProcessGone) {
			c.alreadyExited(attempt)
			return
		}
		c.fail(attempt, ReasonLookupError, errors.NewProcessError("failed to re-resolve process", err).WithContext("pid", pid))
		c.logger.Errorf("Error verifying process PID=%d, User=%s, Name=%s: %v. Aborting kill.", pid, record.Username, record.Name, err)
		return
	}

	if identity.Username != record.Username {
		c.fail(attempt, ReasonIdentityMismatch, errors.NewProcessError("username mismatch", nil).
			WithContext("expected", record.Username).
			WithContext("found", identity.Username))
		c.logger.Errorf("Username mismatch for PID=%d. Expected '%s', found '%s'. Aborting kill.", pid, record.Username, identity.Username)
		return
	}
	if record.CreateTime != 0 && identity.CreateTime != 0 && record.CreateTime != identity.CreateTime {
		c.fail(attempt, ReasonIdentityMismatch, errors.NewProcessError("create time mismatch, pid was reused", nil).
			WithContext("expected", record.CreateTime).
			WithContext("found", identity.CreateTime))
		c.logger.Errorf("PID=%d was reused since the snapshot (create time %d, now %d). Aborting kill.", pid, record.CreateTime, identity.CreateTime)
		return
	}

	if err := c.ops.Signal(pid, syscall.SIGTERM); err != nil {
		switch {
		case stderrors.Is(err, syscall.ESRCH):
			c.alreadyExited(attempt)
		case stderrors.Is(err, syscall.EPERM):
			c.fail(attempt, ReasonPermissionDenied, errors.NewPermissionError("not permitted to signal process", err).WithContext("pid", pid))
			c.logger.Errorf("Error killing process %s: %v. Check permissions.", record, err)
		default:
			c.fail(attempt, ReasonSignalError, errors.NewProcessError("failed to send SIGTERM", err).WithContext("pid", pid))
			c.logger.Errorf("Unexpected error killing process %s: %v", record, err)
		}
		return
	}

	c.logger.Infof("Sent SIGTERM to PID=%d, User=%s, Name=%s. Waiting %v...", pid, record.Username, record.Name, c.policy.KillWait)
	exited, err := c.ops.WaitExit(ctx, pid, c.policy.KillWait)
	if err != nil {
		c.logger.Warnf("Error waiting for PID=%d after SIGTERM: %v", pid, err)
	}
	if exited {
		attempt.Outcome = OutcomeTerminated
		c.logger.Infof("Process terminated gracefully: PID=%d, User=%s, Name=%s", pid, record.Username, record.Name)
		return
	}

	c.logger.Warnf("Process did not terminate after SIGTERM. Sending SIGKILL: PID=%d, User=%s, Name=%s...", pid, record.Username, record.Name)
	if err := c.ops.Signal(pid, syscall.SIGKILL); err != nil {
		switch {
		case stderrors.Is(err, syscall.ESRCH):
			// Exited between the wait timeout and the escalation
			attempt.Outcome = OutcomeTerminated
			c.logger.Infof("Process terminated gracefully: PID=%d, User=%s, Name=%s", pid, record.Username, record.Name)
			return
		case stderrors.Is(err, syscall.EPERM):
			c.fail(attempt, ReasonPermissionDenied, errors.NewPermissionError("not permitted to send SIGKILL", err).WithContext("pid", pid))
			c.logger.Errorf("Error killing process %s: %v. Check permissions.", record, err)
			return
		default:
			c.logger.Errorf("Error sending SIGKILL to PID=%d: %v", pid, err)
		}
	}

	// Errors here are irrelevant, existence is checked right after
	_, _ = c.ops.WaitExit(ctx, pid, c.policy.KillGrace)

	exists, err := c.ops.Exists(ctx, pid)
	if err != nil {
		c.logger.Errorf("Error checking PID=%d after SIGKILL: %v", pid, err)
	}
	if exists || err != nil {
		c.fail(attempt, ReasonSurvivedKill, errors.NewProcessError("process survived SIGKILL", err).WithContext("pid", pid))
		c.logger.Errorf("Failed to kill process PID=%d, User=%s, Name=%s even with SIGKILL.", pid, record.Username, record.Name)
		return
	}

	attempt.Outcome = OutcomeKilled
	c.logger.Infof("Process killed with SIGKILL: PID=%d, User=%s, Name=%s", pid, record.Username, record.Name)
}

func (c *Controller) alreadyExited(attempt *KillAttempt) {
	attempt.Outcome = OutcomeAlreadyExited
	c.logger.Infof("Process already exited: PID=%d, User=%s, Name=%s", attempt.Record.PID, attempt.Record.Username, attempt.Record.Name)
}

func (c *Controller) fail(attempt *KillAttempt, reason FailureReason, err error) {
	attempt.Outcome = OutcomeFailed
	attempt.Reason = reason
	attempt.Err = err
}

func (c *Controller) notify(ctx context.Context, attempt KillAttempt) {
	if !c.policy.NotificationsEnabled {
		return
	}
	c.notifier.Notify(ctx, notify.Notification{
		Username:    attempt.Record.Username,
		ProcessName: attempt.Record.Name,
		PID:         attempt.Record.PID,
		Cmdline:     attempt.Record.Cmdline,
		Message:     c.composer.Message(attempt),
	})
}
