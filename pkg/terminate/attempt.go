package terminate

import (
	"fmt"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/snapshot"
)

// Outcome is the terminal state of one kill attempt
type Outcome string

const (
	OutcomeTerminated    Outcome = "terminated"
	OutcomeKilled        Outcome = "killed"
	OutcomeFailed        Outcome = "failed"
	OutcomeAlreadyExited Outcome = "already_exited"
)

// Success reports whether the victim is gone
func (o Outcome) Success() bool {
	return o != OutcomeFailed
}

// FailureReason classifies a Failed outcome
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonIdentityMismatch FailureReason = "identity_mismatch"
	ReasonPermissionDenied FailureReason = "permission_denied"
	ReasonSurvivedKill     FailureReason = "survived_sigkill"
	ReasonLookupError      FailureReason = "lookup_error"
	ReasonSignalError      FailureReason = "signal_error"
)

// KillAttempt records one run of the termination protocol. Record is the
// snapshot taken at selection time and is not refreshed afterwards.
type KillAttempt struct {
	Record   snapshot.ProcessRecord
	Outcome  Outcome
	Reason   FailureReason
	Err      error
	Started  time.Time
	Duration time.Duration
}

func (a KillAttempt) String() string {
	if a.Reason != ReasonNone {
		return fmt.Sprintf("%s: %s (%s) after %v", a.Record, a.Outcome, a.Reason, a.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s after %v", a.Record, a.Outcome, a.Duration.Round(time.Millisecond))
}
