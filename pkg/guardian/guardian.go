// Package guardian runs the Idle/Relieving pressure loop.
package guardian

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/sampler"
	"github.com/core-tools/hsu-oomguard/pkg/snapshot"
	"github.com/core-tools/hsu-oomguard/pkg/terminate"
	"github.com/core-tools/hsu-oomguard/pkg/victim"

	"go.uber.org/atomic"
)

// CandidateLister returns kill candidates ordered by priority then RSS
type CandidateLister interface {
	ListCandidates(ctx context.Context, exclusions snapshot.Exclusions, prioritized func(name string) bool) []snapshot.ProcessRecord
}

// Terminator runs the kill protocol against one victim
type Terminator interface {
	Terminate(ctx context.Context, record snapshot.ProcessRecord) terminate.KillAttempt
}

// WaitFunc blocks for d or until ctx is done. It returns false when the
// wait was cut short by cancellation.
type WaitFunc func(ctx context.Context, d time.Duration) bool

// Components are the collaborators the loop drives
type Components struct {
	Sampler    sampler.Sampler
	Lister     CandidateLister
	Terminator Terminator
	Observer   Observer // optional
	Wait       WaitFunc // optional, defaults to a timer
}

// episode is the state of one Relieving span. It is dropped when the
// episode ends.
type episode struct {
	started   time.Time
	attempts  int
	avoidPIDs map[int]struct{}
	avoidName snapshot.NameSet
}

type Guardian struct {
	policy     *config.Policy
	sampler    sampler.Sampler
	lister     CandidateLister
	terminator Terminator
	observer   Observer
	wait       WaitFunc
	logger     logging.Logger

	mode    *atomic.String
	episode *episode
}

func NewGuardian(policy *config.Policy, components Components, logger logging.Logger) (*Guardian, error) {
	if !policy.Validated() {
		return nil, errors.NewValidationError("guardian requires a validated policy", nil)
	}
	if components.Sampler == nil || components.Lister == nil || components.Terminator == nil {
		return nil, errors.NewValidationError("guardian requires a sampler, a lister and a terminator", nil)
	}

	observer := components.Observer
	if observer == nil {
		observer = Observers(nil)
	}
	wait := components.Wait
	if wait == nil {
		wait = sleep
	}

	return &Guardian{
		policy:     policy,
		sampler:    components.Sampler,
		lister:     components.Lister,
		terminator: components.Terminator,
		observer:   observer,
		wait:       wait,
		logger:     logger,
		mode:       atomic.NewString(string(ModeIdle)),
	}, nil
}

func (g *Guardian) Mode() Mode {
	return Mode(g.mode.Load())
}

// Run drives the loop until ctx is cancelled. The current step always
// completes; cancellation is only observed between steps and while waiting.
// A shutdown that cuts a relief episode short returns a cancelled error.
func (g *Guardian) Run(ctx context.Context) error {
	g.logger.Infof("Pressure loop started, query interval: %v", g.policy.QueryInterval)
	g.observer.ModeChanged(g.Mode())

	for ctx.Err() == nil {
		delay := g.step(ctx)
		if !g.wait(ctx, delay) {
			break
		}
	}

	var err error
	if g.episode != nil {
		err = errors.NewCancelledError("relief episode interrupted by shutdown", ctx.Err()).
			WithContext("attempts", g.episode.attempts)
		g.endEpisode(EpisodeCancelled)
	}
	g.logger.Infof("Pressure loop stopped")
	return err
}

// step runs one iteration and returns how long to wait before the next.
// A panic is logged and the loop retries after one query interval in the
// same mode.
func (g *Guardian) step(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("Unexpected error in main loop: %v\n%s", r, debug.Stack())
			delay = g.policy.QueryInterval
		}
	}()

	if g.Mode() == ModeRelieving {
		return g.relieveStep(ctx)
	}
	return g.idleStep(ctx)
}

func (g *Guardian) idleStep(ctx context.Context) time.Duration {
	state := g.sampler.Sample(ctx)
	breaches := state.Breaches(g.policy)
	g.observer.Sampled(state, len(breaches) > 0)

	if len(breaches) == 0 {
		g.logger.Infof("Memory and swap usage normal. Sleeping for %v...", g.policy.QueryInterval)
		return g.policy.QueryInterval
	}

	if state.PSISomeAvg10 != nil {
		g.logger.Warnf("Memory or swap usage critical: %s (PSI some avg10: %.2f)", sampler.DescribeBreaches(breaches), *state.PSISomeAvg10)
	} else {
		g.logger.Warnf("Memory or swap usage critical: %s", sampler.DescribeBreaches(breaches))
	}

	g.episode = &episode{
		started:   time.Now(),
		avoidPIDs: make(map[int]struct{}),
		avoidName: snapshot.NewNameSet(),
	}
	g.setMode(ModeRelieving)

	// Relieving re-samples straight away
	return 0
}

func (g *Guardian) relieveStep(ctx context.Context) time.Duration {
	state := g.sampler.Sample(ctx)
	pressure := state.Pressure(g.policy)
	g.observer.Sampled(state, pressure)

	if !pressure {
		g.logger.Infof("Memory and swap usage sufficient now.")
		g.endEpisode(EpisodeResolved)
		return g.policy.QueryInterval
	}

	candidates := g.lister.ListCandidates(ctx, g.exclusions(), g.policy.IsPrioritized)
	target, err := victim.Pick(candidates)
	if err != nil {
		g.logger.Errorf("Low resource condition persists, but no killable memory hogs found.")
		g.endEpisode(EpisodeExhausted)
		return g.policy.QueryInterval
	}

	if target.Prioritized {
		g.logger.Infof("Prioritizing kill for process PID=%d, User=%s, Name=%s based on config.", target.PID, target.Username, target.Name)
	}

	// A kill attempt in flight is never interrupted by shutdown
	attempt := g.terminator.Terminate(context.WithoutCancel(ctx), target)
	g.episode.attempts++
	g.observer.AttemptFinished(attempt)

	if !attempt.Outcome.Success() {
		g.episode.avoidPIDs[target.PID] = struct{}{}
		g.episode.avoidName.Add(target.Name)
		g.logger.Errorf("Failed to kill PID=%d, adding to temporary avoid list.", target.PID)

		if len(candidates) <= 1 {
			g.logger.Errorf("No more processes to try killing in this cycle.")
			g.endEpisode(EpisodeAbandoned)
			return g.policy.QueryInterval
		}
		return g.policy.StepDelay
	}

	return g.policy.SettleDelay + g.policy.StepDelay
}

// exclusions merges the policy avoid list with the episode's failed victims
func (g *Guardian) exclusions() snapshot.Exclusions {
	names := snapshot.NewNameSet(g.policy.AvoidNames()...)
	for name := range g.episode.avoidName {
		names.Add(name)
	}
	pids := make(map[int]struct{}, len(g.episode.avoidPIDs))
	for pid := range g.episode.avoidPIDs {
		pids[pid] = struct{}{}
	}
	return snapshot.Exclusions{PIDs: pids, Names: names}
}

func (g *Guardian) endEpisode(result EpisodeResult) {
	duration := time.Since(g.episode.started)
	g.logger.Infof("Relief episode %s after %d kill attempt(s) in %v", result, g.episode.attempts, duration.Round(time.Millisecond))
	g.observer.EpisodeFinished(result, g.episode.attempts, duration)
	g.episode = nil
	g.setMode(ModeIdle)
}

func (g *Guardian) setMode(mode Mode) {
	if g.Mode() == mode {
		return
	}
	g.mode.Store(string(mode))
	g.logger.Debugf("Mode changed to %s", mode)
	g.observer.ModeChanged(mode)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
