package guardian

import (
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/sampler"
	"github.com/core-tools/hsu-oomguard/pkg/terminate"
)

// Mode is the pressure loop state
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeRelieving Mode = "relieving"
)

// EpisodeResult says why a relieving episode ended
type EpisodeResult string

const (
	// Pressure cleared
	EpisodeResolved EpisodeResult = "resolved"
	// Nothing left to kill while pressure persists
	EpisodeExhausted EpisodeResult = "exhausted"
	// Last remaining candidate could not be killed
	EpisodeAbandoned EpisodeResult = "abandoned"
	// Shutdown requested mid-episode
	EpisodeCancelled EpisodeResult = "cancelled"
)

// Observer receives loop events. Calls are made from the loop goroutine and
// must not block.
type Observer interface {
	ModeChanged(mode Mode)
	Sampled(state sampler.MemoryState, pressure bool)
	AttemptFinished(attempt terminate.KillAttempt)
	EpisodeFinished(result EpisodeResult, attempts int, duration time.Duration)
}

// Observers fans every event out to each member
type Observers []Observer

func (o Observers) ModeChanged(mode Mode) {
	for _, observer := range o {
		observer.ModeChanged(mode)
	}
}

func (o Observers) Sampled(state sampler.MemoryState, pressure bool) {
	for _, observer := range o {
		observer.Sampled(state, pressure)
	}
}

func (o Observers) AttemptFinished(attempt terminate.KillAttempt) {
	for _, observer := range o {
		observer.AttemptFinished(attempt)
	}
}

func (o Observers) EpisodeFinished(result EpisodeResult, attempts int, duration time.Duration) {
	for _, observer := range o {
		observer.EpisodeFinished(result, attempts, duration)
	}
}
