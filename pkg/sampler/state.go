package sampler

import (
	"fmt"
	"strings"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/config"
)

// Resource names a sampled quantity that can breach a threshold
type Resource string

const (
	ResourceMemory Resource = "memory"
	ResourceSwap   Resource = "swap"
)

// MemoryState is one instantaneous reading of memory and swap availability
type MemoryState struct {
	TotalMemory     uint64
	AvailableMemory uint64
	TotalSwap       uint64
	FreeSwap        uint64

	AvailableMemoryPct float64
	AvailableSwapPct   float64

	// PSISomeAvg10 is the memory "some" stall share over 10s, nil when the
	// kernel does not expose /proc/pressure/memory
	PSISomeAvg10 *float64

	SampledAt time.Time

	// Err is set when the read failed. A failed state never reports pressure.
	Err error
}

// NewMemoryState derives the availability percentages from raw byte counts.
// A zero total is treated as fully available.
func NewMemoryState(totalMemory, availableMemory, totalSwap, freeSwap uint64) MemoryState {
	return MemoryState{
		TotalMemory:        totalMemory,
		AvailableMemory:    availableMemory,
		TotalSwap:          totalSwap,
		FreeSwap:           freeSwap,
		AvailableMemoryPct: percentAvailable(availableMemory, totalMemory),
		AvailableSwapPct:   percentAvailable(freeSwap, totalSwap),
		SampledAt:          time.Now(),
	}
}

// FailedState returns a state that carries only the read error
func FailedState(err error) MemoryState {
	return MemoryState{
		AvailableMemoryPct: 100,
		AvailableSwapPct:   100,
		SampledAt:          time.Now(),
		Err:                err,
	}
}

func percentAvailable(available, total uint64) float64 {
	if total == 0 {
		return 100
	}
	return float64(available) / float64(total) * 100
}

func (s MemoryState) Failed() bool {
	return s.Err != nil
}

// Breach describes a single threshold violation
type Breach struct {
	Resource Resource
	Current  float64
	Limit    float64
	Message  string
}

// Breaches lists every threshold the state violates under the policy
func (s MemoryState) Breaches(policy *config.Policy) []Breach {
	if s.Failed() || policy == nil {
		return nil
	}

	var breaches []Breach
	if s.AvailableMemoryPct < policy.MinAvailableMemoryPct {
		breaches = append(breaches, Breach{
			Resource: ResourceMemory,
			Current:  s.AvailableMemoryPct,
			Limit:    policy.MinAvailableMemoryPct,
			Message:  fmt.Sprintf("Memory: %.1f%% available (min %.1f%%)", s.AvailableMemoryPct, policy.MinAvailableMemoryPct),
		})
	}
	if s.AvailableSwapPct < policy.MinAvailableSwapPct {
		breaches = append(breaches, Breach{
			Resource: ResourceSwap,
			Current:  s.AvailableSwapPct,
			Limit:    policy.MinAvailableSwapPct,
			Message:  fmt.Sprintf("Swap: %.1f%% available (min %.1f%%)", s.AvailableSwapPct, policy.MinAvailableSwapPct),
		})
	}
	return breaches
}

// Pressure reports whether memory or swap is below its minimum
func (s MemoryState) Pressure(policy *config.Policy) bool {
	return len(s.Breaches(policy)) > 0
}

// DescribeBreaches joins breach messages for a single log line
func DescribeBreaches(breaches []Breach) string {
	messages := make([]string, 0, len(breaches))
	for _, breach := range breaches {
		messages = append(messages, breach.Message)
	}
	return strings.Join(messages, ", ")
}

func (s MemoryState) String() string {
	if s.Failed() {
		return fmt.Sprintf("sample failed: %v", s.Err)
	}
	result := fmt.Sprintf("memory %.1f%% available, swap %.1f%% available", s.AvailableMemoryPct, s.AvailableSwapPct)
	if s.PSISomeAvg10 != nil {
		result += fmt.Sprintf(", psi some avg10 %.2f", *s.PSISomeAvg10)
	}
	return result
}
