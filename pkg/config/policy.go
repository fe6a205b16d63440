package config

import (
	"sort"
	"strings"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
)

// Policy is the validated, read-only view of the general configuration that
// every guardian component receives. It is built once at startup and never
// mutated afterwards; the name sets are only reachable through accessors.
type Policy struct {
	MinAvailableMemoryPct float64
	MinAvailableSwapPct   float64

	QueryInterval time.Duration
	KillWait      time.Duration
	KillGrace     time.Duration
	StepDelay     time.Duration
	SettleDelay   time.Duration

	NotificationsEnabled bool

	avoid     map[string]struct{}
	priority  map[string]struct{}
	validated bool
}

// BuildPolicy validates the general section and resolves avoid/priority
// overlap in favour of avoidance.
func BuildPolicy(general GeneralConfig, logger logging.Logger) (*Policy, error) {
	setGeneralDefaults(&general)
	if err := validateGeneralConfig(&general); err != nil {
		return nil, errors.NewValidationError("invalid policy", err)
	}

	avoid := toSet(general.AvoidProcesses)
	priority := toSet(general.PrioritizeKillProcesses)

	var conflicting []string
	for name := range priority {
		if _, ok := avoid[name]; ok {
			conflicting = append(conflicting, name)
			delete(priority, name)
		}
	}
	if len(conflicting) > 0 {
		sort.Strings(conflicting)
		logger.Warnf("Processes found in both avoid_processes and prioritize_kill_processes: %s. These processes will be avoided.",
			strings.Join(conflicting, ","))
	}

	return &Policy{
		MinAvailableMemoryPct: *general.MinAvailableMemoryPercentage,
		MinAvailableSwapPct:   *general.MinAvailableSwapPercentage,
		QueryInterval:         general.QueryInterval,
		KillWait:              general.KillWait,
		KillGrace:             general.KillGrace,
		StepDelay:             general.StepDelay,
		SettleDelay:           general.SettleDelay,
		NotificationsEnabled:  general.EnableNotifications,
		avoid:                 avoid,
		priority:              priority,
		validated:             true,
	}, nil
}

// Validated reports whether the policy came out of BuildPolicy.
func (p *Policy) Validated() bool {
	return p != nil && p.validated
}

func (p *Policy) IsAvoided(name string) bool {
	_, ok := p.avoid[name]
	return ok
}

func (p *Policy) IsPrioritized(name string) bool {
	_, ok := p.priority[name]
	return ok
}

// AvoidNames returns a sorted copy of the avoid set.
func (p *Policy) AvoidNames() []string {
	return sortedKeys(p.avoid)
}

// PriorityNames returns a sorted copy of the priority set.
func (p *Policy) PriorityNames() []string {
	return sortedKeys(p.priority)
}

func setGeneralDefaults(general *GeneralConfig) {
	config := Config{General: *general}
	setConfigDefaults(&config)
	*general = config.General
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
