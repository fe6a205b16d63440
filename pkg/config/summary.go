package config

// Summary is a human-readable overview of a configuration, printed by the
// validate-config command and logged at startup
type Summary struct {
	QueryInterval        string   `yaml:"query_interval"`
	KillWait             string   `yaml:"kill_wait"`
	MinAvailableMemory   float64  `yaml:"min_available_memory_percentage"`
	MinAvailableSwap     float64  `yaml:"min_available_swap_percentage"`
	AvoidProcesses       []string `yaml:"avoid_processes"`
	PrioritizeProcesses  []string `yaml:"prioritize_kill_processes"`
	NotificationsEnabled bool     `yaml:"enable_notifications"`
	NotificationChannel  string   `yaml:"notification_channel,omitempty"`
	LogPath              string   `yaml:"log_path,omitempty"`
	MetricsAddress       string   `yaml:"metrics_address,omitempty"`
	ControlPort          int      `yaml:"control_port,omitempty"`
}

// GetSummary returns the summary of a validated configuration and the
// policy derived from it
func GetSummary(config *Config, policy *Policy) Summary {
	summary := Summary{
		QueryInterval:        policy.QueryInterval.String(),
		KillWait:             policy.KillWait.String(),
		MinAvailableMemory:   policy.MinAvailableMemoryPct,
		MinAvailableSwap:     policy.MinAvailableSwapPct,
		AvoidProcesses:       policy.AvoidNames(),
		PrioritizeProcesses:  policy.PriorityNames(),
		NotificationsEnabled: policy.NotificationsEnabled,
		LogPath:              config.Log.Path,
		MetricsAddress:       config.Metrics.ListenAddress,
		ControlPort:          config.Control.Port,
	}
	if policy.NotificationsEnabled && config.Notify != nil {
		summary.NotificationChannel = config.Notify.Channel
	}
	return summary
}
