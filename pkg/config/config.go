package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "/etc/oomguard/oomguard.yaml"
	DefaultLogPath    = "/var/log/oomguard.log"

	DefaultQueryInterval = 10 * time.Second
	DefaultKillWait      = 5 * time.Second
	DefaultKillGrace     = 5 * time.Second
	DefaultStepDelay     = 1 * time.Second
)

// Config represents the top-level configuration file structure
type Config struct {
	General GeneralConfig `yaml:"general"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Control ControlConfig `yaml:"control"`
	Notify  *NotifyConfig `yaml:"notify,omitempty"` // Required only when notifications are enabled
}

// GeneralConfig holds the pressure thresholds and kill policy
type GeneralConfig struct {
	QueryInterval time.Duration `yaml:"query_interval"`
	KillWait      time.Duration `yaml:"kill_wait"`
	KillGrace     time.Duration `yaml:"kill_grace"`
	StepDelay     time.Duration `yaml:"step_delay"`
	SettleDelay   time.Duration `yaml:"settle_delay"`

	// Pointers to distinguish unset from an explicit zero
	MinAvailableMemoryPercentage *float64 `yaml:"min_available_memory_percentage"`
	MinAvailableSwapPercentage   *float64 `yaml:"min_available_swap_percentage"`

	AvoidProcesses          []string `yaml:"avoid_processes"`
	PrioritizeKillProcesses []string `yaml:"prioritize_kill_processes"`

	EnableNotifications bool   `yaml:"enable_notifications"`
	PIDFile             string `yaml:"pid_file,omitempty"`
}

// LogConfig controls the zap backend and the rotated log file
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	Format     string `yaml:"format,omitempty"` // "console" or "json"
	Path       string `yaml:"path,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddress is set
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address,omitempty"`
}

// ControlConfig enables the gRPC control server when Port is set
type ControlConfig struct {
	Port int `yaml:"port,omitempty"`
}

// NotifyConfig describes how kill outcomes are reported to process owners
type NotifyConfig struct {
	Channel    string         `yaml:"notification_channel"`
	Language   string         `yaml:"language,omitempty"` // "en" or "zh"
	Timeout    time.Duration  `yaml:"timeout,omitempty"`
	MaxRetries *int           `yaml:"max_retries,omitempty"` // nil means DefaultNotifyMaxRetries, 0 disables retries
	QueueSize  int            `yaml:"queue_size,omitempty"`  // 0 means DefaultNotifyQueueSize
	Feishu     *FeishuConfig  `yaml:"feishu,omitempty"`
	Webhook    *WebhookConfig `yaml:"webhook,omitempty"`
}

// FeishuConfig holds the Feishu (Lark) bot application credentials
type FeishuConfig struct {
	AppID         string            `yaml:"app_id"`
	AppSecret     string            `yaml:"app_secret"`
	BotName       string            `yaml:"bot_name,omitempty"`
	BaseURL       string            `yaml:"base_url,omitempty"`
	ReceiveIDType string            `yaml:"receive_id_type,omitempty"` // user_id, open_id, union_id, email
	EmailDomain   string            `yaml:"email_domain,omitempty"`
	UserIDs       map[string]string `yaml:"user_ids,omitempty"` // local username -> receive id
}

// WebhookConfig posts a JSON document to an arbitrary HTTP endpoint
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

const (
	ChannelFeishu  = "feishu"
	ChannelWebhook = "webhook"

	LanguageEnglish = "en"
	LanguageChinese = "zh"

	DefaultFeishuBaseURL = "https://open.feishu.cn"

	DefaultNotifyMaxRetries = 3
	// A zero-capacity queue would drop every notification, so 0 is not a
	// usable queue size and selects the default
	DefaultNotifyQueueSize = 64
)

// LoadConfigFromFile loads configuration from a YAML file and applies defaults
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("configuration file not found", err).WithContext("filename", filename)
		}
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	return config, nil
}

// ParseConfig decodes YAML and applies defaults. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewValidationError("configuration is empty", nil)
	}

	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	setConfigDefaults(&config)
	return &config, nil
}

// LoadAndValidate loads a configuration file and validates it in one go
func LoadAndValidate(filename string) (*Config, error) {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("filename", filename)
	}
	return config, nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	general := &config.General
	if general.QueryInterval == 0 {
		general.QueryInterval = DefaultQueryInterval
	}
	if general.KillWait == 0 {
		general.KillWait = DefaultKillWait
	}
	if general.KillGrace == 0 {
		general.KillGrace = DefaultKillGrace
	}
	if general.StepDelay == 0 {
		general.StepDelay = DefaultStepDelay
	}
	general.AvoidProcesses = normalizeNames(general.AvoidProcesses)
	general.PrioritizeKillProcesses = normalizeNames(general.PrioritizeKillProcesses)

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
	if config.Log.Path != "" {
		if abs, err := filepath.Abs(config.Log.Path); err == nil {
			config.Log.Path = abs
		}
	}
	if config.Log.MaxSizeMB == 0 {
		config.Log.MaxSizeMB = 5
	}
	if config.Log.MaxBackups == 0 {
		config.Log.MaxBackups = 3
	}

	if notify := config.Notify; notify != nil {
		notify.Channel = strings.ToLower(strings.TrimSpace(notify.Channel))
		if notify.Language == "" {
			notify.Language = LanguageEnglish
		}
		if notify.Timeout == 0 {
			notify.Timeout = 10 * time.Second
		}
		if notify.MaxRetries == nil {
			retries := DefaultNotifyMaxRetries
			notify.MaxRetries = &retries
		}
		if notify.QueueSize == 0 {
			notify.QueueSize = DefaultNotifyQueueSize
		}
		if feishu := notify.Feishu; feishu != nil {
			feishu.AppID = strings.TrimSpace(feishu.AppID)
			feishu.AppSecret = strings.TrimSpace(feishu.AppSecret)
			if feishu.BaseURL == "" {
				feishu.BaseURL = DefaultFeishuBaseURL
			}
			if feishu.ReceiveIDType == "" {
				feishu.ReceiveIDType = "user_id"
			}
		}
	}
}

// normalizeNames trims entries and drops empty ones, keeping order
func normalizeNames(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
