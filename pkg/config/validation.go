package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
)

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateGeneralConfig(&config.General); err != nil {
		return errors.NewValidationError("invalid general configuration", err)
	}

	if err := validateLogConfig(&config.Log); err != nil {
		return errors.NewValidationError("invalid log configuration", err)
	}

	if config.Metrics.ListenAddress != "" {
		if err := ValidateNetworkAddress(config.Metrics.ListenAddress); err != nil {
			return errors.NewValidationError("invalid metrics configuration", err)
		}
	}

	if config.Control.Port != 0 {
		if err := ValidatePort(config.Control.Port); err != nil {
			return errors.NewValidationError("invalid control configuration", err)
		}
	}

	if config.General.EnableNotifications {
		if config.Notify == nil {
			return errors.NewValidationError("notify section is required when enable_notifications is true", nil)
		}
		if err := validateNotifyConfig(config.Notify); err != nil {
			return errors.NewValidationError("invalid notify configuration", err)
		}
	}

	return nil
}

// validateGeneralConfig reports every threshold and timing problem at once
func validateGeneralConfig(config *GeneralConfig) error {
	problems := errors.NewErrorCollection()

	for _, threshold := range []struct {
		name  string
		value *float64
	}{
		{"min_available_memory_percentage", config.MinAvailableMemoryPercentage},
		{"min_available_swap_percentage", config.MinAvailableSwapPercentage},
	} {
		if threshold.value == nil {
			problems.Add(errors.NewValidationError(threshold.name+" is required", nil))
			continue
		}
		problems.Add(ValidatePercentage(*threshold.value, threshold.name))
	}

	for _, timing := range []struct {
		name  string
		value time.Duration
	}{
		{"query_interval", config.QueryInterval},
		{"kill_wait", config.KillWait},
		{"kill_grace", config.KillGrace},
		{"step_delay", config.StepDelay},
	} {
		problems.Add(ValidateTimeout(timing.value, timing.name))
	}

	if config.SettleDelay < 0 {
		problems.Add(errors.NewValidationError("settle_delay cannot be negative", nil))
	}

	if config.PIDFile != "" && !filepath.IsAbs(config.PIDFile) {
		problems.Add(errors.NewValidationError("pid_file must be an absolute path", nil).WithContext("pid_file", config.PIDFile))
	}

	return problems.ToError()
}

func validateLogConfig(config *LogConfig) error {
	if !logging.ValidLevel(config.Level) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.Level),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if config.Format != "console" && config.Format != "json" {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", config.Format),
			nil,
		).WithContext("valid_formats", "console, json")
	}

	if config.MaxSizeMB < 0 || config.MaxBackups < 0 {
		return errors.NewValidationError("log rotation limits cannot be negative", nil)
	}

	return nil
}

func validateNotifyConfig(config *NotifyConfig) error {
	if config.Channel == "" {
		return errors.NewValidationError("notification_channel cannot be empty when notifications are enabled", nil)
	}

	if config.Language != LanguageEnglish && config.Language != LanguageChinese {
		return errors.NewValidationError(
			fmt.Sprintf("unsupported notification language: %s", config.Language),
			nil,
		).WithContext("supported_languages", "en, zh")
	}

	if err := ValidateTimeout(config.Timeout, "notify"); err != nil {
		return err
	}

	if (config.MaxRetries != nil && *config.MaxRetries < 0) || config.QueueSize < 0 {
		return errors.NewValidationError("max_retries and queue_size cannot be negative", nil)
	}

	switch config.Channel {
	case ChannelFeishu:
		if config.Feishu == nil || config.Feishu.AppID == "" || config.Feishu.AppSecret == "" {
			return errors.NewValidationError("feishu app_id and app_secret are required for feishu channel", nil)
		}
		if err := validateHTTPURL(config.Feishu.BaseURL); err != nil {
			return err
		}
	case ChannelWebhook:
		if config.Webhook == nil {
			return errors.NewValidationError("webhook section is required for webhook channel", nil)
		}
		if err := validateHTTPURL(config.Webhook.URL); err != nil {
			return err
		}
	}

	// Any other channel name is accepted and later resolved to the no-op channel
	return nil
}

// ValidatePercentage validates a percentage threshold in [0, 100]. NaN is
// rejected: it compares false against every sample.
func ValidatePercentage(value float64, name string) error {
	if math.IsNaN(value) || value < 0 || value > 100 {
		return errors.NewValidationError(
			fmt.Sprintf("%s must be between 0 and 100, got %v", name, value),
			nil,
		)
	}
	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateNetworkAddress validates host:port listen addresses. An empty host
// (":9464") listens on all interfaces and is accepted.
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}

	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.NewValidationError("invalid URL: "+raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.NewValidationError("URL must be absolute http(s): "+raw, nil)
	}
	return nil
}
