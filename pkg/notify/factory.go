package notify

import (
	stderrors "errors"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
)

var (
	ErrNotificationsDisabled = stderrors.New("notifications are disabled")
	ErrChannelUnconfigured   = stderrors.New("notification channel is not configured")
)

// NewChannel builds the channel named in the configuration. Unknown names
// resolve to a NoopChannel with a warning.
func NewChannel(cfg *config.NotifyConfig, logger logging.Logger) Channel {
	if cfg == nil || cfg.Channel == "" {
		return NewNoopChannel("", logger)
	}

	switch cfg.Channel {
	case config.ChannelFeishu:
		if cfg.Feishu != nil {
			return NewFeishuChannel(cfg.Feishu, cfg.Timeout, logger)
		}
	case config.ChannelWebhook:
		if cfg.Webhook != nil {
			return NewWebhookChannel(cfg.Webhook, cfg.Timeout, logger)
		}
	default:
		logger.Warnf("Notification channel '%s' is not supported, notifications will be dropped", cfg.Channel)
		return NewNoopChannel(cfg.Channel, logger)
	}

	logger.Warnf("Notification channel '%s' has no settings section, notifications will be dropped", cfg.Channel)
	return NewNoopChannel(cfg.Channel, logger)
}

// NewFromConfig builds an unstarted Dispatcher. It returns
// ErrNotificationsDisabled or ErrChannelUnconfigured when nothing would be
// delivered.
func NewFromConfig(enabled bool, cfg *config.NotifyConfig, options DispatcherOptions, logger logging.Logger) (*Dispatcher, error) {
	if !enabled {
		return nil, ErrNotificationsDisabled
	}

	channel := NewChannel(cfg, logger)
	if IsNoop(channel) {
		return nil, ErrChannelUnconfigured
	}

	if options.QueueSize == 0 {
		options.QueueSize = cfg.QueueSize
	}
	if options.MaxRetries == 0 && cfg.MaxRetries != nil {
		options.MaxRetries = *cfg.MaxRetries
	}
	if options.SendTimeout == 0 {
		options.SendTimeout = cfg.Timeout
	}
	return NewDispatcher(channel, options, logger), nil
}
