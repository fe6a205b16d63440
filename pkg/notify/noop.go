package notify

import (
	"context"

	"github.com/core-tools/hsu-oomguard/pkg/logging"
)

// NoopChannel stands in for an unsupported or unconfigured channel name
type NoopChannel struct {
	name   string
	logger logging.Logger
}

func NewNoopChannel(name string, logger logging.Logger) *NoopChannel {
	return &NoopChannel{name: name, logger: logger}
}

func (c *NoopChannel) Name() string {
	return c.name
}

func (c *NoopChannel) Send(ctx context.Context, user, message string) error {
	c.logger.Warnf("Notification channel '%s' not supported or configured, dropping message for user %s", c.name, user)
	return nil
}

// IsNoop reports whether the channel delivers nothing
func IsNoop(channel Channel) bool {
	_, ok := channel.(*NoopChannel)
	return ok
}
