// Package notify delivers kill outcome messages to process owners.
package notify

import (
	"context"
	"fmt"
)

// Notification is one outcome report addressed to a local user
type Notification struct {
	Username    string
	ProcessName string
	PID         int
	Cmdline     string
	Message     string
}

func (n Notification) String() string {
	return fmt.Sprintf("user=%s, PID=%d, Name=%s", n.Username, n.PID, n.ProcessName)
}

// Notifier accepts notifications without blocking the caller on delivery.
// Failures are logged by the implementation and never returned.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Channel delivers a message to a user over one backend
type Channel interface {
	Name() string
	Send(ctx context.Context, user, message string) error
}

type disabledNotifier struct{}

// Disabled returns a Notifier that drops every notification
func Disabled() Notifier {
	return disabledNotifier{}
}

func (disabledNotifier) Notify(ctx context.Context, n Notification) {}
