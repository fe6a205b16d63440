package notify

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/atomic"
)

// DispatcherOptions tunes queueing and retries
type DispatcherOptions struct {
	QueueSize       int
	MaxRetries      int
	SendTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnResult, when set, is called after every delivery with its final error
	OnResult func(channel string, err error)
	// OnDrop, when set, is called for every notification dropped on a full queue
	OnDrop func(channel string)
}

func (o *DispatcherOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 10 * time.Second
	}
}

// Dispatcher delivers notifications on a single background worker. Notify
// never blocks: when the queue is full the notification is dropped.
type Dispatcher struct {
	channel Channel
	options DispatcherOptions
	logger  logging.Logger

	// mutex orders enqueues before the close of stop, so everything queued
	// is seen by the final drain
	mutex   sync.RWMutex
	closed  bool
	queue   chan Notification
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewDispatcher(channel Channel, options DispatcherOptions, logger logging.Logger) *Dispatcher {
	options.setDefaults()
	return &Dispatcher{
		channel: channel,
		options: options,
		logger:  logger,
		queue:   make(chan Notification, options.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Channel() Channel {
	return d.channel
}

// Start launches the delivery worker. It is safe to call more than once.
func (d *Dispatcher) Start() {
	if !d.started.CAS(false, true) {
		return
	}
	go d.run()
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	d.logger.Debugf("Notification details: PID=%d, Name=%s, Cmd=%s, Msg=%s", n.PID, n.ProcessName, n.Cmdline, n.Message)

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.closed {
		d.logger.Warnf("Notifier stopped, dropping notification for %s", n)
		d.drop()
		return
	}

	select {
	case d.queue <- n:
	default:
		d.logger.Warnf("Notification queue full, dropping notification for %s", n)
		d.drop()
	}
}

// SendNow delivers synchronously with retries and returns the final error
func (d *Dispatcher) SendNow(ctx context.Context, n Notification) error {
	err := d.deliver(ctx, n)
	d.record(err)
	return err
}

// Stop stops accepting notifications and waits for the queued ones to be
// delivered, or for ctx to expire
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mutex.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mutex.Unlock()

	if !d.started.Load() {
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("notification queue not drained before shutdown", ctx.Err()).
			WithContext("pending", len(d.queue))
	}
}

// Stats returns delivered, failed and dropped counts
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case n := <-d.queue:
			d.SendNow(context.Background(), n)
		case <-d.stop:
			for {
				select {
				case n := <-d.queue:
					d.SendNow(context.Background(), n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	if n.Username == "" {
		err := errors.NewValidationError("notification has no recipient", nil)
		d.logger.Errorf("Cannot send notification for PID=%d: %v", n.PID, err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.options.InitialInterval
	policy.MaxInterval = d.options.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, d.options.SendTimeout)
		defer cancel()

		err := d.channel.Send(sendCtx, n.Username, n.Message)
		if err == nil {
			return nil
		}
		if errors.IsInternalError(err) || errors.IsValidationError(err) {
			return backoff.Permanent(err)
		}
		d.logger.Warnf("Notification attempt %d via %s for %s failed: %v", attempt, d.channel.Name(), n, err)
		return err
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.options.MaxRetries)), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		if permanent, ok := err.(*backoff.PermanentError); ok {
			err = permanent.Err
		}
		d.logger.Errorf("Failed to send notification via %s for %s: %v", d.channel.Name(), n, err)
		return err
	}
	return nil
}

func (d *Dispatcher) record(err error) {
	if err != nil {
		d.failed.Inc()
	} else {
		d.sent.Inc()
	}
	if d.options.OnResult != nil {
		d.options.OnResult(d.channel.Name(), err)
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Inc()
	if d.options.OnDrop != nil {
		d.options.OnDrop(d.channel.Name())
	}
}
