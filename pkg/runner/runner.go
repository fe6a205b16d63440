// Package runner assembles the guardian and its servers from a configuration
// file and runs them until a termination signal arrives.
package runner

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/control"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/guardian"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/metrics"
	"github.com/core-tools/hsu-oomguard/pkg/notify"
	"github.com/core-tools/hsu-oomguard/pkg/pidfile"
	"github.com/core-tools/hsu-oomguard/pkg/sampler"
	"github.com/core-tools/hsu-oomguard/pkg/snapshot"
	"github.com/core-tools/hsu-oomguard/pkg/terminate"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ForceShutdownTimeout bounds the whole shutdown sequence
const ForceShutdownTimeout = 10 * time.Second

type Runner struct {
	config     *config.Config
	policy     *config.Policy
	logger     logging.Logger
	coreLogger coreLogging.Logger

	pidFile       *pidfile.Manager
	recorder      *metrics.Recorder
	metricsServer *metrics.Server
	health        *control.HealthHandler
	controlServer coreControl.Server
	dispatcher    *notify.Dispatcher
	guardian      *guardian.Guardian
}

// Run loads the configuration, switches logging to the configured zap
// backend and runs the guardian until SIGINT or SIGTERM.
func Run(configFile string, coreLogger coreLogging.Logger, bootLogger logging.Logger) error {
	bootLogger.Infof("OOM guardian runner starting...")
	bootLogger.Infof("Using CONFIGURATION FILE: %s", configFile)

	cfg, err := config.LoadAndValidate(configFile)
	if err != nil {
		return err
	}

	zapLogger, err := logging.NewZapLogger(ZapConfigFromLog(cfg.Log))
	if err != nil {
		return errors.NewValidationError("failed to create logger", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := logging.NewZapBackedLogger("", zapLogger)

	runner, err := NewRunner(cfg, coreLogger, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	go func() {
		select {
		case receivedSignal := <-sig:
			logger.Infof("Received signal %v, shutting down...", receivedSignal)
			cancel()
		case <-ctx.Done():
		}
	}()

	return runner.Run(ctx)
}

// ZapConfigFromLog maps the log section onto the zap backend settings
func ZapConfigFromLog(cfg config.LogConfig) logging.ZapConfig {
	return logging.ZapConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		FilePath:   cfg.Path,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
}

// NewRunner builds every component from a validated configuration. Nothing
// is started until Run.
func NewRunner(cfg *config.Config, coreLogger coreLogging.Logger, logger logging.Logger) (*Runner, error) {
	policy, err := config.BuildPolicy(cfg.General, logger)
	if err != nil {
		return nil, err
	}

	summary := config.GetSummary(cfg, policy)
	logger.Infof("Configuration loaded: %+v", summary)
	if unix.Geteuid() != 0 {
		logger.Warnf("Not running as root, processes of other users cannot be killed")
	}

	r := &Runner{
		config:     cfg,
		policy:     policy,
		logger:     logger,
		coreLogger: coreLogger,
		pidFile:    pidfile.NewManager(cfg.General.PIDFile, logger),
		recorder:   metrics.NewRecorder(),
		health:     control.NewHealthHandler(logger),
	}

	var notifier notify.Notifier = notify.Disabled()
	dispatcher, err := notify.NewFromConfig(policy.NotificationsEnabled, cfg.Notify, notify.DispatcherOptions{
		OnResult: r.recorder.NotificationResult,
		OnDrop:   r.recorder.NotificationDropped,
	}, logger)
	switch {
	case err == nil:
		r.dispatcher = dispatcher
		notifier = dispatcher
		logger.Infof("Notifications enabled, channel: %s", dispatcher.Channel().Name())
	case stderrors.Is(err, notify.ErrNotificationsDisabled):
		logger.Infof("Notifications are disabled")
	default:
		logger.Warnf("Notifications are enabled but unusable: %v", err)
	}

	language := config.LanguageEnglish
	if cfg.Notify != nil {
		language = cfg.Notify.Language
	}
	controller := terminate.NewController(terminate.NewSystemOps(), policy, notifier, terminate.NewComposer(language), logger)

	r.guardian, err = guardian.NewGuardian(policy, guardian.Components{
		Sampler:    sampler.NewSystemSampler(logger),
		Lister:     snapshot.NewSystemLister(logger),
		Terminator: controller,
		Observer:   guardian.Observers{r.recorder, r.health},
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.ListenAddress != "" {
		r.metricsServer = metrics.NewServer(cfg.Metrics.ListenAddress, r.recorder, r.guardian.Mode, logger)
	}

	if cfg.Control.Port != 0 {
		server, err := coreControl.NewServer(coreControl.ServerOptions{Port: cfg.Control.Port}, coreLogger)
		if err != nil {
			return nil, errors.NewInternalError("failed to create control server", err).WithContext("port", cfg.Control.Port)
		}
		coreHandler := coreDomain.NewDefaultHandler(coreLogger)
		coreControl.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)
		control.RegisterGRPCServerHandler(server.GRPC(), r.health, logger)
		r.controlServer = server
	}

	return r, nil
}

// Run claims the PID file, starts the servers and drives the pressure loop
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.pidFile.Acquire(os.Getpid()); err != nil {
		return err
	}

	if err := r.start(ctx); err != nil {
		return multierr.Append(err, r.shutdown())
	}

	r.logger.Infof("--- OOM guardian started (PID: %d) ---", os.Getpid())

	runErr := r.guardian.Run(ctx)
	if errors.IsCancelledError(runErr) {
		// Shutting down under pressure is still a clean stop
		r.logger.Warnf("Stopped while relieving memory pressure: %v", runErr)
		runErr = nil
	}

	return multierr.Append(runErr, r.shutdown())
}

func (r *Runner) start(ctx context.Context) error {
	if r.dispatcher != nil {
		r.dispatcher.Start()
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Start(ctx); err != nil {
			return err
		}
	}
	if r.controlServer != nil {
		r.controlServer.Start(ctx)
		r.logger.Infof("Control server started, port: %d", r.config.Control.Port)
	}
	return nil
}

// shutdown stops everything under one forced timeout, using a fresh
// context so that cancellation of the run context does not cut it short
func (r *Runner) shutdown() error {
	r.logger.Infof("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), ForceShutdownTimeout)
	defer cancel()

	var err error
	r.health.Shutdown()
	if r.controlServer != nil {
		r.controlServer.Shutdown(ctx)
	}
	if r.metricsServer != nil {
		err = multierr.Append(err, r.metricsServer.Shutdown(ctx))
	}
	if r.dispatcher != nil {
		err = multierr.Append(err, r.dispatcher.Stop(ctx))
	}
	err = multierr.Append(err, r.pidFile.Release())

	if err != nil {
		r.logger.Errorf("Shutdown finished with errors: %v", err)
	}
	r.logger.Infof("--- OOM guardian terminated ---")
	return err
}

// Guardian exposes the assembled loop
func (r *Runner) Guardian() *guardian.Guardian {
	return r.guardian
}
