package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-oomguard/pkg/config"
	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/guardian"
	"github.com/core-tools/hsu-oomguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedLog struct {
	mutex sync.Mutex
	lines []string
}

func (c *capturedLog) record(level string) logging.LogFunc {
	return func(format string, args ...interface{}) {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		c.lines = append(c.lines, level+": "+fmt.Sprintf(format, args...))
	}
}

func (c *capturedLog) contains(fragment string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, line := range c.lines {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func newTestLoggers() (coreLogging.Logger, logging.Logger, *capturedLog) {
	captured := &capturedLog{}
	nop := func(format string, args ...interface{}) {}
	coreLogger := coreLogging.NewLogger("", coreLogging.LogFuncs{
		Debugf: nop,
		Infof:  nop,
		Warnf:  nop,
		Errorf: nop,
	})
	logger := logging.NewLogger("", logging.LogFuncs{
		Debugf: captured.record("DEBUG"),
		Infof:  captured.record("INFO"),
		Warnf:  captured.record("WARN"),
		Errorf: captured.record("ERROR"),
	})
	return coreLogger, logger, captured
}

// calmConfig never reports pressure: no host has less than 0% available.
// The metrics port is left to the kernel, so the config is parsed but not
// validated.
func calmConfig(t *testing.T) *config.Config {
	t.Helper()
	pidFile := filepath.Join(t.TempDir(), "oomguard.pid")
	cfg, err := config.ParseConfig([]byte(fmt.Sprintf(`
general:
  query_interval: 50ms
  min_available_memory_percentage: 0
  min_available_swap_percentage: 0
  pid_file: %s
metrics:
  listen_address: "127.0.0.1:0"
`, pidFile)))
	require.NoError(t, err)
	return cfg
}

func TestRunner_RunsUntilCancelled(t *testing.T) {
	coreLogger, logger, captured := newTestLoggers()
	cfg := calmConfig(t)

	r, err := NewRunner(cfg, coreLogger, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The PID file exists while running
	assert.Eventually(t, func() bool {
		_, err := os.Stat(cfg.General.PIDFile)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	_, err = os.Stat(cfg.General.PIDFile)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, guardian.ModeIdle, r.Guardian().Mode())
	assert.True(t, captured.contains("Notifications are disabled"))
	assert.True(t, captured.contains("--- OOM guardian terminated ---"))
}

func TestRunner_RefusesSecondInstance(t *testing.T) {
	coreLogger, logger, _ := newTestLoggers()
	cfg := calmConfig(t)
	require.NoError(t, os.WriteFile(cfg.General.PIDFile, []byte("1\n"), 0644))

	r, err := NewRunner(cfg, coreLogger, logger)
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.True(t, errors.IsConflictError(err))

	// Someone else's PID file is left in place
	content, readErr := os.ReadFile(cfg.General.PIDFile)
	require.NoError(t, readErr)
	assert.Equal(t, "1\n", string(content))
}

func TestRunner_NotificationWiring(t *testing.T) {
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	tests := []struct {
		name        string
		notify      *config.NotifyConfig
		expectedLog string
		dispatcher  bool
	}{
		{
			name:        "webhook",
			notify:      &config.NotifyConfig{Channel: config.ChannelWebhook, Webhook: &config.WebhookConfig{URL: webhook.URL}},
			expectedLog: "Notifications enabled, channel: webhook",
			dispatcher:  true,
		},
		{
			name:        "unknown channel",
			notify:      &config.NotifyConfig{Channel: "carrier-pigeon"},
			expectedLog: "Notifications are enabled but unusable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coreLogger, logger, captured := newTestLoggers()
			cfg := calmConfig(t)
			cfg.General.EnableNotifications = true
			cfg.Notify = tt.notify

			r, err := NewRunner(cfg, coreLogger, logger)
			require.NoError(t, err)

			assert.True(t, captured.contains(tt.expectedLog))
			assert.Equal(t, tt.dispatcher, r.dispatcher != nil)
		})
	}
}

func TestRun_MissingConfig(t *testing.T) {
	coreLogger, logger, _ := newTestLoggers()
	err := Run(filepath.Join(t.TempDir(), "missing.yaml"), coreLogger, logger)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestZapConfigFromLog(t *testing.T) {
	zapConfig := ZapConfigFromLog(config.LogConfig{
		Level:      "debug",
		Format:     "json",
		Path:       "/var/log/oomguard.log",
		MaxSizeMB:  5,
		MaxBackups: 3,
		Compress:   true,
	})

	assert.Equal(t, logging.ZapConfig{
		Level:      "debug",
		Format:     "json",
		FilePath:   "/var/log/oomguard.log",
		MaxSizeMB:  5,
		MaxBackups: 3,
		Compress:   true,
	}, zapConfig)
}
