// Package pidfile keeps a single guardian instance per host.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/processstate"
)

const DefaultAppName = "oomguard"

// Manager owns one PID file path
type Manager struct {
	path   string
	logger logging.Logger

	// overridable in tests
	isRunning func(pid int) (bool, error)
	written   bool
}

// NewManager returns a manager for path, or for the default runtime
// directory when path is empty
func NewManager(path string, logger logging.Logger) *Manager {
	if path == "" {
		path = DefaultPath()
	}
	return &Manager{
		path:      path,
		logger:    logger,
		isRunning: processstate.IsProcessRunning,
	}
}

func (m *Manager) Path() string {
	return m.path
}

// DefaultPath is /run/oomguard.pid, or /var/run when /run is missing
func DefaultPath() string {
	return filepath.Join(runtimeDirectory(), DefaultAppName+".pid")
}

func runtimeDirectory() string {
	if _, err := os.Stat("/run"); err == nil {
		return "/run"
	}
	return "/var/run"
}

// Acquire records pid in the file. A file naming another live process is a
// conflict; a stale one is replaced.
func (m *Manager) Acquire(pid int) error {
	m.logger.Debugf("Acquiring PID file, pid: %d, path: %s", pid, m.path)

	if err := ValidatePIDFileDirectory(m.path); err != nil {
		m.logger.Errorf("PID file directory validation failed, path: %s, error: %v", m.path, err)
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", m.path)
	}

	existing, err := m.Read()
	switch {
	case err == nil && existing != pid:
		running, runErr := m.isRunning(existing)
		if runErr != nil {
			return errors.NewIOError("failed to check recorded PID", runErr).WithContext("pid_file", m.path).WithContext("pid", existing)
		}
		if running {
			return errors.NewConflictError("another guardian is already running", nil).WithContext("pid_file", m.path).WithContext("pid", existing)
		}
		m.logger.Warnf("Replacing stale PID file, path: %s, stale pid: %d", m.path, existing)
	case err != nil && !errors.IsNotFoundError(err):
		m.logger.Warnf("Replacing unreadable PID file, path: %s, error: %v", m.path, err)
	}

	content := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(m.path, []byte(content), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, pid: %d, path: %s, error: %v", pid, m.path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", m.path).WithContext("pid", pid)
	}
	m.written = true

	m.logger.Infof("PID file written successfully, pid: %d, path: %s", pid, m.path)
	return nil
}

// Read returns the PID recorded in the file
func (m *Manager) Read() (int, error) {
	content, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", m.path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", m.path)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", m.path).WithContext("content", pidStr)
	}
	return pid, nil
}

// Release removes the file if this manager wrote it
func (m *Manager) Release() error {
	if !m.written {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.logger.Errorf("Failed to remove PID file, path: %s, error: %v", m.path, err)
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", m.path)
	}
	m.written = false
	m.logger.Infof("PID file removed, path: %s", m.path)
	return nil
}

// ValidatePIDFileDirectory validates that the PID file directory exists and is writable
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if file, err := os.Create(testFile); err != nil {
		return errors.NewPermissionError("PID file directory is not writable", err).WithContext("directory", dir)
	} else {
		file.Close()
		os.Remove(testFile)
	}

	return nil
}
