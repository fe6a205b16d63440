package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-oomguard/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// PIDFileMockLogger is a simple mock implementation of Logger for testing
type PIDFileMockLogger struct{}

func (m *PIDFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *PIDFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *PIDFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *PIDFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *PIDFileMockLogger) Errorf(format string, args ...interface{})               {}

func newTestManager(t *testing.T, running map[int]bool) *Manager {
	t.Helper()
	m := NewManager(filepath.Join(t.TempDir(), "run", "oomguard.pid"), &PIDFileMockLogger{})
	m.isRunning = func(pid int) (bool, error) { return running[pid], nil }
	return m
}

func TestNewManager_DefaultPath(t *testing.T) {
	m := NewManager("", &PIDFileMockLogger{})
	assert.Equal(t, DefaultPath(), m.Path())
	assert.Contains(t, m.Path(), "oomguard.pid")
}

func TestAcquire(t *testing.T) {
	tests := []struct {
		name          string
		existing      string
		running       map[int]bool
		expectedError func(error) bool
	}{
		{name: "no existing file"},
		{name: "stale file", existing: "4242\n", running: map[int]bool{4242: false}},
		{name: "garbage file", existing: "not-a-pid"},
		{name: "own pid", existing: "100\n"},
		{name: "live guardian", existing: "4242\n", running: map[int]bool{4242: true}, expectedError: errors.IsConflictError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.running)
			if tt.existing != "" {
				require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0755))
				require.NoError(t, os.WriteFile(m.Path(), []byte(tt.existing), 0644))
			}

			err := m.Acquire(100)

			if tt.expectedError != nil {
				assert.True(t, tt.expectedError(err), "unexpected error: %v", err)
				content, _ := os.ReadFile(m.Path())
				assert.Equal(t, tt.existing, string(content))
				return
			}
			require.NoError(t, err)
			pid, err := m.Read()
			require.NoError(t, err)
			assert.Equal(t, 100, pid)
		})
	}
}

func TestRelease(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Acquire(os.Getpid()))

	require.NoError(t, m.Release())
	_, err := os.Stat(m.Path())
	assert.True(t, os.IsNotExist(err))

	// Second release is a no-op
	assert.NoError(t, m.Release())
}

func TestRelease_NotAcquired(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(m.Path()), 0755))
	require.NoError(t, os.WriteFile(m.Path(), []byte("4242\n"), 0644))

	// A file held by someone else is left alone
	require.NoError(t, m.Release())
	_, err := os.Stat(m.Path())
	assert.NoError(t, err)
}

func TestRead_Missing(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Read()
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAcquire_RealProcessCheck(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "oomguard.pid"), &PIDFileMockLogger{})
	require.NoError(t, os.WriteFile(m.Path(), []byte("1\n"), 0644))

	// PID 1 is always alive
	err := m.Acquire(os.Getpid())
	assert.True(t, errors.IsConflictError(err))
}

func TestValidatePIDFileDirectory_Success(t *testing.T) {
	tempDir := t.TempDir()
	err := ValidatePIDFileDirectory(filepath.Join(tempDir, "test.pid"))
	assert.NoError(t, err)
}

func TestValidatePIDFileDirectory_CreateDirectory(t *testing.T) {
	newDir := filepath.Join(t.TempDir(), "new-subdir")
	err := ValidatePIDFileDirectory(filepath.Join(newDir, "test.pid"))
	assert.NoError(t, err)

	_, err = os.Stat(newDir)
	assert.NoError(t, err)
}

func TestValidatePIDFileDirectory_InvalidPath(t *testing.T) {
	tempDir := t.TempDir()
	testFile := filepath.Join(tempDir, "not-a-directory")
	require.NoError(t, os.WriteFile(testFile, []byte("test"), 0644))

	err := ValidatePIDFileDirectory(filepath.Join(testFile, "test.pid"))
	assert.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
