package sampler

import (
	"context"
	"time"

	"github.com/core-tools/hsu-oomguard/pkg/errors"
	"github.com/core-tools/hsu-oomguard/pkg/logging"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultSampleTimeout bounds one OS read
const DefaultSampleTimeout = 2 * time.Second

// Sampler reads the current memory state. Sample never fails; read errors
// are carried in MemoryState.Err.
type Sampler interface {
	Sample(ctx context.Context) MemoryState
}

// MemorySource supplies raw memory and swap counters in bytes
type MemorySource interface {
	VirtualMemory(ctx context.Context) (total, available uint64, err error)
	SwapMemory(ctx context.Context) (total, free uint64, err error)
}

// PSISource supplies the memory pressure stall "some avg10" value
type PSISource interface {
	MemorySomeAvg10() (float64, error)
}

type systemSampler struct {
	memory  MemorySource
	psi     PSISource
	timeout time.Duration
	logger  logging.Logger
}

// NewSystemSampler samples the host through gopsutil and, when available,
// the kernel PSI interface
func NewSystemSampler(logger logging.Logger) Sampler {
	var psiSource PSISource
	if psi, err := NewProcfsPSISource(procfs.DefaultMountPoint); err != nil {
		logger.Debugf("PSI source unavailable: %v", err)
	} else {
		psiSource = psi
	}
	return NewSampler(GopsutilMemorySource{}, psiSource, DefaultSampleTimeout, logger)
}

// NewSampler builds a sampler from explicit sources; psi may be nil
func NewSampler(memory MemorySource, psi PSISource, timeout time.Duration, logger logging.Logger) Sampler {
	if timeout <= 0 {
		timeout = DefaultSampleTimeout
	}
	return &systemSampler{
		memory:  memory,
		psi:     psi,
		timeout: timeout,
		logger:  logger,
	}
}

func (s *systemSampler) Sample(ctx context.Context) MemoryState {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	totalMem, availMem, err := s.memory.VirtualMemory(ctx)
	if err != nil {
		return s.fail("failed to read virtual memory", err)
	}
	totalSwap, freeSwap, err := s.memory.SwapMemory(ctx)
	if err != nil {
		return s.fail("failed to read swap memory", err)
	}

	state := NewMemoryState(totalMem, availMem, totalSwap, freeSwap)

	if s.psi != nil {
		if avg10, err := s.psi.MemorySomeAvg10(); err == nil {
			state.PSISomeAvg10 = &avg10
		} else {
			s.logger.Debugf("Failed to read memory PSI: %v", err)
		}
	}

	s.logger.Debugf("Sampled %s", state)
	return state
}

func (s *systemSampler) fail(message string, cause error) MemoryState {
	err := errors.NewSamplingError(message, cause)
	s.logger.Errorf("Error checking memory and swap usage: %v", err)
	return FailedState(err)
}

// GopsutilMemorySource reads /proc/meminfo through gopsutil
type GopsutilMemorySource struct{}

func (GopsutilMemorySource) VirtualMemory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

func (GopsutilMemorySource) SwapMemory(ctx context.Context) (uint64, uint64, error) {
	sm, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return sm.Total, sm.Free, nil
}

// ProcfsPSISource reads /proc/pressure/memory
type ProcfsPSISource struct {
	fs procfs.FS
}

func NewProcfsPSISource(mountPoint string) (*ProcfsPSISource, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	source := &ProcfsPSISource{fs: fs}
	// Probe once so kernels without PSI are detected at startup
	if _, err := source.MemorySomeAvg10(); err != nil {
		return nil, err
	}
	return source, nil
}

func (p *ProcfsPSISource) MemorySomeAvg10() (float64, error) {
	stats, err := p.fs.PSIStatsForResource("memory")
	if err != nil {
		return 0, err
	}
	if stats.Some == nil {
		return 0, errors.NewNotFoundError("memory PSI has no 'some' line", nil)
	}
	return stats.Some.Avg10, nil
}
