package snapshot

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/core-tools/hsu-oomguard/pkg/logging"
	"github.com/core-tools/hsu-oomguard/pkg/processstate"

	"github.com/shirou/gopsutil/v3/process"
)

// Lister turns the process table into ordered kill candidates
type Lister struct {
	source  ProcessSource
	selfPID int
	logger  logging.Logger
}

func NewLister(source ProcessSource, logger logging.Logger) *Lister {
	return &Lister{
		source:  source,
		selfPID: os.Getpid(),
		logger:  logger,
	}
}

// NewSystemLister enumerates the host through gopsutil
func NewSystemLister(logger logging.Logger) *Lister {
	return NewLister(GopsutilSource{}, logger)
}

// ListCandidates returns eligible processes sorted by (not prioritized, -rss).
// An enumeration failure yields an empty list.
func (l *Lister) ListCandidates(ctx context.Context, exclusions Exclusions, prioritized func(name string) bool) []ProcessRecord {
	results := l.Scan(ctx, exclusions, prioritized)

	records := make([]ProcessRecord, 0, len(results))
	skipped := make(map[SkipReason]int)
	for _, result := range results {
		if result.Eligible() {
			records = append(records, result.Record)
			continue
		}
		skipped[result.Skip]++
		l.logSkip(result)
	}

	SortRecords(records)
	l.logger.Debugf("Snapshot: %d candidates, skipped %v, exclusions %s", len(records), skipped, exclusions)
	return records
}

// Scan reads every process into a Result without filtering skips out
func (l *Lister) Scan(ctx context.Context, exclusions Exclusions, prioritized func(name string) bool) []Result {
	handles, err := l.source.Processes(ctx)
	if err != nil {
		l.logger.Errorf("Error getting memory hogs: %v", err)
		return nil
	}

	results := make([]Result, 0, len(handles))
	for _, handle := range handles {
		results = append(results, l.read(ctx, handle, exclusions, prioritized))
	}
	return results
}

func (l *Lister) read(ctx context.Context, handle ProcessHandle, exclusions Exclusions, prioritized func(name string) bool) Result {
	record := ProcessRecord{PID: handle.PID()}

	if record.PID == l.selfPID {
		return Result{Record: record, Skip: SkipSelf}
	}
	if exclusions.HasPID(record.PID) {
		return Result{Record: record, Skip: SkipExcludedPID}
	}

	var err error
	if record.Name, err = handle.Name(ctx); err != nil {
		return readFailure(record, err)
	}
	if exclusions.Names.Has(record.Name) {
		return Result{Record: record, Skip: SkipExcludedName}
	}

	if record.Status, err = handle.Status(ctx); err != nil {
		return readFailure(record, err)
	}
	if processstate.IsDefunct(record.Status) {
		return Result{Record: record, Skip: SkipZombie}
	}

	cmdline, err := handle.Cmdline(ctx)
	if err != nil {
		return readFailure(record, err)
	}
	// Kernel threads have no command line
	if len(cmdline) == 0 {
		return Result{Record: record, Skip: SkipEmptyCmdline}
	}
	record.Cmdline = strings.Join(cmdline, " ")

	if record.RSSBytes, err = handle.RSS(ctx); err != nil {
		return readFailure(record, err)
	}
	if record.RSSBytes == 0 {
		return Result{Record: record, Skip: SkipNoRSS}
	}

	if record.Username, err = handle.Username(ctx); err != nil {
		return readFailure(record, err)
	}

	// Create time only strengthens the identity check later, so a failure
	// leaves it unknown
	if createTime, err := handle.CreateTime(ctx); err == nil {
		record.CreateTime = createTime
	}

	if prioritized != nil {
		record.Prioritized = prioritized(record.Name)
	}
	return Result{Record: record}
}

func readFailure(record ProcessRecord, err error) Result {
	return Result{Record: record, Skip: ClassifyReadError(err), Err: err}
}

// ClassifyReadError maps a per-process read error to a skip reason
func ClassifyReadError(err error) SkipReason {
	switch {
	case err == nil:
		return SkipNone
	case stderrors.Is(err, process.ErrorProcessNotRunning),
		stderrors.Is(err, fs.ErrNotExist),
		stderrors.Is(err, syscall.ESRCH):
		return SkipVanished
	case stderrors.Is(err, fs.ErrPermission),
		stderrors.Is(err, syscall.EPERM),
		stderrors.Is(err, syscall.EACCES):
		return SkipAccessDenied
	default:
		return SkipReadError
	}
}

func (l *Lister) logSkip(result Result) {
	switch result.Skip {
	case SkipVanished, SkipAccessDenied:
		l.logger.Debugf("Skipping PID=%d (%s): %v", result.Record.PID, result.Skip, result.Err)
	case SkipReadError:
		l.logger.Errorf("Error getting info for process PID=%d, Name=%s: %v", result.Record.PID, result.Record.Name, result.Err)
	}
}
