// Package victim picks the next process to terminate from a snapshot.
package victim

import (
	"errors"

	"github.com/core-tools/hsu-oomguard/pkg/snapshot"
)

// ErrNoCandidates is returned by Select when nothing is eligible
var ErrNoCandidates = errors.New("no killable candidates")

// Order returns a copy of records sorted by (not prioritized, -rss).
// Every prioritized record precedes every non-prioritized one.
func Order(records []snapshot.ProcessRecord) []snapshot.ProcessRecord {
	ordered := make([]snapshot.ProcessRecord, len(records))
	copy(ordered, records)
	snapshot.SortRecords(ordered)
	return ordered
}

// Select returns the head of an ordered candidate list
func Select(ordered []snapshot.ProcessRecord) (snapshot.ProcessRecord, error) {
	if len(ordered) == 0 {
		return snapshot.ProcessRecord{}, ErrNoCandidates
	}
	return ordered[0], nil
}

// Pick orders the records and selects the head
func Pick(records []snapshot.ProcessRecord) (snapshot.ProcessRecord, error) {
	return Select(Order(records))
}
