package snapshot

import (
	"fmt"
	"sort"
	"strings"
)

// ProcessRecord is one live process as seen at snapshot time
type ProcessRecord struct {
	PID      int
	Name     string
	Cmdline  string
	RSSBytes uint64
	Username string
	Status   []string

	// CreateTime is milliseconds since the epoch, 0 when unknown
	CreateTime int64

	Prioritized bool
}

// RSSMegabytes is the resident set size in whole MiB
func (r ProcessRecord) RSSMegabytes() uint64 {
	return r.RSSBytes / 1024 / 1024
}

func (r ProcessRecord) String() string {
	return fmt.Sprintf("PID=%d, User=%s, Name=%s, RSS=%dMB", r.PID, r.Username, r.Name, r.RSSMegabytes())
}

// SkipReason explains why a process is not a candidate
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipSelf         SkipReason = "self"
	SkipExcludedPID  SkipReason = "excluded_pid"
	SkipExcludedName SkipReason = "excluded_name"
	SkipZombie       SkipReason = "zombie"
	SkipEmptyCmdline SkipReason = "empty_cmdline"
	SkipNoRSS        SkipReason = "no_rss"
	SkipVanished     SkipReason = "vanished"
	SkipAccessDenied SkipReason = "access_denied"
	SkipReadError    SkipReason = "read_error"
)

// Result is the outcome of reading one process: either an eligible Record or
// a Skip reason, with Err set for the read failures
type Result struct {
	Record ProcessRecord
	Skip   SkipReason
	Err    error
}

func (r Result) Eligible() bool {
	return r.Skip == SkipNone
}

// NameSet is a set of process names
type NameSet map[string]struct{}

func NewNameSet(names ...string) NameSet {
	set := make(NameSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s NameSet) Add(name string) {
	s[name] = struct{}{}
}

// Exclusions are pids and names never returned as candidates
type Exclusions struct {
	PIDs  map[int]struct{}
	Names NameSet
}

func (e Exclusions) HasPID(pid int) bool {
	_, ok := e.PIDs[pid]
	return ok
}

func (e Exclusions) String() string {
	names := make([]string, 0, len(e.Names))
	for name := range e.Names {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%d pids, names [%s]", len(e.PIDs), strings.Join(names, ","))
}

// SortRecords orders records by (not prioritized, -rss). The sort is stable,
// so records with equal keys keep their enumeration order.
func SortRecords(records []ProcessRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Prioritized != records[j].Prioritized {
			return records[i].Prioritized
		}
		return records[i].RSSBytes > records[j].RSSBytes
	})
}
