// Package rules holds the ACL and action rule data model (spec.md §3) and
// the INI loader that populates it (spec.md §4.1).
package rules

import (
	"regexp"
	"sync/atomic"

	"github.com/jcnelson/vdev/internal/request"
)

// ACLRule rewrites ownership/mode, or hides a device entirely, for callers
// matching its predicates. Nil pointer fields mean "unset" / "no
// constraint"; an empty Devices slice matches every path.
type ACLRule struct {
	SourceFile string

	MatchUID *int
	MatchGID *int

	// Process-match group: any combination may be set; all that are set
	// must agree (AND) for the rule to apply to a caller.
	Bin       string
	SHA256    string // 64 lowercase hex chars
	Predicate string
	Inode     *uint64

	SetUID  *int
	SetGID  *int
	SetMode *uint32 // masked to 0777

	Devices []*regexp.Regexp
}

// MatchesAnyPath reports whether the rule's path list matches path, or
// whether the rule has no path list at all (matches everything).
func (r *ACLRule) MatchesAnyPath(path string) bool {
	if len(r.Devices) == 0 {
		return true
	}

	for _, re := range r.Devices {
		if re.MatchString(path) {
			return true
		}
	}

	return false
}

// HasProcessMatch reports whether the rule carries any process-identity
// predicate at all (bin, sha256, predicate command, or inode).
func (r *ACLRule) HasProcessMatch() bool {
	return r.Bin != "" || r.SHA256 != "" || r.Predicate != "" || r.Inode != nil
}

// IfExistsPolicy governs what an action rule does when its target path
// already exists at materialization time.
type IfExistsPolicy int

const (
	IfExistsError IfExistsPolicy = iota
	IfExistsMask
	IfExistsRun
)

func ParseIfExistsPolicy(s string) (IfExistsPolicy, bool) {
	switch s {
	case "", "error":
		return IfExistsError, true
	case "mask":
		return IfExistsMask, true
	case "run":
		return IfExistsRun, true
	default:
		return IfExistsError, false
	}
}

// DaemonletState is the runtime handle of a live daemonlet subprocess. It is
// nil until the action executor first dispatches the rule as a daemonlet.
type DaemonletState struct {
	PID             int
	StdinFD         int
	StdoutFD        int
}

// ActionRule matches a device request against a trigger, optional path/type/
// OS-parameter filters, and causes a path rename and/or command execution.
type ActionRule struct {
	SourceFile string

	Name    string
	Trigger request.Kind

	Path *regexp.Regexp

	HasType bool
	Type    request.DevType

	RenameCommand string
	Command       string
	Helper        string
	Async         bool
	RunInShell    bool
	IfExists      IfExistsPolicy

	// OSParams is the ordered set of OS-parameter expectations; an empty
	// expected value is a wildcard (key must merely be present).
	OSParams []request.KV
	// VarParams is the ordered set of VAR_* helper variables.
	VarParams []request.KV

	IsDaemonlet bool
	Daemonlet   *DaemonletState

	callCount    int64
	callNanos    int64
}

// Matches reports whether rule applies to req: trigger, path regex, type
// filter, and OS-parameter subset all agree.
func (a *ActionRule) Matches(req *request.Request) bool {
	if a.Trigger != request.Any && a.Trigger != req.Kind {
		return false
	}

	if a.Path != nil && !a.Path.MatchString(req.TargetPath()) {
		return false
	}

	if a.HasType && a.Type != req.DevType {
		return false
	}

	for _, kv := range a.OSParams {
		val, ok := req.Param(kv.Key)
		if !ok {
			return false
		}

		if kv.Value != "" && kv.Value != val {
			return false
		}
	}

	return true
}

// RecordCall accumulates the runtime counters spec.md §3 requires.
func (a *ActionRule) RecordCall(d int64) {
	atomic.AddInt64(&a.callCount, 1)
	atomic.AddInt64(&a.callNanos, d)
}

// Stats returns the number of calls recorded by RecordCall and the
// cumulative nanoseconds spent in them. The action executor records every
// rename command run, synchronous command run and daemonlet dispatch,
// including ones that fail, so failed calls are counted too.
func (a *ActionRule) Stats() (calls, nanos int64) {
	return atomic.LoadInt64(&a.callCount), atomic.LoadInt64(&a.callNanos)
}
