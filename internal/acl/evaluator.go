// Package acl implements the ACL evaluator (spec.md §4.7): given a path and
// a caller identity, it finds every matching ACL rule, composes their
// overrides onto a stat buffer, or signals that the path should be hidden.
package acl

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/rules"
	"github.com/jcnelson/vdev/internal/vdeverr"
)

// StatAttrs is the subset of a stat(2) result the ACL evaluator may
// rewrite: ownership and the low 9 permission bits of the mode.
type StatAttrs struct {
	Mode uint32
	UID  uint32
	GID  uint32
}

// Evaluator applies an immutable ACL rule list to callers. Its only
// mutable state is a per-rule mutex serializing that rule's predicate
// subprocess, guarding against the concurrent stat/readdir calls the FUSE
// transport (C8) issues from multiple threads — see spec.md §5.
type Evaluator struct {
	cfg *config.Config

	predicateMu sync.Map // *rules.ACLRule -> *sync.Mutex
}

// New creates an Evaluator using cfg's default policy.
func New(cfg *config.Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate is apply_all from spec.md §4.7. It returns (true, nil) when the
// stat buffer (mutated in place) is accepted, (false, nil) when the caller
// must not see the path at all, and a non-nil error only on a genuine
// evaluation failure (e.g. a predicate subprocess that could not be
// spawned, or a broken regex — the latter cannot occur here since rules are
// pre-compiled at load time).
func (e *Evaluator) Evaluate(ctx context.Context, ruleList []*rules.ACLRule, path string, proc *ProcSnapshot, uid, gid uint32, attrs *StatAttrs) (bool, error) {
	if len(ruleList) == 0 {
		return e.cfg.DefaultPolicy == config.PolicyAllow, nil
	}

	matched := false

	for _, r := range ruleList {
		if r.MatchUID != nil && uint32(*r.MatchUID) != uid {
			continue
		}

		if r.MatchGID != nil && uint32(*r.MatchGID) != gid {
			continue
		}

		if !r.MatchesAnyPath(path) {
			continue
		}

		if r.HasProcessMatch() {
			ok, err := e.processMatches(ctx, r, proc, uid, gid)
			if err != nil {
				return false, err
			}

			if !ok {
				continue
			}
		}

		matched = true

		if r.SetUID != nil && r.MatchUID != nil && uint32(*r.MatchUID) == uid {
			attrs.UID = uint32(*r.SetUID)
		}

		if r.SetGID != nil && r.MatchGID != nil && uint32(*r.MatchGID) == gid {
			attrs.GID = uint32(*r.SetGID)
		}

		if r.SetMode != nil {
			attrs.Mode = (attrs.Mode &^ 0777) | *r.SetMode
		}
	}

	if !matched {
		return false, nil
	}

	return true, nil
}

// processMatches reports whether every process-identity assertion the rule
// carries agrees with proc (an AND across bin/sha256/inode/predicate).
func (e *Evaluator) processMatches(ctx context.Context, r *rules.ACLRule, proc *ProcSnapshot, uid, gid uint32) (bool, error) {
	if r.Bin != "" && r.Bin != proc.BinaryPath {
		return false, nil
	}

	if r.Inode != nil && *r.Inode != proc.Inode {
		return false, nil
	}

	if r.SHA256 != "" {
		sum, err := proc.SHA256()
		if err != nil {
			return false, err
		}

		if sum != r.SHA256 {
			return false, nil
		}
	}

	if r.Predicate != "" {
		ok, err := e.runPredicate(ctx, r, proc, uid, gid)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func (e *Evaluator) ruleLock(r *rules.ACLRule) *sync.Mutex {
	mu, _ := e.predicateMu.LoadOrStore(r, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// runPredicate runs r.Predicate as a subprocess with VDEV_UID/VDEV_GID/
// VDEV_PID set to the caller's values; exit status 0 means "applies".
func (e *Evaluator) runPredicate(ctx context.Context, r *rules.ACLRule, proc *ProcSnapshot, uid, gid uint32) (bool, error) {
	lock := e.ruleLock(r)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.Predicate)
	cmd.Env = []string{
		fmt.Sprintf("VDEV_UID=%d", uid),
		fmt.Sprintf("VDEV_GID=%d", gid),
		fmt.Sprintf("VDEV_PID=%d", proc.PID),
	}

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if ok := isExitError(err, &exitErr); ok {
		return false, nil
	}

	return false, vdeverr.New(vdeverr.SubprocessFailed, err)
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}

	return ok
}
