// Package action implements the action executor (spec.md §4.5): rename
// resolution, synchronous/async command dispatch, and daemonlet management.
package action

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/rules"
	"github.com/jcnelson/vdev/internal/subprocrunner"
)

// Materializer is the subset of the device materializer the executor
// depends on, so tests can substitute a fake without importing the real
// mknod-using implementation.
type Materializer interface {
	Materialize(ctx context.Context, req *request.Request) error
	Remove(ctx context.Context, req *request.Request) error
}

// Executor matches device requests against an immutable action rule list
// and runs the resulting rename/command/daemonlet dispatch.
type Executor struct {
	log        *logrus.Logger
	mountpoint string
	helpersDir string
	mater      Materializer

	mu         sync.Mutex
	daemonlets map[*rules.ActionRule]*subprocrunner.Daemonlet
}

// New creates an Executor. rules passed to Dispatch must outlive the
// Executor; they are shared read-only.
func New(log *logrus.Logger, mountpoint, helpersDir string, mater Materializer) *Executor {
	return &Executor{
		log:        log,
		mountpoint: mountpoint,
		helpersDir: helpersDir,
		mater:      mater,
		daemonlets: make(map[*rules.ActionRule]*subprocrunner.Daemonlet),
	}
}

// Dispatch runs the full pipeline for req against ruleList, in order:
// rename resolution, materialization, then side-effecting commands.
func (e *Executor) Dispatch(ctx context.Context, req *request.Request, ruleList []*rules.ActionRule) error {
	if req.Kind == request.Add || req.Kind == request.Change {
		if err := e.resolveRename(ctx, req, ruleList); err != nil {
			return err
		}
	}

	switch req.Kind {
	case request.Add:
		if err := e.mater.Materialize(ctx, req); err != nil {
			e.log.WithFields(logrus.Fields{"request": req.ID, "path": req.TargetPath()}).
				WithError(err).Warn("materialize failed")
		}
	case request.Remove:
		if err := e.mater.Remove(ctx, req); err != nil {
			e.log.WithFields(logrus.Fields{"request": req.ID, "path": req.TargetPath()}).
				WithError(err).Warn("remove failed")
		}
	}

	e.runCommands(ctx, req, ruleList)

	return nil
}

// resolveRename scans ruleList in order; every matching rule with a
// rename_command runs synchronously and, on success, rewrites req's path so
// later-matching rules (and the eventual materialize/command steps) observe
// the new path. Spec.md §4.5 step 1.
func (e *Executor) resolveRename(ctx context.Context, req *request.Request, ruleList []*rules.ActionRule) error {
	for _, rule := range ruleList {
		if rule.RenameCommand == "" || !rule.Matches(req) {
			continue
		}

		env := req.ToEnv(e.mountpoint, e.helpersDir)

		start := time.Now()
		out, err := subprocrunner.RunCaptured(ctx, rule.RenameCommand, env)
		rule.RecordCall(int64(time.Since(start)))

		if err != nil {
			e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name}).
				WithError(err).Warn("rename_command failed, skipping rule")
			continue
		}

		if out == "" && req.Path != request.UnknownPath {
			e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name}).
				Warn("rename_command produced empty path")
			continue
		}

		if out != "" {
			req.Renamed = out
		}
	}

	return nil
}

// runCommands scans ruleList in the same lexicographic order and runs every
// matching rule's command, synchronously, asynchronously, or as a
// daemonlet dispatch. Spec.md §4.5 step 3.
func (e *Executor) runCommands(ctx context.Context, req *request.Request, ruleList []*rules.ActionRule) {
	for _, rule := range ruleList {
		if rule.Command == "" || !rule.Matches(req) {
			continue
		}

		env := req.ToEnv(e.mountpoint, e.helpersDir)

		switch {
		case rule.IsDaemonlet:
			e.dispatchDaemonlet(req, rule, env)
		case rule.Async:
			if err := subprocrunner.RunAsync(rule.Command, env); err != nil {
				e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name}).
					WithError(err).Warn("async command failed to start")
			}
		default:
			start := time.Now()
			code, err := subprocrunner.RunSync(ctx, rule.Command, env)
			rule.RecordCall(int64(time.Since(start)))

			if err != nil {
				e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name}).
					WithError(err).Warn("command failed to start")
				continue
			}

			if code != 0 {
				e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name, "exit": code}).
					Warn("command exited non-zero")
			}
		}
	}
}

func (e *Executor) dispatchDaemonlet(req *request.Request, rule *rules.ActionRule, env []string) {
	e.mu.Lock()
	d, ok := e.daemonlets[rule]
	if !ok {
		d = subprocrunner.NewDaemonlet(rule.Command)
		e.daemonlets[rule] = d
	}
	e.mu.Unlock()

	start := time.Now()
	status, err := d.Dispatch(env)
	rule.RecordCall(int64(time.Since(start)))

	if rule.Daemonlet == nil {
		rule.Daemonlet = &rules.DaemonletState{}
	}

	rule.Daemonlet.PID = d.PID()

	if err != nil {
		e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name}).
			WithError(err).Warn("daemonlet dispatch failed")
		return
	}

	e.log.WithFields(logrus.Fields{"request": req.ID, "rule": rule.Name, "status": status}).
		Debug("daemonlet dispatch complete")
}

// DaemonletRestarts sums the respawn count across every daemonlet the
// executor has ever dispatched to, for the metrics listener.
func (e *Executor) DaemonletRestarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, d := range e.daemonlets {
		total += d.Restarts()
	}

	return total
}

// Shutdown signals and reaps every live daemonlet.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for rule, d := range e.daemonlets {
		d.Shutdown()
		delete(e.daemonlets, rule)
	}
}
