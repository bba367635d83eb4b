// Package daemonstate wires together the config, rules, OS event source,
// work queue, action executor, and device materializer into the
// start/main/stop/shutdown lifecycle spec.md §4.9 describes, including the
// foreground/daemonize coldplug-quiesce handshake and once-mode garbage
// collection.
package daemonstate

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jcnelson/vdev/internal/acl"
	"github.com/jcnelson/vdev/internal/action"
	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/device"
	"github.com/jcnelson/vdev/internal/metricsweb"
	"github.com/jcnelson/vdev/internal/osevent"
	"github.com/jcnelson/vdev/internal/queue"
	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/rules"
)

// Daemon owns every long-lived component of a running vdevd process.
type Daemon struct {
	log *logrus.Logger
	cfg *config.Config

	aclRules    []*rules.ACLRule
	actionRules []*rules.ActionRule

	materializer *device.Materializer
	executor     *action.Executor
	evaluator    *acl.Evaluator
	source       *osevent.Source
	q            *queue.Queue

	metrics        *metricsweb.Metrics
	lastDaemonlets int
	sourceErrCh    chan error
}

// SetMetrics attaches a metrics sink; every request dispatched afterward
// updates its counters/histogram. Safe to call before Start only.
func (d *Daemon) SetMetrics(m *metricsweb.Metrics) { d.metrics = m }

// New loads rules from cfg's configured directories and wires every
// component together. The queue is not started until Start is called.
func New(log *logrus.Logger, cfg *config.Config) (*Daemon, error) {
	aclRules, err := rules.LoadACLRules(cfg.ACLsDir)
	if err != nil {
		return nil, fmt.Errorf("loading acl rules: %w", err)
	}

	actionRules, err := rules.LoadActionRules(cfg.ActionsDir)
	if err != nil {
		return nil, fmt.Errorf("loading action rules: %w", err)
	}

	d := &Daemon{
		log:         log,
		cfg:         cfg,
		aclRules:    aclRules,
		actionRules: actionRules,
		sourceErrCh: make(chan error, 1),
	}

	d.materializer = device.New(log, cfg)
	d.executor = action.New(log, cfg.Mountpoint, cfg.HelpersDir, d.materializer)
	d.evaluator = acl.New(cfg)
	d.source = osevent.New(log, cfg)
	d.q = queue.New(log, d.handle)

	return d, nil
}

// ACLRules returns the loaded, immutable ACL rule list, for the filter
// front end process to consult.
func (d *Daemon) ACLRules() []*rules.ACLRule { return d.aclRules }

// ActionRules returns the loaded, immutable action rule list, for the
// debug/metrics listener's rule-introspection endpoint.
func (d *Daemon) ActionRules() []*rules.ActionRule { return d.actionRules }

// Evaluator returns the shared ACL evaluator.
func (d *Daemon) Evaluator() *acl.Evaluator { return d.evaluator }

// handle is the queue.Handler: it dispatches req through the action
// executor against the loaded action rules.
func (d *Daemon) handle(ctx context.Context, req *request.Request) error {
	start := time.Now()
	err := d.executor.Dispatch(ctx, req, d.actionRules)

	if d.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}

		d.metrics.RequestsProcessed.WithLabelValues(req.Kind.String(), outcome).Inc()
		d.metrics.ActionDuration.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
		d.metrics.QueueDepth.Set(float64(d.q.Len()))

		if restarts := d.executor.DaemonletRestarts(); restarts > d.lastDaemonlets {
			d.metrics.DaemonletRestarts.Add(float64(restarts - d.lastDaemonlets))
			d.lastDaemonlets = restarts
		}
	}

	return err
}

// Enqueue and MarkSourceFlushed satisfy osevent.Sink, letting the OS event
// source feed the queue directly.
func (d *Daemon) Enqueue(req *request.Request) error { return d.q.Enqueue(req) }
func (d *Daemon) MarkSourceFlushed()                 { d.q.MarkSourceFlushed() }

// Start spawns the queue worker and the OS event source's goroutine. It
// does not block.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.q.Start(ctx); err != nil {
		return err
	}

	go func() {
		d.sourceErrCh <- d.source.Run(ctx, d)
	}()

	return nil
}

// Main blocks until the initial coldplug flush completes. In once-mode,
// callers should follow this with Stop(true) and then GC; in long-running
// mode this simply marks "ready" for the daemonize handshake (spec.md
// §4.9's parent/child pipe).
func (d *Daemon) Main(ctx context.Context) error {
	return d.q.WaitInitialFlush(ctx)
}

// Stop drains (if wait) or immediately halts the queue.
func (d *Daemon) Stop(wait bool) error {
	return d.q.Stop(wait)
}

// Shutdown reaps daemonlets. Call after Stop.
func (d *Daemon) Shutdown() {
	d.executor.Shutdown()
}

// GC runs once-mode garbage collection over the metadata tree. Only
// meaningful after Stop has drained the queue.
func (d *Daemon) GC(ctx context.Context) error {
	return d.materializer.GC(ctx)
}
