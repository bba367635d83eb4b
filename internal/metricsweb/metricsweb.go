// Package metricsweb serves a localhost-only debug/metrics HTTP listener:
// Prometheus counters/gauges for the queue and action executor, plus a
// small JSON introspection endpoint over the loaded rule set. Grounded on
// the teacher's own debug-listener convention (gorilla/mux-routed, bound to
// loopback only) in lxd-agent, generalized from the LXD API surface to
// vdev's queue/rule metrics.
package metricsweb

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jcnelson/vdev/internal/rules"
)

// Metrics is the full set of Prometheus collectors vdevd registers.
type Metrics struct {
	QueueDepth        prometheus.Gauge
	RequestsProcessed *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	DaemonletRestarts prometheus.Counter
	HideDecisions     prometheus.Counter
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdev",
			Name:      "queue_depth",
			Help:      "Number of requests currently pending in the work queue.",
		}),
		RequestsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vdev",
			Name:      "requests_processed_total",
			Help:      "Device requests processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vdev",
			Name:      "action_duration_seconds",
			Help:      "Wall time spent dispatching a request through the action executor, by request kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		DaemonletRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vdev",
			Name:      "daemonlet_restarts_total",
			Help:      "Number of times a daemonlet child was found dead and respawned.",
		}),
		HideDecisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vdev",
			Name:      "acl_hide_decisions_total",
			Help:      "Number of filter-front-end entries hidden by the ACL engine.",
		}),
	}

	reg.MustRegister(m.QueueDepth, m.RequestsProcessed, m.ActionDuration, m.DaemonletRestarts, m.HideDecisions)

	return m
}

// RuleLister exposes the loaded action rule set for the debug endpoint.
type RuleLister interface {
	ActionRules() []*rules.ActionRule
}

// Server is the loopback-only HTTP listener exposing /healthz, /metrics,
// and /debug/rules.
type Server struct {
	log    *logrus.Logger
	http   *http.Server
	lister RuleLister
}

// NewServer builds (but does not start) the debug listener on addr, which
// must resolve to a loopback address; binding to anything else is refused
// to keep process-internal counters and rule contents off the network.
func NewServer(log *logrus.Logger, addr string, reg *prometheus.Registry, lister RuleLister) (*Server, error) {
	r := mux.NewRouter()

	s := &Server{log: log, lister: lister}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/rules", s.handleDebugRules).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ruleSummary struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Calls   int64  `json:"calls"`
	Nanos   int64  `json:"nanos"`
}

func (s *Server) handleDebugRules(w http.ResponseWriter, r *http.Request) {
	var out []ruleSummary

	for _, rule := range s.lister.ActionRules() {
		calls, nanos := rule.Stats()
		out = append(out, ruleSummary{
			Name:    rule.Name,
			Trigger: rule.Trigger.String(),
			Calls:   calls,
			Nanos:   nanos,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ListenAndServe binds the listener (refusing anything but loopback) and
// serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	host, _, err := net.SplitHostPort(s.http.Addr)
	if err == nil {
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return errNotLoopback
		}
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", s.http.Addr).Info("debug listener started")

	err = s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}

var errNotLoopback = httpError("metricsweb: refusing to bind a non-loopback address")

type httpError string

func (e httpError) Error() string { return string(e) }
