package daemonstate

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/metricsweb"
	"github.com/jcnelson/vdev/internal/request"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	for _, sub := range []string{"acls", "actions", "helpers", "mnt"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0755))
	}

	return &config.Config{
		ACLsDir:       filepath.Join(dir, "acls"),
		ActionsDir:    filepath.Join(dir, "actions"),
		HelpersDir:    filepath.Join(dir, "helpers"),
		Mountpoint:    filepath.Join(dir, "mnt"),
		Quirks:        config.QuirkDeviceNodeExists,
		DefaultPolicy: config.PolicyAllow,
	}
}

func TestNew_LoadsEmptyRuleSetsFromEmptyDirs(t *testing.T) {
	d, err := New(testLogger(), testConfig(t))
	require.NoError(t, err)
	require.Empty(t, d.ACLRules())
	require.Empty(t, d.ActionRules())
	require.NotNil(t, d.Evaluator())
}

func TestNew_FailsOnMissingACLsDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.ACLsDir = filepath.Join(cfg.ACLsDir, "does-not-exist")

	_, err := New(testLogger(), cfg)
	require.Error(t, err)
}

func TestHandle_UpdatesMetricsOnDispatch(t *testing.T) {
	d, err := New(testLogger(), testConfig(t))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := metricsweb.NewMetrics(reg)
	d.SetMetrics(metrics)

	req := request.New(request.Add, "/null")
	require.NoError(t, d.handle(context.Background(), req))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

// Start is deliberately not exercised here: it spawns osevent.Source.Run,
// which walks the real host's /sys/devices tree and isn't worth
// constraining to a test fixture just to cover this wiring. Instead these
// tests drive the queue directly, the same way Start would, to check the
// Enqueue/MarkSourceFlushed/Main/Stop/GC plumbing in isolation.

func TestEnqueueAndMarkSourceFlushed_DelegateToQueue(t *testing.T) {
	d, err := New(testLogger(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.q.Start(ctx))

	req := request.New(request.Add, "/null")
	require.NoError(t, d.Enqueue(req))

	d.MarkSourceFlushed()

	mainCtx, mainCancel := context.WithTimeout(ctx, 5*time.Second)
	defer mainCancel()

	require.NoError(t, d.Main(mainCtx))
	require.NoError(t, d.Stop(true))

	d.Shutdown()
}

func TestGC_RunsAfterStop(t *testing.T) {
	d, err := New(testLogger(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.q.Start(ctx))
	d.MarkSourceFlushed()

	mainCtx, mainCancel := context.WithTimeout(ctx, 5*time.Second)
	defer mainCancel()
	require.NoError(t, d.Main(mainCtx))
	require.NoError(t, d.Stop(true))

	require.NoError(t, d.GC(context.Background()))
}
