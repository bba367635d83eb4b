// Command vdevfs is the vdev ACL filter front end: it mounts a FUSE
// filesystem that mirrors a backing device-node tree (normally vdevd's
// managed mountpoint) through the ACL engine, per spec.md §4.7-§4.8.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jcnelson/vdev/internal/acl"
	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/filterfs"
	"github.com/jcnelson/vdev/internal/metricsweb"
	"github.com/jcnelson/vdev/internal/rules"
)

type flags struct {
	configFile   string
	backing      string
	verboseLevel int
	allowOther   bool
	debugAddr    string
}

func main() {
	os.Exit(run())
}

func run() int {
	f := &flags{}

	root := &cobra.Command{
		Use:   "vdevfs [options] <mountpoint>",
		Short: "vdev ACL-filtered FUSE front end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mainE(f, args[0])
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&f.configFile, "config-file", "c", "/etc/vdev/vdevd.conf", "path to the vdev config file")
	root.Flags().StringVar(&f.backing, "backing", "", "backing device-node tree to filter (defaults to the config's mountpoint)")
	root.Flags().IntVarP(&f.verboseLevel, "verbose-level", "v", 2, "verbosity, 0 (error) through 4 (trace)")
	root.Flags().StringVar(&f.debugAddr, "debug-addr", "127.0.0.1:9321", "loopback address for the metrics/debug listener")

	if err := root.Execute(); err != nil {
		return 1
	}

	return 0
}

func mainE(f *flags, mountpoint string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(colorable.NewColorableStderr())

	levels := []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}
	idx := f.verboseLevel
	if idx < 0 {
		idx = 0
	} else if idx >= len(levels) {
		idx = len(levels) - 1
	}
	log.SetLevel(levels[idx])

	cfg, err := config.Load(f.configFile)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}

	backing := f.backing
	if backing == "" {
		backing = cfg.Mountpoint
	}

	aclRules, err := rules.LoadACLRules(cfg.ACLsDir)
	if err != nil {
		log.WithError(err).Error("failed to load acl rules")
		return err
	}

	mp, err := filepath.Abs(mountpoint)
	if err != nil {
		return err
	}

	filterRoot := &filterfs.Root{
		Backing: backing,
		Config:  cfg,
		Rules:   aclRules,
		Eval:    acl.New(cfg),
		Log:     log,
	}

	nodeFS := filterfs.NewRootNode(filterRoot)

	// -odev and -oallow_other are forced per spec.md §6.
	opts := &fs.Options{
		MountOptions: fuseMountOptions(),
	}

	server, err := fs.Mount(mp, nodeFS, opts)
	if err != nil {
		log.WithError(err).Error("failed to mount")
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := metricsweb.NewMetrics(reg)

	debugSrv, err := metricsweb.NewServer(log, f.debugAddr, reg, emptyRuleLister{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err == nil {
		go func() {
			if srvErr := debugSrv.ListenAndServe(ctx); srvErr != nil {
				log.WithError(srvErr).Warn("debug listener stopped")
			}
		}()
	}

	go pollHideCount(ctx, filterRoot, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		log.Info("signal received, unmounting")
		_ = server.Unmount()
	}()

	log.WithField("mountpoint", mp).WithField("backing", backing).Info("vdevfs mounted")
	server.Wait()

	return nil
}

func pollHideCount(ctx context.Context, r *filterfs.Root, m *metricsweb.Metrics) {
	var last uint64

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.HideCount()
			if count > last {
				m.HideDecisions.Add(float64(count - last))
				last = count
			}
		}
	}
}

// emptyRuleLister satisfies metricsweb.RuleLister for the front end, which
// has no action rules of its own (those belong to vdevd).
type emptyRuleLister struct{}

func (emptyRuleLister) ActionRules() []*rules.ActionRule { return nil }

// fuseMountOptions forces -odev and -oallow_other per spec.md §6.
func fuseMountOptions() fuse.MountOptions {
	return fuse.MountOptions{
		AllowOther: true,
		Options:    []string{"dev"},
		FsName:     "vdevfs",
		Name:       "vdevfs",
	}
}
