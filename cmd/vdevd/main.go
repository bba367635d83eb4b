// Command vdevd is the vdev back end: it watches kernel/sysfs device
// lifecycle events and maintains a managed device-node tree and its
// metadata, per spec.md §4.1-§4.7 and §4.9.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/fvbommel/sortorder"
	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/daemonstate"
	"github.com/jcnelson/vdev/internal/metricsweb"
	"github.com/jcnelson/vdev/internal/rules"
	"github.com/jcnelson/vdev/internal/subprocrunner"
)

// exit codes, spec.md §6.
const (
	exitOK               = 0
	exitInitFailure      = 1
	exitLogSetupFailure  = 2
	exitDaemonizeFailure = 3
	exitPidfileFailure   = 4
	exitStartFailure     = 5
	exitChildColdplug    = 6
)

type flags struct {
	configFile   string
	verboseLevel int
	logfile      string
	pidfile      string
	once         bool
	foreground   bool
	debugAddr    string
}

func main() {
	os.Exit(run())
}

func run() int {
	f := &flags{}

	root := &cobra.Command{
		Use:   "vdevd [options] <mountpoint>",
		Short: "vdev device event processing daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mainE(f, args[0])
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&f.configFile, "config-file", "c", "/etc/vdev/vdevd.conf", "path to the vdev config file")
	root.Flags().IntVarP(&f.verboseLevel, "verbose-level", "v", 2, "verbosity, 0 (error) through 4 (trace)")
	root.Flags().StringVarP(&f.logfile, "logfile", "l", "", "log file path, or \"syslog\"")
	root.Flags().StringVarP(&f.pidfile, "pidfile", "p", "/var/run/vdevd.pid", "pidfile path")
	root.Flags().BoolVarP(&f.once, "once", "1", false, "coldplug, settle, garbage-collect stale devices, then exit")
	root.Flags().BoolVarP(&f.foreground, "foreground", "f", false, "do not daemonize")
	root.Flags().StringVar(&f.debugAddr, "debug-addr", "127.0.0.1:9320", "loopback address for the metrics/debug listener")

	root.AddCommand(newRulesCmd(f), newConfigCmd(f))

	if err := root.Execute(); err != nil {
		if lastExitCode == exitOK {
			return exitInitFailure
		}

		return lastExitCode
	}

	return lastExitCode
}

// lastExitCode lets mainE report a specific spec.md §6 exit code through
// cobra's err-only RunE signature.
var lastExitCode int

func mainE(f *flags, mountpoint string) error {
	lastExitCode = exitOK

	log, err := newLogger(f)
	if err != nil {
		lastExitCode = exitLogSetupFailure
		return err
	}

	cfg, err := config.Load(f.configFile)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		lastExitCode = exitInitFailure
		return err
	}

	if mp, absErr := filepath.Abs(mountpoint); absErr == nil {
		cfg.Mountpoint = mp
	} else {
		cfg.Mountpoint = mountpoint
	}

	cfg.Once = cfg.Once || f.once

	if cfg.PreseedScript != "" {
		if code, runErr := subprocrunner.RunSync(context.Background(), cfg.PreseedScript, os.Environ()); runErr != nil || code != 0 {
			log.WithError(runErr).WithField("exit", code).Warn("preseed script failed")
		}
	}

	d, err := daemonstate.New(log, cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize daemon state")
		lastExitCode = exitInitFailure
		return err
	}

	if !f.foreground && !cfg.Once {
		return daemonizeAndRun(f, log, cfg, d)
	}

	return foregroundRun(f, log, cfg, d, nil)
}

// daemonizeAndRun implements the fork/pipe handshake: the parent blocks on
// the child's coldplug-flush signal and exits with a status derived from
// it; the child proceeds to foregroundRun and reports back before
// detaching fully.
func daemonizeAndRun(f *flags, log *logrus.Logger, cfg *config.Config, d *daemonstate.Daemon) error {
	code, isChild, quiesce, err := daemonstate.Daemonize()
	if err != nil && !isChild {
		lastExitCode = exitDaemonizeFailure
		return err
	}

	if !isChild {
		lastExitCode = code
		if code != exitOK {
			return fmt.Errorf("child reported startup failure, exit code %d", code)
		}

		return nil
	}

	if pfErr := writePidfile(f.pidfile); pfErr != nil {
		log.WithError(pfErr).Error("failed to write pidfile")
		_ = quiesce.ReportReady(exitPidfileFailure)
		lastExitCode = exitPidfileFailure
		return pfErr
	}

	return foregroundRun(f, log, cfg, d, quiesce)
}

func foregroundRun(f *flags, log *logrus.Logger, cfg *config.Config, d *daemonstate.Daemon, quiesce *daemonstate.QuiesceWriter) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	reg := prometheus.NewRegistry()
	d.SetMetrics(metricsweb.NewMetrics(reg))

	if err := d.Start(ctx); err != nil {
		_ = quiesce.ReportReady(exitStartFailure)
		lastExitCode = exitStartFailure
		return err
	}

	debugSrv, err := metricsweb.NewServer(log, f.debugAddr, reg, d)
	if err == nil {
		go func() {
			if srvErr := debugSrv.ListenAndServe(ctx); srvErr != nil {
				log.WithError(srvErr).Warn("debug listener stopped")
			}
		}()
	}

	if mainErr := d.Main(ctx); mainErr != nil {
		_ = quiesce.ReportReady(exitChildColdplug)
		lastExitCode = exitChildColdplug
		return mainErr
	}

	_ = quiesce.ReportReady(exitOK)

	if cfg.Once {
		if err := d.Stop(true); err != nil {
			log.WithError(err).Error("queue stop failed")
		}

		if err := d.GC(context.Background()); err != nil {
			log.WithError(err).Warn("once-mode garbage collection failed")
		}

		d.Shutdown()
		return nil
	}

	<-sigCh
	log.Info("signal received, shutting down")

	if err := d.Stop(true); err != nil {
		log.WithError(err).Warn("queue stop failed")
	}

	d.Shutdown()

	return nil
}

func newLogger(f *flags) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	levels := []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}
	idx := f.verboseLevel
	if idx < 0 {
		idx = 0
	}
	if idx >= len(levels) {
		idx = len(levels) - 1
	}
	log.SetLevel(levels[idx])

	switch f.logfile {
	case "":
		log.SetOutput(colorable.NewColorableStderr())
	case "syslog":
		// Out of scope per spec.md §1; vdev only defines the attach point.
		log.SetOutput(colorable.NewColorableStderr())
		log.Warn("syslog logging requested but no syslog hook is registered")
	default:
		file, err := os.OpenFile(f.logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}

		log.SetOutput(file)
	}

	return log, nil
}

func writePidfile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func newRulesCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "list the loaded ACL and action rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configFile)
			if err != nil {
				return err
			}

			log, err := newLogger(f)
			if err != nil {
				return err
			}

			d, err := daemonstate.New(log, cfg)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(d.ActionRules()))
			byName := make(map[string]*rules.ActionRule, len(d.ActionRules()))

			for _, r := range d.ActionRules() {
				names = append(names, r.Name)
				byName[r.Name] = r
			}

			sort.Sort(sortorder.Natural(names))

			for _, name := range names {
				r := byName[name]

				line := fmt.Sprintf("%s\t%s", name, r.Trigger.String())

				if hv, hvErr := r.DecodeHelperVars(); hvErr == nil && hv.Name != "" {
					line += fmt.Sprintf("\t%s (%s)", hv.Name, hv.Description)
				}

				fmt.Println(line)
			}

			return nil
		},
	}
}

func newConfigCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "configuration introspection",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configFile)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()

			return enc.Encode(cfg)
		},
	})

	return cmd
}
