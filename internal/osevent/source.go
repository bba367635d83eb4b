// Package osevent is the OS event source (spec.md §4.3): it coldplugs the
// existing device tree out of sysfs, then listens for kernel uevents over a
// NETLINK_KOBJECT_UEVENT socket, translating both into device requests fed
// to the work queue. Its use of golang.org/x/sys/unix for raw socket setup
// and github.com/mdlayher/socket for a cancellable read loop is grounded in
// the fact that the teacher's own netlink dependency (vishvananda/netlink)
// only speaks rtnetlink (routes/links/addresses) and has no
// NETLINK_KOBJECT_UEVENT support; /proc/mounts scanning follows
// lxd-agent/devices.go's line-oriented bufio.Scanner convention over
// /proc tables.
package osevent

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaypipes/pcidb"
	"github.com/sirupsen/logrus"

	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/request"
)

// sysfsRoot is where the live kernel's sysfs is mounted. It is a var, not a
// const, so tests can point it at a fixture tree.
var sysfsRoot = "/sys"

// Sink receives requests synthesized by the source and is told once the
// initial coldplug pass is complete.
type Sink interface {
	Enqueue(req *request.Request) error
	MarkSourceFlushed()
}

// Source coldplugs sysfs and listens for kernel uevents.
type Source struct {
	log *logrus.Logger
	cfg *config.Config

	pci *pcidb.PCIDB
}

// New constructs a Source. The PCI ID database is loaded lazily on first
// use (it is only consulted for PCI devices, and failing to load it is
// non-fatal — enrichment is best-effort).
func New(log *logrus.Logger, cfg *config.Config) *Source {
	return &Source{log: log, cfg: cfg}
}

// Run performs the coldplug sweep, signals the sink that it is flushed, and
// then (unless the config is coldplug-only) blocks listening for live
// uevents until ctx is cancelled.
func (s *Source) Run(ctx context.Context, sink Sink) error {
	if err := s.detectDevtmpfs(); err != nil {
		s.log.WithError(err).Warn("could not inspect /proc/mounts for devtmpfs")
	}

	if err := s.coldplug(ctx, sink); err != nil {
		s.log.WithError(err).Error("coldplug sweep failed")
	}

	sink.MarkSourceFlushed()

	if s.cfg.ColdplugOnly {
		return nil
	}

	return s.listenUevents(ctx, sink)
}

// detectDevtmpfs scans /proc/mounts for a devtmpfs mounted at the managed
// mountpoint and sets config.QuirkDeviceNodeExists accordingly (spec.md
// §4.6's devtmpfs quirk).
func (s *Source) detectDevtmpfs() error {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}

		mountpoint, fstype := fields[1], fields[2]
		if fstype == "devtmpfs" && mountpoint == s.cfg.Mountpoint {
			s.cfg.Quirks |= config.QuirkDeviceNodeExists
			s.log.WithField("mountpoint", mountpoint).Info("devtmpfs detected; skipping mknod")

			return nil
		}
	}

	return scanner.Err()
}

// loadPCIDB lazily loads the PCI ID database and keeps it once loaded. A
// failed load is not remembered: the next call tries again.
func (s *Source) loadPCIDB() *pcidb.PCIDB {
	if s.pci != nil {
		return s.pci
	}

	db, err := pcidb.New()
	if err != nil {
		s.log.WithError(err).Debug("pci.ids database unavailable; vendor/device names will be omitted")
		// Leave s.pci nil; every call pays the one failed lookup since we
		// cannot distinguish "not yet tried" from "tried and empty" with a
		// struct zero value here, but pcidb.New() is cheap to fail fast.
		return nil
	}

	s.pci = db

	return s.pci
}

// enrichFromSysfs fills in MAJOR/MINOR and SUBSYSTEM when a kernel uevent
// omitted them, by reading the device's sysfs "dev" and "subsystem" entries
// directly (spec.md §4.3). When SUBSYSTEM was missing from the uevent
// itself, parseUevent had nothing to derive DevType from and defaulted to
// character; re-derive it here once SUBSYSTEM is known, so a block device
// whose netlink message omitted SUBSYSTEM still materializes correctly.
func (s *Source) enrichFromSysfs(req *request.Request) {
	devpath, ok := req.Param("DEVPATH")
	if !ok {
		return
	}

	base := filepath.Join(sysfsRoot, devpath)

	if req.Major == 0 && req.Minor == 0 {
		if contents, err := os.ReadFile(filepath.Join(base, "dev")); err == nil {
			major, minor, ok := strings.Cut(strings.TrimSpace(string(contents)), ":")
			if ok {
				if maj, err := strconv.Atoi(major); err == nil {
					if min, err := strconv.Atoi(minor); err == nil {
						req.SetDev(maj, min)
					}
				}
			}
		}
	}

	if _, ok := req.Param("SUBSYSTEM"); !ok {
		if link, err := os.Readlink(filepath.Join(base, "subsystem")); err == nil {
			subsystem := filepath.Base(link)
			_ = req.AddParam("SUBSYSTEM", subsystem)

			if subsystem == "block" {
				req.SetMode(request.DevBlock)
			}
		}
	}
}

// enrichPCI adds ID_VENDOR_FROM_DATABASE / ID_MODEL_FROM_DATABASE params
// (surfacing as VDEV_OS_ID_VENDOR_FROM_DATABASE /
// VDEV_OS_ID_MODEL_FROM_DATABASE once rendered to the environment) when req
// is a PCI device carrying the kernel's "PCI_ID=VVVV:DDDD" uevent field and
// the pci.ids database resolves it — vdev's equivalent of udev's hwdb
// enrichment, without reimplementing a hwdb.
func (s *Source) enrichPCI(req *request.Request) {
	subsystem, ok := req.Param("SUBSYSTEM")
	if !ok || subsystem != "pci" {
		return
	}

	pciID, ok := req.Param("PCI_ID")
	if !ok {
		return
	}

	vendorID, deviceID, ok := strings.Cut(pciID, ":")
	if !ok {
		return
	}

	db := s.loadPCIDB()
	if db == nil {
		return
	}

	vendor, ok := db.Vendors[strings.ToLower(vendorID)]
	if !ok {
		return
	}

	_ = req.AddParam("ID_VENDOR_FROM_DATABASE", vendor.Name)

	for _, product := range vendor.Products {
		if strings.EqualFold(product.ID, deviceID) {
			_ = req.AddParam("ID_MODEL_FROM_DATABASE", product.Name)
			break
		}
	}
}
