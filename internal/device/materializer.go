// Package device implements the device materializer (spec.md §4.6): device
// node creation/removal, metadata persistence, and once-mode garbage
// collection of devices left over from a prior run.
package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/vdeverr"
)

// Materializer creates and removes device nodes under a mountpoint and
// keeps their metadata tree in sync.
type Materializer struct {
	log        *logrus.Logger
	mountpoint string
	cfg        *config.Config

	capWarnOnce sync.Once
}

// New creates a Materializer rooted at cfg.Mountpoint.
func New(log *logrus.Logger, cfg *config.Config) *Materializer {
	return &Materializer{log: log, mountpoint: cfg.Mountpoint, cfg: cfg}
}

func (m *Materializer) fullPath(p string) string {
	return filepath.Join(m.mountpoint, p)
}

func (m *Materializer) metadataDir(p string) string {
	return filepath.Join(m.mountpoint, "metadata", p)
}

func (m *Materializer) warnIfNoMknodCap() {
	m.capWarnOnce.Do(func() {
		caps, err := capability.NewPid2(0)
		if err != nil {
			return
		}

		if err := caps.Load(); err != nil {
			return
		}

		if !caps.Get(capability.EFFECTIVE, capability.CAP_MKNOD) {
			m.log.Warn("process effective set lacks CAP_MKNOD; mknod calls will fail unless running as root")
		}
	})
}

// Materialize creates the device node (unless the devtmpfs quirk is set)
// and writes every OS parameter to the metadata tree. Spec.md §4.6: a
// request with an empty path, zero dev number, or DevNone mode is not
// materialized at all.
func (m *Materializer) Materialize(ctx context.Context, req *request.Request) error {
	target := req.TargetPath()
	if target == "" || target == request.UnknownPath {
		return nil
	}

	if req.Major == 0 && req.Minor == 0 {
		return nil
	}

	if req.DevType == request.DevNone {
		return nil
	}

	full := m.fullPath(target)

	if err := os.MkdirAll(filepath.Dir(full), 0777); err != nil {
		return vdeverr.New(vdeverr.IOError, err)
	}

	if !m.cfg.HasQuirk(config.QuirkDeviceNodeExists) {
		m.warnIfNoMknodCap()

		mode := uint32(unix.S_IFCHR)
		if req.DevType == request.DevBlock {
			mode = unix.S_IFBLK
		}

		mode |= 0777

		dev := unix.Mkdev(uint32(req.Major), uint32(req.Minor))

		if err := unix.Mknod(full, mode, int(dev)); err != nil && err != unix.EEXIST {
			return vdeverr.New(vdeverr.IOError, err)
		}
	}

	return m.writeMetadata(req)
}

func (m *Materializer) writeMetadata(req *request.Request) error {
	dir := m.metadataDir(req.TargetPath())

	if err := os.MkdirAll(dir, 0777); err != nil {
		return vdeverr.New(vdeverr.IOError, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "."+metadataNonceFile), []byte(m.cfg.NonceHex()+"\n"), 0644); err != nil {
		return vdeverr.New(vdeverr.IOError, err)
	}

	for _, kv := range req.Params() {
		path := filepath.Join(dir, kv.Key)
		if err := os.WriteFile(path, []byte(kv.Value+"\n"), 0644); err != nil {
			return vdeverr.New(vdeverr.IOError, err)
		}
	}

	return nil
}

// metadataNonceFile is the dotfile the materializer stamps with the current
// instance nonce, distinct from any real OS parameter name.
const metadataNonceFile = "vdev_instance_nonce"

// Remove unlinks the device node (ENOENT is not an error), deletes its
// metadata directory, and best-effort removes now-empty ancestor
// directories up to (but not including) the mountpoint.
func (m *Materializer) Remove(ctx context.Context, req *request.Request) error {
	target := req.TargetPath()
	if target == "" {
		return nil
	}

	full := m.fullPath(target)

	if err := unix.Unlink(full); err != nil && err != unix.ENOENT {
		return vdeverr.New(vdeverr.IOError, err)
	}

	dir := m.metadataDir(target)
	if err := os.RemoveAll(dir); err != nil {
		return vdeverr.New(vdeverr.IOError, err)
	}

	m.rmdirChain(filepath.Dir(full))
	m.rmdirChain(filepath.Dir(dir))

	return nil
}

// rmdirChain removes dir and then each ancestor, stopping at the first
// non-empty directory or at the mountpoint. Errors are swallowed: this is
// best-effort cleanup.
func (m *Materializer) rmdirChain(dir string) {
	clean := filepath.Clean(m.mountpoint)

	for {
		if dir == clean || !strings.HasPrefix(dir, clean) || dir == "." || dir == "/" {
			return
		}

		if err := os.Remove(dir); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}
