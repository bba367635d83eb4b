package acl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/jcnelson/vdev/internal/vdeverr"
)

// ProcSnapshot captures the caller's process identity at the moment of a
// stat/readdir call, so the ACL decision it feeds is reproducible even if
// the process has since exited or exec'd something else.
type ProcSnapshot struct {
	PID, UID, GID int
	BinaryPath    string
	Inode         uint64

	sha256      string
	sha256Valid bool
}

// Snapshot resolves the caller's binary path and inode from /proc. The
// sha256 of the binary is computed lazily, only if an ACL rule actually
// asks for it.
func Snapshot(pid, uid, gid int) (*ProcSnapshot, error) {
	exe := fmt.Sprintf("/proc/%d/exe", pid)

	resolved, err := os.Readlink(exe)
	if err != nil {
		return nil, vdeverr.New(vdeverr.NotFound, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, vdeverr.New(vdeverr.NotFound, err)
	}

	inode, _ := inodeOf(info)

	return &ProcSnapshot{
		PID:        pid,
		UID:        uid,
		GID:        gid,
		BinaryPath: resolved,
		Inode:      inode,
	}, nil
}

// SHA256 returns the lowercase hex SHA-256 of the caller's binary,
// computing it on first use.
func (p *ProcSnapshot) SHA256() (string, error) {
	if p.sha256Valid {
		return p.sha256, nil
	}

	f, err := os.Open(p.BinaryPath)
	if err != nil {
		return "", vdeverr.New(vdeverr.NotFound, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", vdeverr.New(vdeverr.IOError, err)
	}

	p.sha256 = hex.EncodeToString(h.Sum(nil))
	p.sha256Valid = true

	return p.sha256, nil
}
