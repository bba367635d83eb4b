// Package filterfs is the ACL filter front end (spec.md §4.8): it serves
// stat and readdir over the managed directory, consulting the ACL evaluator
// (internal/acl) for every entry and hiding or rewriting what the caller
// sees. Node/attribute construction is adapted from other_examples'
// jra3-linear-fuse tree (internal/fs/root.go), the pack's only complete
// go-fuse reference, generalized from a synthetic API tree into a
// passthrough-plus-filter tree over a real backing directory.
package filterfs

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/jcnelson/vdev/internal/acl"
	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/rules"
)

// Root is the shared, read-only state every Node in the tree consults:
// the backing directory vdevd actually writes device nodes into, the
// loaded ACL rule list, and the evaluator that applies them.
type Root struct {
	Backing string
	Config  *config.Config
	Rules   []*rules.ACLRule
	Eval    *acl.Evaluator
	Log     *logrus.Logger

	hideDecisions uint64
}

// HideCount returns the number of entries hidden since startup, for the
// metrics endpoint.
func (r *Root) HideCount() uint64 { return atomic.LoadUint64(&r.hideDecisions) }

// Node is one entry in the filtered tree, identified by its path relative
// to Root.Backing (always slash-rooted, e.g. "/", "/input/event3").
type Node struct {
	fs.Inode

	root *Root
	rel  string
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
)

// NewRootNode constructs the inode embedder passed to fs.Mount/fs.NewNodeFS.
func NewRootNode(root *Root) fs.InodeEmbedder {
	return &Node{root: root, rel: "/"}
}

func (n *Node) backingPath() string {
	return filepath.Join(n.root.Backing, n.rel)
}

// callerFromContext extracts the FUSE caller's pid/uid/gid.
func callerFromContext(ctx context.Context) (pid, uid, gid uint32, ok bool) {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return 0, 0, 0, false
	}

	return caller.Pid, caller.Uid, caller.Gid, true
}

// statToAttrs builds the ACL evaluator's input attrs from a raw lstat.
func statToAttrs(st *syscall.Stat_t) acl.StatAttrs {
	return acl.StatAttrs{
		Mode: uint32(st.Mode) & 0777,
		UID:  st.Uid,
		GID:  st.Gid,
	}
}

// evaluate runs the ACL engine for rel against the calling process found in
// ctx, starting from the real on-disk attributes of rel. It returns
// (attrs, true) if the caller may see the entry, (_, false) if it must be
// hidden, or an error if evaluation itself failed (mapped to EIO by the
// caller per spec.md §7).
func (n *Node) evaluate(ctx context.Context, rel string) (acl.StatAttrs, *syscall.Stat_t, bool, error) {
	var st syscall.Stat_t
	if err := syscall.Lstat(filepath.Join(n.root.Backing, rel), &st); err != nil {
		return acl.StatAttrs{}, nil, false, err
	}

	pid, uid, gid, ok := callerFromContext(ctx)
	if !ok {
		// No caller context (e.g. a unit test invoking the node
		// directly): treat as the process's own identity.
		pid = uint32(os.Getpid())
		uid = uint32(os.Getuid())
		gid = uint32(os.Getgid())
	}

	proc, err := acl.Snapshot(int(pid), int(uid), int(gid))
	if err != nil {
		return acl.StatAttrs{}, nil, false, err
	}

	attrs := statToAttrs(&st)

	visible, err := n.root.Eval.Evaluate(ctx, n.root.Rules, rel, proc, uid, gid, &attrs)
	if err != nil {
		return acl.StatAttrs{}, nil, false, err
	}

	if !visible || attrs.Mode&0777 == 0 {
		atomic.AddUint64(&n.root.hideDecisions, 1)
		return acl.StatAttrs{}, &st, false, nil
	}

	return attrs, &st, true, nil
}

// Getattr implements spec.md §4.8's stat(path): apply the ACL engine to the
// real attributes; ENOENT if hidden, else the rewritten attributes.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attrs, st, visible, err := n.evaluate(ctx, n.rel)
	if err != nil {
		n.root.Log.WithError(err).WithField("path", n.rel).Warn("acl evaluation failed")
		return syscall.EIO
	}

	if !visible {
		return syscall.ENOENT
	}

	out.Mode = (st.Mode &^ 0777) | attrs.Mode
	out.Uid = attrs.UID
	out.Gid = attrs.GID
	out.Size = uint64(st.Size)
	out.Rdev = uint32(st.Rdev)
	now := time.Now()
	out.SetTimes(&now, &now, &now)

	return 0
}

// Lookup resolves name under n, returning ENOENT both for entries that do
// not exist on disk and for entries the ACL engine hides.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childRel := filepath.Join(n.rel, name)
	// Internal bookkeeping directory; never exposed through the filter.
	if n.rel == "/" && name == "metadata" {
		return nil, syscall.ENOENT
	}

	attrs, st, visible, err := n.evaluate(ctx, childRel)
	if err != nil {
		return nil, syscall.EIO
	}

	if !visible {
		return nil, syscall.ENOENT
	}

	out.Attr.Mode = (st.Mode &^ 0777) | attrs.Mode
	out.Attr.Uid = attrs.UID
	out.Attr.Gid = attrs.GID
	out.Attr.Size = uint64(st.Size)
	out.Attr.Rdev = uint32(st.Rdev)

	child := &Node{root: n.root, rel: childRel}
	stable := fs.StableAttr{Mode: st.Mode &^ 0777}

	return n.NewInode(ctx, child, stable), 0
}

// Readdir enumerates the backing directory, dropping "." / ".." and
// whatever the ACL engine decides to hide.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	real := n.backingPath()

	f, err := os.Open(real)
	if err != nil {
		return nil, syscall.EIO
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, syscall.EIO
	}

	var entries []fuse.DirEntry

	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}

		if n.rel == "/" && name == "metadata" {
			continue
		}

		childRel := filepath.Join(n.rel, name)

		attrs, st, visible, err := n.evaluate(ctx, childRel)
		if err != nil {
			n.root.Log.WithError(err).WithField("path", childRel).Warn("acl evaluation failed during readdir")
			continue
		}

		if !visible {
			continue
		}

		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: (st.Mode &^ 0777) | attrs.Mode,
			Ino:  st.Ino,
		})
	}

	return fs.NewListDirStream(entries), 0
}

// Open passes reads through to the backing file, for device nodes that are
// also regular/character files an operator wants to cat through the
// filtered view (e.g. while the real kernel device driver is absent, as in
// tests).
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f, err := os.Open(n.backingPath())
	if err != nil {
		return nil, 0, syscall.EIO
	}

	return &fileHandle{f: f}, fuse.FOPEN_DIRECT_IO, 0
}

type fileHandle struct {
	f *os.File
}

var _ fs.FileReader = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return fuse.ReadResultData(nil), 0
	}

	return fuse.ReadResultData(dest[:n]), 0
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if reader, ok := f.(fs.FileReader); ok {
		return reader.Read(ctx, dest, off)
	}

	return fuse.ReadResultData(nil), syscall.EIO
}
