// Package subprocrunner runs the rename and command subprocesses vdev's
// action executor dispatches (and vdevd's preseed script), plus the
// persistent "daemonlet" subprocess protocol (spec.md §4.5). Its shape is
// adapted from the teacher's shared/subprocess package (NewProcess/Start/
// Stop/Wait/Signal/Restart), generalized into three entry points instead of
// a saved/restored service handle.
package subprocrunner

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"

	"github.com/jcnelson/vdev/internal/vdeverr"
)

// MaxCaptureBytes bounds how much stdout a rename command's output may
// produce, per spec.md §4.5 ("bounded at PATH_MAX + 1").
const MaxCaptureBytes = 4097

// RunCaptured runs command through /bin/sh -c, with env as its complete
// environment, and returns the first line of its stdout (without the
// newline). A non-zero exit is reported
// as SubprocessFailed; output beyond MaxCaptureBytes is reported as
// Truncated.
func RunCaptured(ctx context.Context, command string, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = env

	var out bytes.Buffer
	limited := &limitWriter{limit: MaxCaptureBytes, w: &out}
	cmd.Stdout = limited

	err := cmd.Run()
	if limited.exceeded {
		return "", vdeverr.Newf(vdeverr.Truncated, "command %q exceeded %d bytes of output", command, MaxCaptureBytes)
	}

	if err != nil {
		return "", vdeverr.New(vdeverr.SubprocessFailed, errors.Wrapf(err, "command %q", command))
	}

	return firstLine(out.Bytes()), nil
}

func firstLine(b []byte) string {
	s := string(bytes.TrimRight(b, "\n"))
	if idx := bytes.IndexByte([]byte(s), '\n'); idx >= 0 {
		s = s[:idx]
	}

	return s
}

type limitWriter struct {
	limit    int
	written  int
	exceeded bool
	w        io.Writer
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.written+len(p) > l.limit {
		l.exceeded = true
		return len(p), nil
	}

	n, err := l.w.Write(p)
	l.written += n
	return n, err
}

// RunSync runs command through /bin/sh -c with env as its environment and
// waits for completion. Its exit status is returned but never treated as a
// Go error by the caller beyond logging, per spec.md §4.5's "non-zero exit:
// log and continue".
func RunSync(ctx context.Context, command string, env []string) (exitCode int, err error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = env

	err = cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, vdeverr.New(vdeverr.SubprocessFailed, errors.Wrapf(err, "command %q", command))
}

// RunAsync forks a detached child that clears its environment, rebuilds it
// from env, and execs /bin/sh -c command. It does not wait for the child;
// a background goroutine reaps it so it never becomes a zombie.
func RunAsync(command string, env []string) error {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return vdeverr.New(vdeverr.SubprocessFailed, errors.Wrapf(err, "command %q", command))
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// Daemonlet is a long-lived subprocess holding open stdin/stdout pipes: per
// dispatch, vdev writes the request environment as newline-terminated
// KEY=VALUE lines followed by a blank line, and reads one
// line of exit status back. If the child has died it is respawned.
type Daemonlet struct {
	command string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	reader   *bufio.Reader
	restarts int
	// done is closed by the reaper goroutine once the current cmd's Wait()
	// returns. It is swapped out on every respawn.
	done atomic.Pointer[chan struct{}]
}

// NewDaemonlet creates a daemonlet bound to command. The child is not
// started until the first Dispatch.
func NewDaemonlet(command string) *Daemonlet {
	return &Daemonlet{command: command}
}

// Restarts returns the number of times the daemonlet's child was found dead
// and respawned.
func (d *Daemonlet) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.restarts
}

// PID returns the daemonlet's current child PID, or 0 if it is not running.
func (d *Daemonlet) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}

	return d.cmd.Process.Pid
}

// alive reports whether the current child is still running. Signal(0) alone
// cannot tell a live process from an unreaped zombie, so a reaper goroutine
// started alongside the child (see ensureStarted) is what actually closes
// done once Wait() returns.
func (d *Daemonlet) alive() bool {
	if d.cmd == nil || d.cmd.Process == nil {
		return false
	}

	done := d.done.Load()
	if done == nil {
		return false
	}

	select {
	case <-*done:
		return false
	default:
		return true
	}
}

func (d *Daemonlet) ensureStarted() error {
	if d.alive() {
		return nil
	}

	if d.cmd != nil {
		d.restarts++
	}

	cmd := exec.Command("/bin/sh", "-c", d.command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return vdeverr.New(vdeverr.SubprocessFailed, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return vdeverr.New(vdeverr.SubprocessFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return vdeverr.New(vdeverr.SubprocessFailed, errors.Wrapf(err, "daemonlet %q", d.command))
	}

	d.cmd = cmd
	d.stdin = stdin
	d.reader = bufio.NewReader(stdout)

	done := make(chan struct{})
	d.done.Store(&done)

	go func(c *exec.Cmd, done chan struct{}) {
		_ = c.Wait()
		close(done)
	}(cmd, done)

	return nil
}

// Dispatch writes env as the request block, then reads one line of exit
// status. Respawns the child first if it had died.
func (d *Daemonlet) Dispatch(env []string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, kv := range env {
		buf.WriteString(kv)
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')

	if _, err := d.stdin.Write(buf.Bytes()); err != nil {
		return "", vdeverr.New(vdeverr.SubprocessFailed, errors.Wrap(err, "writing daemonlet request"))
	}

	line, err := d.reader.ReadString('\n')
	if err != nil {
		return "", vdeverr.New(vdeverr.SubprocessFailed, errors.Wrap(err, "reading daemonlet status"))
	}

	return string(bytes.TrimRight([]byte(line), "\n")), nil
}

// Shutdown signals the daemonlet and reaps it, if it is running.
func (d *Daemonlet) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil || d.cmd.Process == nil {
		return
	}

	_ = d.cmd.Process.Signal(syscall.SIGTERM)

	if done := d.done.Load(); done != nil {
		<-*done
	}

	d.cmd = nil
}
