package daemonstate

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// quiesceEnv is the environment variable a re-exec'd child sets to signal
// it is the forked daemon half of the handshake, carrying the write end of
// the coldplug-flush pipe as an inherited fd.
const quiesceEnv = "VDEV_QUIESCE_FD"

// Daemonize implements spec.md §4.9's non-foreground startup: it opens a
// pipe, forks by re-executing the current binary with the same argv plus
// an inherited pipe fd, and blocks waiting for the child to report either
// "coldplug flushed" (a single byte 0) or a startup failure (a single byte
// != 0, interpreted as an exit code). The child half, recognizing
// quiesceEnv in its own environment, returns the write fd to the caller via
// QuiesceWriter so it can report back after Main's initial flush.
//
// Re-exec (rather than a bare fork(2), which Go's runtime does not support
// safely alongside goroutines) mirrors the pattern the teacher's own
// daemon/lxd-agent startup code uses for privilege-dropping re-exec.
func Daemonize() (exitCode int, isChild bool, quiesce *QuiesceWriter, err error) {
	if fdStr := os.Getenv(quiesceEnv); fdStr != "" {
		var fd int
		if _, scanErr := fmt.Sscanf(fdStr, "%d", &fd); scanErr != nil {
			return 1, true, nil, fmt.Errorf("malformed %s: %w", quiesceEnv, scanErr)
		}

		return 0, true, &QuiesceWriter{f: os.NewFile(uintptr(fd), "vdev-quiesce")}, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return 1, false, nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		return 1, false, nil, err
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", quiesceEnv, 3))
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if startErr := cmd.Start(); startErr != nil {
		w.Close()
		r.Close()
		return 3, false, nil, startErr
	}

	w.Close()

	status := make([]byte, 1)
	reader := bufio.NewReader(r)

	n, readErr := reader.Read(status)
	r.Close()

	if readErr != nil || n == 0 {
		// Child died or closed the pipe without reporting: reap it and
		// surface a generic start failure.
		_ = cmd.Wait()
		return 6, false, nil, fmt.Errorf("child closed coldplug handshake pipe without reporting")
	}

	_ = cmd.Process.Release()

	return int(status[0]), false, nil, nil
}

// QuiesceWriter is the child's end of the coldplug-flush handshake pipe.
type QuiesceWriter struct {
	f *os.File
}

// ReportReady tells the parent that coldplug has flushed (code 0) or that
// startup failed with the given exit code, then closes the pipe.
func (q *QuiesceWriter) ReportReady(code int) error {
	if q == nil || q.f == nil {
		return nil
	}

	defer q.f.Close()

	_, err := q.f.Write([]byte{byte(code)})

	return err
}
