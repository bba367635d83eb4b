package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jcnelson/vdev/internal/request"
)

// GC walks the metadata tree and, for every device whose recorded instance
// nonce does not match the current process's nonce, synthesizes and
// processes a remove request. Spec.md §4.6: this runs once, after coldplug
// drains, only in once-mode, and removes devices that existed from a prior
// run but did not re-appear in this one.
func (m *Materializer) GC(ctx context.Context) error {
	root := filepath.Join(m.mountpoint, "metadata")

	entries, err := collectStaleDevices(root, m.cfg.NonceHex())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, devPath := range entries {
		req := request.New(request.Remove, devPath)

		if err := m.Remove(ctx, req); err != nil {
			m.log.WithFields(logrus.Fields{"path": devPath}).WithError(err).
				Warn("gc: failed to remove stale device")
			continue
		}

		m.log.WithFields(logrus.Fields{"path": devPath}).Info("gc: removed stale device from a prior run")
	}

	return nil
}

// collectStaleDevices finds every metadata leaf directory (one per device)
// whose nonce file does not equal currentNonce. A leaf directory is one
// that contains the nonce marker file written by writeMetadata.
func collectStaleDevices(root, currentNonce string) ([]string, error) {
	var stale []string

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if d.Name() != "."+metadataNonceFile {
			return nil
		}

		contents, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}

		nonce := strings.TrimSpace(string(contents))
		if nonce == currentNonce {
			return nil
		}

		devDir := filepath.Dir(path)
		rel, relErr := filepath.Rel(root, devDir)
		if relErr != nil {
			return nil
		}

		stale = append(stale, "/"+filepath.ToSlash(rel))

		return nil
	})

	return stale, err
}
