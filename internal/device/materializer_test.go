package device_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/device"
	"github.com/jcnelson/vdev/internal/request"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testConfig sets QuirkDeviceNodeExists so Materialize never calls mknod(2),
// letting these tests run unprivileged while still exercising metadata
// writing and the directory layout.
func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Mountpoint: t.TempDir(),
		Quirks:     config.QuirkDeviceNodeExists,
	}
}

func TestMaterialize_SkipsEmptyOrUnknownPath(t *testing.T) {
	m := device.New(testLogger(), testConfig(t))

	req := request.New(request.Add, request.UnknownPath)
	require.NoError(t, m.Materialize(context.Background(), req))

	req2 := &request.Request{Kind: request.Add}
	require.NoError(t, m.Materialize(context.Background(), req2))
}

func TestMaterialize_SkipsZeroDevNumber(t *testing.T) {
	cfg := testConfig(t)
	m := device.New(testLogger(), cfg)

	req := request.New(request.Add, "/null")
	require.NoError(t, m.Materialize(context.Background(), req))

	_, err := os.Stat(filepath.Join(cfg.Mountpoint, "metadata", "null"))
	require.True(t, os.IsNotExist(err))
}

func TestMaterialize_WritesMetadataTree(t *testing.T) {
	cfg := testConfig(t)
	m := device.New(testLogger(), cfg)

	req := request.New(request.Add, "/null")
	req.SetDev(1, 3)
	req.SetMode(request.DevChar)
	require.NoError(t, req.AddParam("SUBSYSTEM", "mem"))

	require.NoError(t, m.Materialize(context.Background(), req))

	metaDir := filepath.Join(cfg.Mountpoint, "metadata", "null")

	contents, err := os.ReadFile(filepath.Join(metaDir, "SUBSYSTEM"))
	require.NoError(t, err)
	require.Equal(t, "mem\n", string(contents))

	nonce, err := os.ReadFile(filepath.Join(metaDir, ".vdev_instance_nonce"))
	require.NoError(t, err)
	require.Equal(t, cfg.NonceHex()+"\n", string(nonce))
}

func TestMaterialize_SkipsMknodUnderDevtmpfsQuirk(t *testing.T) {
	cfg := testConfig(t)
	m := device.New(testLogger(), cfg)

	req := request.New(request.Add, "/null")
	req.SetDev(1, 3)
	req.SetMode(request.DevChar)

	require.NoError(t, m.Materialize(context.Background(), req))

	_, err := os.Stat(filepath.Join(cfg.Mountpoint, "null"))
	require.True(t, os.IsNotExist(err), "node should not be created when the quirk is set")
}

func TestRemove_IsIdempotentOnMissingNode(t *testing.T) {
	cfg := testConfig(t)
	m := device.New(testLogger(), cfg)

	req := request.New(request.Remove, "/never-existed")
	require.NoError(t, m.Remove(context.Background(), req))
}

func TestRemove_DeletesMetadataAndEmptyAncestors(t *testing.T) {
	cfg := testConfig(t)
	m := device.New(testLogger(), cfg)

	req := request.New(request.Add, "/usb/sda1")
	req.SetDev(8, 1)
	req.SetMode(request.DevBlock)
	require.NoError(t, m.Materialize(context.Background(), req))

	metaDir := filepath.Join(cfg.Mountpoint, "metadata", "usb", "sda1")
	_, err := os.Stat(metaDir)
	require.NoError(t, err)

	removeReq := request.New(request.Remove, "/usb/sda1")
	require.NoError(t, m.Remove(context.Background(), removeReq))

	_, err = os.Stat(metaDir)
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(cfg.Mountpoint, "metadata", "usb"))
	require.True(t, os.IsNotExist(err), "now-empty ancestor directory should be removed")
}
