package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vdevd.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")

	c, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(0666), c.DefaultMode)
	require.Equal(t, config.PolicyDeny, c.DefaultPolicy)
	require.Equal(t, "info", c.LogLevel)
	require.Len(t, c.NonceHex(), 64)
}

func TestLoad_ParsesVdevConfigSection(t *testing.T) {
	path := writeConfig(t, `[vdev-config]
acls = /etc/vdev/acls
actions = /etc/vdev/actions
helpers = /lib/vdev/helpers
default_permissions = 0640
default_policy = allow
coldplug_only = true
loglevel = debug
`)

	c, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/etc/vdev/acls", c.ACLsDir)
	require.Equal(t, "/etc/vdev/actions", c.ActionsDir)
	require.Equal(t, "/lib/vdev/helpers", c.HelpersDir)
	require.Equal(t, uint32(0640), c.DefaultMode)
	require.Equal(t, config.PolicyAllow, c.DefaultPolicy)
	require.True(t, c.ColdplugOnly)
	require.Equal(t, "debug", c.LogLevel)
}

func TestLoad_RejectsUnrecognizedPolicy(t *testing.T) {
	path := writeConfig(t, `[vdev-config]
default_policy = maybe
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_CollectsOSParams(t *testing.T) {
	path := writeConfig(t, `[vdev-OS]
ARCH = x86_64
KERNEL = 6.1.0
`)

	c, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "x86_64", c.OSParams["ARCH"])
	require.Equal(t, "6.1.0", c.OSParams["KERNEL"])
}

func TestLoad_NonceIsFreshEveryCall(t *testing.T) {
	path := writeConfig(t, "")

	c1, err := config.Load(path)
	require.NoError(t, err)

	c2, err := config.Load(path)
	require.NoError(t, err)

	require.NotEqual(t, c1.NonceHex(), c2.NonceHex())
}

func TestHasQuirk(t *testing.T) {
	c := &config.Config{}
	require.False(t, c.HasQuirk(config.QuirkDeviceNodeExists))

	c.Quirks |= config.QuirkDeviceNodeExists
	require.True(t, c.HasQuirk(config.QuirkDeviceNodeExists))
}
