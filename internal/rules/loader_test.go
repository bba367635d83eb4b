package rules_test

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/rules"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	return path
}

func TestLoadACLRules_ParsesFieldsInOrder(t *testing.T) {
	dir := t.TempDir()

	me, err := user.Current()
	require.NoError(t, err)

	writeFile(t, dir, "10-self.acl", fmt.Sprintf(`[acl]
uid = %s
setuid = %s
setmode = 0640
devices = ^/sd[a-z]$
devices = ^/null$
`, me.Uid, me.Uid))

	aclRules, err := rules.LoadACLRules(dir)
	require.NoError(t, err)
	require.Len(t, aclRules, 1)

	r := aclRules[0]
	require.NotNil(t, r.MatchUID)
	require.Equal(t, me.Uid, fmt.Sprintf("%d", *r.MatchUID))
	require.NotNil(t, r.SetMode)
	require.Equal(t, uint32(0640), *r.SetMode)
	require.Len(t, r.Devices, 2)
	require.True(t, r.MatchesAnyPath("/sda"))
	require.True(t, r.MatchesAnyPath("/null"))
	require.False(t, r.MatchesAnyPath("/tty0"))
}

func TestLoadACLRules_RejectsUnknownUID(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-bad.acl", `[acl]
uid = 2147483000
`)

	_, err := rules.LoadACLRules(dir)
	require.Error(t, err)
}

func TestLoadACLRules_RejectsRepeatedScalarField(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-dup.acl", `[acl]
bin = /usr/bin/a
bin = /usr/bin/b
`)

	_, err := rules.LoadACLRules(dir)
	require.Error(t, err)
}

func TestLoadACLRules_SkipsFilesWithoutACLSection(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-other.conf", `[vdev-action]
command = /bin/true
`)

	aclRules, err := rules.LoadACLRules(dir)
	require.NoError(t, err)
	require.Empty(t, aclRules)
}

func TestLoadActionRules_ParsesParamsAndDefaults(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-usb.action", `[vdev-action]
event = add
path = ^/sd[a-z]$
type = block
command = /bin/echo hi
async = true
OS_SUBSYSTEM = block
VAR_name = usb-storage
`)

	actionRules, err := rules.LoadActionRules(dir)
	require.NoError(t, err)
	require.Len(t, actionRules, 1)

	a := actionRules[0]
	require.Equal(t, request.Add, a.Trigger)
	require.True(t, a.HasType)
	require.Equal(t, request.DevBlock, a.Type)
	require.True(t, a.Async)
	require.Equal(t, rules.IfExistsError, a.IfExists)
	require.Equal(t, []request.KV{{Key: "SUBSYSTEM", Value: "block"}}, a.OSParams)
	require.Equal(t, []request.KV{{Key: "name", Value: "usb-storage"}}, a.VarParams)

	req := request.New(request.Add, "/sda")
	req.SetMode(request.DevBlock)
	require.NoError(t, req.AddParam("SUBSYSTEM", "block"))
	require.True(t, a.Matches(req))
}

func TestLoadActionRules_DefaultsEventToAny(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-any.action", `[vdev-action]
command = /bin/true
`)

	actionRules, err := rules.LoadActionRules(dir)
	require.NoError(t, err)
	require.Len(t, actionRules, 1)
	require.Equal(t, request.Any, actionRules[0].Trigger)
}

func TestLoadActionRules_DetectsDaemonletHelper(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-daemon.action", `[vdev-action]
command = /bin/true
helper = daemonlet
`)

	actionRules, err := rules.LoadActionRules(dir)
	require.NoError(t, err)
	require.True(t, actionRules[0].IsDaemonlet)
}

func TestLoadActionRules_RejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-nocmd.action", `[vdev-action]
event = add
`)

	_, err := rules.LoadActionRules(dir)
	require.Error(t, err)
}

func TestLoadActionRules_RejectsUnrecognizedIfExists(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "10-badpolicy.action", `[vdev-action]
command = /bin/true
if_exists = explode
`)

	_, err := rules.LoadActionRules(dir)
	require.Error(t, err)
}
