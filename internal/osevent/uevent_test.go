package osevent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/request"
)

func rawUevent(action, devpath string, kvs ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(action)
	buf.WriteByte('@')
	buf.WriteString(devpath)
	buf.WriteByte(0)

	for _, kv := range kvs {
		buf.WriteString(kv)
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func TestParseUevent_PrefersDevnameOverDevpath(t *testing.T) {
	msg := rawUevent("add", "/devices/pci0000:00/.../block/sda",
		"ACTION=add",
		"DEVPATH=/devices/pci0000:00/.../block/sda",
		"DEVNAME=sda",
		"MAJOR=8",
		"MINOR=0",
		"DEVTYPE=disk",
		"SUBSYSTEM=block",
	)

	req, err := parseUevent(msg)
	require.NoError(t, err)
	require.NotNil(t, req)

	require.Equal(t, request.Add, req.Kind)
	require.Equal(t, "/sda", req.Path)
	require.Equal(t, 8, req.Major)
	require.Equal(t, 0, req.Minor)
	require.Equal(t, request.DevBlock, req.DevType)

	subsystem, ok := req.Param("SUBSYSTEM")
	require.True(t, ok)
	require.Equal(t, "block", subsystem)

	devpath, ok := req.Param("DEVPATH")
	require.True(t, ok)
	require.Equal(t, "/devices/pci0000:00/.../block/sda", devpath)
}

func TestParseUevent_FallsBackToDevpathWithoutDevname(t *testing.T) {
	msg := rawUevent("add", "/devices/virtual/misc/rfkill",
		"ACTION=add",
	)

	req, err := parseUevent(msg)
	require.NoError(t, err)
	require.Equal(t, "/devices/virtual/misc/rfkill", req.Path)
}

func TestParseUevent_InfersCharWhenDevTypeAbsentButDevNumberPresent(t *testing.T) {
	msg := rawUevent("add", "/devices/virtual/mem/null",
		"ACTION=add",
		"DEVNAME=null",
		"MAJOR=1",
		"MINOR=3",
	)

	req, err := parseUevent(msg)
	require.NoError(t, err)
	require.Equal(t, request.DevChar, req.DevType)
}

func TestParseUevent_DerivesDevTypeFromSubsystemNotDevtype(t *testing.T) {
	// DEVTYPE says "disk" but SUBSYSTEM disagrees (and is what spec.md
	// §4.3 actually keys device-type derivation off of); SUBSYSTEM must
	// win, and DEVTYPE should still surface as a plain OS parameter.
	msg := rawUevent("add", "/devices/virtual/misc/loop-control",
		"ACTION=add",
		"DEVNAME=loop-control",
		"DEVTYPE=disk",
		"SUBSYSTEM=misc",
	)

	req, err := parseUevent(msg)
	require.NoError(t, err)
	require.Equal(t, request.DevChar, req.DevType)

	devtype, ok := req.Param("DEVTYPE")
	require.True(t, ok)
	require.Equal(t, "disk", devtype)
}

func TestParseUevent_BlockSubsystemSetsDevTypeWithoutDevtypeKey(t *testing.T) {
	msg := rawUevent("add", "/devices/virtual/block/loop0",
		"ACTION=add",
		"DEVNAME=loop0",
		"SUBSYSTEM=block",
	)

	req, err := parseUevent(msg)
	require.NoError(t, err)
	require.Equal(t, request.DevBlock, req.DevType)
}

func TestParseUevent_RejectsLibudevTaggedMessages(t *testing.T) {
	msg := append([]byte("libudev\x00"), rawUevent("add", "/devices/x")...)

	req, err := parseUevent(msg)
	require.NoError(t, err)
	require.Nil(t, req)
}

func TestParseUevent_NoDevpathYieldsNilRequest(t *testing.T) {
	req, err := parseUevent([]byte("not-a-header\x00ACTION=add\x00"))
	require.NoError(t, err)
	require.Nil(t, req)
}

func TestParseUevent_UnrecognizedActionErrors(t *testing.T) {
	msg := rawUevent("frobnicate", "/devices/x")

	_, err := parseUevent(msg)
	require.Error(t, err)
}
