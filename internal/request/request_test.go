package request_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/vdeverr"
)

func TestNew_AssignsIDAndPath(t *testing.T) {
	req := request.New(request.Add, "/null")

	require.NotEqual(t, uuid.Nil, req.ID)
	require.NotEqual(t, request.UnknownPath, req.Path)
	require.Equal(t, "/null", req.Path)
	require.Equal(t, request.Add, req.Kind)
}

func TestTargetPath_PrefersRenamed(t *testing.T) {
	req := request.New(request.Add, "/null")
	require.Equal(t, "/null", req.TargetPath())

	req.Renamed = "/dev/null"
	require.Equal(t, "/dev/null", req.TargetPath())
}

func TestAddParam_RejectsDuplicateKey(t *testing.T) {
	req := request.New(request.Add, "/sda")

	require.NoError(t, req.AddParam("SUBSYSTEM", "block"))

	err := req.AddParam("SUBSYSTEM", "block")
	require.Error(t, err)
	require.True(t, vdeverr.Is(err, vdeverr.AlreadyExists))
}

func TestParams_PreservesInsertionOrder(t *testing.T) {
	req := request.New(request.Add, "/sda")

	require.NoError(t, req.AddParam("B", "2"))
	require.NoError(t, req.AddParam("A", "1"))
	require.NoError(t, req.AddParam("C", "3"))

	kvs := req.Params()
	require.Equal(t, []request.KV{{Key: "B", Value: "2"}, {Key: "A", Value: "1"}, {Key: "C", Value: "3"}}, kvs)
}

func TestToEnv_OrderAndContent(t *testing.T) {
	req := request.New(request.Add, "/null")
	req.SetDev(1, 3)
	req.SetMode(request.DevChar)
	require.NoError(t, req.AddParam("SUBSYSTEM", "mem"))

	env := req.ToEnv("/dev", "/lib/vdev/helpers")

	require.Equal(t, []string{
		"VDEV_MOUNTPOINT=/dev",
		"VDEV_ACTION=add",
		"VDEV_PATH=/null",
		"VDEV_MAJOR=1",
		"VDEV_MINOR=3",
		"VDEV_MODE=char",
		"VDEV_HELPERS=/lib/vdev/helpers",
		"VDEV_OS_SUBSYSTEM=mem",
	}, env)
}

func TestToEnv_RendersChangeActionAsAny(t *testing.T) {
	req := request.New(request.Change, "/null")

	env := req.ToEnv("/dev", "/lib/vdev/helpers")

	require.Contains(t, env, "VDEV_ACTION=any")
}

func TestValidate_RejectsInvalidKindOrEmptyPath(t *testing.T) {
	req := &request.Request{}
	require.Error(t, req.Validate())

	req = request.New(request.Add, "")
	require.Error(t, req.Validate())

	req = request.New(request.Add, "/null")
	require.NoError(t, req.Validate())
}

func TestParseKind(t *testing.T) {
	k, err := request.ParseKind("add")
	require.NoError(t, err)
	require.Equal(t, request.Add, k)

	_, err = request.ParseKind("bogus")
	require.Error(t, err)
}
