package rules_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/rules"
)

func TestDecodeHelperVars(t *testing.T) {
	a := &rules.ActionRule{
		VarParams: []request.KV{
			{Key: "name", Value: "usb-storage"},
			{Key: "description", Value: "USB mass storage helper"},
			{Key: "default", Value: "0"},
			{Key: "unknown", Value: "ignored"},
		},
	}

	hv, err := a.DecodeHelperVars()
	require.NoError(t, err)
	require.Equal(t, "usb-storage", hv.Name)
	require.Equal(t, "USB mass storage helper", hv.Description)
	require.Equal(t, "0", hv.Default)
}

func TestDecodeHelperVars_Empty(t *testing.T) {
	a := &rules.ActionRule{}

	hv, err := a.DecodeHelperVars()
	require.NoError(t, err)
	require.Equal(t, "", hv.Name)
}
