package rules_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/request"
	"github.com/jcnelson/vdev/internal/rules"
)

func TestACLRule_MatchesAnyPath(t *testing.T) {
	// no Devices at all matches everything
	r := &rules.ACLRule{}
	require.True(t, r.MatchesAnyPath("/dev/sda"))

	r.Devices = []*regexp.Regexp{regexp.MustCompile(`^/sd[a-z]$`)}
	require.True(t, r.MatchesAnyPath("/sda"))
	require.False(t, r.MatchesAnyPath("/null"))
}

func TestACLRule_HasProcessMatch(t *testing.T) {
	r := &rules.ACLRule{}
	require.False(t, r.HasProcessMatch())

	r.Bin = "/usr/bin/udevadm"
	require.True(t, r.HasProcessMatch())
}

func TestParseIfExistsPolicy(t *testing.T) {
	p, ok := rules.ParseIfExistsPolicy("")
	require.True(t, ok)
	require.Equal(t, rules.IfExistsError, p)

	p, ok = rules.ParseIfExistsPolicy("mask")
	require.True(t, ok)
	require.Equal(t, rules.IfExistsMask, p)

	p, ok = rules.ParseIfExistsPolicy("run")
	require.True(t, ok)
	require.Equal(t, rules.IfExistsRun, p)

	_, ok = rules.ParseIfExistsPolicy("bogus")
	require.False(t, ok)
}

func TestActionRule_Matches_Trigger(t *testing.T) {
	a := &rules.ActionRule{Trigger: request.Add}

	req := request.New(request.Add, "/sda")
	require.True(t, a.Matches(req))

	req = request.New(request.Remove, "/sda")
	require.False(t, a.Matches(req))
}

func TestActionRule_Matches_TriggerAny(t *testing.T) {
	a := &rules.ActionRule{Trigger: request.Any}

	require.True(t, a.Matches(request.New(request.Add, "/sda")))
	require.True(t, a.Matches(request.New(request.Remove, "/sda")))
}

func TestActionRule_Matches_PathRegex(t *testing.T) {
	a := &rules.ActionRule{Trigger: request.Any, Path: regexp.MustCompile(`^/sd[a-z]$`)}

	require.True(t, a.Matches(request.New(request.Add, "/sda")))
	require.False(t, a.Matches(request.New(request.Add, "/null")))
}

func TestActionRule_Matches_Type(t *testing.T) {
	a := &rules.ActionRule{Trigger: request.Any, HasType: true, Type: request.DevBlock}

	req := request.New(request.Add, "/sda")
	req.SetMode(request.DevBlock)
	require.True(t, a.Matches(req))

	req = request.New(request.Add, "/null")
	req.SetMode(request.DevChar)
	require.False(t, a.Matches(req))
}

func TestActionRule_Matches_OSParams(t *testing.T) {
	a := &rules.ActionRule{
		Trigger: request.Any,
		OSParams: []request.KV{
			{Key: "SUBSYSTEM", Value: "block"},
			{Key: "ID_SERIAL", Value: ""}, // wildcard: key must merely be present
		},
	}

	req := request.New(request.Add, "/sda")
	require.NoError(t, req.AddParam("SUBSYSTEM", "block"))
	require.False(t, a.Matches(req)) // ID_SERIAL missing entirely

	require.NoError(t, req.AddParam("ID_SERIAL", "anything"))
	require.True(t, a.Matches(req))
}

func TestActionRule_RecordCallAndStats(t *testing.T) {
	a := &rules.ActionRule{}

	a.RecordCall(100)
	a.RecordCall(50)

	calls, nanos := a.Stats()
	require.Equal(t, int64(2), calls)
	require.Equal(t, int64(150), nanos)
}
