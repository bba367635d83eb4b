package filterfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/acl"
	"github.com/jcnelson/vdev/internal/config"
	"github.com/jcnelson/vdev/internal/rules"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func intp(v int) *int { return &v }

func newTestRoot(t *testing.T, policy config.Policy, ruleList []*rules.ACLRule) (*Root, string) {
	t.Helper()

	backing := t.TempDir()
	cfg := &config.Config{DefaultPolicy: policy}

	root := &Root{
		Backing: backing,
		Config:  cfg,
		Rules:   ruleList,
		Eval:    acl.New(cfg),
		Log:     testLogger(),
	}

	return root, backing
}

func TestEvaluate_VisibleUnderAllowPolicy(t *testing.T) {
	root, backing := newTestRoot(t, config.PolicyAllow, nil)

	require.NoError(t, os.WriteFile(filepath.Join(backing, "null"), []byte{}, 0666))

	n := &Node{root: root, rel: "/null"}
	_, _, visible, err := n.evaluate(context.Background(), "/null")
	require.NoError(t, err)
	require.True(t, visible)
}

func TestEvaluate_HiddenUnderDenyPolicy(t *testing.T) {
	root, backing := newTestRoot(t, config.PolicyDeny, nil)

	require.NoError(t, os.WriteFile(filepath.Join(backing, "null"), []byte{}, 0666))

	n := &Node{root: root, rel: "/null"}
	_, _, visible, err := n.evaluate(context.Background(), "/null")
	require.NoError(t, err)
	require.False(t, visible)
	require.Equal(t, uint64(1), root.HideCount())
}

func TestEvaluate_RuleRewritesMode(t *testing.T) {
	setMode := uint32(0600)
	ruleList := []*rules.ACLRule{
		{MatchUID: intp(os.Getuid()), SetMode: &setMode},
	}

	root, backing := newTestRoot(t, config.PolicyDeny, ruleList)
	require.NoError(t, os.WriteFile(filepath.Join(backing, "null"), []byte{}, 0666))

	n := &Node{root: root, rel: "/null"}
	attrs, _, visible, err := n.evaluate(context.Background(), "/null")
	require.NoError(t, err)
	require.True(t, visible)
	require.Equal(t, uint32(0600), attrs.Mode)
}

func TestEvaluate_MissingFileErrors(t *testing.T) {
	root, _ := newTestRoot(t, config.PolicyAllow, nil)

	n := &Node{root: root, rel: "/nope"}
	_, _, _, err := n.evaluate(context.Background(), "/nope")
	require.Error(t, err)
}

func TestHideCount_StartsAtZero(t *testing.T) {
	root, _ := newTestRoot(t, config.PolicyAllow, nil)
	require.Equal(t, uint64(0), root.HideCount())
}
