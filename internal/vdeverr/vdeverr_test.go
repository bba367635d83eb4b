package vdeverr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jcnelson/vdev/internal/vdeverr"
)

func TestNew_WrapsCauseAndKind(t *testing.T) {
	cause := errors.New("boom")
	err := vdeverr.New(vdeverr.IOError, cause)

	require.ErrorIs(t, err, cause)
	require.True(t, vdeverr.Is(err, vdeverr.IOError))
	require.False(t, vdeverr.Is(err, vdeverr.ParseError))
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := vdeverr.Newf(vdeverr.BadRule, "rule %q at %d", "foo", 3)
	require.Contains(t, err.Error(), `rule "foo" at 3`)
}

func TestOf_ReturnsKind(t *testing.T) {
	err := vdeverr.New(vdeverr.NotFound, errors.New("missing"))

	kind, ok := vdeverr.Of(err)
	require.True(t, ok)
	require.Equal(t, vdeverr.NotFound, kind)
}

func TestOf_FalseForPlainError(t *testing.T) {
	_, ok := vdeverr.Of(errors.New("plain"))
	require.False(t, ok)
}

func TestIs_FalseForPlainError(t *testing.T) {
	require.False(t, vdeverr.Is(errors.New("plain"), vdeverr.IOError))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "parse-error", vdeverr.ParseError.String())
	require.Equal(t, "not-found", vdeverr.NotFound.String())
}
