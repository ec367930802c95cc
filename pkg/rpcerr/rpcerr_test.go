package rpcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapNilIsOK(t *testing.T) {
	env := Wrap(nil)
	require.Equal(t, KindOK.Code, env.Status.Code)
}

func TestWrapRegisteredKind(t *testing.T) {
	errBoom := errors.New("boom")
	Register(errBoom, KindMergeErr)

	env := Wrap(errBoom)
	require.Equal(t, KindMergeErr.Code, env.Status.Code)

	wrapped := errors.Join(errBoom, errors.New("context"))
	env = Wrap(wrapped)
	require.Equal(t, KindMergeErr.Code, env.Status.Code)
}

func TestWrapUnregisteredFallsBackToUnexpected(t *testing.T) {
	env := Wrap(errors.New("totally unknown"))
	require.Equal(t, KindUnexpected.Code, env.Status.Code)
}
