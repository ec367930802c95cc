package storageops

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLVBytes(t *testing.T) {
	n, err := parseLVBytes("  10737418240  \n")
	require.NoError(t, err)
	require.Equal(t, uint64(10737418240), n)
}

func TestParseLVBytesInvalid(t *testing.T) {
	_, err := parseLVBytes("not-a-number")
	require.Error(t, err)
}
