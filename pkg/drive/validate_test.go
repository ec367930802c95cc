package drive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsSGIOOnNonLUN(t *testing.T) {
	_, err := New(Config{
		Device: DeviceDisk, Iface: IfaceVirtio,
		DiskType: DiskTypeBlock, Format: FormatCow,
		SGIO: SGIOUnfiltered,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRequiresNetworkHosts(t *testing.T) {
	_, err := New(Config{
		Device: DeviceDisk, Iface: IfaceVirtio,
		DiskType: DiskTypeNetwork, Format: FormatCow,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsConflictingIOTune(t *testing.T) {
	_, err := New(Config{
		Device: DeviceDisk, Iface: IfaceVirtio,
		DiskType: DiskTypeBlock, Format: FormatCow,
		IOTune: IOTune{Limits: IOTuneLimits{TotalBytesSec: 100, ReadBytesSec: 50}},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	_, err := New(Config{
		Device: DeviceDisk, Iface: IfaceVirtio,
		DiskType: DiskTypeBlock, Format: FormatCow,
	})
	require.NoError(t, err)
}
