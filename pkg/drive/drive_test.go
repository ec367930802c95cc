package drive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const giB = 1024 * 1024 * 1024

func newTestDrive(t *testing.T, cfg Config) *Drive {
	t.Helper()
	if cfg.Device == "" {
		cfg.Device = DeviceDisk
	}
	if cfg.Iface == "" {
		cfg.Iface = IfaceVirtio
	}
	if cfg.DiskType == "" {
		cfg.DiskType = DiskTypeBlock
	}
	if cfg.Format == "" {
		cfg.Format = FormatCow
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestWatermarkAndArmValue(t *testing.T) {
	d := newTestDrive(t, Config{
		ChunkSize:   2.5 * giB,
		FreePercent: 80,
	})

	require.Equal(t, uint64(2*giB), d.WatermarkLimit())
	require.Equal(t, uint64(3*giB), d.ArmValue(5*giB))
}

func TestGetNextVolumeSize(t *testing.T) {
	d := newTestDrive(t, Config{
		ChunkSize:   2.5 * giB,
		FreePercent: 80,
	})

	got := d.GetNextVolumeSize(5*giB, 10*giB)
	require.Equal(t, uint64(7680*1024*1024), got)
}

func TestGetMaxVolumeSize(t *testing.T) {
	d := newTestDrive(t, Config{ChunkSize: 2.5 * giB, FreePercent: 80})
	got := d.GetMaxVolumeSize(10 * giB)
	require.Equal(t, roundUpMiB(10*giB*COWOverhead), got)
}

func TestGetNextVolumeSizeClampsToMax(t *testing.T) {
	d := newTestDrive(t, Config{ChunkSize: 2.5 * giB, FreePercent: 80})
	max := d.GetMaxVolumeSize(10 * giB)
	got := d.GetNextVolumeSize(max, 10*giB)
	require.Equal(t, max, got)
}

func TestWatermarkDoublesWhileReplicating(t *testing.T) {
	d := newTestDrive(t, Config{
		DiskType:    DiskTypeFile,
		Format:      FormatCow,
		ChunkSize:   2.5 * giB,
		FreePercent: 80,
		DiskReplicate: &Config{
			DiskType:    DiskTypeBlock,
			Format:      FormatCow,
			ChunkSize:   2.5 * giB,
			FreePercent: 80,
		},
	})
	require.Equal(t, uint64(4*giB), d.WatermarkLimit())
}

func TestOnBlockThresholdIdempotence(t *testing.T) {
	d := newTestDrive(t, Config{Path: "/dev/vg/lv1", ChunkSize: giB, FreePercent: 50})
	d.ThresholdState = ThresholdSet

	// A matching event transitions SET -> EXCEEDED and stamps exceeded_time.
	d.OnBlockThreshold("/dev/vg/lv1")
	require.Equal(t, ThresholdExceeded, d.ThresholdState)
	require.NotNil(t, d.ExceededTime)

	firstStamp := *d.ExceededTime
	time.Sleep(time.Millisecond)

	// A second event while already EXCEEDED is a no-op (not SET anymore).
	d.OnBlockThreshold("/dev/vg/lv1")
	require.Equal(t, ThresholdExceeded, d.ThresholdState)
	require.Equal(t, firstStamp, *d.ExceededTime)
}

func TestOnBlockThresholdIgnoresMismatchedPath(t *testing.T) {
	d := newTestDrive(t, Config{Path: "/dev/vg/lv1", ChunkSize: giB, FreePercent: 50})
	d.ThresholdState = ThresholdSet

	d.OnBlockThreshold("/dev/vg/other")
	require.Equal(t, ThresholdSet, d.ThresholdState)
	require.Nil(t, d.ExceededTime)
}

func TestVolumeTarget(t *testing.T) {
	d := newTestDrive(t, Config{ChunkSize: giB, FreePercent: 50})
	chain := []VolumeChainEntry{
		{VolumeID: "base"},
		{VolumeID: "snap1"},
		{VolumeID: "leaf"},
	}

	target, err := d.VolumeTarget("base", chain)
	require.NoError(t, err)
	require.Equal(t, d.Name+"[0]", target)

	target, err = d.VolumeTarget("leaf", chain)
	require.NoError(t, err)
	require.Equal(t, d.Name, target)

	_, err = d.VolumeTarget("missing", chain)
	require.ErrorIs(t, err, ErrVolumeNotFound)
}

func TestMonitorLockTimesOutWhenHeld(t *testing.T) {
	d := newTestDrive(t, Config{ChunkSize: giB, FreePercent: 50})

	releaseFn, err := d.MonitorLock(context.Background())
	require.NoError(t, err)
	defer releaseFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.MonitorLock(ctx)
	require.ErrorIs(t, err, ErrMonitorBusy)
}

func TestRenderParseRoundTrip(t *testing.T) {
	d := newTestDrive(t, Config{
		Path:      "/dev/vg/lv-leaf",
		ChunkSize: giB, FreePercent: 50,
		VolumeChain: []VolumeChainEntry{
			{Path: "/dev/vg/lv-base", VolumeID: "base"},
			{Path: "/dev/vg/lv-snap1", VolumeID: "snap1"},
			{Path: "/dev/vg/lv-leaf", VolumeID: "leaf"},
		},
	})

	xmlBytes, err := d.RenderXML()
	require.NoError(t, err)
	require.Contains(t, string(xmlBytes), `dev="/dev/vg/lv-leaf"`)

	// Simulate the hypervisor reporting the chain back, leaf-first with
	// nested backingStore elements down to the base.
	reported := `<disk>
		<source dev="/dev/vg/lv-leaf"/>
		<backingStore index="1">
			<source dev="/dev/vg/lv-snap1"/>
			<backingStore index="2">
				<source dev="/dev/vg/lv-base"/>
			</backingStore>
		</backingStore>
	</disk>`

	chain, err := d.ParseVolumeChain([]byte(reported))
	require.NoError(t, err)
	require.Equal(t, []VolumeChainEntry{
		{Path: "/dev/vg/lv-base", VolumeID: "base"},
		{Path: "/dev/vg/lv-snap1", VolumeID: "snap1"},
		{Path: "/dev/vg/lv-leaf", VolumeID: "leaf"},
	}, chain)
}

func TestNeedsMonitoring(t *testing.T) {
	d := newTestDrive(t, Config{ChunkSize: giB, FreePercent: 50})
	require.True(t, d.NeedsMonitoring())

	d.ReadOnly = true
	require.False(t, d.NeedsMonitoring())

	d.ReadOnly = false
	d.ThresholdState = ThresholdDisabled
	require.False(t, d.NeedsMonitoring())
}
