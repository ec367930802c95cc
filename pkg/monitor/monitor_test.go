package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/hypervisor/hypervisorfake"
	"github.com/cuemby/diskwatch/pkg/storageops"
	"github.com/cuemby/diskwatch/pkg/storageops/storageopsfake"
)

const giB = 1024 * 1024 * 1024

func testConfig() Config {
	return Config{
		MonitorTimeout: time.Second,
		RefreshTimeout: time.Second,
		ExtendTimeout:  time.Minute,
	}
}

func newChunkedDrive(t *testing.T, capacity uint64) *drive.Drive {
	t.Helper()
	d, err := drive.New(drive.Config{
		DomainID:    "dom1",
		PoolID:      "pool1",
		ImageID:     "img1",
		VolumeID:    "vol1",
		Device:      drive.DeviceDisk,
		Iface:       drive.IfaceVirtio,
		Index:       0,
		DiskType:    drive.DiskTypeBlock,
		Format:      drive.FormatCow,
		Path:        "/dev/vg/vol1",
		ChunkSize:   2 * giB,
		FreePercent: 50,
	})
	require.NoError(t, err)
	d.Capacity = capacity
	return d
}

func TestMonitorArmsUnsetDrive(t *testing.T) {
	d := newChunkedDrive(t, 10*giB)
	hv := hypervisorfake.New()
	hv.Stats["dom1"] = []hypervisor.BlockStat{
		{BackingIndex: 0, Name: d.Name, Path: d.Path, Allocation: 1 * giB, Capacity: 10 * giB, Physical: 3 * giB},
	}
	sops := storageopsfake.New()

	g := New("dom1", []*drive.Drive{d}, hv, sops, nil, testConfig())
	g.Enable()

	err := g.MonitorVolumes(context.Background())
	require.NoError(t, err)

	require.Equal(t, drive.ThresholdSet, d.Snapshot().ThresholdState)
	require.Contains(t, hv.Thresholds["dom1"], indexedTarget(d.Name, 0))
}

func TestMonitorExceededTriggersExtend(t *testing.T) {
	d := newChunkedDrive(t, 10*giB)
	d.OnENOSPC()

	hv := hypervisorfake.New()
	hv.Stats["dom1"] = []hypervisor.BlockStat{
		{BackingIndex: 0, Name: d.Name, Path: d.Path, Allocation: 2 * giB, Capacity: 10 * giB, Physical: 3 * giB},
	}
	sops := storageopsfake.New()
	sops.Sizes["vol1"] = storageops.VolumeSize{ApparentSize: 5 * giB, TrueSize: 5 * giB}

	g := New("dom1", []*drive.Drive{d}, hv, sops, nil, testConfig())
	g.Enable()

	err := g.MonitorVolumes(context.Background())
	require.NoError(t, err)

	// SendExtendMsg completes on a goroutine; the drive's monitor lock
	// is released by then, so the completion callback can re-acquire it.
	require.Eventually(t, func() bool {
		return d.Snapshot().ThresholdState == drive.ThresholdUnset
	}, time.Second, 10*time.Millisecond)
}

func TestMonitoringNeededFalseForReadOnly(t *testing.T) {
	d := newChunkedDrive(t, 10*giB)
	d.ReadOnly = true
	g := New("dom1", []*drive.Drive{d}, hypervisorfake.New(), storageopsfake.New(), nil, testConfig())
	g.Enable()
	require.False(t, g.MonitoringNeeded())
}
