package merger

import (
	"context"
	"fmt"
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

type fakeMonitor struct {
	enabled bool
}

func (f *fakeMonitor) Enable()  { f.enabled = true }
func (f *fakeMonitor) Disable() { f.enabled = false }

func (f *fakeMonitor) ExtendVolume(ctx context.Context, driveName, volumeID string, newSizeBytes uint64, internal bool, onComplete func(error)) error {
	onComplete(nil)
	return nil
}

func domainXML(driveName string, mirrorReadyAttr bool) string {
	mirror := ""
	if mirrorReadyAttr {
		mirror = `<mirror ready="yes"/>`
	}
	return fmt.Sprintf(`<domain>
  <devices>
    <disk type="block" device="disk">
      <source dev="/dev/vg/leaf"/>
      <backingStore index="1">
        <source dev="/dev/vg/snap1"/>
        <backingStore index="2">
          <source dev="/dev/vg/base"/>
        </backingStore>
      </backingStore>
      %s
      <target dev="%s"/>
    </disk>
  </devices>
</domain>`, mirror, driveName)
}

func domainXMLAfterPivot(driveName string) string {
	return fmt.Sprintf(`<domain>
  <devices>
    <disk type="block" device="disk">
      <source dev="/dev/vg/snap1"/>
      <backingStore index="2">
        <source dev="/dev/vg/base"/>
      </backingStore>
      <target dev="%s"/>
    </disk>
  </devices>
</domain>`, driveName)
}

func newMergeTestDrive(t *testing.T) *drive.Drive {
	t.Helper()
	d, err := drive.New(drive.Config{
		DomainID: "dom1",
		PoolID:   "pool1",
		ImageID:  "img1",
		VolumeID: "leaf",
		Device:   drive.DeviceDisk,
		Iface:    drive.IfaceVirtio,
		Index:    0,
		DiskType: drive.DiskTypeBlock,
		Format:   drive.FormatCow,
		Path:     "/dev/vg/leaf",
		VolumeChain: []drive.VolumeChainEntry{
			{Path: "/dev/vg/base", VolumeID: "base"},
			{Path: "/dev/vg/snap1", VolumeID: "snap1"},
			{Path: "/dev/vg/leaf", VolumeID: "leaf"},
		},
	})
	require.NoError(t, err)
	return d
}

func TestMergeRejectsUnknownDrive(t *testing.T) {
	m := New("dom1", map[string]*drive.Drive{}, hypervisorfake.New(), storageopsfake.New(), &fakeMonitor{}, nil)
	_, err := m.Merge(context.Background(), Request{PoolID: "pool1", ImageID: "img1", VolumeID: "nope"})
	require.ErrorIs(t, err, ErrImageErr)
}

func TestMergeSetsActiveFlagForActiveLayerCommit(t *testing.T) {
	d := newMergeTestDrive(t)
	hv := hypervisorfake.New()
	hv.XMLDescs["dom1"] = domainXML(d.Name, false)
	sops := storageopsfake.New()
	sops.Infos["base"] = storageops.VolumeInfo{Format: "cow", Capacity: 10 * giB, ApparentSize: 1 * giB}
	sops.Infos["leaf"] = storageops.VolumeInfo{Format: "cow", Capacity: 10 * giB, ApparentSize: 2 * giB}

	m := New("dom1", map[string]*drive.Drive{d.Name: d}, hv, sops, &fakeMonitor{}, nil)
	jobID, err := m.Merge(context.Background(), Request{
		PoolID: "pool1", ImageID: "img1", VolumeID: "leaf",
		Base: "base", Top: "leaf", Bandwidth: 0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	require.Len(t, hv.CommitCalls, 1)
	require.NotZero(t, hv.CommitCalls[0].Flags&hypervisor.BlockCommitActive)
}

func TestMergeRejectsSharedBase(t *testing.T) {
	d := newMergeTestDrive(t)
	hv := hypervisorfake.New()
	hv.XMLDescs["dom1"] = domainXML(d.Name, false)
	sops := storageopsfake.New()
	sops.Infos["base"] = storageops.VolumeInfo{Format: "cow", Shared: true}
	sops.Infos["leaf"] = storageops.VolumeInfo{Format: "cow"}

	m := New("dom1", map[string]*drive.Drive{d.Name: d}, hv, sops, &fakeMonitor{}, nil)
	_, err := m.Merge(context.Background(), Request{
		PoolID: "pool1", ImageID: "img1", VolumeID: "leaf", Base: "base", Top: "leaf",
	})
	require.ErrorIs(t, err, storageops.ErrSharedVolumeNotMergeable)
}

func TestQueryJobsDrivesActiveLayerPivotToDone(t *testing.T) {
	d := newMergeTestDrive(t)
	hv := hypervisorfake.New()
	hv.XMLDescs["dom1"] = domainXML(d.Name, false)
	sops := storageopsfake.New()
	sops.Infos["base"] = storageops.VolumeInfo{Format: "cow", Capacity: 10 * giB, ApparentSize: 1 * giB}
	sops.Infos["leaf"] = storageops.VolumeInfo{Format: "cow", Capacity: 10 * giB, ApparentSize: 2 * giB}

	mon := &fakeMonitor{enabled: true}
	m := New("dom1", map[string]*drive.Drive{d.Name: d}, hv, sops, mon, nil)

	jobID, err := m.Merge(context.Background(), Request{
		PoolID: "pool1", ImageID: "img1", VolumeID: "leaf", Base: "base", Top: "leaf",
	})
	require.NoError(t, err)

	hv.SetJobInfo("dom1", d.Name, &hypervisor.BlockJobInfo{
		Type: hypervisor.BlockJobTypeActiveCommit, Cur: giB, End: giB,
	})
	hv.XMLDescs["dom1"] = domainXML(d.Name, true)

	_, err = m.QueryJobs(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hv.XMLDescs["dom1"] = domainXMLAfterPivot(d.Name)
		state, ok := m.cleanupState(jobID)
		return ok && state == CleanupDone
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, mon.enabled)
}
