package scratch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/storageops/storageopsfake"
)

func TestPrepareCreatesTransientDisksAndReusesConfigs(t *testing.T) {
	sops := storageopsfake.New()
	configs := map[string]Config{
		"vdb": {Path: "/shared/vdb.scratch", Type: TypeBlock, ImageID: "img2", VolumeID: "vol2"},
	}
	sizes := map[string]uint64{"vda": 10 * 1024 * 1024 * 1024}

	disks, err := Prepare(context.Background(), sops, "dom1", "backup1", sizes, []string{"vda", "vdb"}, configs)
	require.NoError(t, err)
	require.Len(t, disks, 2)

	require.Equal(t, "vda", disks[0].DriveName)
	require.Equal(t, TypeFile, disks[0].Type)
	require.Equal(t, "/scratch/dom1.backup1.vda", disks[0].Path)

	require.Equal(t, "vdb", disks[1].DriveName)
	require.Equal(t, TypeBlock, disks[1].Type)
	require.Equal(t, "/shared/vdb.scratch", disks[1].Path)
}

func TestPrepareRollsBackOnPartialFailure(t *testing.T) {
	sops := storageopsfake.New()
	sops.Errs["CreateTransientDisk:dom1:backup1.vdb"] = errors.New("no space")
	sizes := map[string]uint64{"vda": 1024, "vdb": 1024}

	_, err := Prepare(context.Background(), sops, "dom1", "backup1", sizes, []string{"vda", "vdb"}, nil)
	require.Error(t, err)

	names, listErr := sops.ListTransientDisks(context.Background(), "dom1")
	require.NoError(t, listErr)
	require.Empty(t, names, "the first batch's transient disk must be rolled back on the second's failure")
}

func TestTeardownRemovesTransientDisks(t *testing.T) {
	sops := storageopsfake.New()
	disks, err := Prepare(context.Background(), sops, "dom1", "backup1", map[string]uint64{"vda": 1024}, []string{"vda"}, nil)
	require.NoError(t, err)

	Teardown(context.Background(), sops, disks)

	names, err := sops.ListTransientDisks(context.Background(), "dom1")
	require.NoError(t, err)
	require.Empty(t, names)
}

type trackingRegistrar struct {
	registered map[string]*drive.Drive
}

func (r *trackingRegistrar) RegisterDrive(d *drive.Drive) {
	if r.registered == nil {
		r.registered = map[string]*drive.Drive{}
	}
	r.registered[d.Name] = d
}

func (r *trackingRegistrar) UnregisterDrive(name string) {
	delete(r.registered, name)
}

func TestRegisterBlockScratchesOnlyTouchesBlockTyped(t *testing.T) {
	disks := []Disk{
		{DriveName: "vda", Type: TypeFile, Path: "/scratch/a"},
		{DriveName: "vdb", Type: TypeBlock, Path: "/dev/vg/scratch-vdb", ImageID: "img1", VolumeID: "vol1"},
	}

	reg := &trackingRegistrar{}
	names, err := RegisterBlockScratches(reg, "dom1", disks, 2*1024*1024*1024, 50)
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.Len(t, reg.registered, 1)

	UnregisterBlockScratches(reg, names)
	require.Empty(t, reg.registered)
}
