package blockinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/hypervisor/hypervisorfake"
	"github.com/cuemby/diskwatch/pkg/storageops"
	"github.com/cuemby/diskwatch/pkg/storageops/storageopsfake"
)

func TestBuildSkipsMissingName(t *testing.T) {
	hv := hypervisorfake.New()
	hv.Stats["dom1"] = []hypervisor.BlockStat{
		{BackingIndex: 1, Name: "vda", Path: "/dev/vg/lv1", Allocation: 1, Capacity: 2, Physical: 3},
		{BackingIndex: 2, Name: "", Path: "/dev/vg/lv2"},
	}

	cache, err := Build(context.Background(), hv, "dom1")
	require.NoError(t, err)
	require.Len(t, cache, 1)
	require.Equal(t, "vda", cache["vda"].Name)
}

func TestAmendReplicaPhysical(t *testing.T) {
	hv := hypervisorfake.New()
	hv.Stats["dom1"] = []hypervisor.BlockStat{
		{BackingIndex: 1, Name: "vda", Path: "/file/source", Allocation: 1, Capacity: 2, Physical: 1},
	}
	cache, err := Build(context.Background(), hv, "dom1")
	require.NoError(t, err)

	sops := storageopsfake.New()
	sops.Sizes["replica-vol"] = storageops.VolumeSize{ApparentSize: 5 * 1024 * 1024 * 1024}

	err = AmendReplicaPhysical(context.Background(), cache, sops, ReplicaSource{
		DriveName:        "vda",
		DomainID:         "dom1",
		PoolID:           "pool1",
		ImageID:          "img1",
		VolumeID:         "replica-vol",
		ReplicaIsChunked: true,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5*1024*1024*1024), cache["vda"].Physical)
}
