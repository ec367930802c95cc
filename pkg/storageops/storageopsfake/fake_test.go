package storageopsfake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/diskwatch/pkg/storageops"
)

var _ storageops.StorageOps = (*Client)(nil)

func TestSendExtendMsgSynchronous(t *testing.T) {
	c := New()
	c.Synchronous = true

	var got storageops.ExtendResult
	c.SendExtendMsg(context.Background(), storageops.ExtendRequest{
		VolumeID: "vol1", NewSizeBytes: 1024,
	}, func(r storageops.ExtendResult) { got = r })

	require.NoError(t, got.Err)
	size, err := c.GetVolumeSize(context.Background(), "dom1", "pool1", "img1", "vol1")
	require.NoError(t, err)
	require.Equal(t, uint64(1024), size.ApparentSize)
}

func TestCreateAndRemoveTransientDisk(t *testing.T) {
	c := New()
	disk, err := c.CreateTransientDisk(context.Background(), "vm1", "backup1.vda", 1024)
	require.NoError(t, err)
	require.NotEmpty(t, disk.Path)

	names, err := c.ListTransientDisks(context.Background(), "vm1")
	require.NoError(t, err)
	require.Contains(t, names, "backup1.vda")

	require.NoError(t, c.RemoveTransientDisk(context.Background(), "vm1", "backup1.vda"))
	names, err = c.ListTransientDisks(context.Background(), "vm1")
	require.NoError(t, err)
	require.Empty(t, names)
}
