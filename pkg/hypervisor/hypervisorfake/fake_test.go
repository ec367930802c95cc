package hypervisorfake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/diskwatch/pkg/hypervisor"
)

var (
	_ hypervisor.MergeOps  = (*Client)(nil)
	_ hypervisor.BackupOps = (*Client)(nil)
)

func TestSetBlockThresholdRecordsValue(t *testing.T) {
	c := New()
	err := c.SetBlockThreshold(context.Background(), "dom1", "vda[1]", 3*1024*1024*1024)
	require.NoError(t, err)
	require.Equal(t, uint64(3*1024*1024*1024), c.Thresholds["dom1"]["vda[1]"])
}

func TestBlockCommitRecordsCall(t *testing.T) {
	c := New()
	err := c.BlockCommit(context.Background(), "dom1", "vda", "base", "top", 0, hypervisor.BlockCommitActive)
	require.NoError(t, err)
	require.Len(t, c.CommitCalls, 1)
	require.Equal(t, "vda", c.CommitCalls[0].Disk)
}

func TestEmitThresholdDeliversOnChannel(t *testing.T) {
	c := New()
	c.EmitThreshold(hypervisor.ThresholdEvent{DomainID: "dom1", Target: "vda[1]"})
	ev := <-c.Thresholds()
	require.Equal(t, "dom1", ev.DomainID)
}
