// Package blockinfo builds the per-cycle BlockInfo snapshot consumed by
// the volume monitor: one flat extraction from a single hypervisor
// block-stats call, rebuilt every monitoring cycle and never shared
// across cycles.
package blockinfo

import (
	"context"

	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/storageops"
)

// BlockInfo is an immutable per-drive snapshot keyed by the
// hypervisor's stable backing index.
type BlockInfo struct {
	Index      int
	Name       string
	Path       string
	Allocation uint64
	Capacity   uint64
	Physical   uint64
	Threshold  uint64
}

// Cache is one cycle's worth of BlockInfo snapshots, keyed by drive
// name (the bare "vda" form, not the indexed addressing token).
type Cache map[string]BlockInfo

// ReplicaVolumeSize is the subset of a replica volume's size the cache
// needs to amend a source drive's reported physical size.
type ReplicaVolumeSize struct {
	ApparentSize uint64
}

// ReplicaSource identifies the replica side of a drive being
// replicated, enough to query the storage collaborator for its
// apparent size.
type ReplicaSource struct {
	DriveName            string
	DomainID, PoolID      string
	ImageID, VolumeID     string
	ReplicaIsChunked      bool
}

// Build queries the hypervisor for one flat block-stats snapshot of the
// guest and returns it as a Cache. Entries missing a name are skipped
// with a warning. Build does not look at HasBacking: CDROM entries
// without a backing chain are left out by LibvirtClient.BlockStatsAll
// before they reach this function.
func Build(ctx context.Context, ops hypervisor.BlockOps, domainID string) (Cache, error) {
	stats, err := ops.BlockStatsAll(ctx, domainID)
	if err != nil {
		return nil, err
	}

	cache := make(Cache, len(stats))
	for _, s := range stats {
		if s.Name == "" {
			log.Logger.Warn().Int("index", s.Index).Msg("block stat entry missing name, skipping")
			continue
		}
		cache[s.Name] = BlockInfo{
			Index:      s.BackingIndex,
			Name:       s.Name,
			Path:       s.Path,
			Allocation: s.Allocation,
			Capacity:   s.Capacity,
			Physical:   s.Physical,
			Threshold:  s.Threshold,
		}
	}
	return cache, nil
}

// AmendReplicaPhysical corrects the cached physical size of a
// non-chunked drive replicating to a chunked drive: the hypervisor
// reports identical allocation/physical for file-typed sources, so the
// replica's true apparent size (queried from the storage collaborator)
// is the only correct value to make extension decisions against.
func AmendReplicaPhysical(ctx context.Context, cache Cache, ops storageops.StorageOps, src ReplicaSource) error {
	if !src.ReplicaIsChunked {
		return nil
	}
	info, ok := cache[src.DriveName]
	if !ok {
		return nil
	}
	size, err := ops.GetVolumeSize(ctx, src.DomainID, src.PoolID, src.ImageID, src.VolumeID)
	if err != nil {
		return err
	}
	info.Physical = size.ApparentSize
	cache[src.DriveName] = info
	return nil
}
