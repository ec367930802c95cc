// Package hypervisor adapts a libvirt connection into the narrow
// capability interfaces the volume monitor, the drive merger and the
// scratch-disk lifecycle actually need, mirroring the source's
// duck-typed domain adapters as explicit Go interfaces.
package hypervisor

import (
	"context"
	"fmt"
)

// BlockJobType identifies the kind of libvirt block job in progress.
type BlockJobType int

const (
	BlockJobTypeUnknown BlockJobType = iota
	BlockJobTypeCommit
	BlockJobTypeActiveCommit
)

// BlockJobInfo is the progress snapshot returned by blockJobInfo.
type BlockJobInfo struct {
	Type      BlockJobType
	Bandwidth uint64
	Cur       uint64
	End       uint64
}

// BlockStat is one entry of a flat blockStatsAll snapshot, keyed by the
// hypervisor's stable backing index.
type BlockStat struct {
	Index        int
	Name         string
	Path         string
	BackingIndex int
	HasBacking   bool
	Allocation   uint64
	Capacity     uint64
	Physical     uint64
	Threshold    uint64
}

// BlockCommitFlags are the bitmask values accepted by BlockCommit.
type BlockCommitFlags uint32

const (
	BlockCommitRelative BlockCommitFlags = 1 << iota
	BlockCommitActive
)

// BlockJobAbortFlags are the bitmask values accepted by BlockJobAbort.
type BlockJobAbortFlags uint32

const (
	BlockJobAbortPivot BlockJobAbortFlags = 1 << iota
)

// BlockOps is the capability set the volume monitor needs: threshold
// arming, block statistics and domain XML for chain reconciliation.
type BlockOps interface {
	DomainXMLDesc(ctx context.Context, domainID string) (string, error)
	BlockStatsAll(ctx context.Context, domainID string) ([]BlockStat, error)
	SetBlockThreshold(ctx context.Context, domainID, target string, bytes uint64) error
}

// MergeOps is the capability set the drive merger and cleanup worker
// need: commit lifecycle and job polling.
type MergeOps interface {
	BlockOps
	BlockCommit(ctx context.Context, domainID, disk, base, top string, bandwidth uint64, flags BlockCommitFlags) error
	BlockJobInfo(ctx context.Context, domainID, disk string) (*BlockJobInfo, error)
	BlockJobAbort(ctx context.Context, domainID, disk string, flags BlockJobAbortFlags) error
}

// BackupOps is the capability set scratch-disk / backup orchestration
// needs beyond BlockOps: attaching and detaching transient disks.
type BackupOps interface {
	BlockOps
	AttachDevice(ctx context.Context, domainID, diskXML string) error
	DetachDevice(ctx context.Context, domainID, diskXML string) error
}

// ThresholdEvent is delivered on the domain event thread when a
// BLOCK_THRESHOLD crossing fires.
type ThresholdEvent struct {
	DomainID  string
	Target    string // "vda" or "vda[<index>]"
	Path      string
	Threshold uint64
	Excess    uint64
}

// LifecycleEvent reports a domain state transition relevant to pivot
// completion reconciliation (e.g. guest stopped mid cleanup-wait).
type LifecycleEvent struct {
	DomainID string
	Event    string
}

// EventStream is the subscription surface consumed by the volume
// monitor and the cleanup worker's reconciliation path.
type EventStream interface {
	Thresholds() <-chan ThresholdEvent
	Lifecycle() <-chan LifecycleEvent
}

// Error kinds mirroring the libvirt error codes named in the spec's
// external-interfaces section. Transport implementations translate
// their native errors onto these sentinels with errors.Is-compatible
// wrapping so callers can dispatch without importing the transport.
var (
	ErrNoDomain               = fmt.Errorf("hypervisor: no such domain")
	ErrOperationInvalid       = fmt.Errorf("hypervisor: operation invalid for domain state")
	ErrBlockCopyActive        = fmt.Errorf("hypervisor: block copy still active")
	ErrCheckpointInconsistent = fmt.Errorf("hypervisor: checkpoint inconsistent")
	ErrNoDomainCheckpoint     = fmt.Errorf("hypervisor: no such domain checkpoint")
	ErrNoDomainBackup         = fmt.Errorf("hypervisor: no such domain backup")
)
