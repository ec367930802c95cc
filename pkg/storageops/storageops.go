// Package storageops defines the storage-collaborator capability (the
// source's "irs") consumed by the volume monitor, the extend pipeline
// and the drive merger, plus a local LVM-grounded implementation of it.
package storageops

import (
	"context"
	"errors"
)

// VolumeSize is the result of a volume size query.
type VolumeSize struct {
	ApparentSize uint64
	TrueSize     uint64
}

// VolType distinguishes a leaf volume from an internal chain link.
type VolType string

const (
	VolTypeLeaf     VolType = "leaf"
	VolTypeInternal VolType = "internal"
)

// VolumeInfo is the result of a volume metadata query.
type VolumeInfo struct {
	Format       string // "raw" or "cow"
	VolType      VolType
	Shared       bool
	Capacity     uint64
	ApparentSize uint64
}

// ExtendRequest names the volume to extend and the target size. Name
// carries the drive-addressable short name for logging only.
type ExtendRequest struct {
	PoolID, DomainID, ImageID, VolumeID string
	Name                                string
	NewSizeBytes                        uint64
	// Internal marks an extension of a non-leaf chain member (e.g. a
	// live-merge base), which must not update the owning drive's
	// reported apparent size.
	Internal bool
}

// ExtendResult is delivered to the completion callback passed to
// SendExtendMsg.
type ExtendResult struct {
	Err error
}

// TransientDisk is a caller-owned scratch volume created outside the
// shared pool, torn down with RemoveTransientDisk.
type TransientDisk struct {
	Path string
}

// StorageOps is the capability set the core consumes from the storage
// subsystem: volume size/info queries, async extension, refresh,
// chain bookkeeping and transient-disk lifecycle.
type StorageOps interface {
	GetVolumeSize(ctx context.Context, domainID, poolID, imageID, volumeID string) (VolumeSize, error)
	GetVolumeInfo(ctx context.Context, domainID, poolID, imageID, volumeID string) (VolumeInfo, error)
	SendExtendMsg(ctx context.Context, req ExtendRequest, onComplete func(ExtendResult))
	RefreshVolume(ctx context.Context, domainID, poolID, imageID, volumeID string) error
	ImageSyncVolumeChain(ctx context.Context, domainID, imageID, leafID string, others []string) error
	SetVolumeSize(ctx context.Context, domainID, poolID, imageID, volumeID string, bytes uint64) error
	CreateTransientDisk(ctx context.Context, owner, name string, size uint64) (TransientDisk, error)
	RemoveTransientDisk(ctx context.Context, owner, name string) error
	ListTransientDisks(ctx context.Context, owner string) ([]string, error)
	TeardownVolume(ctx context.Context, domainID, imageID, volumeID string) error
}

// Sentinel errors surfaced by StorageOps implementations, matching the
// error kinds this package's callers must recognize.
var (
	ErrVolumeNotFound        = errors.New("storageops: volume not found")
	ErrDestVolumeTooSmall    = errors.New("storageops: destination volume too small")
	ErrRefreshNotSupported   = errors.New("storageops: disk refresh not supported on destination")
	ErrDomainNotRunning      = errors.New("storageops: domain not running")
	ErrSharedVolumeNotMergeable = errors.New("storageops: shared volume cannot be merged into")
)
