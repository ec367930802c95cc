// Package drive implements the per-disk entity tracked by the volume
// monitor and the drive merger: composite identity, name derivation,
// threshold state machine, sizing arithmetic, and disk-XML rendering.
package drive

import (
	"fmt"
	"sync"
	"time"
)

// Iface is the guest bus a drive is attached to.
type Iface string

const (
	IfaceIDE    Iface = "ide"
	IfaceSCSI   Iface = "scsi"
	IfaceVirtio Iface = "virtio"
	IfaceFDC    Iface = "fdc"
	IfaceSATA   Iface = "sata"
)

// Device is the kind of media a drive presents to the guest.
type Device string

const (
	DeviceDisk   Device = "disk"
	DeviceCDROM  Device = "cdrom"
	DeviceFloppy Device = "floppy"
	DeviceLUN    Device = "lun"
)

// DiskType is where the drive's backing volume lives.
type DiskType string

const (
	DiskTypeFile    DiskType = "file"
	DiskTypeBlock   DiskType = "block"
	DiskTypeNetwork DiskType = "network"
)

// Format is the on-disk image format.
type Format string

const (
	FormatRaw Format = "raw"
	FormatCow Format = "cow"
)

// Shared describes the sharing policy of a drive across guests.
type Shared string

const (
	SharedNone      Shared = "none"
	SharedExclusive Shared = "exclusive"
	SharedShared    Shared = "shared"
	SharedTransient Shared = "transient"
)

// ThresholdState is the drive's block-threshold arming state.
type ThresholdState string

const (
	ThresholdUnset    ThresholdState = "UNSET"
	ThresholdSet      ThresholdState = "SET"
	ThresholdExceeded ThresholdState = "EXCEEDED"
	ThresholdDisabled ThresholdState = "DISABLED"
)

// SGIO governs LUN passthrough of SCSI generic I/O.
type SGIO string

const (
	SGIOFiltered   SGIO = "filtered"
	SGIOUnfiltered SGIO = "unfiltered"
)

// COWOverhead is the multiplier applied to guest capacity to compute the
// maximum physical size a chunked cow volume is ever allowed to reach.
const COWOverhead = 1.1

const miB = 1024 * 1024

// VolumeChainEntry is one link of a drive's backing chain, base first.
type VolumeChainEntry struct {
	Path        string
	VolumeID    string
	LeasePath   string
	LeaseOffset int64
}

// IOTuneLimits holds the non-negative byte/iop limits for one iotune
// category (total, read or write).
type IOTuneLimits struct {
	TotalBytesSec  uint64
	ReadBytesSec   uint64
	WriteBytesSec  uint64
	TotalIopsSec   uint64
	ReadIopsSec    uint64
	WriteIopsSec   uint64
}

// IOTune is the full set of throttling parameters attached to a drive.
type IOTune struct {
	Limits IOTuneLimits
}

// NetworkSource describes a network-typed drive's transport.
type NetworkSource struct {
	Protocol string
	Hosts    []string
	AuthUser string
	AuthType string
}

// Config is the construction record for a Drive, mirroring the
// recognized options of the drive configuration input.
type Config struct {
	DomainID string
	PoolID   string
	ImageID  string
	VolumeID string

	Device   Device
	Iface    Iface
	Index    int
	DiskType DiskType
	Format   Format
	Path     string
	ReadOnly bool
	Shared   Shared

	PropagateErrors bool
	Cache           string
	Discard         bool
	Serial          string
	IOTune          IOTune

	DiskReplicate *Config
	VolumeChain   []VolumeChainEntry

	Network *NetworkSource

	BootOrder int
	Alias     string
	SGIO      SGIO

	ManagedReservation bool

	ChunkSize   uint64
	FreePercent float64
}

// Drive is a guest's per-disk entity: identity, chain, sizes and the
// threshold state machine that drives extension decisions.
type Drive struct {
	DomainID string
	PoolID   string
	ImageID  string
	VolumeID string

	Name string

	Device   Device
	Iface    Iface
	Index    int
	DiskType DiskType
	Format   Format
	ReadOnly bool
	Shared   Shared

	PropagateErrors bool
	Cache           string
	Discard         bool
	Serial          string
	IOTune          IOTune

	DiskReplicate *Drive
	VolumeChain   []VolumeChainEntry

	Network *NetworkSource

	BootOrder int
	Alias     string
	SGIO      SGIO

	ManagedReservation bool

	Path        string
	ApparentSize uint64
	TrueSize     uint64
	Capacity     uint64

	ChunkSize   uint64
	FreePercent float64

	ThresholdState ThresholdState
	ExceededTime   *time.Time
	ExtendTime     *time.Time

	lock *lock

	mu sync.Mutex // guards the fields above outside of the monitor_lock window
}

// New validates a Config and constructs a Drive, deriving its name.
func New(cfg Config) (*Drive, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	d := &Drive{
		DomainID:           cfg.DomainID,
		PoolID:             cfg.PoolID,
		ImageID:            cfg.ImageID,
		VolumeID:           cfg.VolumeID,
		Name:               computeName(cfg.Iface, cfg.Index),
		Device:             cfg.Device,
		Iface:              cfg.Iface,
		Index:              cfg.Index,
		DiskType:           cfg.DiskType,
		Format:             cfg.Format,
		ReadOnly:           cfg.ReadOnly,
		Shared:             normalizeShared(cfg.Shared),
		PropagateErrors:    cfg.PropagateErrors,
		Cache:              cfg.Cache,
		Discard:            cfg.Discard,
		Serial:             cfg.Serial,
		IOTune:             cfg.IOTune,
		VolumeChain:        cfg.VolumeChain,
		Network:            cfg.Network,
		BootOrder:          cfg.BootOrder,
		Alias:              cfg.Alias,
		SGIO:               cfg.SGIO,
		ManagedReservation: cfg.ManagedReservation,
		Path:               cfg.Path,
		ChunkSize:          cfg.ChunkSize,
		FreePercent:        cfg.FreePercent,
		ThresholdState:     ThresholdUnset,
		lock:               newLock(),
	}

	if cfg.DiskReplicate != nil {
		replica, err := New(*cfg.DiskReplicate)
		if err != nil {
			return nil, fmt.Errorf("invalid replica config: %w", err)
		}
		d.DiskReplicate = replica
	}

	return d, nil
}

// normalizeShared folds the legacy boolean spellings onto the enum.
func normalizeShared(s Shared) Shared {
	switch s {
	case "true":
		return SharedShared
	case "false", "":
		return SharedNone
	default:
		return s
	}
}

// Chunked reports whether this drive is a thin-provisioned block/cow
// drive eligible for watermark-based extension.
func (d *Drive) Chunked() bool {
	return d.DiskType == DiskTypeBlock && d.Format == FormatCow
}

// ReplicaChunked reports whether the drive's replica target is chunked.
func (d *Drive) ReplicaChunked() bool {
	return d.DiskReplicate != nil && d.DiskReplicate.Chunked()
}

// NeedsMonitoring reports whether this drive should be considered by the
// volume monitor in the current cycle.
func (d *Drive) NeedsMonitoring() bool {
	return (d.Chunked() || d.ReplicaChunked()) &&
		!d.ReadOnly &&
		d.ThresholdState != ThresholdDisabled
}

// effectiveChunk returns the chunk size used for watermark arithmetic:
// doubled while a replica target is in flight, per the spec's
// "2 * CHUNK_SIZE while replicating" rule.
func (d *Drive) effectiveChunk() uint64 {
	if d.DiskReplicate != nil {
		return 2 * d.ChunkSize
	}
	return d.ChunkSize
}

// WatermarkLimit is the minimum free space (physical - allocation) a
// chunked drive must retain before an extension is due.
func (d *Drive) WatermarkLimit() uint64 {
	chunk := d.effectiveChunk()
	return uint64(d.FreePercent * float64(chunk) / 100)
}

func roundUpMiB(v float64) uint64 {
	n := uint64(v)
	rem := n % miB
	if rem == 0 {
		return n
	}
	return n - rem + miB
}

// GetMaxVolumeSize returns the largest physical size a cow volume backed
// by the given guest capacity may ever reach.
func (d *Drive) GetMaxVolumeSize(capacity uint64) uint64 {
	return roundUpMiB(float64(capacity) * COWOverhead)
}

// GetNextVolumeSize returns the physical size to extend to from the
// current size, given the guest-visible capacity.
func (d *Drive) GetNextVolumeSize(cur, capacity uint64) uint64 {
	next := roundUpMiB(float64(cur + d.ChunkSize))
	max := d.GetMaxVolumeSize(capacity)
	if next > max {
		return max
	}
	return next
}

// SetPath updates the drive's backing path, resetting the threshold
// state since the armed threshold may refer to a now-stale LV.
func (d *Drive) SetPath(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Path = path
	d.ThresholdState = ThresholdUnset
}

// OnBlockThreshold handles a hypervisor block-threshold crossing event
// for this drive. It is a no-op unless the reported path matches the
// drive's current path and the state was SET.
func (d *Drive) OnBlockThreshold(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if path != d.Path || d.ThresholdState != ThresholdSet {
		return
	}
	now := time.Now()
	d.ThresholdState = ThresholdExceeded
	d.ExceededTime = &now
}

// OnENOSPC unconditionally marks the drive EXCEEDED, used when the
// guest has paused on ENOSPC.
func (d *Drive) OnENOSPC() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.ThresholdState = ThresholdExceeded
	d.ExceededTime = &now
}

// arm transitions UNSET/EXCEEDED to SET on a successful setBlockThreshold
// call, or back to UNSET on failure.
func (d *Drive) arm(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ok {
		d.ThresholdState = ThresholdSet
		d.ExceededTime = nil
	} else {
		d.ThresholdState = ThresholdUnset
	}
}

// disable transitions the drive to DISABLED, e.g. because it has
// already reached its maximum computed size.
func (d *Drive) disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ThresholdState = ThresholdDisabled
	d.ExceededTime = nil
}

// Reenable clears DISABLED back to UNSET, used after an operator
// resizes the guest's capacity upward.
func (d *Drive) Reenable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ThresholdState = ThresholdUnset
}

// ArmValue computes T = max(1, physical - watermarkLimit), the byte
// value passed to setBlockThreshold.
func (d *Drive) ArmValue(physical uint64) uint64 {
	limit := d.WatermarkLimit()
	if physical <= limit {
		return 1
	}
	t := physical - limit
	if t == 0 {
		return 1
	}
	return t
}

// ArmSucceeded records a successful setBlockThreshold call.
func (d *Drive) ArmSucceeded() {
	d.arm(true)
}

// ArmFailed records a failed setBlockThreshold call; the drive will be
// retried on the next monitoring cycle.
func (d *Drive) ArmFailed() {
	d.arm(false)
}

// ResetToUnset returns the drive to UNSET, used after an extend
// completes so the next monitoring cycle re-arms against the new size.
func (d *Drive) ResetToUnset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ThresholdState = ThresholdUnset
}

// DisableThreshold transitions the drive to DISABLED because it has
// already reached its maximum computed size. Re-enabled externally via
// Reenable when the guest's capacity is resized upward.
func (d *Drive) DisableThreshold() {
	d.disable()
}

// SetExtendTime stamps the moment an extend was sent, used by the
// monitor to coalesce repeated extends of the same drive.
func (d *Drive) SetExtendTime(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tt := t
	d.ExtendTime = &tt
}

// ClearExceededTime clears the exceeded_time stamp, called when the
// drive leaves EXCEEDED (e.g. its extend completes and it is re-armed).
func (d *Drive) ClearExceededTime() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ExceededTime = nil
}

// UpdateApparentSize updates the drive's reported apparent/true size
// after a non-internal extension completes.
func (d *Drive) UpdateApparentSize(apparent, trueSize uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ApparentSize = apparent
	d.TrueSize = trueSize
}

// Snapshot returns a read-locked copy of the mutable fields a caller
// needs to make a monitoring decision without racing concurrent
// mutation from the extend-completion callback.
type Snapshot struct {
	ThresholdState ThresholdState
	ExceededTime   *time.Time
	ExtendTime     *time.Time
	ApparentSize   uint64
	TrueSize       uint64
	Path           string
}

// Snapshot takes a consistent read of the drive's mutable state.
func (d *Drive) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ThresholdState: d.ThresholdState,
		ExceededTime:   d.ExceededTime,
		ExtendTime:     d.ExtendTime,
		ApparentSize:   d.ApparentSize,
		TrueSize:       d.TrueSize,
		Path:           d.Path,
	}
}

// VolumeTarget returns the hypervisor-addressable token for volID in
// actualChain: "{name}[{index}]" for a non-top entry, or bare "{name}"
// for the top (last) entry. ErrVolumeNotFound if volID is absent.
func (d *Drive) VolumeTarget(volID string, actualChain []VolumeChainEntry) (string, error) {
	for i, entry := range actualChain {
		if entry.VolumeID != volID {
			continue
		}
		if i == len(actualChain)-1 {
			return d.Name, nil
		}
		return fmt.Sprintf("%s[%d]", d.Name, i), nil
	}
	return "", fmt.Errorf("%w: volume %s not in chain of drive %s", ErrVolumeNotFound, volID, d.Name)
}
