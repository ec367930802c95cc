// Package scratch implements the scratch-disk lifecycle for pull-mode
// backups: creating transient disks for disks that don't supply their
// own shared-storage scratch config, tearing a batch down atomically on
// partial failure, and registering block-typed scratches with the
// volume monitor so they're armed exactly like a chunked top.
package scratch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/storageops"
)

// Type distinguishes a file-backed scratch from a block-backed one.
// Transient disks that Prepare creates are file-backed and are removed
// by Teardown; caller-provided configs (file or block) are left in
// place by Teardown. Block-backed scratches are monitored for growth
// while attached (see RegisterBlockScratches).
type Type string

const (
	TypeFile  Type = "file"
	TypeBlock Type = "block"
)

// Disk is one drive's scratch volume for the lifetime of a backup.
type Disk struct {
	DriveName string
	Path      string
	Type      Type

	// ImageID/VolumeID are set only for caller-provided, shared-storage
	// scratch configs; transient disks created by this package carry
	// neither, matching the source's sd_id/img_id/vol_id-optional shape.
	ImageID  string
	VolumeID string

	owner string // domainID, needed to remove a transient disk
	name  string
}

// Config is a caller-supplied scratch disk on shared storage, used
// instead of creating a transient one.
type Config struct {
	Path     string
	Type     Type
	ImageID  string
	VolumeID string
}

// Registrar is the subset of the volume monitor scratch disks must
// register with once attached, so a block-typed scratch is armed
// exactly like a chunked top.
type Registrar interface {
	RegisterDrive(d *drive.Drive)
	UnregisterDrive(name string)
}

// Prepare builds one Disk per driveName, in order, reusing a
// caller-provided Config where one exists in configs and creating a
// transient file-typed disk of the given size otherwise (owned by
// domainID, named backupID+"."+driveName). If any creation fails,
// every transient disk already created in this batch is torn down
// before the error is returned (atomic cleanup) — caller configs are
// never touched by that rollback since this package didn't create
// them.
func Prepare(ctx context.Context, sops storageops.StorageOps, domainID, backupID string, driveSizes map[string]uint64, driveNames []string, configs map[string]Config) ([]Disk, error) {
	var created []Disk

	rollback := func() {
		for _, d := range created {
			if d.owner == "" {
				continue // caller-provided, not ours to remove
			}
			if err := sops.RemoveTransientDisk(ctx, d.owner, d.name); err != nil {
				log.WithDrive(d.DriveName).Warn().Err(err).Msg("scratch rollback teardown failed")
			}
		}
	}

	for _, driveName := range driveNames {
		if cfg, ok := configs[driveName]; ok {
			created = append(created, Disk{
				DriveName: driveName, Path: cfg.Path, Type: cfg.Type,
				ImageID: cfg.ImageID, VolumeID: cfg.VolumeID,
			})
			continue
		}

		size, ok := driveSizes[driveName]
		if !ok {
			rollback()
			return nil, fmt.Errorf("scratch: no size given for drive %s", driveName)
		}
		name := backupID + "." + driveName
		td, err := sops.CreateTransientDisk(ctx, domainID, name, size)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("scratch: create transient disk for %s: %w", driveName, err)
		}
		created = append(created, Disk{
			DriveName: driveName, Path: td.Path, Type: TypeFile,
			owner: domainID, name: name,
		})
	}

	return created, nil
}

// Teardown removes every transient disk in disks unconditionally,
// logging rather than failing on individual errors, mirroring the
// source's "best effort" stop-time cleanup.
func Teardown(ctx context.Context, sops storageops.StorageOps, disks []Disk) {
	for _, d := range disks {
		if d.owner == "" {
			continue
		}
		if err := sops.RemoveTransientDisk(ctx, d.owner, d.name); err != nil {
			log.WithDrive(d.DriveName).Warn().Err(err).Msg("scratch teardown failed")
		}
	}
}

// RegisterBlockScratches attaches every block-typed scratch in disks to
// reg as a synthetic chunked drive, so the volume monitor arms and
// extends it exactly as it would a chunked top. Returns the names
// registered, for a matching UnregisterBlockScratches call at backup
// stop.
func RegisterBlockScratches(reg Registrar, domainID string, disks []Disk, chunkSize uint64, freePercent float64) ([]string, error) {
	var names []string
	index := 0
	for _, d := range disks {
		if d.Type != TypeBlock {
			continue
		}
		scratchDrive, err := drive.New(drive.Config{
			DomainID: domainID,
			ImageID:  d.ImageID,
			VolumeID: d.VolumeID,
			Device:   drive.DeviceDisk,
			Iface:    drive.IfaceVirtio,
			Index:    index,
			DiskType: drive.DiskTypeBlock,
			Format:   drive.FormatCow,
			Path:     d.Path,
			Alias:    "scratch-" + d.DriveName,

			ChunkSize:   chunkSize,
			FreePercent: freePercent,
		})
		index++
		if err != nil {
			for _, n := range names {
				reg.UnregisterDrive(n)
			}
			return nil, fmt.Errorf("scratch: register %s: %w", d.DriveName, err)
		}
		reg.RegisterDrive(scratchDrive)
		names = append(names, scratchDrive.Name)
	}
	return names, nil
}

// UnregisterBlockScratches removes every name previously returned by
// RegisterBlockScratches from reg.
func UnregisterBlockScratches(reg Registrar, names []string) {
	for _, n := range names {
		reg.UnregisterDrive(n)
	}
}

// NewBackupID mints a backup identifier when the caller doesn't supply
// one, mirroring the jobID convention used by the merger.
func NewBackupID() string { return uuid.NewString() }
