package storageops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/diskwatch/pkg/log"
)

// LVMStorageOps is a local, best-effort StorageOps backed by the LVM2
// command-line tools (lvs/lvextend/lvcreate/lvremove), the approach
// every pack repo that touches thin storage falls back to rather than
// binding to liblvm2app directly.
type LVMStorageOps struct {
	// VGName is the volume group volumes are addressed within.
	VGName string
	// Timeout bounds each invoked LVM command.
	Timeout time.Duration

	mu        sync.Mutex
	transient map[string]map[string]TransientDisk // owner -> name -> disk
}

// NewLVMStorageOps constructs a StorageOps implementation scoped to a
// single volume group.
func NewLVMStorageOps(vgName string) *LVMStorageOps {
	return &LVMStorageOps{
		VGName:    vgName,
		Timeout:   30 * time.Second,
		transient: make(map[string]map[string]TransientDisk),
	}
}

func (o *LVMStorageOps) lvPath(volumeID string) string {
	return filepath.Join("/dev", o.VGName, volumeID)
}

func (o *LVMStorageOps) run(ctx context.Context, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("storageops: %s %v: %w (%s)", name, args, err, stderr.String())
	}
	return stdout.String(), nil
}

// GetVolumeSize implements StorageOps by querying lvs for the LV's
// current size, reporting it as both apparent and true size: a local
// LV backend has no separate thin-pool-chunk notion to distinguish
// them.
func (o *LVMStorageOps) GetVolumeSize(ctx context.Context, domainID, poolID, imageID, volumeID string) (VolumeSize, error) {
	out, err := o.run(ctx, "lvs", "--noheadings", "--units", "b", "--nosuffix", "-o", "lv_size", o.lvPath(volumeID))
	if err != nil {
		return VolumeSize{}, err
	}
	size, err := parseLVBytes(out)
	if err != nil {
		return VolumeSize{}, err
	}
	return VolumeSize{ApparentSize: size, TrueSize: size}, nil
}

// GetVolumeInfo implements StorageOps.
func (o *LVMStorageOps) GetVolumeInfo(ctx context.Context, domainID, poolID, imageID, volumeID string) (VolumeInfo, error) {
	size, err := o.GetVolumeSize(ctx, domainID, poolID, imageID, volumeID)
	if err != nil {
		return VolumeInfo{}, err
	}
	return VolumeInfo{
		Format:       "cow",
		VolType:      VolTypeLeaf,
		Capacity:     size.ApparentSize,
		ApparentSize: size.ApparentSize,
	}, nil
}

// SendExtendMsg implements StorageOps by running lvextend synchronously
// on a background goroutine and invoking onComplete when it finishes,
// matching the async completion-callback shape the extend pipeline
// expects from a remote SPM round-trip.
func (o *LVMStorageOps) SendExtendMsg(ctx context.Context, req ExtendRequest, onComplete func(ExtendResult)) {
	go func() {
		_, err := o.run(ctx, "lvextend", "-L", fmt.Sprintf("%db", req.NewSizeBytes), o.lvPath(req.VolumeID))
		if err != nil {
			log.Logger.Error().Err(err).Str("volume", req.VolumeID).Msg("lvextend failed")
		}
		onComplete(ExtendResult{Err: err})
	}()
}

// RefreshVolume implements StorageOps. LVM devices are always visible
// to the local kernel after lvextend returns, so this only needs to
// force a device-mapper reload.
func (o *LVMStorageOps) RefreshVolume(ctx context.Context, domainID, poolID, imageID, volumeID string) error {
	_, err := o.run(ctx, "dmsetup", "reload", volumeID)
	return err
}

// ImageSyncVolumeChain implements StorageOps. A local, single-host LVM
// backend has no separate chain-metadata service to notify; this is a
// no-op retained to satisfy the interface and keep the cleanup worker's
// call site uniform across backends.
func (o *LVMStorageOps) ImageSyncVolumeChain(ctx context.Context, domainID, imageID, leafID string, others []string) error {
	return nil
}

// SetVolumeSize implements StorageOps.
func (o *LVMStorageOps) SetVolumeSize(ctx context.Context, domainID, poolID, imageID, volumeID string, bytes uint64) error {
	_, err := o.run(ctx, "lvextend", "-L", fmt.Sprintf("%db", bytes), o.lvPath(volumeID))
	return err
}

// CreateTransientDisk implements StorageOps.
func (o *LVMStorageOps) CreateTransientDisk(ctx context.Context, owner, name string, size uint64) (TransientDisk, error) {
	lvName := owner + "." + name
	_, err := o.run(ctx, "lvcreate", "-n", lvName, "-L", fmt.Sprintf("%db", size), o.VGName)
	if err != nil {
		return TransientDisk{}, err
	}
	disk := TransientDisk{Path: o.lvPath(lvName)}

	o.mu.Lock()
	if o.transient[owner] == nil {
		o.transient[owner] = make(map[string]TransientDisk)
	}
	o.transient[owner][name] = disk
	o.mu.Unlock()

	return disk, nil
}

// RemoveTransientDisk implements StorageOps.
func (o *LVMStorageOps) RemoveTransientDisk(ctx context.Context, owner, name string) error {
	lvName := owner + "." + name
	_, err := o.run(ctx, "lvremove", "-f", o.lvPath(lvName))
	if err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.transient[owner], name)
	o.mu.Unlock()

	return nil
}

// ListTransientDisks implements StorageOps.
func (o *LVMStorageOps) ListTransientDisks(ctx context.Context, owner string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.transient[owner]))
	for name := range o.transient[owner] {
		names = append(names, name)
	}
	return names, nil
}

// TeardownVolume implements StorageOps.
func (o *LVMStorageOps) TeardownVolume(ctx context.Context, domainID, imageID, volumeID string) error {
	_, err := o.run(ctx, "lvremove", "-f", o.lvPath(volumeID))
	return err
}
