// Package storageopsfake is a hand-rolled in-memory double of
// storageops.StorageOps for unit tests.
package storageopsfake

import (
	"context"
	"sync"

	"github.com/cuemby/diskwatch/pkg/storageops"
)

// Client is an in-memory storageops.StorageOps double.
type Client struct {
	mu sync.Mutex

	Sizes     map[string]storageops.VolumeSize
	Infos     map[string]storageops.VolumeInfo
	Transient map[string]map[string]storageops.TransientDisk
	Errs      map[string]error

	// ExtendResult is returned by every SendExtendMsg call via its
	// onComplete callback; defaults to a successful completion.
	ExtendResult storageops.ExtendResult
	// Synchronous, when true, invokes onComplete before SendExtendMsg
	// returns instead of on a goroutine, so tests need not synchronize.
	Synchronous bool
}

func key(parts ...string) string {
	s := parts[0]
	for _, p := range parts[1:] {
		s += ":" + p
	}
	return s
}

// New constructs an empty fake client.
func New() *Client {
	return &Client{
		Sizes:     make(map[string]storageops.VolumeSize),
		Infos:     make(map[string]storageops.VolumeInfo),
		Transient: make(map[string]map[string]storageops.TransientDisk),
		Errs:      make(map[string]error),
	}
}

// GetVolumeSize implements storageops.StorageOps.
func (c *Client) GetVolumeSize(ctx context.Context, domainID, poolID, imageID, volumeID string) (storageops.VolumeSize, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Errs[key("GetVolumeSize", volumeID)]; err != nil {
		return storageops.VolumeSize{}, err
	}
	return c.Sizes[volumeID], nil
}

// GetVolumeInfo implements storageops.StorageOps.
func (c *Client) GetVolumeInfo(ctx context.Context, domainID, poolID, imageID, volumeID string) (storageops.VolumeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Errs[key("GetVolumeInfo", volumeID)]; err != nil {
		return storageops.VolumeInfo{}, err
	}
	return c.Infos[volumeID], nil
}

// SendExtendMsg implements storageops.StorageOps.
func (c *Client) SendExtendMsg(ctx context.Context, req storageops.ExtendRequest, onComplete func(storageops.ExtendResult)) {
	c.mu.Lock()
	size := c.Sizes[req.VolumeID]
	size.ApparentSize = req.NewSizeBytes
	size.TrueSize = req.NewSizeBytes
	c.Sizes[req.VolumeID] = size
	result := c.ExtendResult
	sync := c.Synchronous
	c.mu.Unlock()

	if sync {
		onComplete(result)
		return
	}
	go onComplete(result)
}

// RefreshVolume implements storageops.StorageOps.
func (c *Client) RefreshVolume(ctx context.Context, domainID, poolID, imageID, volumeID string) error {
	return c.Errs[key("RefreshVolume", volumeID)]
}

// ImageSyncVolumeChain implements storageops.StorageOps.
func (c *Client) ImageSyncVolumeChain(ctx context.Context, domainID, imageID, leafID string, others []string) error {
	return c.Errs[key("ImageSyncVolumeChain", leafID)]
}

// SetVolumeSize implements storageops.StorageOps.
func (c *Client) SetVolumeSize(ctx context.Context, domainID, poolID, imageID, volumeID string, bytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Errs[key("SetVolumeSize", volumeID)]; err != nil {
		return err
	}
	size := c.Sizes[volumeID]
	size.ApparentSize = bytes
	c.Sizes[volumeID] = size
	return nil
}

// CreateTransientDisk implements storageops.StorageOps.
func (c *Client) CreateTransientDisk(ctx context.Context, owner, name string, size uint64) (storageops.TransientDisk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Errs[key("CreateTransientDisk", owner, name)]; err != nil {
		return storageops.TransientDisk{}, err
	}
	disk := storageops.TransientDisk{Path: "/scratch/" + owner + "." + name}
	if c.Transient[owner] == nil {
		c.Transient[owner] = make(map[string]storageops.TransientDisk)
	}
	c.Transient[owner][name] = disk
	return disk, nil
}

// RemoveTransientDisk implements storageops.StorageOps.
func (c *Client) RemoveTransientDisk(ctx context.Context, owner, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Errs[key("RemoveTransientDisk", owner, name)]; err != nil {
		return err
	}
	delete(c.Transient[owner], name)
	return nil
}

// ListTransientDisks implements storageops.StorageOps.
func (c *Client) ListTransientDisks(ctx context.Context, owner string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.Transient[owner]))
	for name := range c.Transient[owner] {
		names = append(names, name)
	}
	return names, nil
}

// TeardownVolume implements storageops.StorageOps.
func (c *Client) TeardownVolume(ctx context.Context, domainID, imageID, volumeID string) error {
	return c.Errs[key("TeardownVolume", volumeID)]
}
