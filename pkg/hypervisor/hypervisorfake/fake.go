// Package hypervisorfake is a hand-rolled in-memory double of
// hypervisor.MergeOps/BackupOps for use in unit tests, in the teacher's
// style of small concrete structs behind interfaces rather than a
// generated mock.
package hypervisorfake

import (
	"context"
	"sync"

	"github.com/cuemby/diskwatch/pkg/hypervisor"
)

// Client is an in-memory hypervisor.MergeOps/BackupOps double.
type Client struct {
	mu sync.Mutex

	XMLDescs    map[string]string
	Stats       map[string][]hypervisor.BlockStat
	Thresholds  map[string]map[string]uint64 // domainID -> target -> bytes
	JobInfos    map[string]map[string]*hypervisor.BlockJobInfo
	CommitCalls []CommitCall
	AbortCalls  []AbortCall

	// Errs, when set for a given method/domain, is returned instead of
	// performing the call.
	Errs map[string]error

	thresholdCh chan hypervisor.ThresholdEvent
	lifecycleCh chan hypervisor.LifecycleEvent
}

// CommitCall records one BlockCommit invocation.
type CommitCall struct {
	DomainID, Disk, Base, Top string
	Bandwidth                 uint64
	Flags                     hypervisor.BlockCommitFlags
}

// AbortCall records one BlockJobAbort invocation.
type AbortCall struct {
	DomainID, Disk string
	Flags          hypervisor.BlockJobAbortFlags
}

// New constructs an empty fake client.
func New() *Client {
	return &Client{
		XMLDescs:    make(map[string]string),
		Stats:       make(map[string][]hypervisor.BlockStat),
		Thresholds:  make(map[string]map[string]uint64),
		JobInfos:    make(map[string]map[string]*hypervisor.BlockJobInfo),
		Errs:        make(map[string]error),
		thresholdCh: make(chan hypervisor.ThresholdEvent, 16),
		lifecycleCh: make(chan hypervisor.LifecycleEvent, 16),
	}
}

func (c *Client) errFor(key string) error {
	return c.Errs[key]
}

// DomainXMLDesc implements hypervisor.BlockOps.
func (c *Client) DomainXMLDesc(ctx context.Context, domainID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errFor("DomainXMLDesc:" + domainID); err != nil {
		return "", err
	}
	return c.XMLDescs[domainID], nil
}

// BlockStatsAll implements hypervisor.BlockOps.
func (c *Client) BlockStatsAll(ctx context.Context, domainID string) ([]hypervisor.BlockStat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errFor("BlockStatsAll:" + domainID); err != nil {
		return nil, err
	}
	return c.Stats[domainID], nil
}

// SetBlockThreshold implements hypervisor.BlockOps.
func (c *Client) SetBlockThreshold(ctx context.Context, domainID, target string, bytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errFor("SetBlockThreshold:" + domainID + ":" + target); err != nil {
		return err
	}
	if c.Thresholds[domainID] == nil {
		c.Thresholds[domainID] = make(map[string]uint64)
	}
	c.Thresholds[domainID][target] = bytes
	return nil
}

// BlockCommit implements hypervisor.MergeOps.
func (c *Client) BlockCommit(ctx context.Context, domainID, disk, base, top string, bandwidth uint64, flags hypervisor.BlockCommitFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errFor("BlockCommit:" + domainID); err != nil {
		return err
	}
	c.CommitCalls = append(c.CommitCalls, CommitCall{domainID, disk, base, top, bandwidth, flags})
	return nil
}

// BlockJobInfo implements hypervisor.MergeOps.
func (c *Client) BlockJobInfo(ctx context.Context, domainID, disk string) (*hypervisor.BlockJobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errFor("BlockJobInfo:" + domainID + ":" + disk); err != nil {
		return nil, err
	}
	if m, ok := c.JobInfos[domainID]; ok {
		return m[disk], nil
	}
	return nil, nil
}

// BlockJobAbort implements hypervisor.MergeOps.
func (c *Client) BlockJobAbort(ctx context.Context, domainID, disk string, flags hypervisor.BlockJobAbortFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errFor("BlockJobAbort:" + domainID + ":" + disk); err != nil {
		return err
	}
	c.AbortCalls = append(c.AbortCalls, AbortCall{domainID, disk, flags})
	return nil
}

// AttachDevice implements hypervisor.BackupOps.
func (c *Client) AttachDevice(ctx context.Context, domainID, diskXML string) error {
	return c.errFor("AttachDevice:" + domainID)
}

// DetachDevice implements hypervisor.BackupOps.
func (c *Client) DetachDevice(ctx context.Context, domainID, diskXML string) error {
	return c.errFor("DetachDevice:" + domainID)
}

// Thresholds implements hypervisor.EventStream.
func (c *Client) Thresholds() <-chan hypervisor.ThresholdEvent { return c.thresholdCh }

// Lifecycle implements hypervisor.EventStream.
func (c *Client) Lifecycle() <-chan hypervisor.LifecycleEvent { return c.lifecycleCh }

// EmitThreshold pushes a synthetic threshold event, used by tests that
// exercise the monitor's event-driven path.
func (c *Client) EmitThreshold(ev hypervisor.ThresholdEvent) {
	c.thresholdCh <- ev
}

// SetJobInfo installs the BlockJobInfo result a subsequent query_jobs
// poll should observe for (domainID, disk).
func (c *Client) SetJobInfo(domainID, disk string, info *hypervisor.BlockJobInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.JobInfos[domainID] == nil {
		c.JobInfos[domainID] = make(map[string]*hypervisor.BlockJobInfo)
	}
	c.JobInfos[domainID][disk] = info
}
