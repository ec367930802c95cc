package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	libvirt "github.com/digitalocean/go-libvirt"
)

// LibvirtClient wraps a single libvirt RPC connection and implements
// BlockOps, MergeOps and BackupOps over it, translating libvirt error
// codes into this package's sentinel kinds. One LibvirtClient is shared
// by every subsystem monitoring the same host, matching the "same
// in-process hypervisor connection" requirement.
type LibvirtClient struct {
	conn *libvirt.Libvirt

	mu        sync.RWMutex
	domainIDs map[string]libvirt.Domain // domainID (UUID string) -> resolved Domain

	thresholds chan ThresholdEvent
	lifecycle  chan LifecycleEvent
}

// DialLibvirt opens a connection to libvirtd at uri (e.g.
// "qemu:///system") and starts the event-dispatch goroutine.
func DialLibvirt(ctx context.Context, uri string) (*LibvirtClient, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: parse uri %q: %w", uri, err)
	}

	network := "unix"
	address := parsed.Path
	if parsed.Host != "" {
		network = "tcp"
		address = parsed.Host
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: dial %s: %w", uri, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("hypervisor: connect %s: %w", uri, err)
	}

	c := &LibvirtClient{
		conn:       l,
		domainIDs:  make(map[string]libvirt.Domain),
		thresholds: make(chan ThresholdEvent, 64),
		lifecycle:  make(chan LifecycleEvent, 64),
	}

	go c.dispatchEvents(ctx)

	return c, nil
}

// Thresholds implements EventStream.
func (c *LibvirtClient) Thresholds() <-chan ThresholdEvent { return c.thresholds }

// Lifecycle implements EventStream.
func (c *LibvirtClient) Lifecycle() <-chan LifecycleEvent { return c.lifecycle }

func (c *LibvirtClient) domain(domainID string) (libvirt.Domain, error) {
	c.mu.RLock()
	dom, ok := c.domainIDs[domainID]
	c.mu.RUnlock()
	if ok {
		return dom, nil
	}

	uuid, err := libvirt.UUIDParse(domainID)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("hypervisor: invalid domain id %q: %w", domainID, err)
	}
	dom, err = c.conn.DomainLookupByUUID(uuid)
	if err != nil {
		return libvirt.Domain{}, translateErr(err)
	}

	c.mu.Lock()
	c.domainIDs[domainID] = dom
	c.mu.Unlock()
	return dom, nil
}

// DomainXMLDesc implements BlockOps.
func (c *LibvirtClient) DomainXMLDesc(ctx context.Context, domainID string) (string, error) {
	dom, err := c.domain(domainID)
	if err != nil {
		return "", err
	}
	xmlDesc, err := c.conn.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", translateErr(err)
	}
	return xmlDesc, nil
}

// BlockStatsAll implements BlockOps, building one flat snapshot per
// cycle from the domain's XML description plus one DomainGetBlockInfo
// call per disk, skipping CDROM entries and entries missing a name.
func (c *LibvirtClient) BlockStatsAll(ctx context.Context, domainID string) ([]BlockStat, error) {
	xmlDesc, err := c.DomainXMLDesc(ctx, domainID)
	if err != nil {
		return nil, err
	}
	return c.blockStatsAllFromXMLAndInfo(ctx, domainID, xmlDesc)
}

// SetBlockThreshold implements BlockOps.
func (c *LibvirtClient) SetBlockThreshold(ctx context.Context, domainID, target string, bytes uint64) error {
	dom, err := c.domain(domainID)
	if err != nil {
		return err
	}
	if err := c.conn.DomainSetBlockThreshold(dom, target, bytes, 0); err != nil {
		return translateErr(err)
	}
	return nil
}

// BlockCommit implements MergeOps.
func (c *LibvirtClient) BlockCommit(ctx context.Context, domainID, disk, base, top string, bandwidth uint64, flags BlockCommitFlags) error {
	dom, err := c.domain(domainID)
	if err != nil {
		return err
	}
	var nativeFlags uint32
	if flags&BlockCommitRelative != 0 {
		nativeFlags |= 4 // VIR_DOMAIN_BLOCK_COMMIT_RELATIVE
	}
	if flags&BlockCommitActive != 0 {
		nativeFlags |= 2 // VIR_DOMAIN_BLOCK_COMMIT_ACTIVE
	}
	if err := c.conn.DomainBlockCommit(dom, disk, base, top, bandwidth, nativeFlags); err != nil {
		return translateErr(err)
	}
	return nil
}

// BlockJobInfo implements MergeOps.
func (c *LibvirtClient) BlockJobInfo(ctx context.Context, domainID, disk string) (*BlockJobInfo, error) {
	dom, err := c.domain(domainID)
	if err != nil {
		return nil, err
	}
	typ, bandwidth, cur, end, err := c.conn.DomainGetBlockJobInfo(dom, disk, 0)
	if err != nil {
		return nil, translateErr(err)
	}
	if typ == 0 && bandwidth == 0 && cur == 0 && end == 0 {
		return nil, nil // empty info: job is gone
	}
	jobType := BlockJobTypeCommit
	if typ == 3 { // VIR_DOMAIN_BLOCK_JOB_TYPE_ACTIVE_COMMIT
		jobType = BlockJobTypeActiveCommit
	}
	return &BlockJobInfo{
		Type:      jobType,
		Bandwidth: bandwidth,
		Cur:       cur,
		End:       end,
	}, nil
}

// BlockJobAbort implements MergeOps.
func (c *LibvirtClient) BlockJobAbort(ctx context.Context, domainID, disk string, flags BlockJobAbortFlags) error {
	dom, err := c.domain(domainID)
	if err != nil {
		return err
	}
	var nativeFlags uint32
	if flags&BlockJobAbortPivot != 0 {
		nativeFlags |= 1 // VIR_DOMAIN_BLOCK_JOB_ABORT_PIVOT
	}
	if err := c.conn.DomainBlockJobAbort(dom, disk, nativeFlags); err != nil {
		return translateErr(err)
	}
	return nil
}

// AttachDevice implements BackupOps.
func (c *LibvirtClient) AttachDevice(ctx context.Context, domainID, diskXML string) error {
	dom, err := c.domain(domainID)
	if err != nil {
		return err
	}
	if err := c.conn.DomainAttachDeviceFlags(dom, diskXML, 0); err != nil {
		return translateErr(err)
	}
	return nil
}

// DetachDevice implements BackupOps.
func (c *LibvirtClient) DetachDevice(ctx context.Context, domainID, diskXML string) error {
	dom, err := c.domain(domainID)
	if err != nil {
		return err
	}
	if err := c.conn.DomainDetachDeviceFlags(dom, diskXML, 0); err != nil {
		return translateErr(err)
	}
	return nil
}

// Pause suspends domainID, used by the volume monitor when it observes
// an allocation it cannot reconcile with any legitimate extend path.
// reason is logged only; libvirt's suspend RPC carries no reason field.
func (c *LibvirtClient) Pause(ctx context.Context, domainID, reason string) error {
	dom, err := c.domain(domainID)
	if err != nil {
		return err
	}
	if err := c.conn.DomainSuspend(dom); err != nil {
		return translateErr(err)
	}
	return nil
}

// ListDomains returns the domain IDs (UUID strings) of every currently
// running domain, used at startup and on a recovery sweep to discover
// which guests need a volume monitor and merger instance.
func (c *LibvirtClient) ListDomains(ctx context.Context) ([]string, error) {
	doms, err := c.conn.Domains()
	if err != nil {
		return nil, translateErr(err)
	}

	ids := make([]string, 0, len(doms))
	c.mu.Lock()
	for _, dom := range doms {
		id := dom.UUID.String()
		c.domainIDs[id] = dom
		ids = append(ids, id)
	}
	c.mu.Unlock()
	return ids, nil
}

// Close terminates the underlying libvirt RPC connection.
func (c *LibvirtClient) Close() error {
	return c.conn.Disconnect()
}

// translateErr maps a libvirt RPC error onto this package's sentinel
// error kinds by inspecting the native error code, falling back to
// wrapping the original error unchanged.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return err
	}
	switch lverr.Code {
	case uint32(libvirt.ErrNoDomain):
		return fmt.Errorf("%w: %v", ErrNoDomain, err)
	case uint32(libvirt.ErrOperationInvalid):
		return fmt.Errorf("%w: %v", ErrOperationInvalid, err)
	case uint32(libvirt.ErrBlockCopyActive):
		return fmt.Errorf("%w: %v", ErrBlockCopyActive, err)
	case uint32(libvirt.ErrNoDomainCheckpoint):
		return fmt.Errorf("%w: %v", ErrNoDomainCheckpoint, err)
	case uint32(libvirt.ErrNoDomainBackup):
		return fmt.Errorf("%w: %v", ErrNoDomainBackup, err)
	default:
		return err
	}
}
