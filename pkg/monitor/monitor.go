// Package monitor implements the per-guest volume monitor: the
// periodic cycle that watches thin-provisioned drives for exhaustion
// and drives the extend pipeline that grows them ahead of the guest
// running out of space.
package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/diskwatch/pkg/blockinfo"
	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/metrics"
	"github.com/cuemby/diskwatch/pkg/storageops"
)

// Pauser pauses a running guest, used when the volume monitor observes
// an allocation it cannot reconcile with any legitimate extend path.
type Pauser interface {
	Pause(ctx context.Context, domainID, reason string) error
}

const (
	// PauseReasonEOTHER mirrors the hypervisor's generic I/O error pause
	// reason, used for improbable-allocation guests.
	PauseReasonEOTHER = "EOTHER"
)

// ErrUnknownDrive is returned by ExtendVolume when asked to extend a
// drive this guest has no record of.
var ErrUnknownDrive = errors.New("monitor: unknown drive")

// Config bounds the monitor's blocking operations.
type Config struct {
	MonitorTimeout time.Duration
	RefreshTimeout time.Duration
	ExtendTimeout  time.Duration
	// EventsEnabled gates monitoring down to drives with an outstanding
	// threshold concern once the hypervisor's block-threshold events are
	// trusted as the primary signal; when false every chunked drive is
	// polled every cycle regardless of state.
	EventsEnabled bool
}

// Guest is one domain's volume monitor: its drive set plus the
// collaborators needed to arm thresholds and drive extensions.
type Guest struct {
	DomainID string

	hv    hypervisor.BlockOps
	sops  storageops.StorageOps
	pause Pauser
	cfg   Config

	mu      sync.Mutex
	enabled bool
	drives  map[string]*drive.Drive
}

// New constructs a Guest monitor over the given drive set. Monitoring
// starts disabled, as the source does immediately after create/recover.
func New(domainID string, drives []*drive.Drive, hv hypervisor.BlockOps, sops storageops.StorageOps, pause Pauser, cfg Config) *Guest {
	byName := make(map[string]*drive.Drive, len(drives))
	for _, d := range drives {
		byName[d.Name] = d
	}
	return &Guest{
		DomainID: domainID,
		hv:       hv,
		sops:     sops,
		pause:    pause,
		cfg:      cfg,
		drives:   byName,
	}
}

// Enable turns on monitoring for this guest; idempotent.
func (g *Guest) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
}

// Disable turns off monitoring for this guest; idempotent.
func (g *Guest) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
}

// Enabled reports whether monitoring is currently on.
func (g *Guest) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// MonitoringNeeded reports whether monitoring is enabled and any drive
// of this guest is eligible for monitoring, used to skip scheduling a
// cycle entirely.
func (g *Guest) MonitoringNeeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return false
	}
	for _, d := range g.drives {
		if d.NeedsMonitoring() {
			return true
		}
	}
	return false
}

// RegisterDrive adds d to this guest's monitored set, used to attach a
// block-typed scratch disk for the lifetime of a backup.
func (g *Guest) RegisterDrive(d *drive.Drive) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drives[d.Name] = d
}

// UnregisterDrive removes the named drive from this guest's monitored
// set, used when a backup's scratch disks are torn down.
func (g *Guest) UnregisterDrive(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drives, name)
}

// candidateDrives returns the drives to examine this cycle, narrowed to
// those with an outstanding threshold concern when event delivery is
// trusted, or the full monitorable set otherwise.
func (g *Guest) candidateDrives() []*drive.Drive {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*drive.Drive
	for _, d := range g.drives {
		if !d.NeedsMonitoring() {
			continue
		}
		if g.cfg.EventsEnabled {
			switch d.Snapshot().ThresholdState {
			case drive.ThresholdUnset, drive.ThresholdExceeded:
			default:
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// OnBlockThreshold delivers a hypervisor threshold-crossing event to
// the named drive. driveName is the bare drive name ("vda"); the caller
// strips any "[index]" suffix from the event's target before calling.
func (g *Guest) OnBlockThreshold(driveName, path string) {
	metrics.ThresholdEventsTotal.Inc()
	g.mu.Lock()
	d, ok := g.drives[driveName]
	g.mu.Unlock()
	if !ok {
		log.WithGuest(g.DomainID).Warn().Str("drive", driveName).Msg("threshold event for unknown drive")
		return
	}
	d.OnBlockThreshold(path)
}

// OnENOSPC marks driveName EXCEEDED unconditionally, used when the
// guest has paused on ENOSPC rather than a threshold crossing.
func (g *Guest) OnENOSPC(driveName string) {
	g.mu.Lock()
	d, ok := g.drives[driveName]
	g.mu.Unlock()
	if !ok {
		return
	}
	d.OnENOSPC()
}

// MonitorVolumes runs one monitoring cycle: refresh block info, then
// dispatch each candidate drive on its threshold state.
func (g *Guest) MonitorVolumes(ctx context.Context) error {
	candidates := g.candidateDrives()
	if len(candidates) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MonitorCycleDuration)
		metrics.MonitorCyclesTotal.Inc()
	}()

	cache, err := blockinfo.Build(ctx, g.hv, g.DomainID)
	if err != nil {
		log.WithGuest(g.DomainID).Warn().Err(err).Msg("block info refresh failed, retrying next cycle")
		return nil
	}

	for _, d := range candidates {
		if d.ReplicaChunked() {
			src := blockinfo.ReplicaSource{
				DriveName:        d.Name,
				DomainID:         g.DomainID,
				PoolID:           d.DiskReplicate.PoolID,
				ImageID:          d.DiskReplicate.ImageID,
				VolumeID:         d.DiskReplicate.VolumeID,
				ReplicaIsChunked: true,
			}
			if err := blockinfo.AmendReplicaPhysical(ctx, cache, g.sops, src); err != nil {
				log.WithDrive(d.Name).Warn().Err(err).Msg("replica physical size amendment failed")
			}
		}
	}

	states := map[drive.ThresholdState]int{}
	for _, d := range candidates {
		g.monitorOne(ctx, d, cache)
		states[d.Snapshot().ThresholdState]++
	}
	for state, n := range states {
		metrics.DrivesMonitored.WithLabelValues(string(state)).Set(float64(n))
	}
	return nil
}

func (g *Guest) monitorOne(ctx context.Context, d *drive.Drive, cache blockinfo.Cache) {
	lockCtx, cancel := context.WithTimeout(ctx, g.cfg.MonitorTimeout)
	defer cancel()

	release, err := d.MonitorLock(lockCtx)
	if err != nil {
		log.WithDrive(d.Name).Debug().Msg("monitor lock busy, skipping this cycle")
		return
	}
	defer release()

	info, ok := cache[d.Name]
	if !ok {
		log.WithDrive(d.Name).Warn().Msg("no block info for drive this cycle")
		return
	}

	snap := d.Snapshot()
	capacity := d.Capacity

	if info.Allocation > d.GetNextVolumeSize(info.Physical, capacity) {
		metrics.ImprobableAllocationsTotal.Inc()
		log.WithDrive(d.Name).Error().
			Uint64("allocation", info.Allocation).
			Uint64("physical", info.Physical).
			Msg("improbable allocation, pausing guest")
		if g.pause != nil {
			if err := g.pause.Pause(ctx, g.DomainID, PauseReasonEOTHER); err != nil {
				log.WithDrive(d.Name).Error().Err(err).Msg("failed to pause guest on improbable allocation")
			}
		}
		return
	}

	switch snap.ThresholdState {
	case drive.ThresholdUnset:
		g.handleUnset(ctx, d, info)
	case drive.ThresholdSet:
		// Armed; nothing to do until the hypervisor reports a crossing.
	case drive.ThresholdExceeded:
		g.handleExceeded(ctx, d, info, capacity)
	case drive.ThresholdDisabled:
		// Awaiting an operator capacity resize and Reenable.
	}
}

func (g *Guest) handleUnset(ctx context.Context, d *drive.Drive, info blockinfo.BlockInfo) {
	limit := d.WatermarkLimit()
	if info.Physical > info.Allocation && info.Physical-info.Allocation < limit {
		// The guest has already written past where the threshold would
		// have fired; the threshold-set itself was lost. Treat it as an
		// immediate crossing rather than waiting on a future event:
		// mark the drive EXCEEDED (OnBlockThreshold only acts from SET).
		d.OnENOSPC()
		d.SetExtendTime(time.Time{})
		g.handleExceeded(ctx, d, info, d.Capacity)
		return
	}

	target := indexedTarget(d.Name, info.Index)
	value := d.ArmValue(info.Physical)
	if err := g.hv.SetBlockThreshold(ctx, g.DomainID, target, value); err != nil {
		outcome := "error"
		if isOperationInvalid(err) {
			log.WithDrive(d.Name).Debug().Err(err).Msg("setBlockThreshold invalid for domain state")
		} else {
			log.WithDrive(d.Name).Warn().Err(err).Msg("setBlockThreshold failed")
		}
		metrics.ThresholdArmsTotal.WithLabelValues(outcome).Inc()
		d.ArmFailed()
		return
	}
	metrics.ThresholdArmsTotal.WithLabelValues("ok").Inc()
	d.ArmSucceeded()
}

func (g *Guest) handleExceeded(ctx context.Context, d *drive.Drive, info blockinfo.BlockInfo, capacity uint64) {
	if info.Physical >= d.GetMaxVolumeSize(capacity) {
		d.DisableThreshold()
		log.WithDrive(d.Name).Warn().Msg("drive reached maximum volume size, disabling threshold monitoring")
		return
	}

	snap := d.Snapshot()
	if snap.ExtendTime != nil && time.Since(*snap.ExtendTime) < g.cfg.ExtendTimeout {
		return
	}

	d.SetExtendTime(time.Now())
	g.extendVolume(ctx, d, info, capacity)
}

func indexedTarget(name string, index int) string {
	return name + "[" + strconv.Itoa(index) + "]"
}

func isOperationInvalid(err error) bool {
	return errors.Is(err, hypervisor.ErrOperationInvalid)
}
