package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/diskwatch/pkg/blockinfo"
	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/metrics"
	"github.com/cuemby/diskwatch/pkg/storageops"
)

// ErrShortExtend is returned by finishExtend when the destination
// volume's reported size is still below what was requested after the
// post-extend refresh, mirroring the source's RuntimeError on a short
// extension.
var ErrShortExtend = errors.New("monitor: destination volume shorter than requested after extend")

// extendVolume drives the C4 extend pipeline for d: a replica
// extension first when the drive is replicating to a chunked target,
// then the drive's own volume extension.
func (g *Guest) extendVolume(ctx context.Context, d *drive.Drive, info blockinfo.BlockInfo, capacity uint64) {
	if d.ReplicaChunked() {
		g.extendReplica(ctx, d, capacity)
		return
	}
	g.extendOwnVolume(ctx, d, d.VolumeID, info.Physical, capacity, false)
}

// extendReplica extends the replica side of a replicating drive first;
// once it completes, the source volume is extended in turn unless the
// source itself is not chunked.
func (g *Guest) extendReplica(ctx context.Context, d *drive.Drive, capacity uint64) {
	replica := d.DiskReplicate
	metrics.ExtendAttemptsTotal.WithLabelValues("replica").Inc()
	timer := metrics.NewTimer()

	size, err := g.sops.GetVolumeSize(ctx, g.DomainID, replica.PoolID, replica.ImageID, replica.VolumeID)
	if err != nil {
		log.WithDrive(d.Name).Warn().Err(err).Msg("replica size query failed, will retry next cycle")
		metrics.ExtendFailuresTotal.WithLabelValues("replica_size_query").Inc()
		return
	}

	newSize := replica.GetNextVolumeSize(size.ApparentSize, capacity)
	req := storageops.ExtendRequest{
		PoolID:       replica.PoolID,
		DomainID:     g.DomainID,
		ImageID:      replica.ImageID,
		VolumeID:     replica.VolumeID,
		Name:         replica.Name,
		NewSizeBytes: newSize,
	}

	g.sops.SendExtendMsg(ctx, req, func(res storageops.ExtendResult) {
		timer.ObserveDuration(metrics.ExtendDuration)
		if res.Err != nil {
			log.WithDrive(d.Name).Warn().Err(res.Err).Msg("replica extend failed")
			metrics.ExtendFailuresTotal.WithLabelValues("replica_extend").Inc()
			return
		}
		if !d.Chunked() {
			// Only the replica needed extension; the source itself is
			// not thin-provisioned.
			return
		}
		g.extendOwnVolume(ctx, d, d.VolumeID, 0, capacity, false)
	})
}

// extendOwnVolume extends one volume of d (the drive's current leaf,
// or an internal chain member during a merge) and, for a non-internal
// extension, refreshes the drive's own size once the new size is
// confirmed and resets its threshold to UNSET so the next cycle arms it.
func (g *Guest) extendOwnVolume(ctx context.Context, d *drive.Drive, volumeID string, curSize, capacity uint64, internal bool) {
	metrics.ExtendAttemptsTotal.WithLabelValues("volume").Inc()
	timer := metrics.NewTimer()

	newSize := d.GetNextVolumeSize(curSize, capacity)
	req := storageops.ExtendRequest{
		PoolID:       d.PoolID,
		DomainID:     g.DomainID,
		ImageID:      d.ImageID,
		VolumeID:     volumeID,
		Name:         d.Name,
		NewSizeBytes: newSize,
		Internal:     internal,
	}

	g.sops.SendExtendMsg(ctx, req, func(res storageops.ExtendResult) {
		timer.ObserveDuration(metrics.ExtendDuration)
		if res.Err != nil {
			log.WithDrive(d.Name).Warn().Err(res.Err).Msg("volume extend failed")
			metrics.ExtendFailuresTotal.WithLabelValues("volume_extend").Inc()
			return
		}
		g.finishExtend(ctx, d, req)
	})
}

// ExtendVolume extends volumeID of a drive already known to this guest
// to exactly newSizeBytes, used by the merger for the chunked/cow base
// pre-extend issued right after blockCommit (spec's "initial extension,"
// exposed here rather than reimplemented by the merger). onComplete is
// called with the terminal error, if any, once the extend and its
// post-extend refresh/verify finish. internal mirrors the source's
// internal=True: refresh and size verification still run and can still
// fail on a short extension, but the owning drive's own reported size
// and threshold are left untouched (only a genuine drive-leaf extension
// does that).
func (g *Guest) ExtendVolume(ctx context.Context, driveName, volumeID string, newSizeBytes uint64, internal bool, onComplete func(error)) error {
	g.mu.Lock()
	d, ok := g.drives[driveName]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownDrive
	}

	metrics.ExtendAttemptsTotal.WithLabelValues("volume").Inc()
	timer := metrics.NewTimer()

	req := storageops.ExtendRequest{
		PoolID:       d.PoolID,
		DomainID:     g.DomainID,
		ImageID:      d.ImageID,
		VolumeID:     volumeID,
		Name:         d.Name,
		NewSizeBytes: newSizeBytes,
		Internal:     internal,
	}

	g.sops.SendExtendMsg(ctx, req, func(res storageops.ExtendResult) {
		timer.ObserveDuration(metrics.ExtendDuration)
		if res.Err != nil {
			log.WithDrive(d.Name).Warn().Err(res.Err).Msg("volume extend failed")
			metrics.ExtendFailuresTotal.WithLabelValues("volume_extend").Inc()
			onComplete(res.Err)
			return
		}
		onComplete(g.finishExtend(ctx, d, req))
	})
	return nil
}

// finishExtend refreshes the destination volume and verifies its new
// size landed, mirroring the source's _extend_volume_completed: this
// step runs for every extension, internal or not. Only a non-internal
// extension goes on to re-acquire the monitor lock, update the drive's
// own reported size and reset its threshold to UNSET; the threshold
// itself is armed against the new size by the next monitoring cycle.
func (g *Guest) finishExtend(ctx context.Context, d *drive.Drive, req storageops.ExtendRequest) error {
	refreshCtx, cancel := context.WithTimeout(ctx, g.cfg.RefreshTimeout)
	defer cancel()

	err := g.sops.RefreshVolume(refreshCtx, req.DomainID, req.PoolID, req.ImageID, req.VolumeID)
	if err != nil {
		if errors.Is(err, storageops.ErrRefreshNotSupported) {
			if req.Internal {
				log.WithDrive(d.Name).Warn().Msg("disk refresh not supported on destination during internal extend")
				return err
			}
			log.WithDrive(d.Name).Warn().Msg("disk refresh not supported on destination, disabling monitor")
			g.Disable()
			return err
		}
		if errors.Is(err, storageops.ErrDomainNotRunning) {
			log.WithDrive(d.Name).Debug().Msg("domain not running, extend result discarded")
			return err
		}
		log.WithDrive(d.Name).Warn().Err(err).Msg("post-extend refresh failed")
		metrics.ExtendFailuresTotal.WithLabelValues("refresh").Inc()
		return err
	}

	size, err := g.sops.GetVolumeSize(ctx, req.DomainID, req.PoolID, req.ImageID, req.VolumeID)
	if err != nil {
		log.WithDrive(d.Name).Warn().Err(err).Msg("post-extend size verification failed")
		metrics.ExtendFailuresTotal.WithLabelValues("verify").Inc()
		return err
	}
	if size.ApparentSize < req.NewSizeBytes {
		log.WithDrive(d.Name).Warn().
			Uint64("got", size.ApparentSize).
			Uint64("want", req.NewSizeBytes).
			Msg("destination volume smaller than requested after extend")
		metrics.ExtendFailuresTotal.WithLabelValues("too_small").Inc()
		err = fmt.Errorf("%w: got %d want %d", ErrShortExtend, size.ApparentSize, req.NewSizeBytes)
		return err
	}

	if req.Internal {
		// An internal chain member's extension never updates the owning
		// drive's own reported size or threshold.
		return nil
	}

	lockCtx, cancel2 := context.WithTimeout(ctx, g.cfg.MonitorTimeout)
	defer cancel2()
	release, err := d.MonitorLock(lockCtx)
	if err != nil {
		log.WithDrive(d.Name).Warn().Msg("monitor lock busy at extend completion, threshold left unarmed until next cycle")
		return nil
	}
	defer release()

	d.UpdateApparentSize(size.ApparentSize, size.TrueSize)
	d.ClearExceededTime()
	d.ResetToUnset()
	return nil
}
