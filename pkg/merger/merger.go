// Package merger implements the drive merger: live storage-merge job
// submission and the periodic poll that drives each job to completion
// via a per-job cleanup worker.
package merger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/metadata"
	"github.com/cuemby/diskwatch/pkg/metrics"
	"github.com/cuemby/diskwatch/pkg/rpcerr"
	"github.com/cuemby/diskwatch/pkg/storageops"
)

var (
	ErrImageErr = errors.New("merger: drive image not found")
	ErrMergeErr = errors.New("merger: merge failed")
)

func init() {
	rpcerr.Register(ErrImageErr, rpcerr.KindImageErr)
	rpcerr.Register(ErrMergeErr, rpcerr.KindMergeErr)
	rpcerr.Register(storageops.ErrDestVolumeTooSmall, rpcerr.KindDestVolumeTooSmall)
}

// MonitorControl is the subset of the volume monitor the merger needs:
// Enable/Disable to suspend monitoring across a pivot, and ExtendVolume
// to route the post-blockCommit base pre-extend through the same
// extend pipeline the monitor itself uses, rather than reimplementing
// a reduced copy of it here.
type MonitorControl interface {
	Enable()
	Disable()
	ExtendVolume(ctx context.Context, driveName, volumeID string, newSizeBytes uint64, internal bool, onComplete func(error)) error
}

// MergeJob is one in-flight live-merge operation.
type MergeJob struct {
	ID        string
	DriveName string
	PoolID    string
	DomainID  string
	ImageID   string
	VolumeID  string
	Base      string
	Top       string
	Gone      bool
}

func (j *MergeJob) record() metadata.MergeJobRecord {
	return metadata.MergeJobRecord{
		ID: j.ID, DomainID: j.DomainID, DriveName: j.DriveName,
		PoolID: j.PoolID, ImageID: j.ImageID, VolumeID: j.VolumeID,
		Base: j.Base, Top: j.Top, Gone: j.Gone,
	}
}

// Request names the drive and chain span to merge.
type Request struct {
	PoolID, ImageID, VolumeID string
	Base, Top                 string
	Bandwidth                 uint64
	JobID                     string // optional; a UUID is generated if empty
}

// JobStatus is one entry of the map returned by QueryJobs, shaped for
// the reporting contract named in the external-interfaces section.
type JobStatus struct {
	Bandwidth     uint64
	BlockJobType  string
	Cur, End      uint64
	Drive         string
	ID            string
	ImgUUID       string
	JobType       string
}

// Merger tracks a guest's live-merge jobs and drives them to
// completion through per-job cleanup workers, all serialized under a
// single jobs lock mirroring the source's re-entrant jobsLock.
type Merger struct {
	DomainID string

	hv      hypervisor.MergeOps
	sops    storageops.StorageOps
	monitor MonitorControl
	store   *metadata.Store

	drives map[string]*drive.Drive // by drive name

	mu        sync.Mutex
	jobs      map[string]*MergeJob
	cleanups  map[string]*cleanupWorker
}

// New constructs a Merger over a guest's drive set.
func New(domainID string, drives map[string]*drive.Drive, hv hypervisor.MergeOps, sops storageops.StorageOps, monitor MonitorControl, store *metadata.Store) *Merger {
	return &Merger{
		DomainID: domainID,
		hv:       hv,
		sops:     sops,
		monitor:  monitor,
		store:    store,
		drives:   drives,
		jobs:     make(map[string]*MergeJob),
		cleanups: make(map[string]*cleanupWorker),
	}
}

// LoadJobs reconstructs the jobs table from persisted records, used on
// agent restart so QueryJobs resumes on the next tick.
func (m *Merger) LoadJobs(records []metadata.MergeJobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.jobs[r.ID] = &MergeJob{
			ID: r.ID, DriveName: r.DriveName, PoolID: r.PoolID,
			DomainID: r.DomainID, ImageID: r.ImageID, VolumeID: r.VolumeID,
			Base: r.Base, Top: r.Top, Gone: r.Gone,
		}
	}
}

func (m *Merger) findDrive(poolID, imageID, volumeID string) (*drive.Drive, bool) {
	for _, d := range m.drives {
		if d.ImageID == imageID && d.VolumeID == volumeID && d.PoolID == poolID {
			return d, true
		}
	}
	return nil, false
}

// hasActiveJob reports whether a job already exists for the given disk
// key; caller must hold m.mu.
func (m *Merger) hasActiveJob(poolID, imageID, volumeID string) bool {
	for _, j := range m.jobs {
		if j.PoolID == poolID && j.ImageID == imageID && j.VolumeID == volumeID {
			return true
		}
	}
	return false
}

// Merge starts a live storage merge of [base, top] on the drive
// identified by (poolID, imageID, volumeID), returning the job ID.
func (m *Merger) Merge(ctx context.Context, req Request) (string, error) {
	d, ok := m.findDrive(req.PoolID, req.ImageID, req.VolumeID)
	if !ok {
		return "", ErrImageErr
	}

	chain, err := m.currentChain(ctx, d)
	if err != nil {
		return "", fmt.Errorf("%w: hypervisor cannot report chains: %v", ErrMergeErr, err)
	}

	baseTarget, err := d.VolumeTarget(req.Base, chain)
	if err != nil {
		return "", fmt.Errorf("%w: unknown base volume: %v", ErrMergeErr, err)
	}
	topTarget, err := d.VolumeTarget(req.Top, chain)
	if err != nil {
		return "", fmt.Errorf("%w: unknown top volume: %v", ErrMergeErr, err)
	}

	baseInfo, err := m.sops.GetVolumeInfo(ctx, m.DomainID, req.PoolID, req.ImageID, req.Base)
	if err != nil {
		return "", fmt.Errorf("%w: base volume info: %v", ErrMergeErr, err)
	}
	topInfo, err := m.sops.GetVolumeInfo(ctx, m.DomainID, req.PoolID, req.ImageID, req.Top)
	if err != nil {
		return "", fmt.Errorf("%w: top volume info: %v", ErrMergeErr, err)
	}
	if baseInfo.Shared {
		return "", storageops.ErrSharedVolumeNotMergeable
	}

	flags := hypervisor.BlockCommitRelative
	activeCommit := req.Top == d.VolumeID
	if activeCommit {
		flags |= hypervisor.BlockCommitActive
	}

	if d.DiskType == drive.DiskTypeBlock && baseInfo.Format == "raw" {
		if baseInfo.Capacity < topInfo.Capacity {
			return "", storageops.ErrDestVolumeTooSmall
		}
	}

	if d.Chunked() && baseInfo.Format == "raw" && baseInfo.ApparentSize < baseInfo.Capacity {
		if err := m.sops.RefreshVolume(ctx, m.DomainID, req.PoolID, req.ImageID, req.Base); err != nil {
			log.WithDrive(d.Name).Warn().Err(err).Msg("pre-merge raw base refresh failed")
		}
	}

	m.mu.Lock()
	if m.hasActiveJob(req.PoolID, req.ImageID, req.VolumeID) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: job already active for this volume", ErrMergeErr)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := &MergeJob{
		ID: jobID, DriveName: d.Name, PoolID: req.PoolID, DomainID: m.DomainID,
		ImageID: req.ImageID, VolumeID: req.VolumeID, Base: req.Base, Top: req.Top,
	}
	m.jobs[jobID] = job
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.PutJob(job.record()); err != nil {
			log.WithJob(jobID).Warn().Err(err).Msg("failed to persist merge job")
		}
	}

	err = m.hv.BlockCommit(ctx, m.DomainID, d.Name, baseTarget, topTarget, req.Bandwidth, flags)
	if err != nil {
		m.untrack(jobID)
		return "", fmt.Errorf("%w: blockCommit: %v", ErrMergeErr, err)
	}

	if d.Chunked() && baseInfo.Format == "cow" {
		maxAlloc := baseInfo.ApparentSize + topInfo.ApparentSize
		done := make(chan struct{})
		err := m.monitor.ExtendVolume(ctx, d.Name, req.Base, maxAlloc, true, func(err error) {
			if err != nil {
				log.WithJob(jobID).Warn().Err(err).Msg("initial base pre-extend failed")
			}
			close(done)
		})
		if err != nil {
			log.WithJob(jobID).Warn().Err(err).Msg("initial base pre-extend failed")
		} else {
			<-done
		}
	}

	metrics.MergeJobsTotal.WithLabelValues("started").Inc()
	metrics.MergeJobsActive.Inc()
	return jobID, nil
}

func (m *Merger) untrack(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	delete(m.cleanups, jobID)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteJob(m.DomainID, jobID); err != nil {
			log.WithJob(jobID).Warn().Err(err).Msg("failed to delete persisted merge job")
		}
	}
	metrics.MergeJobsActive.Dec()
}

// snapshotJobs returns a copy of the jobs table, safe to iterate
// without holding m.mu.
func (m *Merger) snapshotJobs() []*MergeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MergeJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jc := *j
		out = append(out, &jc)
	}
	return out
}

func (m *Merger) cleanupState(jobID string) (CleanupState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.cleanups[jobID]
	if !ok {
		return "", false
	}
	return w.State(), true
}

// QueryJobs polls every tracked job's block-commit progress, spawns or
// advances its cleanup worker as needed, and returns the reporting
// snapshot for external callers.
func (m *Merger) QueryJobs(ctx context.Context) (map[string]JobStatus, error) {
	out := make(map[string]JobStatus)

	for _, j := range m.snapshotJobs() {
		if state, ok := m.cleanupState(j.ID); ok && state == CleanupDone {
			m.untrack(j.ID)
			continue
		}

		d, ok := m.findDrive(j.PoolID, j.ImageID, j.VolumeID)
		if !ok {
			// Pivot may already have completed; the post-pivot drive now
			// carries the base as its volume ID.
			d, ok = m.findDrive(j.PoolID, j.ImageID, j.Base)
			if !ok {
				log.WithJob(j.ID).Warn().Msg("merge job orphaned: drive no longer resolvable")
				continue
			}
		}

		status := JobStatus{
			BlockJobType: "commit",
			Drive:        d.Name,
			ID:           j.ID,
			ImgUUID:      j.ImageID,
			JobType:      "block",
		}

		var doPivot bool
		if !j.Gone {
			info, err := m.hv.BlockJobInfo(ctx, m.DomainID, d.Name)
			if err != nil {
				log.WithJob(j.ID).Warn().Err(err).Msg("blockJobInfo query failed")
				out[j.ID] = status
				continue
			}
			if info == nil {
				j.Gone = true
				doPivot = false
				m.markGone(j.ID)
			} else {
				status.Bandwidth = info.Bandwidth
				status.Cur = info.Cur
				status.End = info.End
				xmlDesc, err := m.hv.DomainXMLDesc(ctx, m.DomainID)
				ready := err == nil && mirrorReady(xmlDesc, d.Name)
				doPivot = info.Cur == info.End && info.Type == hypervisor.BlockJobTypeActiveCommit && ready
			}
		}

		out[j.ID] = status

		if j.Gone || doPivot {
			m.dispatchCleanup(ctx, j, doPivot)
		}
	}

	return out, nil
}

// markGone flips the real tracked job's gone flag (snapshotJobs hands
// callers copies, so the mutation must be applied to the map entry
// itself) and persists the flip.
func (m *Merger) markGone(jobID string) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if ok {
		j.Gone = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.store != nil {
		if err := m.store.PutJob(j.record()); err != nil {
			log.WithJob(jobID).Warn().Err(err).Msg("failed to persist gone flip")
		}
	}
}

func (m *Merger) dispatchCleanup(ctx context.Context, j *MergeJob, doPivot bool) {
	m.mu.Lock()
	w, exists := m.cleanups[j.ID]
	if !exists {
		w = newCleanupWorker()
		m.cleanups[j.ID] = w
		m.mu.Unlock()
		go m.runCleanup(ctx, j, w, doPivot)
		return
	}
	state := w.State()
	m.mu.Unlock()

	switch state {
	case CleanupTrying:
		// Already running; let it finish.
	case CleanupRetry:
		go m.runCleanup(ctx, j, w, doPivot)
	case CleanupAbort:
		m.untrack(j.ID)
	}
}
