package merger

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/metrics"
)

// CleanupState is the cleanup worker's lifecycle state.
type CleanupState string

const (
	CleanupTrying CleanupState = "TRYING"
	CleanupRetry  CleanupState = "RETRY"
	CleanupDone   CleanupState = "DONE"
	CleanupAbort  CleanupState = "ABORT"
)

// pivotWaitInterval is the poll period while waiting for the
// hypervisor's domain XML to reflect a completed pivot.
const pivotWaitInterval = time.Second

type cleanupWorker struct {
	mu    sync.Mutex
	state CleanupState
}

func newCleanupWorker() *cleanupWorker {
	return &cleanupWorker{state: CleanupTrying}
}

func (w *cleanupWorker) State() CleanupState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *cleanupWorker) setState(s CleanupState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// runCleanup runs one spawn of the cleanup worker for job j on its own
// goroutine, mirroring the source's dedicated per-job thread.
func (m *Merger) runCleanup(ctx context.Context, j *MergeJob, w *cleanupWorker, doPivot bool) {
	timer := metrics.NewTimer()
	w.setState(CleanupTrying)

	outcome := m.runCleanupSteps(ctx, j, w, doPivot)

	timer.ObserveDuration(metrics.CleanupWorkerDuration)
	metrics.CleanupWorkerOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	w.setState(outcome)

	if outcome == CleanupAbort {
		m.untrack(j.ID)
	}
}

func (m *Merger) runCleanupSteps(ctx context.Context, j *MergeJob, w *cleanupWorker, doPivot bool) CleanupState {
	d, ok := m.findDrive(j.PoolID, j.ImageID, j.VolumeID)
	if !ok {
		d, ok = m.findDrive(j.PoolID, j.ImageID, j.Base)
	}
	if !ok {
		log.WithJob(j.ID).Warn().Msg("cleanup worker: drive no longer resolvable")
		return CleanupAbort
	}

	// update_base_size: reflect whatever auto-extension blockCommit
	// performed on the base inside the hypervisor.
	topInfo, err := m.sops.GetVolumeInfo(ctx, m.DomainID, j.PoolID, j.ImageID, j.Top)
	if err == nil {
		if err := m.sops.SetVolumeSize(ctx, m.DomainID, j.PoolID, j.ImageID, j.Base, topInfo.Capacity); err != nil {
			log.WithJob(j.ID).Warn().Err(err).Msg("update_base_size failed")
		}
	}

	if doPivot {
		chain, err := m.currentChain(ctx, d)
		if err != nil {
			log.WithJob(j.ID).Warn().Err(err).Msg("cleanup worker: pre-pivot chain read failed")
			return CleanupRetry
		}
		origVols := volumeIDs(chain)
		others := removeVol(origVols, j.Top)

		if err := m.sops.ImageSyncVolumeChain(ctx, m.DomainID, j.ImageID, j.Top, others); err != nil {
			log.WithJob(j.ID).Warn().Err(err).Msg("mark-leaf-illegal failed")
			return CleanupRetry
		}

		m.monitor.Disable()
		err = m.hv.BlockJobAbort(ctx, m.DomainID, d.Name, hypervisor.BlockJobAbortPivot)
		if err != nil {
			m.monitor.Enable()
			if errors.Is(err, hypervisor.ErrBlockCopyActive) {
				return CleanupRetry
			}
			log.WithJob(j.ID).Error().Err(err).Msg("pivot failed unrecoverably")
			return CleanupAbort
		}

		if !m.waitForPivot(ctx, d, origVols, others) {
			m.monitor.Enable()
			return CleanupAbort
		}
	}

	chain, err := m.currentChain(ctx, d)
	if err != nil {
		log.WithJob(j.ID).Warn().Err(err).Msg("post-pivot chain sync failed")
		if doPivot {
			m.monitor.Enable()
		}
		return CleanupRetry
	}
	d.VolumeChain = chain

	if doPivot {
		m.monitor.Enable()
	}

	if !containsVolume(chain, j.Top) {
		if err := m.sops.TeardownVolume(ctx, m.DomainID, j.ImageID, j.Top); err != nil {
			log.WithJob(j.ID).Warn().Err(err).Msg("top volume teardown failed")
		}
	}

	return CleanupDone
}

// currentChain queries the hypervisor's current domain XML, extracts
// d's own disk element, and resolves it against d's recorded chain.
func (m *Merger) currentChain(ctx context.Context, d *drive.Drive) ([]drive.VolumeChainEntry, error) {
	xmlDesc, err := m.hv.DomainXMLDesc(ctx, m.DomainID)
	if err != nil {
		return nil, err
	}
	diskXML, err := extractDiskXML([]byte(xmlDesc), d.Name)
	if err != nil {
		return nil, err
	}
	return d.ParseVolumeChain(diskXML)
}

// domainXMLDoc and diskChainXML mirror just enough of a domain's XML
// devices list to locate one disk's element and hand it to
// drive.ParseVolumeChain, which expects a single <disk> fragment
// rather than a whole domain description.
type domainXMLDoc struct {
	XMLName xml.Name `xml:"domain"`
	Devices struct {
		Disks []diskChainXML `xml:"disk"`
	} `xml:"devices"`
}

type diskChainXML struct {
	XMLName xml.Name `xml:"disk"`
	Target  struct {
		Dev string `xml:"dev,attr"`
	} `xml:"target"`
	Source  sourceAttrsXML `xml:"source"`
	Backing *backingXML    `xml:"backingStore"`
}

type sourceAttrsXML struct {
	File string `xml:"file,attr"`
	Dev  string `xml:"dev,attr"`
	Name string `xml:"name,attr"`
}

type backingXML struct {
	Index   string         `xml:"index,attr"`
	Source  sourceAttrsXML `xml:"source"`
	Backing *backingXML    `xml:"backingStore"`
}

func extractDiskXML(domainXML []byte, driveName string) ([]byte, error) {
	var doc domainXMLDoc
	if err := xml.Unmarshal(domainXML, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", drive.ErrInvalidDiskXML, err)
	}
	for _, disk := range doc.Devices.Disks {
		if disk.Target.Dev == driveName {
			return xml.Marshal(disk)
		}
	}
	return nil, fmt.Errorf("%w: disk %s not present in domain XML", drive.ErrInvalidDiskXML, driveName)
}

// waitForPivot polls the domain XML, unbounded, until it reflects the
// expected post-pivot chain (origVols minus the committed leaf). This
// is an intentionally unbounded wait: see the design notes on the
// pivot-wait liveness risk.
func (m *Merger) waitForPivot(ctx context.Context, d *drive.Drive, origVols, expectedVols []string) bool {
	expected := sortedCopy(expectedVols)
	orig := sortedCopy(origVols)

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		chain, err := m.currentChain(ctx, d)
		if err != nil {
			time.Sleep(pivotWaitInterval)
			continue
		}
		cur := sortedCopy(volumeIDs(chain))

		switch {
		case equalStrings(cur, orig):
			metrics.PivotWaitIterationsTotal.Inc()
			time.Sleep(pivotWaitInterval)
			continue
		case equalStrings(cur, expected):
			return true
		default:
			log.WithDrive(d.Name).Error().Msg("bad volume chain after pivot")
			return false
		}
	}
}

func volumeIDs(chain []drive.VolumeChainEntry) []string {
	out := make([]string, 0, len(chain))
	for _, e := range chain {
		out = append(out, e.VolumeID)
	}
	return out
}

func containsVolume(chain []drive.VolumeChainEntry, volID string) bool {
	for _, e := range chain {
		if e.VolumeID == volID {
			return true
		}
	}
	return false
}

func removeVol(vols []string, target string) []string {
	out := make([]string, 0, len(vols))
	for _, v := range vols {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func sortedCopy(vols []string) []string {
	out := append([]string(nil), vols...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type domainDiskForReady struct {
	XMLName xml.Name `xml:"domain"`
	Devices struct {
		Disks []diskReadyXML `xml:"disk"`
	} `xml:"devices"`
}

type diskReadyXML struct {
	Target struct {
		Dev string `xml:"dev,attr"`
	} `xml:"target"`
	Mirror *struct {
		Ready string `xml:"ready,attr"`
	} `xml:"mirror"`
}

// mirrorReady reports whether the domain XML shows driveName's disk
// element with a mirror[@ready="yes"], the mandatory readiness check
// that distinguishes a truly complete active-layer commit from a
// cur==end==0 job that has merely just started.
func mirrorReady(xmlDesc, driveName string) bool {
	var dom domainDiskForReady
	if err := xml.Unmarshal([]byte(xmlDesc), &dom); err != nil {
		return false
	}
	for _, disk := range dom.Devices.Disks {
		if disk.Target.Dev != driveName {
			continue
		}
		return disk.Mirror != nil && disk.Mirror.Ready == "yes"
	}
	return false
}
