package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/diskwatch/pkg/drive"
	"github.com/cuemby/diskwatch/pkg/hypervisor"
	"github.com/cuemby/diskwatch/pkg/log"
	"github.com/cuemby/diskwatch/pkg/merger"
	"github.com/cuemby/diskwatch/pkg/metadata"
	"github.com/cuemby/diskwatch/pkg/metrics"
	"github.com/cuemby/diskwatch/pkg/monitor"
	"github.com/cuemby/diskwatch/pkg/storageops"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the volume monitor and merge coordinator",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("libvirt-uri", "qemu:///system", "libvirt connection URI")
	runCmd.Flags().String("config", "", "YAML file describing monitored guests and their drives (required)")
	runCmd.Flags().String("data-dir", "/var/lib/diskwatchd", "Directory for the bbolt metadata store")
	runCmd.Flags().String("vg-name", "vg0", "LVM volume group backing thin-provisioned drives")
	runCmd.Flags().Duration("poll-interval", 10*time.Second, "Interval between monitoring cycles")
	runCmd.Flags().Duration("monitor-timeout", 3*time.Second, "Per-drive monitor lock timeout")
	runCmd.Flags().Duration("refresh-timeout", 5*time.Second, "Storage refresh timeout")
	runCmd.Flags().Duration("extend-timeout", 30*time.Second, "Minimum interval between extend attempts on one drive")
	runCmd.Flags().Uint64("chunk-size", 1<<30, "Default chunk size in bytes for drives that don't set one")
	runCmd.Flags().Float64("free-percent", 50, "Default watermark free-space percentage for drives that don't set one")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics HTTP listen address")
	runCmd.Flags().Bool("events-enabled", true, "Trust hypervisor block-threshold events as the primary signal")
	_ = runCmd.MarkFlagRequired("config")
}

// daemonGuest bundles one domain's monitor and merger so the poll loop
// can drive both from a single list.
type daemonGuest struct {
	domainID string
	mon      *monitor.Guest
	mg       *merger.Merger
}

func runRun(cmd *cobra.Command, args []string) error {
	libvirtURI, _ := cmd.Flags().GetString("libvirt-uri")
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	vgName, _ := cmd.Flags().GetString("vg-name")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	monitorTimeout, _ := cmd.Flags().GetDuration("monitor-timeout")
	refreshTimeout, _ := cmd.Flags().GetDuration("refresh-timeout")
	extendTimeout, _ := cmd.Flags().GetDuration("extend-timeout")
	defaultChunkSize, _ := cmd.Flags().GetUint64("chunk-size")
	defaultFreePercent, _ := cmd.Flags().GetFloat64("free-percent")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	eventsEnabled, _ := cmd.Flags().GetBool("events-enabled")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := metadata.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	hv, err := hypervisor.DialLibvirt(ctx, libvirtURI)
	if err != nil {
		return err
	}
	defer hv.Close()

	sops := storageops.NewLVMStorageOps(vgName)

	guestConfigs, err := loadGuestConfigs(configPath)
	if err != nil {
		return err
	}

	running, err := hv.ListDomains(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to list running domains, proceeding with configured guests only")
	}
	runningSet := make(map[string]bool, len(running))
	for _, id := range running {
		runningSet[id] = true
	}

	monitorCfg := monitor.Config{
		MonitorTimeout: monitorTimeout,
		RefreshTimeout: refreshTimeout,
		ExtendTimeout:  extendTimeout,
		EventsEnabled:  eventsEnabled,
	}

	guests := make(map[string]*daemonGuest, len(guestConfigs))
	for _, gc := range guestConfigs {
		if len(running) > 0 && !runningSet[gc.DomainID] {
			log.WithGuest(gc.DomainID).Warn().Msg("configured guest is not currently running, skipping")
			continue
		}

		drives, err := buildDrives(gc.DomainID, gc.Drives)
		if err != nil {
			return err
		}
		applyDefaults(drives, defaultChunkSize, defaultFreePercent)

		driveMap := make(map[string]*drive.Drive, len(drives))
		for _, d := range drives {
			driveMap[d.Name] = d
		}

		mon := monitor.New(gc.DomainID, drives, hv, sops, hv, monitorCfg)
		mg := merger.New(gc.DomainID, driveMap, hv, sops, mon, store)

		records, err := store.ListJobs(gc.DomainID)
		if err != nil {
			log.WithGuest(gc.DomainID).Warn().Err(err).Msg("failed to load persisted merge jobs")
		} else {
			mg.LoadJobs(records)
		}

		mon.Enable()
		guests[gc.DomainID] = &daemonGuest{domainID: gc.DomainID, mon: mon, mg: mg}
		log.WithGuest(gc.DomainID).Info().Int("drives", len(drives)).Msg("guest registered")
	}

	go serveMetrics(metricsAddr)
	go dispatchEvents(ctx, hv, guests)

	var wg sync.WaitGroup
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCycle(ctx, guests)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	cancel()
	wg.Wait()
	return nil
}

func applyDefaults(drives []*drive.Drive, chunkSize uint64, freePercent float64) {
	for _, d := range drives {
		if d.ChunkSize == 0 {
			d.ChunkSize = chunkSize
		}
		if d.FreePercent == 0 {
			d.FreePercent = freePercent
		}
	}
}

func runCycle(ctx context.Context, guests map[string]*daemonGuest) {
	for _, g := range guests {
		g := g
		if !g.mon.MonitoringNeeded() {
			continue
		}
		go func() {
			if err := g.mon.MonitorVolumes(ctx); err != nil {
				log.WithGuest(g.domainID).Warn().Err(err).Msg("monitor cycle failed")
			}
		}()
		go func() {
			if _, err := g.mg.QueryJobs(ctx); err != nil {
				log.WithGuest(g.domainID).Warn().Err(err).Msg("query jobs failed")
			}
		}()
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("metrics server error")
	}
}

// dispatchEvents forwards hypervisor threshold and lifecycle events to
// the guest they belong to for as long as ctx is live.
func dispatchEvents(ctx context.Context, hv *hypervisor.LibvirtClient, guests map[string]*daemonGuest) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-hv.Thresholds():
			g, ok := guests[ev.DomainID]
			if !ok {
				continue
			}
			g.mon.OnBlockThreshold(driveNameFromTarget(ev.Target), ev.Path)
		case ev := <-hv.Lifecycle():
			log.WithGuest(ev.DomainID).Debug().Str("event", ev.Event).Msg("domain lifecycle event")
		}
	}
}

// driveNameFromTarget strips the addressing suffix from a threshold
// event's target ("vda[7]" -> "vda").
func driveNameFromTarget(target string) string {
	if i := strings.IndexByte(target, '['); i >= 0 {
		return target[:i]
	}
	return target
}
