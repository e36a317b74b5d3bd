// Command photosceneryd is the minimal driver around the acquisition
// pipeline: it loads the enumerated Config, wires every collaborator
// (cache index, placement, map server profile, the download/assembly/
// fallback pipeline, the HTTP control plane, and optionally the live
// position client), and either serves the HTTP control plane or runs
// one manual-mode pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/config"
	"github.com/flightgear-scenery/go-photoscenery/download"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/httpapi"
	"github.com/flightgear-scenery/go-photoscenery/icaoresolver"
	"github.com/flightgear-scenery/go-photoscenery/mapserver"
	"github.com/flightgear-scenery/go-photoscenery/orchestrator"
	"github.com/flightgear-scenery/go-photoscenery/placement"
	"github.com/flightgear-scenery/go-photoscenery/position"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (YAML/JSON), PHOTOSCENERY_*-prefixed env vars override")
	httpFlag := flag.String("http", "", "bind the HTTP control plane on PORT (empty disables it)")
	radius := flag.Float64("radius", 0, "radius in nautical miles for a one-shot manual run")
	lat := flag.Float64("lat", 0, "center latitude for a one-shot manual run")
	lon := flag.Float64("lon", 0, "center longitude for a one-shot manual run")
	icao := flag.String("icao", "", "resolve this ICAO code instead of --lat/--lon")
	size := flag.Int("size", -1, "base size_id override (0..6)")
	over := flag.Int("over", -1, "overwrite mode override (0|1|2)")
	sdwn := flag.Int("sdwn", -1, "minimum size_id floor override")
	fgfsAddr := flag.String("fgfs", "", "host:port of a live telemetry source for the position client")
	staticDir := flag.String("static", "", "directory of static files served by the HTTP control plane")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("photosceneryd: loading config: %v", err)
	}

	if *size >= 0 {
		cfg.Size = *size
	}
	if *over >= 0 {
		cfg.Over = *over
	}
	if *sdwn >= 0 {
		cfg.Sdwn = *sdwn
	}

	finalTree := cfg.Path
	backupTree := cfg.Save
	if backupTree == "" {
		backupTree = finalTree + "-saved"
	}
	stagingDir := filepath.Join(backupTree, "tmp")

	for _, dir := range []string{finalTree, backupTree, stagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("photosceneryd: creating %s: %v", dir, err)
		}
	}

	idx := cacheindex.New(
		filepath.Join(finalTree, "index.json"),
		filepath.Join(finalTree, "coverage.json"),
		finalTree, backupTree,
		func(id int64) cacheindex.BBox {
			m := geodesy.BuildMetadata(id, 0)
			return cacheindex.BBox{LatLL: m.LatLL, LonLL: m.LonLL, LatUR: m.LatUR, LonUR: m.LonUR}
		},
	)
	if err := idx.Load([]string{finalTree, backupTree}); err != nil {
		log.Printf("photosceneryd: cache index load/rebuild: %v", err)
	}

	var s3Backend placement.S3Backend // nil: no S3 backend is built here, so only a local backupTree works; an s3:// value fails at the first backup
	placer := placement.New(idx, s3Backend)

	mirror, err := cacheindex.NewSQLiteMirror(filepath.Join(finalTree, "preview.sqlite"), 500)
	if err != nil {
		log.Printf("photosceneryd: opening sqlite preview mirror: %v", err)
	} else {
		if err := mirror.Rebuild(idx); err != nil {
			log.Printf("photosceneryd: rebuilding sqlite preview mirror: %v", err)
		}
		defer mirror.Close()
	}

	profile := mapserver.Profile{
		ID:          cfg.Map,
		URLBase:     "https://maps.example.invalid/export",
		URLTemplate: "?bbox={lonLL},{latLL},{lonUR},{latUR}&size={szWidth},{szHight}&format=png",
	}

	bus := statusbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go idx.RunPeriodicRescan(ctx, 10*time.Minute)

	var posClient *position.Client
	if *fgfsAddr != "" {
		posClient = position.New(*fgfsAddr)
		go posClient.Run(ctx)
	}

	poolCfg := pipelineConfigFromCfg(cfg)
	orch := orchestrator.New(idx, placer, bus, profile, poolCfg)

	resolver := icaoresolver.New()

	if *httpFlag != "" {
		addr := fmt.Sprintf("%s:%s", cfg.HTTPHost, *httpFlag)
		server := httpapi.New(addr, orch, bus, idx, mirror, posClient, resolver, *staticDir, cfg, cancel)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		log.Printf("photosceneryd: serving HTTP control plane on %s", addr)
		if err := server.ListenAndServe(ctx); err != nil {
			log.Fatalf("photosceneryd: HTTP control plane: %v", err)
		}
		return
	}

	runManual(ctx, orch, resolver, cfg, finalTree, backupTree, stagingDir, *lat, *lon, *icao, *radius)
}

func pipelineConfigFromCfg(cfg config.Config) download.Config {
	return download.Config{
		MaxRedirects:       5,
		MinChunkBytes:      cfg.MinChunkBytes,
		RetryBackoffBase:   cfg.RetryBackoffBase,
		RetryMaxSleep:      cfg.RetryMaxSleep,
		RetryTimeoutCap:    cfg.RetryTimeoutCap,
		RetryTimeoutFactor: cfg.RetryTimeoutFactor,
		BaseTimeout:        time.Duration(cfg.Timeout) * time.Second,
	}
}

func runManual(ctx context.Context, orch *orchestrator.Orchestrator, resolver *icaoresolver.Static, cfg config.Config, finalTree, backupTree, stagingDir string, lat, lon float64, icao string, radius float64) {
	if icao != "" {
		la, lo, ok := resolver.Resolve(icao)
		if !ok {
			log.Fatalf("photosceneryd: unknown ICAO code %q", icao)
		}
		lat, lon = la, lo
	}
	if radius <= 0 {
		radius = cfg.Radius
	}

	fileExt := "dds"
	if cfg.PNG {
		fileExt = "png"
	}

	opts := orchestrator.Options{
		CenterLat:       lat,
		CenterLon:       lon,
		RadiusNM:        radius,
		BaseSizeID:      cfg.Size,
		Sdwn:            cfg.Sdwn,
		PrecoverGap:     cfg.PrecoverGap,
		DaaPriorityFrac: cfg.DaaPriorityFrac,
		DirectionAware:  cfg.Mode == config.ModeDAA,
		Workers:         cfg.Workers,
		StagingDir:      stagingDir,
		FinalTree:       finalTree,
		BackupTree:      backupTree,
		FileExt:         fileExt,
		Retries:         cfg.Attempts,
		MinChunkBytes:   cfg.MinChunkBytes,
		MonitorInterval: time.Duration(cfg.MonitorInterval) * time.Second,
		GracePeriod:     5 * time.Second,
		HardTimeout:     600 * time.Second,
		OverwriteMode:   placement.OverwriteMode(cfg.Over),
	}

	log.Printf("photosceneryd: starting manual run lat=%.6f lon=%.6f radius=%.2fnm", lat, lon, radius)

	stopProgress := reportProgress(orch.Bus)
	err := orch.Run(ctx, opts)
	stopProgress()

	if err != nil {
		log.Fatalf("photosceneryd: run failed: %v", err)
	}
	log.Printf("photosceneryd: run complete")
}

// reportProgress drives a terminal progress bar off the status bus's
// done counter while a manual run is in flight. The total isn't known
// until the orchestrator finishes enumerating, so the bar starts
// indeterminate and is re-sized once pending+done settles.
func reportProgress(bus *statusbus.Bus) func() {
	bar := progressbar.Default(-1, "fetching tiles")

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		sized := false
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !sized {
					if total := bus.Pending() + bus.Done(); total > 0 {
						bar.ChangeMax64(total)
						sized = true
					}
				}
				bar.Set64(bus.Done())
			}
		}
	}()

	return func() {
		close(stop)
		bar.Set64(bus.Done())
		bar.Finish()
	}
}
