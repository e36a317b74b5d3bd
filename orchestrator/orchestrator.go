// Package orchestrator turns a center point and radius into an ordered
// tile list, starts the assembly monitor and download worker pool, and
// drives pre-coverage then high-resolution queueing to completion.
package orchestrator

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/flightgear-scenery/go-photoscenery/assembly"
	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/download"
	"github.com/flightgear-scenery/go-photoscenery/fallback"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/jobfactory"
	"github.com/flightgear-scenery/go-photoscenery/mapserver"
	"github.com/flightgear-scenery/go-photoscenery/placement"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

const nmPerDegree = 60.0

// Options is one run's request: a center, radius, and the resolution
// and concurrency knobs from the enumerated Config.
type Options struct {
	CenterLat, CenterLon float64
	RadiusNM             float64
	OffsetNM             float64
	BaseSizeID           int
	Sdwn                 int
	AltFt, FOVDeg        float64
	DirectionAware       bool
	HeadingDeg           float64
	PrecoverGap          int
	DaaPriorityFrac      float64

	Workers         int
	StagingDir      string
	FinalTree       string
	BackupTree      string
	FileExt         string
	Retries         int
	MinChunkBytes   int
	MonitorInterval time.Duration
	GracePeriod     time.Duration
	HardTimeout     time.Duration
	OverwriteMode   placement.OverwriteMode
}

// candidate is one enumerated tile awaiting ordering and LOD selection.
type candidate struct {
	tileID   int64
	metricNM float64
	radialNM float64
	sizeID   int
}

// Orchestrator composes the pipeline's collaborators for one run.
type Orchestrator struct {
	Index   *cacheindex.Index
	Placer  *placement.Placer
	Bus     *statusbus.Bus
	Profile mapserver.Profile
	Pool    download.Config
}

// New wires an Orchestrator from its collaborators.
func New(idx *cacheindex.Index, placer *placement.Placer, bus *statusbus.Bus, profile mapserver.Profile, poolCfg download.Config) *Orchestrator {
	return &Orchestrator{Index: idx, Placer: placer, Bus: bus, Profile: profile, Pool: poolCfg}
}

// Run executes one full pass: enumerate, skip satisfied, sort, start
// the assembly monitor and worker pool, queue pre-coverage then
// high-resolution jobs, and wait for pending==0 or the hard timeout.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	runCtx, cancel := context.WithTimeout(ctx, opts.HardTimeout)
	defer cancel()

	candidates := o.enumerate(opts)
	candidates = o.skipSatisfied(candidates)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].metricNM != candidates[j].metricNM {
			return candidates[i].metricNM < candidates[j].metricNM
		}
		return candidates[i].radialNM < candidates[j].radialNM
	})

	if len(candidates) == 0 {
		return nil
	}

	queue := download.NewQueue()
	pool := download.NewPool(queue, o.Profile, o.Bus, o.Pool)

	monitor := assembly.New(opts.StagingDir, opts.MinChunkBytes, opts.MonitorInterval, opts.GracePeriod, o.Placer, opts.FinalTree, opts.BackupTree, opts.OverwriteMode, o.Bus)

	needed := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		needed[c.tileID] = true
	}

	fbManager := fallback.New(pool.Permanent, queue, o.Index, o.Placer, o.Bus, fallback.Config{
		StagingDir:    opts.StagingDir,
		FinalTree:     opts.FinalTree,
		BackupTree:    opts.BackupTree,
		FileExt:       opts.FileExt,
		Retries:       opts.Retries,
		MinChunkBytes: opts.MinChunkBytes,
	})

	poolDone := make(chan struct{})
	go func() {
		pool.Run(runCtx, opts.Workers)
		close(poolDone)
	}()

	monitorDone := make(chan struct{})
	go func() {
		monitor.Run(runCtx, needed)
		close(monitorDone)
	}()

	fbDone := make(chan struct{})
	go func() {
		fbManager.Run()
		close(fbDone)
	}()

	o.phasePrecoverage(queue, candidates, opts)
	o.phaseHighResolution(queue, candidates, opts)

	o.waitForDrain(runCtx, opts)

	// Cancelling runCtx unblocks both the workers (Next selects on ctx)
	// and the monitor; wait for the workers to fully exit before closing
	// Permanent, so no in-flight worker can send on a closed channel.
	// The queue itself is left open and is simply dropped: any work
	// still sitting in it at the hard timeout is abandoned for a
	// subsequent run.
	cancel()
	<-poolDone
	close(pool.Permanent)
	<-fbDone
	<-monitorDone
	return nil
}

// enumerate walks the tile grid over a bounding box (expanded by
// OffsetNM in direction-aware mode) and keeps tiles within radius, plus
// the tile containing the center point.
func (o *Orchestrator) enumerate(opts Options) []candidate {
	radius := opts.RadiusNM
	if opts.DirectionAware {
		radius += opts.OffsetNM
	}

	latSpanDeg := radius/nmPerDegree + geodesy.LatStep
	cosLat := math.Cos(opts.CenterLat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonSpanDeg := radius/(nmPerDegree*cosLat) + 1

	latStart := math.Floor((opts.CenterLat - latSpanDeg) / geodesy.LatStep) * geodesy.LatStep
	latEnd := opts.CenterLat + latSpanDeg

	seen := make(map[int64]bool)
	var out []candidate
	centerID := geodesy.Index(opts.CenterLat, opts.CenterLon)

	for lat := latStart; lat <= latEnd; lat += geodesy.LatStep {
		lonStep := geodesy.TileWidth(lat)
		lonStart := math.Floor((opts.CenterLon-lonSpanDeg)/lonStep) * lonStep
		lonEnd := opts.CenterLon + lonSpanDeg

		for lon := lonStart; lon <= lonEnd; lon += lonStep {
			sampleLat := lat + geodesy.LatStep/2
			sampleLon := lon + lonStep/2

			radialNM := geodesy.SurfaceDistanceNM(opts.CenterLon, opts.CenterLat, sampleLon, sampleLat)
			tileID := geodesy.Index(sampleLat, sampleLon)
			if radialNM > radius && tileID != centerID {
				continue
			}

			if seen[tileID] {
				continue
			}
			seen[tileID] = true

			metric := radialNM
			if opts.DirectionAware {
				metric = geodesy.EllipseMetric(sampleLon, sampleLat, opts.CenterLon, opts.CenterLat, opts.HeadingDeg, opts.RadiusNM)
			}

			sizeID := geodesy.AdaptiveSizeID(opts.BaseSizeID, opts.AltFt, metric, opts.FOVDeg, opts.RadiusNM, opts.Sdwn)
			if sizeID < opts.Sdwn {
				sizeID = opts.Sdwn
			}

			out = append(out, candidate{tileID: tileID, metricNM: metric, radialNM: radialNM, sizeID: sizeID})
		}
	}
	return out
}

// skipSatisfied drops candidates the cache index already covers.
func (o *Orchestrator) skipSatisfied(candidates []candidate) []candidate {
	if o.Index == nil {
		return candidates
	}
	out := candidates[:0]
	for _, c := range candidates {
		if o.Index.Satisfied(c.tileID, c.sizeID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// phasePrecoverage queues one coarse chunk per tile on HIGH so the user
// gets an immediate view while the high-resolution pass runs.
func (o *Orchestrator) phasePrecoverage(queue *download.Queue, candidates []candidate, opts Options) {
	minRequired := candidates[0].sizeID
	for _, c := range candidates {
		if c.sizeID < minRequired {
			minRequired = c.sizeID
		}
	}
	precoverLevel := clamp(minRequired-opts.PrecoverGap, 0, 2)

	for _, c := range candidates {
		meta := geodesy.BuildMetadata(c.tileID, c.sizeID)
		job, ok, err := jobfactory.BuildPrecoverageJob(meta, precoverLevel, opts.StagingDir, opts.Retries)
		if err != nil || !ok {
			continue
		}
		job.Class = jobfactory.High
		if o.Bus != nil {
			o.Bus.IncPending(1)
		}
		queue.Enqueue(job)
	}
}

// phaseHighResolution queues the full chunk jobs: direction-aware mode
// splits the first frac of the ordered list onto HIGH, remainder LOW;
// otherwise everything is LOW.
func (o *Orchestrator) phaseHighResolution(queue *download.Queue, candidates []candidate, opts Options) {
	highCount := 0
	if opts.DirectionAware {
		highCount = int(math.Round(float64(len(candidates)) * opts.DaaPriorityFrac))
	}

	for i, c := range candidates {
		class := jobfactory.Low
		if i < highCount {
			class = jobfactory.High
		}

		meta := geodesy.BuildMetadata(c.tileID, c.sizeID)
		jobs, err := jobfactory.BuildJobs(meta, opts.StagingDir, opts.Retries, class, opts.MinChunkBytes)
		if err != nil {
			continue
		}
		if o.Bus != nil {
			o.Bus.IncPending(int64(len(jobs)))
		}
		for _, job := range jobs {
			queue.Enqueue(job)
		}
	}
}

// waitForDrain polls until pending stays 0 for a full grace interval,
// bounded by runCtx's hard timeout.
func (o *Orchestrator) waitForDrain(runCtx context.Context, opts Options) {
	ticker := time.NewTicker(opts.MonitorInterval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
		}

		if o.Bus == nil || o.Bus.Pending() == 0 {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= opts.GracePeriod {
				return
			}
		} else {
			idleSince = time.Time{}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
