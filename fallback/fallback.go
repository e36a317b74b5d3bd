// Package fallback drains permanent-failure events from the download
// workers, deduplicates them, and either restores a cached copy or
// retries at a lower resolution.
package fallback

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/download"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/jobfactory"
	"github.com/flightgear-scenery/go-photoscenery/placement"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

// Config carries the tunables the Fallback Manager needs to rebuild a
// lower-resolution tile and enqueue its chunks.
type Config struct {
	StagingDir    string
	FinalTree     string
	BackupTree    string
	FileExt       string // "dds" or "png"
	Retries       int
	MinChunkBytes int
	AllowAbove    bool
}

// Manager consumes download.PermanentFailure events and resolves each
// one: restore from cache, retry one size_id down, or abandon.
type Manager struct {
	Events  <-chan download.PermanentFailure
	Queue   *download.Queue
	Index   *cacheindex.Index
	Placer  *placement.Placer
	Bus     *statusbus.Bus
	Config  Config

	seenMu sync.Mutex
	seen   map[seenKey]bool
}

type seenKey struct {
	tileID int64
	sizeID int
}

// New wires a Fallback Manager against its upstream event channel and the
// collaborators it needs to restore or retry a tile.
func New(events <-chan download.PermanentFailure, q *download.Queue, idx *cacheindex.Index, placer *placement.Placer, bus *statusbus.Bus, cfg Config) *Manager {
	return &Manager{
		Events: events,
		Queue:  q,
		Index:  idx,
		Placer: placer,
		Bus:    bus,
		Config: cfg,
		seen:   make(map[seenKey]bool),
	}
}

// Run drains Events until the channel is closed, resolving each unique
// (tile_id, size_id) pair exactly once; the fallback never requeues a
// tile above the resolution it originally failed at.
func (m *Manager) Run() {
	for ev := range m.Events {
		m.handle(ev)
	}
}

func (m *Manager) handle(ev download.PermanentFailure) {
	key := seenKey{ev.TileID, ev.SizeID}
	m.seenMu.Lock()
	if m.seen[key] {
		m.seenMu.Unlock()
		return
	}
	m.seen[key] = true
	m.seenMu.Unlock()

	if m.restoreFromCache(ev) {
		return
	}
	m.retryLowerResolution(ev)
}

// restoreFromCache finds the nearest-first cached record and places it
// with overwrite=0, never clobbering anything newer already sitting in
// the final tree.
func (m *Manager) restoreFromCache(ev download.PermanentFailure) bool {
	rec, ok := m.Index.BestCached(ev.TileID, ev.SizeID, m.Config.AllowAbove)
	if !ok {
		return false
	}

	if m.Index.IsUnderFinal(rec.Path) {
		// Already satisfied in the final tree at an acceptable size.
		return true
	}

	meta := geodesy.BuildMetadata(ev.TileID, rec.SizeID)
	_, err := m.Placer.Place(rec.Path, meta, m.Config.FinalTree, m.Config.BackupTree, placement.OverwriteNever, m.Config.FileExt)
	if err != nil {
		if m.Bus != nil {
			m.Bus.Log(fmt.Sprintf("fallback: restoring tile %d from cache: %v", ev.TileID, err))
		}
		return false
	}
	return true
}

// retryLowerResolution requeues the tile one step down in resolution,
// or abandons it at size_id 0.
func (m *Manager) retryLowerResolution(ev download.PermanentFailure) {
	if ev.SizeID-1 < 0 {
		if m.Bus != nil {
			m.Bus.Log(fmt.Sprintf("fallback: abandoning tile %d, no lower resolution available", ev.TileID))
		}
		return
	}

	lowerSizeID := ev.SizeID - 1
	purgeStagedChunks(m.Config.StagingDir, ev.TileID, ev.SizeID)

	meta := geodesy.BuildMetadata(ev.TileID, lowerSizeID)
	jobs, err := jobfactory.BuildJobs(meta, m.Config.StagingDir, m.Config.Retries, jobfactory.Low, m.Config.MinChunkBytes)
	if err != nil {
		if m.Bus != nil {
			m.Bus.Log(fmt.Sprintf("fallback: building retry jobs for tile %d at size_id %d: %v", ev.TileID, lowerSizeID, err))
		}
		return
	}

	if m.Bus != nil {
		m.Bus.IncPending(int64(len(jobs)))
	}
	for _, job := range jobs {
		m.Queue.Enqueue(job)
	}
}

var stagedChunkPattern = regexp.MustCompile(`^(\d+)_(\d+)_([1-9]\d*)_([1-9]\d*)_([1-9]\d*)\.png$`)

// purgeStagedChunks removes any staged chunk files for (tileID, sizeID)
// before a retry rebuilds them at a new size_id, so stale partial chunks
// from the failed attempt never get mistaken for complete ones.
func purgeStagedChunks(stagingDir string, tileID int64, sizeID int) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := stagedChunkPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err1 := strconv.ParseInt(m[1], 10, 64)
		sid, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		if id == tileID && sid == sizeID {
			os.Remove(filepath.Join(stagingDir, e.Name()))
		}
	}
}
