// Package cacheindex implements the on-disk cache index: a
// mutex-protected path->CacheRecord map, persisted as JSON, rebuildable
// from a filesystem scan, with a derived coverage snapshot.
package cacheindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/aaronland/go-string/dedupe"

	"github.com/flightgear-scenery/go-photoscenery/codec"
)

// ProgramVersion is compared against the persisted index metadata to
// decide whether a rebuild is required.
const ProgramVersion = "go-photoscenery/1.0"

var filenamePattern = regexp.MustCompile(`^(\d{7})\.(dds|png)$`)

// CacheRecord describes one indexed tile file, keyed by absolute path.
type CacheRecord struct {
	Path         string    `json:"-"`
	ID           int64     `json:"id"`
	Size         int64     `json:"size"`
	LastModified string    `json:"last_modified"`
	SizeID       int       `json:"sizeId"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	modTime      time.Time `json:"-"`
}

type metadata struct {
	ProgramVersion string   `json:"program_version"`
	ScannedPaths   []string `json:"scanned_paths"`
	LastScan       string   `json:"last_scan"`
}

type onDisk struct {
	Metadata metadata                `json:"metadata"`
	Files    map[string]*CacheRecord `json:"files"`
}

// CoverageEntry is one row of the coverage.json snapshot.
type CoverageEntry struct {
	ID           int64  `json:"id"`
	BBox         BBox   `json:"bbox"`
	SizeID       int    `json:"sizeId"`
	LastModified string `json:"last_modified,omitempty"`
}

// BBox matches the coverage snapshot's embedded bbox shape.
type BBox struct {
	LatLL float64 `json:"latLL"`
	LonLL float64 `json:"lonLL"`
	LatUR float64 `json:"latUR"`
	LonUR float64 `json:"lonUR"`
}

// Index is the process-wide cache index.
type Index struct {
	mu           sync.Mutex
	files        map[string]*CacheRecord
	scannedPaths []string
	indexPath    string
	coveragePath string
	finalRoot    string
	backupRoot   string
	bboxer       func(tileID int64) BBox
}

// New creates an Index persisted at indexPath/coveragePath, scanning
// finalRoot and backupRoot during Rebuild. bboxer derives a tile's bbox
// for the coverage snapshot (normally geodesy.BuildMetadata-backed).
func New(indexPath, coveragePath, finalRoot, backupRoot string, bboxer func(int64) BBox) *Index {
	return &Index{
		files:        make(map[string]*CacheRecord),
		indexPath:    indexPath,
		coveragePath: coveragePath,
		finalRoot:    finalRoot,
		backupRoot:   backupRoot,
		bboxer:       bboxer,
	}
}

// Load reads the persisted index. If the program version or scanned
// paths differ from what's on disk, it rebuilds from the filesystem
// instead of trusting the stale file.
func (idx *Index) Load(roots []string) error {
	idx.mu.Lock()
	data, err := os.ReadFile(idx.indexPath)
	idx.mu.Unlock()

	if err != nil {
		return idx.Rebuild(roots)
	}

	var d onDisk
	if err := json.Unmarshal(data, &d); err != nil {
		return idx.Rebuild(roots)
	}

	if d.Metadata.ProgramVersion != ProgramVersion || !sameStringSet(d.Metadata.ScannedPaths, roots) {
		return idx.Rebuild(roots)
	}

	idx.mu.Lock()
	idx.files = d.Files
	for path, rec := range idx.files {
		rec.Path = path
	}
	idx.scannedPaths = roots
	idx.mu.Unlock()
	return nil
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

// dedupeRoots removes duplicate scan roots before they're recorded in
// the index metadata.
func dedupeRoots(roots []string) []string {
	deduper := dedupe.NewDeDuper()
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if !deduper.DeDupe(r) {
			out = append(out, r)
		}
	}
	return out
}

// Rebuild scans roots for indexable tile files and reconstructs the
// index from scratch, reading width/height from each file's codec.
func (idx *Index) Rebuild(roots []string) error {
	roots = dedupeRoots(roots)
	fresh := make(map[string]*CacheRecord)

	for _, root := range roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				return nil
			}
			rec, ok := indexFile(path, info)
			if !ok {
				return nil
			}
			fresh[path] = rec
			return nil
		})
		if err != nil {
			return fmt.Errorf("cacheindex: scanning %s: %w", root, err)
		}
	}

	idx.mu.Lock()
	idx.files = fresh
	idx.scannedPaths = append([]string{}, roots...)
	idx.mu.Unlock()

	return idx.save()
}

// indexFile validates the filename convention and the tile-ID/path
// relationship, then reads dimensions for a CacheRecord.
func indexFile(path string, info os.FileInfo) (*CacheRecord, bool) {
	base := filepath.Base(path)
	m := filenamePattern.FindStringSubmatch(base)
	if m == nil {
		return nil, false
	}

	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil, false
	}

	var width, height, sizeID int
	switch m[2] {
	case "dds":
		w, h, err := codec.DDSDimensions(path)
		if err != nil {
			return nil, false
		}
		width, height = w, h
	case "png":
		w, h, err := codec.PNGDimensions(path)
		if err != nil {
			return nil, false
		}
		width, height = w, h
	default:
		return nil, false
	}
	sizeID = sizeIDForWidth(width)

	return &CacheRecord{
		Path:         path,
		ID:           id,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC().Format("2006-01-02 15:04:05"),
		SizeID:       sizeID,
		Width:        width,
		Height:       height,
		modTime:      info.ModTime(),
	}, true
}

func sizeIDForWidth(width int) int {
	for i, w := range [7]int{512, 1024, 2048, 4096, 8192, 16384, 32768} {
		if w == width {
			return i
		}
	}
	return -1
}

// Rescan re-walks the recorded scan roots and refreshes the index,
// persisting only when the sweep found additions, updates or removals. Records
// whose size and mtime are unchanged are carried over without re-reading
// their headers.
func (idx *Index) Rescan() (bool, error) {
	idx.mu.Lock()
	roots := append([]string{}, idx.scannedPaths...)
	current := make(map[string]*CacheRecord, len(idx.files))
	for k, v := range idx.files {
		current[k] = v
	}
	idx.mu.Unlock()

	fresh := make(map[string]*CacheRecord)
	changed := false
	for _, root := range roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			stamp := info.ModTime().UTC().Format("2006-01-02 15:04:05")
			if prev, ok := current[path]; ok && prev.Size == info.Size() && prev.LastModified == stamp {
				fresh[path] = prev
				return nil
			}
			rec, ok := indexFile(path, info)
			if !ok {
				return nil
			}
			fresh[path] = rec
			changed = true
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("cacheindex: rescanning %s: %w", root, err)
		}
	}

	if len(fresh) != len(current) {
		changed = true
	}
	if !changed {
		return false, nil
	}

	idx.mu.Lock()
	idx.files = fresh
	idx.mu.Unlock()
	return true, idx.save()
}

// RunPeriodicRescan runs Rescan on interval until ctx is done. Scan and
// save failures are logged and never block job progress.
func (idx *Index) RunPeriodicRescan(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := idx.Rescan(); err != nil {
				log.Printf("cacheindex: periodic rescan: %v", err)
			}
		}
	}
}

// Upsert adds or updates a single record (called by Placement after a
// successful move), serializing the write through idx.mu.
func (idx *Index) Upsert(rec *CacheRecord) error {
	idx.mu.Lock()
	idx.files[rec.Path] = rec
	idx.mu.Unlock()
	return idx.save()
}

// Remove deletes a record for path (called on overwrite/backup moves).
func (idx *Index) Remove(path string) error {
	idx.mu.Lock()
	_, existed := idx.files[path]
	delete(idx.files, path)
	idx.mu.Unlock()
	if !existed {
		return nil
	}
	return idx.save()
}

// Get returns the record for path, if any.
func (idx *Index) Get(path string) (*CacheRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.files[path]
	return r, ok
}

// BestCached scans resolutions nearest-first to requested, returning the
// first matching record for tileID. Order tried: requested,
// -1, +1, -2, +2, ... When allowAbove is false, only sizes <= requested
// are tried.
func (idx *Index) BestCached(tileID int64, requested int, allowAbove bool) (*CacheRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	order := nearestFirstOrder(requested, allowAbove)
	for _, sizeID := range order {
		var best *CacheRecord
		for _, rec := range idx.files {
			if rec.ID != tileID || rec.SizeID != sizeID {
				continue
			}
			if best == nil || preferRecord(rec, best, idx.finalRoot) {
				best = rec
			}
		}
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

func nearestFirstOrder(requested int, allowAbove bool) []int {
	order := []int{requested}
	for d := 1; d <= 6; d++ {
		if requested-d >= 0 {
			order = append(order, requested-d)
		}
		if allowAbove && requested+d <= 6 {
			order = append(order, requested+d)
		}
	}
	return order
}

func preferRecord(a, b *CacheRecord, finalRoot string) bool {
	aFinal := isUnder(a.Path, finalRoot)
	bFinal := isUnder(b.Path, finalRoot)
	if aFinal != bFinal {
		return aFinal
	}
	return a.SizeID > b.SizeID
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && len(rel) > 0 && rel[0] != '.'
}

// IsUnderFinal reports whether path sits under the index's configured
// final tree, used by Placement to decide how to classify a move.
func (idx *Index) IsUnderFinal(path string) bool {
	return isUnder(path, idx.finalRoot)
}

func (idx *Index) save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	d := onDisk{
		Metadata: metadata{
			ProgramVersion: ProgramVersion,
			ScannedPaths:   idx.scannedPaths,
			LastScan:       time.Now().UTC().Format("2006-01-02 15:04:05"),
		},
		Files: idx.files,
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	if err := writeAtomic(idx.indexPath, data); err != nil {
		return err
	}

	return idx.writeCoverageLocked()
}

// writeCoverageLocked rebuilds coverage.json from the current in-memory
// files map; caller must hold idx.mu.
func (idx *Index) writeCoverageLocked() error {
	byTile := make(map[int64]*CacheRecord)
	for _, rec := range idx.files {
		cur, ok := byTile[rec.ID]
		if !ok || preferRecord(rec, cur, idx.finalRoot) {
			byTile[rec.ID] = rec
		}
	}

	entries := make([]CoverageEntry, 0, len(byTile))
	for id, rec := range byTile {
		bbox := BBox{}
		if idx.bboxer != nil {
			bbox = idx.bboxer(id)
		}
		entries = append(entries, CoverageEntry{
			ID:           id,
			BBox:         bbox,
			SizeID:       rec.SizeID,
			LastModified: rec.LastModified,
		})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(idx.coveragePath, data)
}

// writeAtomic writes to a temp file and renames it into place so the
// index and coverage files are never observed half-written.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Satisfied reports whether a tile at sizeID already has a final-tree
// record, used by the Orchestrator to skip already-covered tiles.
func (idx *Index) Satisfied(tileID int64, sizeID int) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, rec := range idx.files {
		if rec.ID == tileID && rec.SizeID >= sizeID && isUnder(rec.Path, idx.finalRoot) {
			return true
		}
	}
	return false
}
