// Package assembly implements the assembly monitor: a periodic scanner
// over the staging directory that groups completed chunk sets, mosaics
// them into a single tile image, encodes it via the DXT1 codec, and
// hands the result to placement.
package assembly

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/gift"

	"github.com/flightgear-scenery/go-photoscenery/codec"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/placement"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

var chunkPattern = regexp.MustCompile(`^(\d+)_(\d+)_([1-9]\d*)_([1-9]\d*)_([1-9]\d*)\.png$`)

// groupKey identifies one assembleable chunk set.
type groupKey struct {
	TileID int64
	SizeID int
	Total  int
}

type chunkFile struct {
	path string
	x, y int
	size int64
}

// Monitor scans StagingDir on an interval, assembling and placing any
// complete chunk set it finds.
type Monitor struct {
	StagingDir    string
	MinChunkBytes int
	PollInterval  time.Duration
	GracePeriod   time.Duration

	Placer     *placement.Placer
	FinalTree  string
	BackupTree string
	Mode       placement.OverwriteMode
	Bus        *statusbus.Bus

	claimedMu sync.Mutex
	claimed   map[groupKey]bool

	seenMu sync.Mutex
	seen   map[groupKey]bool
}

// New creates an Assembly Monitor bound to a Placer and status bus.
func New(stagingDir string, minChunkBytes int, pollInterval, gracePeriod time.Duration, placer *placement.Placer, finalTree, backupTree string, mode placement.OverwriteMode, bus *statusbus.Bus) *Monitor {
	return &Monitor{
		StagingDir:    stagingDir,
		MinChunkBytes: minChunkBytes,
		PollInterval:  pollInterval,
		GracePeriod:   gracePeriod,
		Placer:        placer,
		FinalTree:     finalTree,
		BackupTree:    backupTree,
		Mode:          mode,
		Bus:           bus,
		claimed:       make(map[groupKey]bool),
		seen:          make(map[groupKey]bool),
	}
}

// Run polls the staging directory until every tile in needed has been
// seen, or the status bus reports pending==0 continuously for
// GracePeriod, or ctx is done.
func (m *Monitor) Run(ctx Canceller, needed map[int64]bool) {
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		assembled, err := m.ScanOnce()
		if err != nil && m.Bus != nil {
			m.Bus.Log(fmt.Sprintf("assembly: scan error: %v", err))
		}

		if m.allSeen(needed) {
			return
		}

		if assembled == 0 && m.Bus != nil && m.Bus.Pending() == 0 {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= m.GracePeriod {
				return
			}
		} else {
			idleSince = time.Time{}
		}
	}
}

// Canceller is the minimal context.Context surface Run needs, kept
// narrow so tests can drive it without a real context.
type Canceller interface {
	Done() <-chan struct{}
}

func (m *Monitor) allSeen(needed map[int64]bool) bool {
	if len(needed) == 0 {
		return false
	}
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	for tileID := range needed {
		found := false
		for key := range m.seen {
			if key.TileID == tileID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScanOnce performs a single sweep: group staged chunks, claim and
// assemble any complete, unseen group. It returns how many groups were
// successfully assembled and placed.
func (m *Monitor) ScanOnce() (int, error) {
	entries, err := os.ReadDir(m.StagingDir)
	if err != nil {
		return 0, err
	}

	groups := make(map[groupKey][]chunkFile)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := chunkPattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		tileID, err1 := strconv.ParseInt(match[1], 10, 64)
		sizeID, err2 := strconv.Atoi(match[2])
		total, err3 := strconv.Atoi(match[3])
		yFlipped, err4 := strconv.Atoi(match[4])
		x, err5 := strconv.Atoi(match[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := groupKey{TileID: tileID, SizeID: sizeID, Total: total}
		groups[key] = append(groups[key], chunkFile{
			path: filepath.Join(m.StagingDir, e.Name()),
			x:    x,
			y:    yFlipped,
			size: info.Size(),
		})
	}

	assembled := 0
	for key, files := range groups {
		if m.alreadySeen(key) {
			continue
		}
		if len(files) != key.Total {
			continue
		}
		if !allAboveMinSize(files, m.MinChunkBytes) {
			continue
		}
		if !m.claim(key) {
			continue
		}

		ok := m.assembleGroup(key, files)
		m.release(key)
		if ok {
			assembled++
		}
	}
	return assembled, nil
}

func allAboveMinSize(files []chunkFile, minBytes int) bool {
	for _, f := range files {
		if f.size < int64(minBytes) {
			return false
		}
	}
	return true
}

func (m *Monitor) claim(key groupKey) bool {
	m.claimedMu.Lock()
	defer m.claimedMu.Unlock()
	if m.claimed[key] {
		return false
	}
	m.claimed[key] = true
	return true
}

func (m *Monitor) release(key groupKey) {
	m.claimedMu.Lock()
	delete(m.claimed, key)
	m.claimedMu.Unlock()
}

func (m *Monitor) alreadySeen(key groupKey) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	return m.seen[key]
}

func (m *Monitor) markSeen(key groupKey) {
	m.seenMu.Lock()
	m.seen[key] = true
	m.seenMu.Unlock()
}

// assembleGroup processes one claimed, complete group: mosaic, encode,
// place, mark seen, delete chunks.
func (m *Monitor) assembleGroup(key groupKey, files []chunkFile) bool {
	sort.Slice(files, func(i, j int) bool {
		if files[i].y != files[j].y {
			return files[i].y < files[j].y
		}
		return files[i].x < files[j].x
	})

	cols := int(math.Round(math.Sqrt(float64(key.Total))))
	if cols*cols != key.Total {
		m.logf("group %d/%d has a non-square total_chunks=%d, skipping", key.TileID, key.SizeID, key.Total)
		return false
	}

	chunkW, chunkH, err := decodePNGDims(files[0].path)
	if err != nil {
		m.logf("tile %d: reading first chunk: %v", key.TileID, err)
		return false
	}

	canvas := image.NewRGBA(image.Rect(0, 0, chunkW*cols, chunkH*cols))

	for _, f := range files {
		img, err := decodePNG(f.path)
		if err != nil {
			m.logf("tile %d: decoding chunk %s: %v", key.TileID, f.path, err)
			return false
		}
		b := img.Bounds()
		if b.Dx() != chunkW || b.Dy() != chunkH {
			m.logf("tile %d: chunk %s size %dx%d does not match %dx%d", key.TileID, f.path, b.Dx(), b.Dy(), chunkW, chunkH)
			return false
		}

		row0 := (f.y - 1) * chunkH
		col0 := (f.x - 1) * chunkW
		dstRect := image.Rect(col0, row0, col0+chunkW, row0+chunkH)
		draw.Draw(canvas, dstRect, img, b.Min, draw.Src)
	}

	meta := geodesy.BuildMetadata(key.TileID, key.SizeID)

	stagedPath, ext, err := m.encodeCanvas(key, snapCanvas(canvas))
	if err != nil {
		m.logf("tile %d: encoding assembled tile: %v", key.TileID, err)
		return false
	}

	if _, err := m.Placer.Place(stagedPath, meta, m.FinalTree, m.BackupTree, m.Mode, ext); err != nil {
		m.logf("tile %d: placing assembled tile: %v", key.TileID, err)
		os.Remove(stagedPath)
		return false
	}

	m.markSeen(key)
	for _, f := range files {
		os.Remove(f.path)
	}
	return true
}

// encodeCanvas tries DXT1 first, falling back to PNG on encode failure,
// naming the staged file `{id}.dds` or `{id}.png`.
func (m *Monitor) encodeCanvas(key groupKey, canvas *image.RGBA) (path, ext string, err error) {
	if data, encErr := codec.Encode(canvas); encErr == nil {
		path = filepath.Join(m.StagingDir, fmt.Sprintf("%d.dds", key.TileID))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", "", err
		}
		return path, "dds", nil
	}

	path = filepath.Join(m.StagingDir, fmt.Sprintf("%d.png", key.TileID))
	f, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	if err := png.Encode(f, canvas); err != nil {
		os.Remove(path)
		return "", "", err
	}
	return path, "png", nil
}

// snapCanvas resizes the mosaic to the nearest multiple-of-4 dimensions
// when a chunk's aspect ratio produced a height the block codec cannot
// encode. Most tiles are already aligned and pass through untouched.
func snapCanvas(canvas *image.RGBA) *image.RGBA {
	b := canvas.Bounds()
	w, h := b.Dx(), b.Dy()
	sw, sh := snap4(w), snap4(h)
	if sw == w && sh == h {
		return canvas
	}
	g := gift.New(gift.Resize(sw, sh, gift.LanczosResampling))
	dst := image.NewRGBA(g.Bounds(canvas.Bounds()))
	g.Draw(dst, canvas)
	return dst
}

func snap4(v int) int {
	s := (v + 2) / 4 * 4
	if s < 4 {
		s = 4
	}
	return s
}

func decodePNGDims(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

func (m *Monitor) logf(format string, args ...any) {
	if m.Bus == nil {
		return
	}
	m.Bus.Log(fmt.Sprintf("assembly: "+format, args...))
}
