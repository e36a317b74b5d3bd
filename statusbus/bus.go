// Package statusbus holds the process-wide, thread-safe progress state:
// atomic counters, a per-tile chunk grid, and a bounded log-line
// channel broadcast to the HTTP control plane / UI.
package statusbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// ChunkState is one chunk's lifecycle state within a tile's grid.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkInProgress
	ChunkCompleted
	ChunkFailed
)

// TileProgress is the per-active-tile progress record, guarded by its
// own mutex so that unrelated tiles never contend.
type TileProgress struct {
	mu               sync.Mutex
	TotalChunks      int
	ChunksCompleted  int
	Grid             map[[2]int]ChunkState
	DownloadedBytes  int64
	StartTime        time.Time
	CurrentStatus    string
}

// SetChunkState records a chunk's state transition and, on first
// completion, increments ChunksCompleted.
func (tp *TileProgress) SetChunkState(x, y int, state ChunkState) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	prev := tp.Grid[[2]int{x, y}]
	tp.Grid[[2]int{x, y}] = state
	if state == ChunkCompleted && prev != ChunkCompleted {
		tp.ChunksCompleted++
	}
}

// Snapshot returns a shallow copy of the tile's state, safe to read
// concurrently with writers.
func (tp *TileProgress) Snapshot() TileProgressSnapshot {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	grid := make(map[[2]int]ChunkState, len(tp.Grid))
	for k, v := range tp.Grid {
		grid[k] = v
	}
	return TileProgressSnapshot{
		TotalChunks:     tp.TotalChunks,
		ChunksCompleted: tp.ChunksCompleted,
		Grid:            grid,
		DownloadedBytes: atomic.LoadInt64(&tp.DownloadedBytes),
		StartTime:       tp.StartTime,
		CurrentStatus:   tp.CurrentStatus,
	}
}

// AddBytes adds n to the tile's downloaded byte counter.
func (tp *TileProgress) AddBytes(n int64) {
	atomic.AddInt64(&tp.DownloadedBytes, n)
}

// SetStatus updates the tile's human-readable current status string.
func (tp *TileProgress) SetStatus(s string) {
	tp.mu.Lock()
	tp.CurrentStatus = s
	tp.mu.Unlock()
}

// TileProgressSnapshot is an immutable read of TileProgress.
type TileProgressSnapshot struct {
	TotalChunks     int
	ChunksCompleted int
	Grid            map[[2]int]ChunkState
	DownloadedBytes int64
	StartTime       time.Time
	CurrentStatus   string
}

// Bus is the process-wide status registry.
type Bus struct {
	pending int64
	done    int64
	failed  int64

	filesDownloaded int64
	bytesDownloaded int64

	registryMu sync.Mutex
	registry   map[int64]*TileProgress

	logCh chan string
}

// logChannelCapacity bounds the log channel; producers drop on overflow.
const logChannelCapacity = 200

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		registry: make(map[int64]*TileProgress),
		logCh:    make(chan string, logChannelCapacity),
	}
}

// RegisterTile creates (or returns the existing) TileProgress for a tile
// about to be downloaded, with totalChunks known from the job factory.
func (b *Bus) RegisterTile(tileID int64, totalChunks int) *TileProgress {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()

	if tp, ok := b.registry[tileID]; ok {
		return tp
	}
	tp := &TileProgress{
		TotalChunks: totalChunks,
		Grid:        make(map[[2]int]ChunkState),
		StartTime:   time.Now(),
	}
	b.registry[tileID] = tp
	return tp
}

// Tile returns the TileProgress for tileID, if registered.
func (b *Bus) Tile(tileID int64) (*TileProgress, bool) {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	tp, ok := b.registry[tileID]
	return tp, ok
}

// Unregister drops a tile from the registry once it's been placed or
// abandoned, keeping the active-tile map from growing unbounded.
func (b *Bus) Unregister(tileID int64) {
	b.registryMu.Lock()
	delete(b.registry, tileID)
	b.registryMu.Unlock()
}

// IncPending/DecPending/IncDone/IncFailed manage the overall counters
// the orchestrator's pending==0 poll and the HTTP status surface read.
func (b *Bus) IncPending(n int64) { atomic.AddInt64(&b.pending, n) }
func (b *Bus) DecPending(n int64) { atomic.AddInt64(&b.pending, -n) }
func (b *Bus) IncDone()           { atomic.AddInt64(&b.done, 1) }
func (b *Bus) IncFailed()         { atomic.AddInt64(&b.failed, 1) }

func (b *Bus) Pending() int64 { return atomic.LoadInt64(&b.pending) }
func (b *Bus) Done() int64    { return atomic.LoadInt64(&b.done) }
func (b *Bus) Failed() int64  { return atomic.LoadInt64(&b.failed) }

// AddSessionBytes records session totals (files_downloaded,
// bytes_downloaded) for a completed chunk download.
func (b *Bus) AddSessionBytes(nBytes int64) {
	atomic.AddInt64(&b.filesDownloaded, 1)
	atomic.AddInt64(&b.bytesDownloaded, nBytes)
}

func (b *Bus) FilesDownloaded() int64 { return atomic.LoadInt64(&b.filesDownloaded) }
func (b *Bus) BytesDownloaded() int64 { return atomic.LoadInt64(&b.bytesDownloaded) }

// Log appends a line to the bounded log channel; producers drop the line
// on overflow rather than block.
func (b *Bus) Log(line string) {
	select {
	case b.logCh <- line:
	default:
	}
}

// Logs returns the channel UI consumers drain for broadcast log lines.
func (b *Bus) Logs() <-chan string {
	return b.logCh
}
