package assembly

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/placement"
)

func writeChunkPNG(t *testing.T, dir string, tileID int64, sizeID, total, yFlipped, x, w, h int, fill uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			img.Set(px, py, color.RGBA{R: fill, G: fill, B: fill, A: 255})
		}
	}
	name := fmt.Sprintf("%d_%d_%d_%d_%d.png", tileID, sizeID, total, yFlipped, x)
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func newMonitorHarness(t *testing.T) (*Monitor, string, string, int64) {
	t.Helper()
	stagingDir := t.TempDir()
	finalRoot := t.TempDir()
	backupRoot := t.TempDir()

	idx := cacheindex.New(filepath.Join(finalRoot, "index.json"), filepath.Join(finalRoot, "coverage.json"), finalRoot, backupRoot, nil)
	placer := placement.New(idx, nil)

	tileID := geodesy.Index(47.25, 11.31)
	m := New(stagingDir, 16, 50*time.Millisecond, 200*time.Millisecond, placer, finalRoot, backupRoot, placement.OverwriteAlways, nil)
	return m, stagingDir, finalRoot, tileID
}

// A complete 2x2 chunk set is mosaicked, encoded and placed; an
// incomplete set is left untouched until the missing chunk arrives.
func TestScanOnceAssemblesCompleteGroup(t *testing.T) {
	m, stagingDir, finalRoot, tileID := newMonitorHarness(t)

	writeChunkPNG(t, stagingDir, tileID, 2, 4, 1, 1, 4, 4, 10)
	writeChunkPNG(t, stagingDir, tileID, 2, 4, 1, 2, 4, 4, 20)
	writeChunkPNG(t, stagingDir, tileID, 2, 4, 2, 1, 4, 4, 30)
	// Third chunk missing: group must not assemble yet.

	assembled, err := m.ScanOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, assembled)

	writeChunkPNG(t, stagingDir, tileID, 2, 4, 2, 2, 4, 4, 40)

	assembled, err = m.ScanOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, assembled)

	destPath := filepath.Join(finalRoot, "e010n40", "e011n47", fmt.Sprintf("%07d.dds", tileID))
	assert.FileExists(t, destPath)

	entries, err := os.ReadDir(stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "consumed chunk files must be deleted after assembly")
}

// Re-assembling the same (tile_id, size_id, total) key is a no-op -
// a group marked seen is never placed a second time even if duplicate
// chunk files reappear in staging.
func TestScanOnceIsIdempotentForSeenGroups(t *testing.T) {
	m, stagingDir, finalRoot, tileID := newMonitorHarness(t)

	for _, c := range []struct{ y, x int }{{1, 1}, {1, 2}, {2, 1}, {2, 2}} {
		writeChunkPNG(t, stagingDir, tileID, 3, 4, c.y, c.x, 4, 4, 50)
	}

	assembled, err := m.ScanOnce()
	require.NoError(t, err)
	require.Equal(t, 1, assembled)

	destPath := filepath.Join(finalRoot, "e010n40", "e011n47", fmt.Sprintf("%07d.dds", tileID))
	require.FileExists(t, destPath)
	firstStat, err := os.Stat(destPath)
	require.NoError(t, err)

	// Simulate a retried download re-producing the same chunk set.
	for _, c := range []struct{ y, x int }{{1, 1}, {1, 2}, {2, 1}, {2, 2}} {
		writeChunkPNG(t, stagingDir, tileID, 3, 4, c.y, c.x, 4, 4, 99)
	}

	assembled, err = m.ScanOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, assembled, "a seen group must not be reassembled")

	secondStat, err := os.Stat(destPath)
	require.NoError(t, err)
	assert.Equal(t, firstStat.ModTime(), secondStat.ModTime(), "placed file must be untouched by the duplicate group")
}
