package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/download"
	"github.com/flightgear-scenery/go-photoscenery/mapserver"
	"github.com/flightgear-scenery/go-photoscenery/placement"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

// With a single tile (hence a single pre-coverage job) and one worker,
// pending reaches 0 within a bounded time in the absence of network
// errors, and the tile is fully placed.
func TestOrchestratorRunDrainsSingleTile(t *testing.T) {
	body := func() []byte {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 0, A: 255})
			}
		}
		return encodePNG(t, img)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	stagingDir := t.TempDir()
	finalRoot := t.TempDir()
	backupRoot := t.TempDir()

	idx := cacheindex.New(filepath.Join(finalRoot, "index.json"), filepath.Join(finalRoot, "coverage.json"), finalRoot, backupRoot, nil)
	placer := placement.New(idx, nil)
	bus := statusbus.New()
	profile := mapserver.Profile{ID: 1, URLBase: srv.URL, URLTemplate: "/tile.png"}

	o := New(idx, placer, bus, profile, download.DefaultConfig())

	opts := Options{
		CenterLat:       47.25,
		CenterLon:       11.31,
		RadiusNM:        0.1,
		BaseSizeID:      0,
		Sdwn:            0,
		Workers:         1,
		StagingDir:      stagingDir,
		FinalTree:       finalRoot,
		BackupTree:      backupRoot,
		FileExt:         "dds",
		Retries:         3,
		MinChunkBytes:   16,
		PrecoverGap:     1,
		MonitorInterval: 20 * time.Millisecond,
		GracePeriod:     150 * time.Millisecond,
		HardTimeout:     5 * time.Second,
		OverwriteMode:   placement.OverwriteAlways,
	}

	err := o.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, int64(0), bus.Pending())

	var placedFiles []string
	err = filepath.Walk(finalRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Base(path) == "index.json" || filepath.Base(path) == "coverage.json" {
			return nil
		}
		placedFiles = append(placedFiles, path)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, placedFiles, "expected the assembled tile to land in the final tree")
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
