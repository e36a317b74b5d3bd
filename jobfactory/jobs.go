// Package jobfactory turns a TileMetadata into the ChunkJob descriptors
// that the download workers consume.
package jobfactory

import (
	"fmt"
	"math"
	"os"

	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/mapserver"
)

// PriorityClass fixes a chunk's queue at enqueue time; retries preserve it.
type PriorityClass int

const (
	Low PriorityClass = iota
	High
)

// ChunkJob is one sub-image download descriptor.
type ChunkJob struct {
	TileID      int64
	SizeID      int
	ChunkX      int
	ChunkY      int
	BBox        mapserver.BBox
	PixelW      int
	PixelH      int
	StagingPath string
	RetriesLeft int
	Attempts    int // initial retry budget, immutable across requeues; used to derive attempt_idx
	Class       PriorityClass
}

const minChunkBytesDefault = 1024
const minPrecoverBytesDefault = 64

// StagingFileName implements the `{id}_{size_id}_{total}_{y_flipped}_{x}.png`
// staging convention.
func StagingFileName(tileID int64, sizeID, total, yFlipped, x int) string {
	return fmt.Sprintf("%d_%d_%d_%d_%d.png", tileID, sizeID, total, yFlipped, x)
}

// BuildJobs produces cols*cols ChunkJobs for a full-resolution tile,
// partitioning its bbox exactly and skipping chunks already staged at
// or above minChunkBytes.
func BuildJobs(m geodesy.TileMetadata, stagingDir string, retries int, class PriorityClass, minChunkBytes int) ([]ChunkJob, error) {
	if minChunkBytes <= 0 {
		minChunkBytes = minChunkBytesDefault
	}

	deltaLon := m.LonUR - m.LonLL
	if math.Abs(deltaLon) < 1e-12 {
		return nil, fmt.Errorf("jobfactory: tile %d at a pole (deltaLon too small)", m.ID)
	}
	deltaLat := m.LatUR - m.LatLL

	cols := m.Cols
	total := cols * cols
	pixelW := m.WidthPx / cols
	pixelH := int(math.Round(float64(pixelW) * math.Abs(deltaLat/deltaLon)))

	lonStepChunk := deltaLon / float64(cols)
	latStepChunk := deltaLat / float64(cols)

	jobs := make([]ChunkJob, 0, total)
	for y := 1; y <= cols; y++ {
		for x := 1; x <= cols; x++ {
			lonLL := m.LonLL + float64(x-1)*lonStepChunk
			lonUR := lonLL + lonStepChunk
			latLL := m.LatLL + float64(y-1)*latStepChunk
			latUR := latLL + latStepChunk

			yFlipped := cols - y + 1
			name := StagingFileName(m.ID, m.SizeID, total, yFlipped, x)
			path := stagingDir + string(os.PathSeparator) + name

			if staged, _ := isStagedAbove(path, minChunkBytes); staged {
				continue
			}

			jobs = append(jobs, ChunkJob{
				TileID: m.ID,
				SizeID: m.SizeID,
				ChunkX: x,
				ChunkY: y,
				BBox: mapserver.BBox{
					LonLL: lonLL, LatLL: latLL, LonUR: lonUR, LatUR: latUR,
				},
				PixelW:      pixelW,
				PixelH:      pixelH,
				StagingPath: path,
				RetriesLeft: retries,
				Attempts:    retries,
				Class:       class,
			})
		}
	}
	return jobs, nil
}

// BuildPrecoverageJob produces a single coarse chunk covering the whole
// tile: total=1, y_flipped=1, x=1.
func BuildPrecoverageJob(m geodesy.TileMetadata, coarseSizeID int, stagingDir string, retries int) (ChunkJob, bool, error) {
	deltaLon := m.LonUR - m.LonLL
	if math.Abs(deltaLon) < 1e-12 {
		return ChunkJob{}, false, fmt.Errorf("jobfactory: tile %d at a pole (deltaLon too small)", m.ID)
	}
	deltaLat := m.LatUR - m.LatLL

	pixelW := geodesy.WidthPx[coarseSizeID]
	pixelH := int(math.Round(float64(pixelW) * math.Abs(deltaLat/deltaLon)))

	name := StagingFileName(m.ID, coarseSizeID, 1, 1, 1)
	path := stagingDir + string(os.PathSeparator) + name

	if staged, _ := isStagedAbove(path, minPrecoverBytesDefault); staged {
		return ChunkJob{}, false, nil
	}

	job := ChunkJob{
		TileID: m.ID,
		SizeID: coarseSizeID,
		ChunkX: 1,
		ChunkY: 1,
		BBox: mapserver.BBox{
			LonLL: m.LonLL, LatLL: m.LatLL, LonUR: m.LonUR, LatUR: m.LatUR,
		},
		PixelW:      pixelW,
		PixelH:      pixelH,
		StagingPath: path,
		RetriesLeft: retries,
		Attempts:    retries,
		Class:       High,
	}
	return job, true, nil
}

func isStagedAbove(path string, minBytes int) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	return info.Size() >= int64(minBytes), nil
}
