package jobfactory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightgear-scenery/go-photoscenery/geodesy"
)

// Chunk bboxes exactly tile the parent tile with no
// overlap (checked on corner coordinates) and their union reaches the
// tile's extremes.
func TestBuildJobsPartitionsExactly(t *testing.T) {
	dir := t.TempDir()
	id := geodesy.Index(47.25, 11.31)
	m := geodesy.BuildMetadata(id, 4) // cols=4

	jobs, err := BuildJobs(m, dir, 3, High, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 16)

	var minLon, maxLon, minLat, maxLat float64
	minLon, minLat = jobs[0].BBox.LonLL, jobs[0].BBox.LatLL
	maxLon, maxLat = jobs[0].BBox.LonUR, jobs[0].BBox.LatUR

	seen := map[[2]int]bool{}
	for _, j := range jobs {
		seen[[2]int{j.ChunkX, j.ChunkY}] = true
		if j.BBox.LonLL < minLon {
			minLon = j.BBox.LonLL
		}
		if j.BBox.LonUR > maxLon {
			maxLon = j.BBox.LonUR
		}
		if j.BBox.LatLL < minLat {
			minLat = j.BBox.LatLL
		}
		if j.BBox.LatUR > maxLat {
			maxLat = j.BBox.LatUR
		}
		assert.Equal(t, id, j.TileID)
		assert.Equal(t, High, j.Class)
		assert.Equal(t, 3, j.RetriesLeft)
	}
	assert.Len(t, seen, 16)
	assert.InDelta(t, m.LonLL, minLon, 1e-9)
	assert.InDelta(t, m.LonUR, maxLon, 1e-9)
	assert.InDelta(t, m.LatLL, minLat, 1e-9)
	assert.InDelta(t, m.LatUR, maxLat, 1e-9)
}

func TestBuildJobsStagingFileNameConvention(t *testing.T) {
	dir := t.TempDir()
	id := geodesy.Index(47.25, 11.31)
	m := geodesy.BuildMetadata(id, 3) // cols=2

	jobs, err := BuildJobs(m, dir, 3, Low, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	for _, j := range jobs {
		yFlipped := m.Cols - j.ChunkY + 1
		want := StagingFileName(id, m.SizeID, m.Cols*m.Cols, yFlipped, j.ChunkX)
		assert.Equal(t, filepath.Join(dir, want), j.StagingPath)
	}
}

func TestBuildJobsSkipsAlreadyStaged(t *testing.T) {
	dir := t.TempDir()
	id := geodesy.Index(47.25, 11.31)
	m := geodesy.BuildMetadata(id, 0) // cols=1, total=1

	name := StagingFileName(id, 0, 1, 1, 1)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))

	jobs, err := BuildJobs(m, dir, 3, High, 1024)
	require.NoError(t, err)
	assert.Len(t, jobs, 0)
}

func TestBuildPrecoverageJobSingleChunk(t *testing.T) {
	dir := t.TempDir()
	id := geodesy.Index(47.25, 11.31)
	m := geodesy.BuildMetadata(id, 5)

	job, ok, err := BuildPrecoverageJob(m, 1, dir, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, job.ChunkX)
	assert.Equal(t, 1, job.ChunkY)
	assert.Equal(t, geodesy.WidthPx[1], job.PixelW)
	assert.Equal(t, StagingFileName(id, 1, 1, 1, 1), filepath.Base(job.StagingPath))
}
