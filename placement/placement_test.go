package placement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
)

func writeDDSFile(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, 128+(w/4)*(h/4)*8)
	copy(data[0:4], "DDS ")
	put32(data[12:16], uint32(h))
	put32(data[16:20], uint32(w))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func newTestMetadata(widthPx int) geodesy.TileMetadata {
	id := geodesy.Index(47.25, 11.31)
	m := geodesy.BuildMetadata(id, 0)
	m.WidthPx = widthPx
	return m
}

// Placement policy under over=0/1/2.
func TestPlaceOverwriteNeverKeepsDestination(t *testing.T) {
	root := t.TempDir()
	backup := t.TempDir()
	staging := t.TempDir()

	m := newTestMetadata(4096)
	dir10, dir1 := geodesy.DirLabels(m.ID)

	writeDDSFile(t, filepath.Join(root, dir10, dir1, idFile(m.ID)), 8192, 8192)

	src := filepath.Join(staging, "src.dds")
	writeDDSFile(t, src, 4096, 4096)

	idx := cacheindex.New(filepath.Join(root, "index.json"), filepath.Join(root, "coverage.json"), root, backup, nil)
	p := New(idx, nil)

	decision, err := p.Place(src, m, root, backup, OverwriteNever, "dds")
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, decision)

	assert.NoFileExists(t, src)
	w, _, err := dimsOf(filepath.Join(root, dir10, dir1, idFile(m.ID)))
	require.NoError(t, err)
	assert.Equal(t, 8192, w)
}

func TestPlaceOverwriteIfLargerReplacesOnlyWhenBigger(t *testing.T) {
	root := t.TempDir()
	backup := t.TempDir()

	m := newTestMetadata(4096)
	dir10, dir1 := geodesy.DirLabels(m.ID)
	writeDDSFile(t, filepath.Join(root, dir10, dir1, idFile(m.ID)), 8192, 8192)

	idx := cacheindex.New(filepath.Join(root, "index.json"), filepath.Join(root, "coverage.json"), root, backup, nil)
	p := New(idx, nil)

	staging := t.TempDir()
	src := filepath.Join(staging, "src.dds")
	writeDDSFile(t, src, 4096, 4096)

	decision, err := p.Place(src, m, root, backup, OverwriteIfLarger, "dds")
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, decision)
	assert.NoFileExists(t, src)

	m2 := newTestMetadata(16384)
	src2 := filepath.Join(staging, "src2.dds")
	writeDDSFile(t, src2, 16384, 16384)

	decision, err = p.Place(src2, m2, root, backup, OverwriteIfLarger, "dds")
	require.NoError(t, err)
	assert.Equal(t, DecisionBackupThenPlace, decision)

	w, _, err := dimsOf(filepath.Join(root, dir10, dir1, idFile(m.ID)))
	require.NoError(t, err)
	assert.Equal(t, 16384, w)

	assert.FileExists(t, filepath.Join(backup, "8192", dir10, dir1, idFile(m.ID)))
}

func TestPlaceOverwriteAlwaysMovesExistingToBackup(t *testing.T) {
	root := t.TempDir()
	backup := t.TempDir()

	m := newTestMetadata(8192)
	dir10, dir1 := geodesy.DirLabels(m.ID)
	writeDDSFile(t, filepath.Join(root, dir10, dir1, idFile(m.ID)), 8192, 8192)

	idx := cacheindex.New(filepath.Join(root, "index.json"), filepath.Join(root, "coverage.json"), root, backup, nil)
	p := New(idx, nil)

	staging := t.TempDir()
	src := filepath.Join(staging, "src.dds")
	writeDDSFile(t, src, 4096, 4096) // smaller, but over=2 always replaces

	m.WidthPx = 4096
	decision, err := p.Place(src, m, root, backup, OverwriteAlways, "dds")
	require.NoError(t, err)
	assert.Equal(t, DecisionBackupThenPlace, decision)

	assert.FileExists(t, filepath.Join(backup, "8192", dir10, dir1, idFile(m.ID)))
	w, _, err := dimsOf(filepath.Join(root, dir10, dir1, idFile(m.ID)))
	require.NoError(t, err)
	assert.Equal(t, 4096, w)
}

func TestPlaceNoopWhenSourceEqualsDestination(t *testing.T) {
	root := t.TempDir()
	backup := t.TempDir()
	m := newTestMetadata(4096)
	dir10, dir1 := geodesy.DirLabels(m.ID)
	dest := filepath.Join(root, dir10, dir1, idFile(m.ID))
	writeDDSFile(t, dest, 4096, 4096)

	idx := cacheindex.New(filepath.Join(root, "index.json"), filepath.Join(root, "coverage.json"), root, backup, nil)
	p := New(idx, nil)

	decision, err := p.Place(dest, m, root, backup, OverwriteAlways, "dds")
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, decision)
	assert.FileExists(t, dest)
}

func idFile(id int64) string {
	return filepath.Base(filepath.Join("", padID(id)))
}

func padID(id int64) string {
	return pad7(id) + ".dds"
}

func pad7(id int64) string {
	s := ""
	n := id
	for i := 0; i < 7; i++ {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func dimsOf(path string) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	h := int(data[12]) | int(data[13])<<8 | int(data[14])<<16 | int(data[15])<<24
	w := int(data[16]) | int(data[17])<<8 | int(data[18])<<16 | int(data[19])<<24
	return w, h, nil
}
