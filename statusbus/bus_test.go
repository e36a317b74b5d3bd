package statusbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAndTileGrid(t *testing.T) {
	b := New()
	b.IncPending(4)
	assert.Equal(t, int64(4), b.Pending())

	tp := b.RegisterTile(123, 4)
	tp.SetChunkState(1, 1, ChunkInProgress)
	tp.SetChunkState(1, 1, ChunkCompleted)
	tp.SetChunkState(1, 2, ChunkCompleted)
	tp.AddBytes(2048)

	snap := tp.Snapshot()
	assert.Equal(t, 2, snap.ChunksCompleted)
	assert.Equal(t, int64(2048), snap.DownloadedBytes)

	b.DecPending(2)
	b.IncDone()
	b.IncFailed()
	assert.Equal(t, int64(2), b.Pending())
	assert.Equal(t, int64(1), b.Done())
	assert.Equal(t, int64(1), b.Failed())

	got, ok := b.Tile(123)
	assert.True(t, ok)
	assert.Same(t, tp, got)

	b.Unregister(123)
	_, ok = b.Tile(123)
	assert.False(t, ok)
}

func TestLogChannelDropsOnOverflow(t *testing.T) {
	b := New()
	for i := 0; i < logChannelCapacity+10; i++ {
		b.Log("line")
	}
	assert.LessOrEqual(t, len(b.Logs()), logChannelCapacity)
}

func TestSessionByteCounters(t *testing.T) {
	b := New()
	b.AddSessionBytes(100)
	b.AddSessionBytes(50)
	assert.Equal(t, int64(2), b.FilesDownloaded())
	assert.Equal(t, int64(150), b.BytesDownloaded())
}
