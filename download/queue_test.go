package download

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flightgear-scenery/go-photoscenery/jobfactory"
)

// Cancelling ctx unblocks a worker waiting on Next() even when the
// queue itself is never closed, matching the cooperative-cancellation
// model workers and the orchestrator rely on for teardown.
func TestNextUnblocksOnContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Next(ctx)
		done <- ok
	}()

	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on context cancellation")
	}
}

func TestNextStillPrefersHighAfterCancelIfAlreadyQueued(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q.High <- jobfactory.ChunkJob{TileID: 1, StagingPath: "a", Class: jobfactory.High}

	job, ok := q.Next(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(1), job.TileID)
}
