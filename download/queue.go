// Package download implements the dual priority queue worker pool:
// HIGH preempts LOW, retries preserve priority class, permanent failures
// route to the fallback manager, transient failures retry with escalated
// timeouts and exponential backoff.
package download

import (
	"context"
	"sync"

	"github.com/flightgear-scenery/go-photoscenery/jobfactory"
)

// Queue holds the two priority channels and the retry-class table that
// lets a retried job re-enter the queue it was originally enqueued on.
type Queue struct {
	High chan jobfactory.ChunkJob
	Low  chan jobfactory.ChunkJob

	classMu sync.Mutex
	class   map[string]jobfactory.PriorityClass // staging_path -> class
}

// HighCapacity/LowCapacity bound the two channels; producers block on
// full, which is the pipeline's backpressure.
const (
	HighCapacity = 512
	LowCapacity  = 4096
)

// NewQueue creates a Queue with the default channel capacities.
func NewQueue() *Queue {
	return &Queue{
		High:  make(chan jobfactory.ChunkJob, HighCapacity),
		Low:   make(chan jobfactory.ChunkJob, LowCapacity),
		class: make(map[string]jobfactory.PriorityClass),
	}
}

// Enqueue pushes a job onto its class's channel and records the class,
// keyed by staging path, so retries can re-enter the same one.
func (q *Queue) Enqueue(job jobfactory.ChunkJob) {
	q.classMu.Lock()
	q.class[job.StagingPath] = job.Class
	q.classMu.Unlock()

	if job.Class == jobfactory.High {
		q.High <- job
	} else {
		q.Low <- job
	}
}

// Requeue re-enqueues a job using its originally recorded class,
// regardless of what Class field it currently carries.
func (q *Queue) Requeue(job jobfactory.ChunkJob) {
	q.classMu.Lock()
	cls, ok := q.class[job.StagingPath]
	q.classMu.Unlock()
	if ok {
		job.Class = cls
	}
	q.Enqueue(job)
}

// Forget drops the retry-class bookkeeping entry for a job that's
// finished (successfully or permanently failed).
func (q *Queue) Forget(job jobfactory.ChunkJob) {
	q.classMu.Lock()
	delete(q.class, job.StagingPath)
	q.classMu.Unlock()
}

// Next picks the next job preferring HIGH (non-blocking try, falling
// back to LOW blocking). ok is false when ctx is cancelled, or when
// both channels are closed and drained.
func (q *Queue) Next(ctx context.Context) (jobfactory.ChunkJob, bool) {
	select {
	case job, ok := <-q.High:
		if ok {
			return job, true
		}
	default:
	}

	select {
	case <-ctx.Done():
		return jobfactory.ChunkJob{}, false
	case job, ok := <-q.High:
		if ok {
			return job, true
		}
	case job, ok := <-q.Low:
		return job, ok
	}

	// High closed and empty on the first non-blocking check, race again
	// in case a job landed on Low in the meantime.
	select {
	case <-ctx.Done():
		return jobfactory.ChunkJob{}, false
	case job, ok := <-q.Low:
		return job, ok
	}
}

// Close closes both channels, signaling workers to drain and exit.
func (q *Queue) Close() {
	close(q.High)
	close(q.Low)
}
