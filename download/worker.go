package download

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flightgear-scenery/go-photoscenery/codec"
	"github.com/flightgear-scenery/go-photoscenery/jobfactory"
	"github.com/flightgear-scenery/go-photoscenery/mapserver"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

func pngSignatureValidBytes(data []byte) bool {
	return codec.PNGSignatureValid(bytes.NewReader(data))
}

const userAgent = "go-photoscenery/1.0"

// PermanentFailure is emitted to the fallback manager when a chunk
// cannot be downloaded at its current resolution.
type PermanentFailure struct {
	TileID int64
	SizeID int
}

// Config holds the worker pool's tunables: attempts, timeouts and the
// backoff curve.
type Config struct {
	MaxRedirects       int
	MinChunkBytes      int
	RetryBackoffBase   float64
	RetryMaxSleep      float64
	RetryTimeoutCap    float64
	RetryTimeoutFactor float64
	BaseTimeout        time.Duration
}

// DefaultConfig returns the pool's default tunables.
func DefaultConfig() Config {
	return Config{
		MaxRedirects:       5,
		MinChunkBytes:      1024,
		RetryBackoffBase:   2.0,
		RetryMaxSleep:      30.0,
		RetryTimeoutCap:    60.0,
		RetryTimeoutFactor: 1.5,
		BaseTimeout:        10 * time.Second,
	}
}

// Pool is the download worker pool: N workers draining Queue, fetching
// from a Profile, validating PNG structure, writing staged chunks
// atomically and routing failures.
type Pool struct {
	Queue     *Queue
	Profile   mapserver.Profile
	Bus       *statusbus.Bus
	Config    Config
	Client    *http.Client
	Permanent chan PermanentFailure
}

// NewPool wires a worker pool against a map server profile and status bus.
func NewPool(q *Queue, profile mapserver.Profile, bus *statusbus.Bus, cfg Config) *Pool {
	return &Pool{
		Queue:     q,
		Profile:   profile,
		Bus:       bus,
		Config:    cfg,
		Client:    &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		Permanent: make(chan PermanentFailure, 256),
	}
}

// Run starts n workers and blocks until every worker has exited, which
// happens when ctx is cancelled or the queue is closed and drained.
func (p *Pool) Run(ctx context.Context, n int) {
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go p.worker(ctx, done)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (p *Pool) worker(ctx context.Context, done chan struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		job, ok := p.Queue.Next(ctx)
		if !ok {
			return
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job jobfactory.ChunkJob) {
	tp, ok := p.Bus.Tile(job.TileID)
	if !ok {
		tp = p.Bus.RegisterTile(job.TileID, 0)
	}

	if alreadyStaged(job.StagingPath, p.Config.MinChunkBytes) {
		tp.SetChunkState(job.ChunkX, job.ChunkY, statusbus.ChunkCompleted)
		p.Queue.Forget(job)
		p.Bus.DecPending(1)
		p.Bus.IncDone()
		return
	}

	tp.SetChunkState(job.ChunkX, job.ChunkY, statusbus.ChunkInProgress)

	url := p.Profile.Render(job.BBox, mapserver.PixelSize{W: job.PixelW, H: job.PixelH})

	body, classification, err := p.fetch(ctx, url, job)
	if err != nil {
		p.handleError(job, classification, err)
		return
	}

	if !pngSignatureValidBytes(body) {
		p.handleError(job, classTransient, fmt.Errorf("download: invalid PNG structure for %s", job.StagingPath))
		return
	}

	if err := writeStagedAtomic(job.StagingPath, body); err != nil {
		p.handleError(job, classTransient, err)
		return
	}

	if _, decodeErr := decodePNG(job.StagingPath); decodeErr != nil {
		os.Remove(job.StagingPath)
		p.handleError(job, classTransient, decodeErr)
		return
	}

	tp.SetChunkState(job.ChunkX, job.ChunkY, statusbus.ChunkCompleted)
	tp.AddBytes(int64(len(body)))
	p.Bus.AddSessionBytes(int64(len(body)))
	p.Queue.Forget(job)
	p.Bus.DecPending(1)
	p.Bus.IncDone()
}

type errClass int

const (
	classNone errClass = iota
	classTransient
	classPermanent
)

// fetch performs the HTTP GET with manual redirect-following and a
// per-attempt timeout, returning the body on success or an error with a
// classification on failure.
func (p *Pool) fetch(ctx context.Context, url string, job jobfactory.ChunkJob) ([]byte, errClass, error) {
	timeout := p.escalatedTimeout(job)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, classTransient, err
	}
	req.Header.Set("User-Agent", userAgent)

	for redirects := 0; ; redirects++ {
		resp, err := p.Client.Do(req)
		if err != nil {
			return nil, classTransient, err
		}

		switch {
		case resp.StatusCode == 200:
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, classTransient, err
			}
			return body, classNone, nil

		case resp.StatusCode == 301 || resp.StatusCode == 302:
			resp.Body.Close()
			if redirects >= p.Config.MaxRedirects {
				return nil, classTransient, fmt.Errorf("download: too many redirects for %s", url)
			}
			loc := resp.Header.Get("Location")
			if loc == "" {
				return nil, classTransient, fmt.Errorf("download: redirect with no Location header")
			}
			target, err := req.URL.Parse(loc)
			if err != nil {
				return nil, classTransient, err
			}
			nextReq, err := http.NewRequestWithContext(reqCtx, req.Method, target.String(), nil)
			if err != nil {
				return nil, classTransient, err
			}
			nextReq.Header = req.Header
			req = nextReq
			continue

		case resp.StatusCode == 404 || resp.StatusCode == 410 || resp.StatusCode == 500:
			resp.Body.Close()
			return nil, classPermanent, fmt.Errorf("download: definitive error %d for %s", resp.StatusCode, url)

		default:
			// 429/503/504/403/others: rate limiting or transient
			// upstream load on map-tile servers, worth retrying.
			resp.Body.Close()
			return nil, classTransient, fmt.Errorf("download: transient status %d for %s", resp.StatusCode, url)
		}
	}
}

// escalatedTimeout implements `min(cap, base_timeout * grow^attempt_idx)`.
func (p *Pool) escalatedTimeout(job jobfactory.ChunkJob) time.Duration {
	attemptIdx := job.Attempts - job.RetriesLeft
	grown := float64(p.Config.BaseTimeout.Seconds()) * math.Pow(p.Config.RetryTimeoutFactor, float64(attemptIdx))
	if grown > p.Config.RetryTimeoutCap {
		grown = p.Config.RetryTimeoutCap
	}
	return time.Duration(grown * float64(time.Second))
}

func (p *Pool) handleError(job jobfactory.ChunkJob, class errClass, cause error) {
	tp, _ := p.Bus.Tile(job.TileID)

	if class == classPermanent {
		p.emitPermanent(job, tp)
		return
	}

	if job.RetriesLeft <= 0 {
		p.emitPermanent(job, tp)
		return
	}

	attemptIdx := job.Attempts - job.RetriesLeft
	sleep := time.Duration(math.Min(p.Config.RetryMaxSleep, math.Pow(p.Config.RetryBackoffBase, float64(attemptIdx))) * float64(time.Second))

	retryJob := job
	retryJob.RetriesLeft--

	go func() {
		time.Sleep(sleep)
		p.Queue.Requeue(retryJob)
	}()

	if p.Bus != nil {
		p.Bus.Log(fmt.Sprintf("retrying %s after %s: %v", job.StagingPath, sleep, cause))
	}
}

func (p *Pool) emitPermanent(job jobfactory.ChunkJob, tp *statusbus.TileProgress) {
	if tp != nil {
		tp.SetChunkState(job.ChunkX, job.ChunkY, statusbus.ChunkFailed)
	}
	p.Queue.Forget(job)
	p.Bus.DecPending(1)
	p.Bus.IncFailed()

	select {
	case p.Permanent <- PermanentFailure{TileID: job.TileID, SizeID: job.SizeID}:
	default:
		// Permanent channel backpressure: the fallback manager is the
		// sole consumer and sized generously; a full channel here means
		// it has fallen behind, so block until it receives instead of
		// dropping an event that would leave a tile permanently unsatisfied.
		p.Permanent <- PermanentFailure{TileID: job.TileID, SizeID: job.SizeID}
	}
}

func alreadyStaged(path string, minBytes int) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.Size() < int64(minBytes) {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return codec.PNGSignatureValid(f)
}

func writeStagedAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func decodePNG(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		return 0, fmt.Errorf("download: %s is not decodable: %w", path, err)
	}
	return info.Size(), nil
}
