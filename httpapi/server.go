// Package httpapi implements the local HTTP control plane: a
// single-process REST surface for submitting jobs, querying queue and
// completion state, resolving airport codes, previewing placed tiles
// and serving the static UI.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/gift"

	"github.com/flightgear-scenery/go-photoscenery/cacheindex"
	"github.com/flightgear-scenery/go-photoscenery/codec"
	"github.com/flightgear-scenery/go-photoscenery/config"
	"github.com/flightgear-scenery/go-photoscenery/geodesy"
	"github.com/flightgear-scenery/go-photoscenery/icaoresolver"
	"github.com/flightgear-scenery/go-photoscenery/orchestrator"
	"github.com/flightgear-scenery/go-photoscenery/placement"
	"github.com/flightgear-scenery/go-photoscenery/position"
	"github.com/flightgear-scenery/go-photoscenery/statusbus"
)

// Runner is the subset of *orchestrator.Orchestrator the control plane
// drives; narrowed to an interface so tests can substitute a stub.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.Options) error
}

// Server is the HTTP control plane: it owns no pipeline state of its
// own beyond in-flight job bookkeeping, deferring everything else to the
// collaborators it's constructed with.
type Server struct {
	Addr      string
	Orch      Runner
	Bus       *statusbus.Bus
	Index     *cacheindex.Index
	Mirror    *cacheindex.SQLiteMirror
	Position  *position.Client
	ICAO      icaoresolver.Resolver
	StaticDir string
	Defaults  config.Config
	Shutdown  context.CancelFunc

	startTime time.Time

	jobsMu sync.Mutex
	jobs   map[string]*jobRecord

	completedMu sync.Mutex
	completed   []string

	connMu    sync.Mutex
	connState string
	fgfsPort  int
}

type jobRecord struct {
	id     string
	lat    float64
	lon    float64
	radius float64
	cancel context.CancelFunc
}

// connection states reported by GET /api/connection-state.
const (
	connDisconnected = "disconnected"
	connConnecting   = "connecting"
	connConnected    = "connected"
)

// New wires a control-plane Server against its collaborators.
func New(addr string, orch Runner, bus *statusbus.Bus, idx *cacheindex.Index, mirror *cacheindex.SQLiteMirror, pos *position.Client, icao icaoresolver.Resolver, staticDir string, defaults config.Config, shutdown context.CancelFunc) *Server {
	return &Server{
		Addr:      addr,
		Orch:      orch,
		Bus:       bus,
		Index:     idx,
		Mirror:    mirror,
		Position:  pos,
		ICAO:      icao,
		StaticDir: staticDir,
		Defaults:  defaults,
		Shutdown:  shutdown,
		startTime: time.Now(),
		jobs:      make(map[string]*jobRecord),
		connState: connDisconnected,
	}
}

// Handler builds the ServeMux routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session-info", s.handleSessionInfo)
	mux.HandleFunc("/api/connection-state", s.handleConnectionState)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/fgfs-status", s.handleFgfsStatus)
	mux.HandleFunc("/api/start-job", s.handleStartJob)
	mux.HandleFunc("/api/fill-holes", s.handleFillHoles)
	mux.HandleFunc("/api/completed-jobs", s.handleCompletedJobs)
	mux.HandleFunc("/api/queue-size", s.handleQueueSize)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.HandleFunc("/api/resolve-icao", s.handleResolveICAO)
	mux.HandleFunc("/preview", s.handlePreview)
	mux.HandleFunc("/", s.handleStatic)
	return mux
}

// ListenAndServe starts the control plane with explicit read/write/idle
// timeouts, blocking until the server exits or ctx cancels.
func (s *Server) ListenAndServe(ctx context.Context) error {
	logger := log.New(os.Stdout, "httpapi: ", log.LstdFlags)

	server := &http.Server{
		Addr:         s.Addr,
		Handler:      loggingMiddleware(logger)(s.Handler()),
		ErrorLog:     logger,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func loggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				logger.Println(r.Method, r.URL.Path, r.RemoteAddr)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

// GET /api/session-info
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"startTime": s.startTime.UTC().Format(time.RFC3339)})
}

// GET /api/connection-state
func (s *Server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	s.connMu.Lock()
	state := s.connState
	s.connMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

type connectRequest struct {
	Port int `json:"port"`
}

// POST /api/connect {port}
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Port <= 0 {
		writeError(w, http.StatusInternalServerError, "invalid port")
		return
	}

	s.connMu.Lock()
	s.connState = connConnecting
	s.fgfsPort = req.Port
	s.connMu.Unlock()

	if s.Position == nil {
		writeError(w, http.StatusInternalServerError, "no position client configured")
		return
	}
	s.Position.Addr = fmt.Sprintf("127.0.0.1:%d", req.Port)

	s.connMu.Lock()
	s.connState = connConnected
	s.connMu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// POST /api/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	s.connMu.Lock()
	s.connState = connDisconnected
	s.connMu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GET /api/fgfs-status
func (s *Server) handleFgfsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	resp := map[string]interface{}{"active": false}
	if s.Position != nil {
		if snap := s.Position.Snapshot(); snap != nil {
			resp["active"] = true
			resp["lat"] = snap.LatDeg
			resp["lon"] = snap.LonDeg
			resp["heading"] = snap.HeadingDeg
			resp["altitude"] = snap.AltitudeMSLFt
			resp["speed"] = snap.SpeedMPH
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type startJobRequest struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	ICAO   string   `json:"icao"`
	Radius float64  `json:"radius"`
	Size   int      `json:"size"`
	Over   int      `json:"over"`
	Sdwn   *int     `json:"sdwn"`
	Mode   string   `json:"mode"`
}

type startJobResponse struct {
	JobID  string  `json:"jobId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float64 `json:"radius"`
}

// POST /api/start-job {lat|icao, lon?, radius, size, over, sdwn?, mode?}
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	lat, lon, err := s.resolveCenter(req.Lat, req.Lon, req.ICAO)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Radius <= 0 {
		writeError(w, http.StatusBadRequest, "radius must be positive")
		return
	}

	opts := s.baseOptions()
	opts.CenterLat, opts.CenterLon, opts.RadiusNM = lat, lon, req.Radius
	if req.Size > 0 {
		opts.BaseSizeID = req.Size
	}
	if req.Over >= 0 && req.Over <= 2 {
		opts.OverwriteMode = placement.OverwriteMode(req.Over)
	}
	if req.Sdwn != nil {
		opts.Sdwn = *req.Sdwn
	}
	opts.DirectionAware = req.Mode == string(config.ModeDAA)

	jobID := s.runJob(opts)
	writeJSON(w, http.StatusOK, startJobResponse{JobID: jobID, Lat: lat, Lon: lon, Radius: req.Radius})
}

type fillHolesRequest struct {
	Bounds struct {
		North, South, East, West float64
	} `json:"bounds"`
	Settings struct {
		Size int  `json:"size"`
		Over int  `json:"over"`
		Sdwn *int `json:"sdwn"`
	} `json:"settings"`
}

// POST /api/fill-holes {bounds:{north,south,east,west}, settings:{size,over,sdwn}}
func (s *Server) handleFillHoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req fillHolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Bounds.North <= req.Bounds.South || req.Bounds.East <= req.Bounds.West {
		writeError(w, http.StatusBadRequest, "invalid bounds")
		return
	}

	centerLat := (req.Bounds.North + req.Bounds.South) / 2
	centerLon := (req.Bounds.East + req.Bounds.West) / 2
	radiusNM := geodesy.SurfaceDistanceNM(req.Bounds.West, req.Bounds.South, req.Bounds.East, req.Bounds.North) / 2

	opts := s.baseOptions()
	opts.CenterLat, opts.CenterLon, opts.RadiusNM = centerLat, centerLon, radiusNM
	if req.Settings.Size > 0 {
		opts.BaseSizeID = req.Settings.Size
	}
	if req.Settings.Over >= 0 && req.Settings.Over <= 2 {
		opts.OverwriteMode = placement.OverwriteMode(req.Settings.Over)
	}
	if req.Settings.Sdwn != nil {
		opts.Sdwn = *req.Settings.Sdwn
	}

	jobID := s.runJob(opts)
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "jobId": jobID})
}

// GET /api/completed-jobs, drained on read.
func (s *Server) handleCompletedJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	s.completedMu.Lock()
	ids := s.completed
	s.completed = nil
	s.completedMu.Unlock()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// GET /api/queue-size
func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	var pending int64
	if s.Bus != nil {
		pending = s.Bus.Pending()
	}
	writeJSON(w, http.StatusOK, pending)
}

// POST /api/shutdown
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	w.WriteHeader(http.StatusOK)
	if s.Shutdown != nil {
		go s.Shutdown()
	}
}

// GET /api/resolve-icao?icao=CODE
func (s *Server) handleResolveICAO(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	code := r.URL.Query().Get("icao")
	if code == "" || s.ICAO == nil {
		http.NotFound(w, r)
		return
	}
	lat, lon, ok := s.ICAO.Resolve(code)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"lat": lat, "lon": lon})
}

// GET /preview?id=TILEID&w=WIDTH, a fast DDS->PNG transcode, optionally
// resized before presenting.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	idStr := r.URL.Query().Get("id")
	tileID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	path, ok := s.resolvePreviewPath(tileID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	pngBytes, err := codec.ToPNG(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "transcode failed")
		return
	}

	if wStr := r.URL.Query().Get("w"); wStr != "" {
		if width, err := strconv.Atoi(wStr); err == nil && width > 0 {
			if resized, err := resizePNG(pngBytes, width); err == nil {
				pngBytes = resized
			}
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(pngBytes)
}

// resolvePreviewPath prefers the sqlite mirror for latency, falling back
// to a direct index scan when no mirror is configured.
func (s *Server) resolvePreviewPath(tileID int64) (string, bool) {
	if s.Mirror != nil {
		if path, _, ok := s.Mirror.BestPath(tileID); ok {
			return path, true
		}
	}
	if s.Index != nil {
		rec, ok := s.Index.BestCached(tileID, len(geodesy.WidthPx)-1, true)
		if ok {
			return rec.Path, true
		}
	}
	return "", false
}

func resizePNG(pngBytes []byte, width int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, err
	}
	g := gift.New(gift.Resize(width, 0, gift.LanczosResampling))
	dst := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GET / and other unmatched paths: serve static files with MIME type
// chosen by extension.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.StaticDir == "" {
		http.NotFound(w, r)
		return
	}
	reqPath := r.URL.Path
	if reqPath == "/" {
		reqPath = "/index.html"
	}
	full := filepath.Join(s.StaticDir, filepath.Clean(reqPath))
	if ct := mime.TypeByExtension(filepath.Ext(full)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, full)
}

// resolveCenter implements the lat/lon-or-icao input path of the
// start-job request shape.
func (s *Server) resolveCenter(lat, lon *float64, icao string) (float64, float64, error) {
	if icao != "" {
		if s.ICAO == nil {
			return 0, 0, fmt.Errorf("no ICAO resolver configured")
		}
		la, lo, ok := s.ICAO.Resolve(icao)
		if !ok {
			return 0, 0, fmt.Errorf("unknown ICAO code %q", icao)
		}
		return la, lo, nil
	}
	if lat == nil || lon == nil {
		return 0, 0, fmt.Errorf("either icao or lat+lon must be supplied")
	}
	return *lat, *lon, nil
}

// baseOptions seeds an orchestrator.Options from the server's configured
// defaults; callers overwrite the per-request fields.
func (s *Server) baseOptions() orchestrator.Options {
	d := s.Defaults
	return orchestrator.Options{
		BaseSizeID:      d.Size,
		Sdwn:            d.Sdwn,
		PrecoverGap:     d.PrecoverGap,
		DaaPriorityFrac: d.DaaPriorityFrac,
		Workers:         d.Workers,
		StagingDir:      filepath.Join(d.Save, "tmp"),
		FinalTree:       d.Path,
		BackupTree:      d.Save,
		FileExt:         extFor(d),
		Retries:         d.Attempts,
		MinChunkBytes:   d.MinChunkBytes,
		MonitorInterval: time.Duration(d.MonitorInterval) * time.Second,
		GracePeriod:     5 * time.Second,
		HardTimeout:     600 * time.Second,
		OverwriteMode:   placement.OverwriteMode(d.Over),
	}
}

func extFor(d config.Config) string {
	if d.PNG {
		return "png"
	}
	return "dds"
}

// runJob starts one orchestrator run in the background and returns its
// job id immediately; completion is reported via /api/completed-jobs.
func (s *Server) runJob(opts orchestrator.Options) string {
	jobID := fmt.Sprintf("job-%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())

	s.jobsMu.Lock()
	s.jobs[jobID] = &jobRecord{id: jobID, lat: opts.CenterLat, lon: opts.CenterLon, radius: opts.RadiusNM, cancel: cancel}
	s.jobsMu.Unlock()

	go func() {
		defer cancel()
		_ = s.Orch.Run(ctx, opts)

		s.jobsMu.Lock()
		delete(s.jobs, jobID)
		s.jobsMu.Unlock()

		s.completedMu.Lock()
		s.completed = append(s.completed, jobID)
		s.completedMu.Unlock()
	}()

	return jobID
}
