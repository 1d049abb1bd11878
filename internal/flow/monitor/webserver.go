package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/flowtrack/internal/config"
	"github.com/banshee-data/flowtrack/internal/flow"
	"github.com/banshee-data/flowtrack/internal/flow/storage/sqlite"
	"github.com/banshee-data/flowtrack/internal/units"
	"github.com/banshee-data/flowtrack/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer serves the HTTP inspection surface for one tracking run: the
// status page, JSON endpoints over the live engine and the archive, and the
// debug chart pages.
type WebServer struct {
	address string
	stats   *FlowStats
	engine  *flow.Engine
	db      *sqlite.DB
	runID   string
	source  string
	tuning  *config.TuningConfig
	plotter *TrailPlotter
	server  *http.Server
}

// WebServerConfig holds the wiring for a WebServer. Engine, DB, Tuning and
// Plotter may each be nil; the endpoints that need them answer 503.
type WebServerConfig struct {
	Address string
	Stats   *FlowStats
	Engine  *flow.Engine
	DB      *sqlite.DB
	RunID   string
	Source  string
	Tuning  *config.TuningConfig
	Plotter *TrailPlotter
}

// NewWebServer creates a web server for runtime monitoring.
func NewWebServer(cfg WebServerConfig) *WebServer {
	return &WebServer{
		address: cfg.Address,
		stats:   cfg.Stats,
		engine:  cfg.Engine,
		db:      cfg.DB,
		runID:   cfg.RunID,
		source:  cfg.Source,
		tuning:  cfg.Tuning,
		plotter: cfg.Plotter,
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down.
func (ws *WebServer) Start(ctx context.Context) error {
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	go func() {
		log.Printf("Monitor HTTP server listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown failed, forcing close: %v", err)
		ws.server.Close()
	}
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)

	mux.HandleFunc("/api/flow/stats", ws.handleStats)
	mux.HandleFunc("/api/flow/tracks", ws.handleTracks)
	mux.HandleFunc("/api/flow/metrics", ws.handleMetrics)
	mux.HandleFunc("/api/flow/params", ws.handleParams)
	mux.HandleFunc("/api/flow/runs", ws.handleRuns)
	mux.HandleFunc("/api/flow/run/tracks", ws.handleRunTracks)

	mux.HandleFunc("/debug/charts/tracks", ws.handleTracksChart)
	mux.HandleFunc("/debug/charts/flow", ws.handleFlowFieldChart)
	mux.HandleFunc("/debug/charts/throughput", ws.handleThroughputChart)
	mux.HandleFunc("/debug/plots/generate", ws.handleGeneratePlots)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "flowtrack", "timestamp": "%s"}`, time.Now().Format(time.RFC3339))
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "failed to parse status template", http.StatusInternalServerError)
		return
	}

	data := struct {
		Version         string
		HTTPAddress     string
		Source          string
		RunID           string
		Uptime          string
		FramesProcessed uint64
		TracksCreated   uint64
		TracksLost      uint64
		LastFrameSeq    uint64
		Stats           *StatsSnapshot
	}{
		Version:     version.String(),
		HTTPAddress: ws.address,
		Source:      ws.source,
		RunID:       ws.runID,
	}
	if ws.stats != nil {
		data.Uptime = ws.stats.GetUptime().Round(time.Second).String()
		data.Stats = ws.stats.GetLatestSnapshot()
	}
	if ws.engine != nil {
		m := ws.engine.Metrics()
		data.FramesProcessed = m.FramesProcessed
		data.TracksCreated = m.TracksCreated
		data.TracksLost = m.TracksLost
		data.LastFrameSeq = ws.engine.LastFrameSeq()
	}

	w.Header().Set("Content-Type", "text/html")
	if err := tmpl.Execute(w, data); err != nil {
		log.Printf("Error rendering status page: %v", err)
	}
}

// engineJSON mirrors flow.EngineMetrics for the wire.
type engineJSON struct {
	FramesProcessed   uint64 `json:"frames_processed"`
	TracksCreated     uint64 `json:"tracks_created"`
	TracksLost        uint64 `json:"tracks_lost"`
	LostOutOfBounds   uint64 `json:"lost_out_of_bounds"`
	LostDegenerate    uint64 `json:"lost_degenerate"`
	LostNonConverged  uint64 `json:"lost_non_converged"`
	LostLowConfidence uint64 `json:"lost_low_confidence"`
	FeatureShortfalls uint64 `json:"feature_shortfalls"`
	LastFrameSeq      uint64 `json:"last_frame_seq"`
}

func engineMetricsJSON(m flow.EngineMetrics) *engineJSON {
	return &engineJSON{
		FramesProcessed:   m.FramesProcessed,
		TracksCreated:     m.TracksCreated,
		TracksLost:        m.TracksLost,
		LostOutOfBounds:   m.LostOutOfBounds,
		LostDegenerate:    m.LostDegenerate,
		LostNonConverged:  m.LostNonConverged,
		LostLowConfidence: m.LostLowConfidence,
		FeatureShortfalls: m.FeatureShortfalls,
		LastFrameSeq:      m.LastFrame.Seq,
	}
}

type frameJSON struct {
	Seq               uint64  `json:"seq"`
	Live              int     `json:"live"`
	Survived          int     `json:"survived"`
	Lost              int     `json:"lost"`
	Replenished       int     `json:"replenished"`
	LostOutOfBounds   int     `json:"lost_out_of_bounds"`
	LostDegenerate    int     `json:"lost_degenerate"`
	LostNonConverged  int     `json:"lost_non_converged"`
	LostLowConfidence int     `json:"lost_low_confidence"`
	FeatureShortfall  int     `json:"feature_shortfall"`
	MeanFlowX         float32 `json:"mean_flow_x"`
	MeanFlowY         float32 `json:"mean_flow_y"`
	SolveMicros       int64   `json:"solve_micros"`
}

func frameMetricsJSON(m flow.FrameMetrics) frameJSON {
	return frameJSON{
		Seq:               m.Seq,
		Live:              m.Live,
		Survived:          m.Survived,
		Lost:              m.Lost,
		Replenished:       m.Replenished,
		LostOutOfBounds:   m.LostOutOfBounds,
		LostDegenerate:    m.LostDegenerate,
		LostNonConverged:  m.LostNonConverged,
		LostLowConfidence: m.LostLowConfidence,
		FeatureShortfall:  m.FeatureShortfall,
		MeanFlowX:         m.MeanFlowX,
		MeanFlowY:         m.MeanFlowY,
		SolveMicros:       m.SolveDuration.Microseconds(),
	}
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if ws.stats == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "stats not configured")
		return
	}

	resp := struct {
		UptimeSecs float64        `json:"uptime_secs"`
		Window     *StatsSnapshot `json:"window"`
		Engine     *engineJSON    `json:"engine,omitempty"`
	}{
		UptimeSecs: ws.stats.GetUptime().Seconds(),
		Window:     ws.stats.GetLatestSnapshot(),
	}
	if ws.engine != nil {
		resp.Engine = engineMetricsJSON(ws.engine.Metrics())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type trailPointJSON struct {
	Seq uint64  `json:"seq"`
	X   float32 `json:"x"`
	Y   float32 `json:"y"`
}

type trackJSON struct {
	ID         int64            `json:"id"`
	State      string           `json:"state"`
	X          float32          `json:"x"`
	Y          float32          `json:"y"`
	Age        int              `json:"age"`
	Residual   float32          `json:"residual"`
	Speed      float64          `json:"speed"`
	Units      string           `json:"units"`
	HeadingRad float32          `json:"heading_rad"`
	FirstSeq   uint64           `json:"first_seq"`
	LastSeq    uint64           `json:"last_seq"`
	Trail      []trailPointJSON `json:"trail,omitempty"`
}

func liveTrackJSON(tr *flow.Track, unit string, fps float64) trackJSON {
	row := trackJSON{
		ID:         tr.ID,
		State:      string(tr.State),
		X:          tr.X,
		Y:          tr.Y,
		Age:        tr.Age,
		Residual:   tr.Residual,
		Speed:      units.ConvertSpeed(float64(tr.Speed()), unit, fps),
		Units:      unit,
		HeadingRad: tr.Heading(),
		FirstSeq:   tr.FirstSeq,
		LastSeq:    tr.LastSeq,
	}
	if len(tr.Trail) > 0 {
		row.Trail = make([]trailPointJSON, len(tr.Trail))
		for i, p := range tr.Trail {
			row.Trail[i] = trailPointJSON{Seq: p.Seq, X: p.X, Y: p.Y}
		}
	}
	return row
}

func (ws *WebServer) handleTracks(w http.ResponseWriter, r *http.Request) {
	if ws.engine == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}

	unit := r.URL.Query().Get("units")
	if unit == "" {
		unit = units.PXF
	}
	if !units.IsValid(unit) {
		writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid units %q (valid: %s)", unit, units.GetValidUnitsString()))
		return
	}

	fps := 0.0
	if v := r.URL.Query().Get("fps"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "fps must be a positive number")
			return
		}
		fps = parsed
	}
	if unit == units.PXS && fps == 0 {
		writeJSONError(w, http.StatusBadRequest, "units=pxs requires an fps parameter")
		return
	}

	tracks := ws.engine.Tracks()
	rows := make([]trackJSON, 0, len(tracks))
	for i := range tracks {
		rows = append(rows, liveTrackJSON(&tracks[i], unit, fps))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if ws.engine == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}

	m := ws.engine.Metrics()
	resp := struct {
		*engineJSON
		LastFrame frameJSON `json:"last_frame"`
	}{
		engineJSON: engineMetricsJSON(m),
		LastFrame:  frameMetricsJSON(m.LastFrame),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// tuningFromConfig reports the engine's active parameters in the tuning
// file's shape, so a captured response can be fed straight back through the
// tuning-config flag.
func tuningFromConfig(cfg flow.Config) *config.TuningConfig {
	return &config.TuningConfig{
		MaxFeatures:  intPtr(cfg.Features.MaxFeatures),
		QualityLevel: floatPtr(cfg.Features.QualityLevel),
		MinDistance:  floatPtr(cfg.Features.MinDistance),
		BlockSize:    intPtr(cfg.Features.BlockSize),

		WindowRadius:    intPtr(cfg.Solver.WindowRadius),
		PyramidLevels:   intPtr(cfg.PyramidLevels),
		MaxIterations:   intPtr(cfg.Solver.MaxIterations),
		EpsilonPx:       floatPtr(cfg.Solver.Epsilon),
		MinEigThreshold: floatPtr(cfg.Solver.MinEigThreshold),
		MaxResidual:     floatPtr(cfg.Solver.MaxResidual),
		MaxFBError:      floatPtr(cfg.Solver.MaxFBError),

		MinTracks:         intPtr(cfg.MinTracks),
		TargetTracks:      intPtr(cfg.TargetTracks),
		ReplenishInterval: intPtr(cfg.ReplenishInterval),
		MaxTrackMisses:    intPtr(cfg.MaxMisses),
		TrailLength:       intPtr(cfg.TrailLength),

		Workers: intPtr(cfg.Workers),
	}
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func (ws *WebServer) handleParams(w http.ResponseWriter, r *http.Request) {
	if ws.engine == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}

	tc := tuningFromConfig(ws.engine.Config())
	if ws.tuning != nil {
		tc.StatsInterval = ws.tuning.StatsInterval
		tc.ArchiveFlushInterval = ws.tuning.ArchiveFlushInterval
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tc)
}

type runJSON struct {
	RunID         string          `json:"run_id"`
	Created       time.Time       `json:"created"`
	Ended         *time.Time      `json:"ended,omitempty"`
	Source        string          `json:"source"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Status        string          `json:"status"`
	Frames        int64           `json:"frames"`
	TracksCreated int64           `json:"tracks_created"`
	TracksLost    int64           `json:"tracks_lost"`
	Params        json.RawMessage `json:"params,omitempty"`
}

func runToJSON(run *sqlite.Run) runJSON {
	row := runJSON{
		RunID:         run.RunID,
		Created:       time.Unix(0, run.CreatedUnixNanos),
		Source:        run.Source,
		Width:         run.Width,
		Height:        run.Height,
		Status:        run.Status,
		Frames:        run.Frames,
		TracksCreated: run.TracksCreated,
		TracksLost:    run.TracksLost,
	}
	if run.EndedUnixNanos != 0 {
		ended := time.Unix(0, run.EndedUnixNanos)
		row.Ended = &ended
	}
	if run.ParamsJSON != "" {
		row.Params = json.RawMessage(run.ParamsJSON)
	}
	return row
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no archive database configured")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	runs, err := sqlite.ListRuns(ws.db.DB, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}

	rows := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, runToJSON(run))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

type finishedTrackJSON struct {
	TrackID        int64           `json:"track_id"`
	FirstSeq       int64           `json:"first_seq"`
	LastSeq        int64           `json:"last_seq"`
	Age            int64           `json:"age"`
	FirstX         float32         `json:"first_x"`
	FirstY         float32         `json:"first_y"`
	LastX          float32         `json:"last_x"`
	LastY          float32         `json:"last_y"`
	DisplacementPx float32         `json:"displacement_px"`
	PathPx         float32         `json:"path_px"`
	MeanSpeedPx    float32         `json:"mean_speed_px"`
	HeadingRad     float32         `json:"heading_rad"`
	LastResidual   float32         `json:"last_residual"`
	LostReason     string          `json:"lost_reason,omitempty"`
	Trail          json.RawMessage `json:"trail,omitempty"`
}

func finishedToJSON(ft *sqlite.FinishedTrack) finishedTrackJSON {
	row := finishedTrackJSON{
		TrackID:        ft.TrackID,
		FirstSeq:       ft.FirstSeq,
		LastSeq:        ft.LastSeq,
		Age:            ft.Age,
		FirstX:         ft.FirstX,
		FirstY:         ft.FirstY,
		LastX:          ft.LastX,
		LastY:          ft.LastY,
		DisplacementPx: ft.DisplacementPx,
		PathPx:         ft.PathPx,
		MeanSpeedPx:    ft.MeanSpeedPx,
		HeadingRad:     ft.HeadingRad,
		LastResidual:   ft.LastResidual,
		LostReason:     ft.LostReason,
	}
	if ft.TrailJSON != "" {
		row.Trail = json.RawMessage(ft.TrailJSON)
	}
	return row
}

func (ws *WebServer) handleRunTracks(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no archive database configured")
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = ws.runID
	}
	if runID == "" {
		writeJSONError(w, http.StatusBadRequest, "run_id parameter required")
		return
	}

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	tracks, err := sqlite.GetFinishedTracks(ws.db.DB, runID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get finished tracks: %v", err))
		return
	}

	rows := make([]finishedTrackJSON, 0, len(tracks))
	for _, ft := range tracks {
		rows = append(rows, finishedToJSON(ft))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func (ws *WebServer) handleGeneratePlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if ws.plotter == nil || !ws.plotter.IsEnabled() {
		writeJSONError(w, http.StatusServiceUnavailable, "trail plotter not enabled")
		return
	}

	n, err := ws.plotter.GeneratePlots()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("generate plots: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"plots_written":%d}`, n)
}
