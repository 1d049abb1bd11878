package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/flowtrack/internal/flow/storage/sqlite"
)

// echartsAssetsPrefix points the rendered pages at the hosted echarts bundle
// instead of the default CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridis ramp for the visual map dimension.
var viridisColors = []string{
	"#440154", "#482777", "#3e4989", "#31688e", "#26828e",
	"#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725",
}

// handleTracksChart renders the live track positions as a scatter colored by
// track age. Chart y grows upward while image y grows downward, so the view
// is vertically mirrored relative to the source frames.
func (ws *WebServer) handleTracksChart(w http.ResponseWriter, r *http.Request) {
	if ws.engine == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}

	tracks := ws.engine.Tracks()
	data := make([]opts.ScatterData, 0, len(tracks))
	maxAge := 1
	maxX, maxY := 1.0, 1.0
	for i := range tracks {
		tr := &tracks[i]
		data = append(data, opts.ScatterData{
			Value: []interface{}{tr.X, tr.Y, tr.Age},
		})
		if tr.Age > maxAge {
			maxAge = tr.Age
		}
		if float64(tr.X) > maxX {
			maxX = float64(tr.X)
		}
		if float64(tr.Y) > maxY {
			maxY = float64(tr.Y)
		}
	}
	maxX = math.Ceil(maxX * 1.1)
	maxY = math.Ceil(maxY * 1.1)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:  "flowtrack: live tracks",
			Theme:      "dark",
			Width:      "900px",
			Height:     "900px",
			AssetsHost: echartsAssetsPrefix,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Live tracks",
			Subtitle: fmt.Sprintf("%d tracks, colored by age (frames); image y grows downward", len(tracks)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{
			Min:          0,
			Max:          maxX,
			Name:         "x (px)",
			NameLocation: "middle",
			NameGap:      30,
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Min:          0,
			Max:          maxY,
			Name:         "y (px)",
			NameLocation: "middle",
			NameGap:      40,
		}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxAge),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)
	scatter.AddSeries("tracks", data,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(buf.Bytes())
}

// handleFlowFieldChart renders the per-track frame displacement vectors as a
// scatter around the origin, colored by speed.
func (ws *WebServer) handleFlowFieldChart(w http.ResponseWriter, r *http.Request) {
	if ws.engine == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}

	tracks := ws.engine.Tracks()
	data := make([]opts.ScatterData, 0, len(tracks))
	pad := 1.0
	maxSpeed := float32(0)
	for i := range tracks {
		tr := &tracks[i]
		dx := tr.X - tr.PrevX
		dy := tr.Y - tr.PrevY
		speed := tr.Speed()
		data = append(data, opts.ScatterData{
			Value: []interface{}{dx, dy, speed},
		})
		if v := math.Abs(float64(dx)); v > pad {
			pad = v
		}
		if v := math.Abs(float64(dy)); v > pad {
			pad = v
		}
		if speed > maxSpeed {
			maxSpeed = speed
		}
	}
	pad = math.Ceil(pad + 0.5)
	if maxSpeed == 0 {
		maxSpeed = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:  "flowtrack: flow field",
			Theme:      "dark",
			Width:      "900px",
			Height:     "900px",
			AssetsHost: echartsAssetsPrefix,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Flow field",
			Subtitle: fmt.Sprintf("%d tracks, frame displacement colored by speed (px/frame)", len(tracks)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{
			Min:          -pad,
			Max:          pad,
			Name:         "dx (px/frame)",
			NameLocation: "middle",
			NameGap:      30,
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Min:          -pad,
			Max:          pad,
			Name:         "dy (px/frame)",
			NameLocation: "middle",
			NameGap:      40,
		}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        maxSpeed,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)
	scatter.AddSeries("flow", data,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(buf.Bytes())
}

// handleThroughputChart renders per-frame population counts from the archive
// as a bar chart over the most recent frames.
func (ws *WebServer) handleThroughputChart(w http.ResponseWriter, r *http.Request) {
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

	limit := 60
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	afterSeq := int64(0)
	if ws.engine != nil {
		if last := ws.engine.LastFrameSeq(); last > uint64(limit) {
			afterSeq = int64(last) - int64(limit)
		}
	}

	stats, err := sqlite.GetFrameStats(ws.db.DB, runID, afterSeq, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get frame stats: %v", err))
		return
	}

	seqs := make([]string, 0, len(stats))
	live := make([]opts.BarData, 0, len(stats))
	lost := make([]opts.BarData, 0, len(stats))
	replenished := make([]opts.BarData, 0, len(stats))
	for _, fs := range stats {
		seqs = append(seqs, strconv.FormatInt(fs.FrameSeq, 10))
		live = append(live, opts.BarData{Value: fs.Live})
		lost = append(lost, opts.BarData{Value: fs.Lost})
		replenished = append(replenished, opts.BarData{Value: fs.Replenished})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:  "flowtrack: throughput",
			Theme:      "dark",
			Width:      "1200px",
			Height:     "500px",
			AssetsHost: echartsAssetsPrefix,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Track population by frame",
			Subtitle: fmt.Sprintf("run %s, last %d archived frames", runID, len(stats)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "tracks"}),
	)
	bar.SetXAxis(seqs).
		AddSeries("live", live).
		AddSeries("lost", lost).
		AddSeries("replenished", replenished)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(buf.Bytes())
}
