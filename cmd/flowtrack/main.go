package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/flowtrack/internal/config"
	"github.com/banshee-data/flowtrack/internal/flow"
	"github.com/banshee-data/flowtrack/internal/flow/monitor"
	"github.com/banshee-data/flowtrack/internal/flow/pipeline"
	"github.com/banshee-data/flowtrack/internal/flow/storage/sqlite"
	"github.com/banshee-data/flowtrack/internal/flow/synth"
	"github.com/banshee-data/flowtrack/internal/version"
)

var (
	listen      = flag.String("listen", ":8089", "HTTP listen address for the monitor")
	framesDir   = flag.String("frames", "", "Directory of P5 PGM frames to replay in lexical order")
	synthetic   = flag.Bool("synthetic", false, "Track a synthetic drifting-blob scene instead of a frame directory")
	synthFrames = flag.Int("synthetic-frames", 600, "Synthetic frame count (0 = unbounded)")
	frameRate   = flag.Float64("fps", 30, "Frame pacing in frames per second (0 = as fast as possible)")
	dbFile      = flag.String("db", "", "Path to the SQLite track archive (empty = no archive)")
	tuningFile  = flag.String("tuning-config", "", "Path to a JSON tuning config (empty = built-in defaults)")
	plotDir     = flag.String("plot-dir", "", "Base directory for trail plot output (empty = plots disabled)")
	debugLog    = flag.String("debug", "", "Comma-separated pipeline debug streams: ops, diag, trace")
)

// sourceInfo bundles a frame source with the metadata the archive and
// monitor want before the first frame arrives.
type sourceInfo struct {
	src    flow.FrameSource
	name   string
	width  int
	height int
	frames int // 0 means unbounded
}

// buildFrameSource picks the frame source from flags: -frames replays a PGM
// directory, -synthetic renders a drifting-blob scene.
func buildFrameSource() (*sourceInfo, error) {
	switch {
	case *framesDir != "" && *synthetic:
		return nil, errors.New("-frames and -synthetic are mutually exclusive")
	case *framesDir != "":
		src, err := newPGMDirSource(*framesDir)
		if err != nil {
			return nil, err
		}
		w, h, err := src.Probe()
		if err != nil {
			return nil, err
		}
		return &sourceInfo{src: src, name: *framesDir, width: w, height: h, frames: src.Len()}, nil
	case *synthetic:
		scene := demoScene()
		return &sourceInfo{
			src:    &synth.SceneSource{Scene: scene, Limit: *synthFrames},
			name:   "synthetic",
			width:  scene.W,
			height: scene.H,
			frames: *synthFrames,
		}, nil
	default:
		return nil, errors.New("either -frames or -synthetic is required")
	}
}

// demoScene is a textured field with a handful of blobs drifting in
// different directions, enough structure for the selector to latch onto.
func demoScene() *synth.Scene {
	return &synth.Scene{
		W: 640, H: 480,
		Background: synth.NewField(42, 28),
		Blobs: []synth.Blob{
			{X: 120, Y: 100, DX: 1.6, DY: 0.4, Sigma: 9, Amp: 60},
			{X: 480, Y: 140, DX: -1.1, DY: 0.8, Sigma: 12, Amp: 55},
			{X: 320, Y: 360, DX: 0.3, DY: -1.3, Sigma: 10, Amp: 60},
			{X: 200, Y: 260, DX: -0.6, DY: -0.5, Sigma: 8, Amp: 50},
		},
	}
}

// buildEngineConfig maps the tuning file schema onto the engine's Config.
// Fields absent from the tuning config fall back to the engine defaults via
// the Get accessors. The single window_radius knob drives both the selector
// margin and the solve window, matching how the params endpoint reports it.
func buildEngineConfig(tc *config.TuningConfig) flow.Config {
	cfg := flow.DefaultConfig()
	cfg.Features.MaxFeatures = tc.GetMaxFeatures()
	cfg.Features.QualityLevel = tc.GetQualityLevel()
	cfg.Features.MinDistance = tc.GetMinDistance()
	cfg.Features.BlockSize = tc.GetBlockSize()
	cfg.Features.WindowRadius = tc.GetWindowRadius()
	cfg.Solver.WindowRadius = tc.GetWindowRadius()
	cfg.Solver.MaxIterations = tc.GetMaxIterations()
	cfg.Solver.Epsilon = tc.GetEpsilonPx()
	cfg.Solver.MinEigThreshold = tc.GetMinEigThreshold()
	cfg.Solver.MaxResidual = tc.GetMaxResidual()
	cfg.Solver.MaxFBError = tc.GetMaxFBError()
	cfg.PyramidLevels = tc.GetPyramidLevels()
	cfg.TargetTracks = tc.GetTargetTracks()
	cfg.MinTracks = tc.GetMinTracks()
	cfg.ReplenishInterval = tc.GetReplenishInterval()
	cfg.MaxMisses = tc.GetMaxTrackMisses()
	cfg.TrailLength = tc.GetTrailLength()
	cfg.Workers = tc.GetWorkers()
	return cfg
}

// configureDebugLogging routes the requested pipeline debug streams to
// stderr. With no -debug flag, a non-empty FLOWTRACK_DEBUG_LOG environment
// variable enables all three streams (the legacy single-writer behaviour).
func configureDebugLogging(streams string) error {
	if streams == "" {
		if os.Getenv("FLOWTRACK_DEBUG_LOG") != "" {
			pipeline.SetLegacyLogger(os.Stderr)
		}
		return nil
	}
	var ops, diag, trace io.Writer
	for _, name := range strings.Split(streams, ",") {
		switch strings.TrimSpace(name) {
		case "ops":
			ops = os.Stderr
		case "diag":
			diag = os.Stderr
		case "trace":
			trace = os.Stderr
		case "":
		default:
			return fmt.Errorf("unknown debug stream %q (valid: ops, diag, trace)", name)
		}
	}
	pipeline.SetLogWriters(ops, diag, trace)
	return nil
}

func main() {
	flag.Parse()

	log.Printf("flowtrack %s starting", version.String())

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}
	if err := configureDebugLogging(*debugLog); err != nil {
		log.Fatalf("Invalid -debug flag: %v", err)
	}

	// Tuning parameters: built-in defaults unless a config file is given.
	tuning := config.EmptyTuningConfig()
	if *tuningFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *tuningFile)
	}
	engineCfg := buildEngineConfig(tuning)

	info, err := buildFrameSource()
	if err != nil {
		log.Fatalf("Failed to build frame source: %v", err)
	}
	if info.frames > 0 {
		log.Printf("Tracking %s: %dx%d, %d frames", info.name, info.width, info.height, info.frames)
	} else {
		log.Printf("Tracking %s: %dx%d, unbounded", info.name, info.width, info.height)
	}

	engine, err := flow.NewEngine(engineCfg)
	if err != nil {
		log.Fatalf("Failed to construct engine: %v", err)
	}
	defer engine.Close()

	stats := monitor.NewFlowStats()

	// Optional archive. Migrations run on every open; they are no-ops once
	// the schema is current.
	var (
		db       *sqlite.DB
		archiver *sqlite.TrackArchiver
		runID    string
	)
	if *dbFile != "" {
		db, err = sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open archive database: %v", err)
		}
		defer db.Close()
		if err := db.MigrateUp(sqlite.EmbeddedMigrations()); err != nil {
			log.Fatalf("Failed to migrate archive database: %v", err)
		}
		archiver, err = sqlite.StartRun(db, sqlite.ArchiverConfig{
			Source:     info.name,
			Width:      info.width,
			Height:     info.height,
			Params:     engineCfg,
			FlushEvery: tuning.GetArchiveFlushInterval(),
		})
		if err != nil {
			log.Fatalf("Failed to start archive run: %v", err)
		}
		runID = archiver.RunID()
		log.Printf("Archiving to %s as run %s", *dbFile, runID)
	}

	plotter := monitor.NewTrailPlotter()
	if *plotDir != "" {
		plotSource := info.name
		if *synthetic {
			plotSource = ""
		}
		outDir := monitor.MakePlotOutputDir(*plotDir, plotSource)
		if err := plotter.Start(outDir); err != nil {
			log.Fatalf("Failed to start trail plotter: %v", err)
		}
		log.Printf("Collecting trail plots in %s", outDir)
	}

	webServer := monitor.NewWebServer(monitor.WebServerConfig{
		Address: *listen,
		Stats:   stats,
		Engine:  engine,
		DB:      db,
		RunID:   runID,
		Source:  info.name,
		Tuning:  tuning,
		Plotter: plotter,
	})

	runnerCfg := pipeline.RunnerConfig{
		Source:       info.src,
		Engine:       engine,
		Publish:      stats,
		Overlay:      plotter,
		MaxFrameRate: *frameRate,
	}
	if archiver != nil {
		runnerCfg.Persistence = archiver
	}
	runner, err := pipeline.NewRunner(runnerCfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracking loop. Draining the source shuts the whole process down.
	var (
		runStats pipeline.RunStats
		runErr   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		runStats, runErr = runner.Run(ctx)
	}()

	// Periodic stats window logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(tuning.GetStatsInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats.LogStats()
			}
		}
	}()

	// Monitor HTTP server.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			log.Printf("Monitor server error: %v", err)
		}
	}()

	wg.Wait()

	interrupted := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	if runErr != nil && !interrupted {
		log.Printf("Tracking loop failed: %v", runErr)
	}
	log.Printf("Processed %d frames, archived %d tracks, %d reinitializations",
		runStats.FramesProcessed, runStats.TracksArchived, runStats.Reinitialized)

	if plotter.IsEnabled() {
		if n, err := plotter.GeneratePlots(); err != nil {
			log.Printf("Failed to generate trail plots: %v", err)
		} else {
			log.Printf("Wrote %d plots to %s", n, plotter.GetOutputDir())
		}
	}

	if archiver != nil {
		status := sqlite.RunStatusCompleted
		if runErr != nil && !interrupted {
			status = sqlite.RunStatusAborted
		}
		m := engine.Metrics()
		if err := archiver.Close(status, int64(m.TracksCreated)); err != nil {
			log.Printf("Failed to finish archive run: %v", err)
		} else {
			log.Printf("Finished archive run %s (%s)", runID, status)
		}
	}

	log.Printf("Graceful shutdown complete")
}
