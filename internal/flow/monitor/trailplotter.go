package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/flowtrack/internal/flow"
)

// TrailPlotter accumulates track positions over a run and renders them as
// PNG plots afterwards. It receives every processed frame through
// OverlayFrame, so it can ride along as a pipeline overlay sink during
// replay or live tracking.
type TrailPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string

	// height is taken from the frames so the trail plot can be flipped
	// into image orientation (image y grows downward).
	height float64

	// trails holds per-track position series, keyed by track ID.
	trails map[int64][]trailSample

	// population holds per-frame track counts.
	population []populationSample

	frames int
}

type trailSample struct {
	Seq uint64
	X   float64
	Y   float64
}

type populationSample struct {
	Seq  uint64
	Live int
	Lost int
}

// NewTrailPlotter creates a plotter with sampling disabled. Call Start to
// begin recording.
func NewTrailPlotter() *TrailPlotter {
	return &TrailPlotter{
		trails: make(map[int64][]trailSample),
	}
}

// Start clears any prior samples and begins recording into outputDir.
func (tp *TrailPlotter) Start(outputDir string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	tp.outputDir = outputDir
	tp.enabled = true
	tp.height = 0
	tp.trails = make(map[int64][]trailSample)
	tp.population = nil
	tp.frames = 0
	return nil
}

// Stop disables sampling. Call GeneratePlots() to produce output files.
func (tp *TrailPlotter) Stop() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (tp *TrailPlotter) IsEnabled() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.enabled
}

// OverlayFrame records the live track positions solved on one frame.
func (tp *TrailPlotter) OverlayFrame(frame *flow.Frame, ts *flow.TrackSet) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if !tp.enabled || ts == nil {
		return
	}
	if frame != nil {
		tp.height = float64(frame.Height)
	}
	tp.frames++

	for i := range ts.Tracks {
		tr := &ts.Tracks[i]
		tp.trails[tr.ID] = append(tp.trails[tr.ID], trailSample{
			Seq: ts.FrameSeq,
			X:   float64(tr.X),
			Y:   float64(tr.Y),
		})
	}
	tp.population = append(tp.population, populationSample{
		Seq:  ts.FrameSeq,
		Live: len(ts.Tracks),
		Lost: len(ts.Lost),
	})
}

// GeneratePlots renders the collected samples as PNG files in the output
// directory. Returns the number of plots written and any error.
func (tp *TrailPlotter) GeneratePlots() (int, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}

	if len(tp.trails) == 0 {
		return 0, nil
	}

	plotCount := 0
	if err := tp.generateTrailPlot(); err != nil {
		return plotCount, fmt.Errorf("trail plot: %w", err)
	}
	plotCount++

	if err := tp.generatePopulationPlot(); err != nil {
		return plotCount, fmt.Errorf("population plot: %w", err)
	}
	plotCount++

	return plotCount, nil
}

// generateTrailPlot draws each track's path as a line, flipped into image
// orientation when the frame height is known.
func (tp *TrailPlotter) generateTrailPlot() error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Track trails (%d tracks, %d frames)", len(tp.trails), tp.frames)
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"

	var sortedIDs []int64
	for id := range tp.trails {
		sortedIDs = append(sortedIDs, id)
	}
	sort.Slice(sortedIDs, func(a, b int) bool { return sortedIDs[a] < sortedIDs[b] })

	colors := generateColors(len(sortedIDs))

	for i, id := range sortedIDs {
		samples := tp.trails[id]
		if len(samples) == 0 {
			continue
		}

		sort.Slice(samples, func(a, b int) bool {
			return samples[a].Seq < samples[b].Seq
		})

		pts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			y := s.Y
			if tp.height > 0 {
				y = tp.height - s.Y
			}
			pts = append(pts, plotter.XY{X: s.X, Y: y})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)

		// A full population would bury the plot in legend entries.
		if i < 10 {
			p.Legend.Add(fmt.Sprintf("track %d", id), line)
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	trailFile := filepath.Join(tp.outputDir, "trails.png")
	if err := p.Save(10*vg.Inch, 10*vg.Inch, trailFile); err != nil {
		return fmt.Errorf("save trails plot: %w", err)
	}
	return nil
}

// generatePopulationPlot draws the live and lost track counts per frame.
func (tp *TrailPlotter) generatePopulationPlot() error {
	p := plot.New()
	p.Title.Text = "Track population"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Tracks"

	livePts := make(plotter.XYs, 0, len(tp.population))
	lostPts := make(plotter.XYs, 0, len(tp.population))
	for _, s := range tp.population {
		livePts = append(livePts, plotter.XY{X: float64(s.Seq), Y: float64(s.Live)})
		lostPts = append(lostPts, plotter.XY{X: float64(s.Seq), Y: float64(s.Lost)})
	}

	colors := generateColors(2)

	liveLine, err := plotter.NewLine(livePts)
	if err != nil {
		return err
	}
	liveLine.Color = colors[0]
	liveLine.Width = vg.Points(1)
	p.Add(liveLine)
	p.Legend.Add("live", liveLine)

	lostLine, err := plotter.NewLine(lostPts)
	if err != nil {
		return err
	}
	lostLine.Color = colors[1]
	lostLine.Width = vg.Points(1)
	p.Add(lostLine)
	p.Legend.Add("lost", lostLine)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	popFile := filepath.Join(tp.outputDir, "live_tracks.png")
	if err := p.Save(14*vg.Inch, 6*vg.Inch, popFile); err != nil {
		return fmt.Errorf("save population plot: %w", err)
	}
	return nil
}

// GetOutputDir returns the current output directory for plots.
func (tp *TrailPlotter) GetOutputDir() string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.outputDir
}

// GetSampleCount returns the total number of trail samples collected.
func (tp *TrailPlotter) GetSampleCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	count := 0
	for _, samples := range tp.trails {
		count += len(samples)
	}
	return count
}

// generateColors creates a palette of distinct colors for trail lines.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir creates a timestamped output directory for plots.
// For file-backed sources: plots/<source_basename>/<timestamp>
// For live or synthetic sources: plots/live_<timestamp>
func MakePlotOutputDir(baseDir, source string) string {
	ts := FormatTimestamp(time.Now())
	if source == "" {
		return filepath.Join(baseDir, "live_"+ts)
	}
	base := filepath.Base(source)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return filepath.Join(baseDir, name, ts)
}
