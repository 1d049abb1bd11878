package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/flow/params endpoint so the same JSON
// can be used for both startup configuration and runtime inspection.
type TuningConfig struct {
	// Feature selection params
	MaxFeatures  *int     `json:"max_features,omitempty"`
	QualityLevel *float64 `json:"quality_level,omitempty"`
	MinDistance  *float64 `json:"min_distance,omitempty"`
	BlockSize    *int     `json:"block_size,omitempty"`

	// Solver params
	WindowRadius    *int     `json:"window_radius,omitempty"`
	PyramidLevels   *int     `json:"pyramid_levels,omitempty"`
	MaxIterations   *int     `json:"max_iterations,omitempty"`
	EpsilonPx       *float64 `json:"epsilon_px,omitempty"`
	MinEigThreshold *float64 `json:"min_eig_threshold,omitempty"`
	MaxResidual     *float64 `json:"max_residual,omitempty"`
	MaxFBError      *float64 `json:"max_fb_error,omitempty"`

	// Track lifecycle params
	MinTracks         *int `json:"min_tracks,omitempty"`
	TargetTracks      *int `json:"target_tracks,omitempty"`
	ReplenishInterval *int `json:"replenish_interval,omitempty"` // frames between detector passes
	MaxTrackMisses    *int `json:"max_track_misses,omitempty"`
	TrailLength       *int `json:"trail_length,omitempty"`

	// Runtime params
	Workers              *int    `json:"workers,omitempty"` // 0 uses all CPUs
	StatsInterval        *string `json:"stats_interval,omitempty"`         // duration string like "60s"
	ArchiveFlushInterval *string `json:"archive_flush_interval,omitempty"` // duration string like "60s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/flow/monitor/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MaxFeatures != nil && *c.MaxFeatures < 1 {
		return fmt.Errorf("max_features must be positive, got %d", *c.MaxFeatures)
	}

	if c.QualityLevel != nil {
		if *c.QualityLevel <= 0 || *c.QualityLevel > 1 {
			return fmt.Errorf("quality_level must be in (0, 1], got %f", *c.QualityLevel)
		}
	}

	if c.MinDistance != nil && *c.MinDistance < 0 {
		return fmt.Errorf("min_distance must be non-negative, got %f", *c.MinDistance)
	}

	if c.WindowRadius != nil && *c.WindowRadius < 1 {
		return fmt.Errorf("window_radius must be at least 1, got %d", *c.WindowRadius)
	}

	if c.PyramidLevels != nil && *c.PyramidLevels < 1 {
		return fmt.Errorf("pyramid_levels must be at least 1, got %d", *c.PyramidLevels)
	}

	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", *c.MaxIterations)
	}

	if c.EpsilonPx != nil && *c.EpsilonPx <= 0 {
		return fmt.Errorf("epsilon_px must be positive, got %f", *c.EpsilonPx)
	}

	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}

	// Validate StatsInterval can be parsed if set
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if _, err := time.ParseDuration(*c.StatsInterval); err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
	}

	// Validate ArchiveFlushInterval can be parsed if set
	if c.ArchiveFlushInterval != nil && *c.ArchiveFlushInterval != "" {
		if _, err := time.ParseDuration(*c.ArchiveFlushInterval); err != nil {
			return fmt.Errorf("invalid archive_flush_interval '%s': %w", *c.ArchiveFlushInterval, err)
		}
	}

	return nil
}

// GetMaxFeatures returns the max_features value or the default.
func (c *TuningConfig) GetMaxFeatures() int {
	if c.MaxFeatures == nil {
		return 100 // default
	}
	return *c.MaxFeatures
}

// GetQualityLevel returns the quality_level value or the default.
func (c *TuningConfig) GetQualityLevel() float64 {
	if c.QualityLevel == nil {
		return 0.3
	}
	return *c.QualityLevel
}

// GetMinDistance returns the min_distance value or the default.
func (c *TuningConfig) GetMinDistance() float64 {
	if c.MinDistance == nil {
		return 7.0
	}
	return *c.MinDistance
}

// GetBlockSize returns the block_size value or the default.
func (c *TuningConfig) GetBlockSize() int {
	if c.BlockSize == nil {
		return 7
	}
	return *c.BlockSize
}

// GetWindowRadius returns the window_radius value or the default.
func (c *TuningConfig) GetWindowRadius() int {
	if c.WindowRadius == nil {
		return 7 // 15x15 window
	}
	return *c.WindowRadius
}

// GetPyramidLevels returns the pyramid_levels value or the default.
func (c *TuningConfig) GetPyramidLevels() int {
	if c.PyramidLevels == nil {
		return 3
	}
	return *c.PyramidLevels
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 10
	}
	return *c.MaxIterations
}

// GetEpsilonPx returns the epsilon_px value or the default.
func (c *TuningConfig) GetEpsilonPx() float64 {
	if c.EpsilonPx == nil {
		return 0.03
	}
	return *c.EpsilonPx
}

// GetMinEigThreshold returns the min_eig_threshold value or the default.
func (c *TuningConfig) GetMinEigThreshold() float64 {
	if c.MinEigThreshold == nil {
		return 1e-4
	}
	return *c.MinEigThreshold
}

// GetMaxResidual returns the max_residual value or the default.
func (c *TuningConfig) GetMaxResidual() float64 {
	if c.MaxResidual == nil {
		return 20.0 // mean absolute intensity error per window pixel
	}
	return *c.MaxResidual
}

// GetMaxFBError returns the max_fb_error value or the default.
func (c *TuningConfig) GetMaxFBError() float64 {
	if c.MaxFBError == nil {
		return 1.0 // forward-backward distance in pixels
	}
	return *c.MaxFBError
}

// GetMinTracks returns the min_tracks value or the default.
func (c *TuningConfig) GetMinTracks() int {
	if c.MinTracks == nil {
		return 80
	}
	return *c.MinTracks
}

// GetTargetTracks returns the target_tracks value or the default.
func (c *TuningConfig) GetTargetTracks() int {
	if c.TargetTracks == nil {
		return 100
	}
	return *c.TargetTracks
}

// GetReplenishInterval returns the replenish_interval value or the default.
func (c *TuningConfig) GetReplenishInterval() int {
	if c.ReplenishInterval == nil {
		return 5 // frames
	}
	return *c.ReplenishInterval
}

// GetMaxTrackMisses returns the max_track_misses value or the default.
func (c *TuningConfig) GetMaxTrackMisses() int {
	if c.MaxTrackMisses == nil {
		return 1 // a track survives one bad frame, not two
	}
	return *c.MaxTrackMisses
}

// GetTrailLength returns the trail_length value or the default.
func (c *TuningConfig) GetTrailLength() int {
	if c.TrailLength == nil {
		return 10
	}
	return *c.TrailLength
}

// GetWorkers returns the workers value or the default.
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0 // 0 means use all CPUs
	}
	return *c.Workers
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
func (c *TuningConfig) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetArchiveFlushInterval parses and returns the ArchiveFlushInterval as a time.Duration.
func (c *TuningConfig) GetArchiveFlushInterval() time.Duration {
	if c.ArchiveFlushInterval == nil || *c.ArchiveFlushInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.ArchiveFlushInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}
