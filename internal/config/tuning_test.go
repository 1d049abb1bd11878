package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadTuningConfig(t *testing.T) {
	// Create temporary directory
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	// Write test config with flat schema
	testJSON := `{
  "max_features": 200,
  "quality_level": 0.1,
  "min_distance": 10.0,
  "window_radius": 10,
  "pyramid_levels": 4,
  "stats_interval": "30s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	// Load the config
	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify values
	if cfg.MaxFeatures == nil || *cfg.MaxFeatures != 200 {
		t.Errorf("Expected MaxFeatures 200, got %v", cfg.MaxFeatures)
	}
	if cfg.QualityLevel == nil || *cfg.QualityLevel != 0.1 {
		t.Errorf("Expected QualityLevel 0.1, got %v", cfg.QualityLevel)
	}
	if cfg.MinDistance == nil || *cfg.MinDistance != 10.0 {
		t.Errorf("Expected MinDistance 10.0, got %v", cfg.MinDistance)
	}
	if cfg.WindowRadius == nil || *cfg.WindowRadius != 10 {
		t.Errorf("Expected WindowRadius 10, got %v", cfg.WindowRadius)
	}
	if cfg.PyramidLevels == nil || *cfg.PyramidLevels != 4 {
		t.Errorf("Expected PyramidLevels 4, got %v", cfg.PyramidLevels)
	}
	if cfg.StatsInterval == nil || *cfg.StatsInterval != "30s" {
		t.Errorf("Expected StatsInterval '30s', got %v", cfg.StatsInterval)
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	// Write invalid JSON
	invalidJSON := `{
  "quality_level": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			cfg:     &TuningConfig{},
			wantErr: false,
		},
		{
			name: "invalid quality level (zero)",
			cfg: &TuningConfig{
				QualityLevel: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "invalid quality level (too high)",
			cfg: &TuningConfig{
				QualityLevel: ptrFloat64(1.5),
			},
			wantErr: true,
		},
		{
			name: "negative min distance",
			cfg: &TuningConfig{
				MinDistance: ptrFloat64(-1),
			},
			wantErr: true,
		},
		{
			name: "zero max features",
			cfg: &TuningConfig{
				MaxFeatures: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "zero window radius",
			cfg: &TuningConfig{
				WindowRadius: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "zero pyramid levels",
			cfg: &TuningConfig{
				PyramidLevels: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "zero max iterations",
			cfg: &TuningConfig{
				MaxIterations: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "zero epsilon",
			cfg: &TuningConfig{
				EpsilonPx: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "negative workers",
			cfg: &TuningConfig{
				Workers: ptrInt(-1),
			},
			wantErr: true,
		},
		{
			name: "invalid stats interval",
			cfg: &TuningConfig{
				StatsInterval: ptrString("invalid"),
			},
			wantErr: true,
		},
		{
			name: "invalid archive flush interval",
			cfg: &TuningConfig{
				ArchiveFlushInterval: ptrString("invalid"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStatsInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TuningConfig
		want time.Duration
	}{
		{
			name: "30 seconds",
			cfg: &TuningConfig{
				StatsInterval: ptrString("30s"),
			},
			want: 30 * time.Second,
		},
		{
			name: "2 minutes",
			cfg: &TuningConfig{
				StatsInterval: ptrString("2m"),
			},
			want: 2 * time.Minute,
		},
		{
			name: "nil pointer returns default",
			cfg:  &TuningConfig{},
			want: 60 * time.Second,
		},
		{
			name: "empty string returns default",
			cfg: &TuningConfig{
				StatsInterval: ptrString(""),
			},
			want: 60 * time.Second,
		},
		{
			name: "invalid duration returns default",
			cfg: &TuningConfig{
				StatsInterval: ptrString("invalid"),
			},
			want: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetStatsInterval()
			if got != tt.want {
				t.Errorf("GetStatsInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadTuningConfig("../../config/tuning.defaults.json")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg.GetMaxFeatures() != 100 {
		t.Errorf("Expected 100, got %d", cfg.GetMaxFeatures())
	}
	if cfg.GetQualityLevel() != 0.3 {
		t.Errorf("Expected 0.3, got %f", cfg.GetQualityLevel())
	}
	if cfg.GetWindowRadius() != 7 {
		t.Errorf("Expected 7, got %d", cfg.GetWindowRadius())
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetPyramidLevels() != 3 {
		t.Errorf("Expected 3 pyramid levels, got %d", cfg.GetPyramidLevels())
	}
	if cfg.GetReplenishInterval() != 5 {
		t.Errorf("Expected replenish interval 5, got %d", cfg.GetReplenishInterval())
	}
}

func TestLoadTuningConfigPartial(t *testing.T) {
	// Partial config: only override quality; everything else should keep defaults.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")

	partialJSON := `{
  "quality_level": 0.05
}`
	if err := os.WriteFile(configPath, []byte(partialJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load partial config: %v", err)
	}

	// Overridden value
	if cfg.GetQualityLevel() != 0.05 {
		t.Errorf("Expected overridden QualityLevel 0.05, got %f", cfg.GetQualityLevel())
	}
	// Default values should be preserved
	if cfg.GetMaxFeatures() != 100 {
		t.Errorf("Expected default MaxFeatures 100, got %d", cfg.GetMaxFeatures())
	}
	if cfg.GetMaxIterations() != 10 {
		t.Errorf("Expected default MaxIterations 10, got %d", cfg.GetMaxIterations())
	}
	if cfg.GetEpsilonPx() != 0.03 {
		t.Errorf("Expected default EpsilonPx 0.03, got %f", cfg.GetEpsilonPx())
	}
	if cfg.GetStatsInterval() != 60*time.Second {
		t.Errorf("Expected default StatsInterval 60s, got %v", cfg.GetStatsInterval())
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadTuningConfig("/some/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadTuningConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")

	// Create a file larger than 1MB
	largeData := make([]byte, 2*1024*1024) // 2MB
	if err := os.WriteFile(configPath, largeData, 0644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestAllTuningParams(t *testing.T) {
	// Test that all tunable parameters can be set via JSON
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "all_params.json")

	allParamsJSON := `{
  "max_features": 150,
  "quality_level": 0.2,
  "min_distance": 9.0,
  "block_size": 5,
  "window_radius": 8,
  "pyramid_levels": 4,
  "max_iterations": 20,
  "epsilon_px": 0.01,
  "min_eig_threshold": 0.001,
  "max_residual": 15.0,
  "max_fb_error": 0.5,
  "min_tracks": 60,
  "target_tracks": 150,
  "replenish_interval": 3,
  "max_track_misses": 2,
  "trail_length": 20,
  "workers": 4,
  "stats_interval": "45s",
  "archive_flush_interval": "90s"
}`
	if err := os.WriteFile(configPath, []byte(allParamsJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify all fields are loaded correctly
	if cfg.GetMaxFeatures() != 150 {
		t.Errorf("MaxFeatures = %v, want 150", cfg.GetMaxFeatures())
	}
	if cfg.GetQualityLevel() != 0.2 {
		t.Errorf("QualityLevel = %v, want 0.2", cfg.GetQualityLevel())
	}
	if cfg.GetMinDistance() != 9.0 {
		t.Errorf("MinDistance = %v, want 9.0", cfg.GetMinDistance())
	}
	if cfg.GetBlockSize() != 5 {
		t.Errorf("BlockSize = %v, want 5", cfg.GetBlockSize())
	}
	if cfg.GetWindowRadius() != 8 {
		t.Errorf("WindowRadius = %v, want 8", cfg.GetWindowRadius())
	}
	if cfg.GetPyramidLevels() != 4 {
		t.Errorf("PyramidLevels = %v, want 4", cfg.GetPyramidLevels())
	}
	if cfg.GetMaxIterations() != 20 {
		t.Errorf("MaxIterations = %v, want 20", cfg.GetMaxIterations())
	}
	if cfg.GetEpsilonPx() != 0.01 {
		t.Errorf("EpsilonPx = %v, want 0.01", cfg.GetEpsilonPx())
	}
	if cfg.GetMinEigThreshold() != 0.001 {
		t.Errorf("MinEigThreshold = %v, want 0.001", cfg.GetMinEigThreshold())
	}
	if cfg.GetMaxResidual() != 15.0 {
		t.Errorf("MaxResidual = %v, want 15.0", cfg.GetMaxResidual())
	}
	if cfg.GetMaxFBError() != 0.5 {
		t.Errorf("MaxFBError = %v, want 0.5", cfg.GetMaxFBError())
	}
	if cfg.GetMinTracks() != 60 {
		t.Errorf("MinTracks = %v, want 60", cfg.GetMinTracks())
	}
	if cfg.GetTargetTracks() != 150 {
		t.Errorf("TargetTracks = %v, want 150", cfg.GetTargetTracks())
	}
	if cfg.GetReplenishInterval() != 3 {
		t.Errorf("ReplenishInterval = %v, want 3", cfg.GetReplenishInterval())
	}
	if cfg.GetMaxTrackMisses() != 2 {
		t.Errorf("MaxTrackMisses = %v, want 2", cfg.GetMaxTrackMisses())
	}
	if cfg.GetTrailLength() != 20 {
		t.Errorf("TrailLength = %v, want 20", cfg.GetTrailLength())
	}
	if cfg.GetWorkers() != 4 {
		t.Errorf("Workers = %v, want 4", cfg.GetWorkers())
	}
	if cfg.GetStatsInterval() != 45*time.Second {
		t.Errorf("StatsInterval = %v, want 45s", cfg.GetStatsInterval())
	}
	if cfg.GetArchiveFlushInterval() != 90*time.Second {
		t.Errorf("ArchiveFlushInterval = %v, want 90s", cfg.GetArchiveFlushInterval())
	}
}

func TestGetterDefaults(t *testing.T) {
	// Test that getter methods return expected defaults when pointers are nil
	cfg := &TuningConfig{} // empty config

	if cfg.GetMaxFeatures() != 100 {
		t.Errorf("GetMaxFeatures() = %d, want 100", cfg.GetMaxFeatures())
	}
	if cfg.GetQualityLevel() != 0.3 {
		t.Errorf("GetQualityLevel() = %f, want 0.3", cfg.GetQualityLevel())
	}
	if cfg.GetMinDistance() != 7.0 {
		t.Errorf("GetMinDistance() = %f, want 7.0", cfg.GetMinDistance())
	}
	if cfg.GetBlockSize() != 7 {
		t.Errorf("GetBlockSize() = %d, want 7", cfg.GetBlockSize())
	}
	if cfg.GetWindowRadius() != 7 {
		t.Errorf("GetWindowRadius() = %d, want 7", cfg.GetWindowRadius())
	}
	if cfg.GetPyramidLevels() != 3 {
		t.Errorf("GetPyramidLevels() = %d, want 3", cfg.GetPyramidLevels())
	}
	if cfg.GetMaxIterations() != 10 {
		t.Errorf("GetMaxIterations() = %d, want 10", cfg.GetMaxIterations())
	}
	if cfg.GetEpsilonPx() != 0.03 {
		t.Errorf("GetEpsilonPx() = %f, want 0.03", cfg.GetEpsilonPx())
	}
	if cfg.GetMinEigThreshold() != 1e-4 {
		t.Errorf("GetMinEigThreshold() = %f, want 1e-4", cfg.GetMinEigThreshold())
	}
	if cfg.GetMaxFBError() != 1.0 {
		t.Errorf("GetMaxFBError() = %f, want 1.0", cfg.GetMaxFBError())
	}
	if cfg.GetMinTracks() != 80 {
		t.Errorf("GetMinTracks() = %d, want 80", cfg.GetMinTracks())
	}
	if cfg.GetTargetTracks() != 100 {
		t.Errorf("GetTargetTracks() = %d, want 100", cfg.GetTargetTracks())
	}
	if cfg.GetReplenishInterval() != 5 {
		t.Errorf("GetReplenishInterval() = %d, want 5", cfg.GetReplenishInterval())
	}
	if cfg.GetMaxTrackMisses() != 1 {
		t.Errorf("GetMaxTrackMisses() = %d, want 1", cfg.GetMaxTrackMisses())
	}
	if cfg.GetTrailLength() != 10 {
		t.Errorf("GetTrailLength() = %d, want 10", cfg.GetTrailLength())
	}
	if cfg.GetWorkers() != 0 {
		t.Errorf("GetWorkers() = %d, want 0", cfg.GetWorkers())
	}
	if cfg.GetStatsInterval() != 60*time.Second {
		t.Errorf("GetStatsInterval() = %v, want 60s", cfg.GetStatsInterval())
	}
	if cfg.GetArchiveFlushInterval() != 60*time.Second {
		t.Errorf("GetArchiveFlushInterval() = %v, want 60s", cfg.GetArchiveFlushInterval())
	}
}
