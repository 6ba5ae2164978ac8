package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/score"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, string(score.BackendParallel), cfg.Backend)
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, [3]float64{8, 8, 8}, cfg.Stages[1].GridSpacing)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Backend = "serial"
	cfg.Workers = 3
	cfg.Stages[0].Optimizer = "mayfly"
	cfg.Stages[0].ROIOffset = [3]int{1, 2, 3}

	require.NoError(t, SaveConfig(cfg, path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), loaded)
}

func TestLoadConfigStageDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
backend: serial
stages:
  - gridSpacing: [10, 10, 10]
  - optimizer: mayfly
    voxPerRegion: [4, 4, 4]
    popSize: 30
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "serial", cfg.Backend)
	assert.Equal(t, DefaultConfig().Fixed, cfg.Fixed)
	require.Len(t, cfg.Stages, 2)

	s0 := cfg.Stages[0]
	assert.Equal(t, [3]float64{10, 10, 10}, s0.GridSpacing)
	assert.Equal(t, "lbfgs", s0.Optimizer)
	assert.Equal(t, DefaultStage().Convergence, s0.Convergence)

	s1 := cfg.Stages[1]
	assert.Equal(t, "mayfly", s1.OptimizerName())
	assert.Equal(t, 30, s1.PopSize)
	assert.Equal(t, DefaultStage().MaxIterations, s1.MaxIterations)
	vpr, err := s1.VoxPerRgn([3]float64{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 4}, vpr)
	vpr, err = s0.VoxPerRgn([3]float64{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, [3]int{5, 5, 5}, vpr)
}

func TestVoxPerRgnMixesOverrideAndSpacing(t *testing.T) {
	s := DefaultStage()
	s.VoxPerRegion = [3]int{4, 0, 0}
	s.GridSpacing = [3]float64{0, 8, 12}
	require.NoError(t, s.Validate())

	vpr, err := s.VoxPerRgn([3]float64{1, 2, 1.5})
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 8}, vpr)

	s.VoxPerRegion = [3]int{0, 3, 3}
	assert.Error(t, s.Validate(), "axis 0 has neither an override nor a spacing")
	_, err = s.VoxPerRgn([3]float64{1, 1, 1})
	assert.ErrorIs(t, err, bspline.ErrInvalidGeometry)

	s.GridSpacing = [3]float64{6, 0, 0}
	_, err = s.VoxPerRgn([3]float64{0, 1, 1})
	assert.ErrorIs(t, err, bspline.ErrInvalidGeometry, "voxel spacing must be positive")
}

func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages: [\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"backend", func(c *Config) { c.Backend = "quantum" }},
		{"workers", func(c *Config) { c.Workers = -1 }},
		{"fixed pattern", func(c *Config) { c.Fixed.Pattern = "donut" }},
		{"moving dims", func(c *Config) { c.Moving.Dim = [3]int{0, 1, 1} }},
		{"no stages", func(c *Config) { c.Stages = nil }},
		{"optimizer", func(c *Config) { c.Stages[0].Optimizer = "simplex" }},
		{"lut", func(c *Config) { c.Stages[1].LUTStrategy = "cubic" }},
		{"grid spacing", func(c *Config) { c.Stages[0].GridSpacing[2] = 0 }},
		{"negative roi", func(c *Config) { c.Stages[0].ROIOffset[0] = -1 }},
		{"iterations", func(c *Config) { c.Stages[0].MaxIterations = 0 }},
		{"tolerance", func(c *Config) { c.Stages[0].GradientTolerance = -1 }},
		{"patience", func(c *Config) { c.Stages[0].Convergence.Patience = -2 }},
		{"regularization", func(c *Config) { c.Stages[1].Regularization.Lambda = -0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	cfg := DefaultConfig()
	cfg.Stages[0].GridSpacing = [3]float64{}
	cfg.Stages[0].VoxPerRegion = [3]int{4, 4, 4}
	assert.NoError(t, cfg.Validate(), "voxPerRegion replaces gridSpacing")
}

func TestOptimizerSettings(t *testing.T) {
	s := DefaultStage()
	s.MaxEvaluations = 77
	got := s.OptimizerSettings()
	assert.Equal(t, 77, got.MaxEvaluations)
	assert.Equal(t, s.MaxIterations, got.MaxIterations)
	assert.Equal(t, s.GradientTolerance, got.GradientTolerance)
	assert.Equal(t, s.Seed, got.Seed)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"backend": "serial", "stages": [{"optimizer": "mayfly", "maxIterations": 5}]}`))
	require.NoError(t, err)

	assert.Equal(t, "serial", cfg.Backend)
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, "mayfly", cfg.Stages[0].Optimizer)
	assert.Equal(t, 5, cfg.Stages[0].MaxIterations)
	assert.Equal(t, DefaultStage().GridSpacing, cfg.Stages[0].GridSpacing)
	assert.Equal(t, DefaultConfig().Fixed, cfg.Fixed)
	assert.NoError(t, cfg.Validate())
}

func TestParseRegularization(t *testing.T) {
	doc := `
stages:
  - gridSpacing: [12, 12, 12]
  - gridSpacing: [6, 6, 6]
    regularization:
      lambda: 0.25
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Stages, 2)
	assert.Zero(t, cfg.Stages[0].Regularization.Lambda)
	assert.Equal(t, 0.25, cfg.Stages[1].Regularization.Lambda)
}
