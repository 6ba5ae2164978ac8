// Package config loads the YAML description of a registration run.
// A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cwbudde/bsplinereg/internal/bspline"
	"github.com/cwbudde/bsplinereg/internal/opt"
	"github.com/cwbudde/bsplinereg/internal/score"
	"github.com/cwbudde/bsplinereg/internal/synth"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is a complete registration run.
type Config struct {
	// Backend is serial, parallel or opencl.
	Backend string `yaml:"backend"`
	// Workers bounds goroutines per execution set; 0 uses every CPU.
	Workers int `yaml:"workers"`
	// DataDir holds checkpoints and traces.
	DataDir string `yaml:"dataDir"`

	Fixed  synth.Options `yaml:"fixed"`
	Moving synth.Options `yaml:"moving"`

	// Stages run coarse to fine; each seeds the next.
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig is one control-grid resolution and its optimizer.
type StageConfig struct {
	Optimizer      string `yaml:"optimizer"`
	MaxIterations  int    `yaml:"maxIterations"`
	MaxEvaluations int    `yaml:"maxEvaluations"`

	// GridSpacing is the knot spacing in mm. VoxPerRegion overrides it.
	GridSpacing  [3]float64 `yaml:"gridSpacing"`
	VoxPerRegion [3]int     `yaml:"voxPerRegion,omitempty"`

	// A zero ROIDim covers the whole fixed volume.
	ROIOffset [3]int `yaml:"roiOffset,omitempty"`
	ROIDim    [3]int `yaml:"roiDim,omitempty"`

	LUTStrategy       string               `yaml:"lutStrategy"`
	GradientTolerance float64              `yaml:"gradientTolerance"`
	Convergence       ConvergenceConfig    `yaml:"convergence"`
	Regularization    RegularizationConfig `yaml:"regularization"`

	// Bounds, PopSize and Seed only affect derivative-free optimizers.
	Bounds  float64 `yaml:"bounds,omitempty"`
	PopSize int     `yaml:"popSize,omitempty"`
	Seed    int64   `yaml:"seed,omitempty"`
}

// ConvergenceConfig stops a stage early once Patience consecutive
// evaluations improve the best score by less than Threshold (relative).
// Patience 0 disables the check.
type ConvergenceConfig struct {
	Patience  int     `yaml:"patience"`
	Threshold float64 `yaml:"threshold"`
}

// RegularizationConfig weighs the bending energy of the control grid
// against the similarity. Lambda 0 disables it.
type RegularizationConfig struct {
	Lambda float64 `yaml:"lambda"`
}

// DefaultStage returns a 16 mm L-BFGS stage.
func DefaultStage() StageConfig {
	return StageConfig{
		Optimizer:         "lbfgs",
		MaxIterations:     50,
		GridSpacing:       [3]float64{16, 16, 16},
		LUTStrategy:       string(bspline.LUTAligned),
		GradientTolerance: 1e-6,
		Convergence:       ConvergenceConfig{Patience: 20, Threshold: 1e-5},
		Bounds:            2,
		PopSize:           20,
		Seed:              1,
	}
}

// DefaultConfig returns a two-stage run on a translated Gaussian pair.
func DefaultConfig() *Config {
	fine := DefaultStage()
	fine.GridSpacing = [3]float64{8, 8, 8}

	moving := synth.DefaultOptions()
	moving.Translation = [3]float64{1.5, -1, 0.5}

	return &Config{
		Backend: string(score.BackendParallel),
		DataDir: "./data",
		Fixed:   synth.DefaultOptions(),
		Moving:  moving,
		Stages:  []StageConfig{DefaultStage(), fine},
	}
}

// LoadConfig reads configPath over the defaults. A missing file yields
// DefaultConfig.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) over the defaults. Stage fields left out
// take the values of DefaultStage.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Decode stages again on top of DefaultStage so omitted fields keep defaults.
	var raw struct {
		Stages []yaml.Node `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	for i := range raw.Stages {
		cfg.Stages[i] = DefaultStage()
		if err := raw.Stages[i].Decode(&cfg.Stages[i]); err != nil {
			return nil, fmt.Errorf("error parsing stage %d: %w", i, err)
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating the directory if needed.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile writes DefaultConfig to configPath.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate reports the first problem in cfg.
func (c *Config) Validate() error {
	backend := score.NormalizeBackend(c.Backend)
	known := false
	for _, b := range score.SupportedBackends() {
		known = known || b == backend
	}
	if !known {
		return fmt.Errorf("%w: backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	}
	if err := c.Fixed.Validate(); err != nil {
		return fmt.Errorf("%w: fixed: %v", ErrInvalidConfig, err)
	}
	if err := c.Moving.Validate(); err != nil {
		return fmt.Errorf("%w: moving: %v", ErrInvalidConfig, err)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidConfig)
	}
	for i := range c.Stages {
		if err := c.Stages[i].Validate(); err != nil {
			return fmt.Errorf("%w: stage %d: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// Validate checks one stage.
func (s *StageConfig) Validate() error {
	if _, err := opt.New(s.Optimizer, s.OptimizerSettings()); err != nil {
		return err
	}
	if _, err := bspline.ParseLUTStrategy(s.LUTStrategy); err != nil {
		return err
	}
	for a := 0; a < 3; a++ {
		if s.VoxPerRegion[a] < 0 || s.ROIOffset[a] < 0 || s.ROIDim[a] < 0 {
			return fmt.Errorf("axis %d: voxPerRegion, roiOffset and roiDim must not be negative", a)
		}
		if s.VoxPerRegion[a] == 0 && !(s.GridSpacing[a] > 0) {
			return fmt.Errorf("axis %d: gridSpacing must be positive when voxPerRegion is unset", a)
		}
	}
	if s.MaxIterations <= 0 {
		return errors.New("maxIterations must be positive")
	}
	if s.MaxEvaluations < 0 || s.GradientTolerance < 0 || s.Bounds < 0 {
		return errors.New("maxEvaluations, gradientTolerance and bounds must not be negative")
	}
	if s.Convergence.Patience < 0 || s.Convergence.Threshold < 0 {
		return errors.New("convergence patience and threshold must not be negative")
	}
	if !(s.Regularization.Lambda >= 0) || math.IsInf(s.Regularization.Lambda, 1) {
		return errors.New("regularization lambda must be a finite non-negative number")
	}
	return nil
}

// VoxPerRgn returns the region size for a fixed volume with the given
// voxel spacing. Each axis uses VoxPerRegion when it is set and converts
// GridSpacing otherwise.
func (s *StageConfig) VoxPerRgn(spacing [3]float64) ([3]int, error) {
	var vpr [3]int
	for a := 0; a < 3; a++ {
		if s.VoxPerRegion[a] > 0 {
			vpr[a] = s.VoxPerRegion[a]
			continue
		}
		n, err := bspline.VoxPerRegionAlong(s.GridSpacing[a], spacing[a])
		if err != nil {
			return [3]int{}, fmt.Errorf("axis %d: %w", a, err)
		}
		vpr[a] = n
	}
	return vpr, nil
}

// OptimizerSettings maps the stage onto opt.Settings.
func (s *StageConfig) OptimizerSettings() opt.Settings {
	return opt.Settings{
		MaxIterations:     s.MaxIterations,
		MaxEvaluations:    s.MaxEvaluations,
		GradientTolerance: s.GradientTolerance,
		Bounds:            s.Bounds,
		PopSize:           s.PopSize,
		Seed:              s.Seed,
	}
}

// OptimizerName returns the lower-case optimizer name.
func (s *StageConfig) OptimizerName() string {
	name := strings.ToLower(strings.TrimSpace(s.Optimizer))
	if name == "" {
		return "lbfgs"
	}
	return name
}
