// Package config provides configuration loading and management for neurocoreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"neurocoreg/pkg/registration"
	"neurocoreg/pkg/warp"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Volume registration parameters
	Registration struct {
		// Pipeline is a preset ("all", "rigids", "affines") or a comma separated step list
		Pipeline string `yaml:"pipeline"`

		// Zooms maps a step name to the voxel size (mm) it reslices to
		Zooms map[string][]float64 `yaml:"zooms"`

		// Niter maps a step name to its iterations per resolution level
		Niter map[string][]int `yaml:"niter"`

		// Factors and SigmasMM describe the affine Gaussian pyramid
		Factors  []int     `yaml:"factors"`
		SigmasMM []float64 `yaml:"sigmasMM"`

		// Metric is the affine cost, "mi" (mutual information) or "ncc"
		Metric string `yaml:"metric"`

		// SigmaDiffMM is the SDR field regularisation width
		SigmaDiffMM float64 `yaml:"sigmaDiffMM"`

		// Interpolation is "linear" or "nearest" when applying a registration
		Interpolation string `yaml:"interpolation"`

		// CVal is the fill value, a number or a percentile such as "1%"
		CVal string `yaml:"cval"`
	} `yaml:"registration"`

	// Spherical surface warp parameters
	Warp struct {
		Order         int     `yaml:"order"`
		Reg           float64 `yaml:"reg"`
		Center        bool    `yaml:"center"`
		Match         string  `yaml:"match"`
		MaxChunkBytes float64 `yaml:"maxChunkBytes"`
	} `yaml:"warp"`

	// Matched point fitting parameters
	Fit struct {
		// Scale also estimates a uniform scale factor
		Scale bool `yaml:"scale"`
	} `yaml:"fit"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel"`

		// SlicesDir receives JPEG slices of registered volumes when set
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Registration.Pipeline = "all"
	cfg.Registration.Zooms = map[string][]float64{}
	cfg.Registration.Niter = map[string][]int{}
	for step, n := range registration.DefaultNiter() {
		cfg.Registration.Niter[string(step)] = n
	}
	nm := registration.NewNelderMeadRegistrar()
	cfg.Registration.Factors = nm.Factors
	cfg.Registration.SigmasMM = nm.SigmasMM
	cfg.Registration.Metric = nm.Metric.String()
	cfg.Registration.SigmaDiffMM = registration.NewDemonsRegistrar().SigmaDiffMM
	cfg.Registration.Interpolation = "linear"
	cfg.Registration.CVal = "0"

	w := warp.DefaultSurfaceFitOptions()
	cfg.Warp.Order = w.Order
	cfg.Warp.Reg = w.Reg
	cfg.Warp.Center = w.Center
	cfg.Warp.Match = w.Match
	cfg.Warp.MaxChunkBytes = warp.DefaultMaxChunkBytes

	cfg.Fit.Scale = false

	cfg.Output.Verbose = true
	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// SurfaceFitOptions converts the warp section.
func (c *Config) SurfaceFitOptions() warp.SurfaceFitOptions {
	return warp.SurfaceFitOptions{
		Order:         c.Warp.Order,
		Reg:           c.Warp.Reg,
		Center:        c.Warp.Center,
		Match:         c.Warp.Match,
		MaxChunkBytes: c.Warp.MaxChunkBytes,
	}
}

// RegistrationOptions converts and validates the registration section.
func (c *Config) RegistrationOptions() (registration.Options, error) {
	r := c.Registration
	steps, err := registration.ParsePipeline(r.Pipeline)
	if err != nil {
		return registration.Options{}, err
	}
	opts := registration.Options{
		Pipeline: steps,
		Zooms:    make(map[registration.Step][]float64, len(r.Zooms)),
		Niter:    make(map[registration.Step][]int, len(r.Niter)),
	}
	for k, v := range r.Zooms {
		opts.Zooms[registration.Step(k)] = v
	}
	for k, v := range r.Niter {
		opts.Niter[registration.Step(k)] = v
	}
	if _, err := registration.ValidateZooms(opts.Zooms); err != nil {
		return registration.Options{}, err
	}
	if _, err := registration.ValidateNiter(opts.Niter); err != nil {
		return registration.Options{}, err
	}

	nm := registration.NewNelderMeadRegistrar()
	if len(r.Factors) > 0 {
		if len(r.Factors) != len(r.SigmasMM) {
			return registration.Options{}, fmt.Errorf("registration factors %v and sigmasMM %v differ in length", r.Factors, r.SigmasMM)
		}
		nm.Factors, nm.SigmasMM = r.Factors, r.SigmasMM
	}
	if r.Metric != "" {
		if nm.Metric, err = registration.ParseMetric(r.Metric); err != nil {
			return registration.Options{}, err
		}
	}
	opts.AffineRegistrar = nm

	demons := registration.NewDemonsRegistrar()
	if len(r.Factors) > 0 {
		demons.Factors = r.Factors
	}
	if r.SigmaDiffMM > 0 {
		demons.SigmaDiffMM = r.SigmaDiffMM
	}
	opts.DiffeoRegistrar = demons
	return opts, nil
}

// CValue returns the registration fill value as a float64 or, for
// percentiles, the original "N%" string.
func (c *Config) CValue() (any, error) {
	s := strings.TrimSpace(c.Registration.CVal)
	if s == "" {
		return 0.0, nil
	}
	if strings.HasSuffix(s, "%") {
		return s, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cval %q: %w", s, err)
	}
	return v, nil
}
