// Package config loads run configuration files. A file holds only the
// keys it overrides; everything else keeps the defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/algo-ctrldiff/denoiser"
	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/optim"
	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/synth"
	"github.com/cwbudde/algo-ctrldiff/train"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

// Config is the resolved configuration of every command.
type Config struct {
	Schedule  schedule.Params
	Model     denoiser.Spec
	Optim     optim.Config
	Train     train.Config
	Transform Transform
	Sample    Sample
	Synth     synth.Config
}

// Transform selects the per-channel scaler chain.
type Transform struct {
	Kinds     []string
	Quantiles int
}

// Sample controls generation. StartStep 0 means full sampling from noise;
// otherwise the conditioning is partially denoised from that step. It is
// bounded by the loaded model's step count, not by Schedule.Steps.
type Sample struct {
	StartStep    int
	Count        int
	Workers      string
	Seed         uint64
	ClipDenoised float64
	Variance     string
}

// Default mirrors the reference setup: 100 linear steps from 1e-4 to 0.02,
// a MinMax then 30-quantile transform, and partial denoising from step 30.
func Default() *Config {
	return &Config{
		Schedule:  schedule.Params{Steps: 100, BetaMin: 1e-4, BetaMax: 0.02, Kind: schedule.Linear},
		Model:     denoiser.DefaultSpec(),
		Optim:     optim.DefaultConfig(),
		Train:     train.DefaultConfig(),
		Transform: Transform{Kinds: []string{transform.KindMinMax, transform.KindQuantile}, Quantiles: 30},
		Sample: Sample{
			StartStep:    30,
			Count:        1,
			Workers:      "auto",
			Seed:         1,
			ClipDenoised: 1,
			Variance:     diffusion.PosteriorVariance.String(),
		},
		Synth: synth.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Optim.Validate(); err != nil {
		return err
	}
	if err := c.Train.Validate(); err != nil {
		return err
	}
	if len(c.Transform.Kinds) == 0 {
		return fmt.Errorf("transform.kinds must not be empty")
	}
	if _, err := c.Pipeline(); err != nil {
		return err
	}
	if c.Sample.StartStep < 0 {
		return fmt.Errorf("sample.start_step must be >= 0, got %d", c.Sample.StartStep)
	}
	if c.Sample.Count < 1 {
		return fmt.Errorf("sample.count must be >= 1, got %d", c.Sample.Count)
	}
	if _, err := ParseWorkers(c.Sample.Workers); err != nil {
		return fmt.Errorf("sample.workers: %w", err)
	}
	if c.Sample.ClipDenoised < 0 {
		return fmt.Errorf("sample.clip_denoised must be >= 0, got %g", c.Sample.ClipDenoised)
	}
	if _, err := diffusion.ParseVariance(c.Sample.Variance); err != nil {
		return fmt.Errorf("sample.variance: %w", err)
	}
	return c.Synth.Validate()
}

// Pipeline builds an unfitted transform pipeline for the model's sample
// channels.
func (c *Config) Pipeline() (*transform.Pipeline, error) {
	return transform.FromKinds(c.Model.SampleChannels, c.Transform.Kinds, c.Transform.Quantiles)
}

// DiffusionOptions translates the sample section into process options.
func (c *Config) DiffusionOptions() ([]diffusion.Option, error) {
	v, err := diffusion.ParseVariance(c.Sample.Variance)
	if err != nil {
		return nil, err
	}
	return []diffusion.Option{
		diffusion.WithVariance(v),
		diffusion.WithClipDenoised(c.Sample.ClipDenoised),
	}, nil
}

// Load reads path (JSON, or YAML for .yaml/.yml) over Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	default:
		err = json.Unmarshal(b, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	c := Default()
	if err := ApplyFile(c, &f); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	c.Synth.IRWavPath = resolve(base, c.Synth.IRWavPath)
	if f.Train != nil && f.Train.OutDir != nil {
		c.Train.OutDir = resolve(base, c.Train.OutDir)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// ParseWorkers accepts "auto" (0) or an integer >= 1.
func ParseWorkers(raw string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return 0, fmt.Errorf("empty value (use integer >= 1 or 'auto')")
	}
	if v == "auto" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%q (use integer >= 1 or 'auto')", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("%d (must be >= 1 or 'auto')", n)
	}
	return n, nil
}

// Workers resolves "auto" to the CPU count.
func Workers(raw string) (int, error) {
	n, err := ParseWorkers(raw)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = runtime.NumCPU()
	}
	return n, nil
}
