package train

import (
	"fmt"

	"github.com/cwbudde/algo-ctrldiff/diffusion"
)

// Config controls a training run. Every* intervals of 0 disable the
// corresponding action until the final step.
type Config struct {
	BatchSize        int     `json:"batch_size" yaml:"batch_size"`
	WindowLength     int     `json:"window_length" yaml:"window_length"`
	WindowHop        int     `json:"window_hop" yaml:"window_hop"`
	ValFraction      float64 `json:"val_fraction" yaml:"val_fraction"`
	MaxSteps         int     `json:"max_steps" yaml:"max_steps"`
	LogEvery         int     `json:"log_every" yaml:"log_every"`
	ValidateEvery    int     `json:"validate_every" yaml:"validate_every"`
	CheckpointEvery  int     `json:"checkpoint_every" yaml:"checkpoint_every"`
	EMADecay         float64 `json:"ema_decay" yaml:"ema_decay"`
	Seed             uint64  `json:"seed" yaml:"seed"`
	ValSeed          uint64  `json:"val_seed" yaml:"val_seed"`
	Parameterization string  `json:"parameterization" yaml:"parameterization"`
	OutDir           string  `json:"out_dir" yaml:"out_dir"`
}

// DefaultConfig trains on 256-frame windows with a 1/20 validation split.
func DefaultConfig() Config {
	return Config{
		BatchSize:        16,
		WindowLength:     256,
		WindowHop:        128,
		ValFraction:      0.05,
		MaxSteps:         20000,
		LogEvery:         100,
		ValidateEvery:    1000,
		CheckpointEvery:  1000,
		EMADecay:         0.999,
		Seed:             1,
		ValSeed:          1234,
		Parameterization: diffusion.PredictNoise.String(),
		OutDir:           "runs",
	}
}

func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("train: batch_size must be > 0, got %d", c.BatchSize)
	case c.WindowLength <= 0 || c.WindowHop <= 0:
		return fmt.Errorf("train: window_length and window_hop must be > 0")
	case c.ValFraction < 0 || c.ValFraction >= 1:
		return fmt.Errorf("train: val_fraction must be in [0,1), got %g", c.ValFraction)
	case c.MaxSteps <= 0:
		return fmt.Errorf("train: max_steps must be > 0, got %d", c.MaxSteps)
	case c.LogEvery < 0 || c.ValidateEvery < 0 || c.CheckpointEvery < 0:
		return fmt.Errorf("train: log/validate/checkpoint intervals must be >= 0")
	case !(c.EMADecay > 0 && c.EMADecay < 1):
		return fmt.Errorf("train: ema_decay must be in (0,1), got %g", c.EMADecay)
	case c.OutDir == "":
		return fmt.Errorf("train: out_dir must be set")
	}
	if _, err := diffusion.ParseParameterization(c.Parameterization); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	return nil
}
