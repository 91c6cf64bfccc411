package config

import (
	"fmt"
	"strings"

	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/schedule"
)

// File is the on-disk schema. Nil fields keep the current value.
type File struct {
	Schedule  *ScheduleFile  `json:"schedule" yaml:"schedule"`
	Model     *ModelFile     `json:"model" yaml:"model"`
	Optim     *OptimFile     `json:"optim" yaml:"optim"`
	Train     *TrainFile     `json:"train" yaml:"train"`
	Transform *TransformFile `json:"transform" yaml:"transform"`
	Sample    *SampleFile    `json:"sample" yaml:"sample"`
	Synth     *SynthFile     `json:"synth" yaml:"synth"`
}

type ScheduleFile struct {
	Steps   *int     `json:"steps" yaml:"steps"`
	BetaMin *float64 `json:"beta_min" yaml:"beta_min"`
	BetaMax *float64 `json:"beta_max" yaml:"beta_max"`
	Kind    *string  `json:"kind" yaml:"kind"`
}

type ModelFile struct {
	Hidden *int    `json:"hidden" yaml:"hidden"`
	Kernel *int    `json:"kernel" yaml:"kernel"`
	Embed  *int    `json:"embed" yaml:"embed"`
	Seed   *uint64 `json:"seed" yaml:"seed"`
}

type OptimFile struct {
	LR          *float64 `json:"lr" yaml:"lr"`
	MinLR       *float64 `json:"min_lr" yaml:"min_lr"`
	Beta1       *float64 `json:"beta1" yaml:"beta1"`
	Beta2       *float64 `json:"beta2" yaml:"beta2"`
	Eps         *float64 `json:"eps" yaml:"eps"`
	ClipNorm    *float64 `json:"clip_norm" yaml:"clip_norm"`
	WarmupSteps *int     `json:"warmup_steps" yaml:"warmup_steps"`
	DecaySteps  *int     `json:"decay_steps" yaml:"decay_steps"`
}

type TrainFile struct {
	BatchSize        *int     `json:"batch_size" yaml:"batch_size"`
	WindowLength     *int     `json:"window_length" yaml:"window_length"`
	WindowHop        *int     `json:"window_hop" yaml:"window_hop"`
	ValFraction      *float64 `json:"val_fraction" yaml:"val_fraction"`
	MaxSteps         *int     `json:"max_steps" yaml:"max_steps"`
	LogEvery         *int     `json:"log_every" yaml:"log_every"`
	ValidateEvery    *int     `json:"validate_every" yaml:"validate_every"`
	CheckpointEvery  *int     `json:"checkpoint_every" yaml:"checkpoint_every"`
	EMADecay         *float64 `json:"ema_decay" yaml:"ema_decay"`
	Seed             *uint64  `json:"seed" yaml:"seed"`
	ValSeed          *uint64  `json:"val_seed" yaml:"val_seed"`
	Parameterization *string  `json:"parameterization" yaml:"parameterization"`
	OutDir           *string  `json:"out_dir" yaml:"out_dir"`
}

type TransformFile struct {
	Kinds     []string `json:"kinds" yaml:"kinds"`
	Quantiles *int     `json:"quantiles" yaml:"quantiles"`
}

type SampleFile struct {
	StartStep    *int     `json:"start_step" yaml:"start_step"`
	Count        *int     `json:"count" yaml:"count"`
	Workers      *string  `json:"workers" yaml:"workers"`
	Seed         *uint64  `json:"seed" yaml:"seed"`
	ClipDenoised *float64 `json:"clip_denoised" yaml:"clip_denoised"`
	Variance     *string  `json:"variance" yaml:"variance"`
}

type SynthFile struct {
	SampleRate  *int     `json:"sample_rate" yaml:"sample_rate"`
	FrameRate   *float64 `json:"frame_rate" yaml:"frame_rate"`
	Harmonics   *int     `json:"harmonics" yaml:"harmonics"`
	Rolloff     *float64 `json:"rolloff" yaml:"rolloff"`
	NoiseGain   *float64 `json:"noise_gain" yaml:"noise_gain"`
	NoiseCutoff *float64 `json:"noise_cutoff" yaml:"noise_cutoff"`
	OutputGain  *float64 `json:"output_gain" yaml:"output_gain"`
	IRWavPath   string   `json:"ir_wav_path" yaml:"ir_wav_path"`
	IRWet       *float64 `json:"ir_wet" yaml:"ir_wet"`
	RoomDecay   *float64 `json:"room_decay" yaml:"room_decay"`
	Seed        *int64   `json:"seed" yaml:"seed"`
}

// ApplyFile applies a parsed file onto dst. Values that can be checked in
// isolation are rejected here with the offending key; cross-field checks
// are left to Config.Validate.
func ApplyFile(dst *Config, f *File) error {
	if dst == nil {
		return fmt.Errorf("nil destination config")
	}
	if f == nil {
		return nil
	}
	if err := applySchedule(dst, f.Schedule); err != nil {
		return err
	}
	applyModel(dst, f.Model)
	applyOptim(dst, f.Optim)
	if err := applyTrain(dst, f.Train); err != nil {
		return err
	}
	if t := f.Transform; t != nil {
		if len(t.Kinds) > 0 {
			dst.Transform.Kinds = append([]string(nil), t.Kinds...)
		}
		set(&dst.Transform.Quantiles, t.Quantiles)
	}
	if err := applySample(dst, f.Sample); err != nil {
		return err
	}
	applySynth(dst, f.Synth)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func applySchedule(dst *Config, s *ScheduleFile) error {
	if s == nil {
		return nil
	}
	if s.Steps != nil && *s.Steps <= 0 {
		return fmt.Errorf("schedule.steps must be > 0")
	}
	set(&dst.Schedule.Steps, s.Steps)
	set(&dst.Schedule.BetaMin, s.BetaMin)
	set(&dst.Schedule.BetaMax, s.BetaMax)
	if s.Kind != nil {
		k, err := schedule.ParseKind(*s.Kind)
		if err != nil {
			return fmt.Errorf("schedule.kind: %w", err)
		}
		dst.Schedule.Kind = k
	}
	return nil
}

func applyModel(dst *Config, m *ModelFile) {
	if m == nil {
		return
	}
	set(&dst.Model.Hidden, m.Hidden)
	set(&dst.Model.Kernel, m.Kernel)
	set(&dst.Model.Embed, m.Embed)
	set(&dst.Model.Seed, m.Seed)
}

func applyOptim(dst *Config, o *OptimFile) {
	if o == nil {
		return
	}
	set(&dst.Optim.LR, o.LR)
	set(&dst.Optim.MinLR, o.MinLR)
	set(&dst.Optim.Beta1, o.Beta1)
	set(&dst.Optim.Beta2, o.Beta2)
	set(&dst.Optim.Eps, o.Eps)
	set(&dst.Optim.ClipNorm, o.ClipNorm)
	set(&dst.Optim.WarmupSteps, o.WarmupSteps)
	set(&dst.Optim.DecaySteps, o.DecaySteps)
}

func applyTrain(dst *Config, t *TrainFile) error {
	if t == nil {
		return nil
	}
	if t.Parameterization != nil {
		if _, err := diffusion.ParseParameterization(*t.Parameterization); err != nil {
			return fmt.Errorf("train.parameterization: %w", err)
		}
	}
	if t.OutDir != nil && strings.TrimSpace(*t.OutDir) == "" {
		return fmt.Errorf("train.out_dir must not be empty")
	}
	set(&dst.Train.BatchSize, t.BatchSize)
	set(&dst.Train.WindowLength, t.WindowLength)
	set(&dst.Train.WindowHop, t.WindowHop)
	set(&dst.Train.ValFraction, t.ValFraction)
	set(&dst.Train.MaxSteps, t.MaxSteps)
	set(&dst.Train.LogEvery, t.LogEvery)
	set(&dst.Train.ValidateEvery, t.ValidateEvery)
	set(&dst.Train.CheckpointEvery, t.CheckpointEvery)
	set(&dst.Train.EMADecay, t.EMADecay)
	set(&dst.Train.Seed, t.Seed)
	set(&dst.Train.ValSeed, t.ValSeed)
	set(&dst.Train.Parameterization, t.Parameterization)
	set(&dst.Train.OutDir, t.OutDir)
	return nil
}

func applySample(dst *Config, s *SampleFile) error {
	if s == nil {
		return nil
	}
	if s.Workers != nil {
		if _, err := ParseWorkers(*s.Workers); err != nil {
			return fmt.Errorf("sample.workers: %w", err)
		}
	}
	if s.Variance != nil {
		if _, err := diffusion.ParseVariance(*s.Variance); err != nil {
			return fmt.Errorf("sample.variance: %w", err)
		}
	}
	set(&dst.Sample.StartStep, s.StartStep)
	set(&dst.Sample.Count, s.Count)
	set(&dst.Sample.Workers, s.Workers)
	set(&dst.Sample.Seed, s.Seed)
	set(&dst.Sample.ClipDenoised, s.ClipDenoised)
	set(&dst.Sample.Variance, s.Variance)
	return nil
}

func applySynth(dst *Config, s *SynthFile) {
	if s == nil {
		return
	}
	set(&dst.Synth.SampleRate, s.SampleRate)
	set(&dst.Synth.FrameRate, s.FrameRate)
	set(&dst.Synth.Harmonics, s.Harmonics)
	set(&dst.Synth.Rolloff, s.Rolloff)
	set(&dst.Synth.NoiseGain, s.NoiseGain)
	set(&dst.Synth.NoiseCutoff, s.NoiseCutoff)
	set(&dst.Synth.OutputGain, s.OutputGain)
	if s.IRWavPath != "" {
		dst.Synth.IRWavPath = strings.TrimSpace(s.IRWavPath)
	}
	set(&dst.Synth.IRWet, s.IRWet)
	set(&dst.Synth.RoomDecay, s.RoomDecay)
	set(&dst.Synth.Seed, s.Seed)
}
