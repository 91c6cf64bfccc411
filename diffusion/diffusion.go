// Package diffusion implements the DDPM forward corruption used for training
// and the reverse sampling loops used for inference, on top of a
// schedule.Schedule and an externally supplied Denoiser.
package diffusion

import (
	"errors"
	"fmt"

	"github.com/cwbudde/algo-ctrldiff/tensor"
)

var (
	// ErrInvalidStepRange reports a step or partial-denoising start index
	// outside the schedule.
	ErrInvalidStepRange = errors.New("diffusion: invalid step range")
	// ErrShapeMismatch reports a conditioning or prediction tensor whose
	// shape differs from the working sample.
	ErrShapeMismatch = errors.New("diffusion: shape mismatch")
	// ErrNonFinite reports a step that produced NaN or Inf values.
	ErrNonFinite = errors.New("diffusion: non-finite sample")
	// ErrNoDenoiser is returned by New when no network is given.
	ErrNoDenoiser = errors.New("diffusion: nil denoiser")
)

// Denoiser is the network contract. Predict receives the noisy sample, the
// conditioning and the step index and returns an estimate of the noise (or
// of the clean sample, depending on the Parameterization) with the sample's
// shape. Implementations must not modify their inputs.
type Denoiser interface {
	Predict(sample, cond *tensor.Tensor, step int) (*tensor.Tensor, error)
}

// BatchDenoiser is implemented by networks that accept a different step for
// every batch element. Training uses it when available and otherwise falls
// back to one Predict call per element.
type BatchDenoiser interface {
	Denoiser
	PredictSteps(sample, cond *tensor.Tensor, steps []int) (*tensor.Tensor, error)
}

// DenoisingError aborts a training or sampling call. Step is the diffusion
// step being processed, or -1 when the failing call covered several steps.
type DenoisingError struct {
	Step int
	Err  error
}

func (e *DenoisingError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("diffusion: denoising failed: %v", e.Err)
	}
	return fmt.Sprintf("diffusion: denoising failed at step %d: %v", e.Step, e.Err)
}

func (e *DenoisingError) Unwrap() error { return e.Err }

func denoisingErr(step int, err error) error {
	return &DenoisingError{Step: step, Err: err}
}

func shapeErr(step int, what string, got, want tensor.Shape) error {
	return denoisingErr(step, fmt.Errorf("%w: %s %v, sample %v", ErrShapeMismatch, what, got, want))
}

// Parameterization selects what the network predicts.
type Parameterization int

const (
	// PredictNoise trains the network to estimate the injected noise.
	PredictNoise Parameterization = iota
	// PredictClean trains the network to estimate the clean sample.
	PredictClean
)

func (p Parameterization) String() string {
	switch p {
	case PredictNoise:
		return "noise"
	case PredictClean:
		return "clean"
	default:
		return fmt.Sprintf("parameterization(%d)", int(p))
	}
}

// ParseParameterization parses "noise" or "clean".
func ParseParameterization(s string) (Parameterization, error) {
	switch s {
	case "", "noise", "eps":
		return PredictNoise, nil
	case "clean", "x0":
		return PredictClean, nil
	default:
		return 0, fmt.Errorf("diffusion: unknown parameterization %q (valid: noise, clean)", s)
	}
}

// VarianceKind selects the noise variance added by a reverse step.
type VarianceKind int

const (
	// PosteriorVariance uses the variance of q(x_{t-1} | x_t, x_0).
	PosteriorVariance VarianceKind = iota
	// BetaVariance uses beta_t, the upper bound from the DDPM paper.
	BetaVariance
)

func (v VarianceKind) String() string {
	switch v {
	case PosteriorVariance:
		return "posterior"
	case BetaVariance:
		return "beta"
	default:
		return fmt.Sprintf("variance(%d)", int(v))
	}
}

// ParseVariance parses "posterior" or "beta".
func ParseVariance(s string) (VarianceKind, error) {
	switch s {
	case "", "posterior":
		return PosteriorVariance, nil
	case "beta":
		return BetaVariance, nil
	default:
		return 0, fmt.Errorf("diffusion: unknown variance %q (valid: posterior, beta)", s)
	}
}
