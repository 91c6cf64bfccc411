// Package schedule builds the noise schedule of a denoising diffusion
// process: the per-step noise levels beta and every coefficient derived
// from them.
//
// A Schedule is an immutable value. All derived arrays are computed once in
// Build and only handed out as copies, so one schedule can be shared by any
// number of concurrent samplers.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrInvalidSchedule reports a bad step count or beta bounds.
	ErrInvalidSchedule = errors.New("schedule: invalid schedule")
	// ErrStepOutOfRange reports a lookup outside the schedule.
	ErrStepOutOfRange = errors.New("schedule: step out of range")
)

// Kind selects how betas are interpolated between BetaMin and BetaMax.
type Kind int

const (
	// Linear spaces betas evenly.
	Linear Kind = iota
	// ScaledLinear spaces sqrt(beta) evenly and squares the result.
	ScaledLinear
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case ScaledLinear:
		return "scaled_linear"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses "linear" or "scaled_linear".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return Linear, nil
	case "scaled_linear", "scaled-linear":
		return ScaledLinear, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q (valid: linear, scaled_linear)", ErrInvalidSchedule, s)
	}
}

// Params are the construction parameters of a schedule. Persisting them is
// enough to rebuild identical coefficients.
type Params struct {
	Steps   int     `json:"steps" cbor:"steps"`
	BetaMin float64 `json:"beta_min" cbor:"beta_min"`
	BetaMax float64 `json:"beta_max" cbor:"beta_max"`
	Kind    Kind    `json:"kind" cbor:"kind"`
}

// Validate checks the parameters without building the schedule.
func (p Params) Validate() error {
	if p.Steps <= 0 {
		return fmt.Errorf("%w: steps must be > 0, got %d", ErrInvalidSchedule, p.Steps)
	}
	if !isFinite(p.BetaMin) || !isFinite(p.BetaMax) {
		return fmt.Errorf("%w: beta bounds must be finite", ErrInvalidSchedule)
	}
	if p.BetaMin <= 0 || p.BetaMin >= 1 || p.BetaMax <= 0 || p.BetaMax >= 1 {
		return fmt.Errorf("%w: beta bounds must lie in (0,1), got [%g, %g]", ErrInvalidSchedule, p.BetaMin, p.BetaMax)
	}
	if p.BetaMin > p.BetaMax {
		return fmt.Errorf("%w: beta_min %g > beta_max %g", ErrInvalidSchedule, p.BetaMin, p.BetaMax)
	}
	if p.Kind != Linear && p.Kind != ScaledLinear {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidSchedule, int(p.Kind))
	}
	return nil
}

// Schedule holds betas and all derived per-step coefficients.
type Schedule struct {
	params Params

	beta                 []float64
	alpha                []float64
	alphaCum             []float64
	alphaCumPrev         []float64
	sqrtAlphaCum         []float64
	sqrtOneMinusAlphaCum []float64
	posteriorVariance    []float64
	posteriorCoefClean   []float64
	posteriorCoefNoisy   []float64

	// sqrtAlphaCumPrev has T+1 entries: index t is the signal level after t
	// forward steps, so index 0 is 1.
	sqrtAlphaCumPrev []float64
}

// Step bundles every coefficient at one step index.
type Step struct {
	Index                int
	Beta                 float64
	Alpha                float64
	AlphaCum             float64
	AlphaCumPrev         float64
	SqrtAlphaCum         float64
	SqrtOneMinusAlphaCum float64
	// PosteriorVariance is the variance of q(x_{t-1} | x_t, x_0); zero at t=0.
	PosteriorVariance float64
	// PosteriorCoefClean and PosteriorCoefNoisy give the posterior mean as
	// PosteriorCoefClean*x0 + PosteriorCoefNoisy*x_t.
	PosteriorCoefClean float64
	PosteriorCoefNoisy float64
}

// Build creates a linear schedule.
func Build(steps int, betaMin, betaMax float64) (*Schedule, error) {
	return BuildKind(Linear, steps, betaMin, betaMax)
}

// BuildKind creates a schedule of the given kind.
func BuildKind(kind Kind, steps int, betaMin, betaMax float64) (*Schedule, error) {
	return New(Params{Steps: steps, BetaMin: betaMin, BetaMax: betaMax, Kind: kind})
}

// New creates a schedule from p.
func New(p Params) (*Schedule, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.Steps

	beta := make([]float64, n)
	switch p.Kind {
	case Linear:
		span(beta, p.BetaMin, p.BetaMax)
	case ScaledLinear:
		span(beta, math.Sqrt(p.BetaMin), math.Sqrt(p.BetaMax))
		for i, b := range beta {
			beta[i] = b * b
		}
	}
	return fromBetas(p, beta)
}

func span(dst []float64, lo, hi float64) {
	if len(dst) == 1 {
		dst[0] = lo
		return
	}
	floats.Span(dst, lo, hi)
}

func fromBetas(p Params, beta []float64) (*Schedule, error) {
	n := len(beta)
	for i, b := range beta {
		if !(b > 0 && b < 1) {
			return nil, fmt.Errorf("%w: beta[%d]=%g outside (0,1)", ErrInvalidSchedule, i, b)
		}
	}

	alpha := make([]float64, n)
	for i, b := range beta {
		alpha[i] = 1 - b
	}
	alphaCum := make([]float64, n)
	floats.CumProd(alphaCum, alpha)

	for i := 0; i < n; i++ {
		prev := 1.0
		if i > 0 {
			prev = alphaCum[i-1]
		}
		if !(alphaCum[i] < prev) || alphaCum[i] <= 0 {
			return nil, fmt.Errorf("%w: alpha_cum not strictly decreasing at step %d", ErrInvalidSchedule, i)
		}
	}

	s := &Schedule{
		params:               p,
		beta:                 beta,
		alpha:                alpha,
		alphaCum:             alphaCum,
		alphaCumPrev:         make([]float64, n),
		sqrtAlphaCum:         make([]float64, n),
		sqrtOneMinusAlphaCum: make([]float64, n),
		posteriorVariance:    make([]float64, n),
		posteriorCoefClean:   make([]float64, n),
		posteriorCoefNoisy:   make([]float64, n),
		sqrtAlphaCumPrev:     make([]float64, n+1),
	}
	s.sqrtAlphaCumPrev[0] = 1
	for t := 0; t < n; t++ {
		prev := 1.0
		if t > 0 {
			prev = alphaCum[t-1]
		}
		s.alphaCumPrev[t] = prev
		s.sqrtAlphaCum[t] = math.Sqrt(alphaCum[t])
		s.sqrtOneMinusAlphaCum[t] = math.Sqrt(1 - alphaCum[t])
		s.sqrtAlphaCumPrev[t+1] = s.sqrtAlphaCum[t]

		den := 1 - alphaCum[t]
		s.posteriorVariance[t] = beta[t] * (1 - prev) / den
		s.posteriorCoefClean[t] = beta[t] * math.Sqrt(prev) / den
		s.posteriorCoefNoisy[t] = (1 - prev) * math.Sqrt(alpha[t]) / den
	}
	return s, nil
}

// Params returns the construction parameters.
func (s *Schedule) Params() Params { return s.params }

// Len is the number of diffusion steps T.
func (s *Schedule) Len() int { return len(s.beta) }

// At returns all coefficients at step t in [0, T-1].
func (s *Schedule) At(t int) (Step, error) {
	if t < 0 || t >= len(s.beta) {
		return Step{}, fmt.Errorf("%w: step %d not in [0,%d]", ErrStepOutOfRange, t, len(s.beta)-1)
	}
	return Step{
		Index:                t,
		Beta:                 s.beta[t],
		Alpha:                s.alpha[t],
		AlphaCum:             s.alphaCum[t],
		AlphaCumPrev:         s.alphaCumPrev[t],
		SqrtAlphaCum:         s.sqrtAlphaCum[t],
		SqrtOneMinusAlphaCum: s.sqrtOneMinusAlphaCum[t],
		PosteriorVariance:    s.posteriorVariance[t],
		PosteriorCoefClean:   s.posteriorCoefClean[t],
		PosteriorCoefNoisy:   s.posteriorCoefNoisy[t],
	}, nil
}

// NoiseLevel returns sqrt(alpha_cum) after n forward steps, n in [0, T].
// NoiseLevel(0) is 1 and NoiseLevel(n) equals SqrtAlphaCum at step n-1.
func (s *Schedule) NoiseLevel(n int) (float64, error) {
	if n < 0 || n >= len(s.sqrtAlphaCumPrev) {
		return 0, fmt.Errorf("%w: noise level %d not in [0,%d]", ErrStepOutOfRange, n, len(s.beta))
	}
	return s.sqrtAlphaCumPrev[n], nil
}

func (s *Schedule) Betas() []float64 { return clone(s.beta) }

func (s *Schedule) Alphas() []float64 { return clone(s.alpha) }

func (s *Schedule) AlphaCum() []float64 { return clone(s.alphaCum) }

func (s *Schedule) SqrtAlphaCum() []float64 { return clone(s.sqrtAlphaCum) }

func (s *Schedule) SqrtOneMinusAlphaCum() []float64 { return clone(s.sqrtOneMinusAlphaCum) }

func (s *Schedule) PosteriorVariance() []float64 { return clone(s.posteriorVariance) }

// PosteriorLogVarianceClipped returns log(PosteriorVariance) with the zero
// variance at step 0 replaced by the step 1 value, or by beta for a
// single-step schedule.
func (s *Schedule) PosteriorLogVarianceClipped() []float64 {
	out := make([]float64, len(s.posteriorVariance))
	for t, v := range s.posteriorVariance {
		if t == 0 {
			v = s.beta[0]
			if len(s.posteriorVariance) > 1 {
				v = s.posteriorVariance[1]
			}
		}
		out[t] = math.Log(v)
	}
	return out
}

// SqrtAlphaCumPrev returns the T+1 noise levels used by partial denoising.
func (s *Schedule) SqrtAlphaCumPrev() []float64 { return clone(s.sqrtAlphaCumPrev) }

// Equal reports whether two schedules hold identical coefficients.
func (s *Schedule) Equal(o *Schedule) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.params == o.params && floats.Equal(s.beta, o.beta) && floats.Equal(s.alphaCum, o.alphaCum)
}

func clone(in []float64) []float64 {
	return append([]float64(nil), in...)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
