// Package optim updates named parameter sets from their gradients.
package optim

import (
	"errors"
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-ctrldiff/ema"
)

var ErrGradient = errors.New("optim: gradient mismatch")

// Config holds Adam hyperparameters. WarmupSteps and DecaySteps enable a
// linear warmup followed by cosine decay from LR down to MinLR.
type Config struct {
	LR          float64 `json:"lr" yaml:"lr"`
	MinLR       float64 `json:"min_lr" yaml:"min_lr"`
	Beta1       float64 `json:"beta1" yaml:"beta1"`
	Beta2       float64 `json:"beta2" yaml:"beta2"`
	Eps         float64 `json:"eps" yaml:"eps"`
	ClipNorm    float64 `json:"clip_norm" yaml:"clip_norm"`
	WarmupSteps int     `json:"warmup_steps" yaml:"warmup_steps"`
	DecaySteps  int     `json:"decay_steps" yaml:"decay_steps"`
}

// DefaultConfig uses the 1e-4 learning rate of the reference training run.
func DefaultConfig() Config {
	return Config{LR: 1e-4, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, ClipNorm: 1}
}

func (c Config) Validate() error {
	switch {
	case !(c.LR > 0):
		return fmt.Errorf("optim: lr must be > 0, got %g", c.LR)
	case c.MinLR < 0 || c.MinLR > c.LR:
		return fmt.Errorf("optim: min_lr must be in [0, lr], got %g", c.MinLR)
	case !(c.Beta1 >= 0 && c.Beta1 < 1):
		return fmt.Errorf("optim: beta1 must be in [0,1), got %g", c.Beta1)
	case !(c.Beta2 >= 0 && c.Beta2 < 1):
		return fmt.Errorf("optim: beta2 must be in [0,1), got %g", c.Beta2)
	case !(c.Eps > 0):
		return fmt.Errorf("optim: eps must be > 0, got %g", c.Eps)
	case c.ClipNorm < 0:
		return fmt.Errorf("optim: clip_norm must be >= 0, got %g", c.ClipNorm)
	case c.WarmupSteps < 0 || c.DecaySteps < 0:
		return fmt.Errorf("optim: warmup_steps and decay_steps must be >= 0")
	}
	return nil
}

// State is the resumable optimizer state.
type State struct {
	Step int              `json:"step" cbor:"step"`
	M    ema.ParameterSet `json:"m" cbor:"m"`
	V    ema.ParameterSet `json:"v" cbor:"v"`
}

// Adam is the Adam optimizer with bias correction.
type Adam struct {
	cfg  Config
	step int
	m, v ema.ParameterSet
}

func NewAdam(cfg Config) (*Adam, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adam{cfg: cfg, m: ema.ParameterSet{}, v: ema.ParameterSet{}}, nil
}

func (a *Adam) Config() Config { return a.cfg }

// Steps is the number of updates applied.
func (a *Adam) Steps() int { return a.step }

// LRAt is the learning rate used for update number step (1-based).
func (a *Adam) LRAt(step int) float64 {
	c := a.cfg
	if c.WarmupSteps > 0 && step <= c.WarmupSteps {
		return c.LR * float64(step) / float64(c.WarmupSteps)
	}
	if c.DecaySteps <= 0 {
		return c.LR
	}
	progress := float64(step-c.WarmupSteps) / float64(c.DecaySteps)
	if progress >= 1 {
		return c.MinLR
	}
	return c.MinLR + 0.5*(c.LR-c.MinLR)*(1+math.Cos(math.Pi*progress))
}

// GradNorm is the global L2 norm of grads.
func GradNorm(grads ema.ParameterSet) float64 {
	sum := 0.0
	for _, g := range grads {
		if len(g) > 0 {
			sum += vecmath.DotProduct(g, g)
		}
	}
	return math.Sqrt(sum)
}

// Step updates params in place and returns the gradient norm before
// clipping. Every gradient must match a parameter of the same length.
func (a *Adam) Step(params, grads ema.ParameterSet) (float64, error) {
	for name, g := range grads {
		p, ok := params[name]
		if !ok {
			return 0, fmt.Errorf("%w: no parameter %q", ErrGradient, name)
		}
		if len(p) != len(g) {
			return 0, fmt.Errorf("%w: %q has %d values, gradient %d", ErrGradient, name, len(p), len(g))
		}
	}

	norm := GradNorm(grads)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, fmt.Errorf("%w: non-finite gradient norm", ErrGradient)
	}
	scale := 1.0
	if a.cfg.ClipNorm > 0 && norm > a.cfg.ClipNorm {
		scale = a.cfg.ClipNorm / norm
	}

	a.step++
	lr := a.LRAt(a.step)
	b1, b2, eps := a.cfg.Beta1, a.cfg.Beta2, a.cfg.Eps
	b1Corr := 1 - math.Pow(b1, float64(a.step))
	b2Corr := 1 - math.Pow(b2, float64(a.step))

	for name, g := range grads {
		p := params[name]
		m, ok := a.m[name]
		if !ok || len(m) != len(p) {
			m = make([]float64, len(p))
			a.m[name] = m
			a.v[name] = make([]float64, len(p))
		}
		v := a.v[name]
		for j := range p {
			gj := g[j] * scale
			m[j] = b1*m[j] + (1-b1)*gj
			v[j] = b2*v[j] + (1-b2)*gj*gj
			mhat := m[j] / b1Corr
			vhat := v[j] / b2Corr
			p[j] -= lr * mhat / (math.Sqrt(vhat) + eps)
		}
	}
	return norm, nil
}

// State exports a copy of the moments.
func (a *Adam) State() State {
	return State{Step: a.step, M: a.m.Clone(), V: a.v.Clone()}
}

// Restore resumes from an exported state.
func (a *Adam) Restore(st State) error {
	if st.Step < 0 {
		return fmt.Errorf("optim: negative step %d", st.Step)
	}
	for name, m := range st.M {
		if len(st.V[name]) != len(m) {
			return fmt.Errorf("optim: moment length mismatch for %q", name)
		}
	}
	a.step = st.Step
	a.m = st.M.Clone()
	a.v = st.V.Clone()
	if a.m == nil {
		a.m = ema.ParameterSet{}
	}
	if a.v == nil {
		a.v = ema.ParameterSet{}
	}
	return nil
}
