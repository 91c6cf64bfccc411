package diffusion

import (
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/tensor"
)

// StepHook observes the sample produced by every reverse step. It must not
// retain or modify x.
type StepHook func(step int, x *tensor.Tensor)

// Process couples a schedule with a denoising network.
//
// A Process is not safe for concurrent use because it owns its NoiseSource.
// Use WithSource to derive one Process per goroutine; the schedule and the
// network are shared read-only.
type Process struct {
	sched    *schedule.Schedule
	net      Denoiser
	param    Parameterization
	variance VarianceKind
	clip     float64
	noise    NoiseSource
	hook     StepHook
}

// Option configures a Process.
type Option func(*Process)

func WithParameterization(p Parameterization) Option {
	return func(pr *Process) { pr.param = p }
}

func WithVariance(v VarianceKind) Option {
	return func(pr *Process) { pr.variance = v }
}

// WithClipDenoised clamps the clean-sample estimate to [-bound, bound]
// before the posterior mean is formed. Zero disables clipping.
func WithClipDenoised(bound float64) Option {
	return func(pr *Process) { pr.clip = bound }
}

func WithNoiseSource(src NoiseSource) Option {
	return func(pr *Process) { pr.noise = src }
}

func WithStepHook(h StepHook) Option {
	return func(pr *Process) { pr.hook = h }
}

// New builds a Process. Without WithNoiseSource draws are unseeded.
func New(s *schedule.Schedule, net Denoiser, opts ...Option) (*Process, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil schedule", schedule.ErrInvalidSchedule)
	}
	if net == nil {
		return nil, ErrNoDenoiser
	}
	p := &Process{sched: s, net: net}
	for _, opt := range opts {
		opt(p)
	}
	if p.noise == nil {
		p.noise = NewRandomSource()
	}
	if p.clip < 0 || math.IsNaN(p.clip) {
		return nil, fmt.Errorf("diffusion: clip bound must be >= 0, got %g", p.clip)
	}
	return p, nil
}

// WithSource returns a copy of p drawing from src.
func (p *Process) WithSource(src NoiseSource) *Process {
	cp := *p
	cp.noise = src
	return &cp
}

func (p *Process) Schedule() *schedule.Schedule { return p.sched }

func (p *Process) Parameterization() Parameterization { return p.param }

// Steps is the schedule length T.
func (p *Process) Steps() int { return p.sched.Len() }

// Loss is the outcome of one training-loss evaluation. The tensors are kept
// so a trainer can back-propagate through the network call.
type Loss struct {
	Value      float64
	Steps      []int
	Noise      *tensor.Tensor
	Noisy      *tensor.Tensor
	Target     *tensor.Tensor
	Prediction *tensor.Tensor
}

// Corrupt returns sqrt_alpha_cum[step]*clean + sqrt_one_minus_alpha_cum[step]*eps.
func (p *Process) Corrupt(clean, eps *tensor.Tensor, step int) (*tensor.Tensor, error) {
	st, err := p.sched.At(step)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStepRange, err)
	}
	if !clean.SameShape(eps) {
		return nil, fmt.Errorf("%w: noise %v, sample %v", ErrShapeMismatch, eps.Shape(), clean.Shape())
	}
	return tensor.Combine(st.SqrtAlphaCum, clean, st.SqrtOneMinusAlphaCum, eps)
}

// TrainingLoss draws one step per batch element and Gaussian noise,
// corrupts clean, asks the network for its prediction and returns the mean
// squared error against the noise (or against clean for PredictClean).
func (p *Process) TrainingLoss(clean, cond *tensor.Tensor) (Loss, error) {
	if !clean.SameShape(cond) {
		return Loss{}, shapeErr(-1, "conditioning", cond.Shape(), clean.Shape())
	}
	if clean.Batch == 0 {
		return Loss{}, denoisingErr(-1, fmt.Errorf("%w: empty batch", ErrShapeMismatch))
	}
	T := p.sched.Len()
	steps := make([]int, clean.Batch)
	for b := range steps {
		steps[b] = p.noise.IntN(T)
	}
	eps := Gaussian(p.noise, clean.Shape())

	noisy := tensor.ZerosLike(clean)
	per := clean.Length * clean.Channels
	tmp := make([]float64, per)
	for b, t := range steps {
		st, err := p.sched.At(t)
		if err != nil {
			return Loss{}, denoisingErr(t, err)
		}
		lo, hi := b*per, (b+1)*per
		if per == 0 {
			continue
		}
		vecmath.ScaleBlock(noisy.Data[lo:hi], clean.Data[lo:hi], st.SqrtAlphaCum)
		vecmath.ScaleBlock(tmp, eps.Data[lo:hi], st.SqrtOneMinusAlphaCum)
		vecmath.AddBlockInPlace(noisy.Data[lo:hi], tmp)
	}

	pred, err := p.predictSteps(noisy, cond, steps)
	if err != nil {
		return Loss{}, err
	}

	target := eps
	if p.param == PredictClean {
		target = clean.Clone()
	}
	value, err := tensor.MSE(pred, target)
	if err != nil {
		return Loss{}, denoisingErr(-1, err)
	}
	return Loss{
		Value:      value,
		Steps:      steps,
		Noise:      eps,
		Noisy:      noisy,
		Target:     target,
		Prediction: pred,
	}, nil
}

// predictSteps evaluates the network with one step per batch element.
func (p *Process) predictSteps(x, cond *tensor.Tensor, steps []int) (*tensor.Tensor, error) {
	if uniform(steps) {
		return p.predict(x, cond, steps[0])
	}
	if bd, ok := p.net.(BatchDenoiser); ok {
		pred, err := bd.PredictSteps(x, cond, steps)
		if err != nil {
			return nil, denoisingErr(-1, err)
		}
		if pred == nil || !pred.SameShape(x) {
			return nil, shapeErr(-1, "prediction", shapeOf(pred), x.Shape())
		}
		return pred, nil
	}
	items := make([]*tensor.Tensor, len(steps))
	for b, t := range steps {
		pred, err := p.predict(x.Item(b), cond.Item(b), t)
		if err != nil {
			return nil, err
		}
		items[b] = pred
	}
	return tensor.Stack(items...)
}

func (p *Process) predict(x, cond *tensor.Tensor, step int) (*tensor.Tensor, error) {
	pred, err := p.net.Predict(x, cond, step)
	if err != nil {
		return nil, denoisingErr(step, err)
	}
	if pred == nil || !pred.SameShape(x) {
		return nil, shapeErr(step, "prediction", shapeOf(pred), x.Shape())
	}
	return pred, nil
}

func uniform(steps []int) bool {
	if len(steps) == 0 {
		return false
	}
	for _, t := range steps[1:] {
		if t != steps[0] {
			return false
		}
	}
	return true
}

func shapeOf(t *tensor.Tensor) tensor.Shape {
	if t == nil {
		return tensor.Shape{}
	}
	return t.Shape()
}
