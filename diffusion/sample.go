package diffusion

import (
	"context"
	"fmt"
	"math"

	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/tensor"
)

// ReverseStep runs one denoising step at t: it asks the network for its
// prediction, forms the posterior mean and, for t > 0, adds fresh noise with
// the configured variance. The result is a new tensor; x is not modified.
func (p *Process) ReverseStep(x, cond *tensor.Tensor, t int) (*tensor.Tensor, error) {
	st, err := p.sched.At(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStepRange, err)
	}
	if x == nil || cond == nil || !x.SameShape(cond) {
		return nil, shapeErr(t, "conditioning", shapeOf(cond), shapeOf(x))
	}

	pred, err := p.predict(x, cond, t)
	if err != nil {
		return nil, err
	}
	out, err := p.posteriorMean(x, pred, st)
	if err != nil {
		return nil, denoisingErr(t, err)
	}

	if t > 0 {
		variance := st.PosteriorVariance
		if p.variance == BetaVariance {
			variance = st.Beta
		}
		z := Gaussian(p.noise, x.Shape())
		out, err = tensor.Combine(1, out, math.Sqrt(variance), z)
		if err != nil {
			return nil, denoisingErr(t, err)
		}
	}

	if !out.IsFinite() {
		return nil, denoisingErr(t, ErrNonFinite)
	}
	if p.hook != nil {
		p.hook(t, out)
	}
	return out, nil
}

func (p *Process) posteriorMean(x, pred *tensor.Tensor, st schedule.Step) (*tensor.Tensor, error) {
	sqrtAlpha := math.Sqrt(st.Alpha)
	if p.param == PredictNoise && p.clip == 0 {
		return tensor.Combine(1/sqrtAlpha, x, -st.Beta/(st.SqrtOneMinusAlphaCum*sqrtAlpha), pred)
	}

	x0 := pred
	if p.param == PredictNoise {
		var err error
		x0, err = tensor.Combine(1/st.SqrtAlphaCum, x, -st.SqrtOneMinusAlphaCum/st.SqrtAlphaCum, pred)
		if err != nil {
			return nil, err
		}
	}
	if p.clip > 0 {
		x0 = x0.Clip(p.clip)
	}
	return tensor.Combine(st.PosteriorCoefClean, x0, st.PosteriorCoefNoisy, x)
}

// Sample generates a sample from pure noise with the shape of cond, running
// all T reverse steps.
func (p *Process) Sample(cond *tensor.Tensor) (*tensor.Tensor, error) {
	return p.SampleContext(context.Background(), cond)
}

// SampleContext is Sample with cancellation checked between steps. A
// cancelled call returns ctx.Err() and no sample.
func (p *Process) SampleContext(ctx context.Context, cond *tensor.Tensor) (*tensor.Tensor, error) {
	if cond == nil {
		return nil, shapeErr(-1, "conditioning", tensor.Shape{}, tensor.Shape{})
	}
	x := Gaussian(p.noise, cond.Shape())
	return p.reverse(ctx, x, cond, p.sched.Len())
}

// PartialDenoise injects noise into ref at the level reached after start
// forward steps, then runs the reverse loop from start-1 down to 0. start
// must lie in [1, T].
func (p *Process) PartialDenoise(ref, cond *tensor.Tensor, start int) (*tensor.Tensor, error) {
	return p.PartialDenoiseContext(context.Background(), ref, cond, start)
}

// PartialDenoiseContext is PartialDenoise with cancellation checked between
// steps.
func (p *Process) PartialDenoiseContext(ctx context.Context, ref, cond *tensor.Tensor, start int) (*tensor.Tensor, error) {
	T := p.sched.Len()
	if start <= 0 || start > T {
		return nil, fmt.Errorf("%w: start step %d not in [1,%d]", ErrInvalidStepRange, start, T)
	}
	if ref == nil || cond == nil || !ref.SameShape(cond) {
		return nil, shapeErr(start-1, "conditioning", shapeOf(cond), shapeOf(ref))
	}
	level, err := p.sched.NoiseLevel(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStepRange, err)
	}
	eps := Gaussian(p.noise, ref.Shape())
	x, err := tensor.Combine(level, ref, math.Sqrt(1-level*level), eps)
	if err != nil {
		return nil, denoisingErr(start-1, err)
	}
	return p.reverse(ctx, x, cond, start)
}

func (p *Process) reverse(ctx context.Context, x, cond *tensor.Tensor, from int) (*tensor.Tensor, error) {
	for t := from - 1; t >= 0; t-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := p.ReverseStep(x, cond, t)
		if err != nil {
			return nil, err
		}
		x = next
	}
	return x, nil
}
