// Package denoiser provides concrete networks satisfying diffusion.Denoiser.
//
// Conv is a small two-layer temporal convolution: the noisy sample and the
// conditioning are concatenated along channels, convolved into a hidden
// tanh layer that also receives a sinusoidal embedding of the diffusion
// step, and projected back to the sample channels. It is trainable with
// hand-derived gradients (Backward) so the whole training loop runs without
// an autodiff framework.
package denoiser

import (
	"errors"
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/ema"
	"github.com/cwbudde/algo-ctrldiff/tensor"
)

// Parameter names of a Conv network.
const (
	ParamConv1Weight = "conv1.weight"
	ParamConv1Bias   = "conv1.bias"
	ParamEmbedWeight = "embed.weight"
	ParamConv2Weight = "conv2.weight"
	ParamConv2Bias   = "conv2.bias"
)

var (
	ErrInvalidSpec = errors.New("denoiser: invalid spec")
	ErrInput       = errors.New("denoiser: input shape mismatch")
	ErrParams      = errors.New("denoiser: parameter mismatch")
)

// Spec describes a Conv network. It is stored in checkpoints so the
// network can be rebuilt before loading weights.
type Spec struct {
	SampleChannels int    `json:"sample_channels" cbor:"sample_channels"`
	CondChannels   int    `json:"cond_channels" cbor:"cond_channels"`
	Hidden         int    `json:"hidden" cbor:"hidden"`
	Kernel         int    `json:"kernel" cbor:"kernel"`
	Embed          int    `json:"embed" cbor:"embed"`
	Seed           uint64 `json:"seed" cbor:"seed"`
}

// DefaultSpec is a pitch+loudness network conditioned on pitch+loudness.
func DefaultSpec() Spec {
	return Spec{SampleChannels: 2, CondChannels: 2, Hidden: 32, Kernel: 5, Embed: 16, Seed: 1}
}

func (s Spec) Validate() error {
	switch {
	case s.SampleChannels <= 0:
		return fmt.Errorf("%w: sample_channels must be > 0", ErrInvalidSpec)
	case s.CondChannels < 0:
		return fmt.Errorf("%w: cond_channels must be >= 0", ErrInvalidSpec)
	case s.Hidden <= 0:
		return fmt.Errorf("%w: hidden must be > 0", ErrInvalidSpec)
	case s.Kernel <= 0 || s.Kernel%2 == 0:
		return fmt.Errorf("%w: kernel must be odd and > 0, got %d", ErrInvalidSpec, s.Kernel)
	case s.Embed <= 0 || s.Embed%2 != 0:
		return fmt.Errorf("%w: embed must be even and > 0, got %d", ErrInvalidSpec, s.Embed)
	}
	return nil
}

func (s Spec) inChannels() int { return s.SampleChannels + s.CondChannels }

// Shapes returns the flattened length of every parameter.
func (s Spec) Shapes() map[string]int {
	return map[string]int{
		ParamConv1Weight: s.Hidden * s.Kernel * s.inChannels(),
		ParamConv1Bias:   s.Hidden,
		ParamEmbedWeight: s.Hidden * s.Embed,
		ParamConv2Weight: s.SampleChannels * s.Hidden,
		ParamConv2Bias:   s.SampleChannels,
	}
}

// Conv is a trainable temporal convolution denoiser.
type Conv struct {
	spec   Spec
	params ema.ParameterSet
}

var _ diffusion.BatchDenoiser = (*Conv)(nil)

// New builds a network with weights drawn deterministically from spec.Seed.
func New(spec Spec) (*Conv, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	src := diffusion.NewSeededSource(spec.Seed)
	params := ema.ParameterSet{}
	fill := func(name string, std float64) {
		v := make([]float64, spec.Shapes()[name])
		for i := range v {
			v[i] = src.NormFloat64() * std
		}
		params[name] = v
	}
	fill(ParamConv1Weight, 1/math.Sqrt(float64(spec.Kernel*spec.inChannels())))
	fill(ParamEmbedWeight, 1/math.Sqrt(float64(spec.Embed)))
	fill(ParamConv2Weight, 1/math.Sqrt(float64(spec.Hidden)))
	params[ParamConv1Bias] = make([]float64, spec.Hidden)
	params[ParamConv2Bias] = make([]float64, spec.SampleChannels)
	return &Conv{spec: spec, params: params}, nil
}

// FromParams builds a network and installs params.
func FromParams(spec Spec, params ema.ParameterSet) (*Conv, error) {
	c, err := New(spec)
	if err != nil {
		return nil, err
	}
	if err := c.SetParams(params); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conv) Spec() Spec { return c.spec }

// Params returns the live parameter storage. Optimizers update it in
// place; use ExportParams for a snapshot.
func (c *Conv) Params() ema.ParameterSet { return c.params }

// ExportParams returns a deep copy of the weights.
func (c *Conv) ExportParams() ema.ParameterSet { return c.params.Clone() }

// SetParams copies p into the network. Every parameter must be present with
// the expected length.
func (c *Conv) SetParams(p ema.ParameterSet) error {
	shapes := c.spec.Shapes()
	for name, n := range shapes {
		v, ok := p[name]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrParams, name)
		}
		if len(v) != n {
			return fmt.Errorf("%w: %q has %d values, want %d", ErrParams, name, len(v), n)
		}
	}
	for name := range shapes {
		copy(c.params[name], p[name])
	}
	return nil
}

// NumParams is the number of trainable scalars.
func (c *Conv) NumParams() int { return c.params.Size() }

// Predict implements diffusion.Denoiser.
func (c *Conv) Predict(sample, cond *tensor.Tensor, step int) (*tensor.Tensor, error) {
	steps := make([]int, sample.Batch)
	for i := range steps {
		steps[i] = step
	}
	return c.PredictSteps(sample, cond, steps)
}

// PredictSteps implements diffusion.BatchDenoiser.
func (c *Conv) PredictSteps(sample, cond *tensor.Tensor, steps []int) (*tensor.Tensor, error) {
	out, _, _, err := c.forward(sample, cond, steps)
	return out, err
}

// StepEmbedding writes the sinusoidal embedding of step into dst, whose
// length must be even: the first half holds sines, the second cosines.
func StepEmbedding(dst []float64, step int) {
	half := len(dst) / 2
	for e := 0; e < half; e++ {
		freq := math.Exp(-math.Log(10000) * float64(e) / float64(half))
		arg := float64(step) * freq
		dst[e] = math.Sin(arg)
		dst[half+e] = math.Cos(arg)
	}
}

func (c *Conv) checkInput(x, cond *tensor.Tensor, steps []int) error {
	s := c.spec
	if x == nil || cond == nil {
		return fmt.Errorf("%w: nil tensor", ErrInput)
	}
	if x.Channels != s.SampleChannels || cond.Channels != s.CondChannels {
		return fmt.Errorf("%w: channels %d+%d, want %d+%d", ErrInput, x.Channels, cond.Channels, s.SampleChannels, s.CondChannels)
	}
	if x.Batch != cond.Batch || x.Length != cond.Length {
		return fmt.Errorf("%w: sample %v, conditioning %v", ErrInput, x.Shape(), cond.Shape())
	}
	if len(steps) != x.Batch {
		return fmt.Errorf("%w: %d steps for batch %d", ErrInput, len(steps), x.Batch)
	}
	for _, t := range steps {
		if t < 0 {
			return fmt.Errorf("%w: negative step %d", ErrInput, t)
		}
	}
	return nil
}

// forward returns the output, the concatenated input and the hidden
// activations.
func (c *Conv) forward(x, cond *tensor.Tensor, steps []int) (*tensor.Tensor, *tensor.Tensor, []float64, error) {
	if err := c.checkInput(x, cond, steps); err != nil {
		return nil, nil, nil, err
	}
	in, err := tensor.Concat(x, cond)
	if err != nil {
		return nil, nil, nil, err
	}

	s := c.spec
	B, L, Cin, H, K, E, Co := x.Batch, x.Length, s.inChannels(), s.Hidden, s.Kernel, s.Embed, s.SampleChannels
	half := K / 2
	w1 := c.params[ParamConv1Weight]
	b1 := c.params[ParamConv1Bias]
	we := c.params[ParamEmbedWeight]
	w2 := c.params[ParamConv2Weight]
	b2 := c.params[ParamConv2Bias]

	h := make([]float64, B*L*H)
	out := tensor.New(B, L, Co)
	emb := make([]float64, E)
	bias := make([]float64, H)

	for b := 0; b < B; b++ {
		StepEmbedding(emb, steps[b])
		for j := 0; j < H; j++ {
			bias[j] = b1[j] + vecmath.DotProduct(we[j*E:(j+1)*E], emb)
		}
		for l := 0; l < L; l++ {
			row := (b*L + l) * H
			for j := 0; j < H; j++ {
				acc := bias[j]
				for k := 0; k < K; k++ {
					ll := l + k - half
					if ll < 0 || ll >= L {
						continue
					}
					src := in.Data[(b*L+ll)*Cin : (b*L+ll+1)*Cin]
					acc += vecmath.DotProduct(w1[(j*K+k)*Cin:(j*K+k+1)*Cin], src)
				}
				h[row+j] = math.Tanh(acc)
			}
			hrow := h[row : row+H]
			orow := out.Data[(b*L+l)*Co : (b*L+l+1)*Co]
			for o := 0; o < Co; o++ {
				orow[o] = b2[o] + vecmath.DotProduct(w2[o*H:(o+1)*H], hrow)
			}
		}
	}
	return out, in, h, nil
}

// Backward returns the gradient of a scalar loss with respect to every
// parameter, given gradOut = dLoss/dOutput for the call
// PredictSteps(x, cond, steps).
func (c *Conv) Backward(x, cond *tensor.Tensor, steps []int, gradOut *tensor.Tensor) (ema.ParameterSet, error) {
	_, in, h, err := c.forward(x, cond, steps)
	if err != nil {
		return nil, err
	}
	if !gradOut.SameShape(x) {
		return nil, fmt.Errorf("%w: gradient %v, sample %v", ErrInput, gradOut.Shape(), x.Shape())
	}

	s := c.spec
	B, L, Cin, H, K, E, Co := x.Batch, x.Length, s.inChannels(), s.Hidden, s.Kernel, s.Embed, s.SampleChannels
	half := K / 2
	w2 := c.params[ParamConv2Weight]

	grads := ema.ParameterSet{}
	for name, n := range s.Shapes() {
		grads[name] = make([]float64, n)
	}
	dw1 := grads[ParamConv1Weight]
	db1 := grads[ParamConv1Bias]
	dwe := grads[ParamEmbedWeight]
	dw2 := grads[ParamConv2Weight]
	db2 := grads[ParamConv2Bias]

	emb := make([]float64, E)
	dpre := make([]float64, H)
	dbias := make([]float64, H)

	for b := 0; b < B; b++ {
		for j := range dbias {
			dbias[j] = 0
		}
		for l := 0; l < L; l++ {
			hrow := h[(b*L+l)*H : (b*L+l+1)*H]
			g := gradOut.Data[(b*L+l)*Co : (b*L+l+1)*Co]
			for o := 0; o < Co; o++ {
				db2[o] += g[o]
				row := dw2[o*H : (o+1)*H]
				for j, hv := range hrow {
					row[j] += g[o] * hv
				}
			}
			for j := 0; j < H; j++ {
				dh := 0.0
				for o := 0; o < Co; o++ {
					dh += w2[o*H+j] * g[o]
				}
				dpre[j] = dh * (1 - hrow[j]*hrow[j])
				dbias[j] += dpre[j]
			}
			for j := 0; j < H; j++ {
				if dpre[j] == 0 {
					continue
				}
				for k := 0; k < K; k++ {
					ll := l + k - half
					if ll < 0 || ll >= L {
						continue
					}
					src := in.Data[(b*L+ll)*Cin : (b*L+ll+1)*Cin]
					dst := dw1[(j*K+k)*Cin : (j*K+k+1)*Cin]
					for i, v := range src {
						dst[i] += dpre[j] * v
					}
				}
			}
		}
		StepEmbedding(emb, steps[b])
		for j := 0; j < H; j++ {
			db1[j] += dbias[j]
			row := dwe[j*E : (j+1)*E]
			for e, v := range emb {
				row[e] += dbias[j] * v
			}
		}
	}
	return grads, nil
}

// Zero predicts zeros. It satisfies the network contract for dry runs.
type Zero struct{}

func (Zero) Predict(sample, _ *tensor.Tensor, _ int) (*tensor.Tensor, error) {
	return tensor.ZerosLike(sample), nil
}
