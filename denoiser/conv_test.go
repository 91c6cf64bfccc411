package denoiser

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/tensor"
)

func randTensor(src diffusion.NoiseSource, b, l, c int) *tensor.Tensor {
	return diffusion.Gaussian(src, tensor.Shape{Batch: b, Length: l, Channels: c})
}

func smallSpec() Spec {
	return Spec{SampleChannels: 2, CondChannels: 2, Hidden: 6, Kernel: 3, Embed: 4, Seed: 3}
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, DefaultSpec().Validate())

	bad := DefaultSpec()
	bad.Kernel = 4
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidSpec))
	bad = DefaultSpec()
	bad.Embed = 3
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidSpec))
	bad = DefaultSpec()
	bad.Hidden = 0
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidSpec))
}

func TestNewIsDeterministic(t *testing.T) {
	a, err := New(smallSpec())
	require.NoError(t, err)
	b, err := New(smallSpec())
	require.NoError(t, err)
	assert.Equal(t, a.ExportParams(), b.ExportParams())

	spec := smallSpec()
	assert.Equal(t, spec.Hidden*spec.Kernel*4+spec.Hidden+spec.Hidden*spec.Embed+2*spec.Hidden+2, a.NumParams())
}

func TestPredictShapeAndInputChecks(t *testing.T) {
	c, err := New(smallSpec())
	require.NoError(t, err)
	src := diffusion.NewSeededSource(1)
	x := randTensor(src, 2, 10, 2)

	out, err := c.Predict(x, x, 4)
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), out.Shape())
	assert.True(t, out.IsFinite())

	_, err = c.Predict(x, randTensor(src, 2, 11, 2), 4)
	assert.True(t, errors.Is(err, ErrInput))
	_, err = c.Predict(x, randTensor(src, 2, 10, 3), 4)
	assert.True(t, errors.Is(err, ErrInput))
	_, err = c.PredictSteps(x, x, []int{1})
	assert.True(t, errors.Is(err, ErrInput))
}

func TestPredictStepsMatchesPerItem(t *testing.T) {
	c, err := New(smallSpec())
	require.NoError(t, err)
	src := diffusion.NewSeededSource(2)
	x := randTensor(src, 3, 8, 2)
	cond := randTensor(src, 3, 8, 2)
	steps := []int{0, 7, 42}

	all, err := c.PredictSteps(x, cond, steps)
	require.NoError(t, err)
	for b, step := range steps {
		one, err := c.Predict(x.Item(b), cond.Item(b), step)
		require.NoError(t, err)
		assert.InDeltaSlice(t, one.Data, all.Item(b).Data, 1e-12)
	}
}

func TestStepChangesOutput(t *testing.T) {
	c, err := New(smallSpec())
	require.NoError(t, err)
	x := randTensor(diffusion.NewSeededSource(4), 1, 8, 2)
	a, err := c.Predict(x, x, 1)
	require.NoError(t, err)
	b, err := c.Predict(x, x, 50)
	require.NoError(t, err)
	assert.NotEqual(t, a.Data, b.Data)
}

// TestBackwardMatchesFiniteDifferences checks every parameter tensor
// against central differences of L = sum(out * g).
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	c, err := New(smallSpec())
	require.NoError(t, err)
	src := diffusion.NewSeededSource(5)
	x := randTensor(src, 2, 6, 2)
	cond := randTensor(src, 2, 6, 2)
	g := randTensor(src, 2, 6, 2)
	steps := []int{3, 11}

	loss := func() float64 {
		out, err := c.PredictSteps(x, cond, steps)
		require.NoError(t, err)
		sum := 0.0
		for i, v := range out.Data {
			sum += v * g.Data[i]
		}
		return sum
	}

	grads, err := c.Backward(x, cond, steps, g)
	require.NoError(t, err)

	const h = 1e-6
	for _, name := range c.Params().Names() {
		p := c.Params()[name]
		for i := 0; i < len(p); i += 1 + len(p)/7 {
			orig := p[i]
			p[i] = orig + h
			up := loss()
			p[i] = orig - h
			down := loss()
			p[i] = orig

			numeric := (up - down) / (2 * h)
			tol := 1e-6 * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, grads[name][i], tol, "%s[%d]", name, i)
		}
	}
}

func TestSetParamsValidates(t *testing.T) {
	c, err := New(smallSpec())
	require.NoError(t, err)
	p := c.ExportParams()
	delete(p, ParamConv2Bias)
	assert.True(t, errors.Is(c.SetParams(p), ErrParams))

	p = c.ExportParams()
	p[ParamConv1Bias] = p[ParamConv1Bias][:1]
	assert.True(t, errors.Is(c.SetParams(p), ErrParams))

	other := smallSpec()
	other.Seed = 99
	d, err := New(other)
	require.NoError(t, err)
	require.NoError(t, c.SetParams(d.ExportParams()))
	assert.Equal(t, d.ExportParams(), c.ExportParams())
}

func TestConvPlugsIntoProcess(t *testing.T) {
	c, err := New(smallSpec())
	require.NoError(t, err)
	s, err := schedule.Build(8, 1e-4, 0.05)
	require.NoError(t, err)
	p, err := diffusion.New(s, c, diffusion.WithNoiseSource(diffusion.NewSeededSource(6)))
	require.NoError(t, err)

	cond := randTensor(diffusion.NewSeededSource(7), 2, 12, 2)
	out, err := p.Sample(cond)
	require.NoError(t, err)
	assert.True(t, out.IsFinite())

	loss, err := p.TrainingLoss(cond, cond)
	require.NoError(t, err)
	assert.Greater(t, loss.Value, 0.0)
}

func TestZero(t *testing.T) {
	x := tensor.New(1, 4, 2)
	x.Data[0] = 3
	out, err := Zero{}.Predict(x, x, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 8), out.Data)
}
