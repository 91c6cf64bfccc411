package transform

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/algo-ctrldiff/tensor"
)

func skewed(n int, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, 1))
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + 400*math.Pow(rng.Float64(), 3)
	}
	return out
}

func TestScalerRoundTrip(t *testing.T) {
	data := skewed(500, 1)
	for _, kind := range []string{KindMinMax, KindStandard, KindQuantile} {
		s, err := NewScaler(kind, 30)
		require.NoError(t, err)
		require.False(t, s.Fitted())
		require.NoError(t, s.Fit(data))
		require.True(t, s.Fitted())

		for _, v := range data[:50] {
			assert.InDelta(t, v, s.Inverse(s.Forward(v)), 1e-9, kind)
		}
	}
}

func TestMinMaxRange(t *testing.T) {
	m := &MinMax{}
	require.NoError(t, m.Fit([]float64{2, 4, 6, math.NaN()}))
	assert.Equal(t, 0.0, m.Forward(2))
	assert.Equal(t, 1.0, m.Forward(6))
	assert.Equal(t, 0.5, m.Forward(4))
}

func TestConstantChannel(t *testing.T) {
	m := &MinMax{}
	require.NoError(t, m.Fit([]float64{3, 3, 3}))
	assert.Equal(t, 0.0, m.Forward(3))
	assert.Equal(t, 3.0, m.Inverse(0))

	q := &Quantile{N: 10}
	require.NoError(t, q.Fit([]float64{5, 5, 5, 5}))
	assert.Equal(t, 0.5, q.Forward(5))
	assert.Equal(t, 5.0, q.Inverse(0.2))
}

func TestQuantileIsUniformAndMonotonic(t *testing.T) {
	data := skewed(2000, 2)
	q := &Quantile{N: 30}
	require.NoError(t, q.Fit(data))
	require.Len(t, q.Quantiles(), 30)

	below := 0
	for _, v := range data {
		u := q.Forward(v)
		assert.GreaterOrEqual(t, u, 0.0)
		assert.LessOrEqual(t, u, 1.0)
		if u < 0.5 {
			below++
		}
	}
	assert.InDelta(t, 0.5, float64(below)/float64(len(data)), 0.05)

	prev := math.Inf(-1)
	for x := 90.0; x < 520; x += 3 {
		u := q.Forward(x)
		assert.GreaterOrEqual(t, u, prev)
		prev = u
	}
	assert.Equal(t, 0.0, q.Forward(-1e6))
	assert.Equal(t, 1.0, q.Forward(1e6))
}

func TestQuantileWithTies(t *testing.T) {
	data := []float64{1, 1, 1, 1, 1, 1, 2, 3}
	q := &Quantile{N: 8}
	require.NoError(t, q.Fit(data))
	for _, v := range []float64{1, 2, 3} {
		assert.InDelta(t, v, q.Inverse(q.Forward(v)), 1e-9)
	}
}

func TestChainFitsPlateaus(t *testing.T) {
	// Quantized note pitches: long runs of equal values after min-max.
	var data []float64
	for i, m := range []float64{57, 60, 62, 64, 65, 67, 69, 71, 72, 60, 64, 67} {
		hz := 440 * math.Pow(2, (m-69)/12)
		for j := 0; j < 17+7*i; j++ {
			data = append(data, hz)
		}
	}
	for _, n := range []int{10, 30} {
		c := Chain{&MinMax{}, &Quantile{N: n}}
		require.NoError(t, c.Fit(data), "n=%d", n)

		qs := c[1].(*Quantile).Quantiles()
		for i := 1; i < len(qs); i++ {
			assert.LessOrEqual(t, qs[i-1], qs[i])
		}
		prev := math.Inf(-1)
		for m := 57.0; m <= 72; m++ {
			u := c.Forward(440 * math.Pow(2, (m-69)/12))
			assert.GreaterOrEqual(t, u, 0.0)
			assert.LessOrEqual(t, u, 1.0)
			assert.GreaterOrEqual(t, u, prev)
			prev = u
		}
	}
}

func TestFitEmpty(t *testing.T) {
	for _, kind := range []string{KindMinMax, KindStandard, KindQuantile} {
		s, err := NewScaler(kind, 4)
		require.NoError(t, err)
		assert.True(t, errors.Is(s.Fit([]float64{math.NaN()}), ErrEmpty), kind)
	}
}

func TestNewScalerErrors(t *testing.T) {
	_, err := NewScaler("robust", 10)
	assert.True(t, errors.Is(err, ErrUnknownKind))
	_, err = NewScaler(KindQuantile, 1)
	assert.Error(t, err)
}

func curves(batch, length int) *tensor.Tensor {
	x := tensor.New(batch, length, 2)
	pitch := skewed(batch*length, 3)
	for i := 0; i < batch*length; i++ {
		x.Data[i*2] = pitch[i]
		x.Data[i*2+1] = -60 + 50*float64(i%length)/float64(length)
	}
	return x
}

func TestPipelineForwardInverse(t *testing.T) {
	p, err := FromKinds(2, []string{KindMinMax, KindQuantile}, 30)
	require.NoError(t, err)

	raw := curves(4, 64)
	_, err = p.Forward(raw)
	assert.True(t, errors.Is(err, ErrNotFitted))

	require.NoError(t, p.Fit(raw))
	norm, err := p.Forward(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, norm.MaxAbs(), 1.0+1e-12)

	back, err := p.Inverse(norm)
	require.NoError(t, err)
	assert.InDeltaSlice(t, raw.Data, back.Data, 1e-7)
	assert.Equal(t, raw.Shape(), back.Shape())
}

func TestPipelineChannels(t *testing.T) {
	p, err := FromKinds(2, []string{KindMinMax}, 0)
	require.NoError(t, err)
	assert.True(t, errors.Is(p.Fit(tensor.New(1, 4, 3)), ErrChannels))

	_, err = p.ForwardChannel(5, []float64{1})
	assert.True(t, errors.Is(err, ErrChannels))

	_, err = FromKinds(0, []string{KindMinMax}, 0)
	assert.True(t, errors.Is(err, ErrChannels))
}

func TestPipelineStateRoundTrip(t *testing.T) {
	p, err := FromKinds(2, []string{KindMinMax, KindQuantile}, 20)
	require.NoError(t, err)
	raw := curves(2, 50)
	require.NoError(t, p.Fit(raw))

	q, err := PipelineFromState(p.State())
	require.NoError(t, err)
	require.True(t, q.Fitted())

	a, err := p.Forward(raw)
	require.NoError(t, err)
	b, err := q.Forward(raw)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestChannelHelpers(t *testing.T) {
	p, err := FromKinds(2, []string{KindMinMax}, 0)
	require.NoError(t, err)
	require.NoError(t, p.FitChannels([][]float64{{0, 10}, {-50, 0}}))

	norm, err := p.ForwardChannel(0, []float64{0, 5, 10})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, norm, 1e-12)

	raw, err := p.InverseChannel(1, []float64{-1, 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-50, 0}, raw, 1e-12)
}
