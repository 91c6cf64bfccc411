package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestFromDataRejectsWrongLength(t *testing.T) {
	_, err := FromData(make([]float64, 5), 1, 2, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestIndexLayoutIsChannelFastest(t *testing.T) {
	x, err := FromData(seq(12), 2, 3, 2)
	require.NoError(t, err)

	assert.Equal(t, 0.0, x.At(0, 0, 0))
	assert.Equal(t, 1.0, x.At(0, 0, 1))
	assert.Equal(t, 2.0, x.At(0, 1, 0))
	assert.Equal(t, 6.0, x.At(1, 0, 0))
	assert.Equal(t, 11.0, x.At(1, 2, 1))
}

func TestOperationsDoNotAlias(t *testing.T) {
	x, err := FromData(seq(6), 1, 3, 2)
	require.NoError(t, err)
	orig := x.Clone()

	y := x.Scale(2)
	y.Data[0] = 42
	z, err := x.Add(x)
	require.NoError(t, err)
	z.Data[1] = 42

	assert.Equal(t, orig.Data, x.Data)
}

func TestCombine(t *testing.T) {
	a, _ := FromData([]float64{1, 2, 3, 4}, 1, 2, 2)
	b, _ := FromData([]float64{4, 3, 2, 1}, 1, 2, 2)

	got, err := Combine(0.5, a, 2, b)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{8.5, 7, 5.5, 4}, got.Data, 1e-12)

	_, err = Combine(1, a, 1, New(1, 3, 2))
	assert.True(t, errors.Is(err, ErrShape))
}

func TestMSE(t *testing.T) {
	a, _ := FromData([]float64{0, 0, 0, 0}, 1, 4, 1)
	b, _ := FromData([]float64{1, -1, 2, 0}, 1, 4, 1)
	got, err := MSE(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, got, 1e-12)
}

func TestSplitConcatRoundTrip(t *testing.T) {
	x, _ := FromData(seq(2*4*3), 2, 4, 3)
	a, b, err := x.Split(1)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Channels)
	assert.Equal(t, 2, b.Channels)

	back, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, x.Data, back.Data)
}

func TestItemStackRoundTrip(t *testing.T) {
	x, _ := FromData(seq(3*2*2), 3, 2, 2)
	items := []*Tensor{x.Item(0), x.Item(1), x.Item(2)}
	back, err := Stack(items...)
	require.NoError(t, err)
	assert.Equal(t, x.Data, back.Data)

	y := New(3, 2, 2)
	for i, it := range items {
		require.NoError(t, y.SetItem(i, it))
	}
	assert.Equal(t, x.Data, y.Data)
}

func TestChannelRoundTrip(t *testing.T) {
	x, _ := FromData(seq(2*3*2), 2, 3, 2)
	c1 := x.Channel(1)
	assert.Equal(t, []float64{1, 3, 5, 7, 9, 11}, c1)

	y := New(2, 3, 2)
	require.NoError(t, y.SetChannel(1, c1))
	assert.Equal(t, 11.0, y.At(1, 2, 1))
	assert.Equal(t, 0.0, y.At(1, 2, 0))
}

func TestClipAndFinite(t *testing.T) {
	x, _ := FromData([]float64{-3, 0.5, 2}, 1, 3, 1)
	assert.Equal(t, []float64{-1, 0.5, 1}, x.Clip(1).Data)
	assert.True(t, x.IsFinite())

	x.Data[1] = math.NaN()
	assert.False(t, x.IsFinite())
}
