package synth

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/algo-ctrldiff/internal/wavio"
	"github.com/cwbudde/algo-ctrldiff/tensor"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

func constCurves(n int, hz, db float64) ([]float64, []float64) {
	p := make([]float64, n)
	l := make([]float64, n)
	for i := range p {
		p[i] = hz
		l[i] = db
	}
	return p, l
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.NoiseCutoff = 9000
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Harmonics = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.IRWet = 1.5
	assert.Error(t, bad.Validate())
	assert.Equal(t, 160.0, DefaultConfig().SamplesPerFrame())
}

func TestRenderLengthAndLevel(t *testing.T) {
	h, err := NewHarmonic(DefaultConfig())
	require.NoError(t, err)

	p, l := constCurves(100, 220, -20)
	out, err := h.Render(p, l)
	require.NoError(t, err)
	assert.Len(t, out, 16000)

	peak := wavio.Peak(out[4000:12000])
	assert.Greater(t, peak, 0.02)
	assert.Less(t, peak, 0.2)
	for _, v := range out {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestRenderLouderIsLouder(t *testing.T) {
	h, err := NewHarmonic(DefaultConfig())
	require.NoError(t, err)

	p, quiet := constCurves(50, 330, -40)
	_, loud := constCurves(50, 330, -10)
	a, err := h.Render(p, quiet)
	require.NoError(t, err)
	b, err := h.Render(p, loud)
	require.NoError(t, err)
	assert.Greater(t, wavio.RMS(b), 10*wavio.RMS(a))
}

func TestRenderUnvoicedIsNoiseOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoiseGain = 0
	h, err := NewHarmonic(cfg)
	require.NoError(t, err)

	p, l := constCurves(10, 0, -20)
	out, err := h.Render(p, l)
	require.NoError(t, err)
	assert.Len(t, out, 1600)
	assert.Zero(t, wavio.Peak(out))
}

func TestRenderIsDeterministic(t *testing.T) {
	h, err := NewHarmonic(DefaultConfig())
	require.NoError(t, err)
	p, l := constCurves(40, 440, -25)
	a, err := h.Render(p, l)
	require.NoError(t, err)
	b, err := h.Render(p, l)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRenderRejectsBadCurves(t *testing.T) {
	h, err := NewHarmonic(DefaultConfig())
	require.NoError(t, err)
	_, err = h.Render([]float64{220}, nil)
	assert.ErrorIs(t, err, ErrCurves)
	_, err = h.Render([]float64{math.NaN()}, []float64{-20})
	assert.ErrorIs(t, err, ErrCurves)

	out, err := h.Render(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHoldUnvoiced(t *testing.T) {
	got := holdUnvoiced([]float64{0, 0, 220, 0, 330, 0})
	assert.Equal(t, []float64{220, 220, 220, 220, 330, 330}, got)
}

func TestLinearUpsample(t *testing.T) {
	out := linearUpsample([]float64{0, 1}, 4)
	assert.InDeltaSlice(t, []float64{0, 0.25, 0.75, 1}, out, 1e-12)
	assert.Equal(t, []float64{3, 3}, linearUpsample([]float64{3}, 2))
}

func TestConvolverIdentityAndDelay(t *testing.T) {
	c, err := NewConvolver(16000)
	require.NoError(t, err)
	in := make([]float32, 300)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 7))
	}
	l, r := c.Process(in)
	for i := range in {
		require.InDelta(t, in[i], l[i], 1e-4)
		require.InDelta(t, in[i], r[i], 1e-4)
	}

	require.NoError(t, c.SetIR([]float32{0, 0, 1}, []float32{0.5}))
	l, r = c.Process(in)
	for i := 2; i < len(in); i++ {
		require.InDelta(t, in[i-2], l[i], 1e-4)
		require.InDelta(t, 0.5*in[i], r[i], 1e-4)
	}
	assert.Equal(t, 3, c.IRLen())
}

func TestRenderWithIRFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ir.wav")
	ir := make([]float32, 64)
	ir[0] = 0.5
	require.NoError(t, wavio.WriteMono(path, ir, 16000, wavio.WriteOptions{}))

	cfg := DefaultConfig()
	cfg.IRWavPath = path
	cfg.IRWet = 1
	cfg.NoiseGain = 0
	wet, err := NewHarmonic(cfg)
	require.NoError(t, err)
	cfg.IRWavPath = ""
	dry, err := NewHarmonic(cfg)
	require.NoError(t, err)

	p, l := constCurves(20, 220, -20)
	a, err := dry.Render(p, l)
	require.NoError(t, err)
	b, err := wet.Render(p, l)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*wavio.RMS(a), wavio.RMS(b), 0.01*wavio.RMS(a))
}

func TestRenderTensor(t *testing.T) {
	h, err := NewHarmonic(DefaultConfig())
	require.NoError(t, err)

	pipe, err := transform.FromKinds(2, []string{transform.KindMinMax}, 0)
	require.NoError(t, err)
	require.NoError(t, pipe.FitChannels([][]float64{{100, 400}, {-60, 0}}))

	raw := tensor.New(2, 10, 2)
	for l := 0; l < 10; l++ {
		raw.Set(1, l, 0, 250)
		raw.Set(1, l, 1, -30)
	}
	norm, err := pipe.Forward(raw)
	require.NoError(t, err)

	p, lo, err := Curves(norm, 1, pipe)
	require.NoError(t, err)
	assert.InDelta(t, 250, p[3], 1e-9)
	assert.InDelta(t, -30, lo[3], 1e-9)

	out, err := RenderTensor(h, norm, 1, pipe)
	require.NoError(t, err)
	assert.Len(t, out, 1600)

	_, err = RenderTensor(h, tensor.New(1, 4, 3), 0, nil)
	assert.ErrorIs(t, err, ErrCurves)
}
