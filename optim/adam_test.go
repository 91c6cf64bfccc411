package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/algo-ctrldiff/ema"
)

func TestAdamMinimisesQuadratic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LR = 0.05
	cfg.ClipNorm = 0
	cfg.DecaySteps = 2000
	a, err := NewAdam(cfg)
	require.NoError(t, err)

	params := ema.ParameterSet{"x": {5, -3}}
	for i := 0; i < 2000; i++ {
		g := ema.ParameterSet{"x": {2 * (params["x"][0] - 1), 2 * (params["x"][1] + 2)}}
		_, err := a.Step(params, g)
		require.NoError(t, err)
	}
	assert.InDelta(t, 1, params["x"][0], 1e-2)
	assert.InDelta(t, -2, params["x"][1], 1e-2)
	assert.Equal(t, 2000, a.Steps())
}

func TestFirstStepMovesByLR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClipNorm = 0
	a, err := NewAdam(cfg)
	require.NoError(t, err)
	params := ema.ParameterSet{"w": {0, 0}}
	_, err = a.Step(params, ema.ParameterSet{"w": {3, -0.5}})
	require.NoError(t, err)
	assert.InDelta(t, -cfg.LR, params["w"][0], 1e-9)
	assert.InDelta(t, cfg.LR, params["w"][1], 1e-9)
}

func TestClipNormReportsUnclippedNorm(t *testing.T) {
	a, err := NewAdam(DefaultConfig())
	require.NoError(t, err)
	params := ema.ParameterSet{"w": {0, 0}}
	norm, err := a.Step(params, ema.ParameterSet{"w": {3, 4}})
	require.NoError(t, err)
	assert.InDelta(t, 5, norm, 1e-12)
}

func TestStepRejectsMismatch(t *testing.T) {
	a, err := NewAdam(DefaultConfig())
	require.NoError(t, err)
	params := ema.ParameterSet{"w": {0, 0}}

	_, err = a.Step(params, ema.ParameterSet{"u": {1}})
	assert.True(t, errors.Is(err, ErrGradient))
	_, err = a.Step(params, ema.ParameterSet{"w": {1}})
	assert.True(t, errors.Is(err, ErrGradient))
	_, err = a.Step(params, ema.ParameterSet{"w": {math.NaN(), 0}})
	assert.True(t, errors.Is(err, ErrGradient))
	assert.Equal(t, 0, a.Steps())
}

func TestLRSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LR = 1
	cfg.MinLR = 0.1
	cfg.WarmupSteps = 10
	cfg.DecaySteps = 100
	a, err := NewAdam(cfg)
	require.NoError(t, err)

	assert.InDelta(t, 0.1, a.LRAt(1), 1e-12)
	assert.InDelta(t, 1, a.LRAt(10), 1e-12)
	assert.InDelta(t, 0.55, a.LRAt(60), 1e-12)
	assert.InDelta(t, 0.1, a.LRAt(200), 1e-12)
}

func TestStateRestore(t *testing.T) {
	cfg := DefaultConfig()
	a, err := NewAdam(cfg)
	require.NoError(t, err)
	p1 := ema.ParameterSet{"w": {1, 2}}
	g := ema.ParameterSet{"w": {0.1, -0.2}}
	for i := 0; i < 3; i++ {
		_, err := a.Step(p1, g)
		require.NoError(t, err)
	}

	b, err := NewAdam(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Restore(a.State()))
	p2 := p1.Clone()

	_, err = a.Step(p1, g)
	require.NoError(t, err)
	_, err = b.Step(p2, g)
	require.NoError(t, err)
	assert.Equal(t, p1["w"], p2["w"])
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.LR = 0
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.Beta2 = 1
	assert.Error(t, bad.Validate())
}
