package train

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/algo-ctrldiff/checkpoint"
	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/denoiser"
	"github.com/cwbudde/algo-ctrldiff/internal/logutil"
	"github.com/cwbudde/algo-ctrldiff/optim"
	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

func testWindows(t *testing.T) (train, val []dataset.Window) {
	t.Helper()
	items := make([]dataset.Item, 3)
	for k := range items {
		n := 120
		it := dataset.Item{Pitch: make([]float64, n), Loudness: make([]float64, n)}
		for i := 0; i < n; i++ {
			it.Pitch[i] = 220 * float64(k+1) * (1 + 0.01*math.Sin(float64(i)/4))
			it.Loudness[i] = -30 + 6*math.Sin(float64(i)/11+float64(k))
		}
		require.NoError(t, it.Prepare())
		items[k] = it
	}
	w, err := dataset.Windows(items, 16, 8)
	require.NoError(t, err)
	train, val, err = dataset.Split(w, 0.2, 3)
	require.NoError(t, err)
	return train, val
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.WindowLength = 16
	cfg.WindowHop = 8
	cfg.MaxSteps = 12
	cfg.LogEvery = 5
	cfg.ValidateEvery = 6
	cfg.CheckpointEvery = 6
	cfg.EMADecay = 0.9
	cfg.OutDir = t.TempDir()
	return cfg
}

func newTrainer(t *testing.T, cfg Config, logger *slog.Logger) *Trainer {
	t.Helper()
	pipe, err := transform.FromKinds(2, []string{transform.KindMinMax, transform.KindQuantile}, 10)
	require.NoError(t, err)
	spec := denoiser.Spec{SampleChannels: 2, CondChannels: 2, Hidden: 6, Kernel: 3, Embed: 4, Seed: 5}
	oc := optim.DefaultConfig()
	oc.LR = 1e-3
	tr, err := New(cfg, schedule.Params{Steps: 20, BetaMin: 1e-4, BetaMax: 0.05}, spec, oc, pipe, logger)
	require.NoError(t, err)
	return tr
}

func TestRunTrainsAndCheckpoints(t *testing.T) {
	trainW, valW := testWindows(t)
	cfg := testConfig(t)
	var logs bytes.Buffer
	tr := newTrainer(t, cfg, logutil.NewLogger(&logs, slog.LevelDebug))

	res, err := tr.Run(context.Background(), trainW, valW)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Steps)
	assert.False(t, res.Interrupted)
	assert.Greater(t, res.LastLoss, 0.0)
	assert.Greater(t, res.BestValLoss, 0.0)
	assert.Equal(t, 12, tr.EMA().Updates())
	assert.Contains(t, logs.String(), "msg=validation")
	assert.Contains(t, logs.String(), "msg=\"checkpoint saved\"")

	ck, err := checkpoint.Load(filepath.Join(cfg.OutDir, LastCheckpoint))
	require.NoError(t, err)
	assert.Equal(t, 12, ck.Step)
	assert.Equal(t, tr.RunID(), ck.RunID)
	assert.Equal(t, 12, ck.Optimizer.Step)
	assert.NotEqual(t, ck.Live, ck.Shadow)

	_, err = os.Stat(filepath.Join(cfg.OutDir, BestCheckpoint))
	assert.NoError(t, err)

	inf, err := ck.Inference()
	require.NoError(t, err)
	assert.True(t, tr.Schedule().Equal(inf.Schedule))
}

func TestResumeContinuesStepCount(t *testing.T) {
	trainW, valW := testWindows(t)
	cfg := testConfig(t)
	tr := newTrainer(t, cfg, nil)
	_, err := tr.Run(context.Background(), trainW, valW)
	require.NoError(t, err)

	ck, err := checkpoint.Load(filepath.Join(cfg.OutDir, LastCheckpoint))
	require.NoError(t, err)
	cfg.MaxSteps = 15
	oc := optim.DefaultConfig()
	oc.LR = 1e-3
	resumed, err := Resume(cfg, ck, oc, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, resumed.Step())
	assert.Equal(t, ck.Shadow, resumed.EMA().ExportShadow())

	res, err := resumed.Run(context.Background(), trainW, valW)
	require.NoError(t, err)
	assert.Equal(t, 15, res.Steps)
	assert.Equal(t, 15, resumed.EMA().Updates())
	assert.Equal(t, ck.RunID, res.RunID)
}

func TestRunHonoursCancellation(t *testing.T) {
	trainW, valW := testWindows(t)
	cfg := testConfig(t)
	tr := newTrainer(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := tr.Run(ctx, trainW, valW)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 0, res.Steps)

	_, err = os.Stat(filepath.Join(cfg.OutDir, LastCheckpoint))
	assert.NoError(t, err)
}

func TestTrainStepUpdatesWeightsAndEMA(t *testing.T) {
	trainW, _ := testWindows(t)
	var logs bytes.Buffer
	tr := newTrainer(t, testConfig(t), logutil.NewLogger(&logs, logutil.LevelTrace))
	require.NoError(t, tr.Pipeline().FitChannels(dataset.FitValues(trainW)))

	before := tr.Network().ExportParams()
	target, cond, err := dataset.Batch(trainW[:4], tr.Pipeline())
	require.NoError(t, err)
	loss, norm, err := tr.TrainStep(target, cond)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.Greater(t, norm, 0.0)
	assert.NotEqual(t, before, tr.Network().ExportParams())
	assert.Equal(t, tr.Network().ExportParams(), tr.EMA().ExportShadow())
	assert.Equal(t, 1, tr.Step())
	assert.Contains(t, logs.String(), "level=TRACE")
	assert.Contains(t, logs.String(), `msg="train step" step=1`)
}

func TestValidationLossIsReproducible(t *testing.T) {
	trainW, valW := testWindows(t)
	tr := newTrainer(t, testConfig(t), nil)
	require.NoError(t, tr.Pipeline().FitChannels(dataset.FitValues(trainW)))

	a, err := tr.ValidationLoss(valW)
	require.NoError(t, err)
	b, err := tr.ValidationLoss(valW)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunRejectsEmptyData(t *testing.T) {
	tr := newTrainer(t, testConfig(t), nil)
	_, err := tr.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.EMADecay = 1
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.Parameterization = "velocity"
	assert.Error(t, bad.Validate())
}
