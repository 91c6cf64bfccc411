// Package train runs the diffusion training loop: batches of normalized
// curve windows go through the training loss, the analytic network
// gradient, an Adam step and one EMA update per step.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/cwbudde/algo-ctrldiff/checkpoint"
	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/denoiser"
	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/ema"
	"github.com/cwbudde/algo-ctrldiff/internal/logutil"
	"github.com/cwbudde/algo-ctrldiff/optim"
	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/tensor"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

// Checkpoint file names inside Config.OutDir.
const (
	LastCheckpoint = "last.ckpt"
	BestCheckpoint = "best.ckpt"
)

var ErrNoData = errors.New("train: no training windows")

// Result summarizes a Run.
type Result struct {
	RunID       string
	Steps       int
	LastLoss    float64
	BestValLoss float64
	Interrupted bool
	Elapsed     time.Duration
}

// Trainer owns the live network, optimizer, EMA tracker and transform of
// one run. It is not safe for concurrent use.
type Trainer struct {
	cfg    Config
	log    *slog.Logger
	sched  *schedule.Schedule
	param  diffusion.Parameterization
	net    *denoiser.Conv
	proc   *diffusion.Process
	adam   *optim.Adam
	ema    *ema.Tracker
	pipe   *transform.Pipeline
	batchR *rand.Rand

	runID string
	step  int
	best  float64
}

// New starts a fresh run. pipe may be unfitted; Run fits it on the
// training windows.
func New(cfg Config, sp schedule.Params, spec denoiser.Spec, oc optim.Config, pipe *transform.Pipeline, logger *slog.Logger) (*Trainer, error) {
	net, err := denoiser.New(spec)
	if err != nil {
		return nil, err
	}
	tr, err := ema.New(cfg.EMADecay)
	if err != nil {
		return nil, err
	}
	t, err := build(cfg, sp, net, oc, tr, pipe, logger)
	if err != nil {
		return nil, err
	}
	t.runID = checkpoint.NewRunID()
	t.best = math.Inf(1)
	return t, nil
}

// Resume continues the run stored in ck. The schedule and model come from
// the checkpoint; cfg and oc may change intervals, step budget and
// learning rate.
func Resume(cfg Config, ck *checkpoint.Checkpoint, oc optim.Config, logger *slog.Logger) (*Trainer, error) {
	net, err := denoiser.FromParams(ck.Model, ck.Live)
	if err != nil {
		return nil, err
	}
	decay := ck.EMADecay
	if decay == 0 {
		decay = cfg.EMADecay
	}
	tr, err := ema.New(decay)
	if err != nil {
		return nil, err
	}
	if len(ck.Shadow) > 0 {
		if err := tr.Restore(ck.Shadow, ck.EMAUpdates); err != nil {
			return nil, err
		}
	}
	pipe, err := transform.PipelineFromState(ck.Transform)
	if err != nil {
		return nil, err
	}
	cfg.Parameterization = ck.Parameterization
	cfg.EMADecay = decay
	t, err := build(cfg, ck.Schedule, net, oc, tr, pipe, logger)
	if err != nil {
		return nil, err
	}
	if err := t.adam.Restore(ck.Optimizer); err != nil {
		return nil, err
	}
	t.runID = ck.RunID
	t.step = ck.Step
	t.best = ck.BestValLoss
	if t.best == 0 {
		t.best = math.Inf(1)
	}
	if err := t.reseed(); err != nil {
		return nil, err
	}
	return t, nil
}

func build(cfg Config, sp schedule.Params, net *denoiser.Conv, oc optim.Config, tr *ema.Tracker, pipe *transform.Pipeline, logger *slog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pipe == nil {
		return nil, fmt.Errorf("train: nil transform pipeline")
	}
	if pipe.Channels() != net.Spec().SampleChannels {
		return nil, fmt.Errorf("train: transform has %d channels, model samples %d", pipe.Channels(), net.Spec().SampleChannels)
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := schedule.New(sp)
	if err != nil {
		return nil, err
	}
	param, err := diffusion.ParseParameterization(cfg.Parameterization)
	if err != nil {
		return nil, err
	}
	adam, err := optim.NewAdam(oc)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:   cfg,
		log:   logger,
		sched: sched,
		param: param,
		net:   net,
		adam:  adam,
		ema:   tr,
		pipe:  pipe,
	}
	if err := t.reseed(); err != nil {
		return nil, err
	}
	return t, nil
}

// reseed derives the noise and batch streams from the seed and the current
// step so a resumed run does not replay the draws of its first steps.
func (t *Trainer) reseed() error {
	seed := t.cfg.Seed + uint64(t.step)*0x9e3779b97f4a7c15
	proc, err := diffusion.New(t.sched, t.net,
		diffusion.WithParameterization(t.param),
		diffusion.WithNoiseSource(diffusion.NewSeededSource(seed)))
	if err != nil {
		return err
	}
	t.proc = proc
	t.batchR = rand.New(rand.NewPCG(seed, 0xba7c4))
	return nil
}

func (t *Trainer) RunID() string                 { return t.runID }
func (t *Trainer) Step() int                     { return t.step }
func (t *Trainer) Network() *denoiser.Conv       { return t.net }
func (t *Trainer) EMA() *ema.Tracker             { return t.ema }
func (t *Trainer) Pipeline() *transform.Pipeline { return t.pipe }
func (t *Trainer) Schedule() *schedule.Schedule  { return t.sched }

// TrainStep runs one optimization step on a normalized batch and returns
// the loss before the update and the pre-clip gradient norm.
func (t *Trainer) TrainStep(target, cond *tensor.Tensor) (loss, gradNorm float64, err error) {
	l, err := t.proc.TrainingLoss(target, cond)
	if err != nil {
		return 0, 0, err
	}
	// d(mean squared error)/d(prediction) = 2(p - y)/N
	diff, err := l.Prediction.Sub(l.Target)
	if err != nil {
		return 0, 0, err
	}
	gradOut := diff.Scale(2 / float64(len(diff.Data)))
	grads, err := t.net.Backward(l.Noisy, cond, l.Steps, gradOut)
	if err != nil {
		return 0, 0, err
	}
	norm, err := t.adam.Step(t.net.Params(), grads)
	if err != nil {
		return 0, 0, err
	}
	if err := t.ema.Update(t.net.Params()); err != nil {
		return 0, 0, err
	}
	t.step++
	logutil.Trace(t.log, "train step", "step", t.step, "loss", l.Value, "grad_norm", norm)
	return l.Value, norm, nil
}

// Run trains until Config.MaxSteps or until ctx is cancelled. A final
// checkpoint is written either way.
func (t *Trainer) Run(ctx context.Context, trainW, valW []dataset.Window) (Result, error) {
	start := time.Now()
	if len(trainW) == 0 {
		return Result{}, ErrNoData
	}
	if !t.pipe.Fitted() {
		if err := t.pipe.FitChannels(dataset.FitValues(trainW)); err != nil {
			return Result{}, fmt.Errorf("train: fit transform: %w", err)
		}
	}
	t.log.Info("training", "run", t.runID, "step", t.step, "max_steps", t.cfg.MaxSteps,
		"windows", len(trainW), "val_windows", len(valW), "params", t.net.NumParams(),
		"diffusion_steps", t.sched.Len(), "parameterization", t.param)

	res := Result{RunID: t.runID, BestValLoss: t.best}
	var sum float64
	var n int
	batch := make([]dataset.Window, t.cfg.BatchSize)
	for t.step < t.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			t.log.Warn("training interrupted", "step", t.step, "err", err)
			res.Interrupted = true
			break
		}
		for i := range batch {
			batch[i] = trainW[t.batchR.IntN(len(trainW))]
		}
		target, cond, err := dataset.Batch(batch, t.pipe)
		if err != nil {
			return res, err
		}
		loss, norm, err := t.TrainStep(target, cond)
		if err != nil {
			return res, fmt.Errorf("train: step %d: %w", t.step, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return res, fmt.Errorf("train: step %d: non-finite loss %g", t.step, loss)
		}
		res.LastLoss = loss
		sum += loss
		n++

		if every(t.step, t.cfg.LogEvery) {
			t.log.Info("train", "step", t.step, "loss", sum/float64(n), "grad_norm", norm, "lr", t.adam.LRAt(t.step))
			sum, n = 0, 0
		}
		if len(valW) > 0 && every(t.step, t.cfg.ValidateEvery) {
			if err := t.validate(valW); err != nil {
				return res, err
			}
		}
		if every(t.step, t.cfg.CheckpointEvery) {
			if err := t.save(LastCheckpoint); err != nil {
				return res, err
			}
		}
	}

	if len(valW) > 0 && !every(t.step, t.cfg.ValidateEvery) && !res.Interrupted {
		if err := t.validate(valW); err != nil {
			return res, err
		}
	}
	if err := t.save(LastCheckpoint); err != nil {
		return res, err
	}
	res.Steps = t.step
	res.BestValLoss = t.best
	res.Elapsed = time.Since(start)
	t.log.Info("training done", "run", t.runID, "steps", res.Steps, "last_loss", res.LastLoss,
		"best_val_loss", res.BestValLoss, "elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func every(step, n int) bool { return n > 0 && step%n == 0 }

func (t *Trainer) validate(valW []dataset.Window) error {
	loss, err := t.ValidationLoss(valW)
	if err != nil {
		return fmt.Errorf("train: validation at step %d: %w", t.step, err)
	}
	improved := loss < t.best
	t.log.Info("validation", "step", t.step, "val_loss", loss, "best", math.Min(loss, t.best), "improved", improved)
	if improved {
		t.best = loss
		return t.save(BestCheckpoint)
	}
	return nil
}

// ValidationLoss is the mean training loss of the EMA weights over valW,
// drawn from a fixed seed so successive validations are comparable.
func (t *Trainer) ValidationLoss(valW []dataset.Window) (float64, error) {
	weights := t.ema.ExportShadow()
	if len(weights) == 0 {
		weights = t.net.ExportParams()
	}
	net, err := denoiser.FromParams(t.net.Spec(), weights)
	if err != nil {
		return 0, err
	}
	proc, err := diffusion.New(t.sched, net,
		diffusion.WithParameterization(t.param),
		diffusion.WithNoiseSource(diffusion.NewSeededSource(t.cfg.ValSeed)))
	if err != nil {
		return 0, err
	}

	var total float64
	var count int
	for lo := 0; lo < len(valW); lo += t.cfg.BatchSize {
		hi := min(lo+t.cfg.BatchSize, len(valW))
		target, cond, err := dataset.Batch(valW[lo:hi], t.pipe)
		if err != nil {
			return 0, err
		}
		l, err := proc.TrainingLoss(target, cond)
		if err != nil {
			return 0, err
		}
		total += l.Value * float64(hi-lo)
		count += hi - lo
	}
	return total / float64(count), nil
}

// Checkpoint snapshots the run.
func (t *Trainer) Checkpoint() *checkpoint.Checkpoint {
	best := t.best
	if math.IsInf(best, 1) {
		best = 0
	}
	return &checkpoint.Checkpoint{
		RunID:            t.runID,
		Step:             t.step,
		Schedule:         t.sched.Params(),
		Parameterization: t.param.String(),
		Model:            t.net.Spec(),
		Live:             t.net.ExportParams(),
		Shadow:           t.ema.ExportShadow(),
		EMADecay:         t.ema.Decay(),
		EMAUpdates:       t.ema.Updates(),
		Optimizer:        t.adam.State(),
		Transform:        t.pipe.State(),
		BestValLoss:      best,
	}
}

func (t *Trainer) save(name string) error {
	path := filepath.Join(t.cfg.OutDir, name)
	if err := checkpoint.Save(path, t.Checkpoint()); err != nil {
		return fmt.Errorf("train: save %s: %w", path, err)
	}
	t.log.Debug("checkpoint saved", "path", path, "step", t.step)
	return nil
}
