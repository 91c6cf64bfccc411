// Package checkpoint persists training state and inference bundles.
//
// Checkpoints are CBOR documents encoded in core deterministic mode, so
// identical state always produces identical bytes. They hold everything
// needed to resume training: schedule parameters, network spec, live and
// EMA weights, optimizer moments and the fitted feature transform.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cwbudde/algo-ctrldiff/denoiser"
	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/ema"
	"github.com/cwbudde/algo-ctrldiff/optim"
	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

// Version is the checkpoint format version.
const Version = 1

const (
	kindCheckpoint = "checkpoint"
	kindBundle     = "bundle"
)

var (
	ErrKind    = errors.New("checkpoint: wrong file kind")
	ErrVersion = errors.New("checkpoint: unsupported version")
	ErrCorrupt = errors.New("checkpoint: corrupt file")
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Checkpoint is a resumable training snapshot.
type Checkpoint struct {
	Kind             string                  `cbor:"kind"`
	Version          int                     `cbor:"version"`
	RunID            string                  `cbor:"run_id"`
	Step             int                     `cbor:"step"`
	Schedule         schedule.Params         `cbor:"schedule"`
	Parameterization string                  `cbor:"parameterization"`
	Model            denoiser.Spec           `cbor:"model"`
	Live             ema.ParameterSet        `cbor:"live"`
	Shadow           ema.ParameterSet        `cbor:"shadow"`
	EMADecay         float64                 `cbor:"ema_decay"`
	EMAUpdates       int                     `cbor:"ema_updates"`
	Optimizer        optim.State             `cbor:"optimizer"`
	Transform        transform.PipelineState `cbor:"transform"`
	BestValLoss      float64                 `cbor:"best_val_loss"`
	CreatedUnix      int64                   `cbor:"created_unix"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Save writes ck to path atomically: the data goes to a temporary file in
// the same directory which is then renamed over path.
func Save(path string, ck *Checkpoint) error {
	ck.Kind = kindCheckpoint
	if ck.Version == 0 {
		ck.Version = Version
	}
	if ck.CreatedUnix == 0 {
		ck.CreatedUnix = time.Now().Unix()
	}
	data, err := encMode.Marshal(ck)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return writeAtomic(path, data)
}

// Load reads and validates a checkpoint.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ck Checkpoint
	if err := cbor.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if ck.Kind != kindCheckpoint {
		return nil, fmt.Errorf("%w: %q is a %q file", ErrKind, path, ck.Kind)
	}
	if ck.Version != Version {
		return nil, fmt.Errorf("%w: %d (want %d)", ErrVersion, ck.Version, Version)
	}
	if err := ck.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := ck.Model.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &ck, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Inference is everything needed to sample from a trained model.
type Inference struct {
	RunID            string
	Step             int
	Schedule         *schedule.Schedule
	Parameterization diffusion.Parameterization
	Network          *denoiser.Conv
	Pipeline         *transform.Pipeline
}

// Process builds a diffusion process around the inference network.
func (in *Inference) Process(opts ...diffusion.Option) (*diffusion.Process, error) {
	opts = append([]diffusion.Option{diffusion.WithParameterization(in.Parameterization)}, opts...)
	return diffusion.New(in.Schedule, in.Network, opts...)
}

func buildInference(runID string, step int, sp schedule.Params, param string, spec denoiser.Spec, weights ema.ParameterSet, ts transform.PipelineState) (*Inference, error) {
	s, err := schedule.New(sp)
	if err != nil {
		return nil, err
	}
	p, err := diffusion.ParseParameterization(param)
	if err != nil {
		return nil, err
	}
	net, err := denoiser.FromParams(spec, weights)
	if err != nil {
		return nil, err
	}
	pipe, err := transform.PipelineFromState(ts)
	if err != nil {
		return nil, err
	}
	return &Inference{RunID: runID, Step: step, Schedule: s, Parameterization: p, Network: net, Pipeline: pipe}, nil
}

// Inference rebuilds the model. The EMA shadow weights are used when
// present, otherwise the live weights.
func (ck *Checkpoint) Inference() (*Inference, error) {
	return buildInference(ck.RunID, ck.Step, ck.Schedule, ck.Parameterization, ck.Model, ck.Weights(), ck.Transform)
}

// Weights returns the shadow weights, or the live ones before the first
// EMA update.
func (ck *Checkpoint) Weights() ema.ParameterSet {
	if len(ck.Shadow) > 0 {
		return ck.Shadow
	}
	return ck.Live
}
