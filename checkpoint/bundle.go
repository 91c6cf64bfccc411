package checkpoint

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/cwbudde/algo-ctrldiff/denoiser"
	"github.com/cwbudde/algo-ctrldiff/ema"
	"github.com/cwbudde/algo-ctrldiff/schedule"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

// Bundle is a compact inference export: the EMA weights stored as IEEE
// half precision plus the metadata needed to rebuild the model.
type Bundle struct {
	Kind             string                  `cbor:"kind"`
	Version          int                     `cbor:"version"`
	RunID            string                  `cbor:"run_id"`
	Step             int                     `cbor:"step"`
	Schedule         schedule.Params         `cbor:"schedule"`
	Parameterization string                  `cbor:"parameterization"`
	Model            denoiser.Spec           `cbor:"model"`
	Transform        transform.PipelineState `cbor:"transform"`
	Weights          map[string][]uint16     `cbor:"weights"`
}

// ExportBundle converts the checkpoint's inference weights to fp16.
func ExportBundle(ck *Checkpoint) *Bundle {
	weights := ck.Weights()
	b := &Bundle{
		Kind:             kindBundle,
		Version:          Version,
		RunID:            ck.RunID,
		Step:             ck.Step,
		Schedule:         ck.Schedule,
		Parameterization: ck.Parameterization,
		Model:            ck.Model,
		Transform:        ck.Transform,
		Weights:          make(map[string][]uint16, len(weights)),
	}
	for name, v := range weights {
		bits := make([]uint16, len(v))
		for i, f := range v {
			bits[i] = float16.Fromfloat32(float32(f)).Bits()
		}
		b.Weights[name] = bits
	}
	return b
}

// Params expands the fp16 weights.
func (b *Bundle) Params() ema.ParameterSet {
	out := make(ema.ParameterSet, len(b.Weights))
	for name, bits := range b.Weights {
		v := make([]float64, len(bits))
		for i, u := range bits {
			v[i] = float64(float16.Frombits(u).Float32())
		}
		out[name] = v
	}
	return out
}

// Inference rebuilds the model from the bundle.
func (b *Bundle) Inference() (*Inference, error) {
	return buildInference(b.RunID, b.Step, b.Schedule, b.Parameterization, b.Model, b.Params(), b.Transform)
}

// SaveBundle writes b atomically.
func SaveBundle(path string, b *Bundle) error {
	data, err := encMode.Marshal(b)
	if err != nil {
		return fmt.Errorf("checkpoint: encode bundle: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadBundle reads and validates a bundle.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if b.Kind != kindBundle {
		return nil, fmt.Errorf("%w: %q is a %q file", ErrKind, path, b.Kind)
	}
	if b.Version != Version {
		return nil, fmt.Errorf("%w: %d (want %d)", ErrVersion, b.Version, Version)
	}
	if err := b.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &b, nil
}

// LoadInference opens either a checkpoint or a bundle.
func LoadInference(path string) (*Inference, error) {
	ck, err := Load(path)
	if err == nil {
		return ck.Inference()
	}
	if !errors.Is(err, ErrKind) {
		return nil, err
	}
	b, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	return b.Inference()
}
