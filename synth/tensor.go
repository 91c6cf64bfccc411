package synth

import (
	"fmt"

	"github.com/cwbudde/algo-ctrldiff/tensor"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

// Curves splits batch element b of a (batch, length, 2) tensor into pitch
// and loudness. A non-nil pipe maps the tensor back to raw units first.
func Curves(t *tensor.Tensor, b int, pipe *transform.Pipeline) (pitch, loudness []float64, err error) {
	if t.Channels != 2 {
		return nil, nil, fmt.Errorf("%w: want 2 channels (pitch, loudness), got %v", ErrCurves, t.Shape())
	}
	if b < 0 || b >= t.Batch {
		return nil, nil, fmt.Errorf("%w: batch index %d out of range for %v", ErrCurves, b, t.Shape())
	}
	item := t.Item(b)
	if pipe != nil {
		if item, err = pipe.Inverse(item); err != nil {
			return nil, nil, err
		}
	}
	return item.Channel(0), item.Channel(1), nil
}

// RenderTensor inverse-transforms batch element b of a generated sample
// and renders it with v.
func RenderTensor(v Vocoder, t *tensor.Tensor, b int, pipe *transform.Pipeline) ([]float32, error) {
	pitch, loudness, err := Curves(t, b, pipe)
	if err != nil {
		return nil, err
	}
	return v.Render(pitch, loudness)
}
