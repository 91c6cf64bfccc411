// Package tensor holds the (batch, length, channels) curves the diffusion
// engine works on. Data is stored row-major with channels fastest, so a
// frame of all channels is contiguous.
//
// Arithmetic helpers never mutate their receivers: every operation returns
// a fresh tensor so that one diffusion step can never alias the previous
// one.
package tensor

import (
	"errors"
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"
)

// ErrShape is returned when tensor dimensions do not line up.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense (batch, length, channels) float64 array.
type Tensor struct {
	Data     []float64
	Batch    int
	Length   int
	Channels int
}

// Shape is the (batch, length, channels) triple of a tensor.
type Shape struct {
	Batch    int
	Length   int
	Channels int
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Batch, s.Length, s.Channels)
}

// Numel is the number of elements a tensor of this shape holds.
func (s Shape) Numel() int {
	return s.Batch * s.Length * s.Channels
}

// New allocates a zero tensor.
func New(batch, length, channels int) *Tensor {
	if batch < 0 || length < 0 || channels < 0 {
		panic(fmt.Sprintf("tensor: negative dimension (%d, %d, %d)", batch, length, channels))
	}
	return &Tensor{
		Data:     make([]float64, batch*length*channels),
		Batch:    batch,
		Length:   length,
		Channels: channels,
	}
}

// FromData wraps data without copying.
func FromData(data []float64, batch, length, channels int) (*Tensor, error) {
	if batch < 0 || length < 0 || channels < 0 {
		return nil, fmt.Errorf("%w: negative dimension (%d, %d, %d)", ErrShape, batch, length, channels)
	}
	if len(data) != batch*length*channels {
		return nil, fmt.Errorf("%w: %d values for shape (%d, %d, %d)", ErrShape, len(data), batch, length, channels)
	}
	return &Tensor{Data: data, Batch: batch, Length: length, Channels: channels}, nil
}

// ZerosLike allocates a zero tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Batch, t.Length, t.Channels)
}

func (t *Tensor) Shape() Shape {
	return Shape{Batch: t.Batch, Length: t.Length, Channels: t.Channels}
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	if t == nil || o == nil {
		return false
	}
	return t.Batch == o.Batch && t.Length == o.Length && t.Channels == o.Channels
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	d := make([]float64, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Batch: t.Batch, Length: t.Length, Channels: t.Channels}
}

// Index returns the flat offset of (b, l, c).
func (t *Tensor) Index(b, l, c int) int {
	return (b*t.Length+l)*t.Channels + c
}

func (t *Tensor) At(b, l, c int) float64 {
	return t.Data[t.Index(b, l, c)]
}

func (t *Tensor) Set(b, l, c int, v float64) {
	t.Data[t.Index(b, l, c)] = v
}

// Item copies batch element b into a new tensor of batch size 1.
func (t *Tensor) Item(b int) *Tensor {
	if b < 0 || b >= t.Batch {
		panic(fmt.Sprintf("tensor: batch index %d out of range [0,%d)", b, t.Batch))
	}
	n := t.Length * t.Channels
	out := New(1, t.Length, t.Channels)
	copy(out.Data, t.Data[b*n:(b+1)*n])
	return out
}

// SetItem copies src (batch size 1) into batch element b.
func (t *Tensor) SetItem(b int, src *Tensor) error {
	if src.Batch != 1 || src.Length != t.Length || src.Channels != t.Channels {
		return fmt.Errorf("%w: item %v into %v", ErrShape, src.Shape(), t.Shape())
	}
	if b < 0 || b >= t.Batch {
		return fmt.Errorf("%w: batch index %d out of range", ErrShape, b)
	}
	n := t.Length * t.Channels
	copy(t.Data[b*n:(b+1)*n], src.Data)
	return nil
}

// Stack concatenates tensors along the batch axis.
func Stack(items ...*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	first := items[0]
	batch := 0
	for _, it := range items {
		if it.Length != first.Length || it.Channels != first.Channels {
			return nil, fmt.Errorf("%w: stack %v with %v", ErrShape, first.Shape(), it.Shape())
		}
		batch += it.Batch
	}
	out := New(batch, first.Length, first.Channels)
	off := 0
	for _, it := range items {
		copy(out.Data[off:], it.Data)
		off += len(it.Data)
	}
	return out, nil
}

// Channel extracts channel c of every batch element as (batch*length) values.
func (t *Tensor) Channel(c int) []float64 {
	out := make([]float64, t.Batch*t.Length)
	for i := range out {
		out[i] = t.Data[i*t.Channels+c]
	}
	return out
}

// SetChannel writes values produced by Channel back into channel c.
func (t *Tensor) SetChannel(c int, values []float64) error {
	if len(values) != t.Batch*t.Length {
		return fmt.Errorf("%w: %d values for channel of %v", ErrShape, len(values), t.Shape())
	}
	for i, v := range values {
		t.Data[i*t.Channels+c] = v
	}
	return nil
}

// Concat joins a and b along the channel axis.
func Concat(a, b *Tensor) (*Tensor, error) {
	if a.Batch != b.Batch || a.Length != b.Length {
		return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, a.Shape(), b.Shape())
	}
	out := New(a.Batch, a.Length, a.Channels+b.Channels)
	frames := a.Batch * a.Length
	for f := 0; f < frames; f++ {
		dst := out.Data[f*out.Channels:]
		copy(dst[:a.Channels], a.Data[f*a.Channels:(f+1)*a.Channels])
		copy(dst[a.Channels:out.Channels], b.Data[f*b.Channels:(f+1)*b.Channels])
	}
	return out, nil
}

// Split separates the first n channels from the rest.
func (t *Tensor) Split(n int) (*Tensor, *Tensor, error) {
	if n < 0 || n > t.Channels {
		return nil, nil, fmt.Errorf("%w: split %d of %d channels", ErrShape, n, t.Channels)
	}
	a := New(t.Batch, t.Length, n)
	b := New(t.Batch, t.Length, t.Channels-n)
	frames := t.Batch * t.Length
	for f := 0; f < frames; f++ {
		src := t.Data[f*t.Channels : (f+1)*t.Channels]
		copy(a.Data[f*a.Channels:(f+1)*a.Channels], src[:n])
		copy(b.Data[f*b.Channels:(f+1)*b.Channels], src[n:])
	}
	return a, b, nil
}

// Scale returns s*t.
func (t *Tensor) Scale(s float64) *Tensor {
	out := ZerosLike(t)
	if len(t.Data) > 0 {
		vecmath.ScaleBlock(out.Data, t.Data, s)
	}
	return out
}

// Add returns t+o.
func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	if !t.SameShape(o) {
		return nil, fmt.Errorf("%w: add %v and %v", ErrShape, t.Shape(), o.Shape())
	}
	out := ZerosLike(t)
	if len(t.Data) > 0 {
		vecmath.AddBlock(out.Data, t.Data, o.Data)
	}
	return out, nil
}

// Sub returns t-o.
func (t *Tensor) Sub(o *Tensor) (*Tensor, error) {
	return Combine(1, t, -1, o)
}

// Mul returns the element-wise product t*o.
func (t *Tensor) Mul(o *Tensor) (*Tensor, error) {
	if !t.SameShape(o) {
		return nil, fmt.Errorf("%w: mul %v and %v", ErrShape, t.Shape(), o.Shape())
	}
	out := ZerosLike(t)
	if len(t.Data) > 0 {
		vecmath.MulBlock(out.Data, t.Data, o.Data)
	}
	return out, nil
}

// Combine returns ca*a + cb*b.
func Combine(ca float64, a *Tensor, cb float64, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: combine %v and %v", ErrShape, a.Shape(), b.Shape())
	}
	out := ZerosLike(a)
	if len(a.Data) == 0 {
		return out, nil
	}
	tmp := make([]float64, len(b.Data))
	vecmath.ScaleBlock(out.Data, a.Data, ca)
	vecmath.ScaleBlock(tmp, b.Data, cb)
	vecmath.AddBlockInPlace(out.Data, tmp)
	return out, nil
}

// Clip returns t with every value limited to [-bound, bound].
func (t *Tensor) Clip(bound float64) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		if v > bound {
			out.Data[i] = bound
		} else if v < -bound {
			out.Data[i] = -bound
		}
	}
	return out
}

// MSE is the mean squared difference between a and b.
func MSE(a, b *Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, fmt.Errorf("%w: mse %v and %v", ErrShape, a.Shape(), b.Shape())
	}
	if len(a.Data) == 0 {
		return 0, nil
	}
	diff := make([]float64, len(a.Data))
	tmp := make([]float64, len(b.Data))
	vecmath.ScaleBlock(tmp, b.Data, -1)
	vecmath.AddBlock(diff, a.Data, tmp)
	return vecmath.DotProduct(diff, diff) / float64(len(diff)), nil
}

// Mean is the average of all values.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return vecmath.Sum(t.Data) / float64(len(t.Data))
}

func (t *Tensor) MaxAbs() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return vecmath.MaxAbs(t.Data)
}

// IsFinite reports whether no value is NaN or Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
