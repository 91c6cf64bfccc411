// Package dataset loads pitch/loudness curve recordings, cuts them into
// fixed-length training windows and assembles normalized batches.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/cwbudde/algo-ctrldiff/tensor"
	"github.com/cwbudde/algo-ctrldiff/transform"
)

// Channel order of every curve tensor.
const (
	ChannelPitch    = 0
	ChannelLoudness = 1
	Channels        = 2
)

// DefaultFrameRate is the control rate of the reference recordings (frames
// per second).
const DefaultFrameRate = 100.0

var ErrInvalidItem = errors.New("dataset: invalid item")

// Item is one recording. Pitch is in Hz and loudness in dB. The
// conditioning curves are derived from Notes, or from the target pitch
// quantized to semitones, when absent.
type Item struct {
	Name         string    `json:"name"`
	FrameRate    float64   `json:"frame_rate,omitempty"`
	Pitch        []float64 `json:"pitch"`
	Loudness     []float64 `json:"loudness"`
	CondPitch    []float64 `json:"cond_pitch,omitempty"`
	CondLoudness []float64 `json:"cond_loudness,omitempty"`
	Notes        []Note    `json:"notes,omitempty"`
}

// Len is the number of frames.
func (it *Item) Len() int { return len(it.Pitch) }

// Prepare validates the item and fills in missing conditioning.
func (it *Item) Prepare() error {
	if it.FrameRate == 0 {
		it.FrameRate = DefaultFrameRate
	}
	if it.FrameRate < 0 {
		return fmt.Errorf("%w: %q: negative frame_rate", ErrInvalidItem, it.Name)
	}
	n := len(it.Pitch)
	if n == 0 {
		if len(it.Notes) == 0 {
			return fmt.Errorf("%w: %q: no frames", ErrInvalidItem, it.Name)
		}
		n = FramesForNotes(it.Notes, it.FrameRate)
	}
	if len(it.Pitch) > 0 && len(it.Loudness) != n {
		return fmt.Errorf("%w: %q: %d pitch frames, %d loudness frames", ErrInvalidItem, it.Name, n, len(it.Loudness))
	}
	switch {
	case len(it.CondPitch) > 0 || len(it.CondLoudness) > 0:
		if len(it.CondPitch) != n || len(it.CondLoudness) != n {
			return fmt.Errorf("%w: %q: conditioning length %d/%d, want %d", ErrInvalidItem, it.Name, len(it.CondPitch), len(it.CondLoudness), n)
		}
	case len(it.Notes) > 0:
		it.CondPitch, it.CondLoudness = ConditionFromNotes(it.Notes, it.FrameRate, n)
	default:
		it.CondPitch, it.CondLoudness = QuantizeCondition(it.Pitch, it.Loudness)
	}
	return nil
}

// HasTarget reports whether the item carries target curves, as opposed to
// conditioning only.
func (it *Item) HasTarget() bool { return len(it.Pitch) > 0 }

// LoadJSON reads items from a JSON array or from JSON lines.
func LoadJSON(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	items, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	return items, nil
}

// Decode reads items from r, accepting an array or a stream of objects.
func Decode(r io.Reader) ([]Item, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, err
	}

	var items []Item
	dec := json.NewDecoder(br)
	if first == '[' {
		if err := dec.Decode(&items); err != nil {
			return nil, err
		}
	} else {
		for {
			var it Item
			err := dec.Decode(&it)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}
	for i := range items {
		if items[i].Name == "" {
			items[i].Name = fmt.Sprintf("item%04d", i)
		}
		if err := items[i].Prepare(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: empty input", ErrInvalidItem)
			}
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// SaveJSON writes items as an indented JSON array.
func SaveJSON(path string, items []Item) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Window is a fixed-length excerpt of an item.
type Window struct {
	Item         string
	Offset       int
	Pitch        []float64
	Loudness     []float64
	CondPitch    []float64
	CondLoudness []float64
}

// Windows cuts every item into windows of length frames, advancing by hop.
// Items shorter than length are skipped.
func Windows(items []Item, length, hop int) ([]Window, error) {
	if length <= 0 || hop <= 0 {
		return nil, fmt.Errorf("dataset: window length and hop must be > 0, got %d/%d", length, hop)
	}
	var out []Window
	for _, it := range items {
		if !it.HasTarget() {
			continue
		}
		for off := 0; off+length <= it.Len(); off += hop {
			out = append(out, Window{
				Item:         it.Name,
				Offset:       off,
				Pitch:        it.Pitch[off : off+length],
				Loudness:     it.Loudness[off : off+length],
				CondPitch:    it.CondPitch[off : off+length],
				CondLoudness: it.CondLoudness[off : off+length],
			})
		}
	}
	return out, nil
}

// Split shuffles windows with seed and holds out valFraction of them for
// validation, at least one when valFraction > 0 and two or more windows
// exist.
func Split(windows []Window, valFraction float64, seed uint64) (train, val []Window, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("dataset: validation fraction must be in [0,1), got %g", valFraction)
	}
	idx := make([]int, len(windows))
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nVal := int(float64(len(windows)) * valFraction)
	if nVal == 0 && valFraction > 0 && len(windows) >= 2 {
		nVal = 1
	}
	for k, i := range idx {
		if k < nVal {
			val = append(val, windows[i])
		} else {
			train = append(train, windows[i])
		}
	}
	return train, val, nil
}

// FitValues gathers every raw pitch and loudness value, targets and
// conditioning alike, for fitting a transform.Pipeline.
func FitValues(windows []Window) [][]float64 {
	values := make([][]float64, Channels)
	for _, w := range windows {
		values[ChannelPitch] = append(values[ChannelPitch], w.Pitch...)
		values[ChannelPitch] = append(values[ChannelPitch], w.CondPitch...)
		values[ChannelLoudness] = append(values[ChannelLoudness], w.Loudness...)
		values[ChannelLoudness] = append(values[ChannelLoudness], w.CondLoudness...)
	}
	return values
}

// RawBatch stacks windows into raw target and conditioning tensors.
func RawBatch(windows []Window) (target, cond *tensor.Tensor, err error) {
	if len(windows) == 0 {
		return nil, nil, fmt.Errorf("dataset: empty batch")
	}
	length := len(windows[0].Pitch)
	target = tensor.New(len(windows), length, Channels)
	cond = tensor.New(len(windows), length, Channels)
	for b, w := range windows {
		if len(w.Pitch) != length || len(w.Loudness) != length || len(w.CondPitch) != length || len(w.CondLoudness) != length {
			return nil, nil, fmt.Errorf("dataset: window %s@%d has length %d, want %d", w.Item, w.Offset, len(w.Pitch), length)
		}
		for l := 0; l < length; l++ {
			target.Set(b, l, ChannelPitch, w.Pitch[l])
			target.Set(b, l, ChannelLoudness, w.Loudness[l])
			cond.Set(b, l, ChannelPitch, w.CondPitch[l])
			cond.Set(b, l, ChannelLoudness, w.CondLoudness[l])
		}
	}
	return target, cond, nil
}

// Batch stacks windows and normalizes them with pipe.
func Batch(windows []Window, pipe *transform.Pipeline) (target, cond *tensor.Tensor, err error) {
	rt, rc, err := RawBatch(windows)
	if err != nil {
		return nil, nil, err
	}
	if target, err = pipe.Forward(rt); err != nil {
		return nil, nil, err
	}
	if cond, err = pipe.Forward(rc); err != nil {
		return nil, nil, err
	}
	return target, cond, nil
}

// CondTensor builds a raw conditioning tensor of batch size 1 from an item.
func CondTensor(it *Item) *tensor.Tensor {
	n := len(it.CondPitch)
	t := tensor.New(1, n, Channels)
	for l := 0; l < n; l++ {
		t.Set(0, l, ChannelPitch, it.CondPitch[l])
		t.Set(0, l, ChannelLoudness, it.CondLoudness[l])
	}
	return t
}

// FromTensor converts batch element b of a raw curve tensor to an item.
func FromTensor(name string, frameRate float64, t *tensor.Tensor, b int) Item {
	it := Item{
		Name:      name,
		FrameRate: frameRate,
		Pitch:     make([]float64, t.Length),
		Loudness:  make([]float64, t.Length),
	}
	for l := 0; l < t.Length; l++ {
		it.Pitch[l] = t.At(b, l, ChannelPitch)
		it.Loudness[l] = t.At(b, l, ChannelLoudness)
	}
	return it
}
