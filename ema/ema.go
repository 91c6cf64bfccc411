// Package ema keeps an exponentially averaged shadow copy of model
// parameters.
package ema

import (
	"errors"
	"fmt"
	"math"
	"sort"

	vecmath "github.com/cwbudde/algo-vecmath"
)

var (
	// ErrShapeMismatch reports a parameter whose length changed between
	// updates.
	ErrShapeMismatch = errors.New("ema: parameter shape mismatch")
	// ErrInvalidDecay reports a decay outside (0,1).
	ErrInvalidDecay = errors.New("ema: invalid decay")
)

// ParameterSet maps a parameter name to its flattened values.
type ParameterSet map[string][]float64

// Clone returns a deep copy.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for name, v := range p {
		out[name] = append([]float64(nil), v...)
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size is the total number of scalar values.
func (p ParameterSet) Size() int {
	n := 0
	for _, v := range p {
		n += len(v)
	}
	return n
}

// Tracker maintains shadow = decay*shadow + (1-decay)*live per parameter.
//
// Update must be called exactly once per optimizer step from a single
// goroutine. The tracker never writes into the live parameters.
type Tracker struct {
	decay   float64
	shadow  ParameterSet
	updates int
	tmp     []float64
}

// New returns a tracker with the given decay, typically 0.999.
func New(decay float64) (*Tracker, error) {
	if !(decay > 0 && decay < 1) || math.IsNaN(decay) {
		return nil, fmt.Errorf("%w: %g not in (0,1)", ErrInvalidDecay, decay)
	}
	return &Tracker{decay: decay, shadow: ParameterSet{}}, nil
}

func (t *Tracker) Decay() float64 { return t.decay }

// Updates is the number of Update calls applied so far.
func (t *Tracker) Updates() int { return t.updates }

// Update folds live into the shadow. A parameter seen for the first time is
// copied as is. Parameters absent from live keep their shadow. On error
// nothing is modified.
func (t *Tracker) Update(live ParameterSet) error {
	for name, v := range live {
		if s, ok := t.shadow[name]; ok && len(s) != len(v) {
			return fmt.Errorf("%w: %q has %d values, shadow has %d", ErrShapeMismatch, name, len(v), len(s))
		}
	}
	for name, v := range live {
		s, ok := t.shadow[name]
		if !ok {
			t.shadow[name] = append([]float64(nil), v...)
			continue
		}
		if len(v) == 0 {
			continue
		}
		if cap(t.tmp) < len(v) {
			t.tmp = make([]float64, len(v))
		}
		tmp := t.tmp[:len(v)]
		vecmath.ScaleBlockInPlace(s, t.decay)
		vecmath.ScaleBlock(tmp, v, 1-t.decay)
		vecmath.AddBlockInPlace(s, tmp)
	}
	t.updates++
	return nil
}

// ExportShadow returns a snapshot of the shadow parameters. Later updates do
// not affect it.
func (t *Tracker) ExportShadow() ParameterSet {
	return t.shadow.Clone()
}

// Shadow returns a copy of one shadow parameter.
func (t *Tracker) Shadow(name string) ([]float64, bool) {
	s, ok := t.shadow[name]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), s...), true
}

// Restore replaces the shadow with a previously exported snapshot, for
// resuming training from a checkpoint.
func (t *Tracker) Restore(shadow ParameterSet, updates int) error {
	if updates < 0 {
		return fmt.Errorf("ema: negative update count %d", updates)
	}
	t.shadow = shadow.Clone()
	t.updates = updates
	return nil
}
