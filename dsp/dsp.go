// Package dsp holds the small filters used by the synthesizer.
package dsp

import (
	"fmt"
	"math"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"
)

// Biquad implements a second-order IIR filter (no heap allocations in Process)
type Biquad struct {
	// Coefficients
	b0, b1, b2 float64
	a1, a2     float64

	// State (previous samples)
	x1, x2 float64 // input history
	y1, y2 float64 // output history
}

// NewBiquad creates a new biquad filter with coefficients normalized by a0.
func NewBiquad(b0, b1, b2, a1, a2 float64) *Biquad {
	return &Biquad{
		b0: b0,
		b1: b1,
		b2: b2,
		a1: a1,
		a2: a2,
	}
}

// Process processes one sample through the biquad filter
func (b *Biquad) Process(input float64) float64 {
	// Direct Form I implementation
	output := b.b0*input + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	output = dspcore.FlushDenormals(output)

	b.x2 = b.x1
	b.x1 = input
	b.y2 = b.y1
	b.y1 = output

	return output
}

// ProcessBlock filters buf in place.
func (b *Biquad) ProcessBlock(buf []float64) {
	for i, v := range buf {
		buf[i] = b.Process(v)
	}
}

// Reset clears the filter state
func (b *Biquad) Reset() {
	b.x1, b.x2 = 0, 0
	b.y1, b.y2 = 0, 0
}

// NewLowpass creates an RBJ lowpass biquad. cutoff must lie strictly
// between 0 and Nyquist.
func NewLowpass(cutoff, sampleRate, q float64) (*Biquad, error) {
	w0, alpha, err := prewarp(cutoff, sampleRate, q)
	if err != nil {
		return nil, err
	}
	cosw0 := math.Cos(w0)

	b0 := (1.0 - cosw0) / 2.0
	b1 := 1.0 - cosw0
	b2 := (1.0 - cosw0) / 2.0
	return normalize(b0, b1, b2, 1.0+alpha, -2.0*cosw0, 1.0-alpha), nil
}

// NewHighpass creates an RBJ highpass biquad.
func NewHighpass(cutoff, sampleRate, q float64) (*Biquad, error) {
	w0, alpha, err := prewarp(cutoff, sampleRate, q)
	if err != nil {
		return nil, err
	}
	cosw0 := math.Cos(w0)

	b0 := (1.0 + cosw0) / 2.0
	b1 := -(1.0 + cosw0)
	b2 := (1.0 + cosw0) / 2.0
	return normalize(b0, b1, b2, 1.0+alpha, -2.0*cosw0, 1.0-alpha), nil
}

func prewarp(cutoff, sampleRate, q float64) (w0, alpha float64, err error) {
	if sampleRate <= 0 || cutoff <= 0 || cutoff >= sampleRate/2 || q <= 0 {
		return 0, 0, fmt.Errorf("dsp: invalid filter cutoff=%g sample-rate=%g q=%g", cutoff, sampleRate, q)
	}
	w0 = 2.0 * math.Pi * cutoff / sampleRate
	return w0, math.Sin(w0) / (2.0 * q), nil
}

func normalize(b0, b1, b2, a0, a1, a2 float64) *Biquad {
	return NewBiquad(b0/a0, b1/a0, b2/a0, a1/a0, a2/a0)
}

// MagnitudeAt returns the filter's gain at freq.
func (b *Biquad) MagnitudeAt(freq, sampleRate float64) float64 {
	w := 2 * math.Pi * freq / sampleRate
	z1 := complex(math.Cos(-w), math.Sin(-w))
	z2 := z1 * z1
	num := complex(b.b0, 0) + complex(b.b1, 0)*z1 + complex(b.b2, 0)*z2
	den := 1 + complex(b.a1, 0)*z1 + complex(b.a2, 0)*z2
	r := num / den
	return math.Hypot(real(r), imag(r))
}
