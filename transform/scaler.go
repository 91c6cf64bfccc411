// Package transform converts raw pitch and loudness values to the [-1, 1]
// working range of the diffusion model and back.
//
// Each channel owns a Chain of fitted scalers (min-max, standardisation,
// quantile). A Pipeline applies one chain per channel and a final
// [0,1] -> [-1,1] affine map. Fitting happens once on a reference dataset;
// afterwards every mapping is a deterministic function of the fitted state.
package transform

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrNotFitted   = errors.New("transform: not fitted")
	ErrEmpty       = errors.New("transform: no finite values to fit")
	ErrUnknownKind = errors.New("transform: unknown scaler kind")
	ErrChannels    = errors.New("transform: channel count mismatch")
)

const (
	KindMinMax   = "minmax"
	KindStandard = "standard"
	KindQuantile = "quantile"
)

// Scaler is a per-channel bijection fitted on reference values.
type Scaler interface {
	Fit(values []float64) error
	Forward(v float64) float64
	Inverse(v float64) float64
	State() State
	Fitted() bool
}

// State is the serialisable fitted state of a Scaler.
type State struct {
	Kind   string    `json:"kind" cbor:"kind"`
	Params []float64 `json:"params,omitempty" cbor:"params,omitempty"`
}

// NewScaler returns an unfitted scaler. quantiles is only used by the
// quantile kind.
func NewScaler(kind string, quantiles int) (Scaler, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMinMax:
		return &MinMax{}, nil
	case KindStandard:
		return &Standard{}, nil
	case KindQuantile:
		if quantiles < 2 {
			return nil, fmt.Errorf("transform: quantile count must be >= 2, got %d", quantiles)
		}
		return &Quantile{N: quantiles}, nil
	default:
		return nil, fmt.Errorf("%w: %q (valid: minmax, standard, quantile)", ErrUnknownKind, kind)
	}
}

// FromState rebuilds a fitted scaler.
func FromState(st State) (Scaler, error) {
	switch st.Kind {
	case KindMinMax:
		if len(st.Params) != 2 {
			return nil, fmt.Errorf("transform: minmax state needs 2 params, got %d", len(st.Params))
		}
		return &MinMax{Min: st.Params[0], Max: st.Params[1], fitted: true}, nil
	case KindStandard:
		if len(st.Params) != 2 {
			return nil, fmt.Errorf("transform: standard state needs 2 params, got %d", len(st.Params))
		}
		return &Standard{Mean: st.Params[0], Std: st.Params[1], fitted: true}, nil
	case KindQuantile:
		q := &Quantile{N: len(st.Params)}
		if err := q.setQuantiles(st.Params); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, st.Kind)
	}
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// MinMax maps [Min, Max] onto [0, 1]. A constant channel uses unit range.
type MinMax struct {
	Min, Max float64
	fitted   bool
}

func (m *MinMax) Fit(values []float64) error {
	v := finite(values)
	if len(v) == 0 {
		return ErrEmpty
	}
	m.Min, m.Max = floats.Min(v), floats.Max(v)
	m.fitted = true
	return nil
}

func (m *MinMax) scale() float64 {
	if m.Max > m.Min {
		return m.Max - m.Min
	}
	return 1
}

func (m *MinMax) Forward(v float64) float64 { return (v - m.Min) / m.scale() }

func (m *MinMax) Inverse(v float64) float64 { return v*m.scale() + m.Min }

func (m *MinMax) Fitted() bool { return m.fitted }

func (m *MinMax) State() State {
	return State{Kind: KindMinMax, Params: []float64{m.Min, m.Max}}
}

// Standard removes the mean and divides by the population deviation.
type Standard struct {
	Mean, Std float64
	fitted    bool
}

func (s *Standard) Fit(values []float64) error {
	v := finite(values)
	if len(v) == 0 {
		return ErrEmpty
	}
	s.Mean, s.Std = stat.PopMeanStdDev(v, nil)
	if !(s.Std > 0) {
		s.Std = 1
	}
	s.fitted = true
	return nil
}

func (s *Standard) Forward(v float64) float64 { return (v - s.Mean) / s.Std }

func (s *Standard) Inverse(v float64) float64 { return v*s.Std + s.Mean }

func (s *Standard) Fitted() bool { return s.fitted }

func (s *Standard) State() State {
	return State{Kind: KindStandard, Params: []float64{s.Mean, s.Std}}
}

// Quantile maps values through their empirical CDF sampled at N evenly
// spaced quantiles, giving a roughly uniform output on [0, 1]. Values
// outside the fitted range saturate at 0 and 1.
type Quantile struct {
	N int

	quantiles []float64
	forward   interp.PiecewiseLinear
	inverse   interp.PiecewiseLinear
	constant  bool
	fitted    bool
}

func (q *Quantile) Fit(values []float64) error {
	v := finite(values)
	if len(v) == 0 {
		return ErrEmpty
	}
	sort.Float64s(v)
	n := q.N
	if n > len(v) {
		n = len(v)
	}
	if n < 2 {
		return q.setQuantiles([]float64{v[0]})
	}
	refs := references(n)
	qs := make([]float64, n)
	for i, p := range refs {
		qs[i] = stat.Quantile(p, stat.LinInterp, v, nil)
		// Interpolating inside a run of equal values can land one ulp low.
		if i > 0 {
			qs[i] = math.Max(qs[i], qs[i-1])
		}
	}
	return q.setQuantiles(qs)
}

func references(n int) []float64 {
	refs := make([]float64, n)
	if n == 1 {
		refs[0] = 0.5
		return refs
	}
	floats.Span(refs, 0, 1)
	return refs
}

// setQuantiles installs sorted quantile values and builds both
// interpolators. Runs of equal quantiles collapse onto the mean of their
// reference positions so the forward map stays a function.
func (q *Quantile) setQuantiles(qs []float64) error {
	if len(qs) == 0 {
		return ErrEmpty
	}
	if !sort.Float64sAreSorted(qs) {
		return fmt.Errorf("transform: quantiles not sorted")
	}
	q.quantiles = append([]float64(nil), qs...)
	q.N = len(qs)
	q.fitted = true

	refs := references(len(qs))
	var xs, ys []float64
	for i := 0; i < len(qs); {
		j := i
		sum := 0.0
		for j < len(qs) && qs[j] == qs[i] {
			sum += refs[j]
			j++
		}
		xs = append(xs, qs[i])
		ys = append(ys, sum/float64(j-i))
		i = j
	}
	if len(xs) < 2 {
		q.constant = true
		return nil
	}
	q.constant = false
	if err := q.forward.Fit(xs, ys); err != nil {
		return err
	}
	return q.inverse.Fit(ys, xs)
}

func (q *Quantile) Forward(v float64) float64 {
	if q.constant {
		return 0.5
	}
	return q.forward.Predict(v)
}

func (q *Quantile) Inverse(v float64) float64 {
	if q.constant {
		return q.quantiles[0]
	}
	return q.inverse.Predict(v)
}

// Quantiles returns a copy of the fitted quantile values.
func (q *Quantile) Quantiles() []float64 {
	return append([]float64(nil), q.quantiles...)
}

func (q *Quantile) Fitted() bool { return q.fitted }

func (q *Quantile) State() State {
	return State{Kind: KindQuantile, Params: q.Quantiles()}
}
