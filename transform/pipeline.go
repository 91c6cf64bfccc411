package transform

import (
	"fmt"

	"github.com/cwbudde/algo-ctrldiff/tensor"
)

// Chain applies scalers in order; Inverse runs them backwards.
type Chain []Scaler

// Fit fits every scaler on the output of the previous one.
func (c Chain) Fit(values []float64) error {
	cur := append([]float64(nil), values...)
	for i, s := range c {
		if err := s.Fit(cur); err != nil {
			return fmt.Errorf("transform: fit stage %d: %w", i, err)
		}
		for j, v := range cur {
			cur[j] = s.Forward(v)
		}
	}
	return nil
}

func (c Chain) Fitted() bool {
	for _, s := range c {
		if !s.Fitted() {
			return false
		}
	}
	return true
}

func (c Chain) Forward(v float64) float64 {
	for _, s := range c {
		v = s.Forward(v)
	}
	return v
}

func (c Chain) Inverse(v float64) float64 {
	for i := len(c) - 1; i >= 0; i-- {
		v = c[i].Inverse(v)
	}
	return v
}

// Pipeline holds one Chain per channel followed by the [0,1] -> [-1,1]
// mapping.
type Pipeline struct {
	chains []Chain
}

// PipelineState is the serialisable state of a fitted Pipeline.
type PipelineState struct {
	Channels [][]State `json:"channels" cbor:"channels"`
}

// NewPipeline builds a pipeline from per-channel chains.
func NewPipeline(chains ...Chain) (*Pipeline, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrChannels)
	}
	return &Pipeline{chains: chains}, nil
}

// FromKinds builds an unfitted pipeline with the same scaler list on every
// channel, e.g. {"minmax", "quantile"} with 30 quantiles.
func FromKinds(channels int, kinds []string, quantiles int) (*Pipeline, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrChannels, channels)
	}
	chains := make([]Chain, channels)
	for c := range chains {
		for _, k := range kinds {
			s, err := NewScaler(k, quantiles)
			if err != nil {
				return nil, err
			}
			chains[c] = append(chains[c], s)
		}
	}
	return NewPipeline(chains...)
}

// PipelineFromState rebuilds a fitted pipeline.
func PipelineFromState(st PipelineState) (*Pipeline, error) {
	chains := make([]Chain, len(st.Channels))
	for c, states := range st.Channels {
		for _, s := range states {
			sc, err := FromState(s)
			if err != nil {
				return nil, fmt.Errorf("transform: channel %d: %w", c, err)
			}
			chains[c] = append(chains[c], sc)
		}
	}
	return NewPipeline(chains...)
}

func (p *Pipeline) Channels() int { return len(p.chains) }

func (p *Pipeline) Fitted() bool {
	for _, c := range p.chains {
		if !c.Fitted() {
			return false
		}
	}
	return true
}

// FitChannels fits channel c on values[c].
func (p *Pipeline) FitChannels(values [][]float64) error {
	if len(values) != len(p.chains) {
		return fmt.Errorf("%w: %d value sets for %d channels", ErrChannels, len(values), len(p.chains))
	}
	for c, chain := range p.chains {
		if err := chain.Fit(values[c]); err != nil {
			return fmt.Errorf("transform: channel %d: %w", c, err)
		}
	}
	return nil
}

// Fit fits every channel on all values of that channel in t.
func (p *Pipeline) Fit(t *tensor.Tensor) error {
	if t.Channels != len(p.chains) {
		return fmt.Errorf("%w: tensor has %d channels, pipeline %d", ErrChannels, t.Channels, len(p.chains))
	}
	values := make([][]float64, t.Channels)
	for c := range values {
		values[c] = t.Channel(c)
	}
	return p.FitChannels(values)
}

// ForwardValue maps one raw value of channel c into [-1, 1].
func (p *Pipeline) ForwardValue(c int, v float64) float64 {
	return p.chains[c].Forward(v)*2 - 1
}

// InverseValue maps one normalized value of channel c back to raw units.
func (p *Pipeline) InverseValue(c int, v float64) float64 {
	return p.chains[c].Inverse(v/2 + 0.5)
}

// ForwardChannel maps raw values of channel c.
func (p *Pipeline) ForwardChannel(c int, raw []float64) ([]float64, error) {
	if err := p.check(c); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = p.ForwardValue(c, v)
	}
	return out, nil
}

// InverseChannel maps normalized values of channel c back to raw units.
func (p *Pipeline) InverseChannel(c int, norm []float64) ([]float64, error) {
	if err := p.check(c); err != nil {
		return nil, err
	}
	out := make([]float64, len(norm))
	for i, v := range norm {
		out[i] = p.InverseValue(c, v)
	}
	return out, nil
}

// Forward normalizes a raw tensor into a new tensor.
func (p *Pipeline) Forward(t *tensor.Tensor) (*tensor.Tensor, error) {
	return p.apply(t, p.ForwardValue)
}

// Inverse maps a normalized tensor back to raw units.
func (p *Pipeline) Inverse(t *tensor.Tensor) (*tensor.Tensor, error) {
	return p.apply(t, p.InverseValue)
}

func (p *Pipeline) apply(t *tensor.Tensor, f func(int, float64) float64) (*tensor.Tensor, error) {
	if t.Channels != len(p.chains) {
		return nil, fmt.Errorf("%w: tensor has %d channels, pipeline %d", ErrChannels, t.Channels, len(p.chains))
	}
	if !p.Fitted() {
		return nil, ErrNotFitted
	}
	out := tensor.ZerosLike(t)
	for i, v := range t.Data {
		out.Data[i] = f(i%t.Channels, v)
	}
	return out, nil
}

func (p *Pipeline) check(c int) error {
	if c < 0 || c >= len(p.chains) {
		return fmt.Errorf("%w: channel %d of %d", ErrChannels, c, len(p.chains))
	}
	if !p.chains[c].Fitted() {
		return ErrNotFitted
	}
	return nil
}

// State exports the fitted state.
func (p *Pipeline) State() PipelineState {
	st := PipelineState{Channels: make([][]State, len(p.chains))}
	for c, chain := range p.chains {
		for _, s := range chain {
			st.Channels[c] = append(st.Channels[c], s.State())
		}
	}
	return st
}
