package synth

import (
	"fmt"
	"math"
)

// Config holds the renderer knobs. Gains are linear unless the name says
// otherwise. RoomDecay (seconds) enables a synthetic room response when no
// IR file is set; IRWet mixes either response in.
type Config struct {
	SampleRate  int     `json:"sample_rate" yaml:"sample_rate"`
	FrameRate   float64 `json:"frame_rate" yaml:"frame_rate"`
	Harmonics   int     `json:"harmonics" yaml:"harmonics"`
	Rolloff     float64 `json:"rolloff" yaml:"rolloff"`
	NoiseGain   float64 `json:"noise_gain" yaml:"noise_gain"`
	NoiseCutoff float64 `json:"noise_cutoff" yaml:"noise_cutoff"`
	OutputGain  float64 `json:"output_gain" yaml:"output_gain"`
	IRWavPath   string  `json:"ir_wav_path,omitempty" yaml:"ir_wav_path,omitempty"`
	IRWet       float64 `json:"ir_wet" yaml:"ir_wet"`
	RoomDecay   float64 `json:"room_decay,omitempty" yaml:"room_decay,omitempty"`
	Seed        int64   `json:"seed" yaml:"seed"`
}

// DefaultConfig renders 16 kHz audio from 100 Hz control curves.
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		FrameRate:   100,
		Harmonics:   24,
		Rolloff:     1.2,
		NoiseGain:   0.02,
		NoiseCutoff: 3000,
		OutputGain:  1,
		IRWet:       0.3,
		Seed:        1,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("synth: sample_rate must be > 0, got %d", c.SampleRate)
	case c.FrameRate <= 0 || c.FrameRate > float64(c.SampleRate):
		return fmt.Errorf("synth: frame_rate must be in (0, sample_rate], got %g", c.FrameRate)
	case c.Harmonics < 1:
		return fmt.Errorf("synth: harmonics must be >= 1, got %d", c.Harmonics)
	case c.Rolloff < 0 || math.IsNaN(c.Rolloff):
		return fmt.Errorf("synth: rolloff must be >= 0, got %g", c.Rolloff)
	case c.NoiseGain < 0:
		return fmt.Errorf("synth: noise_gain must be >= 0, got %g", c.NoiseGain)
	case c.NoiseGain > 0 && (c.NoiseCutoff <= 0 || c.NoiseCutoff >= float64(c.SampleRate)/2):
		return fmt.Errorf("synth: noise_cutoff must be in (0, %d), got %g", c.SampleRate/2, c.NoiseCutoff)
	case c.OutputGain <= 0:
		return fmt.Errorf("synth: output_gain must be > 0, got %g", c.OutputGain)
	case c.IRWet < 0 || c.IRWet > 1:
		return fmt.Errorf("synth: ir_wet must be in [0,1], got %g", c.IRWet)
	case c.RoomDecay < 0 || math.IsNaN(c.RoomDecay):
		return fmt.Errorf("synth: room_decay must be >= 0, got %g", c.RoomDecay)
	}
	return nil
}

// SamplesPerFrame is the audio hop of one control frame.
func (c Config) SamplesPerFrame() float64 {
	return float64(c.SampleRate) / c.FrameRate
}
