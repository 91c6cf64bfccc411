package synth

import (
	"fmt"
	"math"
	"math/rand/v2"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-ctrldiff/dsp"
)

// RoomConfig controls the synthetic stereo room response used when no
// impulse response file is configured.
type RoomConfig struct {
	SampleRate  int
	Decay       float64 // RT60-like decay of the low band, seconds
	HighDecay   float64 // decay of the bright band, seconds
	EarlyCount  int
	LateLevel   float64
	StereoWidth float64
	Brightness  float64
	Seed        uint64
	Peak        float64
}

// DefaultRoomConfig is a small, slightly dark room.
func DefaultRoomConfig(sampleRate int, decay float64, seed uint64) RoomConfig {
	return RoomConfig{
		SampleRate:  sampleRate,
		Decay:       decay,
		HighDecay:   math.Min(decay, 0.2),
		EarlyCount:  24,
		LateLevel:   0.06,
		StereoWidth: 0.6,
		Brightness:  0.8,
		Seed:        seed,
		Peak:        0.9,
	}
}

func (c RoomConfig) Validate() error {
	switch {
	case c.SampleRate < 8000:
		return fmt.Errorf("synth: room sample rate too low: %d", c.SampleRate)
	case c.Decay <= 0 || c.HighDecay <= 0:
		return fmt.Errorf("synth: room decay must be > 0, got %g/%g", c.Decay, c.HighDecay)
	case c.EarlyCount < 0 || c.LateLevel < 0 || c.StereoWidth < 0:
		return fmt.Errorf("synth: room early_count, late_level and stereo_width must be >= 0")
	case c.Brightness <= 0 || c.Peak <= 0:
		return fmt.Errorf("synth: room brightness and peak must be > 0")
	}
	return nil
}

// GenerateRoom synthesizes a stereo room response: sparse early
// reflections within 50 ms followed by a two-band noise tail whose bands
// decay at Decay and HighDecay. The result is peak-normalized to Peak.
func GenerateRoom(cfg RoomConfig) (left, right []float32, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	sr := float64(cfg.SampleRate)
	n := max(1, int(math.Round(1.5*cfg.Decay*sr)))
	l := make([]float64, n)
	r := make([]float64, n)
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x7e57))

	for i := 0; i < cfg.EarlyCount; i++ {
		t := 0.001 + 0.049*rng.Float64()
		idx := int(t * sr)
		if idx <= 0 || idx >= n {
			continue
		}
		amp := (0.10 + 0.35*rng.Float64()) * math.Exp(-t*20)
		amp *= math.Pow(0.5+0.5*rng.Float64(), 1/cfg.Brightness)
		pan := (2*rng.Float64() - 1) * cfg.StereoWidth
		l[idx] += amp * (1 - 0.5*pan)
		r[idx] += amp * (1 + 0.5*pan)
	}

	if cfg.LateLevel > 0 {
		if err := addTail(l, r, cfg, rng); err != nil {
			return nil, nil, err
		}
	}

	peak := math.Max(vecmath.MaxAbs(l), vecmath.MaxAbs(r))
	if peak < 1e-12 {
		peak = 1e-12
	}
	vecmath.ScaleBlockInPlace(l, cfg.Peak/peak)
	vecmath.ScaleBlockInPlace(r, cfg.Peak/peak)
	return toFloat32(l), toFloat32(r), nil
}

// addTail adds independent low and high band noise per channel. Envelopes
// reach -60 dB at the band's decay time.
func addTail(l, r []float64, cfg RoomConfig, rng *rand.Rand) error {
	sr := float64(cfg.SampleRate)
	split := math.Min(2000, 0.4*sr)
	bright := math.Max(0, 0.3*(cfg.Brightness-0.3))
	kLow := math.Ln10 * 3 / cfg.Decay
	kHigh := math.Ln10 * 3 / cfg.HighDecay

	for _, ch := range [][]float64{l, r} {
		lp, err := dsp.NewLowpass(split, sr, math.Sqrt2/2)
		if err != nil {
			return err
		}
		hp, err := dsp.NewHighpass(split, sr, math.Sqrt2/2)
		if err != nil {
			return err
		}
		for i := range ch {
			t := float64(i) / sr
			v := rng.NormFloat64()
			low := lp.Process(v) * math.Exp(-kLow*t)
			high := hp.Process(v) * math.Exp(-kHigh*t)
			ch[i] += cfg.LateLevel * (low + bright*high)
		}
	}
	return nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
