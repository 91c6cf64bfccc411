// Package synth renders pitch/loudness control curves to audio with an
// additive harmonic-plus-noise model.
package synth

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-approx"
	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-ctrldiff/dsp"
)

var ErrCurves = errors.New("synth: invalid control curves")

// Vocoder turns frame-rate pitch (Hz) and loudness (dB) curves into audio.
type Vocoder interface {
	Render(pitch, loudness []float64) ([]float32, error)
	SampleRate() int
}

// minResampleFrames is the shortest curve handed to the polyphase
// resampler; shorter curves are interpolated linearly.
const minResampleFrames = 32

// Harmonic is a band-limited additive oscillator bank with a filtered
// noise floor and an optional body impulse response.
type Harmonic struct {
	cfg  Config
	conv *Convolver
}

// NewHarmonic validates cfg and loads the impulse response if one is set,
// or generates a room response when only RoomDecay is.
func NewHarmonic(cfg Config) (*Harmonic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Harmonic{cfg: cfg}
	if cfg.IRWet == 0 {
		return h, nil
	}
	switch {
	case cfg.IRWavPath != "":
		conv, err := NewConvolver(cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		if err := conv.LoadIR(cfg.IRWavPath); err != nil {
			return nil, fmt.Errorf("synth: load ir %s: %w", cfg.IRWavPath, err)
		}
		h.conv = conv
	case cfg.RoomDecay > 0:
		l, r, err := GenerateRoom(DefaultRoomConfig(cfg.SampleRate, cfg.RoomDecay, uint64(cfg.Seed)))
		if err != nil {
			return nil, err
		}
		if err := h.SetIR(l, r); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Harmonic) Config() Config  { return h.cfg }
func (h *Harmonic) SampleRate() int { return h.cfg.SampleRate }

// SetIR installs an impulse response directly.
func (h *Harmonic) SetIR(left, right []float32) error {
	conv, err := NewConvolver(h.cfg.SampleRate)
	if err != nil {
		return err
	}
	if err := conv.SetIR(left, right); err != nil {
		return err
	}
	h.conv = conv
	return nil
}

// Render returns mono audio, the average of RenderStereo's channels.
func (h *Harmonic) Render(pitch, loudness []float64) ([]float32, error) {
	left, right, err := h.RenderStereo(pitch, loudness)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(left))
	for i := range out {
		out[i] = 0.5 * (left[i] + right[i])
	}
	return out, nil
}

// RenderStereo renders the dry signal and, when an impulse response is
// loaded, mixes in the convolved signal at IRWet.
func (h *Harmonic) RenderStereo(pitch, loudness []float64) (left, right []float32, err error) {
	dry, err := h.renderDry(pitch, loudness)
	if err != nil {
		return nil, nil, err
	}
	if h.conv == nil || h.cfg.IRWet == 0 {
		return dry, append([]float32(nil), dry...), nil
	}
	h.conv.Reset()
	wl, wr := h.conv.Process(dry)
	wet := float32(h.cfg.IRWet)
	left = make([]float32, len(dry))
	right = make([]float32, len(dry))
	for i, d := range dry {
		left[i] = (1-wet)*d + wet*wl[i]
		right[i] = (1-wet)*d + wet*wr[i]
	}
	return left, right, nil
}

func (h *Harmonic) renderDry(pitch, loudness []float64) ([]float32, error) {
	if len(pitch) != len(loudness) {
		return nil, fmt.Errorf("%w: %d pitch frames, %d loudness frames", ErrCurves, len(pitch), len(loudness))
	}
	if len(pitch) == 0 {
		return nil, nil
	}
	for i := range pitch {
		if math.IsNaN(pitch[i]) || math.IsInf(pitch[i], 0) || math.IsNaN(loudness[i]) || math.IsInf(loudness[i], 0) {
			return nil, fmt.Errorf("%w: non-finite value at frame %d", ErrCurves, i)
		}
	}

	n := int(math.Round(float64(len(pitch)) * h.cfg.SamplesPerFrame()))
	f0 := h.upsample(holdUnvoiced(pitch), n)
	gain := h.upsample(loudness, n)
	voiced := h.upsample(voicing(pitch), n)
	for i := range gain {
		gain[i] = dbToGain(gain[i])
	}

	out := make([]float64, n)
	h.addHarmonics(out, f0, gain, voiced)
	if h.cfg.NoiseGain > 0 {
		if err := h.addNoise(out, gain); err != nil {
			return nil, err
		}
	}
	vecmath.ScaleBlockInPlace(out, h.cfg.OutputGain)

	res := make([]float32, n)
	for i, v := range out {
		res[i] = float32(v)
	}
	return res, nil
}

func (h *Harmonic) addHarmonics(out, f0, gain, voiced []float64) {
	sr := float64(h.cfg.SampleRate)
	nyq := sr / 2
	weights := make([]float64, h.cfg.Harmonics)
	norm := 0.0
	for k := range weights {
		weights[k] = 1 / math.Pow(float64(k+1), h.cfg.Rolloff)
		norm += weights[k]
	}
	vecmath.ScaleBlockInPlace(weights, 1/norm)

	phase := make([]float64, h.cfg.Harmonics)
	for i := range out {
		f := f0[i]
		v := clamp01(voiced[i])
		if f <= 0 || v == 0 {
			continue
		}
		var s float64
		for k := range phase {
			fk := f * float64(k+1)
			if fk >= nyq {
				break
			}
			// fade the top octave below Nyquist to avoid clicks as
			// harmonics enter and leave the band
			fade := clamp01((nyq - fk) / (0.1 * nyq))
			phase[k] += 2 * math.Pi * fk / sr
			if phase[k] > 2*math.Pi {
				phase[k] -= 2 * math.Pi
			}
			s += weights[k] * fade * math.Sin(phase[k])
		}
		out[i] += gain[i] * v * s
	}
}

func (h *Harmonic) addNoise(out, gain []float64) error {
	lp, err := dsp.NewLowpass(h.cfg.NoiseCutoff, float64(h.cfg.SampleRate), math.Sqrt2/2)
	if err != nil {
		return err
	}
	noise := make([]float64, len(out))
	vecmath.GenerateTPDF(noise, 1, vecmath.NewDitherState(h.cfg.Seed))
	lp.ProcessBlock(noise)
	vecmath.MulBlockInPlace(noise, gain)
	vecmath.ScaleBlockInPlace(noise, h.cfg.NoiseGain)
	vecmath.AddBlockInPlace(out, noise)
	return nil
}

// upsample stretches a frame-rate curve to n audio samples.
func (h *Harmonic) upsample(curve []float64, n int) []float64 {
	var up []float64
	if len(curve) >= minResampleFrames {
		r, err := dspresample.NewForRates(
			h.cfg.FrameRate,
			float64(h.cfg.SampleRate),
			dspresample.WithQuality(dspresample.QualityBest),
		)
		if err == nil {
			up = r.Process(curve)
		}
	}
	if up == nil {
		return linearUpsample(curve, n)
	}
	out := make([]float64, n)
	copy(out, up)
	for i := len(up); i < n; i++ {
		out[i] = curve[len(curve)-1]
	}
	return out
}

func linearUpsample(curve []float64, n int) []float64 {
	out := make([]float64, n)
	if len(curve) == 1 {
		for i := range out {
			out[i] = curve[0]
		}
		return out
	}
	step := float64(len(curve)) / float64(n)
	for i := range out {
		pos := (float64(i)+0.5)*step - 0.5
		j := int(math.Floor(pos))
		frac := pos - float64(j)
		switch {
		case j < 0:
			out[i] = curve[0]
		case j >= len(curve)-1:
			out[i] = curve[len(curve)-1]
		default:
			out[i] = curve[j] + frac*(curve[j+1]-curve[j])
		}
	}
	return out
}

// holdUnvoiced replaces non-positive pitch frames with the nearest voiced
// neighbour so interpolation never sweeps through zero.
func holdUnvoiced(pitch []float64) []float64 {
	out := append([]float64(nil), pitch...)
	last := 0.0
	for i, p := range out {
		if p > 0 {
			last = p
		} else {
			out[i] = last
		}
	}
	next := 0.0
	for i := len(out) - 1; i >= 0; i-- {
		if pitch[i] > 0 {
			next = pitch[i]
		} else if out[i] == 0 {
			out[i] = next
		}
	}
	return out
}

func voicing(pitch []float64) []float64 {
	out := make([]float64, len(pitch))
	for i, p := range pitch {
		if p > 0 {
			out[i] = 1
		}
	}
	return out
}

func dbToGain(db float64) float64 {
	const ln10Over20 = 0.11512925464970229
	if db < -120 {
		return 0
	}
	return float64(approx.FastExp(float32(db * ln10Over20)))
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
