// Package analysis scores generated control curves and rendered audio
// against references.
package analysis

import (
	"math"

	algofft "github.com/cwbudde/algo-fft"
	vecmath "github.com/cwbudde/algo-vecmath"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics holds the audio distances between a rendered candidate and a
// reference recording. Both signals are RMS-normalized before comparison,
// so a pure gain difference does not register.
type Metrics struct {
	SampleRate int `json:"sample_rate"`

	ReferenceFrames int `json:"reference_frames"`
	CandidateFrames int `json:"candidate_frames"`
	AlignedFrames   int `json:"aligned_frames"`
	LagSamples      int `json:"lag_samples"`

	TimeRMSE        float64 `json:"time_rmse"`
	EnvelopeRMSEDB  float64 `json:"envelope_rmse_db"`
	SpectralRMSEDB  float64 `json:"spectral_rmse_db"`
	RefDecayDBPerS  float64 `json:"ref_decay_db_per_s"`
	CandDecayDBPerS float64 `json:"cand_decay_db_per_s"`
	DecayDiffDBPerS float64 `json:"decay_diff_db_per_s"`

	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// AudioWeights combines the sub-distances into Metrics.Score. Each term is
// divided by its scale and clamped to [0,1] before weighting.
type AudioWeights struct {
	Time     float64
	Envelope float64
	Spectral float64
	Decay    float64

	TimeScale     float64
	EnvelopeDB    float64
	SpectralDB    float64
	DecayDBPerSec float64
}

// CompareOptions tunes the audio comparison.
type CompareOptions struct {
	Weights AudioWeights

	// MaxLagSec bounds the alignment search in either direction.
	MaxLagSec float64
	// MaxSec truncates the aligned signals.
	MaxSec float64
	// EnvFrame and EnvHop size the RMS envelope in samples.
	EnvFrame int
	EnvHop   int
	// MinAligned is the shortest overlap that still gets scored.
	MinAligned int
}

func DefaultCompareOptions() CompareOptions {
	return CompareOptions{
		Weights: AudioWeights{
			Time: 0.30, Envelope: 0.25, Spectral: 0.30, Decay: 0.15,
			TimeScale: 0.25, EnvelopeDB: 30, SpectralDB: 30, DecayDBPerSec: 40,
		},
		MaxLagSec:  0.5,
		MaxSec:     12,
		EnvFrame:   256,
		EnvHop:     128,
		MinAligned: 256,
	}
}

const (
	silenceFloor = 1e-6
	targetRMS    = 0.1
)

// Compare scores candidate against reference with DefaultCompareOptions.
func Compare(reference, candidate []float64, sampleRate int) Metrics {
	return CompareWith(reference, candidate, sampleRate, DefaultCompareOptions())
}

// CompareWith aligns candidate to reference by cross-correlation, then
// measures waveform, envelope, spectral and decay distances. Degenerate
// inputs score 1 with zero similarity.
func CompareWith(reference, candidate []float64, sampleRate int, opt CompareOptions) Metrics {
	m := Metrics{
		SampleRate:      sampleRate,
		ReferenceFrames: len(reference),
		CandidateFrames: len(candidate),
		Score:           1,
	}
	if sampleRate <= 0 {
		return m
	}
	ref := prepareSignal(reference)
	cand := prepareSignal(candidate)
	if ref == nil || cand == nil {
		return m
	}

	maxLag := int(opt.MaxLagSec * float64(sampleRate))
	maxLag = max(1, min(maxLag, len(ref)-1, len(cand)-1))
	m.LagSamples = estimateLag(ref, cand, maxLag)

	ref, cand = alignByLag(ref, cand, m.LagSamples)
	n := min(len(ref), len(cand))
	if n < opt.MinAligned {
		return m
	}
	if limit := int(opt.MaxSec * float64(sampleRate)); limit > 0 {
		n = min(n, limit)
	}
	ref, cand = ref[:n], cand[:n]
	m.AlignedFrames = n

	m.TimeRMSE = rmse(ref, cand)

	refEnv := envelopeDB(ref, opt.EnvFrame, opt.EnvHop)
	candEnv := envelopeDB(cand, opt.EnvFrame, opt.EnvHop)
	m.EnvelopeRMSEDB = rmse(refEnv, candEnv)

	m.SpectralRMSEDB = spectralRMSEDB(ref, cand)

	hopSec := float64(opt.EnvHop) / float64(sampleRate)
	m.RefDecayDBPerS = decaySlope(refEnv, hopSec)
	m.CandDecayDBPerS = decaySlope(candEnv, hopSec)
	if !math.IsNaN(m.RefDecayDBPerS) && !math.IsNaN(m.CandDecayDBPerS) {
		m.DecayDiffDBPerS = math.Abs(m.RefDecayDBPerS - m.CandDecayDBPerS)
	}

	m.Score = opt.Weights.score(m)
	m.Similarity = math.Exp(-4 * m.Score)
	return m
}

func (w AudioWeights) score(m Metrics) float64 {
	s := w.Time*unit(m.TimeRMSE, w.TimeScale) +
		w.Envelope*unit(m.EnvelopeRMSEDB, w.EnvelopeDB) +
		w.Spectral*unit(m.SpectralRMSEDB, w.SpectralDB) +
		w.Decay*unit(m.DecayDiffDBPerS, w.DecayDBPerSec)
	return clamp01(s)
}

func unit(v, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return clamp01(v / scale)
}

// prepareSignal drops leading silence and scales to targetRMS. It returns
// nil for an all-silent signal.
func prepareSignal(x []float64) []float64 {
	start := -1
	for i, v := range x {
		if math.Abs(v) > silenceFloor {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	x = x[start:]
	out := make([]float64, len(x))
	r := rms(x)
	if r <= 1e-12 {
		copy(out, x)
		return out
	}
	vecmath.ScaleBlock(out, x, targetRMS/r)
	return out
}

// estimateLag returns the lag in [-maxLag, maxLag] maximizing
// sum_i ref[lag+i]*cand[i]. The full correlation comes from one FFT
// convolution of ref with reversed cand; corr[lag+len(cand)-1] holds lag.
func estimateLag(ref, cand []float64, maxLag int) int {
	if len(ref) == 0 || len(cand) == 0 {
		return 0
	}
	m := len(cand)
	a := make([]float32, len(ref))
	for i, v := range ref {
		a[i] = float32(v)
	}
	b := make([]float32, m)
	for i, v := range cand {
		b[m-1-i] = float32(v)
	}
	corr := make([]float32, len(a)+m-1)
	if err := algofft.ConvolveReal(corr, a, b); err != nil {
		return 0
	}
	best, bestLag := math.Inf(-1), 0
	for lag := -maxLag; lag <= maxLag; lag++ {
		k := lag + m - 1
		if k < 0 || k >= len(corr) {
			continue
		}
		if v := float64(corr[k]); v > best {
			best, bestLag = v, lag
		}
	}
	return bestLag
}

func alignByLag(ref, cand []float64, lag int) ([]float64, []float64) {
	switch {
	case lag >= len(ref) || -lag >= len(cand):
		return nil, nil
	case lag >= 0:
		return ref[lag:], cand
	default:
		return ref, cand[-lag:]
	}
}

func rmse(a, b []float64) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	return floats.Distance(a[:n], b[:n], 2) / math.Sqrt(float64(n))
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(vecmath.DotProduct(x, x) / float64(len(x)))
}

// envelopeDB is the framed RMS level in dB.
func envelopeDB(x []float64, frame, hop int) []float64 {
	if frame <= 0 || hop <= 0 || len(x) < frame {
		return nil
	}
	out := make([]float64, 1+(len(x)-frame)/hop)
	for i := range out {
		out[i] = linToDB(rms(x[i*hop : i*hop+frame]))
	}
	return out
}

// spectralRMSEDB compares the Hann-windowed magnitude spectra of the
// leading power-of-two block (512 to 4096 samples) of a and b, skipping DC.
func spectralRMSEDB(a, b []float64) float64 {
	aw, bw := hannBlocks(a, b)
	if aw == nil {
		return 0
	}
	plan, err := algofft.NewPlanReal64(len(aw))
	if err != nil {
		return 0
	}
	forward := func(x []float64) []complex128 {
		spec := make([]complex128, len(x)/2+1)
		plan.Forward(spec, x)
		return spec
	}
	ma := magnitudes(forward(aw))
	mb := magnitudes(forward(bw))
	bins := len(aw) / 2
	var sum float64
	for k := 1; k < bins; k++ {
		d := linToDB(ma[k]) - linToDB(mb[k])
		sum += d * d
	}
	return math.Sqrt(sum / float64(bins-1))
}

func hannBlocks(a, b []float64) ([]float64, []float64) {
	n := min(len(a), len(b))
	if n < 512 {
		return nil, nil
	}
	size := 512
	for size < 4096 && 2*size <= n {
		size *= 2
	}
	win := make([]float64, size)
	for i := range win {
		win[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size-1))
	}
	aw := make([]float64, size)
	bw := make([]float64, size)
	vecmath.MulBlock(aw, a[:size], win)
	vecmath.MulBlock(bw, b[:size], win)
	return aw, bw
}

func magnitudes(spec []complex128) []float64 {
	re := make([]float64, len(spec))
	im := make([]float64, len(spec))
	for i, c := range spec {
		re[i], im[i] = real(c), imag(c)
	}
	out := make([]float64, len(spec))
	vecmath.Magnitude(out, re, im)
	return out
}

func linToDB(x float64) float64 {
	return 20 * math.Log10(math.Max(x, 1e-12))
}

// decaySlope fits a line (dB per second) to the envelope from just after
// its peak until it falls 60 dB below the peak. It returns NaN when fewer
// than six frames qualify.
func decaySlope(envDB []float64, hopSec float64) float64 {
	if len(envDB) < 8 || hopSec <= 0 {
		return math.NaN()
	}
	peak := floats.MaxIdx(envDB)
	start := peak + 1
	if start >= len(envDB)-4 {
		return math.NaN()
	}
	end := len(envDB)
	for i := start; i < len(envDB); i++ {
		if envDB[i] < envDB[peak]-60 {
			end = i
			break
		}
	}
	if end-start < 6 {
		return math.NaN()
	}
	xs := make([]float64, end-start)
	for i := range xs {
		xs[i] = float64(i) * hopSec
	}
	_, slope := stat.LinearRegression(xs, envDB[start:end], nil, false)
	return slope
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
