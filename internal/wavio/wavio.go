// Package wavio reads and writes 16-bit PCM WAV files for rendered curves
// and reference recordings.
package wavio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	vecmath "github.com/cwbudde/algo-vecmath"
	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

// LSB16 is one quantization step of a 16-bit file at full scale 1.0.
const LSB16 = 1.0 / 32768

// ReadMono decodes path and averages all channels. It returns the samples
// and the file's sample rate.
func ReadMono(path string) ([]float64, int, error) {
	buf, err := readPCM(path)
	if err != nil {
		return nil, 0, err
	}
	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum / float64(ch)
	}
	return out, buf.Format.SampleRate, nil
}

// ReadChannels decodes path into one slice per channel, capped at two.
// Mono files return the same slice twice.
func ReadChannels(path string) (left, right []float32, sampleRate int, err error) {
	buf, err := readPCM(path)
	if err != nil {
		return nil, nil, 0, err
	}
	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	if frames == 0 {
		return nil, nil, 0, fmt.Errorf("empty wav data: %s", path)
	}
	left = make([]float32, frames)
	if ch == 1 {
		copy(left, buf.Data)
		return left, left, buf.Format.SampleRate, nil
	}
	right = make([]float32, frames)
	for i := range frames {
		left[i] = buf.Data[i*ch]
		right[i] = buf.Data[i*ch+1]
	}
	return left, right, buf.Format.SampleRate, nil
}

func readPCM(path string) (*audio.Float32Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("invalid wav buffer: %s", path)
	}
	if buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid wav sample-rate: %d", buf.Format.SampleRate)
	}
	return buf, nil
}

// Resample converts in from one rate to another. Equal rates return in
// unchanged.
func Resample(in []float64, fromRate, toRate int) ([]float64, error) {
	if fromRate == toRate {
		return in, nil
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("wavio: invalid resample rates %d -> %d", fromRate, toRate)
	}
	r, err := dspresample.NewForRates(
		float64(fromRate),
		float64(toRate),
		dspresample.WithQuality(dspresample.QualityBest),
	)
	if err != nil {
		return nil, err
	}
	return r.Process(in), nil
}

// Resample32 is Resample for float32 buffers.
func Resample32(in []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate == toRate {
		return in, nil
	}
	out64, err := Resample(To64(in), fromRate, toRate)
	if err != nil {
		return nil, err
	}
	return To32(out64), nil
}

// WriteOptions control how float samples are quantized.
type WriteOptions struct {
	// Dither adds TPDF dither of one LSB before 16-bit quantization.
	Dither bool
	// Seed seeds the dither generator.
	Seed int64
}

// WriteMono writes samples as a 16-bit mono file, creating parent
// directories as needed.
func WriteMono(path string, samples []float32, sampleRate int, opts WriteOptions) error {
	return write(path, prepare(samples, opts), sampleRate, 1)
}

// WriteStereo writes left/right channels as a 16-bit stereo file.
func WriteStereo(path string, left, right []float32, sampleRate int, opts WriteOptions) error {
	if len(left) != len(right) {
		return fmt.Errorf("left/right length mismatch")
	}
	data := make([]float32, len(left)*2)
	for i := range left {
		data[i*2] = left[i]
		data[i*2+1] = right[i]
	}
	return WriteInterleaved(path, data, sampleRate, 2, opts)
}

// WriteInterleaved writes interleaved samples with the given channel count.
func WriteInterleaved(path string, samples []float32, sampleRate, channels int, opts WriteOptions) error {
	if channels < 1 || len(samples)%channels != 0 {
		return fmt.Errorf("wavio: %d samples do not split into %d channels", len(samples), channels)
	}
	return write(path, prepare(samples, opts), sampleRate, channels)
}

func prepare(samples []float32, opts WriteOptions) []float32 {
	if !opts.Dither || len(samples) == 0 {
		return samples
	}
	buf := To64(samples)
	vecmath.AddDitherTPDF(buf, LSB16, vecmath.NewDitherState(opts.Seed))
	return To32(buf)
}

func write(path string, data []float32, sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("wavio: invalid sample rate %d", sampleRate)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)

	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: channels,
		},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// StereoToMono averages interleaved stereo samples.
func StereoToMono(st []float32) []float64 {
	if len(st) < 2 {
		return nil
	}
	n := len(st) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = 0.5 * (float64(st[i*2]) + float64(st[i*2+1]))
	}
	return out
}

// RMS of a float32 buffer.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	buf := To64(samples)
	return math.Sqrt(vecmath.DotProduct(buf, buf) / float64(len(buf)))
}

// Peak returns the largest absolute sample.
func Peak(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	return vecmath.MaxAbs(To64(samples))
}

// Normalize scales samples in place so the peak is target. Silent buffers
// are left alone.
func Normalize(samples []float32, target float64) {
	p := Peak(samples)
	if p == 0 {
		return
	}
	g := float32(target / p)
	for i := range samples {
		samples[i] *= g
	}
}

func To64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func To32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
