package analysis

import (
	"math"
	"testing"
)

// vibratoCurves returns a reference and a slightly detuned, quieter
// candidate: n frames of pitch (Hz) and loudness (dB) with vibrato and a
// short unvoiced gap in the middle.
func vibratoCurves(n int) (refP, refL, candP, candL []float64) {
	refP = make([]float64, n)
	refL = make([]float64, n)
	candP = make([]float64, n)
	candL = make([]float64, n)
	for i := range refP {
		ph := 2 * math.Pi * 5.5 * float64(i) / 250
		refP[i] = 330 * math.Pow(2, 0.3*math.Sin(ph)/12)
		candP[i] = 332 * math.Pow(2, 0.25*math.Sin(ph+0.2)/12)
		refL[i] = -24 + 3*math.Sin(ph/7)
		candL[i] = refL[i] - 1.5
		if i > n/2 && i < n/2+n/20 {
			refL[i], candL[i] = -90, -90
		}
	}
	return refP, refL, candP, candL
}

func BenchmarkCompareCurves(b *testing.B) {
	refP, refL, candP, candL := vibratoCurves(250 * 30)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := CompareCurves(refP, refL, candP, candL); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMeanCurveMetrics(b *testing.B) {
	refP, refL, candP, candL := vibratoCurves(250 * 4)
	ms := make([]CurveMetrics, 64)
	for i := range ms {
		m, err := CompareCurves(refP, refL, candP, candL)
		if err != nil {
			b.Fatal(err)
		}
		ms[i] = m
	}
	b.ReportAllocs()
	for b.Loop() {
		_ = MeanCurveMetrics(ms)
	}
}

// BenchmarkCompareRenderedTones runs the full audio comparison on two
// seconds of 16 kHz audio, the fit-synth inner loop.
func BenchmarkCompareRenderedTones(b *testing.B) {
	ref, cand := twoTones(16000 * 2)
	opt := DefaultCompareOptions()
	b.ReportAllocs()
	for b.Loop() {
		_ = CompareWith(ref, cand, 16000, opt)
	}
}

func twoTones(n int) ([]float64, []float64) {
	a := make([]float64, n)
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		a[i] = 0.7*math.Sin(2*math.Pi*57*t) + 0.25*math.Sin(2*math.Pi*311*t)
		c[i] = 0.68*math.Sin(2*math.Pi*57*t+0.05) + 0.27*math.Sin(2*math.Pi*320*t)
	}
	return a, c
}
