package diffusion

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cwbudde/algo-ctrldiff/tensor"
)

// NoiseSource supplies the random draws of the diffusion process: standard
// normal values for noise and uniform integers for training steps. Sources
// are not safe for concurrent use; give every goroutine its own.
type NoiseSource interface {
	NormFloat64() float64
	IntN(n int) int
}

// SeededSource is a reproducible NoiseSource.
type SeededSource struct {
	rng    *rand.Rand
	normal distuv.Normal
}

// NewSeededSource returns a PCG-backed source. Equal seeds give equal draws.
func NewSeededSource(seed uint64) *SeededSource {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &SeededSource{
		rng:    rand.New(pcg),
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: pcg},
	}
}

// NewRandomSource returns a source seeded from the runtime generator.
func NewRandomSource() *SeededSource {
	return NewSeededSource(rand.Uint64())
}

func (s *SeededSource) NormFloat64() float64 { return s.normal.Rand() }

func (s *SeededSource) IntN(n int) int { return s.rng.IntN(n) }

// ZeroNoise draws zeros and always picks step 0. It makes sampling fully
// deterministic in tests and dry runs.
type ZeroNoise struct{}

func (ZeroNoise) NormFloat64() float64 { return 0 }

func (ZeroNoise) IntN(int) int { return 0 }

// Gaussian fills a new tensor of shape s with draws from src.
func Gaussian(src NoiseSource, s tensor.Shape) *tensor.Tensor {
	out := tensor.New(s.Batch, s.Length, s.Channels)
	for i := range out.Data {
		out.Data[i] = src.NormFloat64()
	}
	return out
}
