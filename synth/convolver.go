package synth

import (
	"fmt"

	dspconv "github.com/cwbudde/algo-dsp/dsp/conv"

	"github.com/cwbudde/algo-ctrldiff/internal/wavio"
)

// Convolver applies a stereo impulse response to a mono signal with
// partitioned overlap-add convolution.
type Convolver struct {
	sampleRate int
	partSize   int
	irLen      int

	leftOLA  *dspconv.StreamingOverlapAddT[float32, complex64]
	rightOLA *dspconv.StreamingOverlapAddT[float32, complex64]

	leftOut  []float32
	rightOut []float32
	block    []float32
}

// NewConvolver returns a convolver holding a unit impulse.
func NewConvolver(sampleRate int) (*Convolver, error) {
	c := &Convolver{
		sampleRate: sampleRate,
		partSize:   128,
	}
	if err := c.SetIR([]float32{1.0}, []float32{1.0}); err != nil {
		return nil, err
	}
	return c, nil
}

// Process convolves mono input and returns the left and right channels,
// each as long as the input.
func (c *Convolver) Process(input []float32) (left, right []float32) {
	left = make([]float32, len(input))
	right = make([]float32, len(input))

	for processed := 0; processed < len(input); processed += c.partSize {
		blockEnd := min(processed+c.partSize, len(input))
		blockLen := blockEnd - processed
		block := input[processed:blockEnd]
		if blockLen < c.partSize {
			clear(c.block)
			copy(c.block, block)
			block = c.block
		}

		errL := c.leftOLA.ProcessBlockTo(c.leftOut, block)
		errR := c.rightOLA.ProcessBlockTo(c.rightOut, block)
		if errL != nil || errR != nil {
			copy(left[processed:blockEnd], input[processed:blockEnd])
			copy(right[processed:blockEnd], input[processed:blockEnd])
			continue
		}
		copy(left[processed:blockEnd], c.leftOut[:blockLen])
		copy(right[processed:blockEnd], c.rightOut[:blockLen])
	}
	return left, right
}

// SetIR configures left/right impulse responses. Empty channels become a
// unit impulse.
func (c *Convolver) SetIR(leftIR, rightIR []float32) error {
	if len(leftIR) == 0 {
		leftIR = []float32{1.0}
	}
	if len(rightIR) == 0 {
		rightIR = []float32{1.0}
	}

	leftOLA, err := dspconv.NewStreamingOverlapAdd32(leftIR, c.partSize)
	if err != nil {
		return fmt.Errorf("synth: left ir: %w", err)
	}
	rightOLA, err := dspconv.NewStreamingOverlapAdd32(rightIR, c.partSize)
	if err != nil {
		return fmt.Errorf("synth: right ir: %w", err)
	}
	c.leftOLA = leftOLA
	c.rightOLA = rightOLA
	c.irLen = max(len(leftIR), len(rightIR))

	c.leftOut = make([]float32, c.partSize)
	c.rightOut = make([]float32, c.partSize)
	c.block = make([]float32, c.partSize)

	c.Reset()
	return nil
}

// LoadIR reads a mono or stereo IR and resamples it to the convolver rate.
func (c *Convolver) LoadIR(path string) error {
	left, right, rate, err := wavio.ReadChannels(path)
	if err != nil {
		return err
	}
	if left, err = wavio.Resample32(left, rate, c.sampleRate); err != nil {
		return err
	}
	if right, err = wavio.Resample32(right, rate, c.sampleRate); err != nil {
		return err
	}
	return c.SetIR(left, right)
}

// IRLen is the longer of the two impulse responses, in samples.
func (c *Convolver) IRLen() int { return c.irLen }

// Reset clears convolver history and overlap buffers.
func (c *Convolver) Reset() {
	if c.leftOLA != nil {
		c.leftOLA.Reset()
	}
	if c.rightOLA != nil {
		c.rightOLA.Reset()
	}
}
