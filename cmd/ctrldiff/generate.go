package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/algo-ctrldiff/checkpoint"
	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/internal/logutil"
	"github.com/cwbudde/algo-ctrldiff/tensor"
)

// generator draws curve samples for conditioning items. Every (item, draw)
// pair gets its own noise stream seeded from seed and its job index, so the
// output does not depend on the worker count.
type generator struct {
	inf     *checkpoint.Inference
	proc    *diffusion.Process
	start   int
	seed    uint64
	workers int
}

func newGenerator(inf *checkpoint.Inference, start int, seed uint64, workers int, opts ...diffusion.Option) (*generator, error) {
	opts = append([]diffusion.Option{diffusion.WithStepHook(traceStep)}, opts...)
	proc, err := inf.Process(opts...)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, fmt.Errorf("start step must be >= 0, got %d", start)
	}
	if t := proc.Steps(); start > t {
		slog.Warn("start step exceeds the model's diffusion steps, clamping", "start_step", start, "steps", t)
		start = t
	}
	if workers < 1 {
		workers = 1
	}
	return &generator{inf: inf, proc: proc, start: start, seed: seed, workers: workers}, nil
}

// partial reports whether generation starts from the noised conditioning
// rather than from pure noise.
func (g *generator) partial() bool {
	return g.start > 0
}

// generate returns count raw curve draws per item, indexed [item][draw].
func (g *generator) generate(ctx context.Context, items []dataset.Item, count int) ([][]dataset.Item, error) {
	out := make([][]dataset.Item, len(items))
	for i := range out {
		out[i] = make([]dataset.Item, count)
	}

	conds := make([]*tensor.Tensor, len(items))
	for i := range items {
		cond, err := g.inf.Pipeline.Forward(dataset.CondTensor(&items[i]))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", items[i].Name, err)
		}
		conds[i] = cond
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i := range items {
		it, cond := &items[i], conds[i]
		for d := 0; d < count; d++ {
			job := uint64(i*count + d)
			eg.Go(func() error {
				x, err := g.draw(ctx, cond, g.seed+job)
				if err != nil {
					return fmt.Errorf("%s draw %d: %w", it.Name, d, err)
				}
				raw, err := g.inf.Pipeline.Inverse(x)
				if err != nil {
					return fmt.Errorf("%s draw %d: %w", it.Name, d, err)
				}
				name := it.Name
				if count > 1 {
					name = fmt.Sprintf("%s_%02d", it.Name, d)
				}
				gen := dataset.FromTensor(name, it.FrameRate, raw, 0)
				gen.CondPitch = it.CondPitch
				gen.CondLoudness = it.CondLoudness
				out[i][d] = gen
				slog.Debug("generated", "item", it.Name, "draw", d, "frames", gen.Len())
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func traceStep(step int, x *tensor.Tensor) {
	logutil.Trace(nil, "reverse step", "t", step, "max_abs", x.MaxAbs())
}

func (g *generator) draw(ctx context.Context, cond *tensor.Tensor, seed uint64) (*tensor.Tensor, error) {
	p := g.proc.WithSource(diffusion.NewSeededSource(seed))
	var (
		x   *tensor.Tensor
		err error
	)
	if g.partial() {
		x, err = p.PartialDenoiseContext(ctx, cond, cond, g.start)
	} else {
		x, err = p.SampleContext(ctx, cond)
	}
	if err != nil {
		return nil, err
	}
	// The pipeline's normalized range is [-1,1].
	return x.Clip(1), nil
}
