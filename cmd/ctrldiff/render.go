package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/internal/wavio"
	"github.com/cwbudde/algo-ctrldiff/synth"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render curve files to WAV with the harmonic synth",
		Args:  cobra.NoArgs,
		RunE:  renderHandler,
	}
	cmd.Flags().String("curves", "", "Curve items (JSON array or JSON lines)")
	cmd.Flags().String("out", "", "Output WAV for a single item, or a directory for several")
	cmd.Flags().Bool("dither", false, "TPDF dither when writing WAV")
	_ = cmd.MarkFlagRequired("curves")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func renderHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	curvesPath, _ := cmd.Flags().GetString("curves")
	out, _ := cmd.Flags().GetString("out")
	dither, _ := cmd.Flags().GetBool("dither")

	items, err := dataset.LoadJSON(curvesPath)
	if err != nil {
		return err
	}
	var targets []dataset.Item
	for _, it := range items {
		if !it.HasTarget() {
			slog.Warn("skipping item without curves", "item", it.Name)
			continue
		}
		targets = append(targets, it)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%s: no items with pitch/loudness curves", curvesPath)
	}

	if len(targets) == 1 && strings.EqualFold(filepath.Ext(out), ".wav") {
		v, err := synth.NewHarmonic(cfg.Synth)
		if err != nil {
			return err
		}
		if err := renderItem(v, targets[0], out, dither); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}

	paths, err := renderItems(cfg.Synth, targets, out, dither)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

// renderItems writes <dir>/<name>.wav for every item.
func renderItems(cfg synth.Config, items []dataset.Item, dir string, dither bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	v, err := synth.NewHarmonic(cfg)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(items))
	for _, it := range items {
		path := filepath.Join(dir, it.Name+".wav")
		if err := renderItem(v, it, path, dither); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func renderItem(v *synth.Harmonic, it dataset.Item, path string, dither bool) error {
	if it.FrameRate != 0 && it.FrameRate != v.Config().FrameRate {
		return fmt.Errorf("%s: frame rate %g does not match synth frame rate %g", it.Name, it.FrameRate, v.Config().FrameRate)
	}
	left, right, err := v.RenderStereo(it.Pitch, it.Loudness)
	if err != nil {
		return fmt.Errorf("%s: %w", it.Name, err)
	}
	slog.Debug("rendered", "item", it.Name, "samples", len(left), "peak", wavio.Peak(left))
	return wavio.WriteStereo(path, left, right, v.SampleRate(), wavio.WriteOptions{Dither: dither, Seed: v.Config().Seed})
}
