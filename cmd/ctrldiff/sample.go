package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/checkpoint"
	"github.com/cwbudde/algo-ctrldiff/config"
	"github.com/cwbudde/algo-ctrldiff/dataset"
)

func newSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate control curves from conditioning",
		Long: "Generate control curves from conditioning. With start-step > 0 the\n" +
			"conditioning is noised to that step (at most the model's T) and denoised\n" +
			"back; with 0 every draw starts from pure noise.",
		Args: cobra.NoArgs,
		RunE: sampleHandler,
	}
	addModelFlags(cmd)
	addGenerateFlags(cmd)
	cmd.Flags().String("data", "", "Items whose conditioning is sampled (JSON array or JSON lines)")
	cmd.Flags().String("notes", "", "JSON array of notes {pitch, velocity, start, duration} forming one item")
	cmd.Flags().String("out-dir", "samples", "Output directory")
	cmd.Flags().Bool("render", false, "Also render every draw to WAV")
	cmd.Flags().Bool("dither", false, "TPDF dither when writing WAV")
	cmd.MarkFlagsMutuallyExclusive("data", "notes")
	return cmd
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().String("checkpoint", "", "Training checkpoint or inference bundle")
	cmd.Flags().String("bundle", "", "Inference bundle")
	cmd.MarkFlagsMutuallyExclusive("checkpoint", "bundle")
}

func addGenerateFlags(cmd *cobra.Command) {
	cmd.Flags().Int("start-step", 0, "Partial denoising start step (overrides sample.start_step)")
	cmd.Flags().Int("count", 0, "Draws per item (overrides sample.count)")
	cmd.Flags().String("workers", "", "Parallel draws: integer or 'auto' (overrides sample.workers)")
	cmd.Flags().Uint64("seed", 0, "Base sampling seed (overrides sample.seed)")
}

func applyGenerateFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("start-step") {
		cfg.Sample.StartStep, _ = flags.GetInt("start-step")
	}
	if flags.Changed("count") {
		cfg.Sample.Count, _ = flags.GetInt("count")
	}
	if flags.Changed("workers") {
		cfg.Sample.Workers, _ = flags.GetString("workers")
	}
	if flags.Changed("seed") {
		cfg.Sample.Seed, _ = flags.GetUint64("seed")
	}
	return cfg.Validate()
}

func loadInference(cmd *cobra.Command) (*checkpoint.Inference, error) {
	path, _ := cmd.Flags().GetString("checkpoint")
	if path == "" {
		path, _ = cmd.Flags().GetString("bundle")
	}
	if path == "" {
		return nil, fmt.Errorf("one of --checkpoint or --bundle is required")
	}
	inf, err := checkpoint.LoadInference(path)
	if err != nil {
		return nil, err
	}
	slog.Info("model loaded", "path", path, "run", inf.RunID, "step", inf.Step, "steps", inf.Schedule.Len())
	return inf, nil
}

// newGeneratorFromConfig builds a generator from the sample section. A
// start step beyond the model's own schedule is clamped to it.
func newGeneratorFromConfig(cfg *config.Config, inf *checkpoint.Inference) (*generator, error) {
	workers, err := config.Workers(cfg.Sample.Workers)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.DiffusionOptions()
	if err != nil {
		return nil, err
	}
	return newGenerator(inf, cfg.Sample.StartStep, cfg.Sample.Seed, workers, opts...)
}

func sampleHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyGenerateFlags(cmd, cfg); err != nil {
		return err
	}
	items, err := loadConditioning(cmd)
	if err != nil {
		return err
	}
	inf, err := loadInference(cmd)
	if err != nil {
		return err
	}
	gen, err := newGeneratorFromConfig(cfg, inf)
	if err != nil {
		return err
	}

	slog.Info("sampling", "items", len(items), "count", cfg.Sample.Count, "start_step", gen.start, "partial", gen.partial(), "workers", gen.workers)
	draws, err := gen.generate(cmd.Context(), items, cfg.Sample.Count)
	if err != nil {
		return err
	}

	outDir, _ := cmd.Flags().GetString("out-dir")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	var flat []dataset.Item
	for _, d := range draws {
		flat = append(flat, d...)
	}
	for _, it := range flat {
		path := filepath.Join(outDir, it.Name+".json")
		if err := dataset.SaveJSON(path, []dataset.Item{it}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}

	if render, _ := cmd.Flags().GetBool("render"); render {
		dither, _ := cmd.Flags().GetBool("dither")
		paths, err := renderItems(cfg.Synth, flat, outDir, dither)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
	}
	return nil
}

// loadConditioning reads --data items or builds a single item from --notes.
func loadConditioning(cmd *cobra.Command) ([]dataset.Item, error) {
	if path, _ := cmd.Flags().GetString("data"); path != "" {
		return dataset.LoadJSON(path)
	}
	path, _ := cmd.Flags().GetString("notes")
	if path == "" {
		return nil, fmt.Errorf("one of --data or --notes is required")
	}
	return loadNotes(path)
}

func loadNotes(path string) ([]dataset.Item, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var notes []dataset.Note
	if err := json.Unmarshal(b, &notes); err != nil {
		return nil, fmt.Errorf("notes %s: %w", path, err)
	}
	it := dataset.Item{
		Name:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Notes: notes,
	}
	if err := it.Prepare(); err != nil {
		return nil, err
	}
	return []dataset.Item{it}, nil
}
