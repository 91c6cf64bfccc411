package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/checkpoint"
	"github.com/cwbudde/algo-ctrldiff/config"
	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/train"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a curve denoiser",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}
	cmd.Flags().String("data", "", "Training items (JSON array or JSON lines)")
	cmd.Flags().String("val", "", "Validation items; default holds out train.val_fraction of the windows")
	cmd.Flags().String("out", "", "Checkpoint directory (overrides train.out_dir)")
	cmd.Flags().Int("steps", 0, "Optimizer steps (overrides train.max_steps)")
	cmd.Flags().Uint64("seed", 0, "Training seed (overrides train.seed)")
	cmd.Flags().String("resume", "", "Checkpoint to resume from")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func trainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyTrainFlags(cmd, cfg); err != nil {
		return err
	}

	dataPath, _ := cmd.Flags().GetString("data")
	valPath, _ := cmd.Flags().GetString("val")
	trainW, valW, err := loadWindows(cfg, dataPath, valPath)
	if err != nil {
		return err
	}
	slog.Info("dataset loaded", "train_windows", len(trainW), "val_windows", len(valW))

	var tr *train.Trainer
	if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
		ck, err := checkpoint.Load(resume)
		if err != nil {
			return err
		}
		tr, err = train.Resume(cfg.Train, ck, cfg.Optim, slog.Default())
		if err != nil {
			return err
		}
	} else {
		pipe, err := cfg.Pipeline()
		if err != nil {
			return err
		}
		tr, err = train.New(cfg.Train, cfg.Schedule, cfg.Model, cfg.Optim, pipe, slog.Default())
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := tr.Run(ctx, trainW, valW)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run=%s steps=%d loss=%.6f best_val=%.6f elapsed=%s interrupted=%v\n",
		res.RunID, res.Steps, res.LastLoss, res.BestValLoss, res.Elapsed.Round(time.Millisecond), res.Interrupted)
	return nil
}

func applyTrainFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("out") {
		cfg.Train.OutDir, _ = flags.GetString("out")
	}
	if flags.Changed("steps") {
		cfg.Train.MaxSteps, _ = flags.GetInt("steps")
	}
	if flags.Changed("seed") {
		cfg.Train.Seed, _ = flags.GetUint64("seed")
	}
	return cfg.Validate()
}

// loadWindows cuts the training items into windows. Without a separate
// validation file the windows are split by cfg.Train.ValFraction.
func loadWindows(cfg *config.Config, dataPath, valPath string) (trainW, valW []dataset.Window, err error) {
	items, err := dataset.LoadJSON(dataPath)
	if err != nil {
		return nil, nil, err
	}
	windows, err := dataset.Windows(items, cfg.Train.WindowLength, cfg.Train.WindowHop)
	if err != nil {
		return nil, nil, err
	}
	if valPath == "" {
		return dataset.Split(windows, cfg.Train.ValFraction, cfg.Train.Seed)
	}

	valItems, err := dataset.LoadJSON(valPath)
	if err != nil {
		return nil, nil, err
	}
	valW, err = dataset.Windows(valItems, cfg.Train.WindowLength, cfg.Train.WindowLength)
	if err != nil {
		return nil, nil, err
	}
	return windows, valW, nil
}
