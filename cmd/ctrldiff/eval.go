package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/analysis"
	"github.com/cwbudde/algo-ctrldiff/dataset"
)

type evalItem struct {
	Name  string                  `json:"name"`
	Mean  analysis.CurveMetrics   `json:"mean"`
	Draws []analysis.CurveMetrics `json:"draws"`
}

type evalReport struct {
	RunID     string                `json:"run_id"`
	Step      int                   `json:"step"`
	StartStep int                   `json:"start_step"`
	Partial   bool                  `json:"partial"`
	Draws     int                   `json:"draws_per_item"`
	Seed      uint64                `json:"seed"`
	Mean      analysis.CurveMetrics `json:"mean"`
	Items     []evalItem            `json:"items"`
}

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score generated curves against reference items",
		Args:  cobra.NoArgs,
		RunE:  evalHandler,
	}
	addModelFlags(cmd)
	addGenerateFlags(cmd)
	cmd.Flags().String("data", "", "Reference items with pitch/loudness curves")
	cmd.Flags().String("report", "", "Write the JSON report here instead of stdout")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func evalHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyGenerateFlags(cmd, cfg); err != nil {
		return err
	}
	dataPath, _ := cmd.Flags().GetString("data")
	all, err := dataset.LoadJSON(dataPath)
	if err != nil {
		return err
	}
	var refs []dataset.Item
	for _, it := range all {
		if it.HasTarget() {
			refs = append(refs, it)
		}
	}
	if len(refs) == 0 {
		return fmt.Errorf("%s: no items with reference curves", dataPath)
	}

	inf, err := loadInference(cmd)
	if err != nil {
		return err
	}
	gen, err := newGeneratorFromConfig(cfg, inf)
	if err != nil {
		return err
	}
	draws, err := gen.generate(cmd.Context(), refs, cfg.Sample.Count)
	if err != nil {
		return err
	}

	report, err := scoreDraws(refs, draws)
	if err != nil {
		return err
	}
	report.RunID = inf.RunID
	report.Step = inf.Step
	report.StartStep = gen.start
	report.Partial = gen.partial()
	report.Draws = cfg.Sample.Count
	report.Seed = cfg.Sample.Seed
	slog.Info("evaluation", "items", len(refs), "score", report.Mean.Score,
		"pitch_rmse_cents", report.Mean.PitchRMSECents, "loudness_rmse_db", report.Mean.LoudnessRMSEDB)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path, _ := cmd.Flags().GetString("report"); path != "" {
		return os.WriteFile(path, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// scoreDraws compares every draw with its reference item.
func scoreDraws(refs []dataset.Item, draws [][]dataset.Item) (*evalReport, error) {
	if len(refs) != len(draws) {
		return nil, fmt.Errorf("%d references but %d draw sets", len(refs), len(draws))
	}
	report := &evalReport{Items: make([]evalItem, 0, len(refs))}
	var all []analysis.CurveMetrics
	for i, ref := range refs {
		item := evalItem{Name: ref.Name}
		for _, d := range draws[i] {
			m, err := analysis.CompareCurves(ref.Pitch, ref.Loudness, d.Pitch, d.Loudness)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ref.Name, err)
			}
			item.Draws = append(item.Draws, m)
		}
		item.Mean = analysis.MeanCurveMetrics(item.Draws)
		all = append(all, item.Draws...)
		report.Items = append(report.Items, item)
	}
	report.Mean = analysis.MeanCurveMetrics(all)
	return report, nil
}
