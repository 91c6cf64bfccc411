package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/schedule"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the coefficients of a noise schedule",
		Args:  cobra.NoArgs,
		RunE:  scheduleHandler,
	}
	cmd.Flags().Int("steps", 0, "Diffusion steps T (overrides schedule.steps)")
	cmd.Flags().Float64("beta-min", 0, "First beta (overrides schedule.beta_min)")
	cmd.Flags().Float64("beta-max", 0, "Last beta (overrides schedule.beta_max)")
	cmd.Flags().String("kind", "", "linear or scaled_linear (overrides schedule.kind)")
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p := cfg.Schedule
	flags := cmd.Flags()
	if flags.Changed("steps") {
		p.Steps, _ = flags.GetInt("steps")
	}
	if flags.Changed("beta-min") {
		p.BetaMin, _ = flags.GetFloat64("beta-min")
	}
	if flags.Changed("beta-max") {
		p.BetaMax, _ = flags.GetFloat64("beta-max")
	}
	if flags.Changed("kind") {
		raw, _ := flags.GetString("kind")
		if p.Kind, err = schedule.ParseKind(raw); err != nil {
			return err
		}
	}

	s, err := schedule.New(p)
	if err != nil {
		return err
	}
	asJSON, _ := flags.GetBool("json")
	if asJSON {
		return writeScheduleJSON(cmd.OutOrStdout(), s)
	}
	return writeScheduleTable(cmd.OutOrStdout(), s)
}

type scheduleRow struct {
	Step               int     `json:"step"`
	Beta               float64 `json:"beta"`
	AlphaCum           float64 `json:"alpha_cum"`
	SqrtAlphaCum       float64 `json:"sqrt_alpha_cum"`
	SqrtOneMinusAlpha  float64 `json:"sqrt_one_minus_alpha_cum"`
	PosteriorVariance  float64 `json:"posterior_variance"`
	PosteriorCoefClean float64 `json:"posterior_coef_clean"`
	PosteriorCoefNoisy float64 `json:"posterior_coef_noisy"`
}

func scheduleRows(s *schedule.Schedule) ([]scheduleRow, error) {
	rows := make([]scheduleRow, s.Len())
	for t := range rows {
		st, err := s.At(t)
		if err != nil {
			return nil, err
		}
		rows[t] = scheduleRow{
			Step:               t,
			Beta:               st.Beta,
			AlphaCum:           st.AlphaCum,
			SqrtAlphaCum:       st.SqrtAlphaCum,
			SqrtOneMinusAlpha:  st.SqrtOneMinusAlphaCum,
			PosteriorVariance:  st.PosteriorVariance,
			PosteriorCoefClean: st.PosteriorCoefClean,
			PosteriorCoefNoisy: st.PosteriorCoefNoisy,
		}
	}
	return rows, nil
}

func writeScheduleJSON(w io.Writer, s *schedule.Schedule) error {
	rows, err := scheduleRows(s)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Params schedule.Params `json:"params"`
		Kind   string          `json:"kind_name"`
		Steps  []scheduleRow   `json:"steps"`
	}{s.Params(), s.Params().Kind.String(), rows})
}

func writeScheduleTable(w io.Writer, s *schedule.Schedule) error {
	rows, err := scheduleRows(s)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "t\tbeta\talpha_cum\tsqrt_ac\tsqrt_1m_ac\tpost_var\tcoef_x0\tcoef_xt\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\t\n",
			r.Step, r.Beta, r.AlphaCum, r.SqrtAlphaCum, r.SqrtOneMinusAlpha,
			r.PosteriorVariance, r.PosteriorCoefClean, r.PosteriorCoefNoisy)
	}
	return tw.Flush()
}
