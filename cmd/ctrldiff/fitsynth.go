package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/mayfly"
	"github.com/spf13/cobra"

	"github.com/cwbudde/algo-ctrldiff/analysis"
	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/internal/wavio"
	"github.com/cwbudde/algo-ctrldiff/synth"
)

type knobDef struct {
	Name  string
	Min   float64
	Max   float64
	IsInt bool
}

type candidate struct {
	Vals []float64
}

// fitTarget is one reference recording with the curves that describe it.
type fitTarget struct {
	ref      []float64
	pitch    []float64
	loudness []float64
	irL      []float32
	irR      []float32
}

func newFitSynthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit-synth",
		Short: "Fit synth knobs to a reference recording with a mayfly search",
		Args:  cobra.NoArgs,
		RunE:  fitSynthHandler,
	}
	cmd.Flags().String("reference", "", "Reference WAV")
	cmd.Flags().String("curves", "", "Curve file describing the reference")
	cmd.Flags().String("item", "", "Item name in --curves (default: first item)")
	cmd.Flags().String("out", "synth.json", "Config file receiving the fitted synth section")
	cmd.Flags().String("out-wav", "", "Render the best candidate here")
	cmd.Flags().Int("max-evals", 400, "Evaluation budget")
	cmd.Flags().Float64("time-budget", 300, "Time budget in seconds")
	cmd.Flags().String("mayfly-variant", "desma", "Mayfly variant: ma, desma, olce, eobbma, gsasma, mpma, aoblmoa")
	cmd.Flags().Int("mayfly-pop", 10, "Mayfly population size")
	cmd.Flags().Int("mayfly-round-evals", 120, "Evaluations per mayfly round")
	cmd.Flags().Int64("seed", 1, "Search seed")
	cmd.Flags().Int("report-every", 25, "Progress output interval in evaluations")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("curves")
	return cmd
}

func fitSynthHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	refPath, _ := flags.GetString("reference")
	curvesPath, _ := flags.GetString("curves")
	itemName, _ := flags.GetString("item")
	outPath, _ := flags.GetString("out")
	outWav, _ := flags.GetString("out-wav")
	maxEvals, _ := flags.GetInt("max-evals")
	timeBudget, _ := flags.GetFloat64("time-budget")
	variant, _ := flags.GetString("mayfly-variant")
	pop, _ := flags.GetInt("mayfly-pop")
	roundEvals, _ := flags.GetInt("mayfly-round-evals")
	seed, _ := flags.GetInt64("seed")
	reportEvery, _ := flags.GetInt("report-every")
	variant = strings.ToLower(variant)
	if maxEvals < 1 || pop < 2 || roundEvals < 1 {
		return fmt.Errorf("max-evals and mayfly-round-evals must be >= 1 and mayfly-pop >= 2")
	}

	base := cfg.Synth
	target, err := loadFitTarget(base, refPath, curvesPath, itemName)
	if err != nil {
		return err
	}
	defs := synthKnobDefs(base, len(target.irL) > 0)

	evaluate := func(c candidate) (analysis.Metrics, synth.Config, error) {
		sc := applyKnobs(base, defs, c)
		out, err := renderCandidate(sc, target)
		if err != nil {
			return analysis.Metrics{}, sc, err
		}
		return analysis.Compare(target.ref, out, sc.SampleRate), sc, nil
	}

	start := time.Now()
	deadline := start.Add(time.Duration(timeBudget * float64(time.Second)))
	best := initCandidate(base, defs)
	bestM, bestCfg, err := evaluate(best)
	if err != nil {
		return fmt.Errorf("initial evaluation failed: %w", err)
	}
	evals := 1
	improves := 0
	fmt.Fprintf(cmd.OutOrStdout(), "Start score=%.4f similarity=%.2f%%\n", bestM.Score, bestM.Similarity*100.0)

	round := 0
	for evals < maxEvals && time.Now().Before(deadline) {
		round++
		budget := min(roundEvals, maxEvals-evals)
		iters := max(1, budget/(2*pop))

		mcfg, err := newMayflyConfig(variant, pop, len(defs), iters)
		if err != nil {
			return err
		}
		mcfg.Rand = rand.New(rand.NewSource(seed + int64(round)*7919))
		mcfg.ObjectiveFunc = func(pos []float64) float64 {
			if evals >= maxEvals || time.Now().After(deadline) {
				return bestM.Score + 1.0
			}
			cand := fromNormalized(pos, defs)
			m, sc, err := evaluate(cand)
			evals++
			if err != nil {
				return bestM.Score + 0.8
			}
			if m.Score < bestM.Score {
				best, bestM, bestCfg = cand, m, sc
				improves++
				fmt.Fprintf(cmd.OutOrStdout(), "Improved #%d eval=%d score=%.4f sim=%.2f%%\n", improves, evals, bestM.Score, bestM.Similarity*100.0)
			}
			if reportEvery > 0 && evals%reportEvery == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Progress round=%d eval=%d elapsed=%.1fs best=%.4f\n", round, evals, time.Since(start).Seconds(), bestM.Score)
			}
			return m.Score
		}

		before := evals
		if _, err := runMayfly(mcfg); err != nil {
			slog.Warn("mayfly round failed", "round", round, "error", err)
		}
		if evals == before {
			break
		}
	}

	// Compare is level-invariant, so the output gain is matched afterwards.
	bestCfg.OutputGain, err = matchOutputGain(bestCfg, target)
	if err != nil {
		return err
	}
	if base.IRWavPath != "" {
		if bestCfg.IRWavPath, err = filepath.Abs(base.IRWavPath); err != nil {
			return err
		}
	}

	if err := writeSynthConfig(outPath, bestCfg); err != nil {
		return err
	}
	if outWav != "" {
		out, err := renderCandidate(bestCfg, target)
		if err != nil {
			return err
		}
		if err := wavio.WriteMono(outWav, wavio.To32(out), bestCfg.SampleRate, wavio.WriteOptions{}); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Done evals=%d elapsed=%.1fs score=%.4f similarity=%.2f%%\n",
		evals, time.Since(start).Seconds(), bestM.Score, bestM.Similarity*100.0)
	for i, d := range defs {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %.6g\n", d.Name, best.Vals[i])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %-12s %.6g\n", "output_gain", bestCfg.OutputGain)
	return nil
}

func loadFitTarget(base synth.Config, refPath, curvesPath, itemName string) (*fitTarget, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	ref, sr, err := wavio.ReadMono(refPath)
	if err != nil {
		return nil, err
	}
	if ref, err = wavio.Resample(ref, sr, base.SampleRate); err != nil {
		return nil, err
	}

	items, err := dataset.LoadJSON(curvesPath)
	if err != nil {
		return nil, err
	}
	var it *dataset.Item
	for i := range items {
		if !items[i].HasTarget() {
			continue
		}
		if itemName == "" || items[i].Name == itemName {
			it = &items[i]
			break
		}
	}
	if it == nil {
		return nil, fmt.Errorf("%s: no item with curves named %q", curvesPath, itemName)
	}

	t := &fitTarget{ref: ref, pitch: it.Pitch, loudness: it.Loudness}
	if base.IRWavPath != "" {
		l, r, irRate, err := wavio.ReadChannels(base.IRWavPath)
		if err != nil {
			return nil, err
		}
		if t.irL, err = wavio.Resample32(l, irRate, base.SampleRate); err != nil {
			return nil, err
		}
		if t.irR, err = wavio.Resample32(r, irRate, base.SampleRate); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// synthKnobDefs lists the searched knobs. The noise cutoff range stays
// below Nyquist of the configured rate. The room is searched only when the
// base config enables it and no IR file is loaded.
func synthKnobDefs(base synth.Config, withIR bool) []knobDef {
	nyq := float64(base.SampleRate) / 2
	defs := []knobDef{
		{Name: "harmonics", Min: 4, Max: 64, IsInt: true},
		{Name: "rolloff", Min: 0.3, Max: 3},
		{Name: "noise_gain", Min: 0, Max: 0.2},
		{Name: "noise_cutoff", Min: math.Min(200, 0.1*nyq), Max: 0.9 * nyq},
	}
	switch {
	case withIR:
		defs = append(defs, knobDef{Name: "ir_wet", Min: 0, Max: 1})
	case base.RoomDecay > 0:
		defs = append(defs,
			knobDef{Name: "room_decay", Min: 0.1, Max: 2.5},
			knobDef{Name: "ir_wet", Min: 0, Max: 1},
		)
	}
	return defs
}

func knobValue(c synth.Config, name string) float64 {
	switch name {
	case "harmonics":
		return float64(c.Harmonics)
	case "rolloff":
		return c.Rolloff
	case "noise_gain":
		return c.NoiseGain
	case "noise_cutoff":
		return c.NoiseCutoff
	case "room_decay":
		return c.RoomDecay
	case "ir_wet":
		return c.IRWet
	}
	return 0
}

func setKnob(c *synth.Config, name string, v float64) {
	switch name {
	case "harmonics":
		c.Harmonics = int(math.Round(v))
	case "rolloff":
		c.Rolloff = v
	case "noise_gain":
		c.NoiseGain = v
	case "noise_cutoff":
		c.NoiseCutoff = v
	case "room_decay":
		c.RoomDecay = v
	case "ir_wet":
		c.IRWet = v
	}
}

func initCandidate(base synth.Config, defs []knobDef) candidate {
	vals := make([]float64, len(defs))
	for i, d := range defs {
		vals[i] = clamp(knobValue(base, d.Name), d.Min, d.Max)
	}
	return candidate{Vals: vals}
}

func applyKnobs(base synth.Config, defs []knobDef, c candidate) synth.Config {
	out := base
	out.IRWavPath = ""
	for i, d := range defs {
		setKnob(&out, d.Name, c.Vals[i])
	}
	return out
}

func fromNormalized(pos []float64, defs []knobDef) candidate {
	vals := make([]float64, len(defs))
	for i := range defs {
		x := 0.0
		if i < len(pos) {
			x = clamp(pos[i], 0, 1)
		}
		v := defs[i].Min + x*(defs[i].Max-defs[i].Min)
		if defs[i].IsInt {
			v = math.Round(v)
		}
		vals[i] = v
	}
	return candidate{Vals: vals}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// renderCandidate renders the target curves with sc. sc must not name an
// IR file; the preloaded target IR is installed instead.
func renderCandidate(sc synth.Config, t *fitTarget) ([]float64, error) {
	h, err := synth.NewHarmonic(sc)
	if err != nil {
		return nil, err
	}
	if len(t.irL) > 0 && sc.IRWet > 0 {
		if err := h.SetIR(t.irL, t.irR); err != nil {
			return nil, err
		}
	}
	out, err := h.Render(t.pitch, t.loudness)
	if err != nil {
		return nil, err
	}
	return wavio.To64(out), nil
}

// matchOutputGain scales sc's output gain so the render has the
// reference's RMS level.
func matchOutputGain(sc synth.Config, t *fitTarget) (float64, error) {
	out, err := renderCandidate(sc, t)
	if err != nil {
		return 0, err
	}
	got := wavio.RMS(wavio.To32(out))
	want := wavio.RMS(wavio.To32(t.ref))
	if got <= 0 || want <= 0 {
		return sc.OutputGain, nil
	}
	return sc.OutputGain * want / got, nil
}

// writeSynthConfig writes a config file holding only the synth section, so
// it can be passed back with --config.
func writeSynthConfig(path string, sc synth.Config) error {
	data, err := json.MarshalIndent(struct {
		Synth synth.Config `json:"synth"`
	}{sc}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func newMayflyConfig(variant string, pop int, dims int, iters int) (*mayfly.Config, error) {
	var cfg *mayfly.Config
	switch variant {
	case "ma":
		cfg = mayfly.NewDefaultConfig()
	case "desma":
		cfg = mayfly.NewDESMAConfig()
	case "olce":
		cfg = mayfly.NewOLCEConfig()
	case "eobbma":
		cfg = mayfly.NewEOBBMAConfig()
	case "gsasma":
		cfg = mayfly.NewGSASMAConfig()
	case "mpma":
		cfg = mayfly.NewMPMAConfig()
	case "aoblmoa":
		cfg = mayfly.NewAOBLMOAConfig()
	default:
		return nil, fmt.Errorf("unsupported mayfly variant %q", variant)
	}
	cfg.ProblemSize = dims
	cfg.LowerBound = 0.0
	cfg.UpperBound = 1.0
	cfg.MaxIterations = iters
	cfg.NPop = pop
	cfg.NPopF = pop
	cfg.NC = 2 * pop
	cfg.NM = max(1, int(math.Round(0.05*float64(pop))))
	return cfg, nil
}

func runMayfly(cfg *mayfly.Config) (_ *mayfly.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mayfly panic: %v", r)
		}
	}()
	return mayfly.Optimize(cfg)
}
