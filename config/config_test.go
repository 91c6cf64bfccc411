package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/algo-ctrldiff/diffusion"
	"github.com/cwbudde/algo-ctrldiff/schedule"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadJSONAppliesOverridesAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.json", `{
  "schedule": {"steps": 50, "beta_max": 0.05, "kind": "scaled_linear"},
  "model": {"hidden": 8},
  "optim": {"lr": 0.001, "warmup_steps": 10},
  "train": {"batch_size": 4, "out_dir": "out", "parameterization": "clean"},
  "transform": {"kinds": ["standard"]},
  "sample": {"start_step": 10, "workers": "3", "variance": "beta"},
  "synth": {"ir_wav_path": "ir.wav", "harmonics": 12}
}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Schedule.Steps != 50 || c.Schedule.BetaMax != 0.05 || c.Schedule.BetaMin != 1e-4 {
		t.Fatalf("schedule mismatch: %+v", c.Schedule)
	}
	if c.Schedule.Kind != schedule.ScaledLinear {
		t.Fatalf("kind mismatch: %v", c.Schedule.Kind)
	}
	if c.Model.Hidden != 8 || c.Model.Kernel != 5 {
		t.Fatalf("model mismatch: %+v", c.Model)
	}
	if c.Optim.LR != 0.001 || c.Optim.WarmupSteps != 10 || c.Optim.Beta1 != 0.9 {
		t.Fatalf("optim mismatch: %+v", c.Optim)
	}
	if c.Train.BatchSize != 4 || c.Train.Parameterization != "clean" {
		t.Fatalf("train mismatch: %+v", c.Train)
	}
	if want := filepath.Join(dir, "out"); c.Train.OutDir != want {
		t.Fatalf("out_dir = %q, want %q", c.Train.OutDir, want)
	}
	if want := filepath.Join(dir, "ir.wav"); c.Synth.IRWavPath != want {
		t.Fatalf("ir path = %q, want %q", c.Synth.IRWavPath, want)
	}
	if len(c.Transform.Kinds) != 1 || c.Transform.Quantiles != 30 {
		t.Fatalf("transform mismatch: %+v", c.Transform)
	}
	if c.Sample.StartStep != 10 || c.Sample.Workers != "3" {
		t.Fatalf("sample mismatch: %+v", c.Sample)
	}
	if c.Synth.Harmonics != 12 || c.Synth.SampleRate != 16000 {
		t.Fatalf("synth mismatch: %+v", c.Synth)
	}
	opts, err := c.DiffusionOptions()
	if err != nil || len(opts) != 2 {
		t.Fatalf("DiffusionOptions: %v (%d options)", err, len(opts))
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", `
schedule:
  steps: 20
train:
  ema_decay: 0.99
  max_steps: 500
sample:
  start_step: 20
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Schedule.Steps != 20 || c.Train.EMADecay != 0.99 || c.Train.MaxSteps != 500 || c.Sample.StartStep != 20 {
		t.Fatalf("yaml overrides not applied: %+v", c)
	}
	if c.Train.Parameterization != diffusion.PredictNoise.String() {
		t.Fatalf("parameterization default lost: %q", c.Train.Parameterization)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"steps.json":     `{"schedule": {"steps": 0}}`,
		"kind.json":      `{"schedule": {"kind": "cosine"}}`,
		"workers.json":   `{"sample": {"workers": "0"}}`,
		"start.json":     `{"sample": {"start_step": -1}}`,
		"param.json":     `{"train": {"parameterization": "v"}}`,
		"transform.json": `{"transform": {"kinds": ["log"]}}`,
		"ema.json":       `{"train": {"ema_decay": 1.5}}`,
		"synth.json":     `{"synth": {"noise_cutoff": 20000}}`,
		"garbage.json":   `{"schedule": [}`,
	}
	for name, content := range cases {
		path := writeFile(t, dir, name, content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyFileNil(t *testing.T) {
	if err := ApplyFile(nil, &File{}); err == nil {
		t.Fatalf("expected error for nil destination")
	}
	c := Default()
	if err := ApplyFile(c, nil); err != nil {
		t.Fatalf("nil file: %v", err)
	}
}

func TestParseWorkers(t *testing.T) {
	if n, err := ParseWorkers("auto"); err != nil || n != 0 {
		t.Fatalf("auto: %d %v", n, err)
	}
	if n, err := ParseWorkers(" 4 "); err != nil || n != 4 {
		t.Fatalf("4: %d %v", n, err)
	}
	for _, bad := range []string{"", "x", "0", "-2"} {
		if _, err := ParseWorkers(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
	if n, err := Workers("auto"); err != nil || n < 1 {
		t.Fatalf("Workers(auto) = %d %v", n, err)
	}
}
