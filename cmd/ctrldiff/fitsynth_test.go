package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/algo-ctrldiff/dataset"
	"github.com/cwbudde/algo-ctrldiff/synth"
)

func TestKnobDefsStayBelowNyquist(t *testing.T) {
	cfg := synth.DefaultConfig()
	cfg.SampleRate = 8000
	defs := synthKnobDefs(cfg, false)
	require.Len(t, defs, 4)
	for _, d := range defs {
		if d.Name == "noise_cutoff" {
			assert.Less(t, d.Max, 4000.0)
		}
	}
	assert.Len(t, synthKnobDefs(cfg, true), 5)

	cfg.RoomDecay = 0.5
	room := synthKnobDefs(cfg, false)
	require.Len(t, room, 6)
	assert.Equal(t, "room_decay", room[4].Name)
}

func TestFromNormalizedClampsAndRounds(t *testing.T) {
	defs := []knobDef{
		{Name: "harmonics", Min: 4, Max: 64, IsInt: true},
		{Name: "rolloff", Min: 0.5, Max: 1.5},
	}
	c := fromNormalized([]float64{0.51, 2}, defs)
	assert.Equal(t, 35.0, c.Vals[0])
	assert.Equal(t, 1.5, c.Vals[1])

	c = fromNormalized([]float64{-1}, defs)
	assert.Equal(t, 4.0, c.Vals[0])
	assert.Equal(t, 0.5, c.Vals[1])
}

func TestApplyKnobsDropsIRPath(t *testing.T) {
	base := synth.DefaultConfig()
	base.IRWavPath = "/tmp/ir.wav"
	defs := synthKnobDefs(base, true)
	c0 := initCandidate(base, defs)
	got := applyKnobs(base, defs, c0)
	assert.Empty(t, got.IRWavPath)
	assert.Equal(t, base.Harmonics, got.Harmonics)
	assert.Equal(t, base.IRWet, got.IRWet)
	require.NoError(t, got.Validate())
}

func TestScoreDraws(t *testing.T) {
	ref := dataset.Item{Name: "r", Pitch: []float64{220, 220, 220, 220}, Loudness: []float64{-20, -20, -20, -20}}
	exact := ref
	sharp := dataset.Item{Pitch: []float64{440, 440, 440, 440}, Loudness: ref.Loudness}

	rep, err := scoreDraws([]dataset.Item{ref}, [][]dataset.Item{{exact, sharp}})
	require.NoError(t, err)
	require.Len(t, rep.Items, 1)
	require.Len(t, rep.Items[0].Draws, 2)
	assert.InDelta(t, 0, rep.Items[0].Draws[0].PitchRMSECents, 1e-9)
	assert.InDelta(t, 1200, rep.Items[0].Draws[1].PitchRMSECents, 1e-9)
	assert.InDelta(t, 600, rep.Mean.PitchRMSECents, 1e-9)

	_, err = scoreDraws([]dataset.Item{ref}, nil)
	assert.Error(t, err)
}
