package dataset

import (
	"math"
	"sort"
)

// SilenceDB is the loudness of frames without an active note.
const SilenceDB = -80.0

// Note is a MIDI note event with times in seconds.
type Note struct {
	Pitch    int     `json:"pitch"`
	Velocity int     `json:"velocity"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

func (n Note) End() float64 { return n.Start + n.Duration }

// MIDIToHz converts a (fractional) MIDI note number to Hz.
func MIDIToHz(m float64) float64 {
	return 440 * math.Pow(2, (m-69)/12)
}

// HzToMIDI converts a frequency to a fractional MIDI note number.
func HzToMIDI(hz float64) float64 {
	return 69 + 12*math.Log2(hz/440)
}

// VelocityToDB maps MIDI velocity 1..127 to a loudness in dB; velocity
// 127 is -10 dB.
func VelocityToDB(velocity int) float64 {
	if velocity <= 0 {
		return SilenceDB
	}
	v := math.Min(float64(velocity), 127) / 127
	return math.Max(SilenceDB, 20*math.Log10(v)-10)
}

// FramesForNotes is the number of frames covering every note.
func FramesForNotes(notes []Note, frameRate float64) int {
	end := 0.0
	for _, n := range notes {
		end = math.Max(end, n.End())
	}
	return int(math.Ceil(end * frameRate))
}

// ConditionFromNotes renders notes to frame-rate pitch (Hz) and loudness
// (dB) curves. Overlapping notes resolve to the most recent onset. Gaps
// hold the neighbouring pitch at SilenceDB so the pitch curve stays
// continuous.
func ConditionFromNotes(notes []Note, frameRate float64, frames int) (pitch, loudness []float64) {
	pitch = make([]float64, frames)
	loudness = make([]float64, frames)
	if frames == 0 {
		return pitch, loudness
	}
	sorted := append([]Note(nil), notes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	hold := math.NaN()
	for f := 0; f < frames; f++ {
		t := float64(f) / frameRate
		active := -1
		for i, n := range sorted {
			if n.Start > t {
				break
			}
			if t < n.End() {
				active = i
			}
		}
		if active >= 0 {
			n := sorted[active]
			hold = MIDIToHz(float64(n.Pitch))
			pitch[f] = hold
			loudness[f] = VelocityToDB(n.Velocity)
			continue
		}
		pitch[f] = hold
		loudness[f] = SilenceDB
	}

	first := math.NaN()
	for _, p := range pitch {
		if !math.IsNaN(p) {
			first = p
			break
		}
	}
	if math.IsNaN(first) {
		first = MIDIToHz(60)
		if len(sorted) > 0 {
			first = MIDIToHz(float64(sorted[0].Pitch))
		}
	}
	for f := range pitch {
		if !math.IsNaN(pitch[f]) {
			break
		}
		pitch[f] = first
	}
	return pitch, loudness
}

// QuantizeCondition derives conditioning from target curves: pitch snapped
// to the nearest semitone and loudness smoothed over five frames.
// Non-positive pitch frames hold the previous value.
func QuantizeCondition(pitch, loudness []float64) (condPitch, condLoudness []float64) {
	condPitch = make([]float64, len(pitch))
	prev := 0.0
	for i, p := range pitch {
		if p > 0 {
			prev = MIDIToHz(math.Round(HzToMIDI(p)))
		}
		condPitch[i] = prev
	}
	first := MIDIToHz(60)
	for _, p := range condPitch {
		if p > 0 {
			first = p
			break
		}
	}
	for i := range condPitch {
		if condPitch[i] > 0 {
			break
		}
		condPitch[i] = first
	}

	const radius = 2
	condLoudness = make([]float64, len(loudness))
	for i := range loudness {
		lo, hi := max(0, i-radius), min(len(loudness), i+radius+1)
		sum := 0.0
		for _, v := range loudness[lo:hi] {
			sum += v
		}
		condLoudness[i] = sum / float64(hi-lo)
	}
	return condPitch, condLoudness
}
