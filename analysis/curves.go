package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// VoicedThresholdDB is the loudness below which a frame counts as
// unvoiced.
const VoicedThresholdDB = -60.0

// CurveMetrics compares a generated pitch/loudness curve pair against a
// reference.
type CurveMetrics struct {
	Frames       int `json:"frames"`
	VoicedFrames int `json:"voiced_frames"`

	PitchRMSECents   float64 `json:"pitch_rmse_cents"`
	PitchBiasCents   float64 `json:"pitch_bias_cents"`
	LoudnessRMSEDB   float64 `json:"loudness_rmse_db"`
	VoicingAgreement float64 `json:"voicing_agreement"`

	Score float64 `json:"score"`
}

// CompareCurves computes pitch error in cents over frames voiced in both
// curves, loudness RMSE over all frames and the fraction of frames whose
// voicing agrees. Score combines them into [0,1], lower is closer.
func CompareCurves(refPitch, refLoudness, candPitch, candLoudness []float64) (CurveMetrics, error) {
	n := len(refPitch)
	if len(refLoudness) != n || len(candPitch) != n || len(candLoudness) != n {
		return CurveMetrics{}, fmt.Errorf("analysis: curve lengths %d/%d/%d/%d differ",
			len(refPitch), len(refLoudness), len(candPitch), len(candLoudness))
	}
	m := CurveMetrics{Frames: n}
	if n == 0 {
		m.Score = 1
		return m, nil
	}

	var cents []float64
	agree := 0
	for i := 0; i < n; i++ {
		rv := voiced(refPitch[i], refLoudness[i])
		cv := voiced(candPitch[i], candLoudness[i])
		if rv == cv {
			agree++
		}
		if rv && cv {
			cents = append(cents, 1200*math.Log2(candPitch[i]/refPitch[i]))
		}
	}
	m.VoicedFrames = len(cents)
	m.VoicingAgreement = float64(agree) / float64(n)
	if len(cents) > 0 {
		m.PitchRMSECents = rms(cents)
		m.PitchBiasCents = floats.Sum(cents) / float64(len(cents))
	}
	m.LoudnessRMSEDB = rmse(refLoudness, candLoudness)

	pitchNorm := clamp01(m.PitchRMSECents / 100.0)
	loudNorm := clamp01(m.LoudnessRMSEDB / 20.0)
	m.Score = clamp01(0.5*pitchNorm + 0.3*loudNorm + 0.2*(1-m.VoicingAgreement))
	return m, nil
}

func voiced(pitch, loudness float64) bool {
	return pitch > 0 && isFinite(pitch) && loudness > VoicedThresholdDB
}

// MeanCurveMetrics averages per-item metrics, weighting by frame count.
func MeanCurveMetrics(ms []CurveMetrics) CurveMetrics {
	var out CurveMetrics
	var w, wv float64
	for _, m := range ms {
		f := float64(m.Frames)
		v := float64(m.VoicedFrames)
		out.Frames += m.Frames
		out.VoicedFrames += m.VoicedFrames
		out.PitchRMSECents += v * m.PitchRMSECents
		out.PitchBiasCents += v * m.PitchBiasCents
		out.LoudnessRMSEDB += f * m.LoudnessRMSEDB
		out.VoicingAgreement += f * m.VoicingAgreement
		out.Score += f * m.Score
		w += f
		wv += v
	}
	if wv > 0 {
		out.PitchRMSECents /= wv
		out.PitchBiasCents /= wv
	}
	if w > 0 {
		out.LoudnessRMSEDB /= w
		out.VoicingAgreement /= w
		out.Score /= w
	} else {
		out.Score = 1
	}
	return out
}
