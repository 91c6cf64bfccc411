package synth

import (
	"math"
	"testing"
)

func TestGenerateRoomBasic(t *testing.T) {
	cfg := DefaultRoomConfig(16000, 0.4, 42)
	l, r, err := GenerateRoom(cfg)
	if err != nil {
		t.Fatalf("GenerateRoom: %v", err)
	}
	if len(l) != int(math.Round(1.5*0.4*16000)) || len(r) != len(l) {
		t.Fatalf("unexpected output lengths: L=%d R=%d", len(l), len(r))
	}

	peak := 0.0
	for i := range l {
		if math.IsNaN(float64(l[i])) || math.IsInf(float64(r[i]), 0) {
			t.Fatalf("non-finite sample at %d", i)
		}
		peak = math.Max(peak, math.Max(math.Abs(float64(l[i])), math.Abs(float64(r[i]))))
	}
	if math.Abs(peak-cfg.Peak) > 1e-6 {
		t.Fatalf("peak = %.6f, want %.2f", peak, cfg.Peak)
	}

	// The tail must decay: the last tenth is far quieter than the first.
	n := len(l)
	head := energy(l[:n/10])
	tail := energy(l[n-n/10:])
	if tail >= head*1e-3 {
		t.Fatalf("tail energy %.3g not well below head energy %.3g", tail, head)
	}
}

func TestGenerateRoomDeterministicForSeed(t *testing.T) {
	cfg := DefaultRoomConfig(16000, 0.2, 7)
	l1, r1, err := GenerateRoom(cfg)
	if err != nil {
		t.Fatalf("first GenerateRoom: %v", err)
	}
	l2, r2, err := GenerateRoom(cfg)
	if err != nil {
		t.Fatalf("second GenerateRoom: %v", err)
	}
	for i := range l1 {
		if l1[i] != l2[i] || r1[i] != r2[i] {
			t.Fatalf("mismatch at %d", i)
		}
	}

	cfg.Seed = 8
	l3, _, err := GenerateRoom(cfg)
	if err != nil {
		t.Fatalf("third GenerateRoom: %v", err)
	}
	same := true
	for i := range l1 {
		if l1[i] != l3[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different seeds produced identical rooms")
	}
}

func TestGenerateRoomRejectsBadConfig(t *testing.T) {
	cfg := DefaultRoomConfig(16000, 0, 1)
	if _, _, err := GenerateRoom(cfg); err == nil {
		t.Fatalf("expected error for zero decay")
	}
	cfg = DefaultRoomConfig(4000, 0.3, 1)
	if _, _, err := GenerateRoom(cfg); err == nil {
		t.Fatalf("expected error for low sample rate")
	}
}

func TestHarmonicUsesRoomWithoutIRFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoiseGain = 0
	cfg.IRWet = 0.5
	cfg.RoomDecay = 0.3
	h, err := NewHarmonic(cfg)
	if err != nil {
		t.Fatalf("NewHarmonic: %v", err)
	}
	p, lo := constCurves(40, 220, -12)
	l, r, err := h.RenderStereo(p, lo)
	if err != nil {
		t.Fatalf("RenderStereo: %v", err)
	}
	diff := 0.0
	for i := range l {
		diff += math.Abs(float64(l[i] - r[i]))
	}
	if diff == 0 {
		t.Fatalf("room response should decorrelate the channels")
	}

	cfg.IRWet = 0
	h, err = NewHarmonic(cfg)
	if err != nil {
		t.Fatalf("NewHarmonic dry: %v", err)
	}
	l, r, err = h.RenderStereo(p, lo)
	if err != nil {
		t.Fatalf("RenderStereo dry: %v", err)
	}
	for i := range l {
		if l[i] != r[i] {
			t.Fatalf("dry render should be identical in both channels at %d", i)
		}
	}
}

func energy(x []float32) float64 {
	e := 0.0
	for _, v := range x {
		e += float64(v) * float64(v)
	}
	return e
}
