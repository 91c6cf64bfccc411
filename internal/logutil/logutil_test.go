package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelWarn,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     LevelTrace,
		"TRACE": LevelTrace,
		"0":     slog.LevelWarn,
		"bogus": slog.LevelWarn,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in, slog.LevelWarn), "input %q", in)
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(DebugEnv, "1")
	assert.Equal(t, slog.LevelDebug, LevelFromEnv(slog.LevelInfo))
}

func TestTraceLevelNameAndShortSource(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	slog.SetDefault(NewLogger(&buf, LevelTrace))

	Trace(nil, "reverse step", "t", 3)
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "source=logutil_test.go:")
	assert.True(t, strings.Contains(out, "t=3"))
}

func TestTraceSuppressedAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	Trace(NewLogger(&buf, slog.LevelInfo), "hidden")
	assert.Empty(t, buf.String())

	Trace(NewLogger(&buf, LevelTrace), "shown", "loss", 0.5)
	assert.Contains(t, buf.String(), "loss=0.5")
}
