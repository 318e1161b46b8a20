package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn)

	Debug("hidden debug")
	Info("hidden info")
	Warn("shown warn")
	Error("shown error", errors.New("boom"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown warn")
	assert.Contains(t, out, "[ERROR] shown error err=boom")
}

func TestKeyValueFormatting(t *testing.T) {
	buf := capture(t, LevelDebug)

	Info("cycle done", "city", "New Delhi", "count", 3, 42, "ignored", "dangling")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, `city="New Delhi"`)
	assert.Contains(t, line, "count=3")
	assert.NotContains(t, line, "ignored")
	assert.NotContains(t, line, "dangling")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", RedactURL("https://example.com/private.ics?token=abcd"))
	assert.Equal(t, "http://127.0.0.1:8121/...(redacted)", RedactURL("http://127.0.0.1:8121?x=1"))
	assert.Equal(t, "...(redacted)", RedactURL("not a url"))
}
