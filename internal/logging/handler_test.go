package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleWritesMessageAndLevel(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	logger := slog.New(NewPrettyHandler(&buf, &opts))
	logger.Info("hello world", "peer", "1.2.3.4:6881")

	out := buf.String()
	if !strings.Contains(out, "hello world") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Fatalf("output missing level: %q", out)
	}
	if !strings.Contains(out, "1.2.3.4:6881") {
		t.Fatalf("output missing attribute: %q", out)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.SlogOpts.Level = slog.LevelWarn

	h := NewPrettyHandler(&buf, &opts)
	logger := slog.New(h)
	logger.Info("should be filtered")

	if buf.Len() != 0 {
		t.Fatalf("expected info message to be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("should pass")
	if buf.Len() == 0 {
		t.Fatalf("expected warn message to pass through")
	}
}

func TestWithAttrsIncludesInOutput(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	logger := slog.New(NewPrettyHandler(&buf, &opts)).With("component", "registry")
	logger.Info("started")

	if !strings.Contains(buf.String(), "registry") {
		t.Fatalf("expected scoped attribute in output: %q", buf.String())
	}
}
