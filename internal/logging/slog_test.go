package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_WritesReadableLine(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)

	log.Info("peer connected", "addr", "127.0.0.1:6881")

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "127.0.0.1:6881") {
		t.Fatalf("output missing attribute: %q", out)
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn)

	log.Debug("should not appear")
	log.Info("should not appear either")
	log.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug/info lines should be filtered out: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestPrettyHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo).With("session", "abc").WithGroup("stats")

	log.Info("tick", "downloaded", 1024)

	if !strings.Contains(buf.String(), "tick") {
		t.Fatalf("output missing message: %q", buf.String())
	}
}
