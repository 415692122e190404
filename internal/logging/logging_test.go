package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("task spawned", "pid", 1)

	output := buf.String()
	if !strings.Contains(output, "task spawned") {
		t.Errorf("expected 'task spawned' in output, got: %s", output)
	}
	if !strings.Contains(output, "pid=1") {
		t.Errorf("expected 'pid=1' in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("task exited", "name", "spinner")

	output := buf.String()
	if !strings.Contains(output, `"msg":"task exited"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"name":"spinner"`) {
		t.Errorf("expected JSON name field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Debug("no tasks available in run_tasks")
	logger.Warn("unsupported syscall")

	output := buf.String()
	if strings.Contains(output, "no tasks available") {
		t.Errorf("DEBUG message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "unsupported syscall") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestForRun(t *testing.T) {
	var buf bytes.Buffer
	logger := ForRun(NewLoggerWithWriter(slog.LevelDebug, "text", &buf), "run_abc")
	logger.With("component", "processor").Debug("dispatch", "pid", 2)

	output := buf.String()
	for _, want := range []string{"run_id=run_abc", "component=processor", "pid=2"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger reports ERROR enabled")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	debug := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
	debug.Log(context.Background(), LevelTrace, "dispatch", "pid", 1)
	if buf.Len() != 0 {
		t.Fatalf("TRACE record written at DEBUG level: %s", buf.String())
	}

	trace := NewLoggerWithWriter(LevelTrace, "json", &buf)
	trace.Log(context.Background(), LevelTrace, "dispatch", "pid", 1)
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("expected TRACE level name, got: %s", buf.String())
	}
}
