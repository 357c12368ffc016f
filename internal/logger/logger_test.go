package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLineHandlerFormat(t *testing.T) {
	SetLevel("debug")
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).With("call_sid", "abc")

	log.Info("[Session] Task started", "task", "say")

	got := buf.String()
	if !strings.Contains(got, "[INFO] [Session] Task started") {
		t.Fatalf("unexpected line: %q", got)
	}
	if !strings.Contains(got, "call_sid=abc task=say") {
		t.Errorf("attrs missing or out of order: %q", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	SetLevel("warn")
	defer SetLevel("debug")

	log.Info("dropped")
	log.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn line missing")
	}
	if GetLevel() != "warn" {
		t.Errorf("GetLevel() = %q, want warn", GetLevel())
	}
}

func TestSipgoWriterReformatsJSON(t *testing.T) {
	SetLevel("debug")
	var buf bytes.Buffer
	w := NewSipgoWriter(&buf)

	line := `{"level":"info","time":"2024-01-02T03:04:05Z","message":"UDP listening","addr":"0.0.0.0:5060"}` + "\n"
	if _, err := w.Write([]byte(line)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := buf.String()
	if !strings.HasPrefix(got, "[03:04:05] [INFO] [SIP] UDP listening addr=0.0.0.0:5060") {
		t.Errorf("unexpected reformat: %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelDebug,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
