package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWritesFieldsAsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").With(String("component", "scheduler"))
	log.Debug("tempo change applied", Float64("bpm", 140), Int("measure", 5), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "tempo change applied" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["component"] != "scheduler" {
		t.Fatalf("component = %v, want scheduler", m["component"])
	}
	if m["bpm"] != 140.0 || m["measure"] != 5.0 {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field")
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	log.With(String("component", "midi")).Error("nothing happens")
	Nop().Warn("still nothing")
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metronome.log")
	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("started", Int("bpm", 120))
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered after apply")
	_ = svc.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(raw)
	if !strings.Contains(out, "started") {
		t.Fatalf("expected first line in file, got %q", out)
	}
	if strings.Contains(out, "filtered after apply") {
		t.Fatalf("level change was not applied: %q", out)
	}
}

func TestParseLevelNames(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
