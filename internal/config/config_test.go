package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cbegin/metronome-go/internal/scheduler"
)

const sampleYAML = `
logging:
  level: debug
audio:
  clock: system
scheduler:
  control_period: 20ms
  lookahead: 120ms
tempo:
  bpm: 96
  time_signature: 7/8
  subdivision: 2
  accent_first_beat: false
  polyrhythm:
    enabled: true
    cross_beats: 5
    sound_type: clave
  tempo_changes:
    - measure: 9
      kind: gradual
      target_bpm: 120
      duration_measures: 4
    - measure: 3
      target_bpm: 100
      time_signature: 4/4
midi:
  enabled: true
  port: IAC
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse("metronome.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Audio.Clock != ClockSystem || cfg.Audio.SampleRate != DefaultSampleRate {
		t.Fatalf("audio = %+v", cfg.Audio)
	}
	period, lookahead, err := cfg.Scheduler.Durations()
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}
	if period != 20*time.Millisecond || lookahead != 120*time.Millisecond {
		t.Fatalf("durations = %v, %v", period, lookahead)
	}
	if cfg.MIDI.Channel != DefaultMIDIChannel || cfg.MIDI.Port != "IAC" {
		t.Fatalf("midi = %+v", cfg.MIDI)
	}

	st, err := cfg.Tempo.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.BPM != 96 || st.TimeSignature != (scheduler.TimeSignature{Numerator: 7, Denominator: 8}) || st.Subdivision != 2 {
		t.Fatalf("tempo = %+v", st)
	}
	if st.AccentFirstBeat {
		t.Fatalf("accent_first_beat = true, want false")
	}
	if !st.Polyrhythm.Enabled || st.Polyrhythm.CrossBeats != 5 || st.Polyrhythm.SoundType != "clave" {
		t.Fatalf("polyrhythm = %+v", st.Polyrhythm)
	}
	if st.Polyrhythm.Volume != scheduler.DefaultTempoState().Polyrhythm.Volume {
		t.Fatalf("polyrhythm volume = %v, want default", st.Polyrhythm.Volume)
	}
	if len(st.TempoChanges) != 2 || st.TempoChanges[0].Measure != 3 || st.TempoChanges[1].Measure != 9 {
		t.Fatalf("tempo changes = %+v", st.TempoChanges)
	}
	first := st.TempoChanges[0]
	if first.Kind != scheduler.TempoSudden || first.NewTimeSignature == nil || first.NewTimeSignature.Numerator != 4 {
		t.Fatalf("first change = %+v", first)
	}
}

func TestParseJSONAndEmpty(t *testing.T) {
	cfg, err := Parse("m.json", []byte(`{"tempo":{"bpm":150}}`))
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	if st, _ := cfg.Tempo.State(); st.BPM != 150 {
		t.Fatalf("bpm = %v, want 150", st.BPM)
	}
	cfg, err = Parse("m.yaml", []byte(""))
	if err != nil {
		t.Fatalf("Parse empty yaml: %v", err)
	}
	if cfg.Audio.Clock != ClockAudio || cfg.Logging.Level != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		path string
		data string
		want string
	}{
		{"unknown field", "m.yaml", "tempo:\n  bpmm: 100\n", "unknown field"},
		{"trailing json", "m.json", `{"tempo":{}} {}`, "trailing data"},
		{"bpm range", "m.yaml", "tempo:\n  bpm: 500\n", "tempo"},
		{"signature", "m.yaml", "tempo:\n  time_signature: 4-4\n", "time_signature"},
		{"clock", "m.yaml", "audio:\n  clock: wall\n", "audio.clock"},
		{"lookahead", "m.yaml", "scheduler:\n  control_period: 50ms\n  lookahead: 10ms\n", "scheduler.lookahead"},
		{"duration", "m.yaml", "scheduler:\n  lookahead: soon\n", "invalid duration"},
		{"midi channel", "m.yaml", "midi:\n  channel: 17\n", "midi.channel"},
		{"duplicate change", "m.yaml", "tempo:\n  tempo_changes:\n    - {measure: 2, target_bpm: 90}\n    - {measure: 2, target_bpm: 95}\n", "duplicate measure"},
		{"level", "m.yaml", "logging:\n  level: loud\n", "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.path, []byte(tc.data))
			if err == nil {
				t.Fatalf("Parse succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestPracticeRampingOverridesBPM(t *testing.T) {
	cfg, err := Parse("m.yaml", []byte(`
tempo:
  bpm: 140
  practice_ramping:
    enabled: true
    start_bpm: 60
    target_bpm: 90
    increment_bpm: 10
    measure_interval: 2
    direction: up
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st, err := cfg.Tempo.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.BPM != 60 || !st.PracticeRamping.Enabled {
		t.Fatalf("state = bpm %v ramp %+v", st.BPM, st.PracticeRamping)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Tempo.BPM = 88
	cfg.Tempo.TimeSignature = "6/8"
	for _, path := range []string{"out.yaml", "out.json"} {
		b, err := Encode(path, cfg)
		if err != nil {
			t.Fatalf("Encode(%s): %v", path, err)
		}
		back, err := Parse(path, b)
		if err != nil {
			t.Fatalf("Parse(%s): %v\n%s", path, err, b)
		}
		if back.Tempo.BPM != 88 || back.Tempo.TimeSignature != "6/8" {
			t.Fatalf("%s round trip tempo = %+v", path, back.Tempo)
		}
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metronome.yaml")
	if err := os.WriteFile(path, []byte("tempo:\n  bpm: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tempo.BPM != 100 || m.Get() != cfg {
		t.Fatalf("loaded = %+v", cfg.Tempo)
	}

	sub := m.Subscribe(1)
	ctx := context.Background()
	if m.reload(ctx) {
		t.Fatalf("reload published unchanged content")
	}

	if err := os.WriteFile(path, []byte("tempo:\n  bpm: 200\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Tempo.BPM > 180 {
			return os.ErrInvalid
		}
		return nil
	})
	if m.reload(ctx) {
		t.Fatalf("reload published a config the validator rejected")
	}

	if err := os.WriteFile(path, []byte("tempo:\n  bpm: 110\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatalf("reload did not publish changed content")
	}
	select {
	case got := <-sub:
		if got.Tempo.BPM != 110 {
			t.Fatalf("published bpm = %v, want 110", got.Tempo.BPM)
		}
	default:
		t.Fatalf("subscriber received nothing")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Tempo.BPM = 99
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("slow subscriber got %+v, want latest", got.Tempo)
	}
}

func TestManagerWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metronome.yaml")
	if err := os.WriteFile(path, []byte("tempo:\n  bpm: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher has picked up the directory.
		if err := os.WriteFile(path, []byte("tempo:\n  bpm: 130\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-sub:
			if got.Tempo.BPM != 130 {
				// a reload may observe the file mid-write
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-deadline:
			cancel()
			t.Fatalf("no reload observed")
		case <-tick.C:
		}
	}
}
