package metronome

import (
	"context"
	"errors"
	"testing"

	"github.com/cbegin/metronome-go/internal/config"
	"github.com/cbegin/metronome-go/internal/scheduler"
)

func newManualMetronome(t *testing.T) (*Metronome, *scheduler.ManualClock) {
	t.Helper()
	clk := scheduler.NewManualClock(0)
	m, err := New(
		WithClockProvider(scheduler.NewStaticProvider(clk)),
		withSchedulerOptions(scheduler.WithManualPump()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func TestWatchReceivesEvents(t *testing.T) {
	m, clk := newManualMetronome(t)
	ch, cancel := m.Watch(16)
	defer cancel()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk.Set(1.0)
	m.sched.Pump()

	var got []Event
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Kind != EventMeasure || got[1].Kind != EventBeat {
		t.Fatalf("kinds = %v, %v", got[0].Kind, got[1].Kind)
	}
}

func TestWatchDropsWhenFull(t *testing.T) {
	m, clk := newManualMetronome(t)
	ch, cancel := m.Watch(1)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk.Set(1.0)
	m.sched.Pump()
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
	if d := m.Dropped(); d != 2 {
		t.Fatalf("dropped = %d, want 2", d)
	}
	cancel()
	cancel()
	<-ch
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after cancel")
	}
}

func TestApplyTempo(t *testing.T) {
	m, _ := newManualMetronome(t)
	err := m.ApplyTempo(config.TempoConfig{BPM: 90, TimeSignature: "3/4", Subdivision: 3})
	if err != nil {
		t.Fatalf("ApplyTempo: %v", err)
	}
	st := m.Snapshot().Tempo
	if st.BPM != 90 || st.TimeSignature.Numerator != 3 || st.Subdivision != 3 {
		t.Fatalf("tempo = %+v", st)
	}
	if err := m.ApplyTempo(config.TempoConfig{BPM: 5}); !scheduler.IsInvalidParameter(err) {
		t.Fatalf("ApplyTempo(bpm 5) err = %v", err)
	}
	if got := m.Snapshot().Tempo.BPM; got != 90 {
		t.Fatalf("bpm after rejected apply = %v, want 90", got)
	}
}

func TestApplyTempoKeepsLiveBPMWhenBaseUnchanged(t *testing.T) {
	m, _ := newManualMetronome(t)
	file := config.TempoConfig{BPM: 90, TimeSignature: "4/4"}
	if err := m.ApplyTempo(file); err != nil {
		t.Fatalf("ApplyTempo: %v", err)
	}
	if err := m.SetBPM(104); err != nil {
		t.Fatalf("SetBPM: %v", err)
	}

	vol := 0.3
	file.Volume = &vol
	if err := m.ApplyTempo(file); err != nil {
		t.Fatalf("ApplyTempo: %v", err)
	}
	st := m.Snapshot().Tempo
	if st.BPM != 104 || st.Volume != 0.3 {
		t.Fatalf("after reload bpm %v volume %v, want 104 0.3", st.BPM, st.Volume)
	}

	file.BPM = 70
	if err := m.ApplyTempo(file); err != nil {
		t.Fatalf("ApplyTempo: %v", err)
	}
	if got := m.Snapshot().Tempo.BPM; got != 70 {
		t.Fatalf("bpm after editing base tempo = %v, want 70", got)
	}
}

func TestToggleAndClose(t *testing.T) {
	m, _ := newManualMetronome(t)
	ctx := context.Background()
	if err := m.Toggle(ctx); err != nil {
		t.Fatalf("Toggle on: %v", err)
	}
	if m.State() != scheduler.Running {
		t.Fatalf("state = %v, want running", m.State())
	}
	if err := m.Toggle(ctx); err != nil {
		t.Fatalf("Toggle off: %v", err)
	}
	if m.State() != scheduler.Stopped {
		t.Fatalf("state = %v, want stopped", m.State())
	}

	ch, _ := m.Watch(1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("watch channel open after Close")
	}
	if err := m.Start(ctx); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Start after Close err = %v, want ErrDestroyed", err)
	}
}

func TestSystemClockMetronome(t *testing.T) {
	m, err := New(WithSystemClock(), WithTempo(scheduler.DefaultTempoState()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	if err := m.SetBPM(400); !scheduler.IsInvalidParameter(err) {
		t.Fatalf("SetBPM(400) err = %v", err)
	}
	if _, err := New(WithSampleRate(0)); err == nil {
		t.Fatalf("New(sample rate 0) succeeded")
	}
}
