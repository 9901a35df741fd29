package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cbegin/metronome-go/internal/scheduler"
)

func firstNonZero(buf []float32) int {
	for i := 0; i+1 < len(buf); i += 2 {
		if buf[i] != 0 {
			return i / 2
		}
	}
	return -1
}

func TestClickTrackPlacesClickAtFrame(t *testing.T) {
	ct := NewClickTrack(8000)
	ct.Schedule(scheduler.Event{Kind: scheduler.EventBeat, AudioTime: 0.1, Volume: 1})

	buf := make([]float32, 2*1000)
	ct.Process(buf)
	// Frame 800 starts at phase 0, so the first audible sample is frame 801.
	if got := firstNonZero(buf); got != 801 {
		t.Fatalf("first sounding frame = %d, want 801", got)
	}
	if buf[1602] != buf[1603] {
		t.Fatalf("channels differ: %v vs %v", buf[1602], buf[1603])
	}
	if ct.Frame() != 1000 {
		t.Fatalf("Frame() = %d, want 1000", ct.Frame())
	}
}

func TestClickTrackLateClickStartsImmediately(t *testing.T) {
	ct := NewClickTrack(8000)
	ct.Process(make([]float32, 2*400))

	ct.Schedule(scheduler.Event{Kind: scheduler.EventMeasure, AudioTime: 0.01, Volume: 1, Accent: true})
	buf := make([]float32, 2*50)
	ct.Process(buf)
	if got := firstNonZero(buf); got != 1 {
		t.Fatalf("late click first sounding frame = %d, want 1", got)
	}
}

func TestClickTrackResetAndMute(t *testing.T) {
	ct := NewClickTrack(8000)
	ct.Schedule(scheduler.Event{Kind: scheduler.EventBeat, AudioTime: 0.01, Volume: 1})
	ct.Reset()
	buf := make([]float32, 2*400)
	ct.Process(buf)
	if got := firstNonZero(buf); got != -1 {
		t.Fatalf("click sounded after Reset at frame %d", got)
	}

	ct.SetGain(0)
	ct.Schedule(scheduler.Event{Kind: scheduler.EventBeat, AudioTime: 0.06, Volume: 1})
	buf = make([]float32, 2*400)
	ct.Process(buf)
	if got := firstNonZero(buf); got != -1 {
		t.Fatalf("muted track sounded at frame %d", got)
	}
}

func TestClickTrackDecays(t *testing.T) {
	ct := NewClickTrack(8000)
	ct.Schedule(scheduler.Event{Kind: scheduler.EventBeat, AudioTime: 0, Volume: 1})
	buf := make([]float32, 2*800)
	ct.Process(buf)

	peak := func(from, to int) float64 {
		var m float64
		for f := from; f < to; f++ {
			m = math.Max(m, math.Abs(float64(buf[2*f])))
		}
		return m
	}
	early, late := peak(0, 40), peak(160, 200)
	if !(late < early) {
		t.Fatalf("click did not decay: early %v late %v", early, late)
	}
	if tail := peak(400, 800); tail != 0 {
		t.Fatalf("click still sounding after its length: %v", tail)
	}
}

func TestClickVoicePitches(t *testing.T) {
	cases := []struct {
		ev   scheduler.Event
		freq float64
	}{
		{scheduler.Event{Kind: scheduler.EventMeasure, Accent: true, Volume: 1}, 1500},
		{scheduler.Event{Kind: scheduler.EventMeasure, Volume: 1}, 1000},
		{scheduler.Event{Kind: scheduler.EventSubdivision, Volume: 1}, 800},
		{scheduler.Event{Kind: scheduler.EventPolyrhythm, Sound: "woodblock", Volume: 1}, 600},
		{scheduler.Event{Kind: scheduler.EventPolyrhythm, Sound: "unknown", Volume: 1}, 700},
	}
	for _, tc := range cases {
		freq, amp := clickVoice(tc.ev)
		if freq != tc.freq || amp <= 0 {
			t.Fatalf("clickVoice(%v %q) = %v, %v, want freq %v", tc.ev.Kind, tc.ev.Sound, freq, amp, tc.freq)
		}
	}
}

type constSource float32

func (c constSource) Process(dst []float32) {
	for i := range dst {
		dst[i] = float32(c)
	}
}

func TestStreamReaderEncodesFloat32LE(t *testing.T) {
	r := NewStreamReader(constSource(0.25))
	p := make([]byte, 8*3+5)
	n, err := r.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 24 {
		t.Fatalf("n = %d, want 24", n)
	}
	for i := 0; i < 6; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
		if got != 0.25 {
			t.Fatalf("sample %d = %v, want 0.25", i, got)
		}
	}
	if n, _ := r.Read(make([]byte, 7)); n != 0 {
		t.Fatalf("short read n = %d, want 0", n)
	}
}
