package midiout

import (
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/metronome-go/internal/scheduler"
)

type capture struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func (c *capture) send(m midi.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *capture) all() []midi.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]midi.Message(nil), c.msgs...)
}

func TestHandleSendsNoteOnOff(t *testing.T) {
	c := &capture{}
	r, err := New(c.send, 10, WithGate(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Handle(scheduler.Event{Kind: scheduler.EventMeasure, Accent: true, Volume: 1})

	msgs := c.all()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	var ch, key, vel uint8
	if !msgs[0].GetNoteOn(&ch, &key, &vel) {
		t.Fatalf("first message %v is not NoteOn", msgs[0])
	}
	if ch != 9 || key != NoteMetronomeBell || vel != 127 {
		t.Fatalf("NoteOn ch=%d key=%d vel=%d, want 9 %d 127", ch, key, vel, NoteMetronomeBell)
	}
	if !msgs[1].GetNoteOff(&ch, &key, &vel) || key != NoteMetronomeBell {
		t.Fatalf("second message %v is not NoteOff for the bell", msgs[1])
	}
}

func TestGateAndClose(t *testing.T) {
	c := &capture{}
	r, err := New(c.send, 1, WithGate(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Handle(scheduler.Event{Kind: scheduler.EventBeat, Volume: 1})
	deadline := time.Now().Add(2 * time.Second)
	for len(c.all()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("NoteOff not sent after gate")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r2, _ := New(c.send, 1, WithGate(time.Hour))
	r2.Handle(scheduler.Event{Kind: scheduler.EventBeat, Volume: 1})
	if err := r2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r2.Handle(scheduler.Event{Kind: scheduler.EventBeat, Volume: 1})
	msgs := c.all()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (on, off, on, all-notes-off)", len(msgs))
	}
	var ch, ctl, val uint8
	if !msgs[3].GetControlChange(&ch, &ctl, &val) || ctl != 123 {
		t.Fatalf("last message %v is not All Notes Off", msgs[3])
	}
}

func TestNoteAndVelocityMapping(t *testing.T) {
	cases := []struct {
		ev   scheduler.Event
		note uint8
		vel  uint8
	}{
		{scheduler.Event{Kind: scheduler.EventMeasure, Volume: 1}, NoteMetronomeClick, 102},
		{scheduler.Event{Kind: scheduler.EventBeat, Volume: 0.5}, NoteMetronomeClick, 51},
		{scheduler.Event{Kind: scheduler.EventSubdivision, Volume: 1}, NoteClosedHiHat, 76},
		{scheduler.Event{Kind: scheduler.EventPolyrhythm, Sound: "cowbell", Volume: 1, Accent: true}, NoteCowbell, 127},
		{scheduler.Event{Kind: scheduler.EventPolyrhythm, Sound: "woodblock", Volume: 0}, NoteHiWoodBlock, 0},
	}
	for _, tc := range cases {
		if got := NoteFor(tc.ev); got != tc.note {
			t.Fatalf("NoteFor(%v %q) = %d, want %d", tc.ev.Kind, tc.ev.Sound, got, tc.note)
		}
		if got := Velocity(tc.ev); got != tc.vel {
			t.Fatalf("Velocity(%+v) = %d, want %d", tc.ev, got, tc.vel)
		}
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, 1); err == nil {
		t.Fatalf("New(nil sender) succeeded")
	}
	c := &capture{}
	for _, ch := range []int{0, 17} {
		if _, err := New(c.send, ch); err == nil {
			t.Fatalf("New(channel %d) succeeded", ch)
		}
	}
}
