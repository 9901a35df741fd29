// Package midiout plays delivered metronome events on a MIDI output port.
package midiout

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/metronome-go/internal/logx"
	"github.com/cbegin/metronome-go/internal/scheduler"
)

// General MIDI percussion keys, channel 10.
const (
	NoteMetronomeClick uint8 = 33
	NoteMetronomeBell  uint8 = 34
	NoteClosedHiHat    uint8 = 42
	NoteCowbell        uint8 = 56
	NoteClaves         uint8 = 75
	NoteHiWoodBlock    uint8 = 76
	NoteSideStick      uint8 = 37

	DefaultGate = 50 * time.Millisecond
)

type Renderer struct {
	mu      sync.Mutex
	send    func(midi.Message) error
	channel uint8
	gate    time.Duration
	log     logx.Logger
	closed  bool
	timers  map[*time.Timer]struct{}
}

type Option func(*Renderer)

// WithGate sets how long each note is held. Zero sends NoteOff immediately.
func WithGate(d time.Duration) Option {
	return func(r *Renderer) { r.gate = d }
}

func WithLogger(log logx.Logger) Option {
	return func(r *Renderer) { r.log = log.With(logx.String("component", "midi")) }
}

// New wraps send. channel is 1-based as in the config file.
func New(send func(midi.Message) error, channel int, opts ...Option) (*Renderer, error) {
	if send == nil {
		return nil, fmt.Errorf("midi: nil sender")
	}
	if channel < 1 || channel > 16 {
		return nil, fmt.Errorf("midi: channel %d outside [1, 16]", channel)
	}
	r := &Renderer{
		send:    send,
		channel: uint8(channel - 1),
		gate:    DefaultGate,
		log:     logx.Nop(),
		timers:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Open finds an output port whose name contains port (case-insensitive) and
// returns a renderer for it. An empty port picks the first one. A driver
// must be registered by the caller.
func Open(port string, channel int, opts ...Option) (*Renderer, error) {
	outs := midi.GetOutPorts()
	if len(outs) == 0 {
		return nil, fmt.Errorf("midi: no output ports")
	}
	out := outs[0]
	if port != "" {
		found := false
		for _, o := range outs {
			if strings.Contains(strings.ToLower(o.String()), strings.ToLower(port)) {
				out, found = o, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("midi: no output port matching %q", port)
		}
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("midi: open %s: %w", out.String(), err)
	}
	r, err := New(send, channel, opts...)
	if err != nil {
		return nil, err
	}
	r.log.Info("midi output opened", logx.String("port", out.String()), logx.Int("channel", channel))
	return r, nil
}

// Handle plays ev. It has the scheduler.Handler signature.
func (r *Renderer) Handle(ev scheduler.Event) {
	key := NoteFor(ev)
	vel := Velocity(ev)
	if vel == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err := r.send(midi.NoteOn(r.channel, key, vel)); err != nil {
		r.log.Warn("midi send failed", logx.Err(err))
		return
	}
	if r.gate <= 0 {
		_ = r.send(midi.NoteOff(r.channel, key))
		return
	}
	var t *time.Timer
	t = time.AfterFunc(r.gate, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.timers, t)
		if !r.closed {
			_ = r.send(midi.NoteOff(r.channel, key))
		}
	})
	r.timers[t] = struct{}{}
}

// Close cancels pending NoteOffs and silences the channel.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	// All Notes Off.
	return r.send(midi.ControlChange(r.channel, 123, 0))
}

func NoteFor(ev scheduler.Event) uint8 {
	switch ev.Kind {
	case scheduler.EventMeasure:
		if ev.Accent {
			return NoteMetronomeBell
		}
		return NoteMetronomeClick
	case scheduler.EventBeat:
		return NoteMetronomeClick
	case scheduler.EventSubdivision:
		return NoteClosedHiHat
	default:
		switch ev.Sound {
		case "cowbell":
			return NoteCowbell
		case "clave":
			return NoteClaves
		case "rimshot":
			return NoteSideStick
		default:
			return NoteHiWoodBlock
		}
	}
}

// Velocity maps event volume to 0..127; unaccented events are softer.
func Velocity(ev scheduler.Event) uint8 {
	v := ev.Volume
	switch {
	case ev.Accent:
	case ev.Kind == scheduler.EventSubdivision:
		v *= 0.6
	default:
		v *= 0.8
	}
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 127))
}
