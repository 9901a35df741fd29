package audio

import (
	"math"
	"sort"
	"sync"

	"github.com/cbegin/metronome-go/internal/scheduler"
)

const (
	clickSeconds = 0.03
	clickDecay   = 0.006 // envelope time constant in seconds
)

// ClickTrack renders short decaying sine clicks at the exact frames their
// events were scheduled for. Frame f plays at f/sampleRate seconds on the
// output clock, so an event's AudioTime maps directly to a frame.
type ClickTrack struct {
	mu         sync.Mutex
	sampleRate int
	frame      int64
	pending    []click
	voices     []voice
	decay      float64
	length     int
	gain       float64
}

type click struct {
	start int64
	freq  float64
	amp   float64
}

type voice struct {
	phase     float64
	inc       float64
	amp       float64
	remaining int
}

func NewClickTrack(sampleRate int) *ClickTrack {
	return &ClickTrack{
		sampleRate: sampleRate,
		decay:      math.Exp(-1 / (clickDecay * float64(sampleRate))),
		length:     int(clickSeconds * float64(sampleRate)),
		gain:       1,
	}
}

// SetGain scales every click; 0 mutes the track without stopping the clock.
func (c *ClickTrack) SetGain(g float64) {
	c.mu.Lock()
	c.gain = math.Max(0, g)
	c.mu.Unlock()
}

// Schedule queues a click for ev. Events whose frame has already been
// rendered start on the next frame instead of being dropped.
func (c *ClickTrack) Schedule(ev scheduler.Event) {
	freq, amp := clickVoice(ev)
	if amp <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	start := int64(math.Round(ev.AudioTime * float64(c.sampleRate)))
	if start < c.frame {
		start = c.frame
	}
	k := click{start: start, freq: freq, amp: amp}
	i := sort.Search(len(c.pending), func(i int) bool { return c.pending[i].start > start })
	c.pending = append(c.pending, click{})
	copy(c.pending[i+1:], c.pending[i:])
	c.pending[i] = k
}

// Reset drops queued and sounding clicks. The frame counter keeps running
// because the output clock does.
func (c *ClickTrack) Reset() {
	c.mu.Lock()
	c.pending = nil
	c.voices = nil
	c.mu.Unlock()
}

// Frame is the next frame Process will write.
func (c *ClickTrack) Frame() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func (c *ClickTrack) Process(dst []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i+1 < len(dst); i += 2 {
		for len(c.pending) > 0 && c.pending[0].start <= c.frame {
			k := c.pending[0]
			c.pending = c.pending[1:]
			c.voices = append(c.voices, voice{
				inc:       2 * math.Pi * k.freq / float64(c.sampleRate),
				amp:       k.amp,
				remaining: c.length,
			})
		}
		var s float64
		live := c.voices[:0]
		for _, v := range c.voices {
			s += math.Sin(v.phase) * v.amp
			v.phase += v.inc
			v.amp *= c.decay
			v.remaining--
			if v.remaining > 0 {
				live = append(live, v)
			}
		}
		c.voices = live
		out := float32(math.Max(-1, math.Min(1, s*c.gain)))
		dst[i] += out
		dst[i+1] += out
		c.frame++
	}
}

func clickVoice(ev scheduler.Event) (freq, amp float64) {
	amp = ev.Volume
	switch ev.Kind {
	case scheduler.EventMeasure:
		freq = 1000
		if ev.Accent {
			freq = 1500
		}
	case scheduler.EventBeat:
		freq = 1000
		amp *= 0.8
	case scheduler.EventSubdivision:
		freq = 800
		amp *= 0.5
	case scheduler.EventPolyrhythm:
		freq = polyPitch(ev.Sound)
		if !ev.Accent {
			amp *= 0.8
		}
	default:
		return 0, 0
	}
	return freq, amp
}

func polyPitch(sound string) float64 {
	switch sound {
	case "woodblock":
		return 600
	case "cowbell":
		return 560
	case "clave":
		return 2500
	case "rimshot":
		return 1800
	default:
		return 700
	}
}
