package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Clock is a monotonic time source in seconds, normally the position of the
// audio output device.
type Clock interface {
	Now() float64
	// ResumeIfSuspended restarts a clock that stopped advancing, e.g. an
	// output stream paused by another user of the device.
	ResumeIfSuspended(ctx context.Context) error
}

// ClockProvider hands out a shared clock. Acquire and Release are reference
// counted by the provider; the scheduler never creates or destroys the
// underlying device itself.
type ClockProvider interface {
	Acquire(ctx context.Context) (Clock, error)
	Release()
}

// ManualClock is a deterministic clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now float64
}

func NewManualClock(start float64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t float64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

func (c *ManualClock) ResumeIfSuspended(context.Context) error { return nil }

// SystemClock measures seconds since creation with the Go monotonic clock.
// It stands in for an audio device when none is available.
type SystemClock struct {
	origin time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

func (c *SystemClock) Now() float64 { return time.Since(c.origin).Seconds() }

func (c *SystemClock) ResumeIfSuspended(context.Context) error { return nil }

// StaticProvider hands out one clock and counts references.
type StaticProvider struct {
	mu    sync.Mutex
	clock Clock
	err   error
	refs  int
}

// NewStaticProvider returns a provider for c. A nil clock makes every
// Acquire fail, which mimics an environment without audio output.
func NewStaticProvider(c Clock) *StaticProvider {
	p := &StaticProvider{clock: c}
	if c == nil {
		p.err = errors.New("no clock configured")
	}
	return p
}

func (p *StaticProvider) Acquire(ctx context.Context) (Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.refs++
	return p.clock, nil
}

func (p *StaticProvider) Release() {
	p.mu.Lock()
	if p.refs > 0 {
		p.refs--
	}
	p.mu.Unlock()
}

// Refs reports the current number of holders.
func (p *StaticProvider) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}
