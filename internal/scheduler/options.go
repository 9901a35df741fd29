package scheduler

import (
	"time"

	"github.com/cbegin/metronome-go/internal/logx"
)

const (
	DefaultControlPeriod = 25 * time.Millisecond
	DefaultLookahead     = 100 * time.Millisecond
)

type Option func(*config)

type config struct {
	controlPeriod time.Duration
	lookahead     time.Duration
	log           logx.Logger
	onSchedule    func(Event)
	manual        bool
	wallNow       func() time.Time
	state         *TempoState
}

func defaultConfig() config {
	return config{
		controlPeriod: DefaultControlPeriod,
		lookahead:     DefaultLookahead,
		log:           logx.Nop(),
		wallNow:       time.Now,
	}
}

// WithControlPeriod sets how often the look-ahead pass runs.
func WithControlPeriod(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.controlPeriod = d
		}
	}
}

// WithLookahead sets how far past clock.Now() events are scheduled.
func WithLookahead(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lookahead = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithScheduleHook installs a callback invoked as soon as an event is
// scheduled, ahead of its audio time. Sound renderers use it to place clicks
// sample-accurately on the audio clock. The hook runs on the control loop and
// must not block or call back into the scheduler.
func WithScheduleHook(fn func(Event)) Option {
	return func(c *config) {
		c.onSchedule = fn
	}
}

// WithManualPump disables the background control loop and delivery
// goroutine. Pump drives scheduling and handlers run synchronously inside it.
func WithManualPump() Option {
	return func(c *config) {
		c.manual = true
	}
}

// WithWallClock replaces time.Now for event timestamps and delivery.
func WithWallClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.wallNow = now
		}
	}
}

// WithTempoState seeds the scheduler with an initial state instead of
// DefaultTempoState. New rejects an invalid state.
func WithTempoState(s TempoState) Option {
	return func(c *config) {
		cp := s.clone()
		c.state = &cp
	}
}
