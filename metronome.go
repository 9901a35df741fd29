package metronome

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	intaudio "github.com/cbegin/metronome-go/internal/audio"
	"github.com/cbegin/metronome-go/internal/config"
	"github.com/cbegin/metronome-go/internal/logx"
	"github.com/cbegin/metronome-go/internal/scheduler"
)

type (
	Event            = scheduler.Event
	EventKind        = scheduler.EventKind
	Handler          = scheduler.Handler
	TempoState       = scheduler.TempoState
	TimeSignature    = scheduler.TimeSignature
	Polyrhythm       = scheduler.Polyrhythm
	PolyrhythmUpdate = scheduler.PolyrhythmUpdate
	TempoChange      = scheduler.TempoChange
	PracticeRamping  = scheduler.PracticeRamping
	Snapshot         = scheduler.Snapshot
	State            = scheduler.State
)

const (
	EventMeasure     = scheduler.EventMeasure
	EventBeat        = scheduler.EventBeat
	EventSubdivision = scheduler.EventSubdivision
	EventPolyrhythm  = scheduler.EventPolyrhythm
)

var (
	ErrClockUnavailable = scheduler.ErrClockUnavailable
	ErrDestroyed        = scheduler.ErrDestroyed
	ErrNotRunning       = scheduler.ErrNotRunning
)

const DefaultSampleRate = 48000

type Option func(*metronomeConfig)

type metronomeConfig struct {
	sampleRate    int
	provider      scheduler.ClockProvider
	systemClock   bool
	clicks        bool
	log           logx.Logger
	lookahead     time.Duration
	controlPeriod time.Duration
	tempo         *TempoState
	extra         []scheduler.Option
}

func defaultMetronomeConfig() metronomeConfig {
	return metronomeConfig{sampleRate: DefaultSampleRate, clicks: true, log: logx.Nop()}
}

func WithSampleRate(sampleRate int) Option {
	return func(cfg *metronomeConfig) {
		cfg.sampleRate = sampleRate
	}
}

// WithClockProvider replaces the audio output clock. Clicks are not rendered
// for external providers.
func WithClockProvider(p scheduler.ClockProvider) Option {
	return func(cfg *metronomeConfig) {
		cfg.provider = p
	}
}

// WithSystemClock runs against the Go monotonic clock with no audio output.
func WithSystemClock() Option {
	return func(cfg *metronomeConfig) {
		cfg.systemClock = true
	}
}

// WithClicks toggles click sounds on the audio clock. The output stream still
// runs when disabled because its position is the clock.
func WithClicks(enabled bool) Option {
	return func(cfg *metronomeConfig) {
		cfg.clicks = enabled
	}
}

func WithLogger(log logx.Logger) Option {
	return func(cfg *metronomeConfig) {
		cfg.log = log
	}
}

func WithLookahead(d time.Duration) Option {
	return func(cfg *metronomeConfig) {
		cfg.lookahead = d
	}
}

func WithControlPeriod(d time.Duration) Option {
	return func(cfg *metronomeConfig) {
		cfg.controlPeriod = d
	}
}

func WithTempo(st TempoState) Option {
	return func(cfg *metronomeConfig) {
		cfg.tempo = &st
	}
}

// withSchedulerOptions passes raw scheduler options through; tests use it
// for manual pumping.
func withSchedulerOptions(opts ...scheduler.Option) Option {
	return func(cfg *metronomeConfig) {
		cfg.extra = append(cfg.extra, opts...)
	}
}

// Metronome couples a scheduler to a clock and, on the audio clock, to a
// sample-accurate click renderer.
type Metronome struct {
	sched    *scheduler.Scheduler
	provider scheduler.ClockProvider
	clicks   *intaudio.ClickTrack
	closer   func() error
	log      logx.Logger

	watchMu  sync.Mutex
	watchers map[uint64]*watcher
	watchID  uint64
	dropped  atomic.Uint64
	unsub    func()
}

type watcher struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func New(opts ...Option) (*Metronome, error) {
	cfg := defaultMetronomeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}

	m := &Metronome{log: cfg.log, watchers: make(map[uint64]*watcher)}
	switch {
	case cfg.provider != nil:
		m.provider = cfg.provider
	case cfg.systemClock:
		m.provider = scheduler.NewStaticProvider(scheduler.NewSystemClock())
	default:
		m.clicks = intaudio.NewClickTrack(cfg.sampleRate)
		if !cfg.clicks {
			m.clicks.SetGain(0)
		}
		p := intaudio.NewProvider(cfg.sampleRate, m.clicks, cfg.log)
		m.provider = p
		m.closer = p.Close
	}

	sopts := []scheduler.Option{scheduler.WithLogger(cfg.log)}
	if cfg.lookahead > 0 {
		sopts = append(sopts, scheduler.WithLookahead(cfg.lookahead))
	}
	if cfg.controlPeriod > 0 {
		sopts = append(sopts, scheduler.WithControlPeriod(cfg.controlPeriod))
	}
	if cfg.tempo != nil {
		sopts = append(sopts, scheduler.WithTempoState(*cfg.tempo))
	}
	if m.clicks != nil {
		sopts = append(sopts, scheduler.WithScheduleHook(m.clicks.Schedule))
	}
	sopts = append(sopts, cfg.extra...)

	sched, err := scheduler.New(m.provider, sopts...)
	if err != nil {
		return nil, err
	}
	m.sched = sched
	m.unsub = sched.Subscribe(m.fanout)
	return m, nil
}

func (m *Metronome) Start(ctx context.Context) error { return m.sched.Start(ctx) }

func (m *Metronome) Stop() {
	m.sched.Stop()
	if m.clicks != nil {
		m.clicks.Reset()
	}
}

func (m *Metronome) Pause() {
	m.sched.Pause()
	if m.clicks != nil {
		m.clicks.Reset()
	}
}

func (m *Metronome) Resume(ctx context.Context) error { return m.sched.Resume(ctx) }

// Toggle starts a stopped metronome and stops a running or paused one.
func (m *Metronome) Toggle(ctx context.Context) error {
	if m.sched.State() == scheduler.Stopped {
		return m.Start(ctx)
	}
	m.Stop()
	return nil
}

// Close destroys the scheduler, closes every Watch channel and releases the
// audio output if this Metronome opened it.
func (m *Metronome) Close() error {
	m.unsub()
	m.sched.Destroy()
	m.watchMu.Lock()
	for id, w := range m.watchers {
		w.close()
		delete(m.watchers, id)
	}
	m.watchMu.Unlock()
	if m.closer != nil {
		return m.closer()
	}
	return nil
}

func (m *Metronome) State() State { return m.sched.State() }
func (m *Metronome) Snapshot() Snapshot { return m.sched.Snapshot() }
func (m *Metronome) Subscribe(h Handler) func() { return m.sched.Subscribe(h) }
func (m *Metronome) SetBPM(bpm float64) error { return m.sched.SetBPM(bpm) }
func (m *Metronome) SetTimeSignature(ts TimeSignature) error { return m.sched.SetTimeSignature(ts) }
func (m *Metronome) SetSubdivision(n int) error { return m.sched.SetSubdivision(n) }
func (m *Metronome) SetPolyrhythm(u PolyrhythmUpdate) error { return m.sched.SetPolyrhythm(u) }
func (m *Metronome) AddTempoChange(c TempoChange) error { return m.sched.AddTempoChange(c) }
func (m *Metronome) RemoveTempoChange(measure int) bool { return m.sched.RemoveTempoChange(measure) }
func (m *Metronome) TempoChanges() []TempoChange { return m.sched.TempoChanges() }
func (m *Metronome) ClearTempoChanges() { m.sched.ClearTempoChanges() }
func (m *Metronome) SetPracticeRamping(cfg PracticeRamping) error { return m.sched.SetPracticeRamping(cfg) }
func (m *Metronome) StartPracticeRamping() error { return m.sched.StartPracticeRamping() }
func (m *Metronome) StopPracticeRamping() { m.sched.StopPracticeRamping() }
func (m *Metronome) SetVolume(v float64) error { return m.sched.SetVolume(v) }
func (m *Metronome) SetAccentFirstBeat(on bool) { m.sched.SetAccentFirstBeat(on) }
func (m *Metronome) SetTempoState(st TempoState) error { return m.sched.SetTempoState(st) }

// ApplyTempo swaps in a tempo section from a config file while running.
// The live tempo is kept unless the section's base bpm changed.
func (m *Metronome) ApplyTempo(tc config.TempoConfig) error {
	st, err := tc.State()
	if err != nil {
		return err
	}
	return m.sched.SetTempoState(st)
}

// Watch returns a channel of delivered events and a func that closes it.
// Sends never block: when the buffer is full the event is dropped and
// counted in Dropped.
func (m *Metronome) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	w := &watcher{ch: make(chan Event, buffer)}
	m.watchMu.Lock()
	m.watchID++
	id := m.watchID
	m.watchers[id] = w
	m.watchMu.Unlock()

	return w.ch, func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
		w.close()
	}
}

// Dropped counts events Watch channels could not take.
func (m *Metronome) Dropped() uint64 { return m.dropped.Load() }

func (m *Metronome) fanout(ev Event) {
	m.watchMu.Lock()
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchMu.Unlock()
	for _, w := range ws {
		if !w.send(ev) {
			m.dropped.Add(1)
		}
	}
}

func (w *watcher) send(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return true
	}
	select {
	case w.ch <- ev:
		return true
	default:
		return false
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}
