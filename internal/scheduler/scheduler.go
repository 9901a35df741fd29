package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cbegin/metronome-go/internal/logx"
)

type State int

const (
	Stopped State = iota
	Running
	Paused
	Destroyed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Snapshot is a value copy of the scheduler state.
type Snapshot struct {
	State    State
	Tempo    TempoState
	Measure  int
	Beat     int
	Tick     int
	PolyBeat int

	NextAudioTime     float64
	NextPolyAudioTime float64
	GradualActive     bool
	Overruns          uint64
}

// Scheduler converts a TempoState into a stream of events timed against an
// audio clock. A single mutex guards the tempo state and the cursors; the
// control loop and every setter go through it.
type Scheduler struct {
	cfg      config
	provider ClockProvider
	log      logx.Logger
	warn     *rate.Limiter

	// lifecycle serializes Start, Stop, Pause, Resume and Destroy.
	lifecycle sync.Mutex

	mu       sync.Mutex
	state    State
	tempo    TempoState
	cur      cursor
	poly     polyCursor
	gradual  gradualRamp
	rampFrom int
	// baseBPM is the BPM of the last state given to New or SetTempoState.
	baseBPM  float64
	clock    Clock
	gen      uint64
	stopCh   chan struct{}
	disp     *dispatcher
	overruns uint64

	hmu      sync.RWMutex
	handlers []handlerEntry
	nextID   uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// New builds a stopped scheduler. The clock is only acquired by Start.
func New(provider ClockProvider, opts ...Option) (*Scheduler, error) {
	if provider == nil {
		return nil, invalid("clock provider", nil, "must not be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	tempo := DefaultTempoState()
	if cfg.state != nil {
		if err := cfg.state.Validate(); err != nil {
			return nil, err
		}
		tempo = cfg.state.clone()
	}
	s := &Scheduler{
		cfg:      cfg,
		provider: provider,
		log:      cfg.log.With(logx.String("component", "scheduler")),
		warn:     rate.NewLimiter(rate.Every(time.Second), 1),
		tempo:    tempo,
		baseBPM:  tempo.BPM,
	}
	s.cur.reset(0)
	return s, nil
}

// Subscribe registers h for delivered events. The returned func removes it.
func (s *Scheduler) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	s.hmu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, handlerEntry{id: id, fn: h})
	s.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hmu.Lock()
			defer s.hmu.Unlock()
			for i, e := range s.handlers {
				if e.id == id {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Start acquires the clock and begins scheduling from clock.Now(). It is a
// no-op while running. Starting from Paused discards the paused position.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case Destroyed:
		return ErrDestroyed
	case Running:
		return nil
	}

	clk, err := s.acquire(ctx)
	if err != nil {
		s.log.Error("start failed", logx.Err(err))
		return err
	}

	s.mu.Lock()
	now := clk.Now()
	s.clock = clk
	s.cur.reset(now)
	s.poly = polyCursor{}
	s.gradual = gradualRamp{}
	s.rampFrom = 1
	s.state = Running
	s.gen++
	gen := s.gen
	bpm := s.tempo.BPM
	sig := s.tempo.TimeSignature
	s.launchLocked(gen)
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.Float64("bpm", bpm),
		logx.String("signature", sig.String()),
		logx.Float64("audio_time", now))
	return nil
}

// Stop halts scheduling, drops undelivered events and resets the cursor.
// It is idempotent.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	if s.state != Running && s.state != Paused {
		s.mu.Unlock()
		return
	}
	holdsClock := s.state == Running
	s.state = Stopped
	s.haltLocked()
	s.cur.reset(0)
	s.poly = polyCursor{}
	s.gradual = gradualRamp{}
	s.mu.Unlock()

	if holdsClock {
		s.provider.Release()
	}
	s.log.Info("scheduler stopped")
}

// Pause freezes the cursor and releases the clock. Undelivered events are
// dropped. Pausing when not running does nothing.
func (s *Scheduler) Pause() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.state = Paused
	s.haltLocked()
	m, b := s.cur.measure, s.cur.beat
	s.mu.Unlock()

	s.provider.Release()
	s.log.Info("scheduler paused", logx.Int("measure", m), logx.Int("beat", b))
}

// Resume continues from the paused position. The next event fires at the
// current clock time with the counters it had when paused; the polyrhythm
// grid re-anchors at the next measure boundary.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case Destroyed:
		return ErrDestroyed
	case Running:
		return nil
	case Stopped:
		return ErrNotRunning
	}

	clk, err := s.acquire(ctx)
	if err != nil {
		s.log.Error("resume failed", logx.Err(err))
		return err
	}

	s.mu.Lock()
	now := clk.Now()
	s.clock = clk
	s.cur.lane.reset(now)
	s.poly = polyCursor{}
	s.state = Running
	s.gen++
	s.launchLocked(s.gen)
	m := s.cur.measure
	s.mu.Unlock()

	s.log.Info("scheduler resumed", logx.Int("measure", m))
	return nil
}

// Destroy stops the scheduler for good and drops every handler.
func (s *Scheduler) Destroy() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
	s.mu.Lock()
	s.state = Destroyed
	s.mu.Unlock()

	s.hmu.Lock()
	s.handlers = nil
	s.hmu.Unlock()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:         s.state,
		Tempo:         s.tempo.clone(),
		Measure:       s.cur.measure,
		Beat:          s.cur.beat,
		Tick:          s.cur.tick,
		PolyBeat:      s.poly.beat,
		NextAudioTime: s.cur.lane.next(),
		GradualActive: s.gradual.active,
		Overruns:      s.overruns,
	}
	if s.poly.anchored {
		snap.NextPolyAudioTime = s.poly.lane.next()
	}
	return snap
}

// Pump runs one look-ahead pass now and returns how many events it
// scheduled. With WithManualPump it is the only driver and handlers run
// before it returns.
func (s *Scheduler) Pump() int {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	n, _ := s.pass(gen)
	return n
}

func (s *Scheduler) acquire(ctx context.Context) (Clock, error) {
	clk, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, &ClockUnavailableError{Err: err}
	}
	if clk == nil {
		s.provider.Release()
		return nil, &ClockUnavailableError{}
	}
	if err := clk.ResumeIfSuspended(ctx); err != nil {
		s.provider.Release()
		return nil, &ClockUnavailableError{Err: err}
	}
	return clk, nil
}

// launchLocked starts the goroutines for generation gen.
func (s *Scheduler) launchLocked(gen uint64) {
	if s.cfg.manual {
		return
	}
	s.disp = newDispatcher(s.deliver)
	s.stopCh = make(chan struct{})
	go s.loop(gen, s.stopCh)
}

// haltLocked invalidates the running generation and tears down its goroutines.
func (s *Scheduler) haltLocked() {
	s.gen++
	s.clock = nil
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	if s.disp != nil {
		s.disp.close()
		s.disp = nil
	}
}

// loop runs a pass every control period. The wait is measured against an
// absolute target so time spent in a pass does not accumulate; a loop that
// falls more than a period behind restarts its target from now.
func (s *Scheduler) loop(gen uint64, stop <-chan struct{}) {
	period := s.cfg.controlPeriod
	timer := time.NewTimer(0)
	defer timer.Stop()

	target := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		woke := time.Now()
		if late := woke.Sub(target); late > period {
			s.noteOverrun(late)
			target = woke
		}
		if _, ok := s.pass(gen); !ok {
			return
		}

		target = target.Add(period)
		delay := time.Until(target)
		if delay < 0 {
			delay = 0
		}
		timer.Reset(delay)
	}
}

func (s *Scheduler) noteOverrun(late time.Duration) {
	s.mu.Lock()
	s.overruns++
	n := s.overruns
	s.mu.Unlock()
	if s.warn.Allow() {
		s.log.Warn("control loop overrun",
			logx.Duration("late", late),
			logx.Duration("period", s.cfg.controlPeriod),
			logx.Uint64("overruns", n))
	}
}

// pass schedules everything inside the look-ahead window for generation gen.
// ok is false when gen is no longer the running generation.
func (s *Scheduler) pass(gen uint64) (n int, ok bool) {
	s.mu.Lock()
	if s.state != Running || s.gen != gen || s.clock == nil {
		s.mu.Unlock()
		return 0, false
	}
	now := s.clock.Now()
	events := s.fillLocked(now)
	wall := s.cfg.wallNow()
	disp := s.disp
	s.mu.Unlock()

	for _, ev := range events {
		if s.cfg.onSchedule != nil {
			s.cfg.onSchedule(ev)
		}
		if disp == nil {
			s.deliver(gen, ev)
			continue
		}
		delay := time.Duration((ev.AudioTime - now) * float64(time.Second))
		if delay < 0 {
			delay = 0
		}
		disp.push(gen, wall.Add(delay), ev)
	}
	return len(events), true
}

// deliver notifies handlers unless the generation that scheduled ev has
// since been stopped or paused.
func (s *Scheduler) deliver(gen uint64, ev Event) {
	s.mu.Lock()
	live := s.state == Running && s.gen == gen
	s.mu.Unlock()
	if !live {
		return
	}
	ev.Timestamp = s.cfg.wallNow()

	s.hmu.RLock()
	hs := make([]Handler, len(s.handlers))
	for i, e := range s.handlers {
		hs[i] = e.fn
	}
	s.hmu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
