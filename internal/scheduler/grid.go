package scheduler

import (
	"math"

	"github.com/cbegin/metronome-go/internal/logx"
)

// lane is one evenly spaced event grid. Times are computed as
// anchor + steps*spacing so long runs do not accumulate rounding error.
type lane struct {
	anchor  float64
	spacing float64
	steps   int
}

func (l *lane) reset(t float64) { *l = lane{anchor: t} }

func (l lane) next() float64 { return l.anchor + float64(l.steps)*l.spacing }

// advance moves past the current event. A new spacing re-anchors the lane at
// the event just emitted.
func (l *lane) advance(spacing float64) {
	if spacing != l.spacing {
		l.anchor = l.next()
		l.steps = 0
		l.spacing = spacing
	}
	l.steps++
}

type cursor struct {
	lane    lane
	measure int
	beat    int
	tick    int
	// applied is the last measure whose boundary rules ran.
	applied int
}

func (c *cursor) reset(t float64) {
	*c = cursor{measure: 1}
	c.lane.reset(t)
}

// polyCursor is not anchored until the main grid reaches a measure boundary.
type polyCursor struct {
	lane     lane
	anchored bool
	beat     int
	measure  int
}

type gradualRamp struct {
	active   bool
	from     float64
	target   float64
	step     float64
	start    int
	duration int
}

// fillLocked emits every event whose time is before now+lookahead. The two
// grids are merged by time so a polyrhythm event only sees the measure
// boundaries at or before it; on a tie the main event goes first.
func (s *Scheduler) fillLocked(now float64) []Event {
	horizon := now + s.cfg.lookahead.Seconds()
	var out []Event

	for {
		main := s.cur.lane.next()
		polyDue := s.tempo.Polyrhythm.Enabled && s.poly.anchored && s.poly.lane.next() < horizon
		switch {
		case main < horizon && (!polyDue || main <= s.poly.lane.next()):
			out = append(out, s.mainStepLocked())
		case polyDue:
			out = append(out, s.polyStepLocked())
		default:
			return out
		}
	}
}

func (s *Scheduler) mainStepLocked() Event {
	if s.cur.beat == 0 && s.cur.tick == 0 {
		if s.cur.measure > s.cur.applied {
			s.applyBoundaryLocked(s.cur.measure)
			s.cur.applied = s.cur.measure
		}
		if !s.poly.anchored {
			s.poly = polyCursor{anchored: true, measure: s.cur.measure}
			s.poly.lane.reset(s.cur.lane.next())
		}
	}
	ev := s.mainEventLocked()
	s.cur.lane.advance(s.tempo.secondsPerTick())
	s.stepCursorLocked()
	return ev
}

func (s *Scheduler) polyStepLocked() Event {
	p := &s.tempo.Polyrhythm
	ev := Event{
		Kind:      EventPolyrhythm,
		Measure:   s.poly.measure,
		PolyBeat:  s.poly.beat,
		AudioTime: s.poly.lane.next(),
		BPM:       s.tempo.BPM,
		Accent:    s.poly.beat == 0,
		Volume:    p.Volume,
		Sound:     p.SoundType,
	}
	s.poly.lane.advance(s.tempo.secondsPerPolyBeat())
	s.poly.beat++
	if s.poly.beat >= p.CrossBeats {
		s.poly.beat = 0
		s.poly.measure++
	}
	return ev
}

func (s *Scheduler) mainEventLocked() Event {
	ev := Event{
		Kind:      EventSubdivision,
		Measure:   s.cur.measure,
		Beat:      s.cur.beat,
		Tick:      s.cur.tick,
		AudioTime: s.cur.lane.next(),
		BPM:       s.tempo.BPM,
		Volume:    s.tempo.Volume,
		Sound:     "click",
	}
	if s.cur.tick == 0 {
		ev.Kind = EventBeat
		if s.cur.beat == 0 {
			ev.Kind = EventMeasure
			ev.Accent = s.tempo.AccentFirstBeat
		}
	}
	if ev.Accent {
		ev.Sound = "accent"
	}
	return ev
}

func (s *Scheduler) stepCursorLocked() {
	s.cur.tick++
	if s.cur.tick >= s.tempo.Subdivision {
		s.cur.tick = 0
		s.cur.beat++
	}
	if s.cur.beat >= s.tempo.TimeSignature.Numerator {
		s.cur.beat = 0
		s.cur.measure++
	}
}

// applyBoundaryLocked runs the measure-boundary rules for measure m: an
// in-progress gradual change, then the tempo change list, then practice
// ramping.
func (s *Scheduler) applyBoundaryLocked(m int) {
	if g := &s.gradual; g.active {
		elapsed := m - g.start
		if elapsed >= g.duration {
			s.tempo.BPM = g.target
			g.active = false
		} else {
			s.tempo.BPM = clampBPM(g.from + g.step*float64(elapsed))
		}
	}

	if c, ok := findTempoChange(s.tempo.TempoChanges, m); ok {
		switch c.Kind {
		case TempoSudden:
			s.gradual = gradualRamp{}
			s.tempo.BPM = c.TargetBPM
		case TempoGradual:
			s.gradual = gradualRamp{
				active:   true,
				from:     s.tempo.BPM,
				target:   c.TargetBPM,
				step:     (c.TargetBPM - s.tempo.BPM) / float64(c.DurationMeasures),
				start:    m,
				duration: c.DurationMeasures,
			}
		}
		fields := []logx.Field{
			logx.Int("measure", m),
			logx.String("kind", string(c.Kind)),
			logx.Float64("target_bpm", c.TargetBPM),
		}
		if c.NewTimeSignature != nil {
			s.tempo.TimeSignature = *c.NewTimeSignature
			fields = append(fields, logx.String("signature", c.NewTimeSignature.String()))
		}
		s.log.Info("tempo change applied", fields...)
	}

	s.stepRampLocked(m)
}

func (s *Scheduler) stepRampLocked(m int) {
	r := s.tempo.PracticeRamping
	if !r.Enabled {
		return
	}
	elapsed := m - s.rampFrom
	if elapsed <= 0 || elapsed%r.MeasureInterval != 0 {
		return
	}
	bpm := s.tempo.BPM
	switch r.Direction {
	case RampUp:
		if bpm >= r.TargetBPM {
			return
		}
		bpm = math.Min(bpm+r.IncrementBPM, r.TargetBPM)
	case RampDown:
		if bpm <= r.TargetBPM {
			return
		}
		bpm = math.Max(bpm-r.IncrementBPM, r.TargetBPM)
	default:
		return
	}
	s.tempo.BPM = clampBPM(bpm)
	s.log.Debug("practice ramp step", logx.Int("measure", m), logx.Float64("bpm", s.tempo.BPM))
}

func (s *Scheduler) running() bool { return s.state == Running || s.state == Paused }

// SetBPM changes the tempo. The event already computed keeps its time; the
// spacing after it uses bpm.
func (s *Scheduler) SetBPM(bpm float64) error {
	if err := validateBPM("bpm", bpm); err != nil {
		return err
	}
	s.mu.Lock()
	s.tempo.BPM = bpm
	s.mu.Unlock()
	s.log.Debug("bpm set", logx.Float64("bpm", bpm))
	return nil
}

// SetTimeSignature replaces the signature and restarts the current measure
// at beat 0. The polyrhythm grid re-anchors with it.
func (s *Scheduler) SetTimeSignature(ts TimeSignature) error {
	if err := ts.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tempo.TimeSignature = ts
	s.cur.beat = 0
	s.cur.tick = 0
	if s.running() {
		s.poly = polyCursor{}
	}
	s.mu.Unlock()
	s.log.Debug("time signature set", logx.String("signature", ts.String()))
	return nil
}

// SetSubdivision changes ticks per beat. If the cursor sits past the new
// last tick, the next event becomes the following beat.
func (s *Scheduler) SetSubdivision(n int) error {
	if err := validateSubdivision(n); err != nil {
		return err
	}
	s.mu.Lock()
	s.tempo.Subdivision = n
	if s.cur.tick >= n {
		s.cur.tick = 0
		s.cur.beat++
		if s.cur.beat >= s.tempo.TimeSignature.Numerator {
			s.cur.beat = 0
			s.cur.measure++
		}
	}
	s.mu.Unlock()
	s.log.Debug("subdivision set", logx.Int("subdivision", n))
	return nil
}

// SetPolyrhythm merges u into the polyrhythm settings. Toggling it or
// changing CrossBeats restarts the polyrhythm grid at the next measure.
func (s *Scheduler) SetPolyrhythm(u PolyrhythmUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tempo.Polyrhythm
	merged := u.apply(old)
	if err := merged.validate(); err != nil {
		return err
	}
	s.tempo.Polyrhythm = merged
	if merged.Enabled != old.Enabled || merged.CrossBeats != old.CrossBeats {
		s.poly = polyCursor{}
	}
	return nil
}

// AddTempoChange inserts c, replacing any change at the same measure.
func (s *Scheduler) AddTempoChange(c TempoChange) error {
	if err := c.validate(); err != nil {
		return err
	}
	c = c.clone()
	s.mu.Lock()
	s.tempo.TempoChanges = insertTempoChange(s.tempo.TempoChanges, c)
	s.mu.Unlock()
	return nil
}

// RemoveTempoChange reports whether a change at measure existed.
func (s *Scheduler) RemoveTempoChange(measure int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok bool
	s.tempo.TempoChanges, ok = removeTempoChange(s.tempo.TempoChanges, measure)
	return ok
}

func (s *Scheduler) ClearTempoChanges() {
	s.mu.Lock()
	s.tempo.TempoChanges = nil
	s.gradual = gradualRamp{}
	s.mu.Unlock()
}

// TempoChanges returns a copy of the change list in measure order.
func (s *Scheduler) TempoChanges() []TempoChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempo.clone().TempoChanges
}

// SetPracticeRamping stores cfg without touching the tempo.
func (s *Scheduler) SetPracticeRamping(cfg PracticeRamping) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tempo.PracticeRamping = cfg
	s.mu.Unlock()
	return nil
}

// StartPracticeRamping enables ramping, sets the tempo to StartBPM and counts
// intervals from the current measure.
func (s *Scheduler) StartPracticeRamping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.tempo.PracticeRamping
	if err := r.validate(); err != nil {
		return err
	}
	s.tempo.PracticeRamping.Enabled = true
	s.tempo.BPM = r.StartBPM
	s.rampFrom = s.cur.measure
	s.log.Info("practice ramp started",
		logx.Float64("start_bpm", r.StartBPM),
		logx.Float64("target_bpm", r.TargetBPM),
		logx.Int("measure", s.rampFrom))
	return nil
}

func (s *Scheduler) StopPracticeRamping() {
	s.mu.Lock()
	s.tempo.PracticeRamping.Enabled = false
	s.mu.Unlock()
}

func (s *Scheduler) SetVolume(v float64) error {
	if err := validateVolume("volume", v); err != nil {
		return err
	}
	s.mu.Lock()
	s.tempo.Volume = v
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) SetAccentFirstBeat(on bool) {
	s.mu.Lock()
	s.tempo.AccentFirstBeat = on
	s.mu.Unlock()
}

// SetTempoState replaces the whole tempo configuration, e.g. after a config
// reload. It applies the same cursor rules as the individual setters and only
// for the fields that changed. next.BPM is the base tempo: it replaces the
// live tempo only when it differs from the base tempo of the previous state.
func (s *Scheduler) SetTempoState(next TempoState) error {
	if err := next.Validate(); err != nil {
		return err
	}
	next = next.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.tempo

	if next.TimeSignature != prev.TimeSignature {
		s.cur.beat = 0
		s.cur.tick = 0
		s.poly = polyCursor{}
	}
	if s.cur.tick >= next.Subdivision {
		s.cur.tick = 0
		s.cur.beat++
		if s.cur.beat >= next.TimeSignature.Numerator {
			s.cur.beat = 0
			s.cur.measure++
		}
	}
	if next.Polyrhythm.Enabled != prev.Polyrhythm.Enabled || next.Polyrhythm.CrossBeats != prev.Polyrhythm.CrossBeats {
		s.poly = polyCursor{}
	}
	configured := next.BPM
	switch {
	case next.PracticeRamping.Enabled && next.PracticeRamping != prev.PracticeRamping:
		next.BPM = next.PracticeRamping.StartBPM
		s.rampFrom = s.cur.measure
	case configured == s.baseBPM:
		// Same base tempo as last time: keep whatever SetBPM, a tempo change
		// or the practice ramp has moved the live tempo to.
		next.BPM = prev.BPM
	}
	s.baseBPM = configured
	if len(next.TempoChanges) == 0 {
		s.gradual = gradualRamp{}
	}
	s.tempo = next
	s.log.Info("tempo state replaced",
		logx.Float64("bpm", next.BPM),
		logx.String("signature", next.TimeSignature.String()),
		logx.Int("subdivision", next.Subdivision))
	return nil
}
