package scheduler

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	MinBPM         = 30.0
	MaxBPM         = 300.0
	MinSubdivision = 1
	MaxSubdivision = 8

	DefaultBPM = 120.0
)

// TimeSignature is beats per measure over the note value of one beat.
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

func (ts TimeSignature) String() string {
	return strconv.Itoa(ts.Numerator) + "/" + strconv.Itoa(ts.Denominator)
}

func (ts TimeSignature) validate() error {
	if ts.Numerator <= 0 {
		return invalid("time signature", ts.String(), "numerator must be > 0")
	}
	if ts.Denominator <= 0 {
		return invalid("time signature", ts.String(), "denominator must be > 0")
	}
	return nil
}

// ParseTimeSignature parses "7/8" style strings.
func ParseTimeSignature(s string) (TimeSignature, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return TimeSignature{}, fmt.Errorf("time signature %q: expected N/D", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return TimeSignature{}, fmt.Errorf("time signature %q: %w", s, err)
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil {
		return TimeSignature{}, fmt.Errorf("time signature %q: %w", s, err)
	}
	ts := TimeSignature{Numerator: n, Denominator: d}
	if err := ts.validate(); err != nil {
		return TimeSignature{}, err
	}
	return ts, nil
}

// Polyrhythm is a second grid of CrossBeats evenly spaced events per measure.
type Polyrhythm struct {
	Enabled    bool    `json:"enabled"`
	CrossBeats int     `json:"cross_beats"`
	Volume     float64 `json:"volume"`
	SoundType  string  `json:"sound_type"`
}

// PolyrhythmUpdate is a partial Polyrhythm; nil fields keep their value.
type PolyrhythmUpdate struct {
	Enabled    *bool
	CrossBeats *int
	Volume     *float64
	SoundType  *string
}

func (u PolyrhythmUpdate) apply(p Polyrhythm) Polyrhythm {
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.CrossBeats != nil {
		p.CrossBeats = *u.CrossBeats
	}
	if u.Volume != nil {
		p.Volume = *u.Volume
	}
	if u.SoundType != nil {
		p.SoundType = *u.SoundType
	}
	return p
}

func (p Polyrhythm) validate() error {
	if p.CrossBeats <= 0 {
		return invalid("polyrhythm cross beats", p.CrossBeats, "must be > 0")
	}
	if err := validateVolume("polyrhythm volume", p.Volume); err != nil {
		return err
	}
	return nil
}

type TempoChangeKind string

const (
	TempoSudden  TempoChangeKind = "sudden"
	TempoGradual TempoChangeKind = "gradual"
)

// TempoChange is applied when the cursor reaches the first tick of Measure.
type TempoChange struct {
	Measure          int             `json:"measure"`
	Kind             TempoChangeKind `json:"kind"`
	TargetBPM        float64         `json:"target_bpm"`
	DurationMeasures int             `json:"duration_measures,omitempty"`
	NewTimeSignature *TimeSignature  `json:"new_time_signature,omitempty"`
}

func (c TempoChange) clone() TempoChange {
	if c.NewTimeSignature != nil {
		ts := *c.NewTimeSignature
		c.NewTimeSignature = &ts
	}
	return c
}

func (c TempoChange) validate() error {
	if c.Measure < 1 {
		return invalid("tempo change measure", c.Measure, "must be >= 1")
	}
	if err := validateBPM("tempo change target", c.TargetBPM); err != nil {
		return err
	}
	switch c.Kind {
	case TempoSudden:
	case TempoGradual:
		if c.DurationMeasures < 1 {
			return invalid("tempo change duration", c.DurationMeasures, "gradual change needs >= 1 measure")
		}
	default:
		return invalid("tempo change kind", c.Kind, "expected %q or %q", TempoSudden, TempoGradual)
	}
	if c.NewTimeSignature != nil {
		if err := c.NewTimeSignature.validate(); err != nil {
			return err
		}
	}
	return nil
}

type Direction string

const (
	RampUp   Direction = "up"
	RampDown Direction = "down"
)

// PracticeRamping steps the tempo toward TargetBPM every MeasureInterval
// measures, independently of the tempo change list.
type PracticeRamping struct {
	Enabled         bool      `json:"enabled"`
	StartBPM        float64   `json:"start_bpm"`
	TargetBPM       float64   `json:"target_bpm"`
	IncrementBPM    float64   `json:"increment_bpm"`
	MeasureInterval int       `json:"measure_interval"`
	Direction       Direction `json:"direction"`
}

func (r PracticeRamping) validate() error {
	if err := validateBPM("ramping start", r.StartBPM); err != nil {
		return err
	}
	if err := validateBPM("ramping target", r.TargetBPM); err != nil {
		return err
	}
	if !(r.IncrementBPM > 0) {
		return invalid("ramping increment", r.IncrementBPM, "must be > 0")
	}
	if r.MeasureInterval < 1 {
		return invalid("ramping interval", r.MeasureInterval, "must be >= 1")
	}
	switch r.Direction {
	case RampUp:
		if r.TargetBPM < r.StartBPM {
			return invalid("ramping target", r.TargetBPM, "below start %.1f for direction up", r.StartBPM)
		}
	case RampDown:
		if r.TargetBPM > r.StartBPM {
			return invalid("ramping target", r.TargetBPM, "above start %.1f for direction down", r.StartBPM)
		}
	default:
		return invalid("ramping direction", r.Direction, "expected %q or %q", RampUp, RampDown)
	}
	return nil
}

// TempoState is the full configuration owned by a Scheduler.
type TempoState struct {
	BPM             float64         `json:"bpm"`
	TimeSignature   TimeSignature   `json:"time_signature"`
	Subdivision     int             `json:"subdivision"`
	Volume          float64         `json:"volume"`
	AccentFirstBeat bool            `json:"accent_first_beat"`
	Polyrhythm      Polyrhythm      `json:"polyrhythm"`
	TempoChanges    []TempoChange   `json:"tempo_changes,omitempty"`
	PracticeRamping PracticeRamping `json:"practice_ramping"`
}

// DefaultTempoState is 120 BPM in 4/4 with quarter-note clicks.
func DefaultTempoState() TempoState {
	return TempoState{
		BPM:             DefaultBPM,
		TimeSignature:   TimeSignature{Numerator: 4, Denominator: 4},
		Subdivision:     1,
		Volume:          0.8,
		AccentFirstBeat: true,
		Polyrhythm:      Polyrhythm{CrossBeats: 3, Volume: 0.6, SoundType: "woodblock"},
		PracticeRamping: PracticeRamping{
			StartBPM:        60,
			TargetBPM:       120,
			IncrementBPM:    5,
			MeasureInterval: 4,
			Direction:       RampUp,
		},
	}
}

func (s TempoState) clone() TempoState {
	cp := s
	cp.TempoChanges = make([]TempoChange, len(s.TempoChanges))
	for i, c := range s.TempoChanges {
		cp.TempoChanges[i] = c.clone()
	}
	if len(cp.TempoChanges) == 0 {
		cp.TempoChanges = nil
	}
	return cp
}

// Validate checks every field; the first violation is returned.
func (s TempoState) Validate() error {
	if err := validateBPM("bpm", s.BPM); err != nil {
		return err
	}
	if err := s.TimeSignature.validate(); err != nil {
		return err
	}
	if err := validateSubdivision(s.Subdivision); err != nil {
		return err
	}
	if err := validateVolume("volume", s.Volume); err != nil {
		return err
	}
	if err := s.Polyrhythm.validate(); err != nil {
		return err
	}
	for _, c := range s.TempoChanges {
		if err := c.validate(); err != nil {
			return err
		}
	}
	if s.PracticeRamping.Enabled {
		if err := s.PracticeRamping.validate(); err != nil {
			return err
		}
	}
	return nil
}

// secondsPerTick is the main-grid spacing: one beat split into subdivision ticks.
func (s *TempoState) secondsPerTick() float64 {
	return 60.0 / s.BPM / float64(s.Subdivision)
}

// secondsPerPolyBeat spreads CrossBeats evenly across one measure.
func (s *TempoState) secondsPerPolyBeat() float64 {
	return 60.0 / s.BPM * float64(s.TimeSignature.Numerator) / float64(s.Polyrhythm.CrossBeats)
}

// insertTempoChange keeps the list sorted and unique per measure.
func insertTempoChange(list []TempoChange, c TempoChange) []TempoChange {
	i := sort.Search(len(list), func(i int) bool { return list[i].Measure >= c.Measure })
	if i < len(list) && list[i].Measure == c.Measure {
		list[i] = c
		return list
	}
	list = append(list, TempoChange{})
	copy(list[i+1:], list[i:])
	list[i] = c
	return list
}

func removeTempoChange(list []TempoChange, measure int) ([]TempoChange, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].Measure >= measure })
	if i >= len(list) || list[i].Measure != measure {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

func findTempoChange(list []TempoChange, measure int) (TempoChange, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].Measure >= measure })
	if i < len(list) && list[i].Measure == measure {
		return list[i], true
	}
	return TempoChange{}, false
}

func validateBPM(param string, bpm float64) error {
	if math.IsNaN(bpm) || bpm < MinBPM || bpm > MaxBPM {
		return invalid(param, bpm, "must be within [%g, %g]", MinBPM, MaxBPM)
	}
	return nil
}

func validateSubdivision(n int) error {
	if n < MinSubdivision || n > MaxSubdivision {
		return invalid("subdivision", n, "must be within [%d, %d]", MinSubdivision, MaxSubdivision)
	}
	return nil
}

func validateVolume(param string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return invalid(param, v, "must be within [0, 1]")
	}
	return nil
}

func clampBPM(bpm float64) float64 {
	return math.Max(MinBPM, math.Min(MaxBPM, bpm))
}
