package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cbegin/metronome-go/internal/logx"
	"github.com/cbegin/metronome-go/internal/scheduler"
)

// Config is the on-disk configuration. Every section may be omitted;
// WithDefaults fills zero values.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Audio     AudioConfig     `json:"audio"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tempo     TempoConfig     `json:"tempo"`
	MIDI      MIDIConfig      `json:"midi"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AudioConfig selects the clock source.
//
// clock is "audio" (default, the output device position) or "system" (the Go
// monotonic clock, no sound). clicks controls whether the audio clock also
// plays click sounds.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate,omitempty"`
	Clock      string `json:"clock,omitempty"`
	Clicks     *bool  `json:"clicks,omitempty"`
}

// SchedulerConfig durations are Go duration strings ("25ms", "0.1s").
type SchedulerConfig struct {
	ControlPeriod string `json:"control_period,omitempty"`
	Lookahead     string `json:"lookahead,omitempty"`
}

type TempoConfig struct {
	BPM             float64                    `json:"bpm,omitempty"`
	TimeSignature   string                     `json:"time_signature,omitempty"`
	Subdivision     int                        `json:"subdivision,omitempty"`
	Volume          *float64                   `json:"volume,omitempty"`
	AccentFirstBeat *bool                      `json:"accent_first_beat,omitempty"`
	Polyrhythm      PolyrhythmConfig           `json:"polyrhythm"`
	TempoChanges    []TempoChangeConfig        `json:"tempo_changes,omitempty"`
	PracticeRamping *scheduler.PracticeRamping `json:"practice_ramping,omitempty"`
}

type PolyrhythmConfig struct {
	Enabled    bool     `json:"enabled"`
	CrossBeats int      `json:"cross_beats,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
	SoundType  string   `json:"sound_type,omitempty"`
}

type TempoChangeConfig struct {
	Measure          int     `json:"measure"`
	Kind             string  `json:"kind"`
	TargetBPM        float64 `json:"target_bpm"`
	DurationMeasures int     `json:"duration_measures,omitempty"`
	TimeSignature    string  `json:"time_signature,omitempty"`
}

type MIDIConfig struct {
	Enabled bool   `json:"enabled"`
	Port    string `json:"port,omitempty"`
	Channel int    `json:"channel,omitempty"`
}

const (
	ClockAudio  = "audio"
	ClockSystem = "system"

	DefaultSampleRate  = 48000
	DefaultMIDIChannel = 10
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.WithDefaults()
	return cfg
}

// WithDefaults fills zero fields in place.
func (c *Config) WithDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		c.Logging.File.Path = logx.DefaultFilePath
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.Clock == "" {
		c.Audio.Clock = ClockAudio
	}
	if c.Audio.Clicks == nil {
		on := true
		c.Audio.Clicks = &on
	}
	if c.MIDI.Channel == 0 {
		c.MIDI.Channel = DefaultMIDIChannel
	}
}

// Validate checks every section; errors carry the field path.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Audio.SampleRate != 0 && (c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000) {
		return fmt.Errorf("audio.sample_rate: %d outside [8000, 192000]", c.Audio.SampleRate)
	}
	switch c.Audio.Clock {
	case "", ClockAudio, ClockSystem:
	default:
		return fmt.Errorf("audio.clock: expected %q or %q, got %q", ClockAudio, ClockSystem, c.Audio.Clock)
	}
	if _, _, err := c.Scheduler.Durations(); err != nil {
		return err
	}
	if _, err := c.Tempo.State(); err != nil {
		return fmt.Errorf("tempo: %w", err)
	}
	if c.MIDI.Channel != 0 && (c.MIDI.Channel < 1 || c.MIDI.Channel > 16) {
		return fmt.Errorf("midi.channel: %d outside [1, 16]", c.MIDI.Channel)
	}
	return nil
}

// Durations returns the control period and look-ahead, defaulted.
func (s SchedulerConfig) Durations() (period, lookahead time.Duration, err error) {
	period, err = ParseDurationOrDefault("scheduler.control_period", s.ControlPeriod, scheduler.DefaultControlPeriod)
	if err != nil {
		return 0, 0, err
	}
	lookahead, err = ParseDurationOrDefault("scheduler.lookahead", s.Lookahead, scheduler.DefaultLookahead)
	if err != nil {
		return 0, 0, err
	}
	if lookahead < period {
		return 0, 0, fmt.Errorf("scheduler.lookahead: %s shorter than control period %s", lookahead, period)
	}
	return period, lookahead, nil
}

// LogConfig maps the logging section onto logx.
func (l LoggingConfig) LogConfig() logx.Config {
	console := l.Console == nil || *l.Console
	return logx.Config{
		Level:   l.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// State builds a validated TempoState, starting from the scheduler defaults.
func (t TempoConfig) State() (scheduler.TempoState, error) {
	st := scheduler.DefaultTempoState()
	if t.BPM != 0 {
		st.BPM = t.BPM
	}
	if t.TimeSignature != "" {
		ts, err := scheduler.ParseTimeSignature(t.TimeSignature)
		if err != nil {
			return scheduler.TempoState{}, fmt.Errorf("time_signature: %w", err)
		}
		st.TimeSignature = ts
	}
	if t.Subdivision != 0 {
		st.Subdivision = t.Subdivision
	}
	if t.Volume != nil {
		st.Volume = *t.Volume
	}
	if t.AccentFirstBeat != nil {
		st.AccentFirstBeat = *t.AccentFirstBeat
	}

	p := t.Polyrhythm
	st.Polyrhythm.Enabled = p.Enabled
	if p.CrossBeats != 0 {
		st.Polyrhythm.CrossBeats = p.CrossBeats
	}
	if p.Volume != nil {
		st.Polyrhythm.Volume = *p.Volume
	}
	if p.SoundType != "" {
		st.Polyrhythm.SoundType = p.SoundType
	}

	for i, c := range t.TempoChanges {
		tc := scheduler.TempoChange{
			Measure:          c.Measure,
			Kind:             scheduler.TempoChangeKind(c.Kind),
			TargetBPM:        c.TargetBPM,
			DurationMeasures: c.DurationMeasures,
		}
		if tc.Kind == "" {
			tc.Kind = scheduler.TempoSudden
		}
		if c.TimeSignature != "" {
			ts, err := scheduler.ParseTimeSignature(c.TimeSignature)
			if err != nil {
				return scheduler.TempoState{}, fmt.Errorf("tempo_changes[%d].time_signature: %w", i, err)
			}
			tc.NewTimeSignature = &ts
		}
		for _, prev := range st.TempoChanges {
			if prev.Measure == tc.Measure {
				return scheduler.TempoState{}, fmt.Errorf("tempo_changes[%d]: duplicate measure %d", i, tc.Measure)
			}
		}
		st.TempoChanges = append(st.TempoChanges, tc)
	}
	sortChanges(st.TempoChanges)

	if t.PracticeRamping != nil {
		st.PracticeRamping = *t.PracticeRamping
		if st.PracticeRamping.Enabled {
			st.BPM = st.PracticeRamping.StartBPM
		}
	}

	if err := st.Validate(); err != nil {
		return scheduler.TempoState{}, err
	}
	return st, nil
}

func sortChanges(list []scheduler.TempoChange) {
	sort.Slice(list, func(i, j int) bool { return list[i].Measure < list[j].Measure })
}
