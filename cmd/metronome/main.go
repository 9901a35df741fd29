package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/cbegin/metronome-go"
	"github.com/cbegin/metronome-go/internal/config"
	"github.com/cbegin/metronome-go/internal/logx"
	"github.com/cbegin/metronome-go/internal/midiout"
	"github.com/cbegin/metronome-go/internal/tui"
)

type flags struct {
	configPath string
	bpm        float64
	sig        string
	sub        int
	poly       int
	clock      string
	ui         bool
	midiPort   string
	duration   time.Duration
	wavPath    string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML or JSON config file (watched for changes)")
	flag.Float64Var(&f.bpm, "bpm", 0, "tempo in beats per minute (30..300)")
	flag.StringVar(&f.sig, "sig", "", "time signature, e.g. 7/8")
	flag.IntVar(&f.sub, "sub", 0, "subdivisions per beat (1..8)")
	flag.IntVar(&f.poly, "poly", 0, "enable a polyrhythm with N cross beats per measure")
	flag.StringVar(&f.clock, "clock", "", "clock source: audio|system")
	flag.BoolVar(&f.ui, "tui", false, "show the terminal beat display")
	flag.StringVar(&f.midiPort, "midi", "", "send clicks to the MIDI output port whose name contains this ('*' = first port)")
	flag.DurationVar(&f.duration, "duration", 0, "stop after this long (0 = until interrupted)")
	flag.StringVar(&f.wavPath, "wav", "", "render -duration of clicks to this WAV file instead of playing")
	flag.Parse()

	if err := run(f); err != nil {
		log.Fatal(err)
	}
}

func run(f flags) error {
	var mgr *config.Manager
	cfg := config.Default()
	if f.configPath != "" {
		mgr = config.NewManager(f.configPath)
		loaded, err := mgr.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := applyFlags(cfg, f); err != nil {
		return err
	}

	svc, logger := logx.NewService(logConfig(cfg, f.ui))
	defer svc.Close()

	st, err := cfg.Tempo.State()
	if err != nil {
		return err
	}

	if f.wavPath != "" {
		return renderWAV(f, cfg, st, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	period, lookahead, err := cfg.Scheduler.Durations()
	if err != nil {
		return err
	}
	opts := []metronome.Option{
		metronome.WithLogger(logger),
		metronome.WithTempo(st),
		metronome.WithSampleRate(cfg.Audio.SampleRate),
		metronome.WithControlPeriod(period),
		metronome.WithLookahead(lookahead),
		metronome.WithClicks(*cfg.Audio.Clicks),
	}
	if cfg.Audio.Clock == config.ClockSystem {
		opts = append(opts, metronome.WithSystemClock())
	}
	m, err := metronome.New(opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	if cfg.MIDI.Enabled {
		port := cfg.MIDI.Port
		if port == "*" {
			port = ""
		}
		r, err := midiout.Open(port, cfg.MIDI.Channel, midiout.WithLogger(logger))
		if err != nil {
			return err
		}
		defer midi.CloseDriver()
		defer r.Close()
		unsub := m.Subscribe(r.Handle)
		defer unsub()
	}

	if mgr != nil {
		mgr.SetLogger(logger)
		mgr.SetValidator(reloadValidator(f))
		logger.Info("watching config", logx.String("path", mgr.Path()))
		go follow(ctx, mgr, m, svc, f, logger)
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	logger.Info("metronome started",
		logx.Float64("bpm", st.BPM),
		logx.String("time_signature", st.TimeSignature.String()),
		logx.String("clock", cfg.Audio.Clock))

	events, closeWatch := m.Watch(64)
	defer closeWatch()
	if f.ui {
		return tui.Run(ctx, m, events)
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("metronome stopped", logx.Uint64("dropped_events", m.Dropped()))
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == metronome.EventMeasure {
				fmt.Printf("measure %d  %.1f BPM\n", ev.Measure, ev.BPM)
			}
		}
	}
}

// applyFlags overrides config values with any flags that were set.
func applyFlags(cfg *config.Config, f flags) error {
	if f.bpm != 0 {
		cfg.Tempo.BPM = f.bpm
		if pr := cfg.Tempo.PracticeRamping; pr != nil && pr.Enabled {
			off := *pr
			off.Enabled = false
			cfg.Tempo.PracticeRamping = &off
		}
	}
	if f.sig != "" {
		cfg.Tempo.TimeSignature = f.sig
	}
	if f.sub != 0 {
		cfg.Tempo.Subdivision = f.sub
	}
	if f.poly > 0 {
		cfg.Tempo.Polyrhythm.Enabled = true
		cfg.Tempo.Polyrhythm.CrossBeats = f.poly
	}
	if f.clock != "" {
		cfg.Audio.Clock = strings.ToLower(strings.TrimSpace(f.clock))
	}
	if f.midiPort != "" {
		cfg.MIDI.Enabled = true
		cfg.MIDI.Port = f.midiPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func logConfig(cfg *config.Config, ui bool) logx.Config {
	lc := cfg.Logging.LogConfig()
	if ui {
		// The display owns the terminal.
		lc.Console = false
		if !lc.File.Enabled {
			lc.File = logx.FileConfig{Enabled: true, Path: logx.DefaultFilePath}
		}
	}
	return lc
}

// reloadValidator rejects a reloaded file before it is published when it
// would not produce a valid tempo state once the command line flags are
// laid over it.
func reloadValidator(f flags) func(context.Context, *config.Config) error {
	return func(_ context.Context, cfg *config.Config) error {
		next := *cfg
		if err := applyFlags(&next, f); err != nil {
			return err
		}
		_, err := next.Tempo.State()
		return err
	}
}

// follow applies tempo and logging sections of every reloaded config. Audio,
// scheduler and MIDI sections take effect on restart.
func follow(ctx context.Context, mgr *config.Manager, m *metronome.Metronome, svc *logx.Service, f flags, logger logx.Logger) {
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			logger.Error("config watch ended", logx.Err(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next := *cfg
			if err := applyFlags(&next, f); err != nil {
				logger.Warn("reloaded config rejected", logx.Err(err))
				continue
			}
			if err := m.ApplyTempo(next.Tempo); err != nil {
				logger.Warn("tempo reload rejected", logx.Err(err))
				continue
			}
			svc.Apply(logConfig(&next, f.ui))
			logger.Info("tempo reloaded", logx.Float64("bpm", next.Tempo.BPM))
		}
	}
}

func renderWAV(f flags, cfg *config.Config, st metronome.TempoState, logger logx.Logger) error {
	if f.duration <= 0 {
		return errors.New("-wav requires -duration")
	}
	samples, err := metronome.RenderClickTrack(st, cfg.Audio.SampleRate, f.duration.Seconds())
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.wavPath, metronome.EncodeWAVFloat32LE(samples, cfg.Audio.SampleRate, 2), 0o644); err != nil {
		return err
	}
	logger.Info("wrote click track", logx.String("path", f.wavPath), logx.Duration("duration", f.duration))
	return nil
}
