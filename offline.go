package metronome

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"

	intaudio "github.com/cbegin/metronome-go/internal/audio"
	"github.com/cbegin/metronome-go/internal/scheduler"
)

const renderStep = 0.025

// RenderEvents runs the scheduler against a manual clock for the given
// number of seconds and returns every event due before the end, in
// scheduling order.
func RenderEvents(st TempoState, seconds float64) ([]Event, error) {
	if !(seconds > 0) {
		return nil, errors.New("seconds must be positive")
	}
	clk := scheduler.NewManualClock(0)
	var events []Event
	s, err := scheduler.New(scheduler.NewStaticProvider(clk),
		scheduler.WithManualPump(),
		scheduler.WithTempoState(st),
		scheduler.WithWallClock(func() time.Time { return time.Unix(0, 0).Add(time.Duration(clk.Now() * float64(time.Second))) }),
		scheduler.WithScheduleHook(func(ev Event) {
			if ev.AudioTime < seconds {
				events = append(events, ev)
			}
		}))
	if err != nil {
		return nil, err
	}
	defer s.Destroy()
	if err := s.Start(context.Background()); err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		now := float64(i) * renderStep
		if now >= seconds {
			break
		}
		clk.Set(now)
		s.Pump()
	}
	return events, nil
}

// RenderClickTrack renders the click sound for st as interleaved stereo
// float32 samples.
func RenderClickTrack(st TempoState, sampleRate int, seconds float64) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	events, err := RenderEvents(st, seconds)
	if err != nil {
		return nil, err
	}
	ct := intaudio.NewClickTrack(sampleRate)
	for _, ev := range events {
		ct.Schedule(ev)
	}
	out := make([]float32, int(float64(sampleRate)*seconds)*2)
	ct.Process(out)
	return out, nil
}

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAVFloat32LE wraps samples in a WAVE_FORMAT_IEEE_FLOAT container.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := uint32(len(samples) * 4)
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   3,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 4),
		BlockAlign:    uint16(channels * 4),
		BitsPerSample: 32,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))
	_ = binary.Write(&buf, binary.LittleEndian, h)
	var b [4]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(s))
		buf.Write(b[:])
	}
	return buf.Bytes()
}
