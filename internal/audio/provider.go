package audio

import (
	"context"
	"sync"

	"github.com/cbegin/metronome-go/internal/logx"
	"github.com/cbegin/metronome-go/internal/scheduler"
)

// Provider shares one output stream between schedulers. The stream is
// created on first Acquire, paused when the last holder releases it and
// only torn down by Close.
type Provider struct {
	mu         sync.Mutex
	sampleRate int
	source     SampleSource
	player     *Player
	refs       int
	log        logx.Logger
}

func NewProvider(sampleRate int, source SampleSource, log logx.Logger) *Provider {
	return &Provider{
		sampleRate: sampleRate,
		source:     source,
		log:        log.With(logx.String("component", "audio")),
	}
}

func (p *Provider) Acquire(ctx context.Context) (scheduler.Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil {
		pl, err := NewPlayer(p.sampleRate, p.source)
		if err != nil {
			return nil, err
		}
		p.player = pl
		p.log.Info("audio output opened", logx.Int("sample_rate", p.sampleRate))
	}
	p.refs++
	p.player.Play()
	return &playerClock{pl: p.player}, nil
}

func (p *Provider) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return
	}
	p.refs--
	if p.refs == 0 && p.player != nil {
		p.player.Pause()
		p.log.Debug("audio output idle")
	}
}

// Close shuts the stream regardless of holders.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = 0
	if p.player == nil {
		return nil
	}
	err := p.player.Close()
	p.player = nil
	return err
}

type playerClock struct {
	pl *Player
}

func (c *playerClock) Now() float64 { return c.pl.Position().Seconds() }

func (c *playerClock) ResumeIfSuspended(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.pl.IsPlaying() {
		c.pl.Play()
	}
	return nil
}
