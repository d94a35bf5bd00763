package media

import (
	"context"
	"sync"
	"time"
)

// livePlayer tracks position for an inbound p2p live stream fed by the
// peer connection manager. Live streams have no seekable timeline:
// position is wall-clock time since the first sample, and Seek is a
// no-op so the reconciler's force-seek degrades gracefully.
type livePlayer struct {
	hooks Hooks

	mu      sync.Mutex
	started time.Time
	playing bool
	ready   bool
	closed  bool
}

// NewLiveFactory returns a Factory for the p2p live stream kind.
// Readiness comes from the first inbound track: the session forwards
// the rtc manager's track notification through Controller.MarkLive.
func NewLiveFactory() Factory {
	return func(hooks Hooks) (Player, error) {
		return &livePlayer{hooks: hooks}, nil
	}
}

// Load is immediate: there is nothing to fetch until samples arrive.
func (p *livePlayer) Load(_ context.Context, _ string) error {
	return nil
}

// MarkLive is called when the first inbound sample arrives; readiness
// gates on it like any other adapter.
func (p *livePlayer) MarkLive() {
	p.mu.Lock()
	if p.ready || p.closed {
		p.mu.Unlock()
		return
	}
	p.ready = true
	p.playing = true
	p.started = time.Now()
	p.mu.Unlock()

	if p.hooks.OnReady != nil {
		p.hooks.OnReady()
	}
}

func (p *livePlayer) Play() error {
	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()
	return nil
}

func (p *livePlayer) Pause() error {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
	return nil
}

// Seek is a no-op: a live stream has only "now".
func (p *livePlayer) Seek(_ float64) error {
	return nil
}

func (p *livePlayer) CurrentTime() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return 0, ErrNotReady
	}
	return time.Since(p.started).Seconds(), nil
}

func (p *livePlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.playing
}

func (p *livePlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.ready = false
	p.playing = false
	p.mu.Unlock()
	return nil
}
