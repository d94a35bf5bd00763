package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Controller owns the active adapter for one session. Switching sources
// always tears the previous adapter down before constructing the next
// one, and readiness resets to false on every switch.
type Controller struct {
	log       *zerolog.Logger
	factories map[Kind]Factory
	hooks     Hooks

	mu        sync.Mutex
	active    Player
	activeURL string
	kind      Kind
	ready     bool
}

// NewController builds a controller with no adapters registered.
// External hooks fire after the controller's own bookkeeping.
func NewController(logger *zerolog.Logger, hooks Hooks) *Controller {
	return &Controller{
		log:       logger,
		factories: make(map[Kind]Factory),
		hooks:     hooks,
	}
}

// Register installs a factory for a backend kind.
func (c *Controller) Register(kind Kind, f Factory) {
	c.factories[kind] = f
}

// Source returns the currently loaded source URL, or "" when none.
func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeURL
}

// Ready reports whether the active adapter has signalled readiness.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Switch loads sourceURL, replacing the active adapter when the kind or
// URL differs. A no-op when the same URL is already loaded.
func (c *Controller) Switch(ctx context.Context, sourceURL string) error {
	c.mu.Lock()
	if c.activeURL == sourceURL && c.active != nil {
		c.mu.Unlock()
		return nil
	}

	kind := DetectKind(sourceURL)
	factory, ok := c.factories[kind]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoAdapter, kind)
	}

	// Full teardown first: the old adapter must release its media
	// handles before the new one claims any.
	if c.active != nil {
		if err := c.active.Close(); err != nil {
			c.log.Warn().Err(err).Str("kind", string(c.kind)).Msg("adapter close failed")
		}
		c.active = nil
	}
	c.ready = false
	c.activeURL = ""
	c.kind = kind
	c.mu.Unlock()

	player, err := factory(c.wrapHooks())
	if err != nil {
		return fmt.Errorf("construct %s adapter: %w", kind, err)
	}

	if err := player.Load(ctx, sourceURL); err != nil {
		_ = player.Close()
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	c.mu.Lock()
	c.active = player
	c.activeURL = sourceURL
	c.mu.Unlock()

	c.log.Debug().Str("kind", string(kind)).Str("url", sourceURL).Msg("source switched")
	return nil
}

// Play forwards to the active adapter.
func (c *Controller) Play() error {
	p, err := c.current()
	if err != nil {
		return err
	}
	return p.Play()
}

// Pause forwards to the active adapter.
func (c *Controller) Pause() error {
	p, err := c.current()
	if err != nil {
		return err
	}
	return p.Pause()
}

// Seek forwards to the active adapter. Gated on readiness.
func (c *Controller) Seek(seconds float64) error {
	c.mu.Lock()
	p, ready := c.active, c.ready
	c.mu.Unlock()
	if p == nil || !ready {
		return ErrNotReady
	}
	return p.Seek(seconds)
}

// CurrentTime reads the local position. Gated on readiness.
func (c *Controller) CurrentTime() (float64, error) {
	c.mu.Lock()
	p, ready := c.active, c.ready
	c.mu.Unlock()
	if p == nil || !ready {
		return 0, ErrNotReady
	}
	return p.CurrentTime()
}

// Paused reports the adapter's pause state; true when nothing is loaded.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	p := c.active
	c.mu.Unlock()
	if p == nil {
		return true
	}
	return p.Paused()
}

// MarkLive forwards a first-sample notification to the active adapter
// when it is a live feed; other kinds ignore it.
func (c *Controller) MarkLive() {
	c.mu.Lock()
	p := c.active
	c.mu.Unlock()
	if feed, ok := p.(LiveFeed); ok {
		feed.MarkLive()
	}
}

// Close tears down the active adapter and resets readiness.
func (c *Controller) Close() error {
	c.mu.Lock()
	p := c.active
	c.active = nil
	c.activeURL = ""
	c.ready = false
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

func (c *Controller) current() (Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, ErrNotReady
	}
	return c.active, nil
}

// wrapHooks interposes the controller's readiness bookkeeping before
// the session's own hooks.
func (c *Controller) wrapHooks() Hooks {
	outer := c.hooks
	return Hooks{
		OnReady: func() {
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			if outer.OnReady != nil {
				outer.OnReady()
			}
		},
		OnTimeUpdate:     outer.OnTimeUpdate,
		OnDurationChange: outer.OnDurationChange,
		OnError: func(err error) {
			c.log.Warn().Err(err).Msg("player error")
			if outer.OnError != nil {
				outer.OnError(err)
			}
		},
	}
}
