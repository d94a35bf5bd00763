package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// embedPlayer drives a third-party embedded player (YouTube or Vimeo
// iframe API) running in the presentation layer, through a local
// websocket bridge. The bridge relays commands verbatim and reports the
// embed's state changes back; autoplay refusal is one of them.
type embedPlayer struct {
	bridgeURL string
	platform  Kind
	hooks     Hooks

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	paused   bool
	position float64
	closed   bool
}

type embedCommand struct {
	Op       string  `json:"op"`
	Platform string  `json:"platform,omitempty"`
	URL      string  `json:"url,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
}

type embedState struct {
	Event   string  `json:"event"`
	Seconds float64 `json:"seconds,omitempty"`
	Message string  `json:"message,omitempty"`
}

// NewEmbedFactory returns a Factory for one embed platform served
// through the bridge at bridgeURL.
func NewEmbedFactory(bridgeURL string, platform Kind) Factory {
	return func(hooks Hooks) (Player, error) {
		return &embedPlayer{
			bridgeURL: bridgeURL,
			platform:  platform,
			hooks:     hooks,
			paused:    true,
		}, nil
	}
}

// Load dials the bridge and instructs it to mount the embed for
// sourceURL. Readiness arrives as a bridge event once the embed's own
// ready callback fires.
func (p *embedPlayer) Load(ctx context.Context, sourceURL string) error {
	conn, _, err := websocket.Dial(ctx, p.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial embed bridge: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.conn = conn
	p.cancel = cancel
	p.mu.Unlock()

	go p.readLoop(loopCtx, conn)

	return p.send(embedCommand{Op: "load", Platform: string(p.platform), URL: sourceURL})
}

func (p *embedPlayer) Play() error {
	if err := p.send(embedCommand{Op: "play"}); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *embedPlayer) Pause() error {
	if err := p.send(embedCommand{Op: "pause"}); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *embedPlayer) Seek(seconds float64) error {
	if err := p.send(embedCommand{Op: "seek", Seconds: seconds}); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = seconds
	p.mu.Unlock()
	return nil
}

func (p *embedPlayer) CurrentTime() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, ErrNotReady
	}
	return p.position, nil
}

func (p *embedPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Close tears the bridge connection down; the bridge unmounts the embed.
func (p *embedPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	cancel := p.cancel
	p.conn = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "source switch")
}

func (p *embedPlayer) send(cmd embedCommand) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()
	if conn == nil || closed {
		return ErrNotReady
	}
	return wsjson.Write(context.Background(), conn, cmd)
}

func (p *embedPlayer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var st embedState
		if err := wsjson.Read(ctx, conn, &st); err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed && p.hooks.OnError != nil {
				p.hooks.OnError(fmt.Errorf("embed bridge: %w", err))
			}
			return
		}
		p.dispatch(st)
	}
}

func (p *embedPlayer) dispatch(st embedState) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch st.Event {
	case "time":
		p.position = st.Seconds
	case "playing":
		p.paused = false
	case "paused":
		p.paused = true
	}
	p.mu.Unlock()

	switch st.Event {
	case "ready":
		if p.hooks.OnReady != nil {
			p.hooks.OnReady()
		}
	case "time":
		if p.hooks.OnTimeUpdate != nil {
			p.hooks.OnTimeUpdate(st.Seconds)
		}
	case "duration":
		if p.hooks.OnDurationChange != nil {
			p.hooks.OnDurationChange(st.Seconds)
		}
	case "autoplay-blocked":
		if p.hooks.OnError != nil {
			p.hooks.OnError(ErrAutoplayBlocked)
		}
	case "error":
		if p.hooks.OnError != nil {
			p.hooks.OnError(fmt.Errorf("%w: %s", ErrLoadFailed, st.Message))
		}
	}
}
