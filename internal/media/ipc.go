package media

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ipcPlayer drives an external player process (mpv-compatible IPC) over
// a unix socket with newline-delimited JSON. It serves the hls, direct
// and file kinds: the process decodes, this adapter only steers it.
type ipcPlayer struct {
	socketPath string
	hooks      Hooks

	mu       sync.Mutex
	conn     net.Conn
	enc      *json.Encoder
	paused   bool
	position float64
	closed   bool
}

type ipcCommand struct {
	Cmd   string  `json:"cmd"`
	Value float64 `json:"value,omitempty"`
	Text  string  `json:"text,omitempty"`
}

type ipcEvent struct {
	Event   string  `json:"event"`
	Seconds float64 `json:"seconds,omitempty"`
	Message string  `json:"message,omitempty"`
}

// NewIPCFactory returns a Factory producing adapters that connect to the
// player process listening on socketPath.
func NewIPCFactory(socketPath string) Factory {
	return func(hooks Hooks) (Player, error) {
		return &ipcPlayer{socketPath: socketPath, hooks: hooks, paused: true}, nil
	}
}

// Load connects to the player socket and issues a load command. The
// adapter is not ready until the process reports the file open.
func (p *ipcPlayer) Load(ctx context.Context, sourceURL string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", p.socketPath)
	if err != nil {
		return fmt.Errorf("dial player socket: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.enc = json.NewEncoder(conn)
	p.mu.Unlock()

	go p.readLoop(conn)

	return p.send(ipcCommand{Cmd: "load", Text: sourceURL})
}

func (p *ipcPlayer) Play() error {
	if err := p.send(ipcCommand{Cmd: "play"}); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *ipcPlayer) Pause() error {
	if err := p.send(ipcCommand{Cmd: "pause"}); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *ipcPlayer) Seek(seconds float64) error {
	if err := p.send(ipcCommand{Cmd: "seek", Value: seconds}); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = seconds
	p.mu.Unlock()
	return nil
}

// CurrentTime returns the last position reported by the process. The
// process streams time events continuously, so this stays fresh without
// a round trip.
func (p *ipcPlayer) CurrentTime() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, ErrNotReady
	}
	return p.position, nil
}

func (p *ipcPlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Close releases the socket. No hooks fire after Close returns the
// connection closed.
func (p *ipcPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *ipcPlayer) send(cmd ipcCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc == nil || p.closed {
		return ErrNotReady
	}
	return p.enc.Encode(cmd)
}

func (p *ipcPlayer) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var ev ipcEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		p.dispatch(ev)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed && p.hooks.OnError != nil {
		err := scanner.Err()
		if err == nil {
			err = errors.New("player process closed the socket")
		}
		p.hooks.OnError(err)
	}
}

func (p *ipcPlayer) dispatch(ev ipcEvent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	switch ev.Event {
	case "time":
		p.position = ev.Seconds
	}
	p.mu.Unlock()

	switch ev.Event {
	case "ready":
		if p.hooks.OnReady != nil {
			p.hooks.OnReady()
		}
	case "time":
		if p.hooks.OnTimeUpdate != nil {
			p.hooks.OnTimeUpdate(ev.Seconds)
		}
	case "duration":
		if p.hooks.OnDurationChange != nil {
			p.hooks.OnDurationChange(ev.Seconds)
		}
	case "error":
		if p.hooks.OnError != nil {
			p.hooks.OnError(fmt.Errorf("%w: %s", ErrLoadFailed, ev.Message))
		}
	}
}
