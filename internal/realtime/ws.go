package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/proto"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 15 * time.Second
)

// WSChannel is the relay-backed Channel. It keeps one websocket to the
// relay's /ws endpoint, reconnecting with exponential backoff; the
// relay replays the room's last known sync snapshot on every join, so
// a reconnect doubles as the late-join bootstrap fetch.
type WSChannel struct {
	fanout

	log      *zerolog.Logger
	url      string
	token    string
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	connMu   sync.Mutex
	conn     *websocket.Conn
	closedMu sync.Mutex
	closed   bool
}

// DialWS opens the channel and starts the read/reconnect loop. url is
// the relay websocket endpoint including the room query parameter;
// token is the room-scoped JWT.
func DialWS(ctx context.Context, logger *zerolog.Logger, url, token string) *WSChannel {
	runCtx, cancel := context.WithCancel(ctx)
	c := &WSChannel{
		log:    logger,
		url:    url,
		token:  token,
		cancel: cancel,
	}
	go c.run(runCtx)
	return c
}

// Publish sends an envelope over the current connection. It fails fast
// when disconnected; the caller's own state is authoritative and will
// be re-broadcast after reconnect.
func (c *WSChannel) Publish(ctx context.Context, env proto.Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.New("realtime: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, conn, env)
}

// Subscribe registers a handler for inbound envelopes.
func (c *WSChannel) Subscribe(h Handler) (cancel func()) {
	return c.subscribe(h)
}

// OnConnectivity registers a connectivity callback.
func (c *WSChannel) OnConnectivity(fn func(connected bool)) {
	c.onConnectivity(fn)
}

// Close stops the reconnect loop and closes the connection.
func (c *WSChannel) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "leaving room")
	}
	return nil
}

func (c *WSChannel) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		backoff = reconnectMin
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.notifyConnectivity(true)

		err = c.readPump(ctx, conn)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.notifyConnectivity(false)

		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("relay connection lost, reconnecting")
	}
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	return conn, err
}

func (c *WSChannel) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}
