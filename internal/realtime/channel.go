// Package realtime is the peer's view of the shared room channel: an
// asynchronous, at-least-once broadcast. Ordering is reliable only
// within a single publisher's stream; consumers must tolerate
// duplicates and cross-kind reordering.
package realtime

import (
	"context"
	"sync"

	"github.com/vovakirdan/duoview/internal/proto"
)

// Handler consumes one inbound envelope. Handlers run on the channel's
// dispatch goroutine and must not block.
type Handler func(env proto.Envelope)

// Channel is the broadcast transport consumed by the session. Publish
// is fire-and-forget from the caller's perspective; delivery to the
// remote peer is at-least-once with no cross-publisher ordering.
type Channel interface {
	// Publish sends an envelope to every participant of the room,
	// including the publisher.
	Publish(ctx context.Context, env proto.Envelope) error

	// Subscribe registers a handler for inbound envelopes. The returned
	// cancel removes it; cancel is idempotent.
	Subscribe(h Handler) (cancel func())

	// OnConnectivity registers a callback fired with true on (re)connect
	// and false on disconnect. The session uses it for the reconnect
	// policy: hosts resume broadcasting, followers re-fetch state.
	OnConnectivity(fn func(connected bool))

	// Close releases the underlying connection and stops dispatch.
	Close() error
}

// fanout implements subscriber bookkeeping shared by implementations.
type fanout struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	conn   []func(bool)
}

func (f *fanout) subscribe(h Handler) func() {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]Handler)
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = h
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) dispatch(env proto.Envelope) {
	f.mu.Lock()
	handlers := make([]Handler, 0, len(f.subs))
	for _, h := range f.subs {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (f *fanout) onConnectivity(fn func(bool)) {
	f.mu.Lock()
	f.conn = append(f.conn, fn)
	f.mu.Unlock()
}

func (f *fanout) notifyConnectivity(connected bool) {
	f.mu.Lock()
	fns := make([]func(bool), len(f.conn))
	copy(fns, f.conn)
	f.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}
