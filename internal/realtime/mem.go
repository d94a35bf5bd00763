package realtime

import (
	"context"
	"sync"

	"github.com/vovakirdan/duoview/internal/proto"
)

// MemChannel is an in-process broadcast used by tests and by the two
// engines' unit suites. It mimics the relay's at-least-once semantics:
// a configurable duplication factor re-delivers every envelope, which
// is what idempotency tests lean on.
type MemChannel struct {
	fanout

	mu        sync.Mutex
	peers     []*MemChannel
	duplicate int
	closed    bool
}

// NewMemPair returns two linked channels, one per peer, delivering each
// publish to both ends (the relay echoes to the publisher too).
func NewMemPair() (*MemChannel, *MemChannel) {
	a := &MemChannel{}
	b := &MemChannel{}
	a.peers = []*MemChannel{a, b}
	b.peers = []*MemChannel{a, b}
	return a, b
}

// NewMemLoopback returns a single channel that echoes publishes to its
// own subscribers.
func NewMemLoopback() *MemChannel {
	c := &MemChannel{}
	c.peers = []*MemChannel{c}
	return c
}

// SetDuplication makes every publish deliver n extra copies, modelling
// at-least-once redelivery.
func (c *MemChannel) SetDuplication(n int) {
	c.mu.Lock()
	c.duplicate = n
	c.mu.Unlock()
}

// Publish delivers the envelope synchronously to all linked peers.
func (c *MemChannel) Publish(_ context.Context, env proto.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return context.Canceled
	}
	peers := c.peers
	dup := c.duplicate
	c.mu.Unlock()

	for i := 0; i <= dup; i++ {
		for _, p := range peers {
			p.dispatch(env)
		}
	}
	return nil
}

// Subscribe registers a handler.
func (c *MemChannel) Subscribe(h Handler) (cancel func()) {
	return c.subscribe(h)
}

// OnConnectivity registers a connectivity callback.
func (c *MemChannel) OnConnectivity(fn func(connected bool)) {
	c.onConnectivity(fn)
}

// Drop simulates a disconnect/reconnect cycle for both callbacks.
func (c *MemChannel) Drop() {
	c.notifyConnectivity(false)
	c.notifyConnectivity(true)
}

// Close marks the channel closed.
func (c *MemChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
