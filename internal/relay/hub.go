// Package relay is the development rendezvous server: a per-room
// broadcast hub over websockets plus a small REST surface for
// accounts, rooms and bootstrap state. Delivery is at-least-once and
// ordered only per publisher; peers are built to tolerate both.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/store"
	"github.com/vovakirdan/duoview/internal/utils"
)

// Client is one websocket connection as seen by the hub.
type Client struct {
	ID          string
	Participant string
	// Host mirrors the room token's host claim; only host connections
	// may author sync snapshots.
	Host bool
	// Send delivers envelopes to the connection's write loop. Slow
	// consumers are dropped-from, never blocked-on.
	Send chan proto.Envelope
}

type room struct {
	id      string
	clients map[*Client]struct{}
}

// Hub fans envelopes out per room and passes sync snapshots through to
// the store so late joiners and reconnecting followers can bootstrap.
type Hub struct {
	log   *zerolog.Logger
	store store.Store

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub builds a hub backed by st.
func NewHub(logger *zerolog.Logger, st store.Store) *Hub {
	return &Hub{
		log:   logger,
		store: st,
		rooms: make(map[string]*room),
	}
}

// Join registers a connection in a room and replays the room's last
// known sync snapshot, so joining and reconnecting are the same
// bootstrap path.
func (h *Hub) Join(ctx context.Context, roomID, participantID string, host bool) *Client {
	c := &Client{
		ID:          utils.NewID(),
		Participant: participantID,
		Host:        host,
		Send:        make(chan proto.Envelope, 32),
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, clients: make(map[*Client]struct{})}
		h.rooms[roomID] = r
	}
	r.clients[c] = struct{}{}
	h.mu.Unlock()

	if snapshot, err := h.store.LatestSyncState(ctx, roomID); err == nil {
		if env, encErr := proto.EncodeSync(roomID, snapshot.HostID, snapshot); encErr == nil {
			c.Send <- env
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		h.log.Warn().Err(err).Str("room", roomID).Msg("sync replay lookup failed")
	}

	h.log.Debug().Str("room", roomID).Str("participant", participantID).Msg("client joined")
	return c
}

// Leave removes a connection; empty rooms are forgotten.
func (h *Hub) Leave(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(r.clients, c)
	if len(r.clients) == 0 {
		delete(h.rooms, roomID)
	}
}

// Publish persists sync snapshots and broadcasts the envelope to every
// room member, the publisher included (peers filter their own echo).
func (h *Hub) Publish(ctx context.Context, roomID string, sender *Client, env proto.Envelope) {
	// The connection's identity wins over whatever the payload claims.
	env.Room = roomID
	env.Sender = sender.Participant

	switch env.Kind {
	case proto.KindSync:
		// Only the host authors snapshots; a follower's copy must never
		// reach the other peer or the durable row.
		if !sender.Host {
			h.log.Warn().Str("room", roomID).Str("sender", sender.Participant).Msg("sync publish from non-host dropped")
			return
		}
		s, err := proto.DecodeSync(env)
		if err != nil {
			h.log.Warn().Err(err).Str("room", roomID).Msg("malformed sync envelope dropped")
			return
		}
		if err := h.store.SaveSyncState(ctx, roomID, s); err != nil {
			h.log.Warn().Err(err).Str("room", roomID).Msg("sync snapshot persist failed")
		}
	case proto.KindSignal:
		h.recordSignal(ctx, roomID, env)
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.Send <- env:
		default:
			h.log.Warn().Str("room", roomID).Str("client", c.ID).Msg("slow consumer, envelope dropped")
		}
	}
}

// recordSignal mirrors call lifecycle messages into the store so the
// bootstrap and archive endpoints have something to serve. Best
// effort: a failed write never blocks fanout, and offer/answer/
// candidate traffic leaves no trace.
func (h *Hub) recordSignal(ctx context.Context, roomID string, env proto.Envelope) {
	sig, err := proto.DecodeSignal(env)
	if err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("malformed signal envelope")
		return
	}
	if sig.CallID == "" {
		return
	}

	if sig.Type == proto.SignalInvite {
		cs := &store.CallSession{
			ID:        sig.CallID,
			RoomID:    roomID,
			CallerID:  env.Sender,
			CalleeID:  sig.To,
			CallType:  sig.CallType,
			Status:    store.CallStatusRinging,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.store.CreateCall(ctx, cs); err != nil {
			// Duplicate invites are expected under at-least-once delivery.
			h.log.Debug().Err(err).Str("call", sig.CallID).Msg("call create skipped")
		}
		return
	}

	cs, err := h.store.GetCall(ctx, sig.CallID)
	if err != nil {
		h.log.Debug().Err(err).Str("call", sig.CallID).Msg("signal for unknown call")
		return
	}
	if cs.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	switch sig.Type {
	case proto.SignalAccept:
		cs.Status = store.CallStatusConnecting
		cs.CalleeID = env.Sender
	case proto.SignalConnected:
		cs.Status = store.CallStatusConnected
		cs.ConnectedAt = &now
	case proto.SignalReject:
		cs.Status = store.CallStatusRejected
		cs.Reason = sig.Reason
		cs.EndedAt = &now
	case proto.SignalCancel:
		cs.Status = store.CallStatusCancelled
		cs.Reason = sig.Reason
		cs.EndedAt = &now
	case proto.SignalHangup:
		cs.Status = store.CallStatusEnded
		cs.Reason = sig.Reason
		cs.EndedAt = &now
	default:
		return
	}
	if err := h.store.UpdateCall(ctx, cs); err != nil {
		h.log.Warn().Err(err).Str("call", sig.CallID).Msg("call update failed")
	}
}
