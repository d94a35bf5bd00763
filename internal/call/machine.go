// Package call implements the signaling state machine for a room's
// one-to-one call. Every transition is driven by a signaling message
// on the shared realtime channel; delivery is at-least-once, so every
// handler is idempotent and terminal statuses absorb stray messages.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/realtime"
	"github.com/vovakirdan/duoview/internal/store"
)

// Reasons recorded on terminal sessions. "no-answer" and "rejected"
// are distinct so the UI can tell an ignored call from a declined one.
const (
	ReasonNoAnswer  = "no-answer"
	ReasonRejected  = "rejected"
	ReasonCancelled = "cancelled"
	ReasonHangup    = "hangup"
	ReasonBusy      = "busy"
	ReasonFailed    = "peer-connection-failed"
)

// Transport is the media side of a call, driven by the machine once
// signaling reaches connecting. The rtc manager implements it.
type Transport interface {
	// Start negotiates the media session. The initiator creates the
	// offer; the other side answers.
	Start(callID string, initiator bool, callType proto.CallType) error
	// HandleSignal feeds offer/answer/candidate messages through.
	HandleSignal(sig proto.Signal)
	// Close tears the media session down. Idempotent.
	Close()
}

// Options configures a Machine for one room membership.
type Options struct {
	Logger    *zerolog.Logger
	Channel   realtime.Channel
	Store     store.CallStore // nil keeps sessions in memory only
	Transport Transport

	RoomID string
	SelfID string

	// RingTimeout bounds an unanswered call; expiry ends it with
	// reason "no-answer" on both sides.
	RingTimeout time.Duration

	Notify Notifier
}

// Machine owns the call session for one room. All mutable state lives
// on a single goroutine; signaling messages, local user actions, the
// ring timer and transport callbacks are serialized through post.
type Machine struct {
	log       *zerolog.Logger
	ch        realtime.Channel
	store     store.CallStore
	transport Transport
	notify    Notifier

	roomID      string
	selfID      string
	ringTimeout time.Duration

	posts    chan func()
	done     chan struct{}
	stopOnce sync.Once

	// Actor-owned state below; touched only from run().
	session       *store.CallSession
	ringing       bool
	transportLive bool
	stopRingTimer func()
	unsubscribe   func()
}

// New builds a machine. Call Start to begin processing.
func New(opts Options) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Notify == nil {
		opts.Notify = func(Event) {}
	}
	return &Machine{
		log:         opts.Logger,
		ch:          opts.Channel,
		store:       opts.Store,
		transport:   opts.Transport,
		notify:      opts.Notify,
		roomID:      opts.RoomID,
		selfID:      opts.SelfID,
		ringTimeout: opts.RingTimeout,
		posts:       make(chan func(), 64),
		done:        make(chan struct{}),
	}
}

// Start launches the actor goroutine and subscribes to the channel.
func (m *Machine) Start(ctx context.Context) {
	m.unsubscribe = m.ch.Subscribe(func(env proto.Envelope) {
		if env.Kind != proto.KindSignal || env.Room != m.roomID || env.Sender == m.selfID {
			return
		}
		sig, err := proto.DecodeSignal(env)
		if err != nil {
			m.log.Warn().Err(err).Msg("malformed signal envelope")
			return
		}
		m.post(func() { m.handleSignal(sig) })
	})

	go m.run(ctx)
}

// Stop tears the machine down; safe to call more than once. Resource
// release happens on the actor goroutine's way out, so it also runs on
// context cancellation.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Initiate starts an outgoing call. No-op while a call is active.
func (m *Machine) Initiate(callType proto.CallType) { m.post(func() { m.initiate(callType) }) }

// Accept answers an incoming call; valid only while ringing.
func (m *Machine) Accept() { m.post(func() { m.accept() }) }

// Reject declines an incoming call; valid only while ringing.
func (m *Machine) Reject() { m.post(func() { m.reject() }) }

// Cancel withdraws an outgoing call before the callee answers.
func (m *Machine) Cancel() { m.post(func() { m.cancel() }) }

// Hangup ends an established or connecting call from either side.
func (m *Machine) Hangup() { m.post(func() { m.hangup() }) }

// PeerEstablished is called by the transport when the media session
// reaches connected. The connected-ack is an explicit signaling
// message, never inferred silently by the other side.
func (m *Machine) PeerEstablished() { m.post(func() { m.peerEstablished() }) }

// PeerFailed is called by the transport after its single automatic
// retry has also failed.
func (m *Machine) PeerFailed() { m.post(func() { m.peerFailed() }) }

// Snapshot returns a copy of the current session, if any.
func (m *Machine) Snapshot() (store.CallSession, bool) {
	type reply struct {
		s  store.CallSession
		ok bool
	}
	ch := make(chan reply, 1)
	m.post(func() {
		if m.session != nil {
			ch <- reply{*m.session, true}
			return
		}
		ch <- reply{}
	})
	select {
	case r := <-ch:
		return r.s, r.ok
	case <-m.done:
		return store.CallSession{}, false
	}
}

func (m *Machine) post(fn func()) {
	select {
	case <-m.done:
	case m.posts <- fn:
	}
}

func (m *Machine) run(ctx context.Context) {
	defer m.cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case fn := <-m.posts:
			fn()
		}
	}
}

// cleanup releases every scoped resource on every exit path: ring
// timer, channel subscription, media transport, ringing affordance.
func (m *Machine) cleanup() {
	m.cancelRingTimer()
	m.clearRinging()
	m.closeTransport()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// ==== actor-owned logic ====

func (m *Machine) initiate(callType proto.CallType) {
	if m.active() {
		m.log.Warn().Str("call_id", m.session.ID).Msg("initiate ignored, call already active")
		return
	}
	now := time.Now().UTC()
	m.session = &store.CallSession{
		ID:        uuid.New().String(),
		RoomID:    m.roomID,
		CallerID:  m.selfID,
		CalleeID:  "",
		CallType:  callType,
		Status:    store.CallStatusCalling,
		CreatedAt: now,
	}
	m.persistCreate()
	m.notify(Event{Kind: EventStatus, Session: *m.session})
	m.startRingTimer()
	m.publish(proto.Signal{
		Type:     proto.SignalInvite,
		CallID:   m.session.ID,
		CallType: callType,
		From:     m.selfID,
	})
}

func (m *Machine) accept() {
	if m.session == nil || m.session.Status != store.CallStatusRinging {
		return
	}
	m.publish(proto.Signal{
		Type:   proto.SignalAccept,
		CallID: m.session.ID,
		From:   m.selfID,
		To:     m.session.CallerID,
	})
	m.transition(store.CallStatusConnecting, "")
	m.startTransport(false)
}

func (m *Machine) reject() {
	if m.session == nil || m.session.Status != store.CallStatusRinging {
		return
	}
	m.publish(proto.Signal{
		Type:   proto.SignalReject,
		CallID: m.session.ID,
		From:   m.selfID,
		To:     m.session.CallerID,
		Reason: ReasonRejected,
	})
	m.transition(store.CallStatusRejected, ReasonRejected)
}

func (m *Machine) cancel() {
	if m.session == nil || m.session.Status != store.CallStatusCalling {
		return
	}
	m.publish(proto.Signal{
		Type:   proto.SignalCancel,
		CallID: m.session.ID,
		From:   m.selfID,
		Reason: ReasonCancelled,
	})
	m.transition(store.CallStatusCancelled, ReasonCancelled)
}

func (m *Machine) hangup() {
	if m.session == nil || m.session.Status.Terminal() {
		return
	}
	switch m.session.Status {
	case store.CallStatusConnecting, store.CallStatusConnected:
	default:
		return
	}
	m.publish(proto.Signal{
		Type:   proto.SignalHangup,
		CallID: m.session.ID,
		From:   m.selfID,
		Reason: ReasonHangup,
	})
	m.transition(store.CallStatusEnded, ReasonHangup)
}

func (m *Machine) peerEstablished() {
	if m.session == nil || m.session.Status != store.CallStatusConnecting {
		return
	}
	m.publish(proto.Signal{
		Type:   proto.SignalConnected,
		CallID: m.session.ID,
		From:   m.selfID,
	})
	m.transition(store.CallStatusConnected, "")
}

func (m *Machine) peerFailed() {
	if m.session == nil || m.session.Status.Terminal() {
		return
	}
	m.publish(proto.Signal{
		Type:   proto.SignalHangup,
		CallID: m.session.ID,
		From:   m.selfID,
		Reason: ReasonFailed,
	})
	m.transition(store.CallStatusFailed, ReasonFailed)
}

func (m *Machine) onRingTimeout() {
	if m.session == nil {
		return
	}
	switch m.session.Status {
	case store.CallStatusCalling:
		// Tell the callee to dismiss the ringing affordance too.
		m.publish(proto.Signal{
			Type:   proto.SignalCancel,
			CallID: m.session.ID,
			From:   m.selfID,
			Reason: ReasonNoAnswer,
		})
		m.transition(store.CallStatusEnded, ReasonNoAnswer)
	case store.CallStatusRinging:
		// Local safety net in case the caller's cancel is lost.
		m.transition(store.CallStatusEnded, ReasonNoAnswer)
	}
}

func (m *Machine) handleSignal(sig proto.Signal) {
	switch sig.Type {
	case proto.SignalInvite:
		m.onInvite(sig)
		return
	}

	if m.session == nil || sig.CallID != m.session.ID {
		return
	}

	switch sig.Type {
	case proto.SignalAccept:
		if m.session.Status != store.CallStatusCalling {
			return
		}
		m.session.CalleeID = sig.From
		m.transition(store.CallStatusConnecting, "")
		m.startTransport(true)
	case proto.SignalReject:
		if m.session.Status != store.CallStatusCalling {
			return
		}
		m.transition(store.CallStatusRejected, ReasonRejected)
	case proto.SignalCancel:
		if m.session.Status.Terminal() {
			return
		}
		reason := sig.Reason
		if reason == "" {
			reason = ReasonCancelled
		}
		if reason == ReasonNoAnswer {
			m.transition(store.CallStatusEnded, ReasonNoAnswer)
			return
		}
		m.transition(store.CallStatusCancelled, reason)
	case proto.SignalHangup:
		if m.session.Status.Terminal() {
			return
		}
		reason := sig.Reason
		if reason == "" {
			reason = ReasonHangup
		}
		m.transition(store.CallStatusEnded, reason)
	case proto.SignalConnected:
		if m.session.Status != store.CallStatusConnecting {
			return
		}
		m.transition(store.CallStatusConnected, "")
	case proto.SignalOffer, proto.SignalAnswer, proto.SignalCandidate:
		if m.session.Status.Terminal() || m.transport == nil {
			return
		}
		m.transport.HandleSignal(sig)
	}
}

func (m *Machine) onInvite(sig proto.Signal) {
	if m.active() {
		if sig.CallID == m.session.ID {
			// Duplicate delivery of our own invite's echo path.
			return
		}
		m.publish(proto.Signal{
			Type:   proto.SignalReject,
			CallID: sig.CallID,
			From:   m.selfID,
			To:     sig.From,
			Reason: ReasonBusy,
		})
		return
	}
	now := time.Now().UTC()
	m.session = &store.CallSession{
		ID:        sig.CallID,
		RoomID:    m.roomID,
		CallerID:  sig.From,
		CalleeID:  m.selfID,
		CallType:  sig.CallType,
		Status:    store.CallStatusRinging,
		CreatedAt: now,
	}
	m.persistCreate()
	m.ringing = true
	m.notify(Event{Kind: EventIncoming, Session: *m.session})
	m.notify(Event{Kind: EventStatus, Session: *m.session})
	m.startRingTimer()
}

// active reports whether a non-terminal session exists. At most one
// per room; terminal sessions stay archived in the store.
func (m *Machine) active() bool {
	return m.session != nil && !m.session.Status.Terminal()
}

// transition moves the session to status, stamping timestamps and
// firing events. Re-applying the current status is a no-op, and
// terminal statuses absorb everything.
func (m *Machine) transition(status store.CallStatus, reason string) {
	if m.session == nil || m.session.Status == status || m.session.Status.Terminal() {
		return
	}
	wasRinging := m.session.Status == store.CallStatusRinging

	m.session.Status = status
	now := time.Now().UTC()
	switch {
	case status == store.CallStatusConnected:
		m.session.ConnectedAt = &now
	case status.Terminal():
		m.session.EndedAt = &now
		m.session.Reason = reason
	}

	if wasRinging {
		// Affordance teardown happens in the same dispatch tick as the
		// transition out of ringing, whatever the path.
		m.clearRinging()
	}
	if status.Terminal() {
		m.cancelRingTimer()
		m.closeTransport()
	}
	if status == store.CallStatusConnecting {
		m.cancelRingTimer()
	}

	m.persistUpdate()
	m.notify(Event{Kind: EventStatus, Session: *m.session, Reason: reason})
}

func (m *Machine) startTransport(initiator bool) {
	if m.transport == nil || m.session == nil {
		return
	}
	m.transportLive = true
	if err := m.transport.Start(m.session.ID, initiator, m.session.CallType); err != nil {
		m.log.Error().Err(err).Msg("media transport start failed")
		m.peerFailed()
	}
}

func (m *Machine) closeTransport() {
	if m.transport != nil && m.transportLive {
		m.transport.Close()
	}
	m.transportLive = false
}

func (m *Machine) startRingTimer() {
	m.cancelRingTimer()
	t := time.AfterFunc(m.ringTimeout, func() {
		m.post(func() { m.onRingTimeout() })
	})
	m.stopRingTimer = func() { t.Stop() }
}

func (m *Machine) cancelRingTimer() {
	if m.stopRingTimer != nil {
		m.stopRingTimer()
		m.stopRingTimer = nil
	}
}

func (m *Machine) clearRinging() {
	if !m.ringing {
		return
	}
	m.ringing = false
	if m.session != nil {
		m.notify(Event{Kind: EventRingCleared, Session: *m.session})
	} else {
		m.notify(Event{Kind: EventRingCleared})
	}
}

func (m *Machine) publish(sig proto.Signal) {
	sig.SentAt = time.Now().UTC()
	env, err := proto.EncodeSignal(m.roomID, m.selfID, sig)
	if err != nil {
		m.log.Error().Err(err).Msg("encode signal")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.ch.Publish(ctx, env); err != nil {
		m.log.Warn().Err(err).Str("type", sig.Type).Msg("signal publish failed")
	}
}

func (m *Machine) persistCreate() {
	if m.store == nil || m.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.CreateCall(ctx, m.session); err != nil {
		m.log.Warn().Err(err).Str("call_id", m.session.ID).Msg("persist call create failed")
	}
}

func (m *Machine) persistUpdate() {
	if m.store == nil || m.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateCall(ctx, m.session); err != nil {
		m.log.Warn().Err(err).Str("call_id", m.session.ID).Msg("persist call update failed")
	}
}
