package call

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/duoview/internal/log"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/realtime"
	"github.com/vovakirdan/duoview/internal/store"
)

type fakeTransport struct {
	mu      sync.Mutex
	starts  []bool // initiator flag per Start call
	signals []proto.Signal
	closes  int
}

func (f *fakeTransport) Start(_ string, initiator bool, _ proto.CallType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, initiator)
	return nil
}

func (f *fakeTransport) HandleSignal(sig proto.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeTransport) initiatorAt(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type peer struct {
	machine   *Machine
	transport *fakeTransport
	events    chan Event
}

func newCallPair(t *testing.T, ringTimeout time.Duration) (caller, callee *peer) {
	t.Helper()
	logger := log.NewWithOutput("error", io.Discard)
	a, b := realtime.NewMemPair()

	build := func(ch *realtime.MemChannel, selfID string) *peer {
		p := &peer{
			transport: &fakeTransport{},
			events:    make(chan Event, 64),
		}
		p.machine = New(Options{
			Logger:      logger,
			Channel:     ch,
			Transport:   p.transport,
			RoomID:      "room1",
			SelfID:      selfID,
			RingTimeout: ringTimeout,
			Notify:      func(ev Event) { p.events <- ev },
		})
		ctx, cancel := context.WithCancel(context.Background())
		p.machine.Start(ctx)
		t.Cleanup(func() {
			p.machine.Stop()
			cancel()
		})
		return p
	}

	return build(a, "alice"), build(b, "bob")
}

func (p *peer) waitStatus(t *testing.T, status store.CallStatus) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Kind == EventStatus && ev.Session.Status == status {
				return ev
			}
		case <-deadline:
			t.Fatalf("status %s never reached", status)
		}
	}
}

func (p *peer) waitKind(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("event kind %v never received", kind)
		}
	}
}

func TestCallHappyPath(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVideo)
	alice.waitStatus(t, store.CallStatusCalling)

	in := bob.waitKind(t, EventIncoming)
	if in.Session.CallerID != "alice" || in.Session.CallType != proto.CallVideo {
		t.Fatalf("incoming session = %+v", in.Session)
	}
	bob.waitStatus(t, store.CallStatusRinging)

	bob.machine.Accept()
	bob.waitKind(t, EventRingCleared)
	bob.waitStatus(t, store.CallStatusConnecting)
	alice.waitStatus(t, store.CallStatusConnecting)

	// The caller creates the offer, the callee answers.
	waitFor(t, func() bool { return alice.transport.startCount() == 1 })
	waitFor(t, func() bool { return bob.transport.startCount() == 1 })
	if !alice.transport.initiatorAt(0) || bob.transport.initiatorAt(0) {
		t.Fatal("caller must be the offerer, callee the answerer")
	}

	// Connected requires the explicit ack; the callee observes it over
	// signaling, never by inference.
	alice.machine.PeerEstablished()
	alice.waitStatus(t, store.CallStatusConnected)
	bob.waitStatus(t, store.CallStatusConnected)

	bob.machine.Hangup()
	ended := bob.waitStatus(t, store.CallStatusEnded)
	if ended.Reason != ReasonHangup {
		t.Fatalf("reason = %q", ended.Reason)
	}
	alice.waitStatus(t, store.CallStatusEnded)
}

func TestConnectedUnreachableFromRinging(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVoice)
	bob.waitStatus(t, store.CallStatusRinging)

	s, _ := bob.machine.Snapshot()

	// A stray connected-ack must not skip past connecting.
	env, err := proto.EncodeSignal("room1", "mallory", proto.Signal{
		Type: proto.SignalConnected, CallID: s.ID, From: "mallory",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.machine.ch.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Hangup is not a valid ringing transition either.
	bob.machine.Hangup()

	time.Sleep(50 * time.Millisecond)
	s, ok := bob.machine.Snapshot()
	if !ok || s.Status != store.CallStatusRinging {
		t.Fatalf("status = %v, want ringing", s.Status)
	}
}

func TestRejectDistinguishedFromTimeout(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVoice)
	bob.waitKind(t, EventIncoming)

	bob.machine.Reject()
	bob.waitKind(t, EventRingCleared)
	if ev := bob.waitStatus(t, store.CallStatusRejected); ev.Reason != ReasonRejected {
		t.Fatalf("callee reason = %q", ev.Reason)
	}
	if ev := alice.waitStatus(t, store.CallStatusRejected); ev.Reason != ReasonRejected {
		t.Fatalf("caller reason = %q", ev.Reason)
	}
}

func TestRingTimeoutEndsBothSides(t *testing.T) {
	alice, bob := newCallPair(t, 80*time.Millisecond)

	alice.machine.Initiate(proto.CallVoice)
	bob.waitKind(t, EventIncoming)

	// Nobody answers.
	if ev := alice.waitStatus(t, store.CallStatusEnded); ev.Reason != ReasonNoAnswer {
		t.Fatalf("caller reason = %q, want no-answer", ev.Reason)
	}
	bob.waitKind(t, EventRingCleared)
	if ev := bob.waitStatus(t, store.CallStatusEnded); ev.Reason != ReasonNoAnswer {
		t.Fatalf("callee reason = %q, want no-answer", ev.Reason)
	}
}

func TestCancelDismissesCalleeRinging(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVideo)
	bob.waitKind(t, EventIncoming)

	alice.machine.Cancel()
	alice.waitStatus(t, store.CallStatusCancelled)
	bob.waitKind(t, EventRingCleared)
	bob.waitStatus(t, store.CallStatusCancelled)
}

func TestDuplicateTerminalSignalsAreAbsorbed(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVoice)
	bob.waitKind(t, EventIncoming)
	bob.machine.Accept()
	alice.waitStatus(t, store.CallStatusConnecting)
	alice.machine.PeerEstablished()
	alice.waitStatus(t, store.CallStatusConnected)
	bob.waitStatus(t, store.CallStatusConnected)

	// At-least-once delivery: hang up twice from both directions.
	bob.machine.Hangup()
	bob.machine.Hangup()
	alice.machine.Hangup()

	alice.waitStatus(t, store.CallStatusEnded)
	bob.waitStatus(t, store.CallStatusEnded)

	// No further transitions may follow a terminal status.
	drain := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-alice.events:
			if ev.Kind == EventStatus && ev.Session.Status != store.CallStatusEnded {
				t.Fatalf("transition after terminal: %+v", ev.Session)
			}
		case <-drain:
			return
		}
	}
}

func TestPeerFailureIsTerminalWithReason(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVideo)
	bob.waitKind(t, EventIncoming)
	bob.machine.Accept()
	alice.waitStatus(t, store.CallStatusConnecting)

	// The transport exhausted its single automatic retry.
	alice.machine.PeerFailed()
	if ev := alice.waitStatus(t, store.CallStatusFailed); ev.Reason != ReasonFailed {
		t.Fatalf("reason = %q", ev.Reason)
	}
	bob.waitStatus(t, store.CallStatusEnded)

	waitFor(t, func() bool { return alice.transport.closeCount() > 0 })
}

func TestSecondInviteWhileActiveIsRejectedBusy(t *testing.T) {
	alice, bob := newCallPair(t, 30*time.Second)

	alice.machine.Initiate(proto.CallVoice)
	bob.waitKind(t, EventIncoming)

	s, _ := bob.machine.Snapshot()
	if s.Status != store.CallStatusRinging {
		t.Fatalf("status = %v", s.Status)
	}

	// A foreign invite lands while the first call is active.
	env, err := proto.EncodeSignal("room1", "mallory", proto.Signal{
		Type: proto.SignalInvite, CallID: "other-call", From: "mallory", CallType: proto.CallVoice,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.machine.ch.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	after, ok := bob.machine.Snapshot()
	if !ok || after.ID != s.ID || after.Status != store.CallStatusRinging {
		t.Fatalf("active session disturbed: %+v", after)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
