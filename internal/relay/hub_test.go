package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/vovakirdan/duoview/internal/log"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/store"
	"github.com/vovakirdan/duoview/internal/store/sqlite"
)

func newTestHub(t *testing.T) (*Hub, store.Store) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := log.NewWithOutput("error", io.Discard)
	return NewHub(logger, st), st
}

func testSnapshot(host string) proto.SyncState {
	return proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 120, PlaybackRate: 1,
		SourceKind: "direct", SourceURL: "https://cdn.example/movie.mp4",
		HostID: host, UpdatedAt: time.Now().UTC(),
	}
}

func recvEnvelope(t *testing.T, c *Client) proto.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return proto.Envelope{}
	}
}

func TestJoinReplaysLatestSnapshot(t *testing.T) {
	hub, st := newTestHub(t)
	ctx := context.Background()

	want := testSnapshot("alice")
	if err := st.SaveSyncState(ctx, "room1", want); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	c := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", c)

	env := recvEnvelope(t, c)
	if env.Kind != proto.KindSync || env.Sender != "alice" {
		t.Fatalf("unexpected replay envelope: %+v", env)
	}
	got, err := proto.DecodeSync(env)
	if err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if got.CurrentTime != want.CurrentTime || got.SourceURL != want.SourceURL {
		t.Fatalf("replayed snapshot mismatch: got %+v want %+v", got, want)
	}
}

func TestJoinEmptyRoomReplaysNothing(t *testing.T) {
	hub, _ := newTestHub(t)
	c := hub.Join(context.Background(), "room1", "bob", false)
	defer hub.Leave("room1", c)

	select {
	case env := <-c.Send:
		t.Fatalf("expected no replay for empty room, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOutIncludingPublisher(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	bob := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", alice)
	defer hub.Leave("room1", bob)

	env, err := proto.EncodeSignal("room1", "alice", proto.Signal{Type: proto.SignalInvite, CallID: "c1", From: "alice"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hub.Publish(ctx, "room1", alice, env)

	for _, c := range []*Client{alice, bob} {
		got := recvEnvelope(t, c)
		if got.Kind != proto.KindSignal || got.Sender != "alice" {
			t.Fatalf("unexpected envelope for %s: %+v", c.Participant, got)
		}
	}
}

func TestPublishEnforcesConnectionIdentity(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	bob := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", alice)
	defer hub.Leave("room1", bob)

	// The payload claims to be from the host in another room; the
	// connection's identity must win.
	env, err := proto.EncodeSignal("other-room", "alice", proto.Signal{Type: proto.SignalHangup, CallID: "c1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hub.Publish(ctx, "room1", bob, env)

	got := recvEnvelope(t, alice)
	if got.Room != "room1" || got.Sender != "bob" {
		t.Fatalf("identity not enforced: room=%q sender=%q", got.Room, got.Sender)
	}
}

func TestPublishPersistsSyncSnapshots(t *testing.T) {
	hub, st := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	defer hub.Leave("room1", alice)

	want := testSnapshot("alice")
	env, err := proto.EncodeSync("room1", "alice", want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hub.Publish(ctx, "room1", alice, env)

	got, err := st.LatestSyncState(ctx, "room1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.CurrentTime != want.CurrentTime || got.Status != want.Status {
		t.Fatalf("persisted snapshot mismatch: got %+v want %+v", got, want)
	}
}

func TestNonHostSyncPublishDropped(t *testing.T) {
	hub, st := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	bob := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", alice)
	defer hub.Leave("room1", bob)

	env, err := proto.EncodeSync("room1", "bob", testSnapshot("bob"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hub.Publish(ctx, "room1", bob, env)

	select {
	case got := <-alice.Send:
		t.Fatalf("follower snapshot reached the host: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := st.LatestSyncState(ctx, "room1"); err == nil {
		t.Fatal("follower snapshot was persisted")
	}
}

func TestMalformedSyncEnvelopeDropped(t *testing.T) {
	hub, st := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	bob := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", alice)
	defer hub.Leave("room1", bob)

	hub.Publish(ctx, "room1", alice, proto.Envelope{
		Kind: proto.KindSync,
		Data: json.RawMessage(`"not a snapshot"`),
	})

	select {
	case env := <-bob.Send:
		t.Fatalf("malformed envelope reached subscriber: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := st.LatestSyncState(ctx, "room1"); err == nil {
		t.Fatal("malformed snapshot was persisted")
	}
}

func TestSlowConsumerDoesNotBlockRoom(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	slow := hub.Join(ctx, "room1", "alice", true)
	fast := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", slow)
	defer hub.Leave("room1", fast)

	env, err := proto.EncodeSignal("room1", "bob", proto.Signal{Type: proto.SignalCandidate, CallID: "c1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Overflow the slow client's buffer; nobody drains it.
	for i := 0; i < cap(slow.Send)+5; i++ {
		hub.Publish(ctx, "room1", fast, env)
	}

	// The fast client still received everything its buffer could hold.
	if len(fast.Send) == 0 {
		t.Fatal("fast consumer starved by slow peer")
	}
}

func publishSignal(t *testing.T, hub *Hub, sender *Client, sig proto.Signal) {
	t.Helper()
	env, err := proto.EncodeSignal("room1", sender.Participant, sig)
	if err != nil {
		t.Fatalf("encode signal: %v", err)
	}
	hub.Publish(context.Background(), "room1", sender, env)
}

func TestSignalTrafficBuildsCallArchive(t *testing.T) {
	hub, st := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	bob := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", alice)
	defer hub.Leave("room1", bob)

	publishSignal(t, hub, alice, proto.Signal{Type: proto.SignalInvite, CallID: "c1", CallType: proto.CallVideo, To: "bob"})

	cs, err := st.ActiveCallForRoom(ctx, "room1")
	if err != nil {
		t.Fatalf("active call after invite: %v", err)
	}
	if cs.Status != store.CallStatusRinging || cs.CallerID != "alice" {
		t.Fatalf("unexpected session after invite: %+v", cs)
	}

	publishSignal(t, hub, bob, proto.Signal{Type: proto.SignalAccept, CallID: "c1"})
	publishSignal(t, hub, alice, proto.Signal{Type: proto.SignalConnected, CallID: "c1"})

	cs, err = st.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if cs.Status != store.CallStatusConnected || cs.ConnectedAt == nil || cs.CalleeID != "bob" {
		t.Fatalf("unexpected session after connect: %+v", cs)
	}

	publishSignal(t, hub, bob, proto.Signal{Type: proto.SignalHangup, CallID: "c1", Reason: "hangup"})

	if _, err := st.ActiveCallForRoom(ctx, "room1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no active call after hangup, got %v", err)
	}
	calls, err := st.ListCallsForRoom(ctx, "room1", 10)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != store.CallStatusEnded || calls[0].Reason != "hangup" {
		t.Fatalf("unexpected archive: %+v", calls)
	}
}

func TestTerminalCallRowIsNotRewritten(t *testing.T) {
	hub, st := newTestHub(t)
	ctx := context.Background()

	alice := hub.Join(ctx, "room1", "alice", true)
	bob := hub.Join(ctx, "room1", "bob", false)
	defer hub.Leave("room1", alice)
	defer hub.Leave("room1", bob)

	publishSignal(t, hub, alice, proto.Signal{Type: proto.SignalInvite, CallID: "c1", CallType: proto.CallVoice, To: "bob"})
	publishSignal(t, hub, bob, proto.Signal{Type: proto.SignalReject, CallID: "c1", Reason: "rejected"})
	// A straggling hangup duplicate must not overwrite the outcome.
	publishSignal(t, hub, alice, proto.Signal{Type: proto.SignalHangup, CallID: "c1", Reason: "hangup"})

	cs, err := st.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if cs.Status != store.CallStatusRejected || cs.Reason != "rejected" {
		t.Fatalf("terminal row rewritten: %+v", cs)
	}
}

func TestLeaveForgetsEmptyRooms(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	c := hub.Join(ctx, "room1", "alice", true)
	hub.Leave("room1", c)

	env, err := proto.EncodeSignal("room1", "alice", proto.Signal{Type: proto.SignalHangup, CallID: "c1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Publishing into a forgotten room is a no-op, not a panic.
	hub.Publish(ctx, "room1", c, env)

	if len(c.Send) != 0 {
		t.Fatal("departed client still receives envelopes")
	}
}
