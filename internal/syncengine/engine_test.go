package syncengine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/vovakirdan/duoview/internal/log"
	"github.com/vovakirdan/duoview/internal/media"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/realtime"
)

// fakePlayer is a scriptable media.Player for engine tests.
type fakePlayer struct {
	hooks       media.Hooks
	pos         float64
	paused      bool
	seeks       int
	blockResume bool
	loaded      string
}

func (f *fakePlayer) Load(_ context.Context, url string) error { f.loaded = url; return nil }
func (f *fakePlayer) Play() error {
	if f.blockResume {
		return media.ErrAutoplayBlocked
	}
	f.paused = false
	return nil
}
func (f *fakePlayer) Pause() error                  { f.paused = true; return nil }
func (f *fakePlayer) Seek(sec float64) error        { f.seeks++; f.pos = sec; return nil }
func (f *fakePlayer) CurrentTime() (float64, error) { return f.pos, nil }
func (f *fakePlayer) Paused() bool                  { return f.paused }
func (f *fakePlayer) Close() error                  { return nil }

type harness struct {
	engine  *Engine
	ctl     *media.Controller
	channel *realtime.MemChannel
	remote  *realtime.MemChannel
	players *[]*fakePlayer
	events  chan Event
}

func newHarness(t *testing.T, selfID string, host bool) *harness {
	t.Helper()
	logger := log.NewWithOutput("error", io.Discard)

	var players []*fakePlayer
	var engine *Engine

	ctl := media.NewController(logger, media.Hooks{
		OnReady: func() { engine.PlayerReady() },
	})
	factory := func(hooks media.Hooks) (media.Player, error) {
		p := &fakePlayer{hooks: hooks, paused: true}
		players = append(players, p)
		return p, nil
	}
	ctl.Register(media.KindDirect, factory)
	ctl.Register(media.KindHLS, factory)

	local, remote := realtime.NewMemPair()
	events := make(chan Event, 64)

	engine = New(Options{
		Logger:            logger,
		Channel:           local,
		Player:            ctl,
		RoomID:            "room1",
		SelfID:            selfID,
		Host:              host,
		DriftThreshold:    0.7,
		HeartbeatInterval: 10 * time.Millisecond,
		Notify:            func(ev Event) { events <- ev },
	})

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	t.Cleanup(func() {
		engine.Stop()
		cancel()
	})

	return &harness{engine: engine, ctl: ctl, channel: local, remote: remote, players: &players, events: events}
}

func (h *harness) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("expected event kind %v not received", kind)
		}
	}
}

func (h *harness) publishFromHost(t *testing.T, s proto.SyncState) {
	t.Helper()
	if s.HostID == "" {
		s.HostID = "alice"
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	env, err := proto.EncodeSync("room1", s.HostID, s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.remote.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// lastPlayer waits for the follower's source switch to construct an
// adapter, then returns it.
func (h *harness) lastPlayer(t *testing.T) *fakePlayer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n := len(*h.players); n > 0 {
			return (*h.players)[n-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no adapter constructed")
	return nil
}

const movieURL = "https://cdn.example.com/movie.mp4"

func TestFollowerForceSeeksBeyondThreshold(t *testing.T) {
	h := newHarness(t, "bob", false)

	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 120.0, PlaybackRate: 1, SourceURL: movieURL,
	})
	p := h.lastPlayer(t)
	p.pos = 118.5 // 1.5s behind, over the 0.7s threshold
	p.hooks.OnReady()

	ev := h.waitEvent(t, EventApplied)
	if ev.State.CurrentTime != 120.0 {
		t.Fatalf("applied state time = %v", ev.State.CurrentTime)
	}
	if p.pos != 120.0 || p.seeks != 1 {
		t.Fatalf("expected one force-seek to 120.0, got pos=%v seeks=%d", p.pos, p.seeks)
	}
	if p.paused {
		t.Fatal("follower should be playing")
	}
}

func TestFollowerLeavesSmallDriftAlone(t *testing.T) {
	h := newHarness(t, "bob", false)

	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPause, CurrentTime: 45.2, PlaybackRate: 1, SourceURL: movieURL,
	})
	p := h.lastPlayer(t)
	p.pos = 44.9 // 0.3s drift, under threshold
	p.hooks.OnReady()

	h.waitEvent(t, EventApplied)
	if p.seeks != 0 {
		t.Fatalf("drift under threshold must not seek, got %d seeks", p.seeks)
	}
	if !p.paused {
		t.Fatal("follower should be paused")
	}
}

func TestReapplyingSnapshotCausesNoExtraSeek(t *testing.T) {
	h := newHarness(t, "bob", false)

	snap := proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 120.0, PlaybackRate: 1, SourceURL: movieURL,
	}
	h.publishFromHost(t, snap)
	p := h.lastPlayer(t)
	p.pos = 110.0
	p.hooks.OnReady()
	h.waitEvent(t, EventApplied)

	if p.seeks != 1 {
		t.Fatalf("expected one seek, got %d", p.seeks)
	}

	// At-least-once delivery: the identical snapshot arrives again.
	h.publishFromHost(t, snap)
	h.waitEvent(t, EventApplied)
	if p.seeks != 1 {
		t.Fatalf("reapplied snapshot must not seek again, got %d seeks", p.seeks)
	}
}

func TestHostAuthorityOverridesFollowerPause(t *testing.T) {
	h := newHarness(t, "bob", false)

	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 10, PlaybackRate: 1, SourceURL: movieURL,
	})
	p := h.lastPlayer(t)
	p.pos = 10
	p.hooks.OnReady()
	h.waitEvent(t, EventApplied)

	// Follower pauses locally; that is advisory only.
	h.engine.Pause()

	// Host never paused: the next heartbeat shows play and wins.
	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 10.2, PlaybackRate: 1, SourceURL: movieURL,
	})
	h.waitEvent(t, EventApplied)
	if p.paused {
		t.Fatal("host broadcast must overwrite the follower's local pause")
	}
}

func TestPendingGateAppliesOnlyLatest(t *testing.T) {
	h := newHarness(t, "bob", false)

	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 10, PlaybackRate: 1, SourceURL: movieURL,
	})
	p := h.lastPlayer(t)

	// Second snapshot lands before readiness; it overwrites the slot.
	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPause, CurrentTime: 40, PlaybackRate: 1, SourceURL: movieURL,
	})

	p.hooks.OnReady()
	ev := h.waitEvent(t, EventApplied)
	if ev.State.CurrentTime != 40 || ev.State.Status != proto.StatusPause {
		t.Fatalf("expected the latest snapshot {40, pause}, got %+v", ev.State)
	}
	if p.seeks != 1 {
		t.Fatalf("exactly one apply expected, got %d seeks", p.seeks)
	}

	// The slot must be consumed exactly once: no further events pending.
	select {
	case extra := <-h.events:
		if extra.Kind == EventApplied {
			t.Fatalf("pending snapshot applied twice: %+v", extra)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSourceSwitchClearsReadinessFirst(t *testing.T) {
	h := newHarness(t, "bob", false)

	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 5, PlaybackRate: 1, SourceURL: movieURL,
	})
	first := h.lastPlayer(t)
	first.pos = 5
	first.hooks.OnReady()
	h.waitEvent(t, EventApplied)

	// Host switches to an HLS source; the follower must tear down and
	// wait for new readiness before applying.
	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 0, PlaybackRate: 1,
		SourceURL: "https://cdn.example.com/live/master.m3u8",
	})
	h.waitEvent(t, EventSourceChanged)
	if h.ctl.Ready() {
		t.Fatal("readiness must be cleared by the source switch")
	}

	second := h.lastPlayer(t)
	if second == first {
		t.Fatal("expected a fresh adapter after source switch")
	}
	second.hooks.OnReady()
	h.waitEvent(t, EventApplied)
}

func TestAutoplayBlockedSurfacesResumeAffordance(t *testing.T) {
	h := newHarness(t, "bob", false)

	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 10, PlaybackRate: 1, SourceURL: movieURL,
	})
	p := h.lastPlayer(t)
	p.pos = 10
	p.blockResume = true
	p.hooks.OnReady()

	h.waitEvent(t, EventResumeRequired)

	// The user taps resume.
	p.blockResume = false
	h.engine.UserGesture()
	h.waitEvent(t, EventResumeCleared)
	if p.paused {
		t.Fatal("resume retry should have started playback")
	}
}

func TestHostHeartbeatRunsWhilePlayingAndStopsOnPause(t *testing.T) {
	h := newHarness(t, "alice", true)

	// Give the host a ready player.
	if err := h.ctl.Switch(context.Background(), movieURL); err != nil {
		t.Fatalf("switch: %v", err)
	}
	p := (*h.players)[0]
	p.hooks.OnReady()

	received := make(chan proto.SyncState, 128)
	h.remote.Subscribe(func(env proto.Envelope) {
		if env.Kind != proto.KindSync {
			return
		}
		if s, err := proto.DecodeSync(env); err == nil {
			received <- s
		}
	})

	h.engine.Play()

	// Expect the play broadcast plus several heartbeats.
	count := 0
	deadline := time.After(500 * time.Millisecond)
	for count < 4 {
		select {
		case s := <-received:
			if s.Status != proto.StatusPlay {
				t.Fatalf("unexpected status while playing: %s", s.Status)
			}
			count++
		case <-deadline:
			t.Fatalf("expected >=4 play snapshots, got %d", count)
		}
	}

	h.engine.Pause()

	// Drain the pause broadcast and anything already in flight.
	sawPause := false
	drain := time.After(100 * time.Millisecond)
drainLoop:
	for {
		select {
		case s := <-received:
			if s.Status == proto.StatusPause {
				sawPause = true
			}
		case <-drain:
			break drainLoop
		}
	}
	if !sawPause {
		t.Fatal("pause broadcast missing")
	}

	// Heartbeat must be silent now.
	select {
	case s := <-received:
		t.Fatalf("heartbeat continued after pause: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHostIgnoresForeignSnapshots(t *testing.T) {
	h := newHarness(t, "alice", true)

	if err := h.ctl.Switch(context.Background(), movieURL); err != nil {
		t.Fatalf("switch: %v", err)
	}
	p := (*h.players)[0]
	p.pos = 50
	p.hooks.OnReady()

	// A rogue "host" snapshot must not move the real host's player.
	h.publishFromHost(t, proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 500, PlaybackRate: 1,
		SourceURL: movieURL, HostID: "mallory",
	})

	time.Sleep(50 * time.Millisecond)
	if p.seeks != 0 || p.pos != 50 {
		t.Fatalf("host player moved by foreign snapshot: pos=%v seeks=%d", p.pos, p.seeks)
	}
}
