package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncStateLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestSyncState(ctx, "room1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty room, got %v", err)
	}

	first := proto.SyncState{
		Status: proto.StatusPlay, CurrentTime: 10, PlaybackRate: 1,
		SourceKind: "direct", SourceURL: "https://cdn.example/a.mp4",
		HostID: "host", UpdatedAt: time.Now().UTC(),
	}
	if err := s.SaveSyncState(ctx, "room1", first); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := first
	second.Status = proto.StatusPause
	second.CurrentTime = 42.5
	if err := s.SaveSyncState(ctx, "room1", second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.LatestSyncState(ctx, "room1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Status != proto.StatusPause || got.CurrentTime != 42.5 {
		t.Fatalf("expected latest snapshot to win, got %+v", got)
	}
}

func TestCallLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := &store.CallSession{
		ID: "c1", RoomID: "room1", CallerID: "alice", CalleeID: "bob",
		CallType: proto.CallVideo, Status: store.CallStatusCalling,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}

	active, err := s.ActiveCallForRoom(ctx, "room1")
	if err != nil {
		t.Fatalf("active call: %v", err)
	}
	if active.ID != "c1" {
		t.Fatalf("expected c1 active, got %s", active.ID)
	}

	now := time.Now().UTC()
	call.Status = store.CallStatusEnded
	call.Reason = "hangup"
	call.EndedAt = &now
	if err := s.UpdateCall(ctx, call); err != nil {
		t.Fatalf("update call: %v", err)
	}

	if _, err := s.ActiveCallForRoom(ctx, "room1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("terminal call should not be active, got %v", err)
	}

	archived, err := s.ListCallsForRoom(ctx, "room1", 10)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(archived) != 1 || archived[0].Status != store.CallStatusEnded {
		t.Fatalf("expected archived ended call, got %+v", archived)
	}
}

func TestUpdateMissingCall(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateCall(context.Background(), &store.CallSession{ID: "ghost"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRoomHostIsDurable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateRoom(ctx, "room1", "alice"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	room, err := s.GetRoom(ctx, "room1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.HostID != "alice" {
		t.Fatalf("expected host alice, got %s", room.HostID)
	}
}
