package syncengine

import (
	"testing"

	"github.com/vovakirdan/duoview/internal/proto"
)

func TestGateHoldsOnlyLatest(t *testing.T) {
	var g pendingGate

	if _, ok := g.take(); ok {
		t.Fatal("empty gate must not yield")
	}

	g.set(proto.SyncState{CurrentTime: 10})
	g.set(proto.SyncState{CurrentTime: 20})
	g.set(proto.SyncState{CurrentTime: 30})

	s, ok := g.take()
	if !ok || s.CurrentTime != 30 {
		t.Fatalf("take = %+v, %v; want latest snapshot", s, ok)
	}
	if _, ok := g.take(); ok {
		t.Fatal("slot must be consumed exactly once")
	}
}

func TestGateClear(t *testing.T) {
	var g pendingGate
	g.set(proto.SyncState{CurrentTime: 5})
	g.clear()
	if _, ok := g.take(); ok {
		t.Fatal("cleared gate must be empty")
	}
}
