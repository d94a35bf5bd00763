package syncengine

import "github.com/vovakirdan/duoview/internal/proto"

// pendingGate buffers the newest unapplied snapshot while the local
// player is not yet seek-capable. A single slot, latest wins: bursts of
// updates before readiness cost no memory and only the last one ever
// applies.
type pendingGate struct {
	slot *proto.SyncState
}

// set overwrites the slot with the newest snapshot.
func (g *pendingGate) set(s proto.SyncState) {
	copied := s
	g.slot = &copied
}

// take consumes the slot exactly once, clearing it.
func (g *pendingGate) take() (proto.SyncState, bool) {
	if g.slot == nil {
		return proto.SyncState{}, false
	}
	s := *g.slot
	g.slot = nil
	return s, true
}

// clear drops any buffered snapshot.
func (g *pendingGate) clear() {
	g.slot = nil
}
