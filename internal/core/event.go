package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/rtc"
	"github.com/vovakirdan/duoview/internal/store"
)

// EventKind is a notification the session emits to the presentation
// layer.
type EventKind int

const (
	// EventSyncApplied fires after a host snapshot was reconciled
	// against the local player.
	EventSyncApplied EventKind = iota
	// EventResumeRequired asks the UI for a one-tap resume affordance
	// because autoplay was blocked.
	EventResumeRequired
	// EventResumeCleared removes the resume affordance.
	EventResumeCleared
	// EventSourceChanged notifies about a source switch.
	EventSourceChanged

	// Call events
	// EventCallIncoming shows the incoming-call affordance (ringtone).
	EventCallIncoming
	// EventCallRingCleared dismisses the ringing affordance.
	EventCallRingCleared
	// EventCallStatus reports a call state transition.
	EventCallStatus
	// EventCallQuality reports the smoothed 0..4 connection quality.
	EventCallQuality
	// EventCallTrack surfaces an inbound remote media track.
	EventCallTrack

	// EventConnectivity reports realtime channel up/down.
	EventConnectivity
	// EventError reports a recoverable domain error.
	EventError
)

// Event describes what happened in the session.
type Event struct {
	Kind      EventKind
	Sync      proto.SyncState
	Call      *store.CallSession
	Quality   rtc.Quality
	Track     *webrtc.TrackRemote
	Connected bool
	Reason    string
	Error     *CoreError
}
