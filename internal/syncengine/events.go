package syncengine

import "github.com/vovakirdan/duoview/internal/proto"

// EventKind describes what the engine reports upward.
type EventKind int

const (
	// EventApplied fires after a remote snapshot has been reconciled
	// into the local player.
	EventApplied EventKind = iota
	// EventResumeRequired fires when the runtime refused to resume
	// playback (autoplay policy); the presentation layer shows a
	// one-tap resume affordance.
	EventResumeRequired
	// EventResumeCleared fires once a user gesture completed the resume.
	EventResumeCleared
	// EventSourceChanged fires after a full source switch.
	EventSourceChanged
	// EventError reports a recoverable playback error (load failure).
	EventError
)

// Event is a notification from the engine to the presentation layer.
type Event struct {
	Kind  EventKind
	State proto.SyncState
	Err   error
}

// Notifier consumes engine events. Must not block; it runs on the
// engine's actor goroutine.
type Notifier func(Event)
