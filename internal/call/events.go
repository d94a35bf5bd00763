package call

import "github.com/vovakirdan/duoview/internal/store"

// EventKind tags machine notifications for the presentation layer.
type EventKind int

const (
	// EventIncoming fires when an invite arrives and the ringing
	// affordance (ringtone, incoming-call banner) should appear.
	EventIncoming EventKind = iota
	// EventRingCleared fires in the same dispatch tick that leaves the
	// ringing status, via any path.
	EventRingCleared
	// EventStatus fires on every status transition.
	EventStatus
)

// Event carries one machine notification.
type Event struct {
	Kind    EventKind
	Session store.CallSession
	Reason  string
}

// Notifier receives machine events. Called from the machine's own
// goroutine; handlers must not block.
type Notifier func(Event)
