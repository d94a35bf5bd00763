package core

// Error codes for domain errors surfaced through events. The taxonomy
// mirrors how each failure is handled: everything here is recoverable
// inside the session except repeated peer failures.
const (
	// ErrCodeSourceLoad: a backend failed to load media; the user
	// re-selects a source, never fatal.
	ErrCodeSourceLoad = "source_load_failed"
	// ErrCodeChannelDown: the realtime channel dropped; state recovers
	// on reconnect.
	ErrCodeChannelDown = "channel_disconnected"
	// ErrCodePeerFailed: the media session failed after its automatic
	// retry; a manual retry action is exposed.
	ErrCodePeerFailed = "peer_connection_failed"
	// ErrCodeNotHost: a host-only operation was attempted by a
	// follower.
	ErrCodeNotHost = "not_host"
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
