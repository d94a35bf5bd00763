package proto

import (
	"encoding/json"
	"time"
)

const (
	ProtocolVersion = 1

	// Envelope kinds. Sync and signaling traffic share one room channel;
	// routing is by kind so neither state machine sees the other's
	// messages.
	KindSync   = "sync"
	KindSignal = "signal"
)

// Envelope is the unit published on a room channel. Sender is the
// participant id of the publisher; the relay treats the payload as
// opaque apart from persisting the latest sync snapshot per room.
type Envelope struct {
	Kind   string          `json:"kind"`
	Room   string          `json:"room"`
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

// PlayStatus is the host's play/pause intent.
type PlayStatus string

const (
	StatusPlay  PlayStatus = "play"
	StatusPause PlayStatus = "pause"
)

// SyncState is the canonical playback snapshot broadcast by the host.
// Followers only ever apply it; they never author one.
type SyncState struct {
	Status       PlayStatus `json:"status"`
	CurrentTime  float64    `json:"currentTime"`
	PlaybackRate float64    `json:"playbackRate"`
	SourceKind   string     `json:"sourceKind"`
	SourceURL    string     `json:"sourceUrl"`
	HostID       string     `json:"hostId"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Signal message types for the call state machine and the peer
// connection manager. Offer/answer/candidate ride the same channel as
// lifecycle messages; ordering is only guaranteed within one sender.
const (
	SignalInvite    = "invite"
	SignalAccept    = "accept"
	SignalReject    = "reject"
	SignalCancel    = "cancel"
	SignalHangup    = "hangup"
	SignalConnected = "connected"
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// CallType distinguishes voice-only from video calls.
type CallType string

const (
	CallVideo CallType = "video"
	CallVoice CallType = "voice"
)

// Signal is a call signaling message. CallID correlates every message
// of one call; handlers must tolerate duplicates and stale CallIDs.
type Signal struct {
	Type     string   `json:"type"`
	CallID   string   `json:"callId"`
	CallType CallType `json:"callType,omitempty"`
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	// SDP carries the offer or answer for type offer/answer.
	SDP string `json:"sdp,omitempty"`
	// Candidate carries a serialized ICE candidate for type candidate.
	Candidate string `json:"candidate,omitempty"`
	// Reason annotates terminal messages (reject/hangup/cancel), e.g.
	// "rejected", "no-answer", "busy".
	Reason string    `json:"reason,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// EncodeSync wraps a snapshot into an envelope ready for publishing.
func EncodeSync(room, sender string, s SyncState) (Envelope, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindSync, Room: room, Sender: sender, Data: data}, nil
}

// EncodeSignal wraps a signaling message into an envelope.
func EncodeSignal(room, sender string, sig Signal) (Envelope, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindSignal, Room: room, Sender: sender, Data: data}, nil
}

// DecodeSync unpacks a sync envelope.
func DecodeSync(env Envelope) (SyncState, error) {
	var s SyncState
	err := json.Unmarshal(env.Data, &s)
	return s, err
}

// DecodeSignal unpacks a signaling envelope.
func DecodeSignal(env Envelope) (Signal, error) {
	var sig Signal
	err := json.Unmarshal(env.Data, &sig)
	return sig, err
}
