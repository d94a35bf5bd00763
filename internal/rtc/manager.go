// Package rtc negotiates the direct media session for a call using
// pion. Signaling (offer/answer/candidate) rides the same realtime
// channel as everything else; this package only produces and consumes
// the messages, the call machine routes them.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/utils"
)

// Signaler delivers outbound signaling messages to the remote peer.
type Signaler interface {
	SendSignal(sig proto.Signal)
}

// Capture supplies local media tracks. A nil Capture makes the
// session receive-only (transceivers are added in recvonly mode).
type Capture interface {
	Tracks(callType proto.CallType) ([]webrtc.TrackLocal, error)
	// Muted reports whether the pump should currently drop samples for
	// the given kind. Consulted on every write, so toggling is
	// immediate and never renegotiates.
	Muted(kind webrtc.RTPCodecType) bool
}

// Events are the manager's upward notifications. Callbacks fire on
// pion's goroutines and must not block.
type Events struct {
	// OnConnected fires when the connection state reaches connected.
	// The caller emits the explicit connected-ack from it.
	OnConnected func()
	// OnFailed fires after the single automatic ICE restart has also
	// failed; the call machine treats it as terminal.
	OnFailed func()
	// OnTrack surfaces an inbound remote track.
	OnTrack func(track *webrtc.TrackRemote)
	// OnQuality reports the smoothed 0..4 quality level on change.
	OnQuality func(q Quality)
}

// Options configures a Manager.
type Options struct {
	Logger   *zerolog.Logger
	Signaler Signaler
	Capture  Capture

	// ICEServers in URL form, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
	// StatsInterval between quality samples.
	StatsInterval time.Duration
}

// Manager owns one peer connection per call. It implements the call
// machine's Transport.
type Manager struct {
	log      *zerolog.Logger
	signaler Signaler
	capture  Capture
	servers  []string
	interval time.Duration
	events   Events

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	callID     string
	initiator  bool
	restarted  bool
	closed     bool
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	audioMuted bool
	videoOff   bool
	stopStats  func()
	window     *qualityWindow
	last       Quality
}

// New builds a manager. Start is called by the call machine when
// signaling reaches connecting.
func New(opts Options, events Events) *Manager {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 2 * time.Second
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Manager{
		log:      opts.Logger,
		signaler: opts.Signaler,
		capture:  opts.Capture,
		servers:  opts.ICEServers,
		interval: opts.StatsInterval,
		events:   events,
		last:     -1,
	}
}

// Start creates the peer connection and, for the initiator, kicks off
// the offer. The answerer waits for the remote offer via HandleSignal.
func (m *Manager) Start(callID string, initiator bool, callType proto.CallType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc != nil {
		return fmt.Errorf("rtc: session already started")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.servers}},
	})
	if err != nil {
		return fmt.Errorf("rtc: create peer connection: %w", err)
	}

	m.pc = pc
	m.callID = callID
	m.initiator = initiator
	m.restarted = false
	m.remoteSet = false
	m.closed = false
	m.window = newQualityWindow(3)
	m.last = -1

	if err := m.addMedia(callType); err != nil {
		pc.Close()
		m.pc = nil
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.log.Error().Err(err).Msg("marshal ice candidate")
			return
		}
		m.signaler.SendSignal(proto.Signal{
			Type:      proto.SignalCandidate,
			CallID:    callID,
			Candidate: string(payload),
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.Info().Str("kind", track.Kind().String()).Msg("inbound track")
		if m.events.OnTrack != nil {
			m.events.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.log.Info().Str("state", s.String()).Msg("peer connection state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			m.onConnected()
		case webrtc.PeerConnectionStateFailed:
			m.onFailed()
		}
	})

	if initiator {
		if err := m.negotiateLocked(false); err != nil {
			pc.Close()
			m.pc = nil
			return err
		}
	}
	return nil
}

// addMedia attaches local tracks, or recvonly transceivers when no
// capture is available, so the remote side still sends to us.
func (m *Manager) addMedia(callType proto.CallType) error {
	if m.capture != nil {
		tracks, err := m.capture.Tracks(callType)
		if err != nil {
			return fmt.Errorf("rtc: local tracks: %w", err)
		}
		for _, t := range tracks {
			if _, err := m.pc.AddTrack(t); err != nil {
				return fmt.Errorf("rtc: add track: %w", err)
			}
		}
		return nil
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if callType == proto.CallVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		_, err := m.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("rtc: add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// negotiateLocked creates and sends an offer. restart requests an ICE
// restart within the same session.
func (m *Manager) negotiateLocked(restart bool) error {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := m.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtc: set local description: %w", err)
	}
	m.signaler.SendSignal(proto.Signal{
		Type:   proto.SignalOffer,
		CallID: m.callID,
		SDP:    offer.SDP,
	})
	return nil
}

// HandleSignal feeds a routed offer/answer/candidate into the session.
// Stale CallIDs and messages arriving after Close are dropped.
func (m *Manager) HandleSignal(sig proto.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil || m.closed || sig.CallID != m.callID {
		return
	}

	var err error
	switch sig.Type {
	case proto.SignalOffer:
		err = m.handleOfferLocked(sig.SDP)
	case proto.SignalAnswer:
		err = m.handleAnswerLocked(sig.SDP)
	case proto.SignalCandidate:
		err = m.handleCandidateLocked(sig.Candidate)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("type", sig.Type).Msg("signal handling failed")
	}
}

func (m *Manager) handleOfferLocked(sdp string) error {
	err := m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushCandidatesLocked()

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	m.signaler.SendSignal(proto.Signal{
		Type:   proto.SignalAnswer,
		CallID: m.callID,
		SDP:    answer.SDP,
	})
	return nil
}

func (m *Manager) handleAnswerLocked(sdp string) error {
	err := m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushCandidatesLocked()
	return nil
}

// handleCandidateLocked applies a trickled candidate, parking it when
// the remote description has not landed yet (candidates may be
// reordered relative to the offer).
func (m *Manager) handleCandidateLocked(raw string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if !m.remoteSet {
		m.pending = append(m.pending, init)
		return nil
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (m *Manager) flushCandidatesLocked() {
	m.remoteSet = true
	for _, init := range m.pending {
		if err := m.pc.AddICECandidate(init); err != nil {
			m.log.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
	m.pending = nil
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.stopStats == nil {
		pc := m.pc
		m.stopStats = utils.Periodic(context.Background(), m.interval, func(time.Time) {
			m.sampleStats(pc)
		})
	}
	m.mu.Unlock()

	if m.events.OnConnected != nil {
		m.events.OnConnected()
	}
}

// onFailed performs exactly one automatic ICE restart, driven by the
// offering side; the answerer picks the restart up as a regular
// incoming offer. A second failure is terminal.
func (m *Manager) onFailed() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.restarted {
		m.restarted = true
		if m.initiator {
			m.remoteSet = false
			if err := m.negotiateLocked(true); err != nil {
				m.log.Error().Err(err).Msg("ice restart failed")
				m.mu.Unlock()
				m.reportFailed()
				return
			}
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.reportFailed()
}

func (m *Manager) reportFailed() {
	if m.events.OnFailed != nil {
		m.events.OnFailed()
	}
}

// sampleStats reads RTT from the nominated candidate pair and loss
// from remote-inbound reports, then pushes the grade through the
// smoothing window.
func (m *Manager) sampleStats(pc *webrtc.PeerConnection) {
	report := pc.GetStats()

	var rtt time.Duration
	var loss float64
	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded && stat.Nominated {
				rtt = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if stat.FractionLost > loss {
				loss = stat.FractionLost
			}
		}
	}

	m.mu.Lock()
	if m.closed || m.window == nil {
		m.mu.Unlock()
		return
	}
	level := m.window.push(gradeSample(rtt, loss))
	changed := level != m.last
	m.last = level
	m.mu.Unlock()

	if changed && m.events.OnQuality != nil {
		m.events.OnQuality(level)
	}
}

// ToggleAudio flips the local audio mute flag and returns the new
// muted state. Purely a track-enablement toggle: the peer connection
// is never touched and no renegotiation happens.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioMuted = !m.audioMuted
	return m.audioMuted
}

// ToggleVideo flips the local camera-off flag and returns the new
// disabled state. Same rules as ToggleAudio.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOff = !m.videoOff
	return m.videoOff
}

// Muted implements the capture-side check for the given track kind.
func (m *Manager) Muted(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == webrtc.RTPCodecTypeVideo {
		return m.videoOff
	}
	return m.audioMuted
}

// Close tears the session down. Idempotent; stray callbacks after
// Close are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stop := m.stopStats
	m.stopStats = nil
	pc := m.pc
	m.pc = nil
	m.pending = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.Warn().Err(err).Msg("peer connection close")
		}
	}
}
