// Package core assembles one watch-together session per room
// membership: media controller, sync engine, call machine and rtc
// manager, all fed from a single realtime channel. The session is the
// only thing the presentation layer talks to.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/call"
	"github.com/vovakirdan/duoview/internal/media"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/realtime"
	"github.com/vovakirdan/duoview/internal/rtc"
	"github.com/vovakirdan/duoview/internal/store"
	"github.com/vovakirdan/duoview/internal/syncengine"
)

// Options configures a Session.
type Options struct {
	Logger  *zerolog.Logger
	Channel realtime.Channel
	// CallStore archives call sessions locally; nil disables archiving.
	CallStore store.CallStore
	// Adapters maps source kinds to player factories.
	Adapters map[media.Kind]media.Factory
	// Capture supplies local call tracks; nil joins receive-only.
	Capture rtc.Capture

	RoomID string
	SelfID string
	// Host comes from the signed room token, never inferred.
	Host bool

	DriftThreshold    float64
	HeartbeatInterval time.Duration
	RingTimeout       time.Duration
	StatsInterval     time.Duration
	ICEServers        []string

	// Notify receives session events; must not block.
	Notify func(Event)
}

// Session owns every scoped resource of one room membership and
// guarantees release on Leave, whatever state things are in.
type Session struct {
	log    *zerolog.Logger
	ch     realtime.Channel
	notify func(Event)

	roomID string
	selfID string
	host   bool

	player  *media.Controller
	engine  *syncengine.Engine
	machine *call.Machine
	manager *rtc.Manager

	leaveOnce sync.Once
	cancel    context.CancelFunc
}

// NewSession wires the machines together. Call Join to go live.
func NewSession(opts Options) *Session {
	if opts.Notify == nil {
		opts.Notify = func(Event) {}
	}
	s := &Session{
		log:    opts.Logger,
		ch:     opts.Channel,
		notify: opts.Notify,
		roomID: opts.RoomID,
		selfID: opts.SelfID,
		host:   opts.Host,
	}

	s.player = media.NewController(opts.Logger, media.Hooks{
		OnReady: func() { s.engine.PlayerReady() },
		OnError: func(err error) {
			// Embed backends report autoplay refusal through this hook;
			// it is a resume affordance, not a load failure.
			if errors.Is(err, media.ErrAutoplayBlocked) {
				s.engine.AutoplayBlocked()
				return
			}
			s.notify(Event{Kind: EventError, Error: coreError(ErrCodeSourceLoad, err.Error())})
		},
	})
	for kind, factory := range opts.Adapters {
		s.player.Register(kind, factory)
	}

	s.manager = rtc.New(rtc.Options{
		Logger:        opts.Logger,
		Signaler:      s,
		Capture:       opts.Capture,
		ICEServers:    opts.ICEServers,
		StatsInterval: opts.StatsInterval,
	}, rtc.Events{
		OnConnected: func() { s.machine.PeerEstablished() },
		OnFailed: func() {
			s.machine.PeerFailed()
			s.notify(Event{Kind: EventError, Error: coreError(ErrCodePeerFailed, "media session failed")})
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			// A p2p live source becomes ready on its first inbound track.
			s.player.MarkLive()
			s.notify(Event{Kind: EventCallTrack, Track: track})
		},
		OnQuality: func(q rtc.Quality) {
			s.notify(Event{Kind: EventCallQuality, Quality: q})
		},
	})

	s.machine = call.New(call.Options{
		Logger:      opts.Logger,
		Channel:     opts.Channel,
		Store:       opts.CallStore,
		Transport:   s.manager,
		RoomID:      opts.RoomID,
		SelfID:      opts.SelfID,
		RingTimeout: opts.RingTimeout,
		Notify:      s.onCallEvent,
	})

	s.engine = syncengine.New(syncengine.Options{
		Logger:            opts.Logger,
		Channel:           opts.Channel,
		Player:            s.player,
		RoomID:            opts.RoomID,
		SelfID:            opts.SelfID,
		Host:              opts.Host,
		DriftThreshold:    opts.DriftThreshold,
		HeartbeatInterval: opts.HeartbeatInterval,
		Notify:            s.onSyncEvent,
	})

	return s
}

// Join starts both state machines and begins reporting connectivity.
func (s *Session) Join(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.ch.OnConnectivity(func(connected bool) {
		ev := Event{Kind: EventConnectivity, Connected: connected}
		if !connected {
			ev.Error = coreError(ErrCodeChannelDown, "realtime channel disconnected")
		}
		s.notify(ev)
	})

	s.engine.Start(ctx)
	s.machine.Start(ctx)
	s.log.Info().Str("room", s.roomID).Bool("host", s.host).Msg("session joined")
}

// Leave releases every scoped resource: heartbeat, subscriptions,
// peer connection and tracks, pending sync slot, media adapter.
// Idempotent.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.engine.Stop()
		s.machine.Stop()
		s.manager.Close()
		if err := s.player.Close(); err != nil {
			s.log.Warn().Err(err).Msg("player close")
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.log.Info().Str("room", s.roomID).Msg("session left")
	})
}

// SendSignal implements rtc.Signaler: outbound offer/answer/candidate
// messages ride the shared channel like everything else.
func (s *Session) SendSignal(sig proto.Signal) {
	sig.From = s.selfID
	sig.SentAt = time.Now().UTC()
	env, err := proto.EncodeSignal(s.roomID, s.selfID, sig)
	if err != nil {
		s.log.Error().Err(err).Msg("encode signal")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ch.Publish(ctx, env); err != nil {
		s.log.Warn().Err(err).Str("type", sig.Type).Msg("signal publish failed")
	}
}

// ==== playback operations ====

// Play resumes playback. Authoritative for the host, advisory for a
// follower.
func (s *Session) Play() { s.engine.Play() }

// Pause pauses playback; same authority rules as Play.
func (s *Session) Pause() { s.engine.Pause() }

// SeekTo jumps to an absolute position in seconds.
func (s *Session) SeekTo(seconds float64) { s.engine.SeekTo(seconds) }

// SwitchSource loads a different source; host only.
func (s *Session) SwitchSource(ctx context.Context, sourceURL string) {
	if !s.host {
		s.notify(Event{Kind: EventError, Error: coreError(ErrCodeNotHost, "only the host switches sources")})
		return
	}
	s.engine.SwitchSource(ctx, sourceURL)
}

// Resume retries playback after an autoplay block, on a user gesture.
func (s *Session) Resume() { s.engine.UserGesture() }

// ==== call operations ====

// StartCall places an outgoing call to the other participant.
func (s *Session) StartCall(callType proto.CallType) { s.machine.Initiate(callType) }

// AcceptCall answers the ringing call.
func (s *Session) AcceptCall() { s.machine.Accept() }

// RejectCall declines the ringing call.
func (s *Session) RejectCall() { s.machine.Reject() }

// CancelCall withdraws an unanswered outgoing call.
func (s *Session) CancelCall() { s.machine.Cancel() }

// Hangup ends the established call.
func (s *Session) Hangup() { s.machine.Hangup() }

// ToggleAudio flips the microphone mute and returns the muted state.
func (s *Session) ToggleAudio() bool { return s.manager.ToggleAudio() }

// ToggleVideo flips the camera off and returns the disabled state.
func (s *Session) ToggleVideo() bool { return s.manager.ToggleVideo() }

// ActiveCall returns the current call session, if any.
func (s *Session) ActiveCall() (store.CallSession, bool) { return s.machine.Snapshot() }

// ==== event mapping ====

func (s *Session) onSyncEvent(ev syncengine.Event) {
	switch ev.Kind {
	case syncengine.EventApplied:
		s.notify(Event{Kind: EventSyncApplied, Sync: ev.State})
	case syncengine.EventResumeRequired:
		s.notify(Event{Kind: EventResumeRequired, Sync: ev.State})
	case syncengine.EventResumeCleared:
		s.notify(Event{Kind: EventResumeCleared})
	case syncengine.EventSourceChanged:
		s.notify(Event{Kind: EventSourceChanged, Sync: ev.State})
	case syncengine.EventError:
		s.notify(Event{Kind: EventError, Error: coreError(ErrCodeSourceLoad, ev.Err.Error())})
	}
}

func (s *Session) onCallEvent(ev call.Event) {
	session := ev.Session
	switch ev.Kind {
	case call.EventIncoming:
		s.notify(Event{Kind: EventCallIncoming, Call: &session})
	case call.EventRingCleared:
		s.notify(Event{Kind: EventCallRingCleared, Call: &session})
	case call.EventStatus:
		s.notify(Event{Kind: EventCallStatus, Call: &session, Reason: ev.Reason})
	}
}
