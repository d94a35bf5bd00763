// Package syncengine keeps two independent players in lock-step. The
// room's host broadcasts canonical playback snapshots; the follower
// reconciles its local player against them, correcting only when drift
// exceeds a threshold so normal network jitter causes no visible seeks.
package syncengine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/media"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/realtime"
	"github.com/vovakirdan/duoview/internal/utils"
)

// Options configures an Engine for one room membership.
type Options struct {
	Logger  *zerolog.Logger
	Channel realtime.Channel
	Player  *media.Controller

	RoomID string
	SelfID string
	// Host comes from the room token's durable claim, never inferred.
	Host bool

	// DriftThreshold in seconds; corrections below it are suppressed.
	DriftThreshold float64
	// HeartbeatInterval between host snapshots while playing.
	HeartbeatInterval time.Duration

	Notify Notifier
}

// Engine is the playback synchronization actor. All mutable state is
// owned by one goroutine; user actions, inbound snapshots, timer
// firings and readiness callbacks are serialized through post. When a
// local follower action and a host snapshot land in the same tick, the
// host's state wins.
type Engine struct {
	log    *zerolog.Logger
	ch     realtime.Channel
	player *media.Controller
	notify Notifier

	roomID    string
	selfID    string
	host      bool
	threshold float64
	heartbeat time.Duration

	posts    chan func()
	done     chan struct{}
	stopOnce sync.Once

	// Actor-owned state below; touched only from run().
	gate          pendingGate
	playing       bool
	rate          float64
	resumePending bool
	stopHeartbeat func()
	unsubscribe   func()
}

// New builds an engine. Call Start to begin processing.
func New(opts Options) *Engine {
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 0.7
	}
	if opts.DriftThreshold > 1.0 {
		opts.DriftThreshold = 1.0
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 500 * time.Millisecond
	}
	if opts.Notify == nil {
		opts.Notify = func(Event) {}
	}
	return &Engine{
		log:       opts.Logger,
		ch:        opts.Channel,
		player:    opts.Player,
		notify:    opts.Notify,
		roomID:    opts.RoomID,
		selfID:    opts.SelfID,
		host:      opts.Host,
		threshold: opts.DriftThreshold,
		heartbeat: opts.HeartbeatInterval,
		rate:      1,
		posts:     make(chan func(), 64),
		done:      make(chan struct{}),
	}
}

// Start launches the actor goroutine and subscribes to the channel.
func (e *Engine) Start(ctx context.Context) {
	e.unsubscribe = e.ch.Subscribe(func(env proto.Envelope) {
		if env.Kind != proto.KindSync || env.Room != e.roomID {
			return
		}
		s, err := proto.DecodeSync(env)
		if err != nil {
			e.log.Warn().Err(err).Msg("malformed sync envelope")
			return
		}
		e.post(func() { e.handleSnapshot(s) })
	})

	e.ch.OnConnectivity(func(connected bool) {
		if connected && e.host {
			// The host's local state is authoritative across outages;
			// re-assert it the moment the channel is back.
			e.post(func() { e.broadcast() })
		}
	})

	go e.run(ctx)
}

// Stop tears the engine down. Safe to call more than once; the actual
// release of heartbeat, subscription and pending slot happens on the
// actor goroutine's way out, so it also runs on context cancellation.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Play is a local user action. For the host it is authoritative and is
// broadcast; for a follower it is advisory and will be overwritten by
// the next host snapshot.
func (e *Engine) Play() { e.post(func() { e.localPlay() }) }

// Pause is the local pause action; same authority rules as Play.
func (e *Engine) Pause() { e.post(func() { e.localPause() }) }

// SeekTo is an explicit local seek.
func (e *Engine) SeekTo(seconds float64) { e.post(func() { e.localSeek(seconds) }) }

// SwitchSource loads a different source. Host only; followers switch
// when the host's snapshot tells them to.
func (e *Engine) SwitchSource(ctx context.Context, sourceURL string) {
	e.post(func() { e.localSwitch(ctx, sourceURL) })
}

// PlayerReady is wired to the controller's OnReady hook. It consumes
// the pending slot exactly once.
func (e *Engine) PlayerReady() { e.post(func() { e.onReady() }) }

// UserGesture retries a blocked resume. Cleared on success.
func (e *Engine) UserGesture() { e.post(func() { e.retryResume() }) }

// AutoplayBlocked records a refusal reported asynchronously through an
// adapter's error hook rather than from Play's return. Embed backends
// only learn about the block from the runtime after the fact.
func (e *Engine) AutoplayBlocked() { e.post(func() { e.onAutoplayBlocked() }) }

func (e *Engine) post(fn func()) {
	select {
	case <-e.done:
	case e.posts <- fn:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case fn := <-e.posts:
			fn()
		}
	}
}

// cleanup releases every scoped resource the engine holds. It runs on
// every exit path of the actor goroutine.
func (e *Engine) cleanup() {
	if e.stopHeartbeat != nil {
		e.stopHeartbeat()
		e.stopHeartbeat = nil
	}
	e.gate.clear()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// ==== actor-owned logic ====

func (e *Engine) localPlay() {
	err := e.player.Play()
	if errors.Is(err, media.ErrAutoplayBlocked) {
		e.resumePending = true
		e.notify(Event{Kind: EventResumeRequired})
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("local play failed")
		return
	}
	e.playing = true
	if e.host {
		e.broadcast()
		e.startHeartbeat()
	}
}

func (e *Engine) localPause() {
	if err := e.player.Pause(); err != nil {
		e.log.Warn().Err(err).Msg("local pause failed")
		return
	}
	e.playing = false
	if e.host {
		// Heartbeat stops immediately on pause: nothing drifts at rest
		// and the channel stays quiet.
		if e.stopHeartbeat != nil {
			e.stopHeartbeat()
			e.stopHeartbeat = nil
		}
		e.broadcast()
	}
}

func (e *Engine) localSeek(seconds float64) {
	if err := e.player.Seek(seconds); err != nil {
		e.log.Debug().Err(err).Msg("local seek rejected")
		return
	}
	if e.host {
		e.broadcast()
	}
}

func (e *Engine) localSwitch(ctx context.Context, sourceURL string) {
	if !e.host {
		e.log.Warn().Msg("follower attempted source switch, ignoring")
		return
	}
	if err := e.player.Switch(ctx, sourceURL); err != nil {
		e.notify(Event{Kind: EventError, Err: err})
		return
	}
	e.playing = false
	if e.stopHeartbeat != nil {
		e.stopHeartbeat()
		e.stopHeartbeat = nil
	}
	e.broadcast()
	e.notify(Event{Kind: EventSourceChanged})
}

// handleSnapshot is the follower reconciliation path.
func (e *Engine) handleSnapshot(s proto.SyncState) {
	if s.HostID == e.selfID {
		// Relay echoes our own broadcasts back.
		return
	}
	if e.host {
		// Open race: a second host claim would have to survive the room
		// token check to get here. The durable claim wins; drop it.
		e.log.Warn().Str("claimed_host", s.HostID).Msg("snapshot from non-host sender dropped")
		return
	}

	// Source switch first, clearing readiness; the snapshot then waits
	// in the gate for the new source to become seek-capable.
	if s.SourceURL != "" && s.SourceURL != e.player.Source() {
		if err := e.player.Switch(context.Background(), s.SourceURL); err != nil {
			e.notify(Event{Kind: EventError, Err: err})
			return
		}
		e.notify(Event{Kind: EventSourceChanged, State: s})
		e.gate.set(s)
		return
	}

	if !e.player.Ready() {
		e.gate.set(s)
		return
	}

	e.apply(s)
}

func (e *Engine) onReady() {
	if s, ok := e.gate.take(); ok {
		e.apply(s)
	}
}

// apply reconciles one snapshot against the local player: force-seek
// only beyond the drift threshold, then match play/pause.
func (e *Engine) apply(s proto.SyncState) {
	localT, err := e.player.CurrentTime()
	if err != nil {
		// Not seekable after all; park the snapshot for the next tick.
		e.gate.set(s)
		return
	}

	if math.Abs(localT-s.CurrentTime) > e.threshold {
		if err := e.player.Seek(s.CurrentTime); err != nil {
			// SeekRejected: retried on the next snapshot, never surfaced.
			e.log.Debug().Err(err).Float64("target", s.CurrentTime).Msg("seek rejected")
			e.gate.set(s)
			return
		}
	}

	switch s.Status {
	case proto.StatusPlay:
		err := e.player.Play()
		if errors.Is(err, media.ErrAutoplayBlocked) {
			e.resumePending = true
			e.playing = false
			e.notify(Event{Kind: EventResumeRequired, State: s})
			return
		}
		if err != nil {
			e.log.Warn().Err(err).Msg("resume failed")
			return
		}
		e.playing = true
	case proto.StatusPause:
		if err := e.player.Pause(); err != nil {
			e.log.Warn().Err(err).Msg("pause failed")
			return
		}
		e.playing = false
	}

	if s.PlaybackRate > 0 {
		e.rate = s.PlaybackRate
	}
	e.notify(Event{Kind: EventApplied, State: s})
}

func (e *Engine) onAutoplayBlocked() {
	if e.resumePending {
		return
	}
	e.resumePending = true
	e.playing = false
	e.notify(Event{Kind: EventResumeRequired})
}

func (e *Engine) retryResume() {
	if !e.resumePending {
		return
	}
	if err := e.player.Play(); err != nil {
		e.log.Debug().Err(err).Msg("resume retry failed")
		return
	}
	e.resumePending = false
	e.playing = true
	e.notify(Event{Kind: EventResumeCleared})
}

// broadcast publishes the host's current snapshot.
func (e *Engine) broadcast() {
	s := e.snapshot()
	env, err := proto.EncodeSync(e.roomID, e.selfID, s)
	if err != nil {
		e.log.Error().Err(err).Msg("encode snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ch.Publish(ctx, env); err != nil {
		// ChannelDisconnected: local state stays authoritative; the
		// connectivity callback re-broadcasts once the relay is back.
		e.log.Warn().Err(err).Msg("snapshot publish failed")
	}
}

func (e *Engine) snapshot() proto.SyncState {
	status := proto.StatusPause
	if e.playing {
		status = proto.StatusPlay
	}
	position, err := e.player.CurrentTime()
	if err != nil {
		position = 0
	}
	return proto.SyncState{
		Status:       status,
		CurrentTime:  position,
		PlaybackRate: e.rate,
		SourceKind:   string(media.DetectKind(e.player.Source())),
		SourceURL:    e.player.Source(),
		HostID:       e.selfID,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (e *Engine) startHeartbeat() {
	if e.stopHeartbeat != nil {
		return
	}
	e.stopHeartbeat = utils.Periodic(context.Background(), e.heartbeat, func(time.Time) {
		e.post(func() {
			if e.playing {
				e.broadcast()
			}
		})
	})
}
