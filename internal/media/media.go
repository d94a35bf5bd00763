// Package media normalizes heterogeneous player backends behind one
// control surface. Exactly one adapter is active per Controller; the
// engine above never talks to a backend directly.
package media

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
)

// Kind identifies a player backend. Selection is a pure function of the
// source identifier (see DetectKind).
type Kind string

const (
	KindYouTube Kind = "youtube"
	KindVimeo   Kind = "vimeo"
	KindHLS     Kind = "hls"
	KindDirect  Kind = "direct"
	KindFile    Kind = "file"
	KindP2PLive Kind = "p2p-live"
)

var (
	// ErrNotReady is returned by Seek and CurrentTime before the adapter
	// has signalled readiness; results before that point are undefined
	// and must not be trusted.
	ErrNotReady = errors.New("media: player not ready")

	// ErrAutoplayBlocked means the runtime refused to start playback
	// without a user gesture. Not a failure; the caller surfaces a
	// resume affordance and retries on the next gesture.
	ErrAutoplayBlocked = errors.New("media: autoplay blocked")

	// ErrLoadFailed means the backend could not load the source. The
	// session survives; the user re-selects a source.
	ErrLoadFailed = errors.New("media: source load failed")

	// ErrNoAdapter means no factory is registered for the source kind.
	ErrNoAdapter = errors.New("media: no adapter for source kind")
)

// Hooks are the callbacks an adapter fires upward. Any hook may be nil.
type Hooks struct {
	OnReady          func()
	OnTimeUpdate     func(seconds float64)
	OnDurationChange func(seconds float64)
	OnError          func(err error)
}

// Player is the uniform adapter contract. Each adapter owns exactly one
// underlying playback resource at a time; Close releases it.
type Player interface {
	Load(ctx context.Context, sourceURL string) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	CurrentTime() (float64, error)
	Paused() bool
	Close() error
}

// LiveFeed is implemented by adapters whose readiness comes from the
// first inbound media sample rather than a load callback.
type LiveFeed interface {
	MarkLive()
}

// Factory constructs an adapter wired to the given hooks.
type Factory func(hooks Hooks) (Player, error)

// DetectKind maps a source identifier to its backend kind.
func DetectKind(sourceURL string) Kind {
	if strings.HasPrefix(sourceURL, "p2p:") {
		return KindP2PLive
	}
	if strings.HasPrefix(sourceURL, "/") || strings.HasPrefix(sourceURL, "file:") {
		return KindFile
	}

	u, err := url.Parse(sourceURL)
	if err != nil {
		return KindDirect
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	switch {
	case host == "youtube.com" || host == "youtu.be" || host == "m.youtube.com":
		return KindYouTube
	case host == "vimeo.com" || host == "player.vimeo.com":
		return KindVimeo
	}

	if strings.EqualFold(path.Ext(u.Path), ".m3u8") {
		return KindHLS
	}
	return KindDirect
}
