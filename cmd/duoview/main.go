// Command duoview is the peer daemon: it joins a room over the relay,
// drives the local player and exposes a line-oriented control prompt.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/auth"
	"github.com/vovakirdan/duoview/internal/config"
	"github.com/vovakirdan/duoview/internal/core"
	"github.com/vovakirdan/duoview/internal/log"
	"github.com/vovakirdan/duoview/internal/media"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/realtime"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	relayURL := flag.String("relay", "", "relay websocket URL override")
	token := flag.String("token", "", "room token override")
	bridgeURL := flag.String("bridge", "ws://localhost:8081/bridge", "embed bridge websocket URL")
	flag.Parse()

	bootLogger := log.New("info")
	cfg, _, err := config.Load(bootLogger, *configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *token != "" {
		cfg.RoomToken = *token
	}
	if cfg.RoomToken == "" {
		bootLogger.Fatal().Msg("room token required (-token or room_token in config)")
	}

	logger := log.New(cfg.LogLevel)

	// The relay is the one that verifies the token; the daemon only
	// needs to read its own identity out of it.
	claims, err := unverifiedClaims(cfg.RoomToken)
	if err != nil || claims.RoomID == "" {
		logger.Fatal().Err(err).Msg("room token is not a valid room-scoped token")
	}
	logger.Info().
		Str("room", claims.RoomID).
		Str("participant", claims.ParticipantID).
		Bool("host", claims.Host).
		Msg("joining room")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch := realtime.DialWS(ctx, log.Component(logger, "channel"), cfg.RelayURL, cfg.RoomToken)
	defer ch.Close()

	events := make(chan core.Event, 64)
	session := core.NewSession(core.Options{
		Logger:  logger,
		Channel: ch,
		Adapters: map[media.Kind]media.Factory{
			media.KindFile:    media.NewIPCFactory(cfg.PlayerSocket),
			media.KindDirect:  media.NewIPCFactory(cfg.PlayerSocket),
			media.KindHLS:     media.NewIPCFactory(cfg.PlayerSocket),
			media.KindYouTube: media.NewEmbedFactory(*bridgeURL, media.KindYouTube),
			media.KindVimeo:   media.NewEmbedFactory(*bridgeURL, media.KindVimeo),
			media.KindP2PLive: media.NewLiveFactory(),
		},
		RoomID:            claims.RoomID,
		SelfID:            claims.ParticipantID,
		Host:              claims.Host,
		DriftThreshold:    cfg.DriftThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RingTimeout:       cfg.RingTimeout,
		StatsInterval:     cfg.StatsInterval,
		ICEServers:        cfg.ICEServers,
		Notify: func(ev core.Event) {
			select {
			case events <- ev:
			default:
			}
		},
	})

	session.Join(ctx)
	defer session.Leave()

	go printEvents(logger, events)
	prompt(ctx, session, claims.Host)
}

func printEvents(logger *zerolog.Logger, events <-chan core.Event) {
	for ev := range events {
		switch ev.Kind {
		case core.EventSyncApplied:
			logger.Info().
				Str("status", string(ev.Sync.Status)).
				Float64("position", ev.Sync.CurrentTime).
				Msg("sync applied")
		case core.EventSourceChanged:
			logger.Info().Str("url", ev.Sync.SourceURL).Msg("source changed")
		case core.EventResumeRequired:
			logger.Warn().Msg("autoplay blocked, type 'resume' to continue")
		case core.EventResumeCleared:
			logger.Info().Msg("playback resumed")
		case core.EventCallIncoming:
			logger.Info().Str("from", ev.Call.CallerID).Str("type", string(ev.Call.CallType)).
				Msg("incoming call, type 'accept' or 'reject'")
		case core.EventCallRingCleared:
			logger.Info().Msg("ringing stopped")
		case core.EventCallStatus:
			e := logger.Info().Str("status", string(ev.Call.Status))
			if ev.Reason != "" {
				e = e.Str("reason", ev.Reason)
			}
			e.Msg("call status")
		case core.EventCallQuality:
			logger.Info().Int("quality", int(ev.Quality)).Msg("connection quality")
		case core.EventCallTrack:
			logger.Info().Str("kind", ev.Track.Kind().String()).Msg("remote track arrived")
		case core.EventConnectivity:
			logger.Info().Bool("connected", ev.Connected).Msg("relay connectivity")
		case core.EventError:
			logger.Error().Str("code", ev.Error.Code).Msg(ev.Error.Message)
		}
	}
}

func prompt(ctx context.Context, session *core.Session, host bool) {
	fmt.Println("commands: play pause seek <s> src <url> resume call [voice] accept reject cancel hangup mute video status quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "play":
			session.Play()
		case "pause":
			session.Pause()
		case "seek":
			if len(fields) < 2 {
				fmt.Println("usage: seek <seconds>")
				continue
			}
			secs, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				fmt.Println("seek: not a number")
				continue
			}
			session.SeekTo(secs)
		case "src":
			if len(fields) < 2 {
				fmt.Println("usage: src <url>")
				continue
			}
			session.SwitchSource(ctx, fields[1])
		case "resume":
			session.Resume()
		case "call":
			callType := proto.CallVideo
			if len(fields) > 1 && fields[1] == "voice" {
				callType = proto.CallVoice
			}
			session.StartCall(callType)
		case "accept":
			session.AcceptCall()
		case "reject":
			session.RejectCall()
		case "cancel":
			session.CancelCall()
		case "hangup":
			session.Hangup()
		case "mute":
			fmt.Printf("audio muted: %v\n", session.ToggleAudio())
		case "video":
			fmt.Printf("video muted: %v\n", session.ToggleVideo())
		case "status":
			if call, ok := session.ActiveCall(); ok {
				fmt.Printf("call %s: %s\n", call.ID, call.Status)
			} else {
				fmt.Println("no active call")
			}
			fmt.Printf("host: %v\n", host)
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func unverifiedClaims(token string) (*auth.Claims, error) {
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
