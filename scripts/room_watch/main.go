// Debugging tap: joins a room with an existing room token and prints
// every envelope flowing through it, with sync and signal payloads
// decoded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/duoview/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("room_watch: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay websocket URL")
	token := flag.String("token", "", "room token")
	flag.Parse()

	if *token == "" {
		return errors.New("-token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, *addr, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + *token}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	fmt.Printf("watching %s, Ctrl+C to exit\n", *addr)
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch env.Kind {
		case proto.KindSync:
			s, err := proto.DecodeSync(env)
			if err != nil {
				log.Printf("bad sync from %s: %v", env.Sender, err)
				continue
			}
			fmt.Printf("[sync] %s %s at %.1fs rate %.2f src=%s\n",
				env.Sender, s.Status, s.CurrentTime, s.PlaybackRate, s.SourceURL)
		case proto.KindSignal:
			sig, err := proto.DecodeSignal(env)
			if err != nil {
				log.Printf("bad signal from %s: %v", env.Sender, err)
				continue
			}
			line := fmt.Sprintf("[signal] %s %s call=%s", env.Sender, sig.Type, sig.CallID)
			if sig.Reason != "" {
				line += " reason=" + sig.Reason
			}
			fmt.Println(line)
		default:
			fmt.Printf("[%s] from %s\n", env.Kind, env.Sender)
		}
	}
}
