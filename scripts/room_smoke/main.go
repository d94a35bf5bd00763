// Smoke test for a running relay: registers a throwaway user, creates
// a room, connects over websocket and checks that a published sync
// snapshot is echoed back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/duoview/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("room_smoke: %v", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func run() error {
	base := flag.String("addr", "http://localhost:8080", "relay base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	username := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	accountToken, err := postToken(ctx, *base+"/api/register", "", map[string]string{
		"username": username,
		"password": "smoke-secret",
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var room struct {
		ID     string `json:"id"`
		HostID string `json:"host_id"`
	}
	if err := postJSON(ctx, *base+"/api/rooms", accountToken, nil, &room); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	roomToken, err := postToken(ctx, *base+"/api/rooms/"+room.ID+"/token", accountToken, nil)
	if err != nil {
		return fmt.Errorf("room token: %w", err)
	}

	wsURL := "ws" + strings.TrimPrefix(*base, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + roomToken}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	snapshot := proto.SyncState{
		Status: proto.StatusPause, CurrentTime: 1, PlaybackRate: 1,
		SourceKind: "direct", SourceURL: "https://example.com/smoke.mp4",
		HostID: room.HostID, UpdatedAt: time.Now().UTC(),
	}
	env, err := proto.EncodeSync(room.ID, room.HostID, snapshot)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	var echo proto.Envelope
	if err := wsjson.Read(ctx, conn, &echo); err != nil {
		return fmt.Errorf("read echo: %w", err)
	}
	got, err := proto.DecodeSync(echo)
	if err != nil {
		return fmt.Errorf("decode echo: %w", err)
	}
	if got.SourceURL != snapshot.SourceURL {
		return fmt.Errorf("echo mismatch: got %q want %q", got.SourceURL, snapshot.SourceURL)
	}
	return nil
}

func postToken(ctx context.Context, url, auth string, body any) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := postJSON(ctx, url, auth, body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func postJSON(ctx context.Context, url, auth string, body, out any) error {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
