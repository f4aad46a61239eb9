package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"canvas_collab/pkg"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Manual smoke client: joins a project, announces itself, moves the cursor
// and saves once, printing everything the server relays back.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	server := pflag.String("server", "ws://localhost:8000", "server base URL")
	project := pflag.String("project", "demo", "project id")
	user := pflag.String("user", "smoke-client", "user id")
	name := pflag.String("name", "Smoke Client", "display name")
	wait := pflag.Duration("wait", 5*time.Second, "how long to keep listening")
	pflag.Parse()

	base, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("Invalid server URL: %v", err)
	}
	endpoint := base.JoinPath("ws", *project, *user)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", endpoint, err)
	}
	defer conn.Close()
	fmt.Printf("✅ Connected to %s\n", endpoint)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Printf("⬅️  %s\n", data)
		}
	}()

	now := time.Now().UnixMilli()
	messages := []pkg.Outbound{
		{Type: pkg.TypeUserConnected, Timestamp: now, Payload: map[string]string{"username": *name, "color": "#ef4444"}},
		{Type: pkg.TypeCursorPosition, Timestamp: now + 10, Payload: map[string]int{"x": 120, "y": 80}},
		{Type: pkg.TypeActiveComponent, Timestamp: now + 20, Payload: map[string]string{"componentId": "hero"}},
	}
	for _, message := range messages {
		data, err := pkg.Encode(message)
		if err != nil {
			log.Fatalf("Failed to encode %s: %v", message.Type, err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Fatalf("Failed to send %s: %v", message.Type, err)
		}
		fmt.Printf("➡️  %s\n", data)
	}

	save := []byte(`{"type":"SAVE_PROJECT","fullState":{"pages":[{"id":"home","components":[]}]}}`)
	if err := conn.WriteMessage(websocket.TextMessage, save); err != nil {
		log.Fatalf("Failed to send save: %v", err)
	}
	fmt.Printf("➡️  %s\n", save)

	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	fmt.Println("👋 Disconnected")
}
