package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/tsumura510/stonesheet/internal/wsagent"
)

func main() {
	wsURL := os.Getenv("STONESHEET_WS_URL")
	token := os.Getenv("STONESHEET_TOKEN")
	code := os.Getenv("STONESHEET_ROOM_CODE")

	if wsURL == "" {
		log.Fatal("STONESHEET_WS_URL is required")
	}

	agent := wsagent.New(wsURL, 5)
	agent.OnStateChange(func(state wsagent.State) {
		log.Printf("WS state: %s", state)
	})
	agent.OnMessage(func(frame *wsagent.Frame) {
		log.Printf("WS msg type=%s payload=%s", frame.Type, string(frame.Raw))
	})
	if code != "" {
		agent.SetRoomCode(code)
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := agent.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if token != "" {
		if err := agent.Send(sctx, map[string]string{"type": "auth", "token": token}); err != nil {
			log.Printf("auth send error: %v", err)
		}
	} else {
		if err := agent.Send(sctx, map[string]string{"type": "ping"}); err != nil {
			log.Printf("ping send error: %v", err)
		}
	}

	// Observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	_ = agent.Close(context.Background())
}
