package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

// dialConn dials a ws stream served by handler and wraps it in a Conn.
func dialConn(t *testing.T, handler func(*websocket.Conn)) *Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(c)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return newConn(ws, "test", 4)
}

func TestHeartbeatCullsAfterAllowance(t *testing.T) {
	stall := make(chan struct{})
	t.Cleanup(func() { close(stall) })

	// The peer never reads, so pongs never flow back.
	c := dialConn(t, func(ws *websocket.Conn) {
		<-stall
		_ = ws.Close(websocket.StatusNormalClosure, "done")
	})

	reg := NewRegistry(time.Hour, 3)
	defer reg.Close()
	reg.pingTimeout = 100 * time.Millisecond
	reg.add(c)

	reg.sweepOnce()
	waitCond(t, func() bool { return c.missedPings() == 1 })
	if !c.Open() {
		t.Fatalf("culled after 1 missed ping")
	}

	reg.sweepOnce()
	waitCond(t, func() bool { return c.missedPings() == 2 })
	if !c.Open() {
		t.Fatalf("culled after 2 missed pings")
	}

	reg.sweepOnce()
	waitCond(t, func() bool { return !c.Open() })
}

func TestHeartbeatPongResetsAllowance(t *testing.T) {
	// A reading peer answers pings, so the counter resets.
	c := dialConn(t, func(ws *websocket.Conn) {
		ctx := context.Background()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})

	// Pump the local side like Server.readLoop does so the pong control
	// frame reaches the ping waiter.
	go func() {
		for {
			if _, _, err := c.ws.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	reg := NewRegistry(time.Hour, 2)
	defer reg.Close()
	reg.pingTimeout = 2 * time.Second
	reg.add(c)

	c.recordPing(false)
	reg.sweepOnce()
	waitCond(t, func() bool { return c.missedPings() == 0 })
	if !c.Open() {
		t.Fatalf("healthy conn closed")
	}
}
