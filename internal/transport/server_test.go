package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/protocol"
)

func TestServeRoundTrip(t *testing.T) {
	reg := NewRegistry(time.Minute, 3)
	defer reg.Close()

	msgCh := make(chan protocol.ClientMessage, 8)
	connCh := make(chan *Conn, 8)
	var closed int32
	srv := &Server{
		Registry: reg,
		OnMessage: func(c *Conn, m protocol.ClientMessage) {
			connCh <- c
			msgCh <- m
			c.Send(protocol.NewPong())
		},
		OnClose: func(*Conn) { atomic.AddInt32(&closed, 1) },
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// A bad frame and an unknown kind are swallowed; the throw goes through.
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"warp_stone"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Write(ctx, ws, map[string]any{"type": "throw", "aim": 2.5}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var msg protocol.ClientMessage
	select {
	case msg = <-msgCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("no frame reached the handler")
	}
	th, ok := msg.(protocol.Throw)
	if !ok || th.Aim != 2.5 {
		t.Fatalf("got %T %+v", msg, msg)
	}

	// The handler's reply rides the conn's send queue back to the client.
	var reply map[string]any
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply["type"] != "pong" {
		t.Fatalf("reply %+v", reply)
	}

	// Identity binding makes the conn findable by user id.
	c := <-connCh
	if c.Identity() != nil {
		t.Fatalf("fresh conn already has an identity")
	}
	reg.Bind(c, &account.Identity{UserID: "u1", Username: "alice"})
	if reg.ByUser("u1") != c {
		t.Fatalf("ByUser lookup failed")
	}
	if !c.Open() {
		t.Fatalf("live conn reports closed")
	}
	if reg.Count() != 1 {
		t.Fatalf("count = %d", reg.Count())
	}

	_ = ws.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&closed) == 1 && reg.Count() == 0 && reg.ByUser("u1") == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cleanup incomplete: closed=%d count=%d", atomic.LoadInt32(&closed), reg.Count())
}

func TestRecordPing(t *testing.T) {
	c := &Conn{}
	if got := c.recordPing(false); got != 1 {
		t.Fatalf("missed = %d", got)
	}
	if got := c.recordPing(false); got != 2 {
		t.Fatalf("missed = %d", got)
	}
	if got := c.recordPing(true); got != 0 {
		t.Fatalf("pong did not reset the counter: %d", got)
	}
}

func TestNewerLoginReplacesMapping(t *testing.T) {
	reg := NewRegistry(time.Minute, 3)
	defer reg.Close()

	older := newConn(nil, "a", 4)
	newer := newConn(nil, "b", 4)
	reg.add(older)
	reg.add(newer)

	id := &account.Identity{UserID: "u1", Username: "alice"}
	reg.Bind(older, id)
	reg.Bind(newer, id)
	if reg.ByUser("u1") != newer {
		t.Fatalf("newest login must own the mapping")
	}

	// The stale conn's removal must not clobber the newer mapping.
	reg.remove(older)
	if reg.ByUser("u1") != newer {
		t.Fatalf("stale removal dropped the live mapping")
	}
	reg.remove(newer)
	if reg.ByUser("u1") != nil {
		t.Fatalf("mapping survived its owner")
	}
}
