package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/obslog"
)

// Conn wraps one live websocket stream. Outbound frames go through a
// buffered queue drained by a single writer goroutine; Send never blocks
// the caller and drops the frame when the queue is full.
type Conn struct {
	ws *websocket.Conn

	sendCh chan []byte
	stopCh chan struct{}
	once   sync.Once

	mu     sync.Mutex
	ident  *account.Identity
	missed int
	closed bool

	remoteAddr string
}

func newConn(ws *websocket.Conn, remoteAddr string, queueCap int) *Conn {
	if queueCap <= 0 {
		queueCap = 64
	}
	return &Conn{
		ws:         ws,
		sendCh:     make(chan []byte, queueCap),
		stopCh:     make(chan struct{}),
		remoteAddr: remoteAddr,
	}
}

// Send marshals v and queues it for delivery, fire-and-forget.
func (c *Conn) Send(v any) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		obslog.L().Error("conn_send_marshal", zap.Error(err))
		return
	}
	select {
	case c.sendCh <- raw:
	case <-c.stopCh:
	default:
		obslog.L().Warn("conn_send_drop", zap.String("remote", c.remoteAddr))
	}
}

// Open reports whether the transport is still usable. A false value with
// the conn still registered marks a zombie awaiting registry cleanup.
func (c *Conn) Open() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Identity returns the bound identity, or nil for guests.
func (c *Conn) Identity() *account.Identity {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

func (c *Conn) bind(id *account.Identity) {
	c.mu.Lock()
	c.ident = id
	c.mu.Unlock()
}

func (c *Conn) ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *Conn) missedPings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missed
}

func (c *Conn) recordPing(ok bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.missed = 0
	} else {
		c.missed++
	}
	return c.missed
}

// close tears the transport down. Safe to call from any goroutine and more
// than once; the read loop observes the closure and runs cleanup.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopCh)
		_ = c.ws.Close(code, reason)
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case raw := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failure")
				return
			}
		}
	}
}
