package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/obslog"
)

// Registry tracks every live connection and its optional identity, and
// runs the server-side heartbeat. A conn survives MaxMissedPings
// consecutive unanswered pings before it is forcibly closed: the allowance
// is deliberately generous because backgrounded mobile browsers can stall
// pong delivery for minutes while the socket is actually fine.
type Registry struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	byUser map[string]*Conn

	pingInterval time.Duration
	pingTimeout  time.Duration
	maxMissed    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistry(pingInterval time.Duration, maxMissed int) *Registry {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if maxMissed <= 0 {
		maxMissed = 6
	}
	r := &Registry{
		conns:        make(map[*Conn]struct{}),
		byUser:       make(map[string]*Conn),
		pingInterval: pingInterval,
		pingTimeout:  10 * time.Second,
		maxMissed:    maxMissed,
		stopCh:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.pingLoop()
	return r
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	if id := c.Identity(); id != nil && r.byUser[id.UserID] == c {
		delete(r.byUser, id.UserID)
	}
	r.mu.Unlock()
}

// Bind attaches an identity to a conn. A newer login for the same user
// replaces the old mapping; the stale conn keeps running until its own
// close path fires.
func (r *Registry) Bind(c *Conn, id *account.Identity) {
	c.bind(id)
	r.mu.Lock()
	r.byUser[id.UserID] = c
	r.mu.Unlock()
}

// ByUser returns the live conn bound to userID, or nil.
func (r *Registry) ByUser(userID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userID]
}

// Count returns the number of registered conns.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) pingLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		go func(c *Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), r.pingTimeout)
			err := c.ping(ctx)
			cancel()
			missed := c.recordPing(err == nil)
			if err != nil && missed >= r.maxMissed {
				obslog.L().Info("conn_heartbeat_dead",
					zap.String("remote", c.remoteAddr),
					zap.Int("missed", missed),
				)
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
			}
		}(c)
	}
}
