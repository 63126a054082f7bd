package wsagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DialFunc opens one websocket stream. Tests inject their own.
type DialFunc func(ctx context.Context, wsURL string) (*websocket.Conn, error)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Agent is the client-side reconnection agent. It owns exponential-backoff
// reconnection, its own heartbeat, foreground liveness re-verification,
// and automatic turn-state resync: when a room code is set, every
// successful (re)connect replays `reconnect{code}` so the client restores
// its view from the server's snapshot.
//
// A generation counter tags each socket; sockets from abandoned attempts
// are recognized and ignored when they eventually error out, so only one
// reconnection cycle is ever in flight.
type Agent struct {
	wsURL string
	dial  DialFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          int
	state        State
	reconnecting bool
	roomCode     string

	maxReconnectAttempts int
	pingInterval         time.Duration
	verifyTimeout        time.Duration

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	cbM      sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Client = (*Agent)(nil)

func New(wsURL string, maxReconnectAttempts int) *Agent {
	return &Agent{
		wsURL:                wsURL,
		dial:                 defaultDial,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         15 * time.Second,
		verifyTimeout:        5 * time.Second,
		stopCh:               make(chan struct{}),
	}
}

// SetDial replaces the dialer. For tests.
func (a *Agent) SetDial(d DialFunc) { a.dial = d }

// SetPingInterval overrides the heartbeat interval.
func (a *Agent) SetPingInterval(d time.Duration) { a.pingInterval = d }

// SetVerifyTimeout overrides the foreground verification deadline.
func (a *Agent) SetVerifyTimeout(d time.Duration) { a.verifyTimeout = d }

func defaultDial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	return conn, err
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetRoomCode arms automatic resync after the next (re)connect.
func (a *Agent) SetRoomCode(code string) {
	a.mu.Lock()
	a.roomCode = code
	a.mu.Unlock()
}

func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	a.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := a.dial(dialCtx, a.wsURL)
	if err != nil {
		a.setState(StateFailed)
		a.scheduleReconnect()
		return err
	}

	a.install(conn)
	return nil
}

// install publishes a fresh socket under a new generation and starts its
// listen and heartbeat goroutines.
func (a *Agent) install(conn *websocket.Conn) {
	a.mu.Lock()
	if a.isStopping() {
		// Close won the race; the fresh socket must not outlive the agent.
		a.reconnecting = false
		a.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "close")
		return
	}
	a.conn = conn
	a.gen++
	gen := a.gen
	code := a.roomCode
	a.reconnecting = false
	// Add while the stop check still holds, so Close's Wait cannot start
	// at zero and race the Add.
	a.wg.Add(2)
	a.mu.Unlock()

	a.setState(StateConnected)

	go a.listen(gen, conn)
	go a.pingLoop(gen, conn)

	if code != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = wsjson.Write(ctx, conn, map[string]string{"type": "reconnect", "code": code})
		cancel()
	}
}

// current reports whether gen is still the live socket generation.
func (a *Agent) current(gen int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *Agent) listen(gen int, conn *websocket.Conn) {
	defer a.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if a.isStopping() || !a.current(gen) {
				// Stale socket from an abandoned attempt; someone else
				// already owns reconnection.
				return
			}
			a.setState(StateDisconnected)
			_ = conn.Close(websocket.StatusGoingAway, "reconnect")
			a.scheduleReconnect()
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if jerr := json.Unmarshal(data, &head); jerr != nil {
			continue
		}
		frame := &Frame{Type: head.Type, Raw: json.RawMessage(data)}

		a.cbM.RLock()
		callbacks := make([]callbackEntry, len(a.msgCbs))
		copy(callbacks, a.msgCbs)
		a.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(frame)
			}
		}
	}
}

func (a *Agent) pingLoop(gen int, conn *websocket.Conn) {
	defer a.wg.Done()
	t := time.NewTicker(a.pingInterval)
	defer t.Stop()
	consecutiveFailures := 0
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			if !a.current(gen) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutiveFailures++
				if consecutiveFailures >= 2 {
					if a.isStopping() || !a.current(gen) {
						return
					}
					a.setState(StateDisconnected)
					_ = conn.Close(websocket.StatusGoingAway, "ping failure")
					a.scheduleReconnect()
					return
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

// NotifyVisible is the tab-foreground hook. A socket can report itself
// open while the OS silently dropped the transport in the background, so
// demand a fresh round trip and reconnect when it does not arrive in time.
func (a *Agent) NotifyVisible() {
	a.mu.Lock()
	conn := a.conn
	gen := a.gen
	state := a.state
	a.mu.Unlock()

	if state != StateConnected || conn == nil {
		a.scheduleReconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.verifyTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err == nil {
		return
	}
	if a.isStopping() || !a.current(gen) {
		return
	}
	a.setState(StateDisconnected)
	_ = conn.Close(websocket.StatusGoingAway, "visibility verify failed")
	a.scheduleReconnect()
}

// Send writes one outbound frame on the live socket.
func (a *Agent) Send(ctx context.Context, v any) error {
	a.mu.Lock()
	conn := a.conn
	state := a.state
	a.mu.Unlock()
	if conn == nil || state != StateConnected {
		return errors.New("not connected")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(ctx, conn, v)
}

// scheduleReconnect starts the backoff loop unless one is already in
// flight.
func (a *Agent) scheduleReconnect() {
	if a.maxReconnectAttempts <= 0 {
		return
	}
	a.mu.Lock()
	if a.reconnecting {
		a.mu.Unlock()
		return
	}
	a.reconnecting = true
	a.mu.Unlock()

	a.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= a.maxReconnectAttempts; attempt++ {
			select {
			case <-a.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, err := a.dial(dialCtx, a.wsURL)
			cancel()
			if err != nil {
				continue
			}
			a.install(conn)
			return
		}
		a.mu.Lock()
		a.reconnecting = false
		a.mu.Unlock()
		a.setState(StateFailed)
	}()
}

func (a *Agent) OnMessage(cb MessageCallback) int {
	a.cbM.Lock()
	defer a.cbM.Unlock()
	id := len(a.msgCbs) + 1
	a.msgCbs = append(a.msgCbs, callbackEntry{id: id, callback: cb})
	return id
}

func (a *Agent) RemoveMessageCallback(id int) {
	a.cbM.Lock()
	defer a.cbM.Unlock()
	for i, cb := range a.msgCbs {
		if cb.id == id {
			a.msgCbs = append(a.msgCbs[:i], a.msgCbs[i+1:]...)
			break
		}
	}
}

func (a *Agent) OnStateChange(cb StateCallback) int {
	a.cbM.Lock()
	defer a.cbM.Unlock()
	id := len(a.stateCbs) + 1
	a.stateCbs = append(a.stateCbs, stateCallbackEntry{id: id, callback: cb})
	return id
}

func (a *Agent) RemoveStateCallback(id int) {
	a.cbM.Lock()
	defer a.cbM.Unlock()
	for i, cb := range a.stateCbs {
		if cb.id == id {
			a.stateCbs = append(a.stateCbs[:i], a.stateCbs[i+1:]...)
			break
		}
	}
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()

	a.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(a.stateCbs))
	copy(callbacks, a.stateCbs)
	a.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (a *Agent) Close(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (a *Agent) isStopping() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}
