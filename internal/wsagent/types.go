package wsagent

import (
	"context"
	"encoding/json"
	"time"
)

// State is the agent's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Frame is one inbound server frame: the type tag plus the raw payload,
// left to the caller to decode.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

type MessageCallback func(*Frame)

type StateCallback func(State)

// Client is the agent surface used by callers and tests.
type Client interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, v any) error
	OnMessage(cb MessageCallback) int
	RemoveMessageCallback(id int)
	OnStateChange(cb StateCallback) int
	RemoveStateCallback(id int)
	NotifyVisible()
	SetRoomCode(code string)
	Close(ctx context.Context) error
}

// backoffDuration grows 1s, 2s, 4s ... capped at 30s.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
