package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client→server frames. Each frame is a JSON object tagged by "type".
// DecodeClient turns a raw frame into exactly one of the types below, so
// dispatch sites can switch exhaustively instead of matching strings.

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown message type")
)

// ClientMessage is the closed set of inbound frame payloads.
type ClientMessage interface{ clientMessage() }

type Auth struct {
	Token string `json:"token"`
}

type CreateRoom struct {
	TotalEnds int `json:"totalEnds"`
}

type JoinRoom struct {
	Code string `json:"code"`
}

type JoinQueue struct{}

type LeaveQueue struct{}

type Throw struct {
	Aim        float64 `json:"aim"`
	Weight     float64 `json:"weight"`
	SpinDir    int     `json:"spinDir"`
	SpinAmount float64 `json:"spinAmount"`
}

type SweepStart struct {
	Level float64 `json:"level"`
}

type SweepChange struct {
	Level float64 `json:"level"`
}

type SweepStop struct{}

// GameStateSync carries the client's opaque snapshot. The server stores and
// replays it verbatim and never inspects its contents.
type GameStateSync struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type GameOver struct {
	RedScore    int `json:"redScore"`
	YellowScore int `json:"yellowScore"`
	EndCount    int `json:"endCount"`
}

type Rematch struct{}

type Leave struct{}

type Reconnect struct {
	Code string `json:"code"`
}

type SendGameInvite struct {
	ToUserID string `json:"toUserId"`
}

type AcceptGameInvite struct {
	InviteID string `json:"inviteId"`
}

type DenyGameInvite struct {
	InviteID string `json:"inviteId"`
}

type CancelGameInvite struct {
	InviteID string `json:"inviteId"`
}

type Ping struct{}

func (Auth) clientMessage()             {}
func (CreateRoom) clientMessage()       {}
func (JoinRoom) clientMessage()         {}
func (JoinQueue) clientMessage()        {}
func (LeaveQueue) clientMessage()       {}
func (Throw) clientMessage()            {}
func (SweepStart) clientMessage()       {}
func (SweepChange) clientMessage()      {}
func (SweepStop) clientMessage()        {}
func (GameStateSync) clientMessage()    {}
func (GameOver) clientMessage()         {}
func (Rematch) clientMessage()          {}
func (Leave) clientMessage()            {}
func (Reconnect) clientMessage()        {}
func (SendGameInvite) clientMessage()   {}
func (AcceptGameInvite) clientMessage() {}
func (DenyGameInvite) clientMessage()   {}
func (CancelGameInvite) clientMessage() {}
func (Ping) clientMessage()             {}

type rawFrame struct {
	Type string `json:"type"`
}

// DecodeClient parses one inbound frame. Unknown types and broken JSON
// return an error; the caller drops such frames silently.
func DecodeClient(data []byte) (ClientMessage, error) {
	var head rawFrame
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := strings.TrimSpace(head.Type)

	var (
		msg ClientMessage
		err error
	)
	switch kind {
	case "auth":
		msg, err = decodeInto[Auth](data)
	case "create_room":
		msg, err = decodeInto[CreateRoom](data)
	case "join_room":
		msg, err = decodeInto[JoinRoom](data)
	case "join_queue":
		msg = JoinQueue{}
	case "leave_queue":
		msg = LeaveQueue{}
	case "throw":
		msg, err = decodeInto[Throw](data)
	case "sweep_start":
		msg, err = decodeInto[SweepStart](data)
	case "sweep_change":
		msg, err = decodeInto[SweepChange](data)
	case "sweep_stop":
		msg = SweepStop{}
	case "game_state_sync":
		msg, err = decodeInto[GameStateSync](data)
	case "game_over":
		msg, err = decodeInto[GameOver](data)
	case "rematch":
		msg = Rematch{}
	case "leave":
		msg = Leave{}
	case "reconnect":
		msg, err = decodeInto[Reconnect](data)
	case "send_game_invite":
		msg, err = decodeInto[SendGameInvite](data)
	case "accept_game_invite":
		msg, err = decodeInto[AcceptGameInvite](data)
	case "deny_game_invite":
		msg, err = decodeInto[DenyGameInvite](data)
	case "cancel_game_invite":
		msg, err = decodeInto[CancelGameInvite](data)
	case "ping":
		msg = Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeInto[T ClientMessage](data []byte) (ClientMessage, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
