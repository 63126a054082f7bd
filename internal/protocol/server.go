package protocol

import "encoding/json"

// Server→client frames. Constructors fill the "type" tag so a message can
// never go out mistagged.

// PlayerInfo is the public view of an opponent.
type PlayerInfo struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
}

type ServerMessage interface{ serverMessage() }

type AuthOK struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type AuthError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type RoomCreated struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	TotalEnds int    `json:"totalEnds"`
}

// RoomError reasons.
const (
	ReasonRoomNotFound  = "room_not_found"
	ReasonRoomFull      = "room_full"
	ReasonAlreadyInGame = "already_in_game"
)

type RoomError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type GameStart struct {
	Type      string     `json:"type"`
	YourTeam  string     `json:"yourTeam"`
	Opponent  PlayerInfo `json:"opponent"`
	TotalEnds int        `json:"totalEnds"`
	RoomCode  string     `json:"roomCode"`
}

type OpponentThrow struct {
	Type       string  `json:"type"`
	Aim        float64 `json:"aim"`
	Weight     float64 `json:"weight"`
	SpinDir    int     `json:"spinDir"`
	SpinAmount float64 `json:"spinAmount"`
}

type OpponentSweep struct {
	Type   string  `json:"type"`
	Action string  `json:"action"` // start | change | stop
	Level  float64 `json:"level"`
}

type OpponentDisconnected struct {
	Type string `json:"type"`
}

type OpponentReconnected struct {
	Type     string     `json:"type"`
	Opponent PlayerInfo `json:"opponent"`
}

type OpponentLeft struct {
	Type string `json:"type"`
}

type Reconnected struct {
	Type         string          `json:"type"`
	YourTeam     string          `json:"yourTeam"`
	GameSnapshot json.RawMessage `json:"gameSnapshot,omitempty"`
	Opponent     PlayerInfo      `json:"opponent"`
	RoomCode     string          `json:"roomCode"`
}

type ReconnectFailed struct {
	Type string `json:"type"`
}

type RoomExpired struct {
	Type string `json:"type"`
}

type QueueJoined struct {
	Type string `json:"type"`
}

type RatingUpdate struct {
	Type string `json:"type"`
	Rank int    `json:"rank"`
}

type GameInvite struct {
	Type     string     `json:"type"`
	InviteID string     `json:"inviteId"`
	FromUser PlayerInfo `json:"fromUser"`
}

type GameInviteSent struct {
	Type     string `json:"type"`
	InviteID string `json:"inviteId"`
}

// GameInviteError reasons.
const (
	ReasonInviteNotFound  = "invite_not_found"
	ReasonInviteDuplicate = "duplicate_invite"
	ReasonInviteOffline   = "user_offline"
	ReasonInviteBusy      = "user_in_game"
	ReasonInviteExpired   = "invite_expired"
	ReasonInviteSelf      = "self_invite"
	ReasonAuthRequired    = "auth_required"
)

type GameInviteError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type GameInviteDenied struct {
	Type string `json:"type"`
}

type GameInviteCancelled struct {
	Type string `json:"type"`
}

// Presence status values.
const (
	PresenceOffline = "offline"
	PresenceOnline  = "online"
	PresenceInGame  = "in_game"
)

type FriendPresence struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type RematchRequested struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

func (AuthOK) serverMessage()               {}
func (AuthError) serverMessage()            {}
func (RoomCreated) serverMessage()          {}
func (RoomError) serverMessage()            {}
func (GameStart) serverMessage()            {}
func (OpponentThrow) serverMessage()        {}
func (OpponentSweep) serverMessage()        {}
func (OpponentDisconnected) serverMessage() {}
func (OpponentReconnected) serverMessage()  {}
func (OpponentLeft) serverMessage()         {}
func (Reconnected) serverMessage()          {}
func (ReconnectFailed) serverMessage()      {}
func (RoomExpired) serverMessage()          {}
func (QueueJoined) serverMessage()          {}
func (RatingUpdate) serverMessage()         {}
func (GameInvite) serverMessage()           {}
func (GameInviteSent) serverMessage()       {}
func (GameInviteError) serverMessage()      {}
func (GameInviteDenied) serverMessage()     {}
func (GameInviteCancelled) serverMessage()  {}
func (FriendPresence) serverMessage()       {}
func (RematchRequested) serverMessage()     {}
func (Pong) serverMessage()                 {}

func NewAuthOK(userID, username string) AuthOK {
	return AuthOK{Type: "auth_ok", UserID: userID, Username: username}
}

func NewAuthError(reason string) AuthError {
	return AuthError{Type: "auth_error", Reason: reason}
}

func NewRoomCreated(code string, totalEnds int) RoomCreated {
	return RoomCreated{Type: "room_created", Code: code, TotalEnds: totalEnds}
}

func NewRoomError(reason string) RoomError {
	return RoomError{Type: "room_error", Reason: reason}
}

func NewGameStart(team string, opp PlayerInfo, totalEnds int, code string) GameStart {
	return GameStart{Type: "game_start", YourTeam: team, Opponent: opp, TotalEnds: totalEnds, RoomCode: code}
}

func NewOpponentThrow(t Throw) OpponentThrow {
	return OpponentThrow{Type: "opponent_throw", Aim: t.Aim, Weight: t.Weight, SpinDir: t.SpinDir, SpinAmount: t.SpinAmount}
}

func NewOpponentSweep(action string, level float64) OpponentSweep {
	return OpponentSweep{Type: "opponent_sweep", Action: action, Level: level}
}

func NewOpponentDisconnected() OpponentDisconnected {
	return OpponentDisconnected{Type: "opponent_disconnected"}
}

func NewOpponentReconnected(opp PlayerInfo) OpponentReconnected {
	return OpponentReconnected{Type: "opponent_reconnected", Opponent: opp}
}

func NewOpponentLeft() OpponentLeft {
	return OpponentLeft{Type: "opponent_left"}
}

func NewReconnected(team string, snapshot json.RawMessage, opp PlayerInfo, code string) Reconnected {
	return Reconnected{Type: "reconnected", YourTeam: team, GameSnapshot: snapshot, Opponent: opp, RoomCode: code}
}

func NewReconnectFailed() ReconnectFailed {
	return ReconnectFailed{Type: "reconnect_failed"}
}

func NewRoomExpired() RoomExpired {
	return RoomExpired{Type: "room_expired"}
}

func NewQueueJoined() QueueJoined {
	return QueueJoined{Type: "queue_joined"}
}

func NewRatingUpdate(rank int) RatingUpdate {
	return RatingUpdate{Type: "rating_update", Rank: rank}
}

func NewGameInvite(inviteID string, from PlayerInfo) GameInvite {
	return GameInvite{Type: "game_invite", InviteID: inviteID, FromUser: from}
}

func NewGameInviteSent(inviteID string) GameInviteSent {
	return GameInviteSent{Type: "game_invite_sent", InviteID: inviteID}
}

func NewGameInviteError(reason string) GameInviteError {
	return GameInviteError{Type: "game_invite_error", Reason: reason}
}

func NewGameInviteDenied() GameInviteDenied {
	return GameInviteDenied{Type: "game_invite_denied"}
}

func NewGameInviteCancelled() GameInviteCancelled {
	return GameInviteCancelled{Type: "game_invite_cancelled"}
}

func NewFriendPresence(userID, status string) FriendPresence {
	return FriendPresence{Type: "friend_presence", UserID: userID, Status: status}
}

func NewRematchRequested() RematchRequested {
	return RematchRequested{Type: "rematch_requested"}
}

func NewPong() Pong {
	return Pong{Type: "pong"}
}
