package arena

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/protocol"
)

// Team is a player's side. Slot index and team are the same thing: slot 0
// is red, slot 1 is yellow.
type Team int

const (
	TeamRed Team = iota
	TeamYellow
)

func (t Team) String() string {
	if t == TeamRed {
		return "red"
	}
	return "yellow"
}

func (t Team) Other() Team {
	if t == TeamRed {
		return TeamYellow
	}
	return TeamRed
}

// Phase is the room lifecycle state.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

// Peer is what the coordinator needs from a live connection.
type Peer interface {
	// Send queues a frame, fire-and-forget.
	Send(v any)
	// Open reports transport-level liveness.
	Open() bool
	// Identity is nil for guests.
	Identity() *account.Identity
}

// Room is the authoritative state of one match. All fields are guarded by
// the owning Hub's lock; Room has no lock of its own.
type Room struct {
	Code      string
	TotalEnds int
	CreatedAt time.Time

	players [2]Peer
	phase   Phase
	turn    Team

	// snapshot is the opaque client-supplied blob replayed to a
	// reconnecting peer. Last writer wins; never parsed here.
	snapshot json.RawMessage

	resultRecorded bool
	rematchFrom    Peer

	graceTimer [2]*time.Timer
	hardTimer  [2]*time.Timer
}

func newRoom(code string, host Peer, totalEnds int) *Room {
	r := &Room{
		Code:      code,
		TotalEnds: totalEnds,
		CreatedAt: time.Now(),
		phase:     PhaseWaiting,
	}
	r.players[TeamRed] = host
	return r
}

func (r *Room) Phase() Phase { return r.phase }

// Turn returns the team allowed to throw. Meaningful only while playing.
func (r *Room) Turn() Team { return r.turn }

func (r *Room) Snapshot() json.RawMessage { return r.snapshot }

func (r *Room) ResultRecorded() bool { return r.resultRecorded }

func (r *Room) player(t Team) Peer { return r.players[t] }

// slotOf returns the slot p occupies, or -1.
func (r *Room) slotOf(p Peer) int {
	for i, q := range r.players {
		if q == p && q != nil {
			return i
		}
	}
	return -1
}

// emptySlot returns the first empty slot, or -1.
func (r *Room) emptySlot() int {
	for i, q := range r.players {
		if q == nil {
			return i
		}
	}
	return -1
}

func (r *Room) occupied() int {
	n := 0
	for _, q := range r.players {
		if q != nil {
			n++
		}
	}
	return n
}

// timersPending reports whether any slot has a grace or hard timer armed.
func (r *Room) timersPending() bool {
	for i := range r.players {
		if r.graceTimer[i] != nil || r.hardTimer[i] != nil {
			return true
		}
	}
	return false
}

func (r *Room) cancelTimers(slot int) {
	if t := r.graceTimer[slot]; t != nil {
		t.Stop()
		r.graceTimer[slot] = nil
	}
	if t := r.hardTimer[slot]; t != nil {
		t.Stop()
		r.hardTimer[slot] = nil
	}
}

func (r *Room) cancelAllTimers() {
	for i := range r.players {
		r.cancelTimers(i)
	}
}

// info returns the public view of the player in slot t.
func (r *Room) info(t Team) protocol.PlayerInfo {
	p := r.players[t]
	if p == nil {
		return protocol.PlayerInfo{Username: "unknown"}
	}
	if id := p.Identity(); id != nil {
		return protocol.PlayerInfo{UserID: id.UserID, Username: id.Username}
	}
	return protocol.PlayerInfo{Username: "guest"}
}

// codeAlphabet avoids visually confusable characters (no 0/O, 1/I/L, B/8).
const codeAlphabet = "23456789ACDEFGHJKMNPQRSTUVWXYZ"

const codeLength = 4

// newRoomCode draws a random 4-char code from the unambiguous alphabet.
// Uniqueness among live rooms is the caller's job.
func newRoomCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}
