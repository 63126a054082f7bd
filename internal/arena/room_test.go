package arena

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRoomAccessors(t *testing.T) {
	host := newFakePeer("u1", "alice")
	r := newRoom("AB2C", host, 8)

	if r.Phase() != PhaseWaiting {
		t.Fatalf("fresh room phase %s", r.Phase())
	}
	if r.slotOf(host) != int(TeamRed) || r.emptySlot() != int(TeamYellow) {
		t.Fatalf("host not in the red slot")
	}

	r.players[TeamYellow] = newFakePeer("", "")
	r.phase = PhasePlaying
	r.turn = TeamRed
	if r.Turn() != TeamRed || r.Turn().Other() != TeamYellow {
		t.Fatalf("turn bookkeeping broken")
	}
	if TeamRed.String() != "red" || TeamYellow.String() != "yellow" {
		t.Fatalf("team names wrong")
	}

	if got := r.info(TeamRed); got.UserID != "u1" || got.Username != "alice" {
		t.Fatalf("red info %+v", got)
	}
	if got := r.info(TeamYellow); got.Username != "guest" {
		t.Fatalf("guest info %+v", got)
	}
	r.players[TeamYellow] = nil
	if got := r.info(TeamYellow); got.Username != "unknown" {
		t.Fatalf("empty slot info %+v", got)
	}

	r.snapshot = json.RawMessage(`{"end":2}`)
	if string(r.Snapshot()) != `{"end":2}` {
		t.Fatalf("snapshot accessor altered the blob")
	}
	if r.ResultRecorded() {
		t.Fatalf("fresh room has a recorded result")
	}
	r.resultRecorded = true
	if !r.ResultRecorded() {
		t.Fatalf("result flag lost")
	}
}

func TestRoomTimerBookkeeping(t *testing.T) {
	r := newRoom("AB2C", newFakePeer("", ""), 8)
	if r.timersPending() {
		t.Fatalf("fresh room reports pending timers")
	}
	r.graceTimer[0] = time.AfterFunc(time.Hour, func() {})
	r.hardTimer[1] = time.AfterFunc(time.Hour, func() {})
	if !r.timersPending() {
		t.Fatalf("armed timers not reported")
	}
	r.cancelTimers(0)
	if !r.timersPending() {
		t.Fatalf("slot 1 timer lost with slot 0's")
	}
	r.cancelAllTimers()
	if r.timersPending() {
		t.Fatalf("timers survived cancelAllTimers")
	}
}
