package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientThrow(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"throw","aim":1.5,"weight":0.8,"spinDir":-1,"spinAmount":0.25}`))
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	th, ok := msg.(Throw)
	if !ok {
		t.Fatalf("expected Throw, got %T", msg)
	}
	if th.Aim != 1.5 || th.Weight != 0.8 || th.SpinDir != -1 || th.SpinAmount != 0.25 {
		t.Fatalf("bad payload: %+v", th)
	}
}

func TestDecodeClientBareKinds(t *testing.T) {
	cases := map[string]ClientMessage{
		`{"type":"join_queue"}`: JoinQueue{},
		`{"type":"leave"}`:      Leave{},
		`{"type":"rematch"}`:    Rematch{},
		`{"type":"sweep_stop"}`: SweepStop{},
		`{"type":"ping"}`:       Ping{},
	}
	for raw, want := range cases {
		msg, err := DecodeClient([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if msg != want {
			t.Fatalf("%s decoded to %T", raw, msg)
		}
	}
}

func TestDecodeClientSnapshotIsOpaque(t *testing.T) {
	raw := `{"type":"game_state_sync","snapshot":{"stones":[{"x":1.2}],"end":5}}`
	msg, err := DecodeClient([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	sync, ok := msg.(GameStateSync)
	if !ok {
		t.Fatalf("expected GameStateSync, got %T", msg)
	}
	if string(sync.Snapshot) != `{"stones":[{"x":1.2}],"end":5}` {
		t.Fatalf("snapshot altered: %s", sync.Snapshot)
	}
}

func TestDecodeClientErrors(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"type":"warp_stone"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := DecodeClient([]byte(`{broken`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := DecodeClient([]byte(`{"type":"throw","aim":"sideways"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for bad field, got %v", err)
	}
}

func TestServerConstructorsTagFrames(t *testing.T) {
	raw, err := json.Marshal(NewGameStart("red", PlayerInfo{Username: "bob"}, 8, "AB2C"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if head.Type != "game_start" {
		t.Fatalf("tag %q", head.Type)
	}

	raw, _ = json.Marshal(NewOpponentThrow(Throw{Aim: 2}))
	if err := json.Unmarshal(raw, &head); err != nil || head.Type != "opponent_throw" {
		t.Fatalf("opponent_throw tag: %s", raw)
	}
}
