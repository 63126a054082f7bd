package invite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/protocol"
)

type fakePeer struct {
	mu   sync.Mutex
	msgs []any
	dead bool
	id   *account.Identity
}

func newFakePeer(userID string) *fakePeer {
	if userID == "" {
		return &fakePeer{}
	}
	return &fakePeer{id: &account.Identity{UserID: userID, Username: userID}}
}

func (p *fakePeer) Send(v any) {
	p.mu.Lock()
	p.msgs = append(p.msgs, v)
	p.mu.Unlock()
}

func (p *fakePeer) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

func (p *fakePeer) Identity() *account.Identity { return p.id }

func (p *fakePeer) lastError() (protocol.GameInviteError, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if e, ok := p.msgs[i].(protocol.GameInviteError); ok {
			return e, true
		}
	}
	return protocol.GameInviteError{}, false
}

func (p *fakePeer) countOf(match func(any) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func isType[T any](v any) bool { _, ok := v.(T); return ok }

func sendInvite(t *testing.T, b *Broker, from, to *fakePeer) string {
	t.Helper()
	if pair := b.Send(from, to, to.id.UserID, false); pair != nil {
		t.Fatalf("unexpected immediate pair")
	}
	from.mu.Lock()
	defer from.mu.Unlock()
	for i := len(from.msgs) - 1; i >= 0; i-- {
		if s, ok := from.msgs[i].(protocol.GameInviteSent); ok {
			return s.InviteID
		}
	}
	t.Fatalf("no game_invite_sent ack: %+v", from.msgs)
	return ""
}

func TestSendAndAccept(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")

	id := sendInvite(t, b, alice, bob)
	if bob.countOf(isType[protocol.GameInvite]) != 1 {
		t.Fatalf("target got no invite")
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d", b.Pending())
	}

	pair := b.Accept(bob, id)
	if pair == nil {
		t.Fatalf("accept returned no pair")
	}
	if pair.A != Peer(alice) || pair.B != Peer(bob) {
		t.Fatalf("pair misordered")
	}
	if b.Pending() != 0 {
		t.Fatalf("invite not cleared after accept")
	}
}

func TestAcceptWrongParty(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	eve := newFakePeer("eve")

	id := sendInvite(t, b, alice, bob)
	if pair := b.Accept(eve, id); pair != nil {
		t.Fatalf("stranger accepted someone else's invite")
	}
	if e, ok := eve.lastError(); !ok || e.Reason != protocol.ReasonInviteNotFound {
		t.Fatalf("expected invite_not_found, got %+v", e)
	}
	// The invite survives the failed grab.
	if b.Pending() != 1 {
		t.Fatalf("invite destroyed by wrong-party accept")
	}
}

func TestDenyNotifiesSender(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")

	id := sendInvite(t, b, alice, bob)
	b.Deny(bob, id)
	if alice.countOf(isType[protocol.GameInviteDenied]) != 1 {
		t.Fatalf("sender not told about the deny")
	}
	if b.Pending() != 0 {
		t.Fatalf("invite not cleared after deny")
	}
}

func TestCancelNotifiesTarget(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")

	id := sendInvite(t, b, alice, bob)
	b.Cancel(alice, id)
	if bob.countOf(isType[protocol.GameInviteCancelled]) != 1 {
		t.Fatalf("target not told about the cancel")
	}
	// Only the sender may cancel.
	id = sendInvite(t, b, alice, bob)
	b.Cancel(bob, id)
	if b.Pending() != 1 {
		t.Fatalf("target cancelled the sender's invite")
	}
}

func TestSendRejections(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	guest := newFakePeer("")

	if b.Send(guest, bob, "bob", false) != nil {
		t.Fatalf("guest invite produced a pair")
	}
	if e, _ := guest.lastError(); e.Reason != protocol.ReasonAuthRequired {
		t.Fatalf("expected auth_required, got %q", e.Reason)
	}

	b.Send(alice, alice, "alice", false)
	if e, _ := alice.lastError(); e.Reason != protocol.ReasonInviteSelf {
		t.Fatalf("expected self_invite, got %q", e.Reason)
	}

	b.Send(alice, nil, "carol", false)
	if e, _ := alice.lastError(); e.Reason != protocol.ReasonInviteOffline {
		t.Fatalf("expected user_offline, got %q", e.Reason)
	}

	b.Send(alice, bob, "bob", true)
	if e, _ := alice.lastError(); e.Reason != protocol.ReasonInviteBusy {
		t.Fatalf("expected user_in_game, got %q", e.Reason)
	}

	sendInvite(t, b, alice, bob)
	b.Send(alice, bob, "bob", false)
	if e, _ := alice.lastError(); e.Reason != protocol.ReasonInviteDuplicate {
		t.Fatalf("expected duplicate_invite, got %q", e.Reason)
	}
	if b.Pending() != 1 {
		t.Fatalf("duplicate created a second invite")
	}
}

func TestCrossedInvitesMatchImmediately(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")

	sendInvite(t, b, alice, bob)
	pair := b.Send(bob, alice, "alice", false)
	if pair == nil {
		t.Fatalf("crossed invites did not match")
	}
	if pair.A != Peer(alice) || pair.B != Peer(bob) {
		t.Fatalf("earlier inviter should be A")
	}
	if b.Pending() != 0 {
		t.Fatalf("pending = %d after mutual match", b.Pending())
	}
}

func TestSweepExpiresOldInvites(t *testing.T) {
	b := NewBroker(10*time.Millisecond, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")

	sendInvite(t, b, alice, bob)
	time.Sleep(25 * time.Millisecond)
	b.Sweep()

	if e, ok := alice.lastError(); !ok || e.Reason != protocol.ReasonInviteExpired {
		t.Fatalf("sender not told about expiry: %+v", e)
	}
	if b.Pending() != 0 {
		t.Fatalf("expired invite still pending")
	}
}

func TestCleanupPeerDropsBothDirections(t *testing.T) {
	b := NewBroker(time.Minute, nil, nil)
	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	carol := newFakePeer("carol")

	sendInvite(t, b, alice, bob)
	sendInvite(t, b, carol, alice)
	b.CleanupPeer(alice)
	if b.Pending() != 0 {
		t.Fatalf("invites touching a dead peer survived: %d", b.Pending())
	}
}

func TestPresenceFanOutToFriendsOnly(t *testing.T) {
	friendPeer := newFakePeer("friend")
	stranger := newFakePeer("stranger")

	friends := func(_ context.Context, userID string) ([]string, error) {
		if userID != "alice" {
			t.Errorf("friends queried for %q", userID)
		}
		return []string{"friend", "offline-friend"}, nil
	}
	lookup := func(userID string) Peer {
		if userID == "friend" {
			return friendPeer
		}
		return nil
	}

	b := NewBroker(time.Minute, friends, lookup)
	b.Presence("alice", protocol.PresenceInGame)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if friendPeer.countOf(isType[protocol.FriendPresence]) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fp, ok := func() (protocol.FriendPresence, bool) {
		friendPeer.mu.Lock()
		defer friendPeer.mu.Unlock()
		for _, m := range friendPeer.msgs {
			if v, ok := m.(protocol.FriendPresence); ok {
				return v, true
			}
		}
		return protocol.FriendPresence{}, false
	}()
	if !ok {
		t.Fatalf("friend got no presence update")
	}
	if fp.UserID != "alice" || fp.Status != protocol.PresenceInGame {
		t.Fatalf("bad presence frame: %+v", fp)
	}
	if stranger.countOf(isType[protocol.FriendPresence]) != 0 {
		t.Fatalf("presence leaked to a non-friend")
	}
}
