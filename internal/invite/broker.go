package invite

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/obslog"
	"github.com/tsumura510/stonesheet/internal/protocol"
)

// Peer is the broker's view of a live connection.
type Peer interface {
	Send(v any)
	Open() bool
	Identity() *account.Identity
}

// PendingInvite is one outstanding friend-to-friend game invitation.
type PendingInvite struct {
	ID        string
	FromUser  string
	ToUser    string
	CreatedAt time.Time

	from Peer
	to   Peer
}

// MatchPair is the broker's instruction to start a match between two
// peers. A is the earlier inviter.
type MatchPair struct {
	A Peer
	B Peer
}

// FriendSource resolves a user's accepted friend set. May hit the network;
// the broker only calls it from fan-out goroutines.
type FriendSource func(ctx context.Context, userID string) ([]string, error)

// LookupFunc finds the live peer bound to a user id, or nil.
type LookupFunc func(userID string) Peer

// Broker owns pending invitations and the friend-presence fan-out.
type Broker struct {
	mu      sync.Mutex
	invites map[string]*PendingInvite

	ttl     time.Duration
	friends FriendSource
	lookup  LookupFunc
}

func NewBroker(ttl time.Duration, friends FriendSource, lookup LookupFunc) *Broker {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Broker{
		invites: make(map[string]*PendingInvite),
		ttl:     ttl,
		friends: friends,
		lookup:  lookup,
	}
}

// Send handles send_game_invite. targetBusy tells the broker whether the
// target is already in a match (the caller knows room membership). The
// returned pair is non-nil when crossed invites resolved into an immediate
// match; both invites are cleared and no accept dance happens.
func (b *Broker) Send(from Peer, target Peer, toUserID string, targetBusy bool) *MatchPair {
	id := from.Identity()
	if id == nil {
		from.Send(protocol.NewGameInviteError(protocol.ReasonAuthRequired))
		return nil
	}
	if id.UserID == toUserID {
		from.Send(protocol.NewGameInviteError(protocol.ReasonInviteSelf))
		return nil
	}
	if target == nil || !target.Open() {
		from.Send(protocol.NewGameInviteError(protocol.ReasonInviteOffline))
		return nil
	}
	if targetBusy {
		from.Send(protocol.NewGameInviteError(protocol.ReasonInviteBusy))
		return nil
	}

	b.mu.Lock()
	// Crossed invites: the target already invited us. Clear theirs and
	// start immediately instead of a confusing double accept.
	if inv := b.findLocked(toUserID, id.UserID); inv != nil {
		delete(b.invites, inv.ID)
		b.mu.Unlock()
		obslog.L().Info("invite_mutual",
			zap.String("user_a", inv.FromUser),
			zap.String("user_b", id.UserID),
		)
		return &MatchPair{A: inv.from, B: from}
	}
	if inv := b.findLocked(id.UserID, toUserID); inv != nil {
		b.mu.Unlock()
		from.Send(protocol.NewGameInviteError(protocol.ReasonInviteDuplicate))
		return nil
	}

	inv := &PendingInvite{
		ID:        uuid.NewString(),
		FromUser:  id.UserID,
		ToUser:    toUserID,
		CreatedAt: time.Now(),
		from:      from,
		to:        target,
	}
	b.invites[inv.ID] = inv
	b.mu.Unlock()

	target.Send(protocol.NewGameInvite(inv.ID, protocol.PlayerInfo{UserID: id.UserID, Username: id.Username}))
	from.Send(protocol.NewGameInviteSent(inv.ID))
	obslog.L().Info("invite_send",
		zap.String("invite_id", inv.ID),
		zap.String("from", inv.FromUser),
		zap.String("to", inv.ToUser),
	)
	return nil
}

// Accept resolves an invite addressed to p. Returns the pair to match, or
// nil after notifying p of the failure.
func (b *Broker) Accept(p Peer, inviteID string) *MatchPair {
	inv := b.take(p, inviteID, false)
	if inv == nil {
		p.Send(protocol.NewGameInviteError(protocol.ReasonInviteNotFound))
		return nil
	}
	if !inv.from.Open() {
		p.Send(protocol.NewGameInviteError(protocol.ReasonInviteOffline))
		return nil
	}
	obslog.L().Info("invite_accept", zap.String("invite_id", inv.ID))
	return &MatchPair{A: inv.from, B: p}
}

// Deny removes an invite addressed to p and tells the sender.
func (b *Broker) Deny(p Peer, inviteID string) {
	inv := b.take(p, inviteID, false)
	if inv == nil {
		p.Send(protocol.NewGameInviteError(protocol.ReasonInviteNotFound))
		return
	}
	inv.from.Send(protocol.NewGameInviteDenied())
	obslog.L().Info("invite_deny", zap.String("invite_id", inv.ID))
}

// Cancel removes an invite sent by p and tells the target.
func (b *Broker) Cancel(p Peer, inviteID string) {
	inv := b.take(p, inviteID, true)
	if inv == nil {
		p.Send(protocol.NewGameInviteError(protocol.ReasonInviteNotFound))
		return
	}
	inv.to.Send(protocol.NewGameInviteCancelled())
	obslog.L().Info("invite_cancel", zap.String("invite_id", inv.ID))
}

// CleanupPeer drops every invite touching a dead connection.
func (b *Broker) CleanupPeer(p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, inv := range b.invites {
		if inv.from == p || inv.to == p {
			delete(b.invites, id)
		}
	}
}

// Sweep expires invites older than the TTL, notifying the sender.
func (b *Broker) Sweep() {
	cutoff := time.Now().Add(-b.ttl)
	var expired []*PendingInvite
	b.mu.Lock()
	for id, inv := range b.invites {
		if inv.CreatedAt.Before(cutoff) {
			delete(b.invites, id)
			expired = append(expired, inv)
		}
	}
	b.mu.Unlock()
	for _, inv := range expired {
		inv.from.Send(protocol.NewGameInviteError(protocol.ReasonInviteExpired))
		obslog.L().Info("invite_expired", zap.String("invite_id", inv.ID))
	}
}

// Pending returns the number of outstanding invites.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.invites)
}

// Presence pushes userID's new status to that user's accepted friends
// only. The friend fetch and fan-out run off the caller's goroutine.
func (b *Broker) Presence(userID, status string) {
	if b.friends == nil || b.lookup == nil || userID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		friends, err := b.friends(ctx, userID)
		if err != nil {
			obslog.L().Warn("presence_friends_error", zap.String("user_id", userID), zap.Error(err))
			return
		}
		msg := protocol.NewFriendPresence(userID, status)
		for _, f := range friends {
			if peer := b.lookup(f); peer != nil {
				peer.Send(msg)
			}
		}
	}()
}

// findLocked returns the pending invite from→to, if any.
func (b *Broker) findLocked(fromUser, toUser string) *PendingInvite {
	for _, inv := range b.invites {
		if inv.FromUser == fromUser && inv.ToUser == toUser {
			return inv
		}
	}
	return nil
}

// take removes and returns the invite when p is its target (or its sender
// when asSender is set). Nil when the id is unknown or p is not a party.
func (b *Broker) take(p Peer, inviteID string, asSender bool) *PendingInvite {
	id := p.Identity()
	if id == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inv := b.invites[inviteID]
	if inv == nil {
		return nil
	}
	if asSender {
		if inv.FromUser != id.UserID {
			return nil
		}
	} else if inv.ToUser != id.UserID {
		return nil
	}
	delete(b.invites, inviteID)
	return inv
}
