package arena

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsumura510/stonesheet/internal/account"
	"github.com/tsumura510/stonesheet/internal/archive"
	"github.com/tsumura510/stonesheet/internal/invite"
	"github.com/tsumura510/stonesheet/internal/obslog"
	"github.com/tsumura510/stonesheet/internal/protocol"
	"github.com/tsumura510/stonesheet/internal/rating"
)

// Config carries the coordinator's timing knobs.
type Config struct {
	DefaultTotalEnds int
	GracePeriod      time.Duration
	HardPeriod       time.Duration
	RoomTTL          time.Duration
	SweepInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTotalEnds <= 0 {
		c.DefaultTotalEnds = 8
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.HardPeriod <= 0 {
		c.HardPeriod = 120 * time.Second
	}
	if c.RoomTTL <= 0 {
		c.RoomTTL = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Archiver persists finished matches. Calls are fire-and-forget.
type Archiver interface {
	SaveMatch(ctx context.Context, rec archive.MatchRecord) error
}

// Hub is the session coordinator: it owns the room table, the matchmaking
// queue, and routes every inbound frame. One mutex guards all tables,
// which gives each handler the run-to-completion semantics the protocol
// relies on; timer callbacks re-acquire it and re-validate their
// precondition, because a reconnect may have raced ahead of them.
type Hub struct {
	cfg Config

	accounts account.Service
	ratings  rating.Recorder
	archive  Archiver
	broker   *invite.Broker

	bind   func(p Peer, id *account.Identity)
	lookup func(userID string) Peer

	mu     sync.Mutex
	rooms  map[string]*Room
	byPeer map[Peer]*Room
	queue  matchQueue

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHub(cfg Config) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		cfg:    cfg,
		rooms:  make(map[string]*Room),
		byPeer: make(map[Peer]*Room),
		stopCh: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// AttachAccounts wires the external account service.
func (h *Hub) AttachAccounts(s account.Service) { h.accounts = s }

// AttachRatings wires the external rating service.
func (h *Hub) AttachRatings(r rating.Recorder) { h.ratings = r }

// AttachArchive wires the finished-match archive.
func (h *Hub) AttachArchive(a Archiver) { h.archive = a }

// AttachBroker wires the invite broker.
func (h *Hub) AttachBroker(b *invite.Broker) { h.broker = b }

// SetDirectory wires identity binding and user→conn lookup, normally
// backed by the transport registry.
func (h *Hub) SetDirectory(bind func(Peer, *account.Identity), lookup func(string) Peer) {
	h.bind = bind
	h.lookup = lookup
}

func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// HandleMessage routes one decoded frame. The switch is exhaustive over
// the protocol's client sum type; anything that falls through is a
// programming error caught at review, not a runtime string match.
func (h *Hub) HandleMessage(p Peer, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Auth:
		h.handleAuth(p, m)
	case protocol.CreateRoom:
		h.handleCreateRoom(p, m)
	case protocol.JoinRoom:
		h.handleJoinRoom(p, m)
	case protocol.JoinQueue:
		h.handleJoinQueue(p)
	case protocol.LeaveQueue:
		h.handleLeaveQueue(p)
	case protocol.Throw:
		h.handleThrow(p, m)
	case protocol.SweepStart:
		h.relaySweep(p, "start", m.Level)
	case protocol.SweepChange:
		h.relaySweep(p, "change", m.Level)
	case protocol.SweepStop:
		h.relaySweep(p, "stop", 0)
	case protocol.GameStateSync:
		h.handleSync(p, m)
	case protocol.GameOver:
		h.handleGameOver(p, m)
	case protocol.Rematch:
		h.handleRematch(p)
	case protocol.Leave:
		h.handleLeave(p)
	case protocol.Reconnect:
		h.handleReconnect(p, m)
	case protocol.SendGameInvite:
		h.handleSendInvite(p, m)
	case protocol.AcceptGameInvite:
		h.handleAcceptInvite(p, m)
	case protocol.DenyGameInvite:
		if h.broker != nil {
			h.broker.Deny(p, m.InviteID)
		}
	case protocol.CancelGameInvite:
		if h.broker != nil {
			h.broker.Cancel(p, m.InviteID)
		}
	case protocol.Ping:
		p.Send(protocol.NewPong())
	}
}

// HandleClose is the single cleanup path for every dead transport,
// crashed or polite. The slot empties immediately; the opponent hears
// nothing until the grace timer says a quick reconnect is off the table.
func (h *Hub) HandleClose(p Peer) {
	id := p.Identity()

	h.mu.Lock()
	h.queue.remove(p)
	r := h.byPeer[p]
	if r != nil {
		slot := r.slotOf(p)
		delete(h.byPeer, p)
		r.players[slot] = nil
		switch {
		case r.phase == PhaseWaiting:
			// Lone host gone from an unfilled room; nothing to wait for.
			h.destroyRoomLocked(r)
		case r.occupied() == 0 && !r.timersPending():
			h.destroyRoomLocked(r)
		default:
			s := slot
			r.graceTimer[slot] = time.AfterFunc(h.cfg.GracePeriod, func() {
				h.onGraceExpired(r, s)
			})
		}
	}
	h.mu.Unlock()

	if h.broker != nil {
		h.broker.CleanupPeer(p)
		if id != nil {
			h.broker.Presence(id.UserID, protocol.PresenceOffline)
		}
	}
}

func (h *Hub) handleAuth(p Peer, m protocol.Auth) {
	if h.accounts == nil {
		p.Send(protocol.NewAuthError("auth_unavailable"))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := h.accounts.Authenticate(ctx, m.Token)
		if err != nil {
			obslog.L().Info("auth_reject", zap.Error(err))
			p.Send(protocol.NewAuthError("invalid_token"))
			return
		}
		if h.bind != nil {
			h.bind(p, id)
		}
		p.Send(protocol.NewAuthOK(id.UserID, id.Username))
		status := protocol.PresenceOnline
		if h.peerBusy(p) {
			status = protocol.PresenceInGame
		}
		if h.broker != nil {
			h.broker.Presence(id.UserID, status)
		}
		obslog.L().Info("auth_ok", zap.String("user_id", id.UserID))
	}()
}

func (h *Hub) handleCreateRoom(p Peer, m protocol.CreateRoom) {
	totalEnds := m.TotalEnds
	if totalEnds <= 0 {
		totalEnds = h.cfg.DefaultTotalEnds
	}

	h.mu.Lock()
	if h.byPeer[p] != nil {
		h.mu.Unlock()
		p.Send(protocol.NewRoomError(protocol.ReasonAlreadyInGame))
		return
	}
	code, err := h.allocCodeLocked()
	if err != nil {
		h.mu.Unlock()
		obslog.L().Error("room_code_alloc", zap.Error(err))
		return
	}
	r := newRoom(code, p, totalEnds)
	h.rooms[code] = r
	h.byPeer[p] = r
	h.queue.remove(p)
	h.mu.Unlock()

	p.Send(protocol.NewRoomCreated(code, totalEnds))
	h.presence(p, protocol.PresenceInGame)
	obslog.L().Info("room_create", zap.String("code", code), zap.Int("total_ends", totalEnds))
}

func (h *Hub) handleJoinRoom(p Peer, m protocol.JoinRoom) {
	code := normalizeCode(m.Code)

	h.mu.Lock()
	r := h.rooms[code]
	if r == nil {
		h.mu.Unlock()
		p.Send(protocol.NewRoomError(protocol.ReasonRoomNotFound))
		return
	}
	if h.byPeer[p] != nil {
		h.mu.Unlock()
		p.Send(protocol.NewRoomError(protocol.ReasonAlreadyInGame))
		return
	}
	slot := r.emptySlot()
	if slot < 0 || r.phase != PhaseWaiting {
		h.mu.Unlock()
		p.Send(protocol.NewRoomError(protocol.ReasonRoomFull))
		return
	}
	r.players[slot] = p
	h.byPeer[p] = r
	h.queue.remove(p)
	r.phase = PhasePlaying
	r.turn = TeamRed
	host := r.player(Team(slot).Other())
	h.sendGameStartLocked(r)
	h.mu.Unlock()

	h.presence(p, protocol.PresenceInGame)
	h.presence(host, protocol.PresenceInGame)
	obslog.L().Info("room_join", zap.String("code", code))
}

func (h *Hub) handleJoinQueue(p Peer) {
	h.mu.Lock()
	if h.byPeer[p] != nil {
		h.mu.Unlock()
		p.Send(protocol.NewRoomError(protocol.ReasonAlreadyInGame))
		return
	}
	h.queue.enqueue(p)
	p.Send(protocol.NewQueueJoined())
	for {
		a, b, ok := h.queue.nextPair()
		if !ok {
			break
		}
		h.startMatchLocked(a, b)
	}
	h.mu.Unlock()
}

func (h *Hub) handleLeaveQueue(p Peer) {
	h.mu.Lock()
	h.queue.remove(p)
	h.mu.Unlock()
}

// handleThrow enforces turn authority. The turn flips to the other team
// as part of relaying the throw, under the same lock hold: the two
// players can never observe a moment where both (or neither) may act.
func (h *Hub) handleThrow(p Peer, m protocol.Throw) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.byPeer[p]
	if r == nil || r.phase != PhasePlaying {
		return
	}
	slot := r.slotOf(p)
	if slot < 0 || Team(slot) != r.turn {
		// Out-of-turn throws are benign races; drop without a reply.
		return
	}
	r.turn = r.turn.Other()
	if opp := r.player(r.turn); opp != nil {
		opp.Send(protocol.NewOpponentThrow(m))
	}
}

func (h *Hub) relaySweep(p Peer, action string, level float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.byPeer[p]
	if r == nil || r.phase != PhasePlaying {
		return
	}
	slot := r.slotOf(p)
	if slot < 0 {
		return
	}
	// No turn check: the thrower keeps sweeping after the flip.
	if opp := r.player(Team(slot).Other()); opp != nil {
		opp.Send(protocol.NewOpponentSweep(action, level))
	}
}

func (h *Hub) handleSync(p Peer, m protocol.GameStateSync) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.byPeer[p]
	if r == nil {
		return
	}
	// Last writer wins; the blob is never parsed here.
	r.snapshot = m.Snapshot
}

func (h *Hub) handleGameOver(p Peer, m protocol.GameOver) {
	h.mu.Lock()
	r := h.byPeer[p]
	if r == nil || r.phase != PhasePlaying || r.resultRecorded {
		h.mu.Unlock()
		return
	}
	r.resultRecorded = true
	r.phase = PhaseFinished

	red, yellow := r.player(TeamRed), r.player(TeamYellow)
	redInfo, yellowInfo := r.info(TeamRed), r.info(TeamYellow)
	rec := archive.MatchRecord{
		RoomCode:    r.Code,
		RedID:       redInfo.UserID,
		RedName:     redInfo.Username,
		YellowID:    yellowInfo.UserID,
		YellowName:  yellowInfo.Username,
		RedScore:    m.RedScore,
		YellowScore: m.YellowScore,
		EndCount:    m.EndCount,
		TotalEnds:   r.TotalEnds,
		FinishedAt:  time.Now(),
	}
	h.mu.Unlock()

	obslog.L().Info("match_result",
		zap.String("code", rec.RoomCode),
		zap.Int("red_score", m.RedScore),
		zap.Int("yellow_score", m.YellowScore),
		zap.Int("end_count", m.EndCount),
	)

	// Rating and archive run off the lock; failures degrade to a no-op
	// rather than touching the finished match.
	go h.recordResult(rec, red, yellow)
}

func (h *Hub) recordResult(rec archive.MatchRecord, red, yellow Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if h.ratings != nil && rec.RedID != "" && rec.YellowID != "" {
		res, err := h.ratings.RecordResult(ctx, rec.RedID, rec.YellowID, rec.RedScore, rec.YellowScore)
		if err != nil {
			obslog.L().Warn("rating_record_error", zap.String("code", rec.RoomCode), zap.Error(err))
		} else {
			if red != nil {
				red.Send(protocol.NewRatingUpdate(res.RedRank))
			}
			if yellow != nil {
				yellow.Send(protocol.NewRatingUpdate(res.YellowRank))
			}
		}
	}
	if h.archive != nil {
		if err := h.archive.SaveMatch(ctx, rec); err != nil {
			obslog.L().Warn("match_archive_error", zap.String("code", rec.RoomCode), zap.Error(err))
		}
	}
}

func (h *Hub) handleRematch(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.byPeer[p]
	if r == nil || r.phase != PhaseFinished {
		return
	}
	slot := r.slotOf(p)
	if slot < 0 {
		return
	}
	if r.rematchFrom == nil {
		r.rematchFrom = p
		if opp := r.player(Team(slot).Other()); opp != nil {
			opp.Send(protocol.NewRematchRequested())
		}
		obslog.L().Info("rematch_request", zap.String("code", r.Code))
		return
	}
	if r.rematchFrom == p {
		return
	}
	// Both players asked: reset the room for another game.
	r.phase = PhasePlaying
	r.turn = TeamRed
	r.resultRecorded = false
	r.snapshot = nil
	r.rematchFrom = nil
	h.sendGameStartLocked(r)
	obslog.L().Info("rematch_start", zap.String("code", r.Code))
}

func (h *Hub) handleLeave(p Peer) {
	h.mu.Lock()
	r := h.byPeer[p]
	if r == nil {
		h.mu.Unlock()
		return
	}
	slot := r.slotOf(p)
	opp := r.player(Team(slot).Other())
	h.destroyRoomLocked(r)
	h.mu.Unlock()

	if opp != nil {
		opp.Send(protocol.NewOpponentLeft())
		h.presence(opp, protocol.PresenceOnline)
	}
	h.presence(p, protocol.PresenceOnline)
	obslog.L().Info("room_leave", zap.String("code", r.Code))
}

func (h *Hub) handleReconnect(p Peer, m protocol.Reconnect) {
	code := normalizeCode(m.Code)

	h.mu.Lock()
	r := h.rooms[code]
	if r == nil || r.phase == PhaseWaiting || h.byPeer[p] != nil {
		h.mu.Unlock()
		p.Send(protocol.NewReconnectFailed())
		return
	}
	slot := r.emptySlot()
	if slot < 0 {
		// Heartbeat detection lags real socket death: an occupant whose
		// transport is already gone may still hold the slot. Evict it.
		for i, q := range r.players {
			if q != nil && !q.Open() {
				delete(h.byPeer, q)
				r.players[i] = nil
				r.cancelTimers(i)
				slot = i
				obslog.L().Info("reconnect_evict_zombie", zap.String("code", code), zap.Int("slot", i))
				break
			}
		}
	}
	if slot < 0 {
		h.mu.Unlock()
		p.Send(protocol.NewReconnectFailed())
		return
	}
	r.players[slot] = p
	r.cancelTimers(slot)
	h.byPeer[p] = r
	team := Team(slot)
	opp := r.player(team.Other())
	oppInfo := r.info(team.Other())
	selfInfo := r.info(team)
	snapshot := r.snapshot
	h.mu.Unlock()

	p.Send(protocol.NewReconnected(team.String(), snapshot, oppInfo, code))
	if opp != nil {
		opp.Send(protocol.NewOpponentReconnected(selfInfo))
	}
	h.presence(p, protocol.PresenceInGame)
	obslog.L().Info("reconnect_ok", zap.String("code", code), zap.String("team", team.String()))
}

func (h *Hub) handleSendInvite(p Peer, m protocol.SendGameInvite) {
	if h.broker == nil {
		return
	}
	var target Peer
	if h.lookup != nil {
		target = h.lookup(m.ToUserID)
	}
	pair := h.broker.Send(p, target, m.ToUserID, h.userBusy(m.ToUserID))
	if pair != nil {
		h.StartMatch(pair.A, pair.B)
	}
}

func (h *Hub) handleAcceptInvite(p Peer, m protocol.AcceptGameInvite) {
	if h.broker == nil {
		return
	}
	pair := h.broker.Accept(p, m.InviteID)
	if pair == nil {
		return
	}
	if h.peerBusy(pair.A) || h.peerBusy(pair.B) {
		p.Send(protocol.NewGameInviteError(protocol.ReasonInviteBusy))
		return
	}
	h.StartMatch(pair.A, pair.B)
}

// StartMatch pairs two peers into a fresh room with random team
// assignment and starts play immediately.
func (h *Hub) StartMatch(a, b Peer) {
	h.mu.Lock()
	if h.byPeer[a] != nil || h.byPeer[b] != nil {
		h.mu.Unlock()
		return
	}
	h.startMatchLocked(a, b)
	h.mu.Unlock()

	h.presence(a, protocol.PresenceInGame)
	h.presence(b, protocol.PresenceInGame)
}

func (h *Hub) startMatchLocked(a, b Peer) {
	if coinFlip() {
		a, b = b, a
	}
	code, err := h.allocCodeLocked()
	if err != nil {
		obslog.L().Error("room_code_alloc", zap.Error(err))
		return
	}
	r := newRoom(code, a, h.cfg.DefaultTotalEnds)
	r.players[TeamYellow] = b
	r.phase = PhasePlaying
	r.turn = TeamRed
	h.rooms[code] = r
	h.byPeer[a] = r
	h.byPeer[b] = r
	h.queue.remove(a)
	h.queue.remove(b)
	h.sendGameStartLocked(r)
	obslog.L().Info("match_start", zap.String("code", code))
}

func (h *Hub) sendGameStartLocked(r *Room) {
	for slot, q := range r.players {
		if q == nil {
			continue
		}
		team := Team(slot)
		q.Send(protocol.NewGameStart(team.String(), r.info(team.Other()), r.TotalEnds, r.Code))
	}
}

// onGraceExpired fires after the quiet window. The slot may have been
// refilled between scheduling and firing, and a destroyed room's code may
// even have been reallocated to a fresh room; compare the room identity,
// not just the code, before telling anyone.
func (h *Hub) onGraceExpired(r *Room, slot int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.Code] != r {
		return
	}
	r.graceTimer[slot] = nil
	if r.players[slot] != nil {
		return
	}
	if opp := r.player(Team(slot).Other()); opp != nil {
		opp.Send(protocol.NewOpponentDisconnected())
	}
	s := slot
	r.hardTimer[slot] = time.AfterFunc(h.cfg.HardPeriod, func() {
		h.onHardExpired(r, s)
	})
	obslog.L().Info("disconnect_grace_expired", zap.String("code", r.Code), zap.Int("slot", slot))
}

func (h *Hub) onHardExpired(r *Room, slot int) {
	h.mu.Lock()
	if h.rooms[r.Code] != r {
		h.mu.Unlock()
		return
	}
	r.hardTimer[slot] = nil
	if r.players[slot] != nil {
		h.mu.Unlock()
		return
	}
	opp := r.player(Team(slot).Other())
	h.destroyRoomLocked(r)
	h.mu.Unlock()

	if opp != nil {
		opp.Send(protocol.NewOpponentLeft())
		h.presence(opp, protocol.PresenceOnline)
	}
	obslog.L().Info("room_abandoned", zap.String("code", r.Code), zap.Int("slot", slot))
}

func (h *Hub) destroyRoomLocked(r *Room) {
	r.cancelAllTimers()
	delete(h.rooms, r.Code)
	for _, q := range r.players {
		if q != nil && h.byPeer[q] == r {
			delete(h.byPeer, q)
		}
	}
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.sweepStaleRooms()
			if h.broker != nil {
				h.broker.Sweep()
			}
		}
	}
}

// sweepStaleRooms reaps rooms that were created long ago and never
// filled. Playing rooms are never reaped here; the disconnect timers own
// their teardown.
func (h *Hub) sweepStaleRooms() {
	cutoff := time.Now().Add(-h.cfg.RoomTTL)
	var evicted []Peer

	h.mu.Lock()
	for _, r := range h.rooms {
		if r.phase != PhaseWaiting || !r.CreatedAt.Before(cutoff) {
			continue
		}
		for _, q := range r.players {
			if q != nil {
				evicted = append(evicted, q)
			}
		}
		h.destroyRoomLocked(r)
		obslog.L().Info("room_expired", zap.String("code", r.Code))
	}
	h.mu.Unlock()

	for _, q := range evicted {
		q.Send(protocol.NewRoomExpired())
		h.presence(q, protocol.PresenceOnline)
	}
}

// userBusy reports whether the user with this id occupies any room.
func (h *Hub) userBusy(userID string) bool {
	if userID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.byPeer {
		if id := p.Identity(); id != nil && id.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) peerBusy(p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byPeer[p] != nil
}

func (h *Hub) presence(p Peer, status string) {
	if p == nil || h.broker == nil {
		return
	}
	if id := p.Identity(); id != nil {
		h.broker.Presence(id.UserID, status)
	}
}

func (h *Hub) allocCodeLocked() (string, error) {
	for i := 0; i < 5; i++ {
		code, err := newRoomCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to allocate room code")
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	return err == nil && n.Int64() == 1
}
