package core

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pixsim/server/internal/protocol"
)

// Handler is the per-connection session: it performs the handshake and
// routes client events. All inbound frames for one connection are
// dispatched sequentially by the transport's read loop.
type Handler struct {
	broker *Broker
	conn   Conn

	mu         sync.Mutex
	username   string
	clientType string
	handshaken bool
	destroyed  bool
	room       *Room
	lastCreate time.Time

	// Guards maintained by the broker's sweep.
	events   atomic.Int64
	lastSeen atomic.Int64 // unix nanos of the last inbound frame
}

func newHandler(b *Broker, conn Conn) *Handler {
	h := &Handler{broker: b, conn: conn, username: "Unknown"}
	h.lastSeen.Store(time.Now().UnixNano())
	return h
}

// Username returns the handshaken username ("Unknown" before that).
func (h *Handler) Username() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.username
}

// ClientType returns the peer's dialect id.
func (h *Handler) ClientType() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientType
}

// Destroy tears the session down: room membership is dropped first, then
// the transport is closed and the handler unregistered. Idempotent.
func (h *Handler) Destroy(reason string, kicked bool) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	room := h.room
	h.mu.Unlock()

	if room != nil {
		room.Leave(h)
	}
	h.conn.Kill(reason, kicked)
	h.broker.removeHandler(h)
	slog.Debug("handler destroyed", "conn", h.conn.ID(), "user", h.Username(), "reason", reason)
}

// HandleEvent routes one inbound frame. Pre-handshake, only clientInfo
// is recognized; everything else is ignored.
func (h *Handler) HandleEvent(event string, data json.RawMessage) {
	h.events.Add(1)
	h.lastSeen.Store(time.Now().UnixNano())

	h.mu.Lock()
	ready := h.handshaken
	h.mu.Unlock()

	if !ready {
		if event == protocol.EvClientInfo {
			h.handleClientInfo(data)
		}
		return
	}

	switch event {
	case protocol.EvPing:
		h.conn.Send(protocol.EvPong, nil)

	case protocol.EvCreateGame:
		h.handleCreateGame()

	case protocol.EvCancelCreateGame, protocol.EvLeaveGame:
		if r := h.Room(); r != nil {
			r.Leave(h)
		}

	case protocol.EvGetPublicRooms:
		var req protocol.GetPublicRooms
		_ = json.Unmarshal(data, &req)
		h.conn.Send(protocol.EvPublicRooms, h.broker.PublicRooms(req.Type, req.Spectating))

	case protocol.EvJoinGame:
		h.handleJoinGame(data)

	case protocol.EvChangeTeam:
		var team int
		if err := json.Unmarshal(data, &team); err != nil || (team != 0 && team != 1) {
			return
		}
		if r := h.Room(); r != nil {
			r.ChangeTeam(h, team)
		}

	case protocol.EvGameType:
		var mode string
		if err := json.Unmarshal(data, &mode); err != nil {
			return
		}
		if r := h.Room(); r != nil {
			r.SetMode(h, mode)
		}

	case protocol.EvTeamSize:
		var size int
		if err := json.Unmarshal(data, &size); err != nil {
			return
		}
		if r := h.Room(); r != nil {
			r.SetTeamSize(h, size)
		}

	case protocol.EvAllowSpectators:
		var allow bool
		if err := json.Unmarshal(data, &allow); err != nil {
			return
		}
		if r := h.Room(); r != nil {
			r.SetAllowSpectators(h, allow)
		}

	case protocol.EvIsPublic:
		var public bool
		if err := json.Unmarshal(data, &public); err != nil {
			return
		}
		if r := h.Room(); r != nil {
			r.SetPublic(h, public)
		}

	case protocol.EvKickPlayer:
		var username string
		if err := json.Unmarshal(data, &username); err != nil {
			return
		}
		if r := h.Room(); r != nil {
			r.Kick(h, username)
		}

	case protocol.EvMovePlayer:
		var req protocol.MovePlayer
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if r := h.Room(); r != nil {
			r.Move(h, req)
		}

	case protocol.EvStartGame:
		if r := h.Room(); r != nil {
			r.Start(h)
		}

	case protocol.EvReady:
		if r := h.Room(); r != nil {
			r.Ready(h)
		}

	case protocol.EvGridSize:
		if r := h.Room(); r != nil {
			r.RelayGridSize(h, data)
		}

	case protocol.EvTick:
		if r := h.Room(); r != nil {
			r.RelayTick(h, data)
		}

	case protocol.EvInput:
		if r := h.Room(); r != nil {
			r.RelayInput(h, data)
		}

	case protocol.EvInputBatch:
		if r := h.Room(); r != nil {
			r.RelayInputBatch(h, data)
		}
	}
}

// handleClientInfo validates the handshake frame. The username must be a
// non-empty string and the client a known dialect; anything else
// destroys the handler.
func (h *Handler) handleClientInfo(data json.RawMessage) {
	var info protocol.ClientInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Username == "" || !validDialect(h.broker.conv.Formats(), info.Client) {
		h.Destroy("Invalid connection handshake data", false)
		return
	}

	// The password hook is wired but enforcement is off: a blob that
	// fails to decode is logged and the session continues.
	if info.Password != "" {
		if _, err := h.broker.keys.Decrypt(info.Password); err != nil {
			slog.Debug("password verification failed", "conn", h.conn.ID(), "err", err)
		}
	}

	h.mu.Lock()
	h.username = info.Username
	h.clientType = info.Client
	h.handshaken = true
	h.mu.Unlock()

	h.conn.Send(protocol.EvClientInfoReceived, nil)
	slog.Info("client connected", "conn", h.conn.ID(), "user", info.Username, "dialect", info.Client, "ip", h.conn.RemoteIP())
}

// handleCreateGame creates a room with this handler as host. A second
// createGame inside the cooldown window destroys the offender.
func (h *Handler) handleCreateGame() {
	h.mu.Lock()
	now := time.Now()
	spamming := now.Sub(h.lastCreate) < h.broker.limits.CreateGameCooldown
	h.lastCreate = now
	inRoom := h.room != nil
	h.mu.Unlock()

	if spamming {
		h.Destroy("game create spam", true)
		return
	}
	if inRoom {
		return
	}
	r := h.broker.createRoom(h)
	h.conn.Send(protocol.EvGameCode, r.Code())
	r.Join(h, false)
	slog.Info("room created", "code", r.Code(), "host", h.Username())
}

func (h *Handler) handleJoinGame(data json.RawMessage) {
	var req protocol.JoinGame
	if err := json.Unmarshal(data, &req); err != nil {
		h.conn.Send(protocol.EvJoinFail, "invalid request")
		return
	}
	if h.Room() != nil {
		return
	}
	r := h.broker.roomByCode(req.Code)
	if r == nil {
		h.conn.Send(protocol.EvJoinFail, "game not found")
		return
	}
	r.Join(h, req.Spectating)
}

// Room returns the handler's current room, if any.
func (h *Handler) Room() *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room
}

func (h *Handler) setRoom(r *Room) {
	h.mu.Lock()
	h.room = r
	h.mu.Unlock()
}

func validDialect(formats []string, d string) bool {
	for _, f := range formats {
		if f == d {
			return true
		}
	}
	return false
}
