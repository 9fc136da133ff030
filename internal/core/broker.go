package core

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"pixsim/server/internal/config"
	"pixsim/server/internal/convert"
	"pixsim/server/internal/crypto"
	"pixsim/server/internal/maps"
	"pixsim/server/internal/protocol"
)

// Broker owns the process-wide handler and room registries and performs
// admission control for new connections.
type Broker struct {
	limits  config.Limits
	keys    *crypto.KeyPair
	conv    *convert.Converter
	catalog *maps.Catalog

	mu             sync.Mutex
	handlers       map[string]*Handler // conn id → handler
	rooms          map[string]*Room    // code → room
	recentConnects map[string]int      // ip → accepts this window
	ipKicked       map[string]bool     // ip → already warned this window
	active         bool
	crashed        bool

	startedAt time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// Status is the health snapshot served over HTTP.
type Status struct {
	Active   bool  `json:"active"`
	Starting bool  `json:"starting"`
	Crashed  bool  `json:"crashed"`
	Time     int64 `json:"time"`
}

// NewBroker constructs the broker and starts its 1 Hz maintenance
// sweep (per-IP decay, flood decay, idle checks).
func NewBroker(limits config.Limits, keys *crypto.KeyPair, conv *convert.Converter, catalog *maps.Catalog) *Broker {
	b := &Broker{
		limits:         limits,
		keys:           keys,
		conv:           conv,
		catalog:        catalog,
		handlers:       make(map[string]*Handler),
		rooms:          make(map[string]*Room),
		recentConnects: make(map[string]int),
		ipKicked:       make(map[string]bool),
		active:         true,
		startedAt:      time.Now(),
		stop:           make(chan struct{}),
	}
	go b.sweep()
	return b
}

// MarkCrashed latches the crashed flag; new connections are refused.
func (b *Broker) MarkCrashed() {
	b.mu.Lock()
	b.crashed = true
	b.mu.Unlock()
}

// Status reports the broker's health and uptime in milliseconds.
func (b *Broker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Active:  b.active && !b.crashed,
		Crashed: b.crashed,
		Time:    time.Since(b.startedAt).Milliseconds(),
	}
}

// Converter exposes the pixel converter to the HTTP layer.
func (b *Broker) Converter() *convert.Converter { return b.conv }

// Catalog exposes the map catalog to the HTTP layer.
func (b *Broker) Catalog() *maps.Catalog { return b.catalog }

// Accept admits a new connection and returns its handler, or nil when
// the connection is refused (shutdown, crash latch, or IP spam). On
// success the server's public key has already been sent.
func (b *Broker) Accept(conn Conn) *Handler {
	ip := conn.RemoteIP()

	b.mu.Lock()
	if !b.active || b.crashed {
		b.mu.Unlock()
		conn.Kill("server unavailable", false)
		return nil
	}
	b.recentConnects[ip]++
	if b.recentConnects[ip] > b.limits.MaxConnPerIP {
		warned := b.ipKicked[ip]
		b.ipKicked[ip] = true
		b.mu.Unlock()
		if !warned {
			slog.Warn("connection spam", "ip", ip)
		}
		conn.Kill("connection spam", true)
		return nil
	}
	h := newHandler(b, conn)
	b.handlers[conn.ID()] = h
	b.mu.Unlock()

	h.conn.Send(protocol.EvRequestClientInfo, b.keys.PublicJWK())
	slog.Debug("connection accepted", "conn", conn.ID(), "ip", ip)
	return h
}

// Close refuses further accepts and tears down rooms, then handlers.
func (b *Broker) Close() {
	b.mu.Lock()
	b.active = false
	rooms := make([]*Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	handlers := make([]*Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, r := range rooms {
		r.Destroy()
	}
	for _, h := range handlers {
		h.Destroy("server closed", false)
	}
	b.stopOnce.Do(func() { close(b.stop) })
	slog.Info("broker closed", "rooms", len(rooms), "handlers", len(handlers))
}

func (b *Broker) removeHandler(h *Handler) {
	b.mu.Lock()
	delete(b.handlers, h.conn.ID())
	b.mu.Unlock()
}

func (b *Broker) removeRoom(r *Room) {
	b.mu.Lock()
	delete(b.rooms, r.code)
	b.mu.Unlock()
}

// createRoom registers a new room with a fresh 8-hex-digit code.
func (b *Broker) createRoom(host *Handler) *Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	var code string
	for {
		code = randomCode()
		if _, taken := b.rooms[code]; !taken {
			break
		}
	}
	r := newRoom(b, code, host)
	b.rooms[code] = r
	return r
}

// roomByCode resolves a live room.
func (b *Broker) roomByCode(code string) *Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[code]
}

// PublicRooms snapshots the public room listing, filtered for a game
// mode and for whether the caller wants to spectate.
func (b *Broker) PublicRooms(mode string, spectating bool) []protocol.RoomInfo {
	b.mu.Lock()
	rooms := make([]*Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.Unlock()

	out := []protocol.RoomInfo{}
	for _, r := range rooms {
		if info, ok := r.publicInfo(mode, spectating); ok {
			out = append(out, info)
		}
	}
	return out
}

// sweep is the broker's 1 Hz maintenance loop: decays per-IP accept
// counters, decays per-handler flood counters, and destroys idle
// connections.
func (b *Broker) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		for ip, n := range b.recentConnects {
			if n <= 1 {
				delete(b.recentConnects, ip)
			} else {
				b.recentConnects[ip] = n - 1
			}
		}
		for ip := range b.ipKicked {
			delete(b.ipKicked, ip)
		}
		handlers := make([]*Handler, 0, len(b.handlers))
		for _, h := range b.handlers {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		budget := int64(b.limits.FloodEventsPerSec)
		for _, h := range handlers {
			if remaining := h.events.Add(-budget); remaining > budget {
				h.Destroy("socketio spam", true)
				continue
			} else if remaining < 0 {
				h.events.Store(0)
			}
			idle := time.Since(time.Unix(0, h.lastSeen.Load()))
			if idle > b.limits.IdleTimeout {
				h.Destroy("timed out", false)
			}
		}
	}
}

func randomCode() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
