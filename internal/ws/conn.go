package ws

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pixsim/server/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 10 * time.Second
	sendBuffer   = 256
)

// wsConn adapts one gorilla connection to core.Conn: a buffered
// outbound channel drained by a single writer goroutine keeps
// per-connection ordering, and Send never blocks the caller.
type wsConn struct {
	id   string
	ip   string
	conn *websocket.Conn

	send      chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(conn *websocket.Conn, r *http.Request) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		ip:     remoteIP(r),
		conn:   conn,
		send:   make(chan protocol.Envelope, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) RemoteIP() string { return c.ip }

// Send queues one event frame. A saturated or closed connection drops
// the frame and reports false.
func (c *wsConn) Send(event string, payload any) bool {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("ws: marshal payload", "event", event, "err", err)
			return false
		}
		data = b
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- protocol.Envelope{Event: event, Data: data}:
		return true
	default:
		slog.Warn("ws: send buffer full", "conn", c.id, "event", event)
		return false
	}
}

// Kill closes the transport with a close frame carrying the reason.
func (c *wsConn) Kill(reason string, kicked bool) {
	c.closeOnce.Do(func() {
		close(c.closed)
		code := websocket.CloseNormalClosure
		if kicked {
			code = websocket.ClosePolicyViolation
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.conn.Close()
	})
}

// writeLoop is the connection's single writer: it drains the send
// channel and keeps the peer alive with pings every 10 s of idle.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.Kill("write failed", false)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.Kill("ping failed", false)
				return
			}
		}
	}
}

// remoteIP prefers the forwarded-for header, then the socket address.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "un-ip"
}
