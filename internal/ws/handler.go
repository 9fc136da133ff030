package ws

import (
	"fmt"
	"net/http"

	"pixsim/server/internal/core"
	"pixsim/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// maxFrameSize bounds one inbound frame (1 MB covers the largest grid).
const maxFrameSize = 1 << 20

// Handler owns the websocket transport for the game protocol.
type Handler struct {
	broker   *core.Broker
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the broker.
func NewHandler(broker *core.Broker) *Handler {
	return &Handler{
		broker: broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the game socket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/pixsim-api/game", h.HandleGameSocket)
}

// HandleGameSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleGameSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, c.Request())
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, r *http.Request) {
	wc := newConn(conn, r)
	defer wc.Kill("connection closed", false)

	conn.SetReadLimit(maxFrameSize)

	handler := h.broker.Accept(wc)
	if handler == nil {
		return
	}
	defer handler.Destroy("disconnected", false)

	go wc.writeLoop()

	// One inbound frame at a time for this connection; the broker's
	// sweep enforces the flood and idle guards.
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == "" {
			continue
		}
		handler.HandleEvent(env.Event, env.Data)
	}
}
