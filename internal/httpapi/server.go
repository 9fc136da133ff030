package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"pixsim/server/internal/core"
	"pixsim/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application: status, maps, controllers and the
// game socket.
type Server struct {
	echo        *echo.Echo
	controllers *controllerCache

	mu        sync.RWMutex
	broker    *core.Broker // nil until startup finishes
	crashed   bool
	startedAt time.Time
}

// New constructs the Echo app. The broker is attached later via
// SetBroker so the status endpoint can report the startup phase.
func New(controllersDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		controllers: newControllerCache(controllersDir),
		startedAt:   time.Now(),
	}
	e.GET("/pixsim-api/status", s.handleStatus)
	e.GET("/pixsim-api/maps/list/:mode", s.handleMapList)
	e.GET("/pixsim-api/maps/:mode/:id", s.handleMap)
	e.GET("/pixsim-api/controllers/*", s.handleController)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// SetBroker attaches the broker once startup completes and registers the
// game socket route.
func (s *Server) SetBroker(b *core.Broker) {
	s.mu.Lock()
	s.broker = b
	s.mu.Unlock()
	ws.NewHandler(b).Register(s.echo)
}

// MarkCrashed latches the crashed status.
func (s *Server) MarkCrashed() {
	s.mu.Lock()
	s.crashed = true
	s.mu.Unlock()
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	s.mu.RLock()
	broker := s.broker
	crashed := s.crashed
	startedAt := s.startedAt
	s.mu.RUnlock()

	status := core.Status{
		Starting: broker == nil && !crashed,
		Crashed:  crashed,
		Time:     time.Since(startedAt).Milliseconds(),
	}
	if broker != nil && !crashed {
		status = broker.Status()
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleMapList(c echo.Context) error {
	broker := s.currentBroker()
	if broker == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	ids := broker.Catalog().List(c.Param("mode"))
	if len(ids) == 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, ids)
}

func (s *Server) handleMap(c echo.Context) error {
	broker := s.currentBroker()
	if broker == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	mode, id, format := c.Param("mode"), c.Param("id"), c.QueryParam("format")
	if mode == "" || id == "" || format == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	em := broker.Catalog().Get(mode, id, format)
	if em == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, em)
}

func (s *Server) handleController(c echo.Context) error {
	broker := s.currentBroker()
	if broker == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	path, format := c.Param("*"), c.QueryParam("format")
	if path == "" || format == "" {
		return c.NoContent(http.StatusBadRequest)
	}
	text, ok := s.controllers.get(path, format, broker.Converter())
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

func (s *Server) currentBroker() *core.Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broker
}
