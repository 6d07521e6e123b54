// Package httpd is the presentation adapter: a small REST surface for
// commands and a websocket stream for events. It holds no dispatch or
// session state of its own.
package httpd

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Guzinn01/disp-whtas/internal/dispatch"
	"github.com/Guzinn01/disp-whtas/internal/eventbus"
	"github.com/Guzinn01/disp-whtas/internal/session"
	"github.com/Guzinn01/disp-whtas/internal/store"
	logx "github.com/Guzinn01/disp-whtas/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	echo *echo.Echo
	cfg  Config
	log  logx.Logger

	// baseCtx outlives any request; dispatch runs are bound to it.
	baseCtx context.Context

	registry   *session.Registry
	dispatcher *dispatch.Service
	store      store.Store
	bus        eventbus.Bus
}

func NewServer(baseCtx context.Context, cfg Config, reg *session.Registry, disp *dispatch.Service, st store.Store, bus eventbus.Bus, log logx.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		cfg:        cfg,
		log:        log,
		baseCtx:    baseCtx,
		registry:   reg,
		dispatcher: disp,
		store:      st,
		bus:        bus,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	api := s.echo.Group("/api")
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions/:id/reconnect", s.handleReconnectSession)
	api.POST("/sessions/:id/disconnect", s.handleDisconnectSession)
	api.DELETE("/sessions/:id", s.handleRemoveSession)

	api.POST("/import", s.handleImport)
	api.GET("/contacts", s.handleListContacts)

	api.POST("/dispatch", s.handleStartDispatch)
	api.POST("/dispatch/pause", s.handlePauseDispatch)
	api.POST("/dispatch/cancel", s.handleCancelDispatch)
	api.GET("/dispatch", s.handleDispatchStatus)

	s.echo.GET("/ws", s.handleWebSocket)
}

func (s *Server) Start() error {
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	err := s.echo.Start(s.cfg.Addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }
