package webserver

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/bridge"
	"github.com/talkincode/wabridge/internal/hub"
)

// WebServer is the HTTP/WS gateway in front of the session manager and the
// realtime hub.
type WebServer struct {
	cfg     *config.AppConfig
	root    *echo.Echo
	manager *bridge.Manager
	hub     *hub.Hub
}

func New(cfg *config.AppConfig, manager *bridge.Manager, h *hub.Hub) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(zapLogger)

	s := &WebServer{cfg: cfg, root: e, manager: manager, hub: h}
	s.initRoutes()
	return s
}

func (s *WebServer) initRoutes() {
	s.root.GET("/qr/:session", s.getQR)
	s.root.POST("/sendMessage", s.postSendMessage)
	s.root.GET("/status/:session", s.getStatus)
	s.root.POST("/reset", s.postReset)
	s.root.GET("/sessions", s.getSessions)
	s.root.GET("/chats/:session", s.getChats)
	s.root.GET("/contacts/:session", s.getContacts)
	s.root.GET("/messages/:session/:jid", s.getMessages)
	s.root.GET("/ws/chat", s.wsChat)
}

// Echo exposes the router for tests.
func (s *WebServer) Echo() *echo.Echo {
	return s.root
}

func (s *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.S().Infof("webserver: listening on %s", addr)
	return s.root.Start(addr)
}

func (s *WebServer) Shutdown() {
	_ = s.root.Close()
}

func zapLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		zap.S().Debugf("webserver: %s %s -> %d",
			c.Request().Method, c.Request().RequestURI, c.Response().Status)
		return err
	}
}
