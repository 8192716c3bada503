package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/choraleia/chatcore/pkg/handler"
	"github.com/gin-gonic/gin"
)

type Server struct {
	ginEngine *gin.Engine
	app       *App
	logger    *slog.Logger
	addr      string
	stopped   chan struct{}
}

func NewServer(app *App) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost origins for browser clients during development.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-User-ID")
			} else {
				// Reject unknown origins.
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		app:       app,
		logger:    app.logger,
		addr:      fmt.Sprintf("%s:%d", app.cfg.Host(), app.cfg.Port()),
		stopped:   make(chan struct{}),
	}

	server.SetupRoutes()

	return server
}

// Start listens and serves in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		close(s.stopped)
		return err
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed", "error", err)
		}
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		defer close(s.stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Stopped is closed after shutdown completes.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Server) SetupRoutes() {
	app := s.app

	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.ginEngine.GET("/metrics", gin.WrapH(app.metrics.Handler()))

	// API group
	// /api/v1
	apiGroup := s.ginEngine.Group("/api/v1", handler.RequireUser(app.cfg.JWTSecret()))

	handler.NewChatHandler(app.chat, app.conversations, app.quota, s.logger).RegisterRoutes(apiGroup)
	handler.NewDocumentHandler(app.documents, app.cfg.SearchLimit(), app.cfg.SearchThreshold(), s.logger).RegisterRoutes(apiGroup)
	handler.NewStudyHandler(app.study, s.logger).RegisterRoutes(apiGroup)
	handler.NewRoomHandler(app.hub, app.chat, app.conversations, s.logger).RegisterRoutes(apiGroup)

	// Provider chain and embedding mode
	apiGroup.GET("/gateway/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gateway":   app.gateway.Status(),
			"embedding": app.estimator.Mode(),
			"index":     app.engine.Stats(),
		})
	})

	// Connection test against one configured provider
	apiGroup.POST("/gateway/ping/:provider", func(c *gin.Context) {
		res, err := app.gateway.Ping(c.Request.Context(), c.Param("provider"))
		if errors.Is(err, gateway.ErrUnknownProvider) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	// Process-wide notifications (documents indexed, conversations changed)
	eventsWS := event.NewWSHandler(app.emitter, s.logger)
	eventsWS.SetAuthorizer(func(c *gin.Context, ev event.Event) bool {
		switch e := ev.(type) {
		case event.ConversationUpdatedEvent:
			return e.UserID == handler.UserID(c)
		case event.ConversationDeletedEvent:
			return e.UserID == handler.UserID(c)
		case event.DocumentIndexedEvent:
			return e.UserID == handler.UserID(c)
		case event.DocumentRemovedEvent:
			return e.UserID == handler.UserID(c)
		}
		return true
	})
	apiGroup.GET("/events/ws", eventsWS.Handle)
}
