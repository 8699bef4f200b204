// Package api exposes the admin/ops HTTP surface: an unauthenticated health
// probe, Prometheus metrics, and token-gated read-only queries over the same
// services the bus handlers use. Nothing here writes to the database.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/services"
)

// Deps carries the services the API reads from.
type Deps struct {
	DB       *database.Client
	Conn     bus.Conn
	Tokens   *services.TokenService
	Users    *services.UserService
	Stats    *services.StatsService
	Chat     *services.ChatService
	Status   *services.StatusService
	Outbound *services.OutboundService
}

// Server is the admin HTTP server.
type Server struct {
	deps    Deps
	logger  zerolog.Logger
	httpSrv *http.Server
	started time.Time
}

// NewServer builds the server and its routes. Call Start to begin serving.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		logger:  log.WithComponent("api"),
		started: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", s.requireToken())
	v1.GET("/stats/channel", s.handleChannelStats)
	v1.GET("/stats/users/:username", s.handleUserStats)
	v1.GET("/chat/recent", s.handleRecentChat)
	v1.GET("/status", s.handleStatus)
	v1.GET("/outbound/pending", s.handleOutboundPending)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Admin API listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin API server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs each request at debug with its status and latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}
