package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/gatewayems/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes health, status, Prometheus metrics and the live readings
// stream. It is read-only: the command file stays the only control input.
type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
}

func NewServer(addr string, lm interfaces.LifecycleManager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
	}

	s.setupRoutes()

	// no WriteTimeout: /api/v1/readings is a long-lived stream
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown waits for open requests. Readings streams only end once the
// gateway has closed its streamer, so shut the gateway down first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.lm.Metrics().Registry(), promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/readings", s.streamReadings)
	}
}
