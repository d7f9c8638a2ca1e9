package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonesrussell/north-cloud/store-locator/internal/config"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/metrics"
)

// NewRouter builds the gin engine: middleware, health, metrics and the v1 API.
func NewRouter(h *Handler, log logger.Logger, gatherer prometheus.Gatherer, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(log))
	router.Use(RequestIDMiddleware(log))
	router.Use(LoggerMiddleware(log))

	router.GET("/health", h.Health)
	router.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}

	v1 := router.Group("/api/v1")
	h.RegisterRoutes(v1)
	return router
}

// Server is the dashboard HTTP server.
type Server struct {
	server *http.Server
	logger logger.Logger
	cfg    config.ServerConfig
}

// stopResponseMargin is the write budget left after the longest stop and restart pause.
const stopResponseMargin = 15 * time.Second

// MinWriteTimeout is the smallest write timeout that lets a stop or restart
// request with the largest accepted timeout still write its response.
const MinWriteTimeout = config.MaxStopTimeout + config.MaxRestartPause + stopResponseMargin

// NewServer wraps handler in an http.Server configured from cfg. A nonzero
// write timeout shorter than MinWriteTimeout is raised to it.
func NewServer(cfg config.ServerConfig, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: writeTimeout(cfg.WriteTimeout),
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: log,
		cfg:    cfg,
	}
}

func writeTimeout(configured time.Duration) time.Duration {
	if configured <= 0 {
		return 0
	}
	return max(configured, MinWriteTimeout)
}

// Start serves until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		logger.String("address", s.server.Addr),
		logger.Duration("read_timeout", s.server.ReadTimeout),
		logger.Duration("write_timeout", s.server.WriteTimeout),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields at most one error
// and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests within the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", logger.Duration("timeout", s.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped gracefully")
	return nil
}
