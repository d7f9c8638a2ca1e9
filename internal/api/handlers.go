// Package api serves the scraper dashboard: lifecycle control, status and
// run history as JSON over gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/store-locator/internal/config"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
	"github.com/jonesrussell/north-cloud/store-locator/internal/schedule"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	healthCheckTimeout  = 2 * time.Second
)

// Scrapers is the lifecycle surface the dashboard drives. *manager.Manager satisfies it.
type Scrapers interface {
	Start(ctx context.Context, retailer string, opts manager.Options) (manager.Info, error)
	Stop(ctx context.Context, retailer string, timeout time.Duration) error
	Restart(ctx context.Context, retailer string, resume bool, timeout time.Duration) (manager.Info, error)
	Status(retailer string) (manager.Status, error)
	StatusAll() ([]manager.Status, error)
	Running() []manager.Info
}

// Schedules lists cron entries. *schedule.Scheduler satisfies it.
type Schedules interface {
	Entries() []schedule.Entry
}

// HealthCheck reports a dependency's health.
type HealthCheck func(ctx context.Context) error

// Handler holds the dashboard's dependencies.
type Handler struct {
	scrapers  Scrapers
	catalog   manager.Catalog
	dataDir   string
	service   string
	startedAt time.Time
	schedules Schedules
	checks    map[string]HealthCheck
	log       logger.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSchedules exposes the cron entries on /api/v1/schedules.
func WithSchedules(s Schedules) HandlerOption {
	return func(h *Handler) { h.schedules = s }
}

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *Handler) { h.checks[name] = check }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// NewHandler returns a Handler reading run history from dataDir.
func NewHandler(service string, scrapers Scrapers, catalog manager.Catalog, dataDir string, opts ...HandlerOption) *Handler {
	h := &Handler{
		scrapers:  scrapers,
		catalog:   catalog,
		dataDir:   dataDir,
		service:   service,
		startedAt: time.Now(),
		checks:    make(map[string]HealthCheck),
		log:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the v1 routes on g.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	scrapers := g.Group("/scrapers")
	scrapers.GET("", h.ListScrapers)
	scrapers.GET("/:retailer", h.GetScraper)
	scrapers.POST("/:retailer/start", h.StartScraper)
	scrapers.POST("/:retailer/stop", h.StopScraper)
	scrapers.POST("/:retailer/restart", h.RestartScraper)

	g.GET("/runs/:retailer", h.ListRuns)
	g.GET("/runs/:retailer/:run_id", h.GetRun)

	if h.schedules != nil {
		g.GET("/schedules", h.ListSchedules)
	}
}

type stopRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type restartRequest struct {
	Resume         bool    `json:"resume"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// Health reports liveness, uptime, running scrapers and dependency checks.
func (h *Handler) Health(c *gin.Context) {
	status := "healthy"
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			checks[name] = err.Error()
			continue
		}
		checks[name] = "healthy"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"service": h.service,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"running": len(h.scrapers.Running()),
		"checks":  checks,
	})
}

// ListScrapers returns the status of every retailer.
func (h *Handler) ListScrapers(c *gin.Context) {
	statuses, err := h.scrapers.StatusAll()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scrapers": statuses, "count": len(statuses)})
}

// GetScraper returns one retailer's status.
func (h *Handler) GetScraper(c *gin.Context) {
	status, err := h.scrapers.Status(retailerParam(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// StartScraper launches a scrape. An empty body starts with default options.
func (h *Handler) StartScraper(c *gin.Context) {
	var opts manager.Options
	if !bindOptional(c, &opts) {
		return
	}

	retailer := retailerParam(c)
	info, err := h.scrapers.Start(c.Request.Context(), retailer, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("scraper for %s started", retailer),
		"process": info,
	})
}

// StopScraper terminates a running scrape.
func (h *Handler) StopScraper(c *gin.Context) {
	var req stopRequest
	if !bindOptional(c, &req) {
		return
	}
	timeout, ok := timeoutFrom(c, req.TimeoutSeconds)
	if !ok {
		return
	}

	retailer := retailerParam(c)
	if err := h.scrapers.Stop(c.Request.Context(), retailer, timeout); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("scraper for %s stopped", retailer)})
}

// RestartScraper stops a scrape if one is running and starts a new one.
func (h *Handler) RestartScraper(c *gin.Context) {
	var req restartRequest
	if !bindOptional(c, &req) {
		return
	}
	timeout, ok := timeoutFrom(c, req.TimeoutSeconds)
	if !ok {
		return
	}

	retailer := retailerParam(c)
	info, err := h.scrapers.Restart(c.Request.Context(), retailer, req.Resume, timeout)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("scraper for %s restarted", retailer),
		"process": info,
	})
}

// ListRuns returns a retailer's runs, newest first.
func (h *Handler) ListRuns(c *gin.Context) {
	retailer, ok := h.knownRetailer(c)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := runs.History(h.dataDir, retailer, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retailer": retailer, "runs": history, "count": len(history)})
}

// GetRun returns one run's metadata.
func (h *Handler) GetRun(c *gin.Context) {
	retailer, ok := h.knownRetailer(c)
	if !ok {
		return
	}
	meta, err := runs.Get(h.dataDir, retailer, c.Param("run_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// ListSchedules returns the cron entries.
func (h *Handler) ListSchedules(c *gin.Context) {
	entries := h.schedules.Entries()
	c.JSON(http.StatusOK, gin.H{"schedules": entries, "count": len(entries)})
}

func (h *Handler) knownRetailer(c *gin.Context) (string, bool) {
	retailer := retailerParam(c)
	if _, known := h.catalog.Enabled(retailer); !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown retailer: " + retailer})
		return "", false
	}
	return retailer, true
}

// respondError maps lifecycle and lookup errors onto HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, manager.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrNotFound),
		errors.Is(err, runs.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		logger.FromContext(c.Request.Context(), h.log).Error("Dashboard request failed",
			logger.String("path", c.Request.URL.Path),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func retailerParam(c *gin.Context) string {
	return strings.ToLower(strings.TrimSpace(c.Param("retailer")))
}

// bindOptional decodes a JSON body into v; an empty body leaves v untouched.
func bindOptional(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func timeoutFrom(c *gin.Context, seconds float64) (time.Duration, bool) {
	if seconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_seconds must not be negative"})
		return 0, false
	}
	timeout := time.Duration(seconds * float64(time.Second))
	if timeout > config.MaxStopTimeout {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_seconds must not exceed " + config.MaxStopTimeout.String()})
		return 0, false
	}
	return timeout, true
}
