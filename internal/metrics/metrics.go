// Package metrics exposes Prometheus metrics for scraper requests and the
// scraper manager.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
)

const (
	// Namespace is the namespace for all store-locator metrics.
	Namespace = "storelocator"

	subsystemRequests = "requests"
	subsystemManager  = "manager"
	subsystemScrape   = "scrape"
)

// Lifecycle actions recorded by the manager.
const (
	ActionStart         = "start"
	ActionStartFailed   = "start_failed"
	ActionStop          = "stop"
	ActionReap          = "reap"
	ActionRecover       = "recover"
	ActionRecoverFailed = "recover_failed"
)

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Manager metrics
	LifecycleTotal  *prometheus.CounterVec
	ScrapersRunning *prometheus.GaugeVec

	// Scrape metrics
	StoresScraped *prometheus.CounterVec
	StoresFailed  *prometheus.CounterVec
}

// New creates and registers all collectors on reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initRequestMetrics(factory)
	m.initManagerMetrics(factory)
	m.initScrapeMetrics(factory)

	return m
}

func (m *Metrics) initRequestMetrics(factory promauto.Factory) {
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemRequests,
			Name:      "total",
			Help:      "Request attempts by proxy mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystemRequests,
			Name:      "duration_seconds",
			Help:      "Duration of request attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"mode"},
	)
}

func (m *Metrics) initManagerMetrics(factory promauto.Factory) {
	m.LifecycleTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemManager,
			Name:      "lifecycle_total",
			Help:      "Scraper lifecycle actions by retailer",
		},
		[]string{"retailer", "action"},
	)

	m.ScrapersRunning = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemManager,
			Name:      "scrapers_running",
			Help:      "1 while a retailer's scraper process is tracked",
		},
		[]string{"retailer"},
	)
}

func (m *Metrics) initScrapeMetrics(factory promauto.Factory) {
	m.StoresScraped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemScrape,
			Name:      "stores_total",
			Help:      "Stores extracted by retailer",
		},
		[]string{"retailer"},
	)

	m.StoresFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemScrape,
			Name:      "stores_failed_total",
			Help:      "Store pages that could not be fetched or parsed",
		},
		[]string{"retailer"},
	)
}

// ObserveRequest implements proxy.Observer.
func (m *Metrics) ObserveRequest(mode proxy.Mode, outcome string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(mode.String(), outcome).Inc()
	if elapsed > 0 {
		m.RequestDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
	}
}

// RecordLifecycle counts a manager action.
func (m *Metrics) RecordLifecycle(retailer, action string) {
	m.LifecycleTotal.WithLabelValues(retailer, action).Inc()
}

// SetRunning flips the running gauge of retailer.
func (m *Metrics) SetRunning(retailer string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	m.ScrapersRunning.WithLabelValues(retailer).Set(v)
}

// AddStores counts extracted and failed stores.
func (m *Metrics) AddStores(retailer string, scraped, failed int) {
	if scraped > 0 {
		m.StoresScraped.WithLabelValues(retailer).Add(float64(scraped))
	}
	if failed > 0 {
		m.StoresFailed.WithLabelValues(retailer).Add(float64(failed))
	}
}

var _ proxy.Observer = (*Metrics)(nil)

// Handler serves g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile dumps g to path for a node-exporter textfile collector.
// Scraper subprocesses are too short-lived to be scraped, so they write one at exit.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
