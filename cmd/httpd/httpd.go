// Package httpd implements the httpd command: the dashboard API, the process
// manager and the cron scheduler in one long-running process.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/store-locator/cmd/common"
	"github.com/jonesrussell/north-cloud/store-locator/internal/api"
	"github.com/jonesrussell/north-cloud/store-locator/internal/config"
	"github.com/jonesrussell/north-cloud/store-locator/internal/events"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
	"github.com/jonesrussell/north-cloud/store-locator/internal/metrics"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retailers"
	"github.com/jonesrussell/north-cloud/store-locator/internal/schedule"
)

// schedulerDrainTimeout bounds the wait for in-flight scheduled starts.
const schedulerDrainTimeout = 30 * time.Second

// Command returns the httpd command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "httpd",
		Short: "Run the dashboard API and scheduler",
		Long: `Serves the dashboard REST API, spawns scrape subprocesses on request and
starts scheduled runs. Scrapers recorded as running by a previous instance are
re-attached when their processes are still alive.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := common.NewCommandDeps(cmd)
			if err != nil {
				return err
			}
			log, err := common.NewLogger(deps.Config.Logger, false, "")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, deps, log)
		},
	}
}

// components holds everything Run has to shut down.
type components struct {
	log       logger.Logger
	cfg       *config.Config
	manager   *manager.Manager
	scheduler *schedule.Scheduler
	server    *api.Server
	redis     *redis.Client
}

// Run wires the dashboard and serves until ctx is done or the server fails.
func Run(ctx context.Context, deps common.CommandDeps, log logger.Logger) error {
	c, err := setup(ctx, deps, log)
	if err != nil {
		return err
	}

	errCh := c.server.StartAsync()
	c.scheduler.Start()
	log.Info("Dashboard ready",
		logger.String("address", deps.Config.Server.Address),
		logger.String("data_dir", deps.Config.DataDir),
		logger.Int("schedules", len(c.scheduler.Entries())),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case serveErr = <-errCh:
		log.Error("HTTP server stopped unexpectedly", logger.Error(serveErr))
	}

	return errors.Join(serveErr, c.shutdown())
}

func setup(ctx context.Context, deps common.CommandDeps, log logger.Logger) (*components, error) {
	cfg := deps.Config
	c := &components{log: log, cfg: cfg}

	registry, err := retailers.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	var publisher events.Publisher = events.Noop{}
	var handlerOpts []api.HandlerOption
	if cfg.Redis.Enabled {
		c.redis, err = events.NewClient(ctx, events.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		publisher = events.NewRedisPublisher(c.redis, log,
			events.WithStream(cfg.Redis.Stream),
			events.WithMaxLen(cfg.Redis.MaxLen),
		)
		client := c.redis
		handlerOpts = append(handlerOpts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		log.Info("Publishing run events", logger.String("stream", cfg.Redis.Stream))
	}

	c.manager, err = manager.New(manager.Config{
		DataDir:      cfg.DataDir,
		Entrypoint:   cfg.Manager.Entrypoint,
		ConfigFile:   deps.ConfigFile,
		StopTimeout:  cfg.Manager.StopTimeout,
		RestartPause: cfg.Manager.RestartPause,
		Retention:    cfg.Manager.Retention,
	}, registry,
		manager.WithLogger(log),
		manager.WithPublisher(publisher),
		manager.WithRecorder(m),
	)
	if err != nil {
		c.closeRedis()
		return nil, err
	}

	c.scheduler = schedule.New(c.manager, schedule.WithLogger(log))
	for _, def := range registry.Scheduled() {
		if err = c.scheduler.Add(schedule.Job{Retailer: def.Name, Spec: def.Schedule}); err != nil {
			c.closeRedis()
			return nil, err
		}
	}

	handlerOpts = append(handlerOpts, api.WithSchedules(c.scheduler), api.WithLogger(log))
	handler := api.NewHandler(cfg.App.Name, c.manager, registry, cfg.DataDir, handlerOpts...)
	router := api.NewRouter(handler, log, promReg, cfg.App.Debug)
	c.server = api.NewServer(cfg.Server, router, log)
	return c, nil
}

// shutdown stops the scheduler first so no new runs start while draining.
func (c *components) shutdown() error {
	var errs []error

	drainCtx, cancel := context.WithTimeout(context.Background(), schedulerDrainTimeout)
	defer cancel()
	if err := c.scheduler.Stop(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}

	if err := c.server.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}

	if c.cfg.Manager.StopOnShutdown {
		c.log.Info("Stopping running scrapers")
		if err := c.manager.StopAll(context.Background(), c.cfg.Manager.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop scrapers: %w", err))
		}
	} else {
		for _, info := range c.manager.Running() {
			c.log.Info("Leaving scraper running",
				logger.String("retailer", info.Retailer),
				logger.String("run_id", info.RunID),
				logger.Int("pid", info.PID),
			)
		}
	}

	c.closeRedis()
	return errors.Join(errs...)
}

func (c *components) closeRedis() {
	if c.redis == nil {
		return
	}
	if err := c.redis.Close(); err != nil {
		c.log.Warn("Failed to close redis client", logger.Error(err))
	}
}
