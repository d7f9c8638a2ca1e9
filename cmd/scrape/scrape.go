// Package scrape implements the scrape command: one retailer, one run, one
// process. The dashboard's manager spawns it; it also runs standalone.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/store-locator/cmd/common"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
	"github.com/jonesrussell/north-cloud/store-locator/internal/metrics"
	"github.com/jonesrussell/north-cloud/store-locator/internal/proxy"
	"github.com/jonesrussell/north-cloud/store-locator/internal/redact"
	"github.com/jonesrussell/north-cloud/store-locator/internal/retailers"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
)

// metricsFile is the node-exporter textfile written at exit, per retailer.
const metricsFile = "scrape.prom"

type flags struct {
	retailer     string
	resume       bool
	incremental  bool
	test         bool
	limit        int
	proxy        string
	proxyCountry string
	renderJS     bool
	verbose      bool
	logFile      string
	runID        string
}

// Command returns the scrape command.
func Command() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   manager.SubcommandScrape,
		Short: "Scrape one retailer's store locator",
		Long: `Discovers a retailer's store pages from its sitemap, extracts the stores and
exports them. Progress is checkpointed so an interrupted run can be resumed
with --resume. The process exits non-zero when the run does not complete.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.retailer, flagName(manager.FlagRetailer), "", "retailer to scrape")
	fl.BoolVar(&f.resume, flagName(manager.FlagResume), false, "resume from the last checkpoint")
	fl.BoolVar(&f.incremental, flagName(manager.FlagIncremental), false, "report new, closed and modified stores")
	fl.BoolVar(&f.test, flagName(manager.FlagTest), false, fmt.Sprintf("scrape at most %d stores (cannot be combined with --limit)", retailers.TestLimit))
	fl.IntVar(&f.limit, flagName(manager.FlagLimit), 0, "scrape at most this many store pages (cannot be combined with --test)")
	fl.StringVar(&f.proxy, flagName(manager.FlagProxy), "", "proxy mode: direct, residential or web_scraper_api")
	fl.StringVar(&f.proxyCountry, flagName(manager.FlagProxyCountry), "", "proxy exit country code")
	fl.BoolVar(&f.renderJS, flagName(manager.FlagRenderJS), false, "render JavaScript (web_scraper_api only)")
	fl.BoolVar(&f.verbose, flagName(manager.FlagVerbose), false, "log at debug level")
	fl.StringVar(&f.logFile, flagName(manager.FlagLogFile), "", "write logs to this file instead of stdout")
	fl.StringVar(&f.runID, flagName(manager.FlagRunID), "", "attach to this run id (generated when empty)")
	_ = cmd.MarkFlagRequired(flagName(manager.FlagRetailer))
	cmd.MarkFlagsMutuallyExclusive(flagName(manager.FlagLimit), flagName(manager.FlagTest))

	return cmd
}

func flagName(flag string) string { return flag[2:] }

func (f flags) proxyOverrides() ([]proxy.ConfigOption, error) {
	var opts []proxy.ConfigOption
	if f.proxy != "" {
		mode, err := proxy.ParseMode(f.proxy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, proxy.WithMode(mode))
	}
	if f.proxyCountry != "" {
		opts = append(opts, proxy.WithCountry(f.proxyCountry))
	}
	if f.renderJS {
		opts = append(opts, proxy.WithRenderJS(true))
	}
	return opts, nil
}

func (f flags) effectiveLimit() int {
	if f.limit <= 0 && f.test {
		return retailers.TestLimit
	}
	return f.limit
}

func run(cmd *cobra.Command, f flags) error {
	deps, err := common.NewCommandDeps(cmd)
	if err != nil {
		return err
	}
	cfg := deps.Config

	log, err := common.NewLogger(cfg.Logger, f.verbose, f.logFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	registry, err := retailers.NewRegistry(cfg)
	if err != nil {
		return err
	}
	def, ok := registry.Get(f.retailer)
	if !ok {
		return fmt.Errorf("unknown retailer: %s", f.retailer)
	}
	if !def.Enabled {
		return fmt.Errorf("retailer %s is disabled", def.Name)
	}
	overrides, err := f.proxyOverrides()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, err := runs.New(cfg.DataDir, def.Name, f.runID)
	if err != nil {
		return fmt.Errorf("failed to open run: %w", err)
	}
	log = log.With(logger.String("retailer", def.Name), logger.String("run_id", tracker.RunID()))

	pid := os.Getpid()
	if err = tracker.UpdateConfig(map[string]any{
		runs.ConfigPID:           pid,
		runs.ConfigPIDCreateTime: manager.ProcessCreateTime(pid),
		"resume":                 f.resume,
		"incremental":            f.incremental,
		"test":                   f.test,
		"limit":                  f.effectiveLimit(),
		"workers":                cfg.Workers,
		"proxy_mode":             def.Proxy.With(overrides...).Mode.String(),
	}); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	scraper := retailers.NewScraper(def, cfg.DataDir,
		retailers.NewFetcherFactory(def, retailers.FetcherOptions{
			Logger:        log,
			Observer:      m,
			ProxyOverride: overrides,
		}),
		retailers.WithLogger(log),
		retailers.WithProgress(tracker),
		retailers.WithStoreRecorder(m),
	)

	log.Info("Starting scrape",
		logger.Bool("resume", f.resume),
		logger.Bool("incremental", f.incremental),
		logger.Int("limit", f.effectiveLimit()),
		logger.Int("pid", pid),
	)
	result, runErr := scraper.Run(ctx, retailers.RunOptions{
		RunID:              tracker.RunID(),
		Resume:             f.resume,
		Incremental:        f.incremental,
		Limit:              f.effectiveLimit(),
		Workers:            cfg.Workers,
		CheckpointInterval: cfg.CheckpointInterval,
	})

	finishErr := finish(ctx, tracker, runErr)
	if finishErr != nil && !errors.Is(finishErr, runs.ErrInvalidTransition) {
		log.Error("Failed to finalize run", logger.Error(finishErr))
	}

	if err = metrics.WriteTextfile(filepath.Join(cfg.DataDir, def.Name, "metrics", metricsFile), reg); err != nil {
		log.Warn("Failed to write metrics textfile", logger.Error(err))
	}

	if runErr != nil {
		log.Error("Scrape did not complete", logger.String("error", redact.Error(runErr)))
		return runErr
	}
	fields := []logger.Field{
		logger.Int("discovered", result.Discovered),
		logger.Int("scraped", result.Scraped),
		logger.Int("failed", result.Failed),
		logger.Int("resumed", result.Resumed),
		logger.Strings("exports", result.Exports),
	}
	if result.Changes != nil {
		fields = append(fields, logger.Bool("changes_detected", !result.Changes.Empty()))
	}
	log.Info("Scrape complete", fields...)
	return nil
}

// finish records the outcome. The manager may already have finalized the run
// after stopping this process, in which case the transition is rejected.
func finish(ctx context.Context, tracker *runs.Tracker, runErr error) error {
	switch {
	case runErr == nil:
		return tracker.Complete()
	case ctx.Err() != nil:
		return tracker.Cancel()
	default:
		return tracker.Fail(redact.Error(runErr))
	}
}
