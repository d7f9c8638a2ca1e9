// Package manager owns the lifecycle of scraper subprocesses: at most one per
// retailer, each bound to a run record on disk. It survives its own restarts by
// adopting still-running scrapers from their run records.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/store-locator/internal/events"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/metrics"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultRestartPause = 2 * time.Second
	killGrace           = 5 * time.Second
	recoveryTimeout     = 30 * time.Second
	publishTimeout      = 5 * time.Second
)

// Catalog reports which retailers exist and whether they may be started.
type Catalog interface {
	Names() []string
	Enabled(retailer string) (enabled, known bool)
}

// StaticCatalog is a fixed Catalog keyed by retailer name.
type StaticCatalog map[string]bool

// Names returns the retailer names in sorted order.
func (c StaticCatalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Enabled implements Catalog.
func (c StaticCatalog) Enabled(retailer string) (enabled, known bool) {
	enabled, known = c[retailer]
	return enabled, known
}

// Recorder receives lifecycle measurements. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordLifecycle(retailer, action string)
	SetRunning(retailer string, running bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordLifecycle(string, string) {}
func (nopRecorder) SetRunning(string, bool)        {}

// Config configures a Manager.
type Config struct {
	DataDir string
	// Entrypoint is the executable that provides the scrape subcommand.
	// Empty means the current executable.
	Entrypoint string
	// EntrypointArgs are inserted before the subcommand.
	EntrypointArgs []string
	// ConfigFile is forwarded to the subprocess when set.
	ConfigFile  string
	StopTimeout time.Duration
	// RestartPause separates stop and start in Restart. Negative disables it.
	RestartPause time.Duration
	// Retention is how many finished runs to keep per retailer; 0 keeps all.
	Retention int
}

func (c *Config) setDefaults() error {
	if c.DataDir == "" {
		return errors.New("manager: data dir is required")
	}
	if c.Entrypoint == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("manager: resolve executable: %w", err)
		}
		c.Entrypoint = exe
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.RestartPause < 0 {
		c.RestartPause = 0
	} else if c.RestartPause == 0 {
		c.RestartPause = defaultRestartPause
	}
	return nil
}

// Info describes a tracked scraper process.
type Info struct {
	Retailer  string    `json:"retailer"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LogFile   string    `json:"log_file,omitempty"`
	Recovered bool      `json:"recovered"`
}

// Status is the dashboard view of one retailer.
type Status struct {
	Retailer      string         `json:"retailer"`
	Enabled       bool           `json:"enabled"`
	Running       bool           `json:"running"`
	Process       *Info          `json:"process,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds,omitempty"`
	LastRun       *runs.Metadata `json:"last_run,omitempty"`
}

type entry struct {
	proc    ProcessRef
	tracker *runs.Tracker
	info    Info
}

// Manager starts, stops and supervises scraper subprocesses.
// All methods are safe for concurrent use.
type Manager struct {
	cfg       Config
	catalog   Catalog
	log       logger.Logger
	publisher events.Publisher
	recorder  Recorder
	inspect   Inspector
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithPublisher publishes lifecycle events. Publishing never blocks callers.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithRecorder records lifecycle metrics.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithInspector replaces the process inspector used to verify recovered PIDs.
func WithInspector(inspect Inspector) Option {
	return func(m *Manager) { m.inspect = inspect }
}

// New creates a Manager and adopts any scrapers still running from a
// previous manager instance.
func New(cfg Config, catalog Catalog, opts ...Option) (*Manager, error) {
	if catalog == nil {
		return nil, errors.New("manager: catalog is required")
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		catalog:   catalog,
		log:       logger.NewNop(),
		publisher: events.Noop{},
		recorder:  nopRecorder{},
		inspect:   InspectProcess,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.recoverAll()
	return m, nil
}

func (m *Manager) recoverAll() {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, retailer := range m.catalog.Names() {
		if enabled, _ := m.catalog.Enabled(retailer); !enabled {
			continue
		}
		m.recoverRetailer(ctx, retailer)
	}
}

func (m *Manager) recoverRetailer(ctx context.Context, retailer string) {
	active, err := runs.Active(m.cfg.DataDir, retailer)
	if err != nil {
		m.log.Warn("Failed to scan runs for recovery",
			logger.String("retailer", retailer),
			logger.Error(err),
		)
		return
	}
	if active == nil {
		return
	}
	pid := active.PID()
	if pid <= 0 {
		// Started outside the manager; nothing to supervise.
		return
	}

	tracker, err := runs.Open(m.cfg.DataDir, retailer, active.RunID)
	if err != nil {
		m.log.Warn("Failed to open run for recovery",
			logger.String("retailer", retailer),
			logger.String("run_id", active.RunID),
			logger.Error(err),
		)
		return
	}

	log := m.log.With(
		logger.String("retailer", retailer),
		logger.String("run_id", active.RunID),
		logger.Int("pid", pid),
	)

	proc := newRecovered(pid)
	if !proc.Alive() {
		m.failRecovery(ctx, tracker, retailer, pid,
			fmt.Sprintf("scraper process %d exited while the manager was down", pid))
		log.Warn("Recorded scraper process is gone, marked run failed")
		return
	}

	marker := filepath.Base(m.cfg.Entrypoint)
	switch v, _ := verifyIdentity(ctx, m.inspect, pid, retailer, marker, active.PIDCreateTime()); v {
	case verdictMismatch:
		m.failRecovery(ctx, tracker, retailer, pid,
			fmt.Sprintf("PID %d was reused by an unrelated process", pid))
		log.Warn("Recorded PID belongs to another process, marked run failed")
		return
	case verdictInconclusive:
		log.Warn("Could not verify process identity, trusting recorded PID")
	case verdictMatch:
	}

	meta := tracker.Metadata()
	info := Info{
		Retailer:  retailer,
		RunID:     meta.RunID,
		PID:       pid,
		StartedAt: meta.StartedAt,
		LogFile:   stringFrom(meta.Config[runs.ConfigLogFile]),
		Recovered: true,
	}
	m.entries[retailer] = &entry{proc: proc, tracker: tracker, info: info}
	m.recorder.SetRunning(retailer, true)
	m.recorder.RecordLifecycle(retailer, metrics.ActionRecover)
	m.notify(ctx, events.Event{Type: events.RunRecovered, Retailer: retailer, RunID: meta.RunID, PID: pid, Status: string(meta.Status)})
	log.Info("Recovered running scraper")
}

func (m *Manager) failRecovery(ctx context.Context, tracker *runs.Tracker, retailer string, pid int, msg string) {
	if err := tracker.Fail(msg); err != nil && !errors.Is(err, runs.ErrInvalidTransition) {
		m.log.Error("Failed to mark orphaned run failed",
			logger.String("retailer", retailer),
			logger.String("run_id", tracker.RunID()),
			logger.Error(err),
		)
	}
	m.recorder.RecordLifecycle(retailer, metrics.ActionRecoverFailed)
	m.notify(ctx, events.Event{Type: events.RunFailed, Retailer: retailer, RunID: tracker.RunID(), PID: pid, Status: string(tracker.Status()), Message: msg})
}

// Start launches a scraper for retailer. It fails with ErrInvalidRequest when
// the retailer is unknown, disabled or already running. A tracked process that
// has exited on its own is reaped first, so starting again is always allowed.
func (m *Manager) Start(ctx context.Context, retailer string, opts Options) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, retailer, opts)
}

func (m *Manager) startLocked(ctx context.Context, retailer string, opts Options) (Info, error) {
	enabled, known := m.catalog.Enabled(retailer)
	if !known {
		return Info{}, invalid("start", retailer, "unknown retailer: %s", retailer)
	}
	if !enabled {
		return Info{}, invalid("start", retailer, "retailer %s is disabled", retailer)
	}
	if err := opts.validate(retailer); err != nil {
		return Info{}, err
	}

	if e, ok := m.entries[retailer]; ok {
		if e.proc.Alive() {
			return Info{}, invalid("start", retailer, "scraper for %s is already running (pid %d)", retailer, e.proc.PID())
		}
		m.reapLocked(ctx, retailer, e)
	}

	tracker, err := runs.New(m.cfg.DataDir, retailer, "")
	if err != nil {
		return Info{}, fmt.Errorf("create run for %s: %w", retailer, err)
	}
	if err = tracker.UpdateConfig(opts.configValues()); err != nil {
		return Info{}, fmt.Errorf("record run config for %s: %w", retailer, err)
	}

	runID := tracker.RunID()
	logFile := filepath.Join(m.cfg.DataDir, retailer, "logs", runID+".log")
	proc, err := m.spawn(m.Command(retailer, runID, logFile, opts), logFile)
	if err != nil {
		msg := fmt.Sprintf("failed to start scraper: %v", err)
		if failErr := tracker.Fail(msg); failErr != nil {
			m.log.Error("Failed to mark run failed", logger.String("run_id", runID), logger.Error(failErr))
		}
		m.recorder.RecordLifecycle(retailer, metrics.ActionStartFailed)
		m.notify(ctx, events.Event{Type: events.RunFailed, Retailer: retailer, RunID: runID, Status: string(runs.StatusFailed), Message: msg})
		return Info{}, fmt.Errorf("start scraper for %s: %w", retailer, err)
	}

	pid := proc.PID()
	info := Info{
		Retailer:  retailer,
		RunID:     runID,
		PID:       pid,
		StartedAt: m.now().UTC(),
		LogFile:   logFile,
	}
	if err = tracker.UpdateConfig(map[string]any{
		runs.ConfigPID:           pid,
		runs.ConfigPIDCreateTime: ProcessCreateTime(pid),
		runs.ConfigLogFile:       logFile,
	}); err != nil {
		// The process is up; keep supervising it even if recovery data is missing.
		m.log.Error("Failed to record scraper PID",
			logger.String("retailer", retailer),
			logger.String("run_id", runID),
			logger.Error(err),
		)
	}

	m.entries[retailer] = &entry{proc: proc, tracker: tracker, info: info}
	m.recorder.SetRunning(retailer, true)
	m.recorder.RecordLifecycle(retailer, metrics.ActionStart)
	m.notify(ctx, events.Event{Type: events.RunStarted, Retailer: retailer, RunID: runID, PID: pid, Status: string(runs.StatusRunning)})

	m.log.Info("Started scraper",
		logger.String("retailer", retailer),
		logger.String("run_id", runID),
		logger.Int("pid", pid),
		logger.String("log_file", logFile),
	)
	return info, nil
}

// Command returns the argument vector (without the executable) used to
// launch a scraper.
func (m *Manager) Command(retailer, runID, logFile string, opts Options) []string {
	args := slices.Clone(m.cfg.EntrypointArgs)
	if m.cfg.ConfigFile != "" {
		args = append(args, FlagConfig, m.cfg.ConfigFile)
	}
	args = append(args,
		SubcommandScrape,
		FlagRetailer, retailer,
		FlagDataDir, m.cfg.DataDir,
		FlagRunID, runID,
	)
	if logFile != "" {
		args = append(args, FlagLogFile, logFile)
	}
	return append(args, opts.Args()...)
}

// spawn starts the subprocess detached from the caller's context: scrapers
// outlive the request that started them.
func (m *Manager) spawn(args []string, logFile string) (*ownedProcess, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer out.Close()

	cmd := exec.Command(m.cfg.Entrypoint, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)
	return startOwned(cmd)
}

// Stop terminates the scraper for retailer, escalating to a kill after
// timeout (the configured stop timeout when zero). The run is marked canceled
// unless the scraper finalized it while shutting down.
func (m *Manager) Stop(ctx context.Context, retailer string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, retailer, timeout)
}

func (m *Manager) stopLocked(ctx context.Context, retailer string, timeout time.Duration) error {
	e, ok := m.entries[retailer]
	if !ok {
		return notRunning("stop", retailer)
	}
	if timeout <= 0 {
		timeout = m.cfg.StopTimeout
	}

	if !e.proc.Alive() {
		m.reapLocked(ctx, retailer, e)
		return nil
	}

	log := m.log.With(
		logger.String("retailer", retailer),
		logger.String("run_id", e.info.RunID),
		logger.Int("pid", e.proc.PID()),
	)

	if err := e.proc.Terminate(); err != nil && e.proc.Alive() {
		log.Warn("Failed to signal scraper", logger.Error(err))
	}
	if !e.proc.Wait(timeout) {
		log.Warn("Scraper ignored termination, killing", logger.Duration("timeout", timeout))
		if err := e.proc.Kill(); err != nil && e.proc.Alive() {
			log.Error("Failed to kill scraper", logger.Error(err))
		}
		if !e.proc.Wait(killGrace) {
			log.Error("Scraper still alive after kill")
		}
	}

	delete(m.entries, retailer)
	m.recorder.SetRunning(retailer, false)
	m.recorder.RecordLifecycle(retailer, metrics.ActionStop)

	status := m.finalize(retailer, e, (*runs.Tracker).Cancel)
	m.notify(ctx, events.Event{Type: events.RunStopped, Retailer: retailer, RunID: e.info.RunID, PID: e.info.PID, Status: string(status)})
	log.Info("Stopped scraper", logger.String("status", string(status)))
	return nil
}

// reapLocked forgets an exited process and settles its run from the exit code.
func (m *Manager) reapLocked(ctx context.Context, retailer string, e *entry) {
	delete(m.entries, retailer)
	m.recorder.SetRunning(retailer, false)
	m.recorder.RecordLifecycle(retailer, metrics.ActionReap)

	status := m.finalize(retailer, e, func(t *runs.Tracker) error {
		code, known := e.proc.ExitCode()
		switch {
		case !known:
			return t.Fail("scraper process exited without finalizing the run")
		case code == 0:
			return t.Complete()
		default:
			return t.Fail(fmt.Sprintf("scraper exited with code %d", code))
		}
	})

	typ := events.RunFinished
	if status == runs.StatusFailed {
		typ = events.RunFailed
	}
	m.notify(ctx, events.Event{Type: typ, Retailer: retailer, RunID: e.info.RunID, PID: e.info.PID, Status: string(status)})
	m.log.Info("Reaped exited scraper",
		logger.String("retailer", retailer),
		logger.String("run_id", e.info.RunID),
		logger.String("status", string(status)),
	)
}

// finalize applies settle unless the scraper already left the run in a
// terminal state, prunes old runs and returns the final status.
func (m *Manager) finalize(retailer string, e *entry, settle func(*runs.Tracker) error) runs.Status {
	if err := e.tracker.Reload(); err != nil {
		m.log.Warn("Failed to reload run", logger.String("run_id", e.info.RunID), logger.Error(err))
	}
	if !e.tracker.Status().IsTerminal() {
		if err := settle(e.tracker); err != nil && !errors.Is(err, runs.ErrInvalidTransition) {
			m.log.Error("Failed to finalize run", logger.String("run_id", e.info.RunID), logger.Error(err))
		}
	}
	m.prune(retailer)
	return e.tracker.Status()
}

func (m *Manager) prune(retailer string) {
	if m.cfg.Retention <= 0 {
		return
	}
	removed, err := runs.Cleanup(m.cfg.DataDir, retailer, m.cfg.Retention)
	if err != nil {
		m.log.Warn("Failed to prune run history", logger.String("retailer", retailer), logger.Error(err))
		return
	}
	if removed > 0 {
		m.log.Debug("Pruned run history", logger.String("retailer", retailer), logger.Int("removed", removed))
	}
}

// Restart stops the scraper when one is tracked, pauses, then starts a new
// run. The lock is released for the pause; a start that lands in the pause
// wins and Restart then fails as already running.
func (m *Manager) Restart(ctx context.Context, retailer string, resume bool, timeout time.Duration) (Info, error) {
	m.mu.Lock()
	if _, tracked := m.entries[retailer]; tracked {
		err := m.stopLocked(ctx, retailer, timeout)
		m.mu.Unlock()
		if err != nil {
			return Info{}, err
		}

		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-time.After(m.cfg.RestartPause):
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	return m.startLocked(ctx, retailer, Options{Resume: resume})
}

// IsRunning reports whether a live scraper is tracked for retailer. An exited
// process is reaped as a side effect.
func (m *Manager) IsRunning(retailer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunningLocked(retailer)
}

func (m *Manager) isRunningLocked(retailer string) bool {
	e, ok := m.entries[retailer]
	if !ok {
		return false
	}
	if e.proc.Alive() {
		return true
	}
	m.reapLocked(context.Background(), retailer, e)
	return false
}

// Running returns the tracked live scrapers sorted by retailer.
func (m *Manager) Running() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	slices.Sort(names)

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		if m.isRunningLocked(name) {
			infos = append(infos, m.entries[name].info)
		}
	}
	return infos
}

// Status describes retailer. Unknown retailers yield ErrNotFound.
func (m *Manager) Status(retailer string) (Status, error) {
	enabled, known := m.catalog.Enabled(retailer)
	if !known {
		return Status{}, notFound("status", retailer)
	}

	st := Status{Retailer: retailer, Enabled: enabled}

	m.mu.Lock()
	if m.isRunningLocked(retailer) {
		info := m.entries[retailer].info
		st.Running = true
		st.Process = &info
		st.UptimeSeconds = m.now().Sub(info.StartedAt).Seconds()
	}
	m.mu.Unlock()

	last, err := runs.Latest(m.cfg.DataDir, retailer)
	if err != nil {
		return st, fmt.Errorf("read latest run for %s: %w", retailer, err)
	}
	st.LastRun = last
	return st, nil
}

// StatusAll describes every retailer in the catalog.
func (m *Manager) StatusAll() ([]Status, error) {
	names := m.catalog.Names()
	all := make([]Status, 0, len(names))
	var errs []error
	for _, name := range names {
		st, err := m.Status(name)
		if err != nil {
			errs = append(errs, err)
		}
		all = append(all, st)
	}
	return all, errors.Join(errs...)
}

// StopAll stops every tracked scraper.
func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		if err := m.stopLocked(ctx, name, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notify publishes ev in the background.
func (m *Manager) notify(ctx context.Context, ev events.Event) {
	if _, ok := m.publisher.(events.Noop); ok {
		return
	}
	base := context.WithoutCancel(ctx)
	go func() {
		pubCtx, cancel := context.WithTimeout(base, publishTimeout)
		defer cancel()
		if err := m.publisher.Publish(pubCtx, ev); err != nil {
			m.log.Warn("Failed to publish run event",
				logger.String("event_type", string(ev.Type)),
				logger.String("retailer", ev.Retailer),
				logger.Error(err),
			)
		}
	}()
}

func stringFrom(v any) string {
	s, _ := v.(string)
	return s
}
