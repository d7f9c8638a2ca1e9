// Package schedule starts scrapers on their cron schedules through the manager.
package schedule

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
)

const defaultStartTimeout = 30 * time.Second

// Starter launches a scraper. *manager.Manager satisfies it.
type Starter interface {
	Start(ctx context.Context, retailer string, opts manager.Options) (manager.Info, error)
}

// Job is one retailer's cron schedule.
type Job struct {
	Retailer string
	Spec     string
}

// Entry describes a registered job.
type Entry struct {
	Retailer string    `json:"retailer"`
	Spec     string    `json:"schedule"`
	Next     time.Time `json:"next_run"`
	Prev     time.Time `json:"prev_run,omitzero"`
}

// Scheduler fires Starter.Start for each job. Scheduled runs resume an
// interrupted run and compute changes against the previous export.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	starter Starter
	log     logger.Logger
	options manager.Options

	mu      sync.Mutex
	entries map[string]registered
	ctx     context.Context
	cancel  context.CancelFunc
}

type registered struct {
	id   cron.EntryID
	spec string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithOptions replaces the start options used for scheduled runs.
func WithOptions(opts manager.Options) Option {
	return func(s *Scheduler) { s.options = opts }
}

// WithLocation evaluates schedules in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc)) }
}

// New returns a stopped scheduler.
func New(starter Starter, opts ...Option) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		starter: starter,
		log:     logger.NewNop(),
		options: manager.Options{Resume: true, Incremental: true},
		entries: make(map[string]registered),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers jobs, replacing any existing schedule of the same retailer.
func (s *Scheduler) Add(jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if _, err := s.parser.Parse(job.Spec); err != nil {
			return fmt.Errorf("failed to parse schedule of %s: %w", job.Retailer, err)
		}
		if old, ok := s.entries[job.Retailer]; ok {
			s.cron.Remove(old.id)
		}

		retailer := job.Retailer
		id, err := s.cron.AddFunc(job.Spec, func() { s.fire(retailer) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.Retailer, err)
		}
		s.entries[job.Retailer] = registered{id: id, spec: job.Spec}
		s.log.Info("Scheduled scraper",
			logger.String("retailer", job.Retailer),
			logger.String("schedule", job.Spec),
		)
	}
	return nil
}

// Remove drops the retailer's schedule.
func (s *Scheduler) Remove(retailer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.entries[retailer]; ok {
		s.cron.Remove(r.id)
		delete(s.entries, retailer)
	}
}

// Entries lists the registered jobs ordered by retailer. Next is zero until
// the scheduler has been started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for retailer, r := range s.entries {
		e := s.cron.Entry(r.id)
		out = append(out, Entry{Retailer: retailer, Spec: r.spec, Next: e.Next, Prev: e.Prev})
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Retailer, b.Retailer) })
	return out
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", logger.Int("jobs", len(s.Entries())))
}

// Stop halts the cron loop and waits for in-flight starts, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(retailer string) {
	ctx, cancel := context.WithTimeout(s.ctx, defaultStartTimeout)
	defer cancel()

	info, err := s.starter.Start(ctx, retailer, s.options)
	switch {
	case err == nil:
		s.log.Info("Scheduled scraper started",
			logger.String("retailer", retailer),
			logger.String("run_id", info.RunID),
			logger.Int("pid", info.PID),
		)
	case errors.Is(err, manager.ErrInvalidRequest):
		// Typically still running from the previous trigger.
		s.log.Warn("Skipped scheduled scraper",
			logger.String("retailer", retailer),
			logger.String("reason", err.Error()),
		)
	default:
		s.log.Error("Failed to start scheduled scraper",
			logger.String("retailer", retailer),
			logger.Error(err),
		)
	}
}
