// Package runs records per-run metadata under data/{retailer}/runs/{run_id}.json.
//
// A Tracker applies each change to the latest document on disk and rewrites
// the whole document atomically. Both the scraper subprocess and the manager
// write the same file; only truly simultaneous writes can lose an update.
package runs

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/store-locator/internal/checkpoint"
)

// Well-known keys.
const (
	ConfigPID            = "pid"
	ConfigPIDCreateTime  = "pid_create_time"
	ConfigLogFile        = "log_file"
	StatDurationSeconds  = "duration_seconds"
	StatStoresScraped    = "stores_scraped"
	StatRequestsFailed   = "requests_failed"
	runIDTimestampLayout = "20060102_150405"
)

// ErrRunNotFound is returned when no metadata file exists for a run id.
var ErrRunNotFound = errors.New("run not found")

// RunError is one entry of the append-only error list.
type RunError struct {
	Timestamp time.Time `json:"timestamp"     yaml:"timestamp"`
	Message   string    `json:"message"       yaml:"message"`
	URL       string    `json:"url,omitempty" yaml:"url,omitempty"`
}

// Metadata is the persisted run document.
type Metadata struct {
	RunID       string             `json:"run_id"       yaml:"run_id"`
	Retailer    string             `json:"retailer"     yaml:"retailer"`
	Status      Status             `json:"status"       yaml:"status"`
	StartedAt   time.Time          `json:"started_at"   yaml:"started_at"`
	CompletedAt *time.Time         `json:"completed_at" yaml:"completed_at"`
	Config      map[string]any     `json:"config"       yaml:"config"`
	Stats       map[string]float64 `json:"stats"        yaml:"stats"`
	Phases      map[string]any     `json:"phases"       yaml:"phases"`
	Errors      []RunError         `json:"errors"       yaml:"errors"`
}

// PID returns the process id recorded in Config, or 0.
func (m *Metadata) PID() int {
	return int(numberFrom(m.Config[ConfigPID]))
}

// PIDCreateTime returns the recorded process start time in unix milliseconds, or 0.
func (m *Metadata) PIDCreateTime() int64 {
	return int64(numberFrom(m.Config[ConfigPIDCreateTime]))
}

func numberFrom(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func (m *Metadata) clone() Metadata {
	c := *m
	c.Config = maps.Clone(m.Config)
	c.Stats = maps.Clone(m.Stats)
	c.Phases = maps.Clone(m.Phases)
	c.Errors = slices.Clone(m.Errors)
	if m.CompletedAt != nil {
		at := *m.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

func (m *Metadata) ensureMaps() {
	if m.Config == nil {
		m.Config = map[string]any{}
	}
	if m.Stats == nil {
		m.Stats = map[string]float64{}
	}
	if m.Phases == nil {
		m.Phases = map[string]any{}
	}
	if m.Errors == nil {
		m.Errors = []RunError{}
	}
}

// Dir returns data/{retailer}/runs under dataDir.
func Dir(dataDir, retailer string) string {
	return filepath.Join(dataDir, retailer, "runs")
}

// Path returns the metadata file of a run.
func Path(dataDir, retailer, runID string) string {
	return filepath.Join(Dir(dataDir, retailer), runID+".json")
}

// NewRunID returns a sortable id such as 20261018_153045_1a2b3c4d.
func NewRunID(now time.Time) string {
	return now.UTC().Format(runIDTimestampLayout) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Tracker owns the metadata of one run.
type Tracker struct {
	mu   sync.Mutex
	path string
	meta Metadata
	now  func() time.Time
}

// New attaches to an existing run when runID names one on disk; otherwise it
// creates a running record (generating an id when runID is empty) and persists it.
func New(dataDir, retailer, runID string) (*Tracker, error) {
	if runID != "" {
		if t, err := Open(dataDir, retailer, runID); err == nil {
			return t, nil
		} else if !errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if runID == "" {
		runID = NewRunID(now)
	}
	t := &Tracker{
		path: Path(dataDir, retailer, runID),
		now:  time.Now,
		meta: Metadata{
			RunID:     runID,
			Retailer:  retailer,
			Status:    StatusRunning,
			StartedAt: now,
		},
	}
	t.meta.ensureMaps()
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// Open loads an existing run. It returns ErrRunNotFound when the file is
// missing or unreadable.
func Open(dataDir, retailer, runID string) (*Tracker, error) {
	t := &Tracker{path: Path(dataDir, retailer, runID), now: time.Now}
	if !checkpoint.Load(t.path, &t.meta) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRunNotFound, retailer, runID)
	}
	t.meta.ensureMaps()
	return t, nil
}

// RunID returns the run id.
func (t *Tracker) RunID() string { return t.meta.RunID }

// Path returns the metadata file.
func (t *Tracker) Path() string { return t.path }

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.Status
}

// Metadata returns a copy of the current document.
func (t *Tracker) Metadata() Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.clone()
}

// Reload replaces the in-memory copy with the file on disk, picking up
// changes written by another process.
func (t *Tracker) Reload() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh Metadata
	if !checkpoint.Load(t.path, &fresh) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, t.path)
	}
	fresh.ensureMaps()
	t.meta = fresh
	return nil
}

// UpdateConfig merges values into the run's config.
func (t *Tracker) UpdateConfig(values map[string]any) error {
	return t.mutate(func(m *Metadata) error {
		maps.Copy(m.Config, values)
		return nil
	})
}

// UpdateStatus moves the run to status. Setting the current status again is a no-op.
func (t *Tracker) UpdateStatus(status Status) error {
	return t.mutate(func(m *Metadata) error {
		if m.Status == status {
			return nil
		}
		if err := ValidateTransition(m.Status, status); err != nil {
			return err
		}
		m.Status = status
		return nil
	})
}

// UpdateStats merges counters into the run's stats.
func (t *Tracker) UpdateStats(values map[string]float64) error {
	return t.mutate(func(m *Metadata) error {
		maps.Copy(m.Stats, values)
		return nil
	})
}

// IncrementStat adds delta to a counter.
func (t *Tracker) IncrementStat(key string, delta float64) error {
	return t.mutate(func(m *Metadata) error {
		m.Stats[key] += delta
		return nil
	})
}

// AddError appends an error entry. url may be empty.
func (t *Tracker) AddError(message, url string) error {
	return t.mutate(func(m *Metadata) error {
		m.Errors = append(m.Errors, RunError{Timestamp: t.now().UTC(), Message: message, URL: url})
		return nil
	})
}

// UpdatePhases merges phase progress.
func (t *Tracker) UpdatePhases(values map[string]any) error {
	return t.mutate(func(m *Metadata) error {
		maps.Copy(m.Phases, values)
		return nil
	})
}

// Complete finalizes the run as complete.
func (t *Tracker) Complete() error {
	return t.finish(StatusComplete, "")
}

// Fail finalizes the run as failed, appending message to the errors when non-empty.
func (t *Tracker) Fail(message string) error {
	return t.finish(StatusFailed, message)
}

// Cancel finalizes the run as canceled.
func (t *Tracker) Cancel() error {
	return t.finish(StatusCanceled, "")
}

func (t *Tracker) finish(status Status, message string) error {
	return t.mutate(func(m *Metadata) error {
		if err := ValidateTransition(m.Status, status); err != nil {
			return err
		}
		now := t.now().UTC()
		m.Status = status
		m.CompletedAt = &now
		m.Stats[StatDurationSeconds] = max(now.Sub(m.StartedAt).Seconds(), 0)
		if message != "" {
			m.Errors = append(m.Errors, RunError{Timestamp: now, Message: message})
		}
		return nil
	})
}

// mutate applies fn to the current document and persists it; the in-memory
// state only changes when both steps succeed.
func (t *Tracker) mutate(fn func(m *Metadata) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.meta.clone()
	var onDisk Metadata
	if checkpoint.Load(t.path, &onDisk) && onDisk.RunID == t.meta.RunID {
		next = onDisk
	}
	next.ensureMaps()
	if err := fn(&next); err != nil {
		return err
	}
	if err := checkpoint.Save(t.path, next); err != nil {
		return fmt.Errorf("save run metadata: %w", err)
	}
	t.meta = next
	return nil
}

func (t *Tracker) persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := checkpoint.Save(t.path, t.meta); err != nil {
		return fmt.Errorf("save run metadata: %w", err)
	}
	return nil
}
