package runs_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
)

const testRetailer = "gamestop"

func readRaw(t *testing.T, path string) map[string]any {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestNew_CreatesRunningRecordOnDisk(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	tracker, err := runs.New(dataDir, testRetailer, "")
	require.NoError(t, err)

	assert.Regexp(t, `^\d{8}_\d{6}_[0-9a-f]{8}$`, tracker.RunID())
	assert.Equal(t, runs.Path(dataDir, testRetailer, tracker.RunID()), tracker.Path())

	doc := readRaw(t, tracker.Path())
	for _, key := range []string{"run_id", "retailer", "status", "started_at", "completed_at", "config", "stats", "phases", "errors"} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, "running", doc["status"])
	assert.Nil(t, doc["completed_at"])
	assert.Equal(t, []any{}, doc["errors"])
}

func TestNew_AttachesToExistingRun(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	first, err := runs.New(dataDir, testRetailer, "run-1")
	require.NoError(t, err)
	require.NoError(t, first.UpdateConfig(map[string]any{"limit": 1, runs.ConfigPID: 4242}))

	second, err := runs.New(dataDir, testRetailer, "run-1")
	require.NoError(t, err)

	meta := second.Metadata()
	assert.Equal(t, "run-1", meta.RunID)
	assert.InDelta(t, 1, meta.Config["limit"], 0)
	assert.Equal(t, 4242, meta.PID())
}

func TestOpen_MissingRun(t *testing.T) {
	t.Parallel()

	_, err := runs.Open(t.TempDir(), testRetailer, "nope")
	require.ErrorIs(t, err, runs.ErrRunNotFound)
}

func TestTracker_MutatorsPersist(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	tracker, err := runs.New(dataDir, testRetailer, "")
	require.NoError(t, err)

	require.NoError(t, tracker.UpdateStats(map[string]float64{"stores_found": 10}))
	require.NoError(t, tracker.IncrementStat(runs.StatStoresScraped, 1))
	require.NoError(t, tracker.IncrementStat(runs.StatStoresScraped, 2))
	require.NoError(t, tracker.UpdatePhases(map[string]any{"sitemap": "done"}))
	require.NoError(t, tracker.AddError("timeout", "https://example.com/1"))
	require.NoError(t, tracker.UpdateStatus(runs.StatusPaused))

	reloaded, err := runs.Get(dataDir, testRetailer, tracker.RunID())
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPaused, reloaded.Status)
	assert.InDelta(t, 10, reloaded.Stats["stores_found"], 0)
	assert.InDelta(t, 3, reloaded.Stats[runs.StatStoresScraped], 0)
	assert.Equal(t, "done", reloaded.Phases["sitemap"])
	require.Len(t, reloaded.Errors, 1)
	assert.Equal(t, "timeout", reloaded.Errors[0].Message)
	assert.Equal(t, "https://example.com/1", reloaded.Errors[0].URL)
}

func TestTracker_Complete(t *testing.T) {
	t.Parallel()

	tracker, err := runs.New(t.TempDir(), testRetailer, "")
	require.NoError(t, err)
	require.NoError(t, tracker.Complete())

	meta := tracker.Metadata()
	assert.Equal(t, runs.StatusComplete, meta.Status)
	require.NotNil(t, meta.CompletedAt)
	assert.GreaterOrEqual(t, meta.Stats[runs.StatDurationSeconds], 0.0)
	assert.False(t, meta.CompletedAt.Before(meta.StartedAt))
}

func TestTracker_FailAppendsError(t *testing.T) {
	t.Parallel()

	tracker, err := runs.New(t.TempDir(), testRetailer, "")
	require.NoError(t, err)
	require.NoError(t, tracker.Fail("exit status 2"))

	meta := tracker.Metadata()
	assert.Equal(t, runs.StatusFailed, meta.Status)
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, "exit status 2", meta.Errors[0].Message)
}

func TestTracker_TerminalNeverReverts(t *testing.T) {
	t.Parallel()

	tracker, err := runs.New(t.TempDir(), testRetailer, "")
	require.NoError(t, err)
	require.NoError(t, tracker.Cancel())

	require.ErrorIs(t, tracker.UpdateStatus(runs.StatusRunning), runs.ErrInvalidTransition)
	require.ErrorIs(t, tracker.Complete(), runs.ErrInvalidTransition)
	require.ErrorIs(t, tracker.Fail("late"), runs.ErrInvalidTransition)

	// Errors and stats may still be appended.
	require.NoError(t, tracker.AddError("late error", ""))
	require.NoError(t, tracker.IncrementStat("late", 1))

	meta := tracker.Metadata()
	assert.Equal(t, runs.StatusCanceled, meta.Status)
	assert.Len(t, meta.Errors, 1)
}

func TestTracker_ReloadSeesOtherWriter(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	manager, err := runs.New(dataDir, testRetailer, "")
	require.NoError(t, err)

	subprocess, err := runs.Open(dataDir, testRetailer, manager.RunID())
	require.NoError(t, err)
	require.NoError(t, subprocess.Complete())

	assert.Equal(t, runs.StatusRunning, manager.Status())
	require.NoError(t, manager.Reload())
	assert.Equal(t, runs.StatusComplete, manager.Status())
}

func TestTracker_MetadataIsACopy(t *testing.T) {
	t.Parallel()

	tracker, err := runs.New(t.TempDir(), testRetailer, "")
	require.NoError(t, err)

	meta := tracker.Metadata()
	meta.Config["mutated"] = true
	assert.NotContains(t, tracker.Metadata().Config, "mutated")
}

func TestTracker_SaveFailureLeavesMemoryUnchanged(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	tracker, err := runs.New(dataDir, testRetailer, "")
	require.NoError(t, err)

	// Replace the runs directory with a file so the next save cannot create its temp file.
	runsDir := runs.Dir(dataDir, testRetailer)
	require.NoError(t, os.RemoveAll(runsDir))
	require.NoError(t, os.WriteFile(runsDir, []byte("x"), 0o644))

	require.Error(t, tracker.Complete())
	assert.Equal(t, runs.StatusRunning, tracker.Status())
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, runs.ValidateTransition(runs.StatusRunning, runs.StatusComplete))
	require.NoError(t, runs.ValidateTransition(runs.StatusPaused, runs.StatusRunning))
	require.ErrorIs(t, runs.ValidateTransition(runs.StatusComplete, runs.StatusRunning), runs.ErrInvalidTransition)
	require.ErrorIs(t, runs.ValidateTransition(runs.StatusPaused, runs.StatusComplete), runs.ErrInvalidTransition)
	require.ErrorIs(t, runs.ValidateTransition("bogus", runs.StatusRunning), runs.ErrInvalidTransition)

	assert.True(t, runs.StatusFailed.IsTerminal())
	assert.False(t, runs.StatusPaused.IsTerminal())
	assert.True(t, runs.StatusPaused.IsValid())
	assert.False(t, runs.Status("bogus").IsValid())
}

func TestNewRunID_Sortable(t *testing.T) {
	t.Parallel()

	early := runs.NewRunID(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	late := runs.NewRunID(time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC))
	assert.Less(t, early, late)
	assert.Equal(t, "20260102_030405", early[:15])
	assert.Equal(t, filepath.Join("data", testRetailer, "runs"), runs.Dir("data", testRetailer))
}

func TestTracker_WritersDoNotDropEachOthersFields(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	manager, err := runs.New(dataDir, testRetailer, "")
	require.NoError(t, err)
	subprocess, err := runs.Open(dataDir, testRetailer, manager.RunID())
	require.NoError(t, err)

	require.NoError(t, manager.UpdateConfig(map[string]any{runs.ConfigPID: 99}))
	require.NoError(t, subprocess.IncrementStat(runs.StatStoresScraped, 4))
	require.NoError(t, subprocess.Complete())

	// The manager's stale copy must not resurrect the run.
	require.ErrorIs(t, manager.Cancel(), runs.ErrInvalidTransition)

	meta, err := runs.Get(dataDir, testRetailer, manager.RunID())
	require.NoError(t, err)
	assert.Equal(t, runs.StatusComplete, meta.Status)
	assert.Equal(t, 99, meta.PID())
	assert.InDelta(t, 4, meta.Stats[runs.StatStoresScraped], 0)
}
