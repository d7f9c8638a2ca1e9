package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
	"github.com/jonesrussell/north-cloud/store-locator/internal/schedule"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
	opts  []manager.Options
	err   error
}

func (f *fakeStarter) Start(_ context.Context, retailer string, opts manager.Options) (manager.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, retailer)
	f.opts = append(f.opts, opts)
	return manager.Info{Retailer: retailer, RunID: "run-1", PID: 42}, f.err
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_RejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	s := schedule.New(&fakeStarter{})
	err := s.Add(schedule.Job{Retailer: "gamestop", Spec: "every tuesday"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gamestop")
	assert.Empty(t, s.Entries())
}

func TestScheduler_AddReplacesAndRemoves(t *testing.T) {
	t.Parallel()

	s := schedule.New(&fakeStarter{})
	require.NoError(t, s.Add(
		schedule.Job{Retailer: "telus", Spec: "0 3 * * *"},
		schedule.Job{Retailer: "gamestop", Spec: "0 2 * * *"},
	))
	require.NoError(t, s.Add(schedule.Job{Retailer: "telus", Spec: "30 4 * * 1"}))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "gamestop", entries[0].Retailer)
	assert.Equal(t, "telus", entries[1].Retailer)
	assert.Equal(t, "30 4 * * 1", entries[1].Spec)

	s.Remove("gamestop")
	assert.Len(t, s.Entries(), 1)
}

func TestScheduler_FiresScheduledStarts(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s := schedule.New(starter)
	require.NoError(t, s.Add(schedule.Job{Retailer: "gamestop", Spec: "@every 1s"}))

	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.False(t, s.Entries()[0].Next.IsZero())
	require.Eventually(t, func() bool { return starter.count() > 0 }, 5*time.Second, 50*time.Millisecond)

	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Equal(t, "gamestop", starter.calls[0])
	assert.Equal(t, manager.Options{Resume: true, Incremental: true}, starter.opts[0])
}

func TestScheduler_SurvivesStartErrors(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{err: &manager.Error{Kind: manager.ErrInvalidRequest, Msg: "scraper for telus is already running (pid 7)"}}
	s := schedule.New(starter, schedule.WithOptions(manager.Options{Test: true}), schedule.WithLocation(time.UTC))
	require.NoError(t, s.Add(schedule.Job{Retailer: "telus", Spec: "@every 1s"}))

	s.Start()
	require.Eventually(t, func() bool { return starter.count() >= 2 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	starter.mu.Lock()
	defer starter.mu.Unlock()
	assert.Equal(t, manager.Options{Test: true}, starter.opts[0])
}
