package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	j, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestScheduler_TriggerRecordsRun(t *testing.T) {
	j := openJournal(t)
	s := NewScheduler(j, nil, Job{
		Name:     "count",
		Interval: time.Hour,
		Run: func(context.Context) (any, error) {
			return map[string]int{"deleted": 3}, nil
		},
	})

	res, err := s.Trigger(context.Background(), "count")
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.RunID)

	last, err := j.Last(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, last.ID)
	assert.Equal(t, journal.StatusSuccess, last.Status)
	assert.JSONEq(t, `{"deleted":3}`, string(last.Stats))
}

func TestScheduler_JobErrorIsRecorded(t *testing.T) {
	j := openJournal(t)
	s := NewScheduler(j, nil, Job{
		Name:     "broken",
		Interval: time.Hour,
		Run: func(context.Context) (any, error) {
			return nil, errors.New("index unavailable")
		},
	})

	res, err := s.Trigger(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "index unavailable", res.Error)

	last, err := j.Last(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailure, last.Status)
}

func TestScheduler_PanicIsCaught(t *testing.T) {
	s := NewScheduler(nil, nil, Job{
		Name:     "panics",
		Interval: time.Hour,
		Run: func(context.Context) (any, error) {
			panic("boom")
		},
	})

	res, err := s.Trigger(context.Background(), "panics")
	require.NoError(t, err)
	assert.Contains(t, res.Error, "boom")

	// The job can run again afterwards.
	_, err = s.Trigger(context.Background(), "panics")
	require.NoError(t, err)
}

func TestScheduler_UnknownJob(t *testing.T) {
	s := NewScheduler(nil, nil)
	_, err := s.Trigger(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_NoOverlap(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := NewScheduler(nil, nil, Job{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), "slow")
		done <- err
	}()
	<-started

	_, err := s.Trigger(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil, nil, Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Delay:    time.Millisecond,
		Run: func(context.Context) (any, error) {
			runs.Add(1)
			return nil, errors.New("failures do not stop the schedule")
		},
	})
	assert.Equal(t, []string{"tick"}, s.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	assert.True(t, testutil.WaitFor(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return runs.Load() >= 3
	}))
	cancel()
	s.Wait()
}

func TestScheduler_DelayHonorsCancel(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil, nil, Job{
		Name:     "late",
		Interval: time.Hour,
		Delay:    time.Hour,
		Run: func(context.Context) (any, error) {
			runs.Add(1)
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Wait()
	assert.Zero(t, runs.Load())
}
