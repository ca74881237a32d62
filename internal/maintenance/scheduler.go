package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Job names.
const (
	JobReconcile = "reconcile"
	JobSweep     = "sweep"
)

// Default schedules.
const (
	DefaultReconcileInterval = 24 * time.Hour
	DefaultSweepInterval     = 6 * time.Hour
)

// JobFunc runs one cycle of a job and returns its statistics.
type JobFunc func(ctx context.Context) (any, error)

// Job is a periodically run maintenance job.
type Job struct {
	Name     string
	Interval time.Duration // Time between runs
	Delay    time.Duration // Time before the first run
	Run      JobFunc
}

// Recorder persists the history of runs.
type Recorder interface {
	Start(ctx context.Context, job string) (*journal.Run, error)
	Finish(ctx context.Context, run *journal.Run, stats any, runErr error) error
}

// Result is the outcome of a triggered run.
type Result struct {
	Job   string `json:"job"`
	RunID string `json:"runId,omitempty"`
	Stats any    `json:"stats,omitempty"`
	Error string `json:"error,omitempty"`
}

type scheduledJob struct {
	Job
	running atomic.Bool
}

// Scheduler runs jobs on fixed intervals. A job never overlaps with itself;
// different jobs run independently. Failures are logged and recorded but
// never stop the schedule.
type Scheduler struct {
	jobs     map[string]*scheduledJob
	recorder Recorder
	metrics  *metrics.DaemonMetrics
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. recorder and m may be nil.
func NewScheduler(recorder Recorder, m *metrics.DaemonMetrics, jobs ...Job) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*scheduledJob, len(jobs)),
		recorder: recorder,
		metrics:  m,
	}
	for _, j := range jobs {
		s.jobs[j.Name] = &scheduledJob{Job: j}
	}
	return s
}

// ReconcileJob wraps a Reconciler as a job.
func ReconcileJob(r *Reconciler, interval, delay time.Duration) Job {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return Job{
		Name:     JobReconcile,
		Interval: interval,
		Delay:    delay,
		Run: func(ctx context.Context) (any, error) {
			stats, err := r.Run(ctx)
			if stats == nil {
				return nil, err
			}
			return stats, err
		},
	}
}

// SweepJob wraps a Sweeper as a job.
func SweepJob(s *Sweeper, interval, delay time.Duration) Job {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return Job{
		Name:     JobSweep,
		Interval: interval,
		Delay:    delay,
		Run: func(ctx context.Context) (any, error) {
			stats, err := s.Run(ctx)
			if stats == nil {
				return nil, err
			}
			return stats, err
		},
	}
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one goroutine per job. They stop when ctx is done; Wait
// blocks until they have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			log.Warn().Str("job", j.Name).Msg("job has no interval, not scheduled")
			continue
		}
		s.wg.Add(1)
		go func(j *scheduledJob) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until all job goroutines have stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *scheduledJob) {
	delay := time.NewTimer(j.Delay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.execute(ctx, j); errors.Is(err, ErrRunInProgress) {
			log.Debug().Str("job", j.Name).Msg("previous run still in progress, skipping")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Trigger runs a job now and waits for it. It fails with ErrUnknownJob or
// ErrRunInProgress without running the job.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Result, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// execute runs j once, recording the run. The job's own error is reported
// in the result, not returned, so callers can tell it from a rejected run.
func (s *Scheduler) execute(ctx context.Context, j *scheduledJob) (*Result, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%s: %w", j.Name, ErrRunInProgress)
	}
	defer j.running.Store(false)

	result := &Result{Job: j.Name}

	var run *journal.Run
	if s.recorder != nil {
		var err error
		run, err = s.recorder.Start(ctx, j.Name)
		if err != nil {
			log.Warn().Err(err).Str("job", j.Name).Msg("failed to record run start")
		} else {
			result.RunID = run.ID
		}
	}

	start := time.Now()
	stats, runErr := runSafely(ctx, j.Run)
	elapsed := time.Since(start)
	result.Stats = stats

	status := "success"
	if runErr != nil {
		status = "failure"
		result.Error = runErr.Error()
		log.Error().Err(runErr).Str("job", j.Name).Dur("duration", elapsed).Msg("maintenance job failed")
	} else {
		log.Debug().Str("job", j.Name).Dur("duration", elapsed).Msg("maintenance job finished")
	}
	s.metrics.ObserveRun(j.Name, status, elapsed)

	if run != nil {
		// Record even when ctx was canceled mid-run.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.recorder.Finish(finishCtx, run, stats, runErr); err != nil {
			log.Warn().Err(err).Str("job", j.Name).Msg("failed to record run result")
		}
		cancel()
	}
	return result, nil
}

func runSafely(ctx context.Context, fn JobFunc) (stats any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
