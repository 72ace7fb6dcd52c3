// Package scheduler runs named background jobs on fixed intervals and
// keeps per-job run telemetry for the health endpoint.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is a single sweep. A non-nil error marks the run as failed;
// the job stays scheduled either way.
type JobFunc func(ctx context.Context) error

// JobState is a snapshot of one job's run telemetry.
type JobState struct {
	ID                  string     `json:"id"`
	LastStatus          string     `json:"last_status"` // "", "ok" or "error"
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastDurationMS      float64    `json:"last_duration_ms"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	Runs                uint64     `json:"runs"`
}

type job struct {
	id       string
	interval time.Duration
	fn       JobFunc

	running sync.Mutex // held while a run is in flight

	mu    sync.Mutex
	state JobState
}

// Scheduler owns a set of interval jobs. Jobs are added before Start;
// Start launches one goroutine per job and Stop waits for them to exit.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []*job
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a job. Adding after Start has no effect on the running set.
func (s *Scheduler) Add(id string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		id:       id,
		interval: interval,
		fn:       fn,
		state:    JobState{ID: id},
	})
}

// Start launches the job loops. It is a no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Snapshot returns the current telemetry of every registered job.
func (s *Scheduler) Snapshot() []JobState {
	s.mu.Lock()
	jobs := make([]*job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	states := make([]JobState, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		states = append(states, j.state)
		j.mu.Unlock()
	}
	return states
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.mu.Lock()
	next := time.Now().Add(j.interval)
	j.state.NextRunAt = &next
	j.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

// RunNow triggers a single run of the named job outside its schedule.
// It reports false when the job is unknown or already running.
func (s *Scheduler) RunNow(ctx context.Context, id string) bool {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.id == id {
			target = j
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}
	return s.runOnce(ctx, target)
}

// runOnce executes the job unless a previous run is still in flight.
// Overlapping ticks are coalesced, not queued.
func (s *Scheduler) runOnce(ctx context.Context, j *job) bool {
	if !j.running.TryLock() {
		s.logger.Warn("job still running, skipping tick", "job", j.id)
		return false
	}
	defer j.running.Unlock()

	started := time.Now()
	err := s.invoke(ctx, j)
	elapsed := time.Since(started)

	j.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = &started
	j.state.LastDurationMS = float64(elapsed.Microseconds()) / 1000.0
	next := started.Add(j.interval)
	j.state.NextRunAt = &next
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		j.state.ConsecutiveFailures++
	} else {
		finished := started.Add(elapsed)
		j.state.LastStatus = "ok"
		j.state.LastError = ""
		j.state.LastSuccessAt = &finished
		j.state.ConsecutiveFailures = 0
	}
	failures := j.state.ConsecutiveFailures
	j.mu.Unlock()

	if err != nil {
		s.logger.Error("job run failed",
			"job", j.id,
			"error", err,
			"consecutive_failures", failures,
			"duration", elapsed,
		)
	} else {
		s.logger.Info("job run completed", "job", j.id, "duration", elapsed)
	}
	return true
}

// invoke shields the loop from panicking jobs.
func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.fn(ctx)
}
