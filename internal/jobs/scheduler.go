// Package jobs runs the periodic maintenance jobs of the backup server and
// the one-shot delayed jobs spawned by uploads.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backupchan/internal/logging"
	"backupchan/internal/metrics"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// DefaultTick is how often the scheduler checks for due jobs
const DefaultTick = time.Second

// Job is a unit of periodic work
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobInfo is a snapshot of a registered job
type JobInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	NextRun  time.Time     `json:"next_run"`
	Forced   bool          `json:"forced"`
}

type scheduledJob struct {
	job      Job
	interval time.Duration
	nextRun  time.Time
	force    bool
}

// Scheduler runs registered jobs one after another from a single loop.
// No two scheduled jobs ever run at the same time.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*scheduledJob
	clock  clock.Clock
	tick   time.Duration
	logger *logging.Logger
	done   chan struct{}
}

// NewScheduler creates a scheduler. A nil clock means wall clock time and a
// non-positive tick means DefaultTick.
func NewScheduler(clk clock.Clock, tick time.Duration, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Scheduler{
		clock:  clk,
		tick:   tick,
		logger: logger,
	}
}

func (s *Scheduler) log() *logrus.Entry {
	return s.logger.WithComponent("scheduler")
}

// AddJob registers job to run every interval, first one interval from now
func (s *Scheduler) AddJob(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = append(s.jobs, &scheduledJob{
		job:      job,
		interval: interval,
		nextRun:  s.clock.Now().Add(interval),
	})
	s.log().WithField("job", job.Name()).WithField("interval", interval).Info("Created scheduled job")
}

// ForceRunJob makes the named job run on the next tick regardless of its
// schedule. It reports whether such a job exists.
func (s *Scheduler) ForceRunJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sj := range s.jobs {
		if sj.job.Name() == name {
			sj.force = true
			s.log().WithField("job", name).Info("Force re-run")
			return true
		}
	}
	s.log().WithField("job", name).Warn("Requested to force-run job, but no such job found")
	return false
}

// Jobs returns a snapshot of every registered job in registration order
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, len(s.jobs))
	for i, sj := range s.jobs {
		infos[i] = JobInfo{
			Name:     sj.job.Name(),
			Interval: sj.interval,
			NextRun:  sj.nextRun,
			Forced:   sj.force,
		}
	}
	return infos
}

// Tick runs every job that is due or forced. The next run of a job is
// scheduled one interval after the start of the tick.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	jobs := append([]*scheduledJob(nil), s.jobs...)
	s.mu.Unlock()

	for _, sj := range jobs {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		due := !now.Before(sj.nextRun) || sj.force
		if due {
			sj.force = false
		}
		s.mu.Unlock()
		if !due {
			continue
		}

		s.runJob(ctx, sj.job)

		s.mu.Lock()
		sj.nextRun = now.Add(sj.interval)
		s.mu.Unlock()
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	name := job.Name()
	s.log().WithField("job", name).Info("Run job")

	start := time.Now()
	err := safeRun(ctx, job.Run)
	duration := time.Since(start)

	metrics.ScheduledJobRuns.WithLabelValues(name, metrics.Result(err)).Inc()
	metrics.ScheduledJobDuration.WithLabelValues(name).Observe(duration.Seconds())
	s.logger.LogJobRun("scheduled", name, duration, err)
}

// Run ticks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	s.log().Info("Start job scheduler")
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log().Info("Job scheduler stopped")
			return
		case <-s.clock.After(s.tick):
		}
	}
}

// Start runs the scheduler loop on its own goroutine
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Wait blocks until a loop started with Start has returned
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// safeRun calls fn and turns a panic into an error
func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
