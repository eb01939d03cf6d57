// Package jobs runs the server's periodic maintenance: full registry
// refreshes and audit trail retention.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/registry"
)

// Off disables a job schedule.
const Off = "off"

// Observer receives one call per job run.
type Observer interface {
	ObserveJob(job string, err error)
}

// Job is one unit of scheduled work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on cron schedules. A run that is still going when its
// next slot arrives is skipped.
type Scheduler struct {
	cron     *cron.Cron
	observer Observer
	ids      map[string]cron.EntryID
	mu       sync.Mutex
	running  bool
}

func NewScheduler(observer Observer) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		observer: observer,
		ids:      make(map[string]cron.EntryID),
	}
}

// Add schedules job. Jobs with an empty or "off" schedule are ignored.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Schedule == "" || job.Schedule == Off {
		logger.Info("job disabled", "job", job.Name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(ctx, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.ids[job.Name] = id
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		logger.Error("scheduled job failed", "job", job.Name, "error", err)
	} else {
		logger.Debug("scheduled job completed", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}
	if s.observer != nil {
		s.observer.ObserveJob(job.Name, err)
	}
}

// Start begins running jobs and stops them when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	logger.Info("job scheduler started", "jobs", len(s.ids))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	logger.Info("job scheduler stopped")
}

// NextRun returns when a job runs next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.ids[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// RefreshJob rebuilds every cached definition from the store.
func RefreshJob(schedule string, reg *registry.Registry) Job {
	return Job{
		Name:     "registry-refresh",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			report, err := reg.RefreshAll(ctx)
			logger.Info("registry refreshed", "built", report.Built, "failed", len(report.Failed))
			return err
		},
	}
}

// PruneObserver receives the number of rows a retention run removed.
type PruneObserver interface {
	ObservePruned(n int64)
}

// RetentionJob deletes audit rows older than retention. A zero retention
// keeps everything.
func RetentionJob(schedule string, audit hooks.AuditStore, retention time.Duration, observer PruneObserver) Job {
	if retention <= 0 {
		schedule = Off
	}
	return Job{
		Name:     "audit-retention",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := audit.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if observer != nil {
				observer.ObservePruned(n)
			}
			if n > 0 {
				logger.Info("pruned execution audit rows", "deleted", n, "retention", retention.String())
			}
			return nil
		},
	}
}

// cronLogger routes cron's own messages into the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error(msg, append(keysAndValues, "error", err)...)
}
