// Package schedule runs the background refresh jobs on cron
// expressions. Each job sleeps until its next tick rather than polling,
// so an idle server stays idle.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one recurring task.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Scheduler owns a set of cron jobs and their goroutines.
type Scheduler struct {
	log  *slog.Logger
	jobs []Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(log *slog.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Add registers a job. The cron expression is validated up front so a
// typo in config fails at startup, not at 2am.
func (s *Scheduler) Add(name, cron string, run func(ctx context.Context) error) error {
	if !gronx.IsValid(cron) {
		return fmt.Errorf("invalid cron expression for %s: %q", name, cron)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Cron: cron, Run: run})
	return nil
}

// Start launches one goroutine per registered job. It is a no-op when
// already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runLoop(ctx, job)
		}(job)
	}
	s.log.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels every job loop and waits for them to exit. In-flight
// runs observe the cancelled context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	for {
		next, err := gronx.NextTickAfter(job.Cron, time.Now(), false)
		if err != nil {
			s.log.Error("computing next tick failed", "job", job.Name, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		}

		start := time.Now()
		s.log.Info("job starting", "job", job.Name)
		if err := job.Run(ctx); err != nil {
			s.log.Error("job failed", "job", job.Name, "error", err, "elapsed", time.Since(start))
			continue
		}
		s.log.Info("job finished", "job", job.Name, "elapsed", time.Since(start))
	}
}
