// Package scheduler runs a job on a fixed interval, one run at a time.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultInterval = 5 * time.Minute

// Job is one unit of scheduled work. An error fails only this run.
type Job func(ctx context.Context) error

type Options struct {
	Interval time.Duration
	// RunOnStart runs the job once as soon as Run is called instead of
	// waiting a full interval.
	RunOnStart bool
	Logger     log.FieldLogger
}

// Stats counts what the scheduler did since it started.
type Stats struct {
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	Panics   int64     `json:"panics"`
	Skipped  int64     `json:"skipped"`
	LastRun  time.Time `json:"last_run"`
}

type Scheduler struct {
	job  Job
	opts Options
	log  log.FieldLogger

	running  atomic.Bool
	wg       sync.WaitGroup
	runs     atomic.Int64
	failures atomic.Int64
	panics   atomic.Int64
	skipped  atomic.Int64
	lastRun  atomic.Int64
}

func New(job Job, opts Options) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("scheduler needs a job")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < 0 {
		return nil, errors.Errorf("invalid interval %s", opts.Interval)
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Scheduler{
		job:  job,
		opts: opts,
		log:  opts.Logger.WithField("component", "scheduler"),
	}, nil
}

// Run triggers the job on every tick until ctx is cancelled, then waits for
// the run in flight and returns. A tick arriving while the job still runs is
// skipped, runs never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.opts.Interval).Info("scheduler started")
	if s.opts.RunOnStart {
		s.trigger(ctx)
	}
	for {
		select {
		case <-ticker.C:
			s.trigger(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.log.WithField("skipped", n).Warn("previous run still in progress, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.execute(ctx)
	}()
}

func (s *Scheduler) execute(ctx context.Context) {
	run := s.runs.Add(1)
	started := time.Now()
	s.lastRun.Store(started.UnixNano())
	logger := s.log.WithField("cycle", run)

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.failures.Add(1)
			logger.WithField("stack", string(debug.Stack())).Error(fmt.Sprintf("run panicked: %v", r))
		}
	}()

	if err := s.job(ctx); err != nil {
		s.failures.Add(1)
		logger.WithError(err).WithField("duration", time.Since(started)).Warn("run failed")
		return
	}
	logger.WithField("duration", time.Since(started)).Debug("run finished")
}

// RunOnce runs the job synchronously with the same safety net as a tick.
// It reports false without running when a run is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return false
	}
	defer s.running.Store(false)
	s.execute(ctx)
	return true
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
		Panics:   s.panics.Load(),
		Skipped:  s.skipped.Load(),
	}
	if ns := s.lastRun.Load(); ns != 0 {
		st.LastRun = time.Unix(0, ns)
	}
	return st
}
