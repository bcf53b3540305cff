// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package cron runs the periodic reconciliation jobs.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"decred.org/dcrcustody/custody"
	"golang.org/x/sync/errgroup"
)

// ErrBusy is returned by Trigger when the job is already running.
const ErrBusy = custody.ErrorKind("job busy")

// ErrHalted is returned by Trigger for a job halted by an invariant violation.
const ErrHalted = custody.ErrorKind("job halted")

// ErrUnknownJob is returned by Trigger for a name that was never added.
const ErrUnknownJob = custody.ErrorKind("unknown job")

// Ticker is a job. Tick does one bounded unit of work. A tick that is
// interrupted must leave the ledger in a state the next tick can resume from.
type Ticker interface {
	Tick(ctx context.Context) error
}

// TickFunc adapts a function to a Ticker.
type TickFunc func(ctx context.Context) error

// Tick calls f.
func (f TickFunc) Tick(ctx context.Context) error {
	return f(ctx)
}

type job struct {
	name     string
	interval time.Duration
	ticker   Ticker

	mtx     sync.Mutex
	halted  bool
	lastErr error
	lastRun time.Time
}

// JobStatus is a snapshot of a job's state.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Halted    bool          `json:"halted"`
	LastRun   time.Time     `json:"lastRun"`
	LastError string        `json:"lastError,omitempty"`
}

// Scheduler runs each job on its own interval. Ticks of one job never
// overlap. A job whose tick fails with custody.ErrInvariant is halted and
// not run again until the process restarts.
type Scheduler struct {
	guard   *Guard
	metrics *Metrics
	log     custody.Logger

	mtx  sync.RWMutex
	jobs map[string]*job
}

// NewScheduler is the constructor for a Scheduler.
func NewScheduler(metrics *Metrics, log custody.Logger) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Scheduler{
		guard:   NewGuard(),
		metrics: metrics,
		log:     log,
		jobs:    make(map[string]*job),
	}
}

// Add registers a job. Add must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, t Ticker) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: non-positive interval %s", name, interval)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, found := s.jobs[name]; found {
		return fmt.Errorf("duplicate job %s", name)
	}
	s.jobs[name] = &job{name: name, interval: interval, ticker: t}
	s.metrics.setHalted(name, false)
	return nil
}

// Run ticks every job until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mtx.RLock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mtx.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	s.log.Debugf("Starting job %s every %s", j.name, j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if err := s.run(ctx, j); errors.Is(err, ErrHalted) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Trigger runs one tick of the named job now. It fails with ErrBusy if a
// tick is already in progress.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mtx.RLock()
	j, found := s.jobs[name]
	s.mtx.RUnlock()
	if !found {
		return custody.NewError(ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	j.mtx.Lock()
	halted := j.halted
	j.mtx.Unlock()
	if halted {
		return ErrHalted
	}

	release, ok := s.guard.TryLock(j.name)
	if !ok {
		s.log.Tracef("Job %s still running, skipping tick", j.name)
		s.metrics.observe(j.name, resultSkipped, 0)
		return ErrBusy
	}
	defer release()

	start := time.Now()
	err := j.ticker.Tick(ctx)
	elapsed := time.Since(start)

	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.lastRun = start
	j.lastErr = err
	switch {
	case err == nil:
		s.metrics.observe(j.name, resultOK, elapsed)
		return nil
	case errors.Is(err, custody.ErrInvariant):
		j.halted = true
		s.metrics.observe(j.name, resultHalted, elapsed)
		s.metrics.setHalted(j.name, true)
		s.log.Criticalf("Job %s halted: %v", j.name, err)
		return custody.NewError(ErrHalted, err.Error())
	case ctx.Err() != nil:
		s.log.Debugf("Job %s interrupted: %v", j.name, err)
		s.metrics.observe(j.name, resultError, elapsed)
		return err
	default:
		s.log.Errorf("Job %s failed: %v", j.name, err)
		s.metrics.observe(j.name, resultError, elapsed)
		return err
	}
}

// Status lists the state of every job, sorted by name.
func (s *Scheduler) Status() []*JobStatus {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	stats := make([]*JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mtx.Lock()
		st := &JobStatus{
			Name:     j.name,
			Interval: j.interval,
			Running:  s.guard.Busy(j.name),
			Halted:   j.halted,
			LastRun:  j.lastRun,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mtx.Unlock()
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, k int) bool { return stats[i].Name < stats[k].Name })
	return stats
}
