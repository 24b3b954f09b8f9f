// Package scheduler is the cron-driven enqueuer of per-stream Sync jobs.
// hardloop runs one cron entry per enabled stream; in clustered mode a
// single replica holds the scheduler leader lock, and a Reload rebuilds the
// cron set whenever a connection or stream changes, since hardloop does not
// support adding or removing jobs from a running set.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"

	"github.com/loamtrace/elt/internal/cluster"
	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// cronRunner is satisfied by hardloop's unexported runner type, returned by
// hardloop.NewCron, so the Scheduler can store it without naming the type.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Enqueuer is the narrow slice of job.Orchestrator the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType store.JobType, payload any, parentJobID *string) (store.Job, error)
}

// Scheduler loads every enabled stream's cron schedule (the stream's own
// override, or its StreamDescriptor default) and enqueues a Sync job on
// each tick.
type Scheduler struct {
	streams  store.StreamStorer
	sources  store.SourceConnectionStorer
	reg      *registry.Registry
	enqueuer Enqueuer
	cluster  *cluster.Cluster

	mu     sync.Mutex
	cron   cronRunner
	cancel context.CancelFunc
	ctx    context.Context
}

// New builds a Scheduler. cl may be nil, which runs in single-instance mode
// (no leader election).
func New(streams store.StreamStorer, sources store.SourceConnectionStorer, reg *registry.Registry, enqueuer Enqueuer, cl *cluster.Cluster) *Scheduler {
	return &Scheduler{streams: streams, sources: sources, reg: reg, enqueuer: enqueuer, cluster: cl}
}

// Start loads every enabled stream's cron schedule and starts the runner. In
// clustered mode it defers starting until the leader lock is acquired.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx

	if s.cluster != nil {
		go s.runLockLoop(ctx)
		return nil
	}

	return s.reload()
}

func (s *Scheduler) runLockLoop(ctx context.Context) {
	logger := logi.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		logger.Info("scheduler: attempting to acquire leader lock")
		if err := s.cluster.LockScheduler(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("scheduler: failed to acquire lock, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		logger.Info("scheduler: acquired leader lock, starting stream cron jobs")

		s.mu.Lock()
		if err := s.reload(); err != nil {
			logger.Error("scheduler: failed to start cron runner", "error", err)
		}
		s.mu.Unlock()

		<-ctx.Done()

		logger.Info("scheduler: releasing leader lock")
		s.Stop()
		s.cluster.UnlockScheduler()
		return
	}
}

// Reload stops the current cron runner and rebuilds it from the current set
// of enabled streams. Call this after a connection or stream is
// created/enabled/disabled, since hardloop does not support adding or
// removing jobs from a running cron set.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reload()
}

// Stop stops the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *Scheduler) reload() error {
	s.stopLocked()

	if s.ctx == nil {
		return nil
	}

	streams, err := s.streams.ListEnabledStreams(s.ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load enabled streams: %w", err)
	}

	crons := make([]hardloop.Cron, 0, len(streams))
	for _, st := range streams {
		spec, ok := s.cronSpecFor(st)
		if !ok {
			continue
		}

		stream := st // capture
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("sync-%s-%s", stream.SourceConnectionID, stream.StreamName),
			Specs: []string{spec},
			Func:  s.makeCronFunc(stream),
		})
	}

	if len(crons) == 0 {
		logi.Ctx(s.ctx).Info("scheduler: no enabled streams with a cron schedule")
		return nil
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("scheduler: create cron runner: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("scheduler: start cron runner: %w", err)
	}

	logi.Ctx(s.ctx).Info("scheduler: started stream cron jobs", "count", len(crons))
	return nil
}

// cronSpecFor resolves a stream's effective cron schedule: its own override,
// else the stream descriptor's default. Streams with neither are synced only
// through the job API.
func (s *Scheduler) cronSpecFor(st store.Stream) (string, bool) {
	if st.CronSchedule != nil && *st.CronSchedule != "" {
		return *st.CronSchedule, true
	}

	sc, err := s.sources.GetSourceConnection(s.ctx, st.SourceConnectionID)
	if err != nil {
		logi.Ctx(s.ctx).Warn("scheduler: source connection lookup failed", "source_connection_id", st.SourceConnectionID, "error", err)
		return "", false
	}

	srcDesc, ok := s.reg.GetSource(sc.Source)
	if !ok {
		return "", false
	}
	for _, sd := range srcDesc.Streams {
		if sd.Name == st.StreamName && sd.DefaultCronSchedule != "" {
			return sd.DefaultCronSchedule, true
		}
	}
	return "", false
}

// makeCronFunc returns the function hardloop calls on each tick: enqueue one
// Sync job for this (source_connection, stream) pair with its current
// cursor. Ticks are skipped while the connection is disabled or waiting for
// reauthorization, and while a prior sync for the stream is still active.
func (s *Scheduler) makeCronFunc(st store.Stream) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		logger := logi.Ctx(ctx)

		sc, err := s.sources.GetSourceConnection(ctx, st.SourceConnectionID)
		if err != nil {
			logger.Warn("scheduler: source connection lookup failed", "source_connection_id", st.SourceConnectionID, "error", err)
			return nil
		}
		if !sc.IsActive || sc.ErrorMessage != nil {
			logger.Debug("scheduler: skipping stream, connection not ready", "source_connection_id", st.SourceConnectionID, "stream", st.StreamName)
			return nil
		}

		row, err := s.streams.GetStream(ctx, st.SourceConnectionID, st.StreamName)
		if err != nil {
			logger.Warn("scheduler: stream lookup failed", "source_connection_id", st.SourceConnectionID, "stream", st.StreamName, "error", err)
			return nil
		}
		if !row.IsEnabled {
			return nil
		}

		logger.Info("scheduler: cron triggered", "source_connection_id", st.SourceConnectionID, "stream", st.StreamName)

		payload := job.SyncPayload{
			SourceConnectionID: st.SourceConnectionID,
			StreamName:         st.StreamName,
			Cursor:             row.Cursor,
		}
		if _, err := s.enqueuer.Enqueue(ctx, store.JobSync, payload, nil); err != nil {
			if errors.Is(err, store.ErrDuplicateActiveJob) {
				logger.Debug("scheduler: prior sync still active, skipping", "source_connection_id", st.SourceConnectionID, "stream", st.StreamName)
				return nil
			}
			logger.Error("scheduler: enqueue sync job failed", "source_connection_id", st.SourceConnectionID, "stream", st.StreamName, "error", err)
			return nil // don't stop the cron loop on a transient enqueue failure
		}
		return nil
	}
}
