package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// Scheduler runs tickFn every interval while started. Ticks never overlap:
// a tick that is still running when the next one is due delays it.
type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	logger   *slog.Logger

	cron    gocron.Scheduler
	running atomic.Bool

	mu     sync.Mutex
	jobID  uuid.UUID
	cancel context.CancelFunc

	// Ticks hold the read side. Stop takes the write side to wait for the
	// tick in progress.
	tickMu sync.RWMutex
}

type Option func(*Scheduler)

// WithName labels log lines, e.g. "dispatch" or "housekeeping".
func WithName(name string) Option { return func(s *Scheduler) { s.name = name } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func New(interval time.Duration, tickFn func(context.Context), opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}
	cron.Start()

	s := &Scheduler{
		name:     "scheduler",
		interval: interval,
		tickFn:   tickFn,
		cron:     cron,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("scheduler", s.name)
	return s, nil
}

// Start schedules the job with an immediate first tick. It returns false if
// the scheduler is already running or the job could not be created.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	job, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.safeTick(ctx) }),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		s.logger.Error("scheduler start failed", "err", err)
		return false
	}

	s.jobID = job.ID()
	s.cancel = cancel
	s.running.Store(true)

	s.logger.Info("scheduler started", "interval", s.interval.String())
	return true
}

// Stop removes the job, cancels the context handed to ticks and waits for
// the tick in progress to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	if err := s.cron.RemoveJob(s.jobID); err != nil {
		s.logger.Warn("failed to remove job", "err", err)
	}

	s.tickMu.Lock()
	s.running.Store(false)
	s.tickMu.Unlock()

	s.logger.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Close stops the scheduler and shuts down the underlying gocron scheduler.
// The Scheduler cannot be started again afterwards.
func (s *Scheduler) Close() error {
	s.Stop()
	return s.cron.Shutdown()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	s.tickMu.RLock()
	defer s.tickMu.RUnlock()

	if ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.logger.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
