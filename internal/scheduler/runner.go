package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PaulBabatuyi/FileFlow/internal/lock"
	"github.com/PaulBabatuyi/FileFlow/internal/observability"
)

// Job is one periodic unit of work. Run errors mean the batch infrastructure failed.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

func NewJob(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Schedule binds a job to its fixed period.
type Schedule struct {
	Job      Job
	Interval time.Duration
}

type RunnerConfig struct {
	Locker    lock.Locker
	LockWait  time.Duration
	LockLease time.Duration
	Logger    *zap.Logger
	Metrics   *observability.MetricsCollector
}

// Runner ticks every scheduled job on its own goroutine. Each run holds the job's
// lock so only one instance in the fleet executes it at a time.
type Runner struct {
	config    RunnerConfig
	schedules []Schedule
	done      chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	stopOnce  sync.Once
}

func NewRunner(config RunnerConfig, schedules ...Schedule) *Runner {
	if config.LockLease == 0 {
		config.LockLease = time.Minute
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Runner{
		config:    config,
		schedules: schedules,
		done:      make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	for _, s := range r.schedules {
		r.wg.Add(1)
		go r.loop(ctx, s)
	}
	r.config.Logger.Info("scheduler started", zap.Int("jobs", len(r.schedules)))
}

// Stop ends the tick loops and waits for running jobs until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.done)
		r.running.Store(false)
	})

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		r.config.Logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (r *Runner) Running() bool { return r.running.Load() }

func (r *Runner) loop(ctx context.Context, s Schedule) {
	defer r.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.RunOnce(ctx, s.Job)
		}
	}
}

// RunOnce executes job under its lock. Losing the lock race is not an error.
func (r *Runner) RunOnce(ctx context.Context, job Job) error {
	name := job.Name()
	key := "job:" + name
	logger := r.config.Logger.With(zap.String("job", name))

	acquired, err := r.config.Locker.TryLock(ctx, key, r.config.LockWait, r.config.LockLease)
	if err != nil {
		logger.Error("acquire job lock", zap.Error(err))
		r.config.Metrics.JobRun(name, "lock_error", 0)
		return err
	}
	if !acquired {
		logger.Debug("job lock held elsewhere, skipping run")
		r.config.Metrics.LockSkipped(name)
		return nil
	}
	defer func() {
		if err := r.config.Locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
			if errors.Is(err, lock.ErrNotHeld) {
				logger.Warn("job outlived its lock lease", zap.Duration("lease", r.config.LockLease))
				return
			}
			logger.Error("release job lock", zap.Error(err))
		}
	}()

	start := time.Now()
	err = runProtected(ctx, job)
	took := time.Since(start)

	result := "ok"
	level := zapcore.DebugLevel
	if err != nil {
		result = "error"
		level = zapcore.ErrorLevel
	}
	r.config.Metrics.JobRun(name, result, took)
	if ce := logger.Check(level, "job run"); ce != nil {
		ce.Write(zap.Duration("duration", took), zap.Error(err))
	}
	return err
}

func runProtected(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), p)
		}
	}()
	return job.Run(ctx)
}
