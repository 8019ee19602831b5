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
	"golang.org/x/sync/semaphore"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/observability"
)

// Handler executes one claimed outbox entry. It must be idempotent: stale recovery can
// deliver the same entry twice.
type Handler interface {
	Handle(ctx context.Context, e *outbox.Entry) error
}

// Abandoner is implemented by handlers that must react when their entry gives up for good.
type Abandoner interface {
	Abandon(ctx context.Context, e *outbox.Entry, cause error)
}

type HandlerFunc func(ctx context.Context, e *outbox.Entry) error

func (f HandlerFunc) Handle(ctx context.Context, e *outbox.Entry) error { return f(ctx, e) }

type permanentError struct{ err error }

func (p *permanentError) Error() string   { return p.err.Error() }
func (p *permanentError) Unwrap() error   { return p.err }
func (p *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain classifies itself as permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

type Bucket string

const (
	BucketPending Bucket = "pending"
	BucketRetry   Bucket = "retry"
	BucketStale   Bucket = "stale"
)

type DispatcherConfig struct {
	BatchSize      int
	MaxInFlight    int
	StaleAfter     time.Duration
	HandlerTimeout time.Duration
}

// RunStats counts what one dispatch run claimed. Outcomes arrive later in Totals.
type RunStats struct {
	Pending int
	Retry   int
	Stale   int
	Claimed int
	Skipped int
}

type Totals struct {
	Succeeded         int64
	Retried           int64
	PermanentlyFailed int64
}

type route struct {
	handler Handler
	backoff retry.Policy
}

// Dispatcher claims outbox entries and hands them to the handler registered for their kind.
// Handlers run on their own goroutines, bounded by MaxInFlight.
type Dispatcher struct {
	config DispatcherConfig
	store  database.Store
	routes map[outbox.Kind]route
	kinds  []outbox.Kind
	clock  clock.Clock
	logger   *zap.Logger
	metrics  *observability.MetricsCollector

	sem      *semaphore.Weighted
	inFlight sync.Map
	wg       sync.WaitGroup

	succeeded atomic.Int64
	retried   atomic.Int64
	abandoned atomic.Int64
}

func NewDispatcher(config DispatcherConfig, store database.Store, c clock.Clock, logger *zap.Logger, metrics *observability.MetricsCollector) *Dispatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 16
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.HandlerTimeout == 0 {
		config.HandlerTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		config:  config,
		store:   store,
		routes:  make(map[outbox.Kind]route),
		clock:   c,
		logger:  logger,
		metrics: metrics,
		sem:     semaphore.NewWeighted(int64(config.MaxInFlight)),
	}
}

// Register routes kind to h. FAILED rows of kind wait backoff.Delay(retry_count) before
// they are retried; pass the policy that built the rows. Register before the first run.
func (d *Dispatcher) Register(kind outbox.Kind, h Handler, backoff retry.Policy) {
	if _, ok := d.routes[kind]; !ok {
		d.kinds = append(d.kinds, kind)
	}
	d.routes[kind] = route{handler: h, backoff: backoff}
}

// DispatchJob processes pending, then retryable, then stale entries.
func (d *Dispatcher) DispatchJob() Job {
	return NewJob("outbox-dispatch", func(ctx context.Context) error {
		_, err := d.RunOnce(ctx, true)
		return err
	})
}

// RetryJob is the slower sweep over retryable and stale entries only.
func (d *Dispatcher) RetryJob() Job {
	return NewJob("outbox-retry", func(ctx context.Context) error {
		_, err := d.RunOnce(ctx, false)
		return err
	})
}

// RunOnce fills one batch and dispatches it. Only query failures are returned; a failing
// row never aborts the batch.
func (d *Dispatcher) RunOnce(ctx context.Context, includePending bool) (RunStats, error) {
	repo := d.store.Outbox()
	now := d.clock.Now()
	remaining := d.config.BatchSize

	var stats RunStats
	var pending, retryable, stale []*outbox.Entry
	var err error

	if includePending {
		pending, err = repo.FindPending(ctx, remaining)
		if err != nil {
			return stats, fmt.Errorf("find pending: %w", err)
		}
		remaining -= len(pending)
	}
	for _, kind := range d.kinds {
		if remaining <= 0 {
			break
		}
		rows, err := repo.FindRetryable(ctx, kind, now, d.routes[kind].backoff, remaining)
		if err != nil {
			return stats, fmt.Errorf("find retryable %s: %w", kind, err)
		}
		retryable = append(retryable, rows...)
		remaining -= len(rows)
	}
	if remaining > 0 {
		stale, err = repo.FindStale(ctx, now.Add(-d.config.StaleAfter), remaining)
		if err != nil {
			return stats, fmt.Errorf("find stale: %w", err)
		}
	}
	stats.Pending, stats.Retry, stats.Stale = len(pending), len(retryable), len(stale)

	for _, batch := range []struct {
		bucket  Bucket
		entries []*outbox.Entry
	}{{BucketPending, pending}, {BucketRetry, retryable}, {BucketStale, stale}} {
		for _, e := range batch.entries {
			if d.dispatch(ctx, e, batch.bucket) {
				stats.Claimed++
			} else {
				stats.Skipped++
			}
		}
	}

	if stats.Claimed+stats.Skipped > 0 {
		d.logger.Info("outbox batch dispatched",
			zap.Int("pending", stats.Pending),
			zap.Int("retry", stats.Retry),
			zap.Int("stale", stats.Stale),
			zap.Int("claimed", stats.Claimed),
			zap.Int("skipped", stats.Skipped),
		)
	}
	d.recordBacklog(ctx)
	return stats, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e *outbox.Entry, bucket Bucket) bool {
	logger := d.logger.With(
		zap.String("outbox_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("bucket", string(bucket)),
	)

	if _, running := d.inFlight.LoadOrStore(e.ID, struct{}{}); running {
		logger.Debug("entry still running in this instance")
		return false
	}
	if !d.sem.TryAcquire(1) {
		d.inFlight.Delete(e.ID)
		logger.Debug("handler capacity exhausted, deferring entry")
		return false
	}

	if err := d.claim(ctx, e); err != nil {
		d.sem.Release(1)
		d.inFlight.Delete(e.ID)
		if errors.Is(err, database.ErrConflict) {
			logger.Debug("entry claimed by another dispatcher")
		} else {
			logger.Error("claim entry", zap.Error(err))
		}
		return false
	}

	if bucket == BucketStale {
		logger.Warn("re-dispatching stale entry", zap.Time("updated_at", e.UpdatedAt))
	}
	d.metrics.Dispatched(string(bucket))

	d.wg.Add(1)
	go d.execute(context.WithoutCancel(ctx), e)
	return true
}

func (d *Dispatcher) claim(ctx context.Context, e *outbox.Entry) error {
	if err := e.MarkProcessing(d.clock.Now()); err != nil {
		return err
	}
	return d.store.Outbox().Save(ctx, e)
}

func (d *Dispatcher) execute(ctx context.Context, e *outbox.Entry) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.inFlight.Delete(e.ID)

	hctx, cancel := context.WithTimeout(ctx, d.config.HandlerTimeout)
	err := d.invoke(hctx, e)
	cancel()

	d.finish(ctx, e, err)
}

func (d *Dispatcher) invoke(ctx context.Context, e *outbox.Entry) (err error) {
	r, ok := d.routes[e.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for kind %s", e.Kind))
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return r.handler.Handle(ctx, e)
}

func (d *Dispatcher) finish(ctx context.Context, e *outbox.Entry, cause error) {
	now := d.clock.Now()
	logger := d.logger.With(zap.String("outbox_id", e.ID), zap.String("kind", string(e.Kind)))

	outcome := "processed"
	abandon := false
	var terr error
	switch {
	case cause == nil:
		terr = e.MarkProcessed(now)
	case IsPermanent(cause):
		outcome, abandon = "permanently_failed", true
		terr = e.MarkPermanentlyFailed(cause.Error(), now)
	default:
		outcome = "failed"
		terr = e.MarkFailed(cause.Error(), now)
		if errors.Is(terr, outbox.ErrMaxRetriesExceeded) {
			outcome, abandon, terr = "permanently_failed", true, nil
		}
	}
	if terr != nil {
		logger.Error("record outcome", zap.Error(terr))
		return
	}

	if err := d.store.Outbox().Save(ctx, e); err != nil {
		if errors.Is(err, database.ErrConflict) {
			logger.Warn("entry re-claimed while running, dropping outcome", zap.String("outcome", outcome))
			return
		}
		logger.Error("save outcome", zap.String("outcome", outcome), zap.Error(err))
		return
	}

	switch outcome {
	case "processed":
		d.succeeded.Add(1)
	case "failed":
		d.retried.Add(1)
	default:
		d.abandoned.Add(1)
	}
	d.metrics.OutboxOutcome(string(e.Kind), outcome)

	level := zapcore.InfoLevel
	if cause != nil {
		level = zapcore.WarnLevel
	}
	if abandon {
		level = zapcore.ErrorLevel
	}
	if ce := logger.Check(level, "outbox entry handled"); ce != nil {
		ce.Write(
			zap.String("outcome", outcome),
			zap.Int("retry_count", e.RetryCount),
			zap.Int("max_retry_count", e.MaxRetryCount),
			zap.Error(cause),
		)
	}

	if abandon {
		if a, ok := d.routes[e.Kind].handler.(Abandoner); ok {
			a.Abandon(ctx, e, cause)
		}
	}
}

func (d *Dispatcher) recordBacklog(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	counts, err := d.store.Outbox().CountByStatus(ctx)
	if err != nil {
		d.logger.Warn("count outbox rows", zap.Error(err))
		return
	}
	for _, s := range []outbox.Status{
		outbox.StatusPending, outbox.StatusProcessing, outbox.StatusProcessed,
		outbox.StatusFailed, outbox.StatusPermanentlyFailed,
	} {
		d.metrics.OutboxBacklog(string(s), counts[s])
	}
}

// Wait blocks until every dispatched handler has returned or ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Totals() Totals {
	return Totals{
		Succeeded:         d.succeeded.Load(),
		Retried:           d.retried.Load(),
		PermanentlyFailed: d.abandoned.Load(),
	}
}
