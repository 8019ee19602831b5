package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/lock"
	"github.com/PaulBabatuyi/FileFlow/internal/scheduler"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var backoff = retry.Policy{Name: "test", MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute}

type recordingHandler struct {
	mu        sync.Mutex
	err       error
	calls     []string
	abandoned []string
}

func (h *recordingHandler) Handle(ctx context.Context, e *outbox.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, e.ID)
	return h.err
}

func (h *recordingHandler) Abandon(ctx context.Context, e *outbox.Entry, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = append(h.abandoned, e.ID)
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fixture struct {
	store *database.MemoryStore
	clock *clock.Manual
	d     *scheduler.Dispatcher
}

func newFixture(t *testing.T, batch int) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	clk := clock.NewManual(t0)
	d := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		BatchSize:      batch,
		MaxInFlight:    8,
		StaleAfter:     10 * time.Minute,
		HandlerTimeout: time.Second,
	}, store, clk, zaptest.NewLogger(t), nil)
	return &fixture{store: store, clock: clk, d: d}
}

func (f *fixture) enqueue(t *testing.T, kind outbox.Kind) *outbox.Entry {
	t.Helper()
	e := outbox.New(kind, "subject-"+string(kind), []byte(`{}`), backoff, f.clock.Now())
	require.NoError(t, f.store.Outbox().Create(context.Background(), e))
	f.clock.Advance(time.Millisecond)
	return e
}

func (f *fixture) run(t *testing.T, includePending bool) scheduler.RunStats {
	t.Helper()
	ctx := context.Background()
	stats, err := f.d.RunOnce(ctx, includePending)
	require.NoError(t, err)
	require.NoError(t, f.d.Wait(ctx))
	return stats
}

func (f *fixture) get(t *testing.T, id string) *outbox.Entry {
	t.Helper()
	e, err := f.store.Outbox().Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestDispatcher_PendingProcessed(t *testing.T) {
	f := newFixture(t, 10)
	h := &recordingHandler{}
	f.d.Register(outbox.KindWebhook, h, backoff)

	a := f.enqueue(t, outbox.KindWebhook)
	b := f.enqueue(t, outbox.KindWebhook)

	stats := f.run(t, true)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 2, stats.Claimed)

	for _, id := range []string{a.ID, b.ID} {
		e := f.get(t, id)
		assert.Equal(t, outbox.StatusProcessed, e.Status)
		assert.NotNil(t, e.ProcessedAt)
	}
	assert.Equal(t, int64(2), f.d.Totals().Succeeded)

	// Processed rows are never picked up again.
	stats = f.run(t, true)
	assert.Zero(t, stats.Claimed)
	assert.Equal(t, 2, h.callCount())
}

func TestDispatcher_RetryAfterBackoff(t *testing.T) {
	f := newFixture(t, 10)
	h := &recordingHandler{err: errors.New("upstream 503")}
	f.d.Register(outbox.KindWebhook, h, backoff)
	e := f.enqueue(t, outbox.KindWebhook)

	f.run(t, true)
	got := f.get(t, e.ID)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "upstream 503", got.LastError)

	// base * 2^1 = 60s has not elapsed yet.
	f.clock.Advance(59 * time.Second)
	stats := f.run(t, false)
	assert.Zero(t, stats.Retry)

	f.clock.Advance(2 * time.Second)
	h.mu.Lock()
	h.err = nil
	h.mu.Unlock()
	stats = f.run(t, false)
	assert.Equal(t, 1, stats.Retry)
	assert.Equal(t, outbox.StatusProcessed, f.get(t, e.ID).Status)
	assert.Equal(t, int64(1), f.d.Totals().Retried)
}

func TestDispatcher_BackoffPerKind(t *testing.T) {
	f := newFixture(t, 10)
	fast := retry.Policy{Name: "fast", MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	webhooks := &recordingHandler{err: errors.New("upstream 503")}
	downloads := &recordingHandler{err: errors.New("connection reset")}
	f.d.Register(outbox.KindWebhook, webhooks, backoff)
	f.d.Register(outbox.KindExternalDownload, downloads, fast)
	hook := f.enqueue(t, outbox.KindWebhook)
	dl := f.enqueue(t, outbox.KindExternalDownload)

	f.run(t, true)
	require.Equal(t, outbox.StatusFailed, f.get(t, hook.ID).Status)
	require.Equal(t, outbox.StatusFailed, f.get(t, dl.ID).Status)

	// fast waits 2s after one failure, backoff waits 60s.
	f.clock.Advance(3 * time.Second)
	stats := f.run(t, false)
	assert.Equal(t, 1, stats.Retry)
	assert.Equal(t, 2, downloads.callCount())
	assert.Equal(t, 1, webhooks.callCount())

	f.clock.Advance(time.Minute)
	f.run(t, false)
	assert.Equal(t, 2, webhooks.callCount())
	assert.Equal(t, 2, f.get(t, hook.ID).RetryCount)
}

func TestDispatcher_EscalatesAtMaxRetries(t *testing.T) {
	f := newFixture(t, 10)
	h := &recordingHandler{err: errors.New("timeout")}
	f.d.Register(outbox.KindWebhook, h, backoff)
	e := f.enqueue(t, outbox.KindWebhook)

	f.run(t, true)
	for i := 0; i < 2; i++ {
		f.clock.Advance(10 * time.Minute)
		f.run(t, false)
	}

	got := f.get(t, e.ID)
	assert.Equal(t, outbox.StatusPermanentlyFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "Max retry count exceeded")
	assert.Equal(t, []string{e.ID}, h.abandoned)

	f.clock.Advance(time.Hour)
	stats := f.run(t, false)
	assert.Zero(t, stats.Claimed)
}

func TestDispatcher_PermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t, 10)
	h := &recordingHandler{err: scheduler.Permanent(errors.New("404 not found"))}
	f.d.Register(outbox.KindExternalDownload, h, backoff)
	e := f.enqueue(t, outbox.KindExternalDownload)

	f.run(t, true)
	got := f.get(t, e.ID)
	assert.Equal(t, outbox.StatusPermanentlyFailed, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, []string{e.ID}, h.abandoned)
	assert.Equal(t, int64(1), f.d.Totals().PermanentlyFailed)
}

func TestDispatcher_UnknownKindFailsPermanently(t *testing.T) {
	f := newFixture(t, 10)
	e := f.enqueue(t, outbox.KindEventPublish)

	f.run(t, true)
	got := f.get(t, e.ID)
	assert.Equal(t, outbox.StatusPermanentlyFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler")
}

func TestDispatcher_PanicIsRetryableFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.d.Register(outbox.KindWebhook, scheduler.HandlerFunc(func(ctx context.Context, e *outbox.Entry) error {
		panic("boom")
	}), backoff)
	e := f.enqueue(t, outbox.KindWebhook)

	f.run(t, true)
	got := f.get(t, e.ID)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "panicked")
}

func TestDispatcher_RecoversStaleProcessing(t *testing.T) {
	f := newFixture(t, 10)
	h := &recordingHandler{}
	f.d.Register(outbox.KindFileProcessing, h, backoff)
	e := f.enqueue(t, outbox.KindFileProcessing)

	// A crashed worker left the row claimed.
	require.NoError(t, e.MarkProcessing(f.clock.Now()))
	require.NoError(t, f.store.Outbox().Save(context.Background(), e))

	stats := f.run(t, true)
	assert.Zero(t, stats.Stale)

	f.clock.Advance(11 * time.Minute)
	stats = f.run(t, true)
	assert.Equal(t, 1, stats.Stale)
	assert.Equal(t, outbox.StatusProcessed, f.get(t, e.ID).Status)
}

func TestDispatcher_BatchCapacityShared(t *testing.T) {
	f := newFixture(t, 2)
	h := &recordingHandler{}
	f.d.Register(outbox.KindWebhook, h, backoff)
	first := f.enqueue(t, outbox.KindWebhook)
	second := f.enqueue(t, outbox.KindWebhook)
	third := f.enqueue(t, outbox.KindWebhook)

	stats := f.run(t, true)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, outbox.StatusProcessed, f.get(t, first.ID).Status)
	assert.Equal(t, outbox.StatusProcessed, f.get(t, second.ID).Status)
	assert.Equal(t, outbox.StatusPending, f.get(t, third.ID).Status)

	f.run(t, true)
	assert.Equal(t, outbox.StatusProcessed, f.get(t, third.ID).Status)
}

func TestDispatcher_RowLevelFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, 10)
	f.d.Register(outbox.KindWebhook, scheduler.HandlerFunc(func(ctx context.Context, e *outbox.Entry) error {
		if e.SubjectID == "bad" {
			return errors.New("bad subject")
		}
		return nil
	}), backoff)
	bad := outbox.New(outbox.KindWebhook, "bad", nil, backoff, f.clock.Now())
	require.NoError(t, f.store.Outbox().Create(context.Background(), bad))
	f.clock.Advance(time.Millisecond)
	good := f.enqueue(t, outbox.KindWebhook)

	f.run(t, true)
	assert.Equal(t, outbox.StatusFailed, f.get(t, bad.ID).Status)
	assert.Equal(t, outbox.StatusProcessed, f.get(t, good.ID).Status)
}

func TestRunner_SkipsWhenLockHeld(t *testing.T) {
	clk := clock.NewManual(t0)
	locker := lock.NewLocalLocker(clk)
	var runs atomic.Int32
	job := scheduler.NewJob("sweep", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	r := scheduler.NewRunner(scheduler.RunnerConfig{Locker: locker, LockLease: time.Minute, Logger: zaptest.NewLogger(t)})

	ctx := context.Background()
	ok, err := locker.TryLock(ctx, "job:sweep", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.RunOnce(ctx, job))
	assert.Zero(t, runs.Load())

	clk.Advance(2 * time.Minute)
	require.NoError(t, r.RunOnce(ctx, job))
	assert.Equal(t, int32(1), runs.Load())

	// The lock is released after the run.
	require.NoError(t, r.RunOnce(ctx, job))
	assert.Equal(t, int32(2), runs.Load())
}

func TestRunner_PropagatesJobFailure(t *testing.T) {
	r := scheduler.NewRunner(scheduler.RunnerConfig{Locker: lock.NewLocalLocker(clock.Real()), Logger: zaptest.NewLogger(t)})
	err := r.RunOnce(context.Background(), scheduler.NewJob("broken", func(ctx context.Context) error {
		return errors.New("outbox table unavailable")
	}))
	assert.ErrorContains(t, err, "outbox table unavailable")

	err = r.RunOnce(context.Background(), scheduler.NewJob("panics", func(ctx context.Context) error {
		panic("bad")
	}))
	assert.ErrorContains(t, err, "panicked")
}

func TestRunner_StartStop(t *testing.T) {
	var runs atomic.Int32
	r := scheduler.NewRunner(
		scheduler.RunnerConfig{Locker: lock.NewLocalLocker(clock.Real()), LockLease: time.Second, Logger: zaptest.NewLogger(t)},
		scheduler.Schedule{Job: scheduler.NewJob("tick", func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}), Interval: 10 * time.Millisecond},
	)

	r.Start(context.Background())
	assert.True(t, r.Running())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.Running())
}

type aborter struct {
	mu      sync.Mutex
	aborted []string
}

func (a *aborter) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, uploadID)
	return nil
}

func TestExpiryJob(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	clk := clock.NewManual(t0)
	target := session.UploadTarget{Bucket: "b", Key: "k", AccessType: session.AccessPrivate, FileName: "f.png", ContentType: "image/png"}

	single, err := session.NewSingleUpload(session.NewID(), target, "https://put", "avatar", "web", time.Minute, clk.Now())
	require.NoError(t, err)
	require.NoError(t, store.SingleUploads().Create(ctx, single))

	multi, err := session.InitiateMultipart(session.NewID(), target, "upload-1", 5<<20, "video", "web", time.Minute, clk.Now())
	require.NoError(t, err)
	require.NoError(t, store.MultipartUploads().Create(ctx, multi))

	dl, err := session.NewExternalDownload(session.NewID(), session.DownloadRequest{SourceURL: "https://example.com/a.png", Bucket: "b"}, retry.FileDownload, time.Hour, clk.Now())
	require.NoError(t, err)
	require.NoError(t, store.Downloads().Create(ctx, dl))

	ab := &aborter{}
	job := scheduler.NewExpiryJob(store, ab, clk, zaptest.NewLogger(t), 10)

	clk.Advance(2 * time.Minute)
	require.NoError(t, job.Run(ctx))

	gotSingle, err := store.SingleUploads().Get(ctx, single.ID)
	require.NoError(t, err)
	assert.Equal(t, session.SingleExpired, gotSingle.Status)

	gotMulti, err := store.MultipartUploads().Get(ctx, multi.ID)
	require.NoError(t, err)
	assert.Equal(t, session.MultipartExpired, gotMulti.Status)
	assert.Equal(t, []string{"upload-1"}, ab.aborted)

	gotDl, err := store.Downloads().Get(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, session.DownloadInitiated, gotDl.Status)

	// A second run finds nothing left to expire.
	require.NoError(t, job.Run(ctx))
	assert.Len(t, ab.aborted, 1)
}
