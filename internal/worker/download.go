package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/fetch"
	"github.com/PaulBabatuyi/FileFlow/internal/observability"
	"github.com/PaulBabatuyi/FileFlow/internal/storage"
)

const tracerName = "github.com/PaulBabatuyi/FileFlow/internal/worker"

var downloadActor = asset.System("external-download-worker")

// Policies are the retry budgets of the outbox rows a worker enqueues.
type Policies struct {
	Processing retry.Policy
	Webhook    retry.Policy
	Event      retry.Policy
}

func DefaultPolicies() Policies {
	return Policies{Processing: retry.FileProcessing, Webhook: retry.Webhook, Event: retry.Webhook}
}

// DownloadWorker executes EXTERNAL_DOWNLOAD entries: it streams the source URL into
// storage and records the outcome on the download session.
type DownloadWorker struct {
	store    database.Store
	objects  storage.ObjectStore
	fetcher  fetch.Fetcher
	clock    clock.Clock
	policies Policies
	logger   *zap.Logger
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
}

func NewDownloadWorker(store database.Store, objects storage.ObjectStore, fetcher fetch.Fetcher, c clock.Clock, policies Policies, logger *zap.Logger, metrics *observability.MetricsCollector) *DownloadWorker {
	return &DownloadWorker{
		store:    store,
		objects:  objects,
		fetcher:  fetcher,
		clock:    c,
		policies: policies,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
	}
}

func (w *DownloadWorker) Handle(ctx context.Context, e *outbox.Entry) error {
	var p outbox.DownloadPayload
	if err := e.Decode(&p); err != nil {
		return &DownloadFailure{Reason: "payload", Err: err}
	}

	ctx, span := w.tracer.Start(ctx, "ExternalDownload",
		trace.WithAttributes(
			attribute.String("download.id", p.DownloadID),
			attribute.String("outbox.id", e.ID),
			attribute.Int("outbox.retry_count", e.RetryCount),
		))
	defer span.End()

	err := w.execute(ctx, session.ID(p.DownloadID), span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *DownloadWorker) execute(ctx context.Context, id session.ID, span trace.Span) error {
	logger := w.logger.With(zap.String("download_id", id.String()))

	d, err := w.store.Downloads().Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return &DownloadFailure{Reason: "missing", Err: err}
	}
	if err != nil {
		return fmt.Errorf("load download: %w", err)
	}
	// Stale recovery may deliver a finished download again. Only a completed one counts as
	// success; Start rejects FAILED and EXPIRED sessions as a permanent failure below.
	if d.Status == session.DownloadCompleted {
		logger.Info("download already completed, skipping")
		return nil
	}

	now := w.clock.Now()
	if err := d.Start(now); err != nil {
		if errors.Is(err, session.ErrSessionExpired) && d.Expire(now) {
			if serr := w.store.Downloads().Save(ctx, d); serr != nil {
				logger.Warn("save expired download", zap.Error(serr))
			}
		}
		return &DownloadFailure{Reason: "session", Err: err}
	}
	if err := w.store.Downloads().Save(ctx, d); err != nil {
		return fmt.Errorf("mark download in progress: %w", err)
	}

	start := time.Now()
	res, err := w.transfer(ctx, d, logger)
	took := time.Since(start)
	span.SetAttributes(attribute.Int64("download.bytes", d.BytesTransferred))
	if err != nil {
		f := Classify(err)
		w.metrics.Downloaded(f.Reason, d.BytesTransferred, took)
		return w.fail(ctx, d, f, logger)
	}

	now = w.clock.Now()
	if err := d.Complete(res, now); err != nil {
		return &DownloadFailure{Reason: "session", Err: err}
	}
	if err := w.store.InTx(ctx, func(r database.Repositories) error {
		return w.recordCompletion(ctx, r, d, now)
	}); err != nil {
		return fmt.Errorf("record completed download: %w", err)
	}

	w.metrics.Downloaded("completed", res.Size, took)
	logger.Info("external download completed",
		zap.String("bucket", d.Bucket),
		zap.String("key", d.Key),
		zap.String("size", humanize.Bytes(uint64(res.Size))),
		zap.String("checksum", res.Checksum),
		zap.Duration("duration", took),
	)
	return nil
}

// transfer streams the source into storage, hashing on the way through.
func (w *DownloadWorker) transfer(ctx context.Context, d *session.ExternalDownload, logger *zap.Logger) (session.DownloadResult, error) {
	resp, err := w.fetcher.Fetch(ctx, d.SourceURL)
	if err != nil {
		return session.DownloadResult{}, err
	}
	defer resp.Body.Close()

	d.RecordTotal(resp.ContentLength)
	body, contentType, err := sniffContentType(resp.Body, resp.ContentType)
	if err != nil {
		return session.DownloadResult{}, err
	}
	key := d.AssignKey(contentType, w.clock.Now())

	expected := "unknown"
	if resp.ContentLength >= 0 {
		expected = humanize.Bytes(uint64(resp.ContentLength))
	}
	logger.Info("streaming external download",
		zap.String("source_url", d.SourceURL),
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.String("expected_size", expected),
	)

	hash := sha256.New()
	counter := &progressReader{r: io.TeeReader(body, hash)}
	info, err := w.objects.Put(ctx, d.Bucket, key, contentType, counter, resp.ContentLength)
	d.RecordProgress(counter.n)
	if err != nil {
		return session.DownloadResult{}, fmt.Errorf("store %s/%s: %w", d.Bucket, key, err)
	}

	return session.DownloadResult{
		Size:        info.Size,
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		ETag:        info.ETag,
		ContentType: contentType,
	}, nil
}

// fail records f on the session. A retryable failure under budget leaves the session
// INITIATED and returns f for the outbox to retry; anything else is terminal.
func (w *DownloadWorker) fail(ctx context.Context, d *session.ExternalDownload, f *DownloadFailure, logger *zap.Logger) error {
	now := w.clock.Now()
	if f.Retryable {
		exhausted, err := d.RegisterRetryableFailure(f.Error(), now)
		if err != nil {
			return &DownloadFailure{Reason: "session", Err: err}
		}
		if !exhausted {
			if err := w.store.Downloads().Save(ctx, d); err != nil {
				logger.Error("save retryable download failure", zap.Error(err))
			}
			logger.Warn("external download failed, will retry",
				zap.String("reason", f.Reason),
				zap.Int("retry_count", d.RetryCount),
				zap.Int("max_retries", d.MaxRetries),
				zap.Error(f.Err),
			)
			return f
		}
		f.Exhausted = true
	} else if err := d.Fail(f.Error(), now); err != nil {
		return &DownloadFailure{Reason: "session", Err: err}
	}

	if err := w.store.InTx(ctx, func(r database.Repositories) error {
		if err := r.Downloads().Save(ctx, d); err != nil {
			return err
		}
		return w.enqueueWebhook(ctx, r, d, now)
	}); err != nil {
		logger.Error("record failed download", zap.Error(err))
	}

	logger.Error("external download failed permanently",
		zap.String("reason", f.Reason),
		zap.Int("status_code", f.StatusCode),
		zap.Int("retry_count", d.RetryCount),
		zap.Error(f.Err),
	)
	return f
}

// Abandon makes sure the session reflects a download whose outbox row gave up.
func (w *DownloadWorker) Abandon(ctx context.Context, e *outbox.Entry, cause error) {
	var p outbox.DownloadPayload
	if err := e.Decode(&p); err != nil {
		return
	}
	logger := w.logger.With(zap.String("download_id", p.DownloadID))

	d, err := w.store.Downloads().Get(ctx, session.ID(p.DownloadID))
	if err != nil {
		logger.Warn("load abandoned download", zap.Error(err))
		return
	}
	if d.IsTerminal() {
		return
	}

	now := w.clock.Now()
	if err := d.Fail(cause.Error(), now); err != nil {
		logger.Warn("fail abandoned download", zap.Error(err))
		return
	}
	if err := w.store.InTx(ctx, func(r database.Repositories) error {
		if err := r.Downloads().Save(ctx, d); err != nil {
			return err
		}
		return w.enqueueWebhook(ctx, r, d, now)
	}); err != nil {
		logger.Error("record abandoned download", zap.Error(err))
	}
}

func (w *DownloadWorker) recordCompletion(ctx context.Context, r database.Repositories, d *session.ExternalDownload, now time.Time) error {
	if err := r.Downloads().Save(ctx, d); err != nil {
		return err
	}

	a, h := asset.New(asset.Origin{
		SessionID:   d.ID.String(),
		Bucket:      d.Bucket,
		Key:         d.Key,
		FileName:    d.FileName,
		ContentType: d.MimeType,
		Size:        d.FileSize,
		Checksum:    d.Checksum,
		ETag:        d.ETag,
	}, downloadActor, now)
	if err := database.CreateAsset(ctx, r, a, h); err != nil {
		return err
	}

	pe, err := outbox.ForProcessing(a.ID, w.policies.Processing, now)
	if err != nil {
		return err
	}
	if err := r.Outbox().Create(ctx, pe); err != nil {
		return err
	}

	for _, ev := range d.PollEvents() {
		ee, err := outbox.ForEvent(d.ID.String(), ev.EventName(), ev, w.policies.Event, now)
		if err != nil {
			return err
		}
		if err := r.Outbox().Create(ctx, ee); err != nil {
			return err
		}
	}
	return w.enqueueWebhook(ctx, r, d, now)
}

func (w *DownloadWorker) enqueueWebhook(ctx context.Context, r database.Repositories, d *session.ExternalDownload, now time.Time) error {
	if d.WebhookURL == "" {
		return nil
	}
	e, err := outbox.ForWebhook(d.ID.String(), d.WebhookURL, NewDownloadNotification(d), w.policies.Webhook, now)
	if err != nil {
		return err
	}
	return r.Outbox().Create(ctx, e)
}

type progressReader struct {
	r io.Reader
	n int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	return n, err
}
