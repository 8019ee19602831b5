package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
)

// MultipartAborter releases storage-side parts of an abandoned multipart upload.
type MultipartAborter interface {
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
}

// ExpiryJob moves overdue, non-terminal sessions to EXPIRED.
type ExpiryJob struct {
	store   database.Store
	objects MultipartAborter
	clock   clock.Clock
	logger  *zap.Logger
	batch   int
}

func NewExpiryJob(store database.Store, objects MultipartAborter, c clock.Clock, logger *zap.Logger, batch int) *ExpiryJob {
	if batch <= 0 {
		batch = 100
	}
	return &ExpiryJob{store: store, objects: objects, clock: c, logger: logger, batch: batch}
}

func (j *ExpiryJob) Name() string { return "session-expiry" }

func (j *ExpiryJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	var expired int

	singles, err := j.store.SingleUploads().FindExpirable(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("find expirable single uploads: %w", err)
	}
	for _, s := range singles {
		if s.Expire(now) && j.saved(j.store.SingleUploads().Save(ctx, s), "single_upload", s.ID.String()) {
			expired++
		}
	}

	parts, err := j.store.MultipartUploads().FindExpirable(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("find expirable multipart uploads: %w", err)
	}
	for _, m := range parts {
		if !m.Expire(now) || !j.saved(j.store.MultipartUploads().Save(ctx, m), "multipart_upload", m.ID.String()) {
			continue
		}
		expired++
		if j.objects != nil && m.UploadID != "" {
			if err := j.objects.AbortMultipart(ctx, m.Target.Bucket, m.Target.Key, m.UploadID); err != nil {
				j.logger.Warn("abort expired multipart upload",
					zap.String("session_id", m.ID.String()),
					zap.String("upload_id", m.UploadID),
					zap.Error(err),
				)
			}
		}
	}

	downloads, err := j.store.Downloads().FindExpirable(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("find expirable downloads: %w", err)
	}
	for _, d := range downloads {
		if d.Expire(now) && j.saved(j.store.Downloads().Save(ctx, d), "external_download", d.ID.String()) {
			expired++
		}
	}

	if expired > 0 {
		j.logger.Info("sessions expired", zap.Int("count", expired))
	}
	return nil
}

func (j *ExpiryJob) saved(err error, kind, id string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, database.ErrConflict):
		j.logger.Debug("session changed concurrently, expiry skipped", zap.String("type", kind), zap.String("session_id", id))
	default:
		j.logger.Error("save expired session", zap.String("type", kind), zap.String("session_id", id), zap.Error(err))
	}
	return false
}
