package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/storage"
)

// CreateUploadRequest starts a presigned single-PUT upload. ID is the caller's
// idempotency key; a new one is generated when empty.
type CreateUploadRequest struct {
	ID      session.ID
	Target  session.UploadTarget
	Purpose string
	Source  string
}

type InitiateMultipartRequest struct {
	ID       session.ID
	Target   session.UploadTarget
	PartSize int64
	Purpose  string
	Source   string
}

func (s *Service) withDefaultBucket(t session.UploadTarget) session.UploadTarget {
	if t.Bucket == "" {
		t.Bucket = s.config.DefaultBucket
	}
	return t
}

// CreateSingleUpload issues a presigned URL. Re-submitting a known ID returns the
// existing session unchanged.
func (s *Service) CreateSingleUpload(ctx context.Context, req CreateUploadRequest) (*session.SingleUpload, error) {
	id := req.ID
	if id == "" {
		id = session.NewID()
	} else if existing, err := s.store.SingleUploads().Get(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	target := s.withDefaultBucket(req.Target)
	if err := target.Validate(); err != nil {
		return nil, err
	}
	url, err := s.objects.PresignPut(ctx, target.Bucket, target.Key, target.ContentType, s.config.UploadTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	u, err := session.NewSingleUpload(id, target, url, req.Purpose, req.Source, s.config.UploadTTL, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SingleUploads().Create(ctx, u); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return s.store.SingleUploads().Get(ctx, id)
		}
		return nil, err
	}

	s.logger.Info("single upload created",
		zap.String("session_id", id.String()),
		zap.String("bucket", target.Bucket),
		zap.String("key", target.Key),
		zap.Time("expires_at", u.ExpiresAt),
	)
	return u, nil
}

func (s *Service) GetSingleUpload(ctx context.Context, id session.ID) (*session.SingleUpload, error) {
	u, err := s.store.SingleUploads().Get(ctx, id)
	return u, notFound(err)
}

// CompleteSingleUpload verifies the object in storage and completes the session with
// the size and etag storage reports.
func (s *Service) CompleteSingleUpload(ctx context.Context, id session.ID) (*session.SingleUpload, *asset.FileAsset, error) {
	u, err := s.store.SingleUploads().Get(ctx, id)
	if err != nil {
		return nil, nil, notFound(err)
	}
	if err := u.CheckCompletable(s.clock.Now()); err != nil {
		return u, nil, err
	}

	info, err := s.objects.Stat(ctx, u.Target.Bucket, u.Target.Key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return u, nil, ErrObjectMissing
	}
	if err != nil {
		return nil, nil, fmt.Errorf("verify upload: %w", err)
	}

	now := s.clock.Now()
	if err := u.Complete(info.Size, info.ETag, now); err != nil {
		return u, nil, err
	}

	var a *asset.FileAsset
	if err := s.store.InTx(ctx, func(r database.Repositories) error {
		if err := r.SingleUploads().Save(ctx, u); err != nil {
			return err
		}
		var err error
		a, err = s.registerUpload(ctx, r, origin(u.ID, u.Target, info), u.PollEvents(), now)
		return err
	}); err != nil {
		if errors.Is(err, database.ErrConflict) {
			if cur, cerr := s.recheckSingle(ctx, id); cerr != nil {
				return cur, nil, cerr
			}
		}
		return nil, nil, fmt.Errorf("record completed upload: %w", err)
	}

	s.logger.Info("single upload completed",
		zap.String("session_id", id.String()),
		zap.String("asset_id", a.ID),
		zap.Int64("size", info.Size),
	)
	return u, a, nil
}

// InitiateMultipartUpload opens a storage multipart upload and its session.
func (s *Service) InitiateMultipartUpload(ctx context.Context, req InitiateMultipartRequest) (*session.MultipartUpload, error) {
	id := req.ID
	if id == "" {
		id = session.NewID()
	} else if existing, err := s.store.MultipartUploads().Get(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	target := s.withDefaultBucket(req.Target)
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if req.PartSize <= 0 {
		return nil, fmt.Errorf("%w: part size must be positive", session.ErrInvalidPart)
	}

	uploadID, err := s.objects.CreateMultipart(ctx, target.Bucket, target.Key, target.ContentType)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}

	m, err := session.InitiateMultipart(id, target, uploadID, req.PartSize, req.Purpose, req.Source, s.config.MultipartTTL, s.clock.Now())
	if err == nil {
		err = s.store.MultipartUploads().Create(ctx, m)
	}
	if err != nil {
		if aerr := s.objects.AbortMultipart(ctx, target.Bucket, target.Key, uploadID); aerr != nil {
			s.logger.Warn("abort orphaned multipart upload", zap.String("upload_id", uploadID), zap.Error(aerr))
		}
		if errors.Is(err, database.ErrDuplicate) {
			return s.store.MultipartUploads().Get(ctx, id)
		}
		return nil, err
	}

	s.logger.Info("multipart upload initiated",
		zap.String("session_id", id.String()),
		zap.String("upload_id", uploadID),
		zap.Int64("part_size", req.PartSize),
	)
	return m, nil
}

func (s *Service) GetMultipartUpload(ctx context.Context, id session.ID) (*session.MultipartUpload, error) {
	m, err := s.store.MultipartUploads().Get(ctx, id)
	return m, notFound(err)
}

// PresignPart issues an upload URL for one part, valid for the rest of the session.
func (s *Service) PresignPart(ctx context.Context, id session.ID, partNumber int) (string, error) {
	if partNumber < session.MinPartNumber || partNumber > session.MaxPartNumber {
		return "", fmt.Errorf("%w: part number %d outside %d..%d", session.ErrInvalidPart, partNumber, session.MinPartNumber, session.MaxPartNumber)
	}
	m, err := s.store.MultipartUploads().Get(ctx, id)
	if err != nil {
		return "", notFound(err)
	}
	now := s.clock.Now()
	if err := m.CheckActive(now); err != nil {
		return "", err
	}
	return s.objects.PresignPart(ctx, m.Target.Bucket, m.Target.Key, m.UploadID, partNumber, remaining(m.ExpiresAt, now))
}

// maxPartSaveAttempts bounds how often CompletePart reloads after losing a save to a
// concurrent part report.
const maxPartSaveAttempts = 10

// CompletePart records a part the client reports as uploaded. Reports for different
// parts commute, so a version conflict reloads the session and applies the part again.
func (s *Service) CompletePart(ctx context.Context, id session.ID, part session.CompletedPart) (*session.MultipartUpload, error) {
	for attempt := 1; ; attempt++ {
		m, err := s.store.MultipartUploads().Get(ctx, id)
		if err != nil {
			return nil, notFound(err)
		}
		if err := m.AddCompletedPart(part, s.clock.Now()); err != nil {
			return m, err
		}
		err = s.store.MultipartUploads().Save(ctx, m)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, database.ErrConflict) || attempt == maxPartSaveAttempts {
			return nil, fmt.Errorf("record part %d: %w", part.PartNumber, err)
		}
		s.logger.Debug("part report raced another save, reloading",
			zap.String("session_id", id.String()),
			zap.Int("part_number", part.PartNumber),
			zap.Int("attempt", attempt),
		)
	}
}

// CompleteMultipartUpload assembles the parts in storage and completes the session with
// the assembled size and etag.
func (s *Service) CompleteMultipartUpload(ctx context.Context, id session.ID) (*session.MultipartUpload, *asset.FileAsset, error) {
	m, err := s.store.MultipartUploads().Get(ctx, id)
	if err != nil {
		return nil, nil, notFound(err)
	}
	if err := m.CheckCompletable(s.clock.Now()); err != nil {
		return m, nil, err
	}

	sorted := m.SortedParts()
	parts := make([]storage.Part, len(sorted))
	for i, p := range sorted {
		parts[i] = storage.Part{Number: p.PartNumber, ETag: p.ETag}
	}
	info, err := s.objects.CompleteMultipart(ctx, m.Target.Bucket, m.Target.Key, m.UploadID, parts)
	if err != nil {
		if cur, cerr := s.recheckMultipart(ctx, id); cerr != nil {
			return cur, nil, cerr
		}
		return m, nil, fmt.Errorf("assemble multipart upload: %w", err)
	}

	now := s.clock.Now()
	if err := m.Complete(info.Size, info.ETag, now); err != nil {
		return m, nil, err
	}

	var a *asset.FileAsset
	if err := s.store.InTx(ctx, func(r database.Repositories) error {
		if err := r.MultipartUploads().Save(ctx, m); err != nil {
			return err
		}
		var err error
		a, err = s.registerUpload(ctx, r, origin(m.ID, m.Target, info), m.PollEvents(), now)
		return err
	}); err != nil {
		if errors.Is(err, database.ErrConflict) {
			if cur, cerr := s.recheckMultipart(ctx, id); cerr != nil {
				return cur, nil, cerr
			}
		}
		return nil, nil, fmt.Errorf("record completed upload: %w", err)
	}

	s.logger.Info("multipart upload completed",
		zap.String("session_id", id.String()),
		zap.String("asset_id", a.ID),
		zap.Int("parts", len(parts)),
		zap.Int64("size", info.Size),
	)
	return m, a, nil
}

// AbortMultipartUpload aborts the session, then releases storage parts best effort.
func (s *Service) AbortMultipartUpload(ctx context.Context, id session.ID) (*session.MultipartUpload, error) {
	m, err := s.store.MultipartUploads().Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if err := m.Abort(s.clock.Now()); err != nil {
		return m, err
	}
	if err := s.store.MultipartUploads().Save(ctx, m); err != nil {
		return nil, err
	}

	if err := s.objects.AbortMultipart(ctx, m.Target.Bucket, m.Target.Key, m.UploadID); err != nil {
		s.logger.Warn("abort storage multipart upload",
			zap.String("session_id", id.String()),
			zap.String("upload_id", m.UploadID),
			zap.Error(err),
		)
	}
	return m, nil
}

// recheckSingle reloads a session after a lost completion. A non-nil error is the state
// the concurrent caller left behind, typically ErrSessionAlreadyCompleted; nil means the
// caller keeps its original failure.
func (s *Service) recheckSingle(ctx context.Context, id session.ID) (*session.SingleUpload, error) {
	cur, err := s.store.SingleUploads().Get(ctx, id)
	if err != nil {
		return nil, nil
	}
	return cur, cur.CheckCompletable(s.clock.Now())
}

func (s *Service) recheckMultipart(ctx context.Context, id session.ID) (*session.MultipartUpload, error) {
	cur, err := s.store.MultipartUploads().Get(ctx, id)
	if err != nil {
		return nil, nil
	}
	return cur, cur.CheckCompletable(s.clock.Now())
}

func origin(id session.ID, t session.UploadTarget, info storage.ObjectInfo) asset.Origin {
	contentType := t.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	return asset.Origin{
		SessionID:   id.String(),
		Bucket:      t.Bucket,
		Key:         t.Key,
		FileName:    t.FileName,
		ContentType: contentType,
		Size:        info.Size,
		ETag:        info.ETag,
	}
}

// remaining is how long a session has left at now, never negative.
func remaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
