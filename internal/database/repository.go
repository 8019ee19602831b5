package database

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
)

var (
	ErrNotFound  = errors.New("database: record not found")
	ErrConflict  = errors.New("database: version conflict")
	ErrDuplicate = errors.New("database: duplicate id")
)

// Save methods compare the aggregate's Version with the stored row and bump it on success.
// A mismatch returns ErrConflict and leaves the row untouched.

type SingleUploadRepository interface {
	Create(ctx context.Context, s *session.SingleUpload) error
	Get(ctx context.Context, id session.ID) (*session.SingleUpload, error)
	Save(ctx context.Context, s *session.SingleUpload) error
	FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.SingleUpload, error)
}

type MultipartUploadRepository interface {
	Create(ctx context.Context, m *session.MultipartUpload) error
	Get(ctx context.Context, id session.ID) (*session.MultipartUpload, error)
	Save(ctx context.Context, m *session.MultipartUpload) error
	FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.MultipartUpload, error)
}

type DownloadRepository interface {
	Create(ctx context.Context, d *session.ExternalDownload) error
	Get(ctx context.Context, id session.ID) (*session.ExternalDownload, error)
	Save(ctx context.Context, d *session.ExternalDownload) error
	FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.ExternalDownload, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, e *outbox.Entry) error
	Get(ctx context.Context, id string) (*outbox.Entry, error)
	Save(ctx context.Context, e *outbox.Entry) error
	// FindPending returns PENDING rows oldest first.
	FindPending(ctx context.Context, limit int) ([]*outbox.Entry, error)
	// FindRetryable returns FAILED rows of kind within their retry budget whose backoff,
	// computed by backoff.Delay(retry_count), has elapsed at now.
	FindRetryable(ctx context.Context, kind outbox.Kind, now time.Time, backoff retry.Policy, limit int) ([]*outbox.Entry, error)
	// FindStale returns PROCESSING rows last updated before olderThan.
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*outbox.Entry, error)
	FindBySubject(ctx context.Context, subjectID string) ([]*outbox.Entry, error)
	CountByStatus(ctx context.Context) (map[outbox.Status]int, error)
}

type AssetRepository interface {
	Create(ctx context.Context, a *asset.FileAsset) error
	Get(ctx context.Context, id string) (*asset.FileAsset, error)
	Save(ctx context.Context, a *asset.FileAsset) error
	AppendHistory(ctx context.Context, h asset.StatusHistory) error
	History(ctx context.Context, assetID string) ([]asset.StatusHistory, error)
	// FindSLAExceeded returns history rows whose duration is above threshold, longest first.
	// A nil status matches every target status.
	FindSLAExceeded(ctx context.Context, threshold time.Duration, status *asset.Status, limit int) ([]asset.StatusHistory, error)
}

type Repositories interface {
	SingleUploads() SingleUploadRepository
	MultipartUploads() MultipartUploadRepository
	Downloads() DownloadRepository
	Outbox() OutboxRepository
	Assets() AssetRepository
}

// Store is the persistence port. InTx runs fn against repositories bound to one
// transaction; fn's error rolls everything back.
type Store interface {
	Repositories
	InTx(ctx context.Context, fn func(Repositories) error) error
	Ping(ctx context.Context) error
	Close() error
}

// SaveWithHistory persists an asset transition and its audit row together.
func SaveWithHistory(ctx context.Context, r Repositories, a *asset.FileAsset, h asset.StatusHistory) error {
	if err := r.Assets().Save(ctx, a); err != nil {
		return err
	}
	return r.Assets().AppendHistory(ctx, h)
}

// CreateAsset inserts a new asset with its creation history row.
func CreateAsset(ctx context.Context, r Repositories, a *asset.FileAsset, h asset.StatusHistory) error {
	if err := r.Assets().Create(ctx, a); err != nil {
		return err
	}
	return r.Assets().AppendHistory(ctx, h)
}
