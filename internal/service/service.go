package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/storage"
)

var (
	ErrObjectMissing = errors.New("service: uploaded object not found in storage")
	ErrNotFound      = errors.New("service: not found")
)

type Config struct {
	DefaultBucket     string
	UploadTTL         time.Duration
	MultipartTTL      time.Duration
	DownloadTTL       time.Duration
	DownloadKeyPrefix string

	DownloadPolicy   retry.Policy
	ProcessingPolicy retry.Policy
	EventPolicy      retry.Policy
}

func DefaultConfig() Config {
	return Config{
		DefaultBucket:    "fileflow",
		UploadTTL:        15 * time.Minute,
		MultipartTTL:     24 * time.Hour,
		DownloadTTL:      24 * time.Hour,
		DownloadPolicy:   retry.FileDownload,
		ProcessingPolicy: retry.FileProcessing,
		EventPolicy:      retry.Webhook,
	}
}

// Service is the command side: every state change that needs asynchronous work writes
// its outbox rows in the same transaction.
type Service struct {
	config  Config
	store   database.Store
	objects storage.ObjectStore
	clock   clock.Clock
	logger  *zap.Logger
}

func New(config Config, store database.Store, objects storage.ObjectStore, c clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		config:  config,
		store:   store,
		objects: objects,
		clock:   c,
		logger:  logger,
	}
}

// notFound maps the persistence miss onto the service error, keeping other errors.
func notFound(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}

// registerUpload creates the asset for a finished upload, its processing row and one
// EVENT_PUBLISH row per pending domain event.
func (s *Service) registerUpload(ctx context.Context, r database.Repositories, o asset.Origin, events []session.Event, now time.Time) (*asset.FileAsset, error) {
	a, h := asset.New(o, asset.System("upload-service"), now)
	if err := database.CreateAsset(ctx, r, a, h); err != nil {
		return nil, err
	}

	pe, err := outbox.ForProcessing(a.ID, s.config.ProcessingPolicy, now)
	if err != nil {
		return nil, err
	}
	if err := r.Outbox().Create(ctx, pe); err != nil {
		return nil, err
	}

	for _, ev := range events {
		ee, err := outbox.ForEvent(o.SessionID, ev.EventName(), ev, s.config.EventPolicy, now)
		if err != nil {
			return nil, err
		}
		if err := r.Outbox().Create(ctx, ee); err != nil {
			return nil, err
		}
	}
	return a, nil
}
