package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
)

// RequestExternalDownload registers a remote fetch and its EXTERNAL_DOWNLOAD outbox row in
// one transaction. The fetch itself happens in the download worker. An empty id gets a
// generated one; a known id returns the existing session.
func (s *Service) RequestExternalDownload(ctx context.Context, id session.ID, req session.DownloadRequest) (*session.ExternalDownload, error) {
	if id == "" {
		id = session.NewID()
	} else if existing, err := s.store.Downloads().Get(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	if req.Bucket == "" {
		req.Bucket = s.config.DefaultBucket
	}
	if req.KeyPrefix == "" {
		req.KeyPrefix = s.config.DownloadKeyPrefix
	}

	now := s.clock.Now()
	d, err := session.NewExternalDownload(id, req, s.config.DownloadPolicy, s.config.DownloadTTL, now)
	if err != nil {
		return nil, err
	}
	entry, err := outbox.ForDownload(id.String(), s.config.DownloadPolicy, now)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(r database.Repositories) error {
		if err := r.Downloads().Create(ctx, d); err != nil {
			return err
		}
		return r.Outbox().Create(ctx, entry)
	})
	if errors.Is(err, database.ErrDuplicate) {
		return s.store.Downloads().Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("register download: %w", err)
	}

	s.logger.Info("external download requested",
		zap.String("download_id", id.String()),
		zap.String("source_url", d.SourceURL),
		zap.String("bucket", d.Bucket),
		zap.String("outbox_id", entry.ID),
	)
	return d, nil
}

func (s *Service) GetExternalDownload(ctx context.Context, id session.ID) (*session.ExternalDownload, error) {
	d, err := s.store.Downloads().Get(ctx, id)
	return d, notFound(err)
}
