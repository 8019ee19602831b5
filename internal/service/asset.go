package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
)

func (s *Service) GetAsset(ctx context.Context, id string) (*asset.FileAsset, error) {
	a, err := s.store.Assets().Get(ctx, id)
	return a, notFound(err)
}

// AssetHistory returns the asset's audit trail oldest first.
func (s *Service) AssetHistory(ctx context.Context, id string) ([]asset.StatusHistory, error) {
	if _, err := s.GetAsset(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Assets().History(ctx, id)
}

// RetryAsset puts a FAILED asset back to PENDING and schedules a new processing run.
func (s *Service) RetryAsset(ctx context.Context, id string, actor asset.Actor) (*asset.FileAsset, error) {
	a, err := s.store.Assets().Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	now := s.clock.Now()
	h, err := a.Retry(actor, now)
	if err != nil {
		return a, err
	}
	entry, err := outbox.ForProcessing(a.ID, s.config.ProcessingPolicy, now)
	if err != nil {
		return nil, err
	}

	if err := s.store.InTx(ctx, func(r database.Repositories) error {
		if err := database.SaveWithHistory(ctx, r, a, h); err != nil {
			return err
		}
		return r.Outbox().Create(ctx, entry)
	}); err != nil {
		return nil, fmt.Errorf("retry asset: %w", err)
	}

	s.logger.Info("asset retry scheduled",
		zap.String("asset_id", a.ID),
		zap.Int("retry_count", a.RetryCount),
		zap.String("actor", actor.Name),
	)
	return a, nil
}

// DeleteAsset soft-deletes the asset. The stored object is kept.
func (s *Service) DeleteAsset(ctx context.Context, id, reason string, actor asset.Actor) (*asset.FileAsset, error) {
	a, err := s.store.Assets().Get(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	h, err := a.Delete(reason, actor, s.clock.Now())
	if err != nil {
		return a, err
	}
	if err := s.store.InTx(ctx, func(r database.Repositories) error {
		return database.SaveWithHistory(ctx, r, a, h)
	}); err != nil {
		return nil, fmt.Errorf("delete asset: %w", err)
	}
	return a, nil
}

// SLAExceeded lists transitions that took longer than threshold, optionally only those
// into status.
func (s *Service) SLAExceeded(ctx context.Context, threshold time.Duration, status *asset.Status, limit int) ([]asset.StatusHistory, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("sla threshold must be positive, got %s", threshold)
	}
	if limit <= 0 {
		limit = 100
	}
	return s.store.Assets().FindSLAExceeded(ctx, threshold, status, limit)
}
