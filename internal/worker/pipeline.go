package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/notify"
	"github.com/PaulBabatuyi/FileFlow/internal/observability"
)

var pipelineActor = asset.System("file-processing-pipeline")

type PipelineConfig struct {
	// WorkflowURL receives processed assets; empty skips the workflow stages.
	WorkflowURL     string
	WorkflowTimeout time.Duration
}

// WorkflowRequest is posted to the external workflow for each processed asset.
type WorkflowRequest struct {
	AssetID     string           `json:"asset_id"`
	Bucket      string           `json:"bucket"`
	Key         string           `json:"key"`
	FileName    string           `json:"file_name"`
	ContentType string           `json:"content_type"`
	Size        int64            `json:"size"`
	Width       int              `json:"width,omitempty"`
	Height      int              `json:"height,omitempty"`
	Thumbnails  asset.Thumbnails `json:"thumbnails"`
}

// PipelineWorker drives FILE_PROCESSING entries through the asset status machine. Each
// stage is persisted before the next starts, so a retried entry resumes where it stopped.
type PipelineWorker struct {
	config   PipelineConfig
	store    database.Store
	images   *ImageProcessor
	workflow notify.WebhookSender
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
}

func NewPipelineWorker(config PipelineConfig, store database.Store, images *ImageProcessor, workflow notify.WebhookSender, c clock.Clock, logger *zap.Logger, metrics *observability.MetricsCollector) *PipelineWorker {
	if config.WorkflowTimeout == 0 {
		config.WorkflowTimeout = 30 * time.Second
	}
	return &PipelineWorker{
		config:   config,
		store:    store,
		images:   images,
		workflow: workflow,
		clock:    c,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
	}
}

func (w *PipelineWorker) Handle(ctx context.Context, e *outbox.Entry) error {
	var p outbox.ProcessingPayload
	if err := e.Decode(&p); err != nil {
		return permanent(err)
	}

	ctx, span := w.tracer.Start(ctx, "FileProcessing",
		trace.WithAttributes(attribute.String("asset.id", p.AssetID), attribute.String("outbox.id", e.ID)))
	defer span.End()

	err := w.process(ctx, p.AssetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *PipelineWorker) process(ctx context.Context, id string) error {
	logger := w.logger.With(zap.String("asset_id", id))

	a, err := w.store.Assets().Get(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}
	if a.Status.IsTerminal() {
		logger.Info("asset already settled, skipping", zap.String("status", string(a.Status)))
		return nil
	}

	for !a.Status.IsTerminal() {
		if err := w.advance(ctx, a); err != nil {
			return err
		}
	}
	logger.Info("asset processed",
		zap.String("content_type", a.ContentType),
		zap.Int("width", a.Width),
		zap.Int("height", a.Height),
	)
	return nil
}

// advance runs the stage for a's current status and persists the resulting transition.
func (w *PipelineWorker) advance(ctx context.Context, a *asset.FileAsset) error {
	switch a.Status {
	case asset.StatusPending:
		return w.transition(ctx, a, asset.StatusProcessing, "processing started")

	case asset.StatusProcessing:
		if a.IsImage() {
			return w.resize(ctx, a)
		}
		return w.afterLocalStages(ctx, a)

	case asset.StatusResized:
		return w.afterLocalStages(ctx, a)

	case asset.StatusN8nProcessing:
		if err := w.runWorkflow(ctx, a); err != nil {
			var de *notify.DeliveryError
			if errors.As(err, &de) && de.Permanent() {
				w.failAsset(ctx, a, err)
				return permanent(err)
			}
			return fmt.Errorf("workflow: %w", err)
		}
		return w.transition(ctx, a, asset.StatusN8nCompleted, "workflow accepted asset")

	case asset.StatusN8nCompleted:
		return w.transition(ctx, a, asset.StatusCompleted, "processing completed")
	}
	return permanent(fmt.Errorf("%w: no stage for %s", asset.ErrInvalidTransition, a.Status))
}

func (w *PipelineWorker) afterLocalStages(ctx context.Context, a *asset.FileAsset) error {
	if w.config.WorkflowURL == "" {
		return w.transition(ctx, a, asset.StatusCompleted, "processing completed")
	}
	return w.transition(ctx, a, asset.StatusN8nProcessing, "handed to workflow")
}

func (w *PipelineWorker) resize(ctx context.Context, a *asset.FileAsset) error {
	res, err := w.images.ProcessImage(ctx, a.Bucket, a.Key, a.ContentType)
	if err != nil {
		if errors.Is(err, ErrUndecodable) {
			w.failAsset(ctx, a, err)
			return permanent(err)
		}
		return err
	}

	h, err := a.MarkResized(res.Width, res.Height, res.Thumbnails, pipelineActor, w.clock.Now())
	if err != nil {
		return permanent(err)
	}
	return w.save(ctx, a, h)
}

func (w *PipelineWorker) runWorkflow(ctx context.Context, a *asset.FileAsset) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.WorkflowTimeout)
	defer cancel()
	return w.workflow.Send(ctx, w.config.WorkflowURL, WorkflowRequest{
		AssetID:     a.ID,
		Bucket:      a.Bucket,
		Key:         a.Key,
		FileName:    a.FileName,
		ContentType: a.ContentType,
		Size:        a.Size,
		Width:       a.Width,
		Height:      a.Height,
		Thumbnails:  a.Thumbnails,
	})
}

func (w *PipelineWorker) transition(ctx context.Context, a *asset.FileAsset, to asset.Status, reason string) error {
	h, err := a.TransitionTo(to, reason, pipelineActor, w.clock.Now())
	if err != nil {
		return permanent(err)
	}
	return w.save(ctx, a, h)
}

func (w *PipelineWorker) save(ctx context.Context, a *asset.FileAsset, h asset.StatusHistory) error {
	if err := w.store.InTx(ctx, func(r database.Repositories) error {
		return database.SaveWithHistory(ctx, r, a, h)
	}); err != nil {
		return fmt.Errorf("save asset %s as %s: %w", a.ID, a.Status, err)
	}
	w.metrics.AssetTransition(string(a.Status))
	w.logger.Debug("asset transition",
		zap.String("asset_id", a.ID),
		zap.String("to", string(h.To)),
		zap.String("reason", h.Reason),
	)
	return nil
}

func (w *PipelineWorker) failAsset(ctx context.Context, a *asset.FileAsset, cause error) {
	h, err := a.Fail(cause.Error(), pipelineActor, w.clock.Now())
	if err != nil {
		w.logger.Warn("fail asset", zap.String("asset_id", a.ID), zap.Error(err))
		return
	}
	if err := w.save(ctx, a, h); err != nil {
		w.logger.Error("save failed asset", zap.String("asset_id", a.ID), zap.Error(err))
	}
}

// Abandon fails the asset once its processing entry runs out of retries.
func (w *PipelineWorker) Abandon(ctx context.Context, e *outbox.Entry, cause error) {
	var p outbox.ProcessingPayload
	if err := e.Decode(&p); err != nil {
		return
	}
	a, err := w.store.Assets().Get(ctx, p.AssetID)
	if err != nil {
		w.logger.Warn("load abandoned asset", zap.String("asset_id", p.AssetID), zap.Error(err))
		return
	}
	if a.Status.IsTerminal() {
		return
	}
	w.failAsset(ctx, a, cause)
}
