package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/notify"
)

// DownloadNotification is the callback body sent to a download's webhook URL.
type DownloadNotification struct {
	DownloadID  string     `json:"download_id"`
	Status      string     `json:"status"`
	SourceURL   string     `json:"source_url"`
	Bucket      string     `json:"bucket"`
	Key         string     `json:"key,omitempty"`
	FileName    string     `json:"file_name,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	FileSize    int64      `json:"file_size,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	ETag        string     `json:"etag,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewDownloadNotification(d *session.ExternalDownload) DownloadNotification {
	return DownloadNotification{
		DownloadID:  d.ID.String(),
		Status:      string(d.Status),
		SourceURL:   d.SourceURL,
		Bucket:      d.Bucket,
		Key:         d.Key,
		FileName:    d.FileName,
		ContentType: d.MimeType,
		FileSize:    d.FileSize,
		Checksum:    d.Checksum,
		ETag:        d.ETag,
		RetryCount:  d.RetryCount,
		Error:       d.LastError,
		CompletedAt: d.CompletedAt,
	}
}

// WebhookHandler delivers WEBHOOK entries. A 4xx answer is permanent.
type WebhookHandler struct {
	sender notify.WebhookSender
	logger *zap.Logger
}

func NewWebhookHandler(sender notify.WebhookSender, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{sender: sender, logger: logger}
}

func (h *WebhookHandler) Handle(ctx context.Context, e *outbox.Entry) error {
	var p outbox.WebhookPayload
	if err := e.Decode(&p); err != nil {
		return permanent(err)
	}
	if err := session.ValidateSourceURL(p.URL); err != nil {
		return permanent(err)
	}
	return h.sender.Send(ctx, p.URL, p.Body)
}

func (h *WebhookHandler) Abandon(ctx context.Context, e *outbox.Entry, cause error) {
	h.logger.Error("webhook delivery abandoned",
		zap.String("outbox_id", e.ID),
		zap.String("subject_id", e.SubjectID),
		zap.Int("attempts", e.RetryCount),
		zap.Error(cause),
	)
}

// EventHandler publishes EVENT_PUBLISH entries to the event stream.
type EventHandler struct {
	publisher notify.Publisher
}

func NewEventHandler(publisher notify.Publisher) *EventHandler {
	return &EventHandler{publisher: publisher}
}

func (h *EventHandler) Handle(ctx context.Context, e *outbox.Entry) error {
	var p outbox.EventPayload
	if err := e.Decode(&p); err != nil {
		return permanent(err)
	}
	return h.publisher.Publish(ctx, notify.Message{Key: p.Key, Name: p.Name, Value: []byte(p.Body)})
}
