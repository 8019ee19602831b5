package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
)

// Payloads carry references, not state. Handlers load the aggregate they point to.

type DownloadPayload struct {
	DownloadID string `json:"download_id"`
}

type ProcessingPayload struct {
	AssetID string `json:"asset_id"`
}

type WebhookPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

type EventPayload struct {
	Name string          `json:"name"`
	Key  string          `json:"key"`
	Body json.RawMessage `json:"body"`
}

func newWithPayload(kind Kind, subjectID string, v any, policy retry.Policy, now time.Time) (*Entry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return New(kind, subjectID, b, policy, now), nil
}

func ForDownload(downloadID string, policy retry.Policy, now time.Time) (*Entry, error) {
	return newWithPayload(KindExternalDownload, downloadID, DownloadPayload{DownloadID: downloadID}, policy, now)
}

func ForProcessing(assetID string, policy retry.Policy, now time.Time) (*Entry, error) {
	return newWithPayload(KindFileProcessing, assetID, ProcessingPayload{AssetID: assetID}, policy, now)
}

// ForWebhook snapshots body at enqueue time so retries deliver the same callback.
func ForWebhook(subjectID, url string, body any, policy retry.Policy, now time.Time) (*Entry, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}
	return newWithPayload(KindWebhook, subjectID, WebhookPayload{URL: url, Body: raw}, policy, now)
}

func ForEvent(subjectID, name string, body any, policy retry.Policy, now time.Time) (*Entry, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", name, err)
	}
	return newWithPayload(KindEventPublish, subjectID, EventPayload{Name: name, Key: subjectID, Body: raw}, policy, now)
}

// Decode unmarshals the entry's payload into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", e.Kind, e.ID, err)
	}
	return nil
}
