package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DeliveryError reports a non-2xx webhook response.
type DeliveryError struct {
	URL        string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s: status %d", e.URL, e.StatusCode)
}

// Permanent is true for client errors; the receiver rejected the callback itself.
func (e *DeliveryError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type WebhookSender interface {
	Send(ctx context.Context, url string, body any) error
}

type HTTPWebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

func NewHTTPWebhookSender(timeout time.Duration, logger *zap.Logger) *HTTPWebhookSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookSender{client: &http.Client{Timeout: timeout}, logger: logger}
}

// Send POSTs body as JSON. Non-2xx answers come back as *DeliveryError.
func (s *HTTPWebhookSender) Send(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{URL: url, StatusCode: resp.StatusCode}
	}
	s.logger.Debug("webhook delivered", zap.String("url", url), zap.Int("status", resp.StatusCode))
	return nil
}
