package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Response is a streaming HTTP body. The caller must close Body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	StatusCode    int
}

// StatusError is returned for non-2xx responses, separate from transport errors.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.URL, e.Status)
}

func (e *StatusError) ServerError() bool { return e.StatusCode >= 500 }
func (e *StatusError) ClientError() bool { return e.StatusCode >= 400 && e.StatusCode < 500 }

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

type Config struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	UserAgent             string
	MaxRedirects          int
}

type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

func NewHTTPFetcher(cfg Config, logger *zap.Logger) *HTTPFetcher {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "FileFlow/1.0"
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout

	maxRedirects := cfg.MaxRedirects
	return &HTTPFetcher{
		// No overall client timeout: bodies may be large, the caller's context bounds the transfer.
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		f.logger.Debug("fetch rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		StatusCode:    resp.StatusCode,
	}, nil
}
