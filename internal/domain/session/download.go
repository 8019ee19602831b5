package session

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
)

type DownloadStatus string

const (
	DownloadInitiated  DownloadStatus = "INITIATED"
	DownloadInProgress DownloadStatus = "IN_PROGRESS"
	DownloadCompleted  DownloadStatus = "COMPLETED"
	DownloadFailed     DownloadStatus = "FAILED"
	DownloadExpired    DownloadStatus = "EXPIRED"
)

// DownloadRequest is what a caller supplies to fetch a remote file into storage.
type DownloadRequest struct {
	SourceURL  string
	FileName   string
	Bucket     string
	KeyPrefix  string
	AccessType AccessType
	WebhookURL string
}

// ExternalDownload owns the lifecycle of one remote fetch.
type ExternalDownload struct {
	ID               ID
	SourceURL        string
	FileName         string
	Bucket           string
	KeyPrefix        string
	Key              string
	AccessType       AccessType
	WebhookURL       string
	MimeType         string
	FileSize         int64
	TotalBytes       int64
	BytesTransferred int64
	Checksum         string
	ETag             string
	RetryCount       int
	MaxRetries       int
	Status           DownloadStatus
	LastError        string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	Version          int64

	events
}

// ValidateSourceURL accepts absolute http and https URLs only.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidSourceURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidSourceURL)
	}
	return nil
}

func NewExternalDownload(id ID, req DownloadRequest, policy retry.Policy, ttl time.Duration, now time.Time) (*ExternalDownload, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := ValidateSourceURL(req.SourceURL); err != nil {
		return nil, err
	}
	if req.WebhookURL != "" {
		if err := ValidateSourceURL(req.WebhookURL); err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
	}
	if strings.TrimSpace(req.Bucket) == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidTarget)
	}
	if req.AccessType == "" {
		req.AccessType = AccessPrivate
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidSessionStatus)
	}
	return &ExternalDownload{
		ID:         id,
		SourceURL:  req.SourceURL,
		FileName:   req.FileName,
		Bucket:     req.Bucket,
		KeyPrefix:  req.KeyPrefix,
		AccessType: req.AccessType,
		WebhookURL: req.WebhookURL,
		TotalBytes: -1,
		MaxRetries: policy.MaxRetries,
		Status:     DownloadInitiated,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (d *ExternalDownload) IsTerminal() bool {
	switch d.Status {
	case DownloadCompleted, DownloadFailed, DownloadExpired:
		return true
	}
	return false
}

func (d *ExternalDownload) IsExpired(now time.Time) bool {
	return d.Status == DownloadExpired || now.After(d.ExpiresAt)
}

func (d *ExternalDownload) retryCount() retry.Count {
	return retry.RestoreCount(d.RetryCount, d.MaxRetries)
}

func (d *ExternalDownload) validateActive(now time.Time) error {
	switch d.Status {
	case DownloadCompleted:
		return ErrSessionAlreadyCompleted
	case DownloadFailed:
		return fmt.Errorf("%w: download already failed", ErrInvalidSessionStatus)
	}
	if d.IsExpired(now) {
		return ErrSessionExpired
	}
	return nil
}

// Start moves the download to IN_PROGRESS. A download left IN_PROGRESS by a crashed
// worker may be started again; progress is reset.
func (d *ExternalDownload) Start(now time.Time) error {
	if err := d.validateActive(now); err != nil {
		return err
	}
	d.Status = DownloadInProgress
	d.BytesTransferred = 0
	d.TotalBytes = -1
	d.UpdatedAt = now
	return nil
}

// RecordTotal stores the expected size announced by the source, -1 when unknown.
func (d *ExternalDownload) RecordTotal(total int64) {
	d.TotalBytes = total
}

func (d *ExternalDownload) RecordProgress(transferred int64) {
	d.BytesTransferred = transferred
}

// Progress returns the completed fraction in [0,1], or -1 when the total is unknown.
func (d *ExternalDownload) Progress() float64 {
	if d.TotalBytes <= 0 {
		return -1
	}
	p := float64(d.BytesTransferred) / float64(d.TotalBytes)
	if p > 1 {
		return 1
	}
	return p
}

// AssignKey fixes the storage key for the fetched object from its content type.
func (d *ExternalDownload) AssignKey(contentType string, now time.Time) string {
	d.MimeType = contentType
	d.Key = StorageKey(d.KeyPrefix, d.ID, contentType, now)
	return d.Key
}

// DownloadResult is what storage verified after the bytes were written.
type DownloadResult struct {
	Size        int64
	Checksum    string
	ETag        string
	ContentType string
}

func (d *ExternalDownload) Complete(res DownloadResult, now time.Time) error {
	if err := d.validateActive(now); err != nil {
		return err
	}
	if d.Status != DownloadInProgress {
		return fmt.Errorf("%w: complete from %s", ErrInvalidSessionStatus, d.Status)
	}

	d.Status = DownloadCompleted
	d.FileSize = res.Size
	d.BytesTransferred = res.Size
	d.Checksum = res.Checksum
	d.ETag = res.ETag
	if res.ContentType != "" {
		d.MimeType = res.ContentType
	}
	d.LastError = ""
	d.UpdatedAt = now
	d.CompletedAt = &now

	d.record(DownloadCompletedEvent{
		SessionID:   d.ID,
		SourceURL:   d.SourceURL,
		Bucket:      d.Bucket,
		Key:         d.Key,
		FileName:    d.FileName,
		ContentType: d.MimeType,
		FileSize:    res.Size,
		Checksum:    res.Checksum,
		ETag:        res.ETag,
		OccurredAt:  now,
	})
	return nil
}

// RegisterRetryableFailure counts a transient failure. Under the maximum the download
// goes back to INITIATED for another attempt; at the maximum it becomes FAILED and
// exhausted is true.
func (d *ExternalDownload) RegisterRetryableFailure(reason string, now time.Time) (exhausted bool, err error) {
	if d.Status != DownloadInProgress {
		if err := d.validateActive(now); err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: failure reported from %s", ErrInvalidSessionStatus, d.Status)
	}

	c := d.retryCount().Increment()
	d.RetryCount = c.Value()
	d.LastError = reason
	d.UpdatedAt = now

	if c.Exhausted() {
		d.Status = DownloadFailed
		return true, nil
	}
	d.Status = DownloadInitiated
	return false, nil
}

// Fail is terminal. Failing an already failed or expired download is a no-op.
func (d *ExternalDownload) Fail(reason string, now time.Time) error {
	switch d.Status {
	case DownloadCompleted:
		return ErrSessionAlreadyCompleted
	case DownloadFailed, DownloadExpired:
		return nil
	}
	d.Status = DownloadFailed
	d.LastError = reason
	d.UpdatedAt = now
	return nil
}

func (d *ExternalDownload) Expire(now time.Time) bool {
	if d.IsTerminal() {
		return false
	}
	d.Status = DownloadExpired
	d.UpdatedAt = now
	return true
}

func (d *ExternalDownload) Clone() *ExternalDownload {
	c := *d
	c.events = events{}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StorageKey builds <prefix>external-download/YYYY/MM/DD/<id>.<ext>.
func StorageKey(prefix string, id ID, contentType string, now time.Time) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return fmt.Sprintf("%sexternal-download/%s/%s.%s", prefix, now.UTC().Format("2006/01/02"), id, ExtensionFor(contentType))
}

// ExtensionFor maps a content type to a file extension, "bin" when unknown.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/svg+xml":
		return "svg"
	case "image/bmp":
		return "bmp"
	case "image/tiff":
		return "tiff"
	case "application/pdf":
		return "pdf"
	}
	if i := strings.IndexByte(ct, '/'); i >= 0 && i < len(ct)-1 {
		sub := ct[i+1:]
		if !strings.ContainsAny(sub, "+.") {
			return sub
		}
	}
	return "bin"
}
