package session

import (
	"fmt"
	"time"
)

type SingleStatus string

const (
	SingleCreated   SingleStatus = "CREATED"
	SingleCompleted SingleStatus = "COMPLETED"
	SingleExpired   SingleStatus = "EXPIRED"
)

// SingleUpload is a one-shot presigned PUT upload.
type SingleUpload struct {
	ID           ID
	Target       UploadTarget
	PresignedURL string
	Purpose      string
	Source       string
	Status       SingleStatus
	FileSize     int64
	ETag         string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	Version      int64

	events
}

func NewSingleUpload(id ID, target UploadTarget, presignedURL, purpose, source string, ttl time.Duration, now time.Time) (*SingleUpload, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidSessionStatus)
	}
	return &SingleUpload{
		ID:           id,
		Target:       target,
		PresignedURL: presignedURL,
		Purpose:      purpose,
		Source:       source,
		Status:       SingleCreated,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SingleUpload) IsTerminal() bool {
	return s.Status == SingleCompleted || s.Status == SingleExpired
}

func (s *SingleUpload) IsExpired(now time.Time) bool {
	return s.Status == SingleExpired || now.After(s.ExpiresAt)
}

// CheckCompletable reports whether Complete would succeed at now.
func (s *SingleUpload) CheckCompletable(now time.Time) error {
	if s.Status == SingleCompleted {
		return ErrSessionAlreadyCompleted
	}
	if s.IsExpired(now) {
		return ErrSessionExpired
	}
	return nil
}

// Complete records the size and etag reported by storage, never by the client.
func (s *SingleUpload) Complete(fileSize int64, etag string, now time.Time) error {
	if err := s.CheckCompletable(now); err != nil {
		return err
	}

	s.Status = SingleCompleted
	s.FileSize = fileSize
	s.ETag = etag
	s.UpdatedAt = now
	s.CompletedAt = &now

	s.record(UploadCompletedEvent{
		SessionID:  s.ID,
		UploadType: UploadSingle,
		Target:     s.Target,
		FileSize:   fileSize,
		ETag:       etag,
		Purpose:    s.Purpose,
		Source:     s.Source,
		OccurredAt: now,
	})
	return nil
}

// Expire moves a pending session to EXPIRED. It reports whether anything changed.
func (s *SingleUpload) Expire(now time.Time) bool {
	if s.IsTerminal() {
		return false
	}
	s.Status = SingleExpired
	s.UpdatedAt = now
	return true
}

// Clone returns a deep copy without pending events.
func (s *SingleUpload) Clone() *SingleUpload {
	c := *s
	c.events = events{}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
