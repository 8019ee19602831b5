package session

import (
	"fmt"
	"sort"
	"time"
)

type MultipartStatus string

const (
	MultipartInitiated MultipartStatus = "INITIATED"
	MultipartUploading MultipartStatus = "UPLOADING"
	MultipartCompleted MultipartStatus = "COMPLETED"
	MultipartAborted   MultipartStatus = "ABORTED"
	MultipartExpired   MultipartStatus = "EXPIRED"
)

// MultipartUpload tracks a storage multipart upload and the parts confirmed so far.
type MultipartUpload struct {
	ID          ID
	Target      UploadTarget
	UploadID    string
	PartSize    int64
	Purpose     string
	Source      string
	Status      MultipartStatus
	Parts       map[int]CompletedPart
	TotalSize   int64
	ETag        string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Version     int64

	events
}

func InitiateMultipart(id ID, target UploadTarget, uploadID string, partSize int64, purpose, source string, ttl time.Duration, now time.Time) (*MultipartUpload, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, fmt.Errorf("%w: storage upload id is required", ErrInvalidTarget)
	}
	if partSize <= 0 {
		return nil, fmt.Errorf("%w: part size must be positive", ErrInvalidPart)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidSessionStatus)
	}
	return &MultipartUpload{
		ID:        id,
		Target:    target,
		UploadID:  uploadID,
		PartSize:  partSize,
		Purpose:   purpose,
		Source:    source,
		Status:    MultipartInitiated,
		Parts:     make(map[int]CompletedPart),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (m *MultipartUpload) IsTerminal() bool {
	switch m.Status {
	case MultipartCompleted, MultipartAborted, MultipartExpired:
		return true
	}
	return false
}

func (m *MultipartUpload) validateActive(now time.Time) error {
	switch m.Status {
	case MultipartCompleted:
		return ErrSessionAlreadyCompleted
	case MultipartAborted:
		return ErrSessionAlreadyAborted
	case MultipartExpired:
		return ErrSessionExpired
	}
	if now.After(m.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// CheckActive reports whether the session still accepts parts at now.
func (m *MultipartUpload) CheckActive(now time.Time) error {
	return m.validateActive(now)
}

func (m *MultipartUpload) AddCompletedPart(part CompletedPart, now time.Time) error {
	if err := part.Validate(); err != nil {
		return err
	}
	if err := m.validateActive(now); err != nil {
		return err
	}
	if m.Parts == nil {
		m.Parts = make(map[int]CompletedPart)
	}
	if _, ok := m.Parts[part.PartNumber]; ok {
		return fmt.Errorf("%w: %d", ErrPartNumberDuplicate, part.PartNumber)
	}

	m.Parts[part.PartNumber] = part
	if m.Status == MultipartInitiated {
		m.Status = MultipartUploading
	}
	m.UpdatedAt = now
	return nil
}

// SortedParts returns the recorded parts ordered by part number.
func (m *MultipartUpload) SortedParts() []CompletedPart {
	parts := make([]CompletedPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

// CheckCompletable reports whether Complete would succeed at now.
func (m *MultipartUpload) CheckCompletable(now time.Time) error {
	if err := m.validateActive(now); err != nil {
		return err
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("%w: no completed parts", ErrInvalidSessionStatus)
	}
	return nil
}

func (m *MultipartUpload) Complete(totalSize int64, etag string, now time.Time) error {
	if err := m.CheckCompletable(now); err != nil {
		return err
	}

	m.Status = MultipartCompleted
	m.TotalSize = totalSize
	m.ETag = etag
	m.UpdatedAt = now
	m.CompletedAt = &now

	m.record(UploadCompletedEvent{
		SessionID:  m.ID,
		UploadType: UploadMultipart,
		Target:     m.Target,
		FileSize:   totalSize,
		ETag:       etag,
		Purpose:    m.Purpose,
		Source:     m.Source,
		OccurredAt: now,
	})
	return nil
}

func (m *MultipartUpload) Abort(now time.Time) error {
	if err := m.validateActive(now); err != nil {
		return err
	}
	m.Status = MultipartAborted
	m.UpdatedAt = now
	return nil
}

// Expire is a no-op once the session is terminal. It reports whether anything changed.
func (m *MultipartUpload) Expire(now time.Time) bool {
	if m.IsTerminal() {
		return false
	}
	m.Status = MultipartExpired
	m.UpdatedAt = now
	return true
}

func (m *MultipartUpload) Clone() *MultipartUpload {
	c := *m
	c.events = events{}
	c.Parts = make(map[int]CompletedPart, len(m.Parts))
	for k, v := range m.Parts {
		c.Parts[k] = v
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
