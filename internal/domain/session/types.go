package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID identifies a session and doubles as its idempotency key.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID accepts only canonical UUIDs.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(u.String()), nil
}

func (id ID) String() string { return string(id) }

type AccessType string

const (
	AccessPrivate AccessType = "PRIVATE"
	AccessPublic  AccessType = "PUBLIC"
)

// UploadTarget describes where an object lands. It is shared by single and multipart sessions.
type UploadTarget struct {
	Bucket      string     `json:"bucket"`
	Key         string     `json:"key"`
	AccessType  AccessType `json:"access_type"`
	FileName    string     `json:"file_name"`
	ContentType string     `json:"content_type"`
}

func (t UploadTarget) Validate() error {
	switch {
	case strings.TrimSpace(t.Bucket) == "":
		return fmt.Errorf("%w: bucket is required", ErrInvalidTarget)
	case strings.TrimSpace(t.Key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidTarget)
	case t.AccessType != AccessPrivate && t.AccessType != AccessPublic:
		return fmt.Errorf("%w: unknown access type %q", ErrInvalidTarget, t.AccessType)
	case strings.TrimSpace(t.FileName) == "":
		return fmt.Errorf("%w: file name is required", ErrInvalidTarget)
	}
	return nil
}

const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

func (p CompletedPart) Validate() error {
	if p.PartNumber < MinPartNumber || p.PartNumber > MaxPartNumber {
		return fmt.Errorf("%w: part number %d outside %d..%d", ErrInvalidPart, p.PartNumber, MinPartNumber, MaxPartNumber)
	}
	if p.ETag == "" {
		return fmt.Errorf("%w: etag is required", ErrInvalidPart)
	}
	if p.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidPart)
	}
	return nil
}

type UploadType string

const (
	UploadSingle    UploadType = "SINGLE"
	UploadMultipart UploadType = "MULTIPART"
)

// Event is a domain event collected on an aggregate until polled.
type Event interface {
	EventName() string
}

// UploadCompletedEvent carries the server-verified size and etag of a finished upload.
type UploadCompletedEvent struct {
	SessionID  ID           `json:"session_id"`
	UploadType UploadType   `json:"upload_type"`
	Target     UploadTarget `json:"target"`
	FileSize   int64        `json:"file_size"`
	ETag       string       `json:"etag"`
	Purpose    string       `json:"purpose"`
	Source     string       `json:"source"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func (UploadCompletedEvent) EventName() string { return "upload.completed" }

type DownloadCompletedEvent struct {
	SessionID   ID        `json:"session_id"`
	SourceURL   string    `json:"source_url"`
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	FileSize    int64     `json:"file_size"`
	Checksum    string    `json:"checksum"`
	ETag        string    `json:"etag"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (DownloadCompletedEvent) EventName() string { return "download.completed" }

type events struct {
	pending []Event
}

func (e *events) record(ev Event) { e.pending = append(e.pending, ev) }

// PollEvents returns recorded events and clears them.
func (e *events) PollEvents() []Event {
	out := e.pending
	e.pending = nil
	return out
}
