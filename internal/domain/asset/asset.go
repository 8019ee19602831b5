package asset

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusResized       Status = "RESIZED"
	StatusN8nProcessing Status = "N8N_PROCESSING"
	StatusN8nCompleted  Status = "N8N_COMPLETED"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusDeleted       Status = "DELETED"
)

var (
	ErrInvalidTransition = errors.New("asset: invalid status transition")
	ErrAlreadyDeleted    = errors.New("asset: already deleted")
	ErrNotFailed         = errors.New("asset: retry is only allowed from FAILED")
)

// forward lists the pipeline edges. FAILED and DELETED are handled separately.
var forward = map[Status][]Status{
	StatusPending:       {StatusProcessing},
	StatusProcessing:    {StatusResized, StatusN8nProcessing, StatusCompleted},
	StatusResized:       {StatusN8nProcessing, StatusCompleted},
	StatusN8nProcessing: {StatusN8nCompleted},
	StatusN8nCompleted:  {StatusCompleted},
}

// IsTerminal reports whether no forward or FAILED transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeleted
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusDeleted:
		return from != StatusDeleted
	case StatusFailed:
		return !from.IsTerminal()
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorUser   ActorType = "USER"
)

type Actor struct {
	Name string
	Type ActorType
}

func System(name string) Actor { return Actor{Name: name, Type: ActorSystem} }
func User(name string) Actor   { return Actor{Name: name, Type: ActorUser} }

// Thumbnails holds storage keys of generated previews.
type Thumbnails struct {
	Small  string `json:"small,omitempty"`
	Medium string `json:"medium,omitempty"`
	Large  string `json:"large,omitempty"`
}

// FileAsset is a stored file moving through the processing pipeline.
type FileAsset struct {
	ID               string
	SessionID        string
	Bucket           string
	Key              string
	FileName         string
	ContentType      string
	Size             int64
	Checksum         string
	ETag             string
	Status           Status
	StatusMessage    string
	Width            int
	Height           int
	Thumbnails       Thumbnails
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastTransitionAt time.Time
	DeletedAt        *time.Time
	Version          int64
}

// Origin describes the stored object an asset is created for.
type Origin struct {
	SessionID   string
	Bucket      string
	Key         string
	FileName    string
	ContentType string
	Size        int64
	Checksum    string
	ETag        string
}

// New creates a PENDING asset together with its first history row.
func New(o Origin, actor Actor, now time.Time) (*FileAsset, StatusHistory) {
	a := &FileAsset{
		ID:               uuid.NewString(),
		SessionID:        o.SessionID,
		Bucket:           o.Bucket,
		Key:              o.Key,
		FileName:         o.FileName,
		ContentType:      o.ContentType,
		Size:             o.Size,
		Checksum:         o.Checksum,
		ETag:             o.ETag,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
	}
	h := StatusHistory{
		ID:         uuid.NewString(),
		AssetID:    a.ID,
		To:         StatusPending,
		Reason:     "asset created",
		Actor:      actor.Name,
		ActorType:  actor.Type,
		OccurredAt: now,
	}
	return a, h
}

// TransitionTo moves the asset along one edge and returns the history row to append.
func (a *FileAsset) TransitionTo(to Status, reason string, actor Actor, now time.Time) (StatusHistory, error) {
	if a.Status == StatusDeleted {
		return StatusHistory{}, ErrAlreadyDeleted
	}
	if !CanTransition(a.Status, to) {
		return StatusHistory{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	from := a.Status
	elapsed := now.Sub(a.LastTransitionAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	a.Status = to
	a.StatusMessage = reason
	a.UpdatedAt = now
	a.LastTransitionAt = now

	return StatusHistory{
		ID:             uuid.NewString(),
		AssetID:        a.ID,
		From:           &from,
		To:             to,
		Reason:         reason,
		Actor:          actor.Name,
		ActorType:      actor.Type,
		OccurredAt:     now,
		DurationMillis: &elapsed,
	}, nil
}

func (a *FileAsset) Fail(reason string, actor Actor, now time.Time) (StatusHistory, error) {
	return a.TransitionTo(StatusFailed, reason, actor, now)
}

// MarkResized records thumbnail output and moves PROCESSING -> RESIZED.
func (a *FileAsset) MarkResized(width, height int, thumbs Thumbnails, actor Actor, now time.Time) (StatusHistory, error) {
	h, err := a.TransitionTo(StatusResized, fmt.Sprintf("thumbnails generated (%dx%d)", width, height), actor, now)
	if err != nil {
		return h, err
	}
	a.Width = width
	a.Height = height
	a.Thumbnails = thumbs
	return h, nil
}

// Delete soft-deletes the asset from any state but DELETED.
func (a *FileAsset) Delete(reason string, actor Actor, now time.Time) (StatusHistory, error) {
	h, err := a.TransitionTo(StatusDeleted, reason, actor, now)
	if err != nil {
		return h, err
	}
	a.DeletedAt = &now
	return h, nil
}

// Retry resets a FAILED asset to PENDING. Earlier history rows are left untouched.
func (a *FileAsset) Retry(actor Actor, now time.Time) (StatusHistory, error) {
	if a.Status == StatusDeleted {
		return StatusHistory{}, ErrAlreadyDeleted
	}
	if a.Status != StatusFailed {
		return StatusHistory{}, fmt.Errorf("%w: current status %s", ErrNotFailed, a.Status)
	}

	from := a.Status
	elapsed := now.Sub(a.LastTransitionAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	a.Status = StatusPending
	a.StatusMessage = "retry requested"
	a.RetryCount++
	a.UpdatedAt = now
	a.LastTransitionAt = now

	return StatusHistory{
		ID:             uuid.NewString(),
		AssetID:        a.ID,
		From:           &from,
		To:             StatusPending,
		Reason:         fmt.Sprintf("retry #%d", a.RetryCount),
		Actor:          actor.Name,
		ActorType:      actor.Type,
		OccurredAt:     now,
		DurationMillis: &elapsed,
	}, nil
}

func (a *FileAsset) IsImage() bool {
	switch a.ContentType {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/bmp", "image/tiff":
		return true
	}
	return false
}

func (a *FileAsset) Clone() *FileAsset {
	c := *a
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// StatusHistory is an append-only audit row. From is nil for the creation row.
type StatusHistory struct {
	ID             string
	AssetID        string
	From           *Status
	To             Status
	Reason         string
	Actor          string
	ActorType      ActorType
	OccurredAt     time.Time
	DurationMillis *int64
}

// Exceeds reports whether the time spent before this transition is above threshold.
func (h StatusHistory) Exceeds(threshold time.Duration) bool {
	return h.DurationMillis != nil && *h.DurationMillis > threshold.Milliseconds()
}
