package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusProcessed         Status = "PROCESSED"
	StatusFailed            Status = "FAILED"
	StatusPermanentlyFailed Status = "PERMANENTLY_FAILED"
)

// Kind tags the unit of work an entry dispatches to.
type Kind string

const (
	KindExternalDownload Kind = "EXTERNAL_DOWNLOAD"
	KindFileProcessing   Kind = "FILE_PROCESSING"
	KindWebhook          Kind = "WEBHOOK"
	KindEventPublish     Kind = "EVENT_PUBLISH"
)

var (
	ErrMaxRetriesExceeded = errors.New("outbox: max retries exceeded")
	ErrImmutable          = errors.New("outbox: entry is terminal")
	ErrInvalidTransition  = errors.New("outbox: invalid transition")
)

// Entry is one durable work item. Payload is opaque to the scheduler.
type Entry struct {
	ID            string
	Kind          Kind
	SubjectID     string
	Payload       []byte
	Status        Status
	RetryCount    int
	MaxRetryCount int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
	Version       int64
}

func New(kind Kind, subjectID string, payload []byte, policy retry.Policy, now time.Time) *Entry {
	return &Entry{
		ID:            uuid.NewString(),
		Kind:          kind,
		SubjectID:     subjectID,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetryCount: policy.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (e *Entry) IsTerminal() bool {
	return e.Status == StatusProcessed || e.Status == StatusPermanentlyFailed
}

// MarkProcessing claims the entry. PROCESSING may be re-claimed by stale recovery.
func (e *Entry) MarkProcessing(now time.Time) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrImmutable, e.Status)
	}
	e.Status = StatusProcessing
	e.UpdatedAt = now
	return nil
}

func (e *Entry) MarkProcessed(now time.Time) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrImmutable, e.Status)
	}
	if e.Status != StatusProcessing {
		return fmt.Errorf("%w: processed from %s", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusProcessed
	e.LastError = ""
	e.UpdatedAt = now
	e.ProcessedAt = &now
	return nil
}

// MarkFailed records a retryable failure. When the incremented count reaches the maximum
// the entry escalates to PERMANENTLY_FAILED and the returned error wraps
// ErrMaxRetriesExceeded.
func (e *Entry) MarkFailed(cause string, now time.Time) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrImmutable, e.Status)
	}
	c := retry.RestoreCount(e.RetryCount, e.MaxRetryCount).Increment()
	e.RetryCount = c.Value()
	e.UpdatedAt = now

	if c.Exhausted() {
		e.Status = StatusPermanentlyFailed
		e.LastError = fmt.Sprintf("Max retry count exceeded: %s", cause)
		return fmt.Errorf("%w: %d attempts", ErrMaxRetriesExceeded, e.RetryCount)
	}
	e.Status = StatusFailed
	e.LastError = cause
	return nil
}

func (e *Entry) MarkPermanentlyFailed(cause string, now time.Time) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrImmutable, e.Status)
	}
	e.Status = StatusPermanentlyFailed
	e.LastError = cause
	e.UpdatedAt = now
	return nil
}

// CanRetry reports whether a FAILED entry is still within its retry budget.
func (e *Entry) CanRetry() bool {
	return e.Status == StatusFailed && e.RetryCount < e.MaxRetryCount
}

// Due reports whether a FAILED entry may run again at now under backoff. The budget is
// the row's own MaxRetryCount, not backoff.MaxRetries.
func (e *Entry) Due(backoff retry.Policy, now time.Time) bool {
	return e.CanRetry() && !now.Before(backoff.NextAttemptAt(e.RetryCount, e.UpdatedAt))
}

func (e *Entry) Clone() *Entry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
