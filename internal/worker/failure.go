package worker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/PaulBabatuyi/FileFlow/internal/fetch"
)

var (
	ErrDownloadRetryable = errors.New("download: retryable failure")
	ErrDownloadPermanent = errors.New("download: permanent failure")
)

// DownloadFailure is a classified external download error. Timeouts, 5xx responses and
// I/O errors are retryable; 4xx responses are not.
type DownloadFailure struct {
	Reason     string
	StatusCode int
	Retryable  bool
	Exhausted  bool // the session's retry budget is used up
	Err        error
}

func (f *DownloadFailure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", f.Reason, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *DownloadFailure) Unwrap() error { return f.Err }

func (f *DownloadFailure) Permanent() bool { return !f.Retryable || f.Exhausted }

func (f *DownloadFailure) Is(target error) bool {
	switch target {
	case ErrDownloadRetryable:
		return !f.Permanent()
	case ErrDownloadPermanent:
		return f.Permanent()
	}
	return false
}

// Classify maps a fetch or storage error onto the retry taxonomy.
func Classify(err error) *DownloadFailure {
	var f *DownloadFailure
	if errors.As(err, &f) {
		return f
	}

	var se *fetch.StatusError
	if errors.As(err, &se) {
		switch {
		case se.ClientError():
			return &DownloadFailure{Reason: "client_error", StatusCode: se.StatusCode, Err: err}
		case se.ServerError():
			return &DownloadFailure{Reason: "server_error", StatusCode: se.StatusCode, Retryable: true, Err: err}
		default:
			return &DownloadFailure{Reason: "unexpected_status", StatusCode: se.StatusCode, Retryable: true, Err: err}
		}
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &DownloadFailure{Reason: "timeout", Retryable: true, Err: err}
	}
	return &DownloadFailure{Reason: "io", Retryable: true, Err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string   { return p.err.Error() }
func (p *permanentError) Unwrap() error   { return p.err }
func (p *permanentError) Permanent() bool { return true }

func permanent(err error) error {
	return &permanentError{err: err}
}
