package session

import "errors"

// Errors returned synchronously from session mutations. Callers decide whether to retry.
var (
	ErrSessionAlreadyCompleted = errors.New("session already completed")
	ErrSessionAlreadyAborted   = errors.New("session already aborted")
	ErrSessionExpired          = errors.New("session expired")
	ErrPartNumberDuplicate     = errors.New("part number already recorded")
	ErrInvalidSessionStatus    = errors.New("invalid session status")

	ErrInvalidTarget    = errors.New("invalid upload target")
	ErrInvalidPart      = errors.New("invalid part")
	ErrInvalidSourceURL = errors.New("source url must be http or https")
	ErrInvalidID        = errors.New("invalid session id")
)
