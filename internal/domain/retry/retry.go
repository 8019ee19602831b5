package retry

import (
	"errors"
	"time"
)

var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Policy is the single retry strategy shared by session retry counters and outbox rows.
// Delay grows as BaseDelay * 2^retryCount and is capped at MaxDelay.
type Policy struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// FileDownload bounds external fetch attempts.
var FileDownload = Policy{
	Name:       "file_download",
	MaxRetries: 3,
	BaseDelay:  30 * time.Second,
	MaxDelay:   10 * time.Minute,
}

// Webhook bounds callback delivery attempts.
var Webhook = Policy{
	Name:       "webhook",
	MaxRetries: 5,
	BaseDelay:  time.Minute,
	MaxDelay:   30 * time.Minute,
}

// FileProcessing bounds pipeline attempts for one asset.
var FileProcessing = Policy{
	Name:       "file_processing",
	MaxRetries: 3,
	BaseDelay:  time.Minute,
	MaxDelay:   15 * time.Minute,
}

func (p Policy) Validate() error {
	if p.MaxRetries < 1 {
		return errors.Join(ErrInvalidPolicy, errors.New("max retries must be at least 1"))
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.Join(ErrInvalidPolicy, errors.New("delays must not be negative"))
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return errors.Join(ErrInvalidPolicy, errors.New("max delay shorter than base delay"))
	}
	return nil
}

// Delay returns the backoff to wait after retryCount failed attempts.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			// overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NextAttemptAt is the earliest time a retry may run.
func (p Policy) NextAttemptAt(retryCount int, lastUpdate time.Time) time.Time {
	return lastUpdate.Add(p.Delay(retryCount))
}

// Count is a bounded retry counter. The zero value is unusable; build it with NewCount.
type Count struct {
	n   int
	max int
}

func NewCount(max int) Count {
	return Count{max: max}
}

// RestoreCount rebuilds a counter from persisted state.
func RestoreCount(n, max int) Count {
	if n < 0 {
		n = 0
	}
	return Count{n: n, max: max}
}

func (c Count) Value() int { return c.n }
func (c Count) Max() int   { return c.max }

// Increment returns the counter advanced by one. It never exceeds Max.
func (c Count) Increment() Count {
	if c.n < c.max {
		c.n++
	}
	return c
}

// CanRetry reports whether another attempt is allowed.
func (c Count) CanRetry() bool { return c.n < c.max }

func (c Count) Exhausted() bool { return c.n >= c.max }
