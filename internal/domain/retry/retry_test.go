package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
)

func TestPolicyDelay(t *testing.T) {
	p := retry.Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4), "capped")
	assert.Equal(t, 10*time.Second, p.Delay(200), "no overflow")
	assert.Equal(t, time.Second, p.Delay(-1))
}

func TestPolicyNextAttemptAt(t *testing.T) {
	p := retry.Policy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}
	last := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, last.Add(2*time.Minute), p.NextAttemptAt(1, last))
	assert.Equal(t, last.Add(4*time.Minute), p.NextAttemptAt(2, last))
	assert.Equal(t, last.Add(time.Hour), p.NextAttemptAt(30, last), "capped")
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, retry.FileDownload.Validate())
	require.NoError(t, retry.Webhook.Validate())

	err := retry.Policy{MaxRetries: 0}.Validate()
	assert.ErrorIs(t, err, retry.ErrInvalidPolicy)

	err = retry.Policy{MaxRetries: 1, BaseDelay: time.Hour, MaxDelay: time.Minute}.Validate()
	assert.ErrorIs(t, err, retry.ErrInvalidPolicy)
}

func TestCount(t *testing.T) {
	c := retry.NewCount(3)
	assert.True(t, c.CanRetry())

	c = c.Increment().Increment()
	assert.Equal(t, 2, c.Value())
	assert.True(t, c.CanRetry())

	c = c.Increment()
	assert.True(t, c.Exhausted())
	assert.False(t, c.CanRetry())

	c = c.Increment()
	assert.Equal(t, 3, c.Value(), "never exceeds max")

	assert.Equal(t, 0, retry.RestoreCount(-4, 3).Value())
}
