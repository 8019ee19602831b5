package outbox_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newEntry() *outbox.Entry {
	return outbox.New(outbox.KindExternalDownload, "dl-1", []byte(`{"download_id":"dl-1"}`), retry.FileDownload, t0)
}

func TestEntry_HappyPath(t *testing.T) {
	e := newEntry()
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, 3, e.MaxRetryCount)

	require.NoError(t, e.MarkProcessing(t0))
	require.NoError(t, e.MarkProcessed(t0.Add(time.Second)))
	assert.Equal(t, outbox.StatusProcessed, e.Status)
	require.NotNil(t, e.ProcessedAt)
}

func TestEntry_LastRetryEscalates(t *testing.T) {
	e := newEntry()
	e.Status = outbox.StatusFailed
	e.RetryCount = e.MaxRetryCount - 1

	require.NoError(t, e.MarkProcessing(t0))
	err := e.MarkFailed("boom", t0)
	require.ErrorIs(t, err, outbox.ErrMaxRetriesExceeded)
	assert.Equal(t, outbox.StatusPermanentlyFailed, e.Status)
	assert.Equal(t, e.MaxRetryCount, e.RetryCount)
	assert.Contains(t, e.LastError, "boom")
}

func TestEntry_FailuresCountUp(t *testing.T) {
	e := newEntry()
	for i := 1; i < e.MaxRetryCount; i++ {
		require.NoError(t, e.MarkProcessing(t0))
		require.NoError(t, e.MarkFailed("transient", t0))
		assert.Equal(t, outbox.StatusFailed, e.Status)
		assert.Equal(t, i, e.RetryCount)
		assert.True(t, e.CanRetry())
	}
	require.NoError(t, e.MarkProcessing(t0))
	assert.ErrorIs(t, e.MarkFailed("transient", t0), outbox.ErrMaxRetriesExceeded)
	assert.False(t, e.CanRetry())
}

func TestEntry_DueAfterBackoff(t *testing.T) {
	e := newEntry()
	assert.False(t, e.Due(retry.FileDownload, t0.Add(time.Hour)), "pending is not a retry")

	require.NoError(t, e.MarkProcessing(t0))
	require.NoError(t, e.MarkFailed("503", t0))

	// FileDownload waits 30s * 2^1 after the first failure.
	assert.False(t, e.Due(retry.FileDownload, t0.Add(59*time.Second)))
	assert.True(t, e.Due(retry.FileDownload, t0.Add(time.Minute)))

	// The row's budget decides, not the policy handed in.
	short := retry.FileDownload
	short.MaxRetries = 1
	assert.True(t, e.Due(short, t0.Add(time.Minute)))
}

func TestEntry_TerminalIsImmutable(t *testing.T) {
	done := newEntry()
	require.NoError(t, done.MarkProcessing(t0))
	require.NoError(t, done.MarkProcessed(t0))

	dead := newEntry()
	require.NoError(t, dead.MarkPermanentlyFailed("404", t0))

	for _, e := range []*outbox.Entry{done, dead} {
		before := e.Clone()
		assert.ErrorIs(t, e.MarkProcessing(t0.Add(time.Hour)), outbox.ErrImmutable)
		assert.ErrorIs(t, e.MarkFailed("x", t0.Add(time.Hour)), outbox.ErrImmutable)
		assert.ErrorIs(t, e.MarkPermanentlyFailed("x", t0.Add(time.Hour)), outbox.ErrImmutable)
		assert.Equal(t, before, e)
	}
}

func TestEntry_ProcessedRequiresClaim(t *testing.T) {
	e := newEntry()
	assert.ErrorIs(t, e.MarkProcessed(t0), outbox.ErrInvalidTransition)
}

func TestEntry_CloneIsDeep(t *testing.T) {
	e := newEntry()
	c := e.Clone()
	c.Payload[0] = 'X'
	assert.Equal(t, byte('{'), e.Payload[0])
}

func TestPayloadRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e, err := outbox.ForWebhook("dl-1", "https://hooks.example.com/x", map[string]string{"status": "COMPLETED"}, retry.Webhook, now)
	require.NoError(t, err)
	assert.Equal(t, outbox.KindWebhook, e.Kind)
	assert.Equal(t, "dl-1", e.SubjectID)
	assert.Equal(t, retry.Webhook.MaxRetries, e.MaxRetryCount)

	var p outbox.WebhookPayload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, "https://hooks.example.com/x", p.URL)
	assert.JSONEq(t, `{"status":"COMPLETED"}`, string(p.Body))

	bad := outbox.New(outbox.KindFileProcessing, "a", []byte("{"), retry.FileProcessing, now)
	var pp outbox.ProcessingPayload
	assert.Error(t, bad.Decode(&pp))
}
