package database_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
)

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

// stores returns every backend to run the shared cases against. PostgreSQL joins only
// when FILEFLOW_TEST_DATABASE_URL is set.
func stores(t *testing.T) map[string]database.Store {
	t.Helper()
	out := map[string]database.Store{"memory": database.NewMemoryStore()}

	dsn := os.Getenv("FILEFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	ctx := context.Background()
	pg, err := database.NewPostgresStore(ctx, dsn, database.PoolConfig{MaxOpenConns: 4})
	require.NoError(t, err)
	require.NoError(t, pg.Migrate(ctx))
	t.Cleanup(func() { pg.Close() })
	out["postgres"] = pg
	return out
}

func target() session.UploadTarget {
	return session.UploadTarget{Bucket: "media", Key: "a/b.png", AccessType: session.AccessPublic, FileName: "b.png", ContentType: "image/png"}
}

func TestStore_SingleUploadVersioning(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, err := session.NewSingleUpload(session.NewID(), target(), "https://signed", "p", "src", time.Hour, t0)
			require.NoError(t, err)
			require.NoError(t, store.SingleUploads().Create(ctx, s))
			assert.ErrorIs(t, store.SingleUploads().Create(ctx, s), database.ErrDuplicate)

			a, err := store.SingleUploads().Get(ctx, s.ID)
			require.NoError(t, err)
			b, err := store.SingleUploads().Get(ctx, s.ID)
			require.NoError(t, err)

			require.NoError(t, a.Complete(10, "etag", t0))
			require.NoError(t, store.SingleUploads().Save(ctx, a))

			b.Expire(t0)
			assert.ErrorIs(t, store.SingleUploads().Save(ctx, b), database.ErrConflict)

			got, err := store.SingleUploads().Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, session.SingleCompleted, got.Status)
			assert.Equal(t, int64(10), got.FileSize)

			_, err = store.SingleUploads().Get(ctx, session.NewID())
			assert.ErrorIs(t, err, database.ErrNotFound)
		})
	}
}

func TestStore_MultipartPartsRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, err := session.InitiateMultipart(session.NewID(), target(), "up-1", 5<<20, "", "", time.Hour, t0)
			require.NoError(t, err)
			require.NoError(t, store.MultipartUploads().Create(ctx, m))

			require.NoError(t, m.AddCompletedPart(session.CompletedPart{PartNumber: 2, ETag: "e2", Size: 3}, t0))
			require.NoError(t, m.AddCompletedPart(session.CompletedPart{PartNumber: 1, ETag: "e1", Size: 5}, t0))
			require.NoError(t, store.MultipartUploads().Save(ctx, m))

			got, err := store.MultipartUploads().Get(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, session.MultipartUploading, got.Status)
			assert.Equal(t, m.Parts, got.Parts)

			expirable, err := store.MultipartUploads().FindExpirable(ctx, t0.Add(2*time.Hour), 10)
			require.NoError(t, err)
			require.NotEmpty(t, expirable)
		})
	}
}

func TestStore_InTxRollsBack(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := session.NewExternalDownload(session.NewID(), session.DownloadRequest{
				SourceURL: "https://example.com/x", Bucket: "media",
			}, retry.FileDownload, time.Hour, t0)
			require.NoError(t, err)
			entry := outbox.New(outbox.KindExternalDownload, d.ID.String(), nil, retry.FileDownload, t0)

			boom := errors.New("boom")
			err = store.InTx(ctx, func(r database.Repositories) error {
				if err := r.Downloads().Create(ctx, d); err != nil {
					return err
				}
				if err := r.Outbox().Create(ctx, entry); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			_, err = store.Downloads().Get(ctx, d.ID)
			assert.ErrorIs(t, err, database.ErrNotFound)
			_, err = store.Outbox().Get(ctx, entry.ID)
			assert.ErrorIs(t, err, database.ErrNotFound)

			err = store.InTx(ctx, func(r database.Repositories) error {
				if err := r.Downloads().Create(ctx, d); err != nil {
					return err
				}
				return r.Outbox().Create(ctx, entry)
			})
			require.NoError(t, err)
			rows, err := store.Outbox().FindBySubject(ctx, d.ID.String())
			require.NoError(t, err)
			assert.Len(t, rows, 1)
		})
	}
}

func TestMemoryStore_OutboxQueries(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	backoff := retry.Policy{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}

	mk := func(offset time.Duration) *outbox.Entry {
		e := outbox.New(outbox.KindWebhook, "s", nil, retry.Webhook, t0.Add(offset))
		require.NoError(t, store.Outbox().Create(ctx, e))
		return e
	}

	second := mk(2 * time.Second)
	first := mk(time.Second)

	pending, err := store.Outbox().FindPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")
	assert.Equal(t, second.ID, pending[1].ID)

	require.NoError(t, first.MarkProcessing(t0))
	require.NoError(t, store.Outbox().Save(ctx, first))
	require.NoError(t, first.MarkFailed("503", t0))
	require.NoError(t, store.Outbox().Save(ctx, first))

	retryable, err := store.Outbox().FindRetryable(ctx, outbox.KindWebhook, t0.Add(time.Minute), backoff, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable, "one failure waits base*2")

	retryable, err = store.Outbox().FindRetryable(ctx, outbox.KindWebhook, t0.Add(2*time.Minute), backoff, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, first.ID, retryable[0].ID)

	retryable, err = store.Outbox().FindRetryable(ctx, outbox.KindExternalDownload, t0.Add(2*time.Minute), backoff, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable, "other kinds use their own policy")

	require.NoError(t, second.MarkProcessing(t0))
	require.NoError(t, store.Outbox().Save(ctx, second))
	stale, err := store.Outbox().FindStale(ctx, t0.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, second.ID, stale[0].ID)

	counts, err := store.Outbox().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[outbox.StatusFailed])
	assert.Equal(t, 1, counts[outbox.StatusProcessing])
}

func TestStore_AssetHistoryAndSLA(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			system := asset.System("test")
			a, created := asset.New(asset.Origin{Bucket: "media", Key: "k", ContentType: "image/png"}, system, t0)

			require.NoError(t, store.InTx(ctx, func(r database.Repositories) error {
				if err := r.Assets().Create(ctx, a); err != nil {
					return err
				}
				return r.Assets().AppendHistory(ctx, created)
			}))

			h, err := a.TransitionTo(asset.StatusProcessing, "", system, t0.Add(20*time.Minute))
			require.NoError(t, err)
			require.NoError(t, database.SaveWithHistory(ctx, store, a, h))

			h, err = a.TransitionTo(asset.StatusCompleted, "", system, t0.Add(21*time.Minute))
			require.NoError(t, err)
			require.NoError(t, database.SaveWithHistory(ctx, store, a, h))

			history, err := store.Assets().History(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Nil(t, history[0].From)
			assert.Equal(t, asset.StatusCompleted, history[2].To)

			processing := asset.StatusProcessing
			slow, err := store.Assets().FindSLAExceeded(ctx, 10*time.Minute, &processing, 10)
			require.NoError(t, err)
			var ids []string
			for _, s := range slow {
				ids = append(ids, s.ID)
			}
			assert.Contains(t, ids, history[1].ID)
			assert.NotContains(t, ids, history[2].ID)
		})
	}
}
