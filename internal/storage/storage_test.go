package storage_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/storage"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestFilesystem_PutStatGet(t *testing.T) {
	ctx := context.Background()
	s := storage.NewAferoStorage(afero.NewMemMapFs(), "http://files.local")

	body := []byte("hello world")
	info, err := s.Put(ctx, "media", "docs/a.txt", "text/plain", bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.Size)
	assert.Equal(t, md5hex(body), info.ETag)

	stat, err := s.Stat(ctx, "media", "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, info, stat)

	rc, err := s.Get(ctx, "media", "docs/a.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, body, got)

	require.NoError(t, s.Delete(ctx, "media", "docs/a.txt"))
	_, err = s.Stat(ctx, "media", "docs/a.txt")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestFilesystem_PutSizeMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := storage.NewAferoStorage(afero.NewMemMapFs(), "")

	_, err := s.Put(ctx, "media", "x.bin", "", strings.NewReader("abc"), 10)
	require.Error(t, err)
	_, err = s.Stat(ctx, "media", "x.bin")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestFilesystem_StatOfClientWrittenObject(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/media/raw.bin", []byte("raw"), 0o644))
	s := storage.NewAferoStorage(fs, "")

	info, err := s.Stat(context.Background(), "media", "raw.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, md5hex([]byte("raw")), info.ETag)
}

func TestFilesystem_Multipart(t *testing.T) {
	ctx := context.Background()
	s := storage.NewAferoStorage(afero.NewMemMapFs(), "http://files.local")

	id, err := s.CreateMultipart(ctx, "media", "big.bin", "application/octet-stream")
	require.NoError(t, err)

	u, err := s.PresignPart(ctx, "media", "big.bin", id, 1, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "partNumber=1")
	assert.Contains(t, u, "uploadId="+id)

	e2, err := s.UploadPart(ctx, id, 2, strings.NewReader("world"))
	require.NoError(t, err)
	e1, err := s.UploadPart(ctx, id, 1, strings.NewReader("hello "))
	require.NoError(t, err)

	_, err = s.CompleteMultipart(ctx, "media", "big.bin", id, []storage.Part{{Number: 1, ETag: "bad"}, {Number: 2, ETag: e2}})
	assert.ErrorIs(t, err, storage.ErrPartMismatch)

	info, err := s.CompleteMultipart(ctx, "media", "big.bin", id, []storage.Part{{Number: 2, ETag: e2}, {Number: 1, ETag: e1}})
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.True(t, strings.HasSuffix(info.ETag, "-2"))

	rc, err := s.Get(ctx, "media", "big.bin")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello world", string(got))

	assert.ErrorIs(t, s.AbortMultipart(ctx, "media", "big.bin", id), storage.ErrUploadNotFound)
}

func TestFilesystem_AbortMultipart(t *testing.T) {
	ctx := context.Background()
	s := storage.NewAferoStorage(afero.NewMemMapFs(), "")
	id, err := s.CreateMultipart(ctx, "media", "k", "")
	require.NoError(t, err)
	require.NoError(t, s.AbortMultipart(ctx, "media", "k", id))
	_, err = s.UploadPart(ctx, id, 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, storage.ErrUploadNotFound)
}

func newS3(t *testing.T, h http.Handler) *storage.S3Storage {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("key", "secret", ""),
	})
	return storage.NewS3Storage(client, zap.NewNop())
}

func TestS3_Stat(t *testing.T) {
	s := newS3(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/media/uploads/a.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "2048")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
	}))

	info, err := s.Stat(context.Background(), "media", "uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, storage.ObjectInfo{Size: 2048, ETag: "abc123", ContentType: "image/png"}, info)

	_, err = s.Stat(context.Background(), "media", "missing")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestS3_PresignPut(t *testing.T) {
	s := newS3(t, http.NotFoundHandler())

	u, err := s.PresignPut(context.Background(), "media", "uploads/a.png", "image/png", 15*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "/media/uploads/a.png")
	assert.Contains(t, u, "X-Amz-Expires=900")
}
