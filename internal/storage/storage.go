package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("storage: object not found")
	ErrUploadNotFound = errors.New("storage: multipart upload not found")
	ErrPartMismatch   = errors.New("storage: part etag mismatch")
)

// ObjectInfo is what storage reports about a stored object.
type ObjectInfo struct {
	Size        int64
	ETag        string
	ContentType string
}

type Part struct {
	Number int
	ETag   string
}

// ObjectStore defines how we store files
type ObjectStore interface {
	PresignPut(ctx context.Context, bucket, key, contentType string, ttl time.Duration) (string, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// Put streams r into the object. size is -1 when unknown.
	Put(ctx context.Context, bucket, key, contentType string, r io.Reader, size int64) (ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error

	CreateMultipart(ctx context.Context, bucket, key, contentType string) (string, error)
	PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, ttl time.Duration) (string, error)
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) (ObjectInfo, error)
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
}

// countingReader tracks how many bytes passed through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
