package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	metaDir      = ".meta"
	multipartDir = ".multipart"
)

// FilesystemStorage stores objects under <bucket>/<key> on an afero filesystem.
type FilesystemStorage struct {
	fs      afero.Fs
	baseURL string
	now     func() time.Time
}

type objectMeta struct {
	ContentType string `json:"content_type"`
	ETag        string `json:"etag"`
}

// NewFilesystemStorage roots storage at basePath on the OS filesystem. baseURL is used
// to build upload URLs handed to clients.
func NewFilesystemStorage(basePath, baseURL string) (*FilesystemStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return NewAferoStorage(afero.NewBasePathFs(afero.NewOsFs(), basePath), baseURL), nil
}

func NewAferoStorage(fs afero.Fs, baseURL string) *FilesystemStorage {
	return &FilesystemStorage{fs: fs, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

func objectPath(bucket, key string) (string, error) {
	clean := path.Clean("/" + key)
	if bucket == "" || key == "" || strings.Contains(bucket, "/") || strings.HasPrefix(bucket, ".") {
		return "", fmt.Errorf("storage: invalid bucket %q or key %q", bucket, key)
	}
	return path.Join("/", bucket, clean), nil
}

func (s *FilesystemStorage) signedURL(p string, ttl time.Duration, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("expires", strconv.FormatInt(s.now().Add(ttl).Unix(), 10))
	return s.baseURL + p + "?" + q.Encode()
}

func (s *FilesystemStorage) PresignPut(ctx context.Context, bucket, key, contentType string, ttl time.Duration) (string, error) {
	p, err := objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	extra := url.Values{}
	if contentType != "" {
		extra.Set("content-type", contentType)
	}
	return s.signedURL(p, ttl, extra), nil
}

func (s *FilesystemStorage) readMeta(p string) (objectMeta, error) {
	var m objectMeta
	b, err := afero.ReadFile(s.fs, path.Join("/", metaDir, p+".json"))
	if err != nil {
		return m, err
	}
	return m, json.Unmarshal(b, &m)
}

func (s *FilesystemStorage) writeMeta(p string, m objectMeta) error {
	mp := path.Join("/", metaDir, p+".json")
	if err := s.fs.MkdirAll(path.Dir(mp), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, mp, b, 0o644)
}

func (s *FilesystemStorage) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	p, err := objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := s.fs.Stat(p)
	if os.IsNotExist(err) {
		return ObjectInfo{}, ErrObjectNotFound
	}
	if err != nil {
		return ObjectInfo{}, err
	}

	info := ObjectInfo{Size: fi.Size()}
	if m, err := s.readMeta(p); err == nil {
		info.ETag = m.ETag
		info.ContentType = m.ContentType
		return info, nil
	}

	// Object written by a client directly; hash it now.
	f, err := s.fs.Open(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return ObjectInfo{}, err
	}
	info.ETag = hex.EncodeToString(h.Sum(nil))
	return info, nil
}

func (s *FilesystemStorage) Put(ctx context.Context, bucket, key, contentType string, r io.Reader, size int64) (ObjectInfo, error) {
	p, err := objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return ObjectInfo{}, err
	}

	// Write to a temp name and rename so readers never see a partial object.
	tmp := p + ".part-" + uuid.NewString()
	f, err := s.fs.Create(tmp)
	if err != nil {
		return ObjectInfo{}, err
	}
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("storage: wrote %d bytes, expected %d", n, size)
	}
	if err != nil {
		s.fs.Remove(tmp)
		return ObjectInfo{}, err
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		s.fs.Remove(tmp)
		return ObjectInfo{}, err
	}

	info := ObjectInfo{Size: n, ETag: hex.EncodeToString(h.Sum(nil)), ContentType: contentType}
	if err := s.writeMeta(p, objectMeta{ContentType: contentType, ETag: info.ETag}); err != nil {
		return ObjectInfo{}, err
	}
	return info, nil
}

func (s *FilesystemStorage) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	return f, err
}

func (s *FilesystemStorage) Delete(ctx context.Context, bucket, key string) error {
	p, err := objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.fs.Remove(path.Join("/", metaDir, p+".json"))
	return nil
}

type uploadManifest struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

func uploadDir(uploadID string) string {
	return path.Join("/", multipartDir, uploadID)
}

func (s *FilesystemStorage) manifest(uploadID string) (uploadManifest, error) {
	var m uploadManifest
	b, err := afero.ReadFile(s.fs, path.Join(uploadDir(uploadID), "manifest.json"))
	if os.IsNotExist(err) {
		return m, ErrUploadNotFound
	}
	if err != nil {
		return m, err
	}
	return m, json.Unmarshal(b, &m)
}

func (s *FilesystemStorage) CreateMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	if _, err := objectPath(bucket, key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir := uploadDir(id)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := json.Marshal(uploadManifest{Bucket: bucket, Key: key, ContentType: contentType})
	if err != nil {
		return "", err
	}
	if err := afero.WriteFile(s.fs, path.Join(dir, "manifest.json"), b, 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func (s *FilesystemStorage) PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	if _, err := s.manifest(uploadID); err != nil {
		return "", err
	}
	p, err := objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	extra := url.Values{}
	extra.Set("uploadId", uploadID)
	extra.Set("partNumber", strconv.Itoa(partNumber))
	return s.signedURL(p, ttl, extra), nil
}

func partPath(uploadID string, n int) string {
	return path.Join(uploadDir(uploadID), fmt.Sprintf("part-%05d", n))
}

// UploadPart stores one part of a multipart upload and returns its etag. It is the
// server side of the URL returned by PresignPart.
func (s *FilesystemStorage) UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (string, error) {
	if _, err := s.manifest(uploadID); err != nil {
		return "", err
	}
	f, err := s.fs.Create(partPath(uploadID, partNumber))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *FilesystemStorage) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []Part) (ObjectInfo, error) {
	m, err := s.manifest(uploadID)
	if err != nil {
		return ObjectInfo{}, err
	}
	if m.Bucket != bucket || m.Key != key {
		return ObjectInfo{}, ErrUploadNotFound
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	readers := make([]io.Reader, 0, len(sorted))
	sums := md5.New()
	for _, part := range sorted {
		f, err := s.fs.Open(partPath(uploadID, part.Number))
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("%w: part %d missing", ErrPartMismatch, part.Number)
		}
		if err != nil {
			return ObjectInfo{}, err
		}
		defer f.Close()

		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return ObjectInfo{}, err
		}
		sum := h.Sum(nil)
		if hex.EncodeToString(sum) != strings.Trim(part.ETag, `"`) {
			return ObjectInfo{}, fmt.Errorf("%w: part %d", ErrPartMismatch, part.Number)
		}
		sums.Write(sum)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return ObjectInfo{}, err
		}
		readers = append(readers, f)
	}

	info, err := s.Put(ctx, bucket, key, m.ContentType, io.MultiReader(readers...), -1)
	if err != nil {
		return ObjectInfo{}, err
	}
	// S3 style composite etag: md5 of part digests plus the part count.
	info.ETag = fmt.Sprintf("%s-%d", hex.EncodeToString(sums.Sum(nil)), len(sorted))
	if err := s.writeMeta(path.Join("/", bucket, path.Clean("/"+key)), objectMeta{ContentType: m.ContentType, ETag: info.ETag}); err != nil {
		return ObjectInfo{}, err
	}
	return info, s.fs.RemoveAll(uploadDir(uploadID))
}

func (s *FilesystemStorage) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := s.manifest(uploadID); err != nil {
		return err
	}
	return s.fs.RemoveAll(uploadDir(uploadID))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
