package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
)

// Row mappings between tables and domain aggregates.

type scanner interface {
	Scan(dest ...any) error
}

const singleColumns = `id, bucket, object_key, access_type, file_name, content_type, presigned_url,
	purpose, source, status, file_size, etag, expires_at, created_at, updated_at, completed_at, version`

func scanSingle(row scanner) (*session.SingleUpload, error) {
	var (
		s         session.SingleUpload
		completed sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.Target.Bucket,
		&s.Target.Key,
		&s.Target.AccessType,
		&s.Target.FileName,
		&s.Target.ContentType,
		&s.PresignedURL,
		&s.Purpose,
		&s.Source,
		&s.Status,
		&s.FileSize,
		&s.ETag,
		&s.ExpiresAt,
		&s.CreatedAt,
		&s.UpdatedAt,
		&completed,
		&s.Version,
	)
	if err != nil {
		return nil, translate(err)
	}
	s.CompletedAt = timePtr(completed)
	return &s, nil
}

const multipartColumns = `id, bucket, object_key, access_type, file_name, content_type, upload_id, part_size,
	purpose, source, status, parts, total_size, etag, expires_at, created_at, updated_at, completed_at, version`

func scanMultipart(row scanner) (*session.MultipartUpload, error) {
	var (
		m         session.MultipartUpload
		parts     []byte
		completed sql.NullTime
	)
	err := row.Scan(
		&m.ID,
		&m.Target.Bucket,
		&m.Target.Key,
		&m.Target.AccessType,
		&m.Target.FileName,
		&m.Target.ContentType,
		&m.UploadID,
		&m.PartSize,
		&m.Purpose,
		&m.Source,
		&m.Status,
		&parts,
		&m.TotalSize,
		&m.ETag,
		&m.ExpiresAt,
		&m.CreatedAt,
		&m.UpdatedAt,
		&completed,
		&m.Version,
	)
	if err != nil {
		return nil, translate(err)
	}
	var list []session.CompletedPart
	if err := json.Unmarshal(parts, &list); err != nil {
		return nil, fmt.Errorf("decode parts of %s: %w", m.ID, err)
	}
	m.Parts = make(map[int]session.CompletedPart, len(list))
	for _, p := range list {
		m.Parts[p.PartNumber] = p
	}
	m.CompletedAt = timePtr(completed)
	return &m, nil
}

func encodeParts(m *session.MultipartUpload) ([]byte, error) {
	parts := m.SortedParts()
	if parts == nil {
		parts = []session.CompletedPart{}
	}
	return json.Marshal(parts)
}

const downloadColumns = `id, source_url, file_name, bucket, key_prefix, object_key, access_type, webhook_url,
	mime_type, file_size, total_bytes, bytes_transferred, checksum, etag, retry_count, max_retries, status,
	last_error, expires_at, created_at, updated_at, completed_at, version`

func scanDownload(row scanner) (*session.ExternalDownload, error) {
	var (
		d         session.ExternalDownload
		completed sql.NullTime
	)
	err := row.Scan(
		&d.ID,
		&d.SourceURL,
		&d.FileName,
		&d.Bucket,
		&d.KeyPrefix,
		&d.Key,
		&d.AccessType,
		&d.WebhookURL,
		&d.MimeType,
		&d.FileSize,
		&d.TotalBytes,
		&d.BytesTransferred,
		&d.Checksum,
		&d.ETag,
		&d.RetryCount,
		&d.MaxRetries,
		&d.Status,
		&d.LastError,
		&d.ExpiresAt,
		&d.CreatedAt,
		&d.UpdatedAt,
		&completed,
		&d.Version,
	)
	if err != nil {
		return nil, translate(err)
	}
	d.CompletedAt = timePtr(completed)
	return &d, nil
}

const outboxColumns = `id, kind, subject_id, payload, status, retry_count, max_retry_count, last_error,
	created_at, updated_at, processed_at, version`

func scanOutbox(row scanner) (*outbox.Entry, error) {
	var (
		e         outbox.Entry
		processed sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.SubjectID,
		&e.Payload,
		&e.Status,
		&e.RetryCount,
		&e.MaxRetryCount,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
		&processed,
		&e.Version,
	)
	if err != nil {
		return nil, translate(err)
	}
	e.ProcessedAt = timePtr(processed)
	return &e, nil
}

const assetColumns = `id, session_id, bucket, object_key, file_name, content_type, size, checksum, etag,
	status, status_message, width, height, thumbnail_small, thumbnail_medium, thumbnail_large,
	retry_count, created_at, updated_at, last_transition_at, deleted_at, version`

func scanAsset(row scanner) (*asset.FileAsset, error) {
	var (
		a       asset.FileAsset
		deleted sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.SessionID,
		&a.Bucket,
		&a.Key,
		&a.FileName,
		&a.ContentType,
		&a.Size,
		&a.Checksum,
		&a.ETag,
		&a.Status,
		&a.StatusMessage,
		&a.Width,
		&a.Height,
		&a.Thumbnails.Small,
		&a.Thumbnails.Medium,
		&a.Thumbnails.Large,
		&a.RetryCount,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.LastTransitionAt,
		&deleted,
		&a.Version,
	)
	if err != nil {
		return nil, translate(err)
	}
	a.DeletedAt = timePtr(deleted)
	return &a, nil
}

const historyColumns = `id, asset_id, from_status, to_status, reason, actor, actor_type, occurred_at, duration_millis`

func scanHistory(row scanner) (asset.StatusHistory, error) {
	var (
		h        asset.StatusHistory
		from     sql.NullString
		duration sql.NullInt64
	)
	err := row.Scan(&h.ID, &h.AssetID, &from, &h.To, &h.Reason, &h.Actor, &h.ActorType, &h.OccurredAt, &duration)
	if err != nil {
		return h, translate(err)
	}
	if from.Valid {
		s := asset.Status(from.String)
		h.From = &s
	}
	if duration.Valid {
		d := duration.Int64
		h.DurationMillis = &d
	}
	return h, nil
}
