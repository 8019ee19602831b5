package database

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
)

type pgSingles pgRepos

func (r pgSingles) Create(ctx context.Context, s *session.SingleUpload) error {
	query := `
        INSERT INTO single_upload_sessions (` + singleColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
    `
	_, err := r.q.ExecContext(ctx, query,
		s.ID,
		s.Target.Bucket,
		s.Target.Key,
		s.Target.AccessType,
		s.Target.FileName,
		s.Target.ContentType,
		s.PresignedURL,
		s.Purpose,
		s.Source,
		s.Status,
		s.FileSize,
		s.ETag,
		s.ExpiresAt,
		s.CreatedAt,
		s.UpdatedAt,
		nullTime(s.CompletedAt),
	)
	if err != nil {
		return translate(err)
	}
	s.Version = 1
	return nil
}

func (r pgSingles) Get(ctx context.Context, id session.ID) (*session.SingleUpload, error) {
	query := `SELECT ` + singleColumns + ` FROM single_upload_sessions WHERE id = $1`
	return scanSingle(r.q.QueryRowContext(ctx, query, id))
}

func (r pgSingles) Save(ctx context.Context, s *session.SingleUpload) error {
	query := `
        UPDATE single_upload_sessions
        SET status = $2, file_size = $3, etag = $4, updated_at = $5, completed_at = $6, version = version + 1
        WHERE id = $1 AND version = $7
    `
	res, err := r.q.ExecContext(ctx, query, s.ID, s.Status, s.FileSize, s.ETag, s.UpdatedAt, nullTime(s.CompletedAt), s.Version)
	if err != nil {
		return translate(err)
	}
	if err := checkVersioned(ctx, r.q, res, "single_upload_sessions", s.ID.String()); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r pgSingles) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.SingleUpload, error) {
	query := `
        SELECT ` + singleColumns + `
        FROM single_upload_sessions
        WHERE status = $1 AND expires_at < $2
        ORDER BY expires_at
        LIMIT $3
    `
	rows, err := r.q.QueryContext(ctx, query, session.SingleCreated, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.SingleUpload
	for rows.Next() {
		s, err := scanSingle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type pgMultipart pgRepos

func (r pgMultipart) Create(ctx context.Context, m *session.MultipartUpload) error {
	parts, err := encodeParts(m)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO multipart_upload_sessions (` + multipartColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)
    `
	_, err = r.q.ExecContext(ctx, query,
		m.ID,
		m.Target.Bucket,
		m.Target.Key,
		m.Target.AccessType,
		m.Target.FileName,
		m.Target.ContentType,
		m.UploadID,
		m.PartSize,
		m.Purpose,
		m.Source,
		m.Status,
		parts,
		m.TotalSize,
		m.ETag,
		m.ExpiresAt,
		m.CreatedAt,
		m.UpdatedAt,
		nullTime(m.CompletedAt),
	)
	if err != nil {
		return translate(err)
	}
	m.Version = 1
	return nil
}

func (r pgMultipart) Get(ctx context.Context, id session.ID) (*session.MultipartUpload, error) {
	query := `SELECT ` + multipartColumns + ` FROM multipart_upload_sessions WHERE id = $1`
	return scanMultipart(r.q.QueryRowContext(ctx, query, id))
}

func (r pgMultipart) Save(ctx context.Context, m *session.MultipartUpload) error {
	parts, err := encodeParts(m)
	if err != nil {
		return err
	}
	query := `
        UPDATE multipart_upload_sessions
        SET status = $2, parts = $3, total_size = $4, etag = $5, updated_at = $6, completed_at = $7,
            version = version + 1
        WHERE id = $1 AND version = $8
    `
	res, err := r.q.ExecContext(ctx, query, m.ID, m.Status, parts, m.TotalSize, m.ETag, m.UpdatedAt, nullTime(m.CompletedAt), m.Version)
	if err != nil {
		return translate(err)
	}
	if err := checkVersioned(ctx, r.q, res, "multipart_upload_sessions", m.ID.String()); err != nil {
		return err
	}
	m.Version++
	return nil
}

func (r pgMultipart) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.MultipartUpload, error) {
	query := `
        SELECT ` + multipartColumns + `
        FROM multipart_upload_sessions
        WHERE status IN ($1, $2) AND expires_at < $3
        ORDER BY expires_at
        LIMIT $4
    `
	rows, err := r.q.QueryContext(ctx, query, session.MultipartInitiated, session.MultipartUploading, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.MultipartUpload
	for rows.Next() {
		m, err := scanMultipart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type pgDownloads pgRepos

func (r pgDownloads) Create(ctx context.Context, d *session.ExternalDownload) error {
	query := `
        INSERT INTO external_downloads (` + downloadColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, 1)
    `
	_, err := r.q.ExecContext(ctx, query,
		d.ID,
		d.SourceURL,
		d.FileName,
		d.Bucket,
		d.KeyPrefix,
		d.Key,
		d.AccessType,
		d.WebhookURL,
		d.MimeType,
		d.FileSize,
		d.TotalBytes,
		d.BytesTransferred,
		d.Checksum,
		d.ETag,
		d.RetryCount,
		d.MaxRetries,
		d.Status,
		d.LastError,
		d.ExpiresAt,
		d.CreatedAt,
		d.UpdatedAt,
		nullTime(d.CompletedAt),
	)
	if err != nil {
		return translate(err)
	}
	d.Version = 1
	return nil
}

func (r pgDownloads) Get(ctx context.Context, id session.ID) (*session.ExternalDownload, error) {
	query := `SELECT ` + downloadColumns + ` FROM external_downloads WHERE id = $1`
	return scanDownload(r.q.QueryRowContext(ctx, query, id))
}

func (r pgDownloads) Save(ctx context.Context, d *session.ExternalDownload) error {
	query := `
        UPDATE external_downloads
        SET object_key = $2, mime_type = $3, file_size = $4, total_bytes = $5, bytes_transferred = $6,
            checksum = $7, etag = $8, retry_count = $9, status = $10, last_error = $11, updated_at = $12,
            completed_at = $13, version = version + 1
        WHERE id = $1 AND version = $14
    `
	res, err := r.q.ExecContext(ctx, query,
		d.ID,
		d.Key,
		d.MimeType,
		d.FileSize,
		d.TotalBytes,
		d.BytesTransferred,
		d.Checksum,
		d.ETag,
		d.RetryCount,
		d.Status,
		d.LastError,
		d.UpdatedAt,
		nullTime(d.CompletedAt),
		d.Version,
	)
	if err != nil {
		return translate(err)
	}
	if err := checkVersioned(ctx, r.q, res, "external_downloads", d.ID.String()); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (r pgDownloads) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.ExternalDownload, error) {
	query := `
        SELECT ` + downloadColumns + `
        FROM external_downloads
        WHERE status IN ($1, $2) AND expires_at < $3
        ORDER BY expires_at
        LIMIT $4
    `
	rows, err := r.q.QueryContext(ctx, query, session.DownloadInitiated, session.DownloadInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.ExternalDownload
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
