package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
)

type pgAssets pgRepos

func (r pgAssets) Create(ctx context.Context, a *asset.FileAsset) error {
	query := `
        INSERT INTO file_assets (` + assetColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1)
    `
	_, err := r.q.ExecContext(ctx, query,
		a.ID,
		a.SessionID,
		a.Bucket,
		a.Key,
		a.FileName,
		a.ContentType,
		a.Size,
		a.Checksum,
		a.ETag,
		a.Status,
		a.StatusMessage,
		a.Width,
		a.Height,
		a.Thumbnails.Small,
		a.Thumbnails.Medium,
		a.Thumbnails.Large,
		a.RetryCount,
		a.CreatedAt,
		a.UpdatedAt,
		a.LastTransitionAt,
		nullTime(a.DeletedAt),
	)
	if err != nil {
		return translate(err)
	}
	a.Version = 1
	return nil
}

func (r pgAssets) Get(ctx context.Context, id string) (*asset.FileAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM file_assets WHERE id = $1`
	return scanAsset(r.q.QueryRowContext(ctx, query, id))
}

func (r pgAssets) Save(ctx context.Context, a *asset.FileAsset) error {
	query := `
        UPDATE file_assets
        SET status = $2, status_message = $3, width = $4, height = $5, thumbnail_small = $6,
            thumbnail_medium = $7, thumbnail_large = $8, retry_count = $9, updated_at = $10,
            last_transition_at = $11, deleted_at = $12, version = version + 1
        WHERE id = $1 AND version = $13
    `
	res, err := r.q.ExecContext(ctx, query,
		a.ID,
		a.Status,
		a.StatusMessage,
		a.Width,
		a.Height,
		a.Thumbnails.Small,
		a.Thumbnails.Medium,
		a.Thumbnails.Large,
		a.RetryCount,
		a.UpdatedAt,
		a.LastTransitionAt,
		nullTime(a.DeletedAt),
		a.Version,
	)
	if err != nil {
		return translate(err)
	}
	if err := checkVersioned(ctx, r.q, res, "file_assets", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

// AppendHistory only ever inserts; history rows are never updated or deleted.
func (r pgAssets) AppendHistory(ctx context.Context, h asset.StatusHistory) error {
	var (
		from     sql.NullString
		duration sql.NullInt64
	)
	if h.From != nil {
		from = sql.NullString{String: string(*h.From), Valid: true}
	}
	if h.DurationMillis != nil {
		duration = sql.NullInt64{Int64: *h.DurationMillis, Valid: true}
	}
	query := `
        INSERT INTO file_asset_status_history (` + historyColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.q.ExecContext(ctx, query, h.ID, h.AssetID, from, h.To, h.Reason, h.Actor, h.ActorType, h.OccurredAt, duration)
	return translate(err)
}

func (r pgAssets) listHistory(ctx context.Context, query string, args ...any) ([]asset.StatusHistory, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []asset.StatusHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r pgAssets) History(ctx context.Context, assetID string) ([]asset.StatusHistory, error) {
	query := `
        SELECT ` + historyColumns + `
        FROM file_asset_status_history
        WHERE asset_id = $1
        ORDER BY occurred_at, id
    `
	return r.listHistory(ctx, query, assetID)
}

func (r pgAssets) FindSLAExceeded(ctx context.Context, threshold time.Duration, status *asset.Status, limit int) ([]asset.StatusHistory, error) {
	var to sql.NullString
	if status != nil {
		to = sql.NullString{String: string(*status), Valid: true}
	}
	query := `
        SELECT ` + historyColumns + `
        FROM file_asset_status_history
        WHERE duration_millis > $1 AND ($2::text IS NULL OR to_status = $2)
        ORDER BY duration_millis DESC
        LIMIT $3
    `
	return r.listHistory(ctx, query, threshold.Milliseconds(), to, limit)
}
