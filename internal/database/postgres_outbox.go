package database

import (
	"context"
	"math"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
)

type pgOutbox pgRepos

func (r pgOutbox) Create(ctx context.Context, e *outbox.Entry) error {
	query := `
        INSERT INTO outbox_entries (` + outboxColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
    `
	_, err := r.q.ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.SubjectID,
		e.Payload,
		e.Status,
		e.RetryCount,
		e.MaxRetryCount,
		e.LastError,
		e.CreatedAt,
		e.UpdatedAt,
		nullTime(e.ProcessedAt),
	)
	if err != nil {
		return translate(err)
	}
	e.Version = 1
	return nil
}

func (r pgOutbox) Get(ctx context.Context, id string) (*outbox.Entry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries WHERE id = $1`
	return scanOutbox(r.q.QueryRowContext(ctx, query, id))
}

func (r pgOutbox) Save(ctx context.Context, e *outbox.Entry) error {
	query := `
        UPDATE outbox_entries
        SET status = $2, retry_count = $3, last_error = $4, updated_at = $5, processed_at = $6,
            version = version + 1
        WHERE id = $1 AND version = $7
    `
	res, err := r.q.ExecContext(ctx, query, e.ID, e.Status, e.RetryCount, e.LastError, e.UpdatedAt, nullTime(e.ProcessedAt), e.Version)
	if err != nil {
		return translate(err)
	}
	if err := checkVersioned(ctx, r.q, res, "outbox_entries", e.ID); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (r pgOutbox) list(ctx context.Context, query string, args ...any) ([]*outbox.Entry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*outbox.Entry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r pgOutbox) FindPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	query := `
        SELECT ` + outboxColumns + `
        FROM outbox_entries
        WHERE status = $1
        ORDER BY created_at, id
        LIMIT $2
    `
	return r.list(ctx, query, outbox.StatusPending, limit)
}

func (r pgOutbox) FindRetryable(ctx context.Context, kind outbox.Kind, now time.Time, backoff retry.Policy, limit int) ([]*outbox.Entry, error) {
	maxSecs := backoff.MaxDelay.Seconds()
	if backoff.MaxDelay <= 0 {
		maxSecs = math.MaxInt32
	}
	query := `
        SELECT ` + outboxColumns + `
        FROM outbox_entries
        WHERE status = $1
          AND kind = $2
          AND retry_count < max_retry_count
          AND updated_at + make_interval(secs => LEAST($3 * power(2, retry_count), $4)) <= $5
        ORDER BY updated_at, id
        LIMIT $6
    `
	return r.list(ctx, query, outbox.StatusFailed, kind, backoff.BaseDelay.Seconds(), maxSecs, now, limit)
}

func (r pgOutbox) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*outbox.Entry, error) {
	query := `
        SELECT ` + outboxColumns + `
        FROM outbox_entries
        WHERE status = $1 AND updated_at < $2
        ORDER BY updated_at, id
        LIMIT $3
    `
	return r.list(ctx, query, outbox.StatusProcessing, olderThan, limit)
}

func (r pgOutbox) FindBySubject(ctx context.Context, subjectID string) ([]*outbox.Entry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries WHERE subject_id = $1 ORDER BY created_at, id`
	return r.list(ctx, query, subjectID)
}

func (r pgOutbox) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int)
	for rows.Next() {
		var (
			status outbox.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
