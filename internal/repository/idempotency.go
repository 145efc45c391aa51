package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// GetIdempotencyRecord returns the live record for key, or ErrNotFound.
func (q *queries) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var body sql.NullString
	err := q.queryRow(ctx,
		`SELECT idem_key, status_code, body, created_at, expires_at FROM idempotency_keys WHERE idem_key = ? AND expires_at > ?`,
		key, now.UTC()).Scan(&rec.Key, &rec.StatusCode, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if body.Valid {
		rec.Body = json.RawMessage(body.String)
	}
	return &rec, nil
}

// PutIdempotencyRecord stores rec unless a live record exists. Expired
// records for the same key are replaced.
func (q *queries) PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	if _, err := q.exec(ctx,
		`DELETE FROM idempotency_keys WHERE idem_key = ? AND expires_at <= ?`,
		rec.Key, rec.CreatedAt.UTC()); err != nil {
		return false, err
	}
	res, err := q.exec(ctx,
		`INSERT INTO idempotency_keys (idem_key, status_code, body, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (idem_key) DO NOTHING`,
		rec.Key, rec.StatusCode, nullBytes(rec.Body), rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteExpiredIdempotencyRecords prunes records past their window.
func (q *queries) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
