package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the part of the pool the marker table uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MarkerTable is a Postgres-backed marker store for deployments without redis.
// The primary key on marker_key gives insert-or-ignore semantics. Expiry is
// judged by the database clock, so every replica agrees on it.
type MarkerTable struct {
	q querier
}

// Markers returns the Postgres marker store
func (r *Repository) Markers() *MarkerTable {
	return &MarkerTable{q: r.db.Pool()}
}

// An expired row is taken over by the conflict branch; a live one makes the
// WHERE false, nothing is returned and the caller sees pgx.ErrNoRows.
const (
	acquireMarkerQuery = `
		INSERT INTO boarding_markers (marker_key, expires_at)
		VALUES ($1, NOW() + $2::interval)
		ON CONFLICT (marker_key) DO UPDATE
			SET expires_at = EXCLUDED.expires_at
			WHERE boarding_markers.expires_at <= NOW()
		RETURNING marker_key
	`
	releaseMarkerQuery = `DELETE FROM boarding_markers WHERE marker_key = $1`
	hasMarkerQuery     = `SELECT EXISTS (SELECT 1 FROM boarding_markers WHERE marker_key = $1 AND expires_at > NOW())`
	deleteMarkersQuery = `DELETE FROM boarding_markers WHERE starts_with(marker_key, $1) OR expires_at <= NOW()`
)

// Acquire claims key for ttl. It returns false when an unexpired marker exists.
// An expired row is taken over in the same statement.
func (m *MarkerTable) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var claimed string
	err := m.q.QueryRow(ctx, acquireMarkerQuery, key, ttl).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire marker %s: %w", key, err)
	}

	return true, nil
}

// Release removes a marker
func (m *MarkerTable) Release(ctx context.Context, key string) error {
	if _, err := m.q.Exec(ctx, releaseMarkerQuery, key); err != nil {
		return fmt.Errorf("release marker %s: %w", key, err)
	}
	return nil
}

// Has reports whether an unexpired marker exists
func (m *MarkerTable) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := m.q.QueryRow(ctx, hasMarkerQuery, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check marker %s: %w", key, err)
	}
	return exists, nil
}

// DeleteByPrefix removes every marker whose key starts with prefix, along
// with any expired rows.
func (m *MarkerTable) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	result, err := m.q.Exec(ctx, deleteMarkersQuery, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete markers %s*: %w", prefix, err)
	}
	return int(result.RowsAffected()), nil
}
