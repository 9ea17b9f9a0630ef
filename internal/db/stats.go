package db

import (
	"context"
	"fmt"
	"time"
)

// DeliveryStats aggregates delivery records created since the given time.
func (r *Repository) DeliveryStats(ctx context.Context, since time.Time) (*DeliveryStats, error) {
	stats := &DeliveryStats{
		Since:     since,
		ByStatus:  make(map[string]int),
		ByType:    make(map[string]int),
		ByChannel: make(map[string]int),
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT status, type, COUNT(*)
		FROM notification_deliveries
		WHERE created_at >= $1
		GROUP BY status, type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	for rows.Next() {
		var (
			status, typ string
			n           int
		)
		if err := rows.Scan(&status, &typ, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] += n
		stats.ByType[typ] += n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	rows, err = r.db.Pool().Query(ctx, `
		SELECT ch, COUNT(*)
		FROM notification_deliveries,
		     jsonb_array_elements_text(delivery_channels) AS ch
		WHERE created_at >= $1
		GROUP BY ch
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query channel counts: %w", err)
	}
	for rows.Next() {
		var (
			ch string
			n  int
		)
		if err := rows.Scan(&ch, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel count: %w", err)
		}
		stats.ByChannel[ch] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	err = r.db.Pool().QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'failed' AND retry_at IS NULL AND retry_count >= $2),
			COUNT(*) FILTER (WHERE type = 'boarding_call'),
			COUNT(*) FILTER (WHERE type = 'boarding_call' AND status = 'delivered'),
			COUNT(*) FILTER (WHERE type = 'boarding_call' AND status = 'failed'),
			COUNT(DISTINCT flight_id) FILTER (WHERE type = 'boarding_call')
		FROM notification_deliveries
		WHERE created_at >= $1
	`, since, MaxRetries).Scan(
		&stats.Exhausted,
		&stats.Boarding.Total,
		&stats.Boarding.Delivered,
		&stats.Boarding.Failed,
		&stats.Boarding.UniqueFlights,
	)
	if err != nil {
		return nil, fmt.Errorf("query summary counts: %w", err)
	}

	return stats, nil
}
