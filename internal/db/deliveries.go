package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Delivery states visible to operators. Two of them are refinements of status=failed.
const (
	StateRetryScheduled = "retry_scheduled"
	StateExhausted      = "exhausted"
)

// MaxRetries is the attempt count after which a failed delivery is exhausted.
const MaxRetries = 5

const deliveryColumns = `
	id, notification_id, passenger_id, flight_id, type, message, status,
	delivery_channels, sent_at, delivered_at, failed_at, failure_reason,
	retry_count, retry_at, priority, template_name, template_data, metadata,
	created_at, updated_at
`

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := row.Scan(
		&rec.ID,
		&rec.NotificationID,
		&rec.PassengerID,
		&rec.FlightID,
		&rec.Type,
		&rec.Message,
		&rec.Status,
		&rec.Channels,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.FailedAt,
		&rec.FailureReason,
		&rec.RetryCount,
		&rec.RetryAt,
		&rec.Priority,
		&rec.TemplateName,
		&rec.TemplateData,
		&rec.Metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectDeliveries(rows pgx.Rows) ([]*DeliveryRecord, error) {
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// channelsOrEmpty keeps delivery_channels a JSON array even for suppressed records.
func channelsOrEmpty(chs []Channel) []Channel {
	if chs == nil {
		return []Channel{}
	}
	return chs
}

// CreateDelivery inserts a new delivery record
func (r *Repository) CreateDelivery(ctx context.Context, rec *DeliveryRecord) error {
	query := `
		INSERT INTO notification_deliveries (
			id, notification_id, passenger_id, flight_id, type, message, status,
			delivery_channels, sent_at, delivered_at, failed_at, failure_reason,
			retry_count, retry_at, priority, template_name, template_data, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rec.ID,
		rec.NotificationID,
		rec.PassengerID,
		rec.FlightID,
		rec.Type,
		rec.Message,
		rec.Status,
		channelsOrEmpty(rec.Channels),
		rec.SentAt,
		rec.DeliveredAt,
		rec.FailedAt,
		rec.FailureReason,
		rec.RetryCount,
		rec.RetryAt,
		rec.Priority,
		rec.TemplateName,
		rec.TemplateData,
		rec.Metadata,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create delivery",
			zap.Error(err),
			zap.String("notification_id", rec.NotificationID.String()),
		)
		return fmt.Errorf("insert delivery: %w", err)
	}

	r.logger.Debug("delivery created",
		zap.String("notification_id", rec.NotificationID.String()),
		zap.Int64("passenger_id", rec.PassengerID),
		zap.String("status", rec.Status),
	)

	return nil
}

// UpdateDelivery persists the mutable fields of a delivery record
func (r *Repository) UpdateDelivery(ctx context.Context, rec *DeliveryRecord) error {
	query := `
		UPDATE notification_deliveries
		SET message = $1, status = $2, delivery_channels = $3,
		    sent_at = $4, delivered_at = $5, failed_at = $6, failure_reason = $7,
		    retry_count = $8, retry_at = $9, template_name = $10, metadata = $11,
		    updated_at = NOW()
		WHERE id = $12
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rec.Message,
		rec.Status,
		channelsOrEmpty(rec.Channels),
		rec.SentAt,
		rec.DeliveredAt,
		rec.FailedAt,
		rec.FailureReason,
		rec.RetryCount,
		rec.RetryAt,
		rec.TemplateName,
		rec.Metadata,
		rec.ID,
	).Scan(&rec.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("delivery %s: %w", rec.ID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to update delivery",
			zap.Error(err),
			zap.String("notification_id", rec.NotificationID.String()),
		)
		return fmt.Errorf("update delivery: %w", err)
	}

	return nil
}

// GetDelivery retrieves a delivery record by its notification ID
func (r *Repository) GetDelivery(ctx context.Context, notificationID uuid.UUID) (*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM notification_deliveries WHERE notification_id = $1`

	rec, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, notificationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	return rec, nil
}

// stateFilter maps an operator-facing state onto a WHERE clause.
// retry_scheduled and exhausted are both stored as status=failed and are
// told apart by retry_at.
func stateFilter(state string) (string, []any, error) {
	switch state {
	case "":
		return "TRUE", nil, nil
	case StateRetryScheduled:
		return "status = 'failed' AND retry_at IS NOT NULL", nil, nil
	case StateExhausted:
		return fmt.Sprintf("status = 'failed' AND retry_at IS NULL AND retry_count >= %d", MaxRetries), nil, nil
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return "status = $2", []any{state}, nil
	default:
		return "", nil, fmt.Errorf("unknown delivery state %q", state)
	}
}

// ListDeliveries returns the most recent delivery records in the given state
func (r *Repository) ListDeliveries(ctx context.Context, state string, limit int) ([]*DeliveryRecord, error) {
	where, extra, err := stateFilter(state)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM notification_deliveries
		WHERE ` + where + `
		ORDER BY created_at DESC
		LIMIT $1
	`

	args := append([]any{limit}, extra...)
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}

	return collectDeliveries(rows)
}

// claimRetryableQuery picks due records and pushes their retry_at out to the
// lease in one statement. Rows another sweeper holds are skipped, so each
// due record is handed to exactly one caller until the lease runs out.
const claimRetryableQuery = `
	WITH due AS (
		SELECT id
		FROM notification_deliveries
		WHERE retry_at IS NOT NULL
		  AND retry_at <= $1
		  AND (
		        (status = 'failed' AND retry_count < $2)
		     OR status = 'pending'
		  )
		ORDER BY retry_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	UPDATE notification_deliveries
	SET retry_at = $4, updated_at = NOW()
	WHERE id IN (SELECT id FROM due)
	RETURNING ` + deliveryColumns

// ClaimRetryableDeliveries claims records due for another attempt: failed
// records under the retry cap whose retry_at has passed, plus records an
// operator put back to pending with a retry_at that has passed. Claimed
// records get retry_at = now+lease; the attempt that follows overwrites it.
// A sweeper that dies mid-batch leaves its records to be picked up again
// once the lease expires.
func (r *Repository) ClaimRetryableDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*DeliveryRecord, error) {
	rows, err := r.db.Pool().Query(ctx, claimRetryableQuery, now, MaxRetries, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim retryable deliveries: %w", err)
	}

	recs, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING has no defined order.
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// PruneDeliveries deletes terminal records created before the cutoff.
// Records still awaiting a retry are kept.
func (r *Repository) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM notification_deliveries
		WHERE created_at < $1
		  AND (
		        status IN ('sent', 'delivered', 'cancelled')
		     OR (status = 'failed' AND retry_at IS NULL)
		  )
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}

	pruned := result.RowsAffected()
	r.logger.Info("pruned delivery records",
		zap.Int64("count", pruned),
		zap.Time("cutoff", cutoff),
	)

	return pruned, nil
}
