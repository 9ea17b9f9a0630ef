package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CreateInboxMessage stores an in-app notification for a passenger
func (r *Repository) CreateInboxMessage(ctx context.Context, msg *InboxMessage) error {
	query := `
		INSERT INTO inbox_messages (id, passenger_id, notification_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.PassengerID,
		msg.NotificationID,
		msg.Payload,
	).Scan(&msg.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create inbox message",
			zap.Error(err),
			zap.Int64("passenger_id", msg.PassengerID),
			zap.String("notification_id", msg.NotificationID.String()),
		)
		return fmt.Errorf("insert inbox message: %w", err)
	}

	return nil
}
