package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

// InboxStore persists in-app messages.
type InboxStore interface {
	CreateInboxMessage(ctx context.Context, msg *db.InboxMessage) error
}

// InAppTransport writes notifications to the passenger's in-app inbox
type InAppTransport struct {
	store  InboxStore
	logger *zap.Logger
}

// NewInAppTransport creates an in-app transport
func NewInAppTransport(store InboxStore, logger *zap.Logger) *InAppTransport {
	return &InAppTransport{store: store, logger: logger}
}

type inboxPayload struct {
	NotificationID string `json:"notification_id"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	FlightID       int64  `json:"flight_id"`
	Priority       string `json:"priority"`
}

// Deliver stores the message; the inbox row id is the provider reference
func (t *InAppTransport) Deliver(ctx context.Context, msg *Message) (Result, error) {
	if msg.Channel != db.ChannelInApp {
		return Result{}, fmt.Errorf("in-app transport only supports in-app, got: %s", msg.Channel)
	}

	payload, err := json.Marshal(inboxPayload{
		NotificationID: msg.NotificationID.String(),
		Type:           string(msg.Type),
		Title:          msg.Subject,
		Body:           msg.Body,
		FlightID:       msg.FlightID,
		Priority:       string(msg.Priority),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal inbox payload: %w", err)
	}

	inbox := &db.InboxMessage{
		ID:             uuid.New(),
		PassengerID:    msg.Recipient.PassengerID,
		NotificationID: msg.NotificationID,
		Payload:        payload,
	}
	if err := t.store.CreateInboxMessage(ctx, inbox); err != nil {
		return Result{}, err
	}

	t.logger.Debug("in-app notification stored",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.Int64("passenger_id", msg.Recipient.PassengerID),
	)

	return Result{ProviderRef: inbox.ID.String()}, nil
}

// SupportsChannel reports whether this is the in-app channel
func (t *InAppTransport) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelInApp
}
