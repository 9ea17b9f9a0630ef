package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/dispatch"
	"github.com/lalithlochan/gatecall/internal/metrics"
	"github.com/lalithlochan/gatecall/internal/sqs"
)

// EventSource is the queue flight events arrive on.
type EventSource interface {
	ReceiveMessages(ctx context.Context, max int32) ([]sqs.Received, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// EventDispatcher dispatches one event to its flight's passengers.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, ev db.NotificationEvent) ([]*db.DeliveryRecord, error)
}

// EventConsumer pulls flight events off the queue and dispatches them.
type EventConsumer struct {
	source     EventSource
	dispatcher EventDispatcher
	logger     *zap.Logger
	// retryDelay is how long a failed message stays invisible before redelivery.
	retryDelay int32
}

func NewEventConsumer(source EventSource, dispatcher EventDispatcher, logger *zap.Logger) *EventConsumer {
	return &EventConsumer{
		source:     source,
		dispatcher: dispatcher,
		logger:     logger,
		retryDelay: 30,
	}
}

// Start polls until ctx is cancelled.
func (c *EventConsumer) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event consumer stopping")
			return
		default:
		}

		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("event poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and dispatches each event. It returns how many
// messages were consumed.
func (c *EventConsumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.source.ReceiveMessages(ctx, 10)
	if err != nil {
		return 0, err
	}

	metrics.SetSQSMessagesInFlight(len(msgs))
	defer metrics.SetSQSMessagesInFlight(0)

	consumed := 0
	for _, m := range msgs {
		if c.handle(context.WithoutCancel(ctx), m) {
			consumed++
		}
	}
	return consumed, nil
}

func (c *EventConsumer) handle(ctx context.Context, m sqs.Received) bool {
	ev := m.Message.Event()
	metrics.RecordEventReceived(string(ev.Type), "sqs")

	log := c.logger.With(
		zap.String("event_id", m.Message.EventID),
		zap.String("type", string(ev.Type)),
		zap.Int64("flight_id", ev.FlightID),
	)

	_, err := c.dispatcher.DispatchEvent(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrUnknownType), errors.Is(err, db.ErrNotFound):
		// Redelivery cannot fix these.
		log.Warn("dropping undeliverable event", zap.Error(err))
	default:
		log.Error("event dispatch failed, leaving on queue", zap.Error(err))
		if verr := c.source.ChangeVisibility(ctx, m.ReceiptHandle, c.retryDelay); verr != nil {
			log.Warn("failed to reset message visibility", zap.Error(verr))
		}
		return false
	}

	if err := c.source.DeleteMessage(ctx, m.ReceiptHandle); err != nil {
		log.Error("failed to delete message", zap.Error(err))
		return false
	}
	return true
}
