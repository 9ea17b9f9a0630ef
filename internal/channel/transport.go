// Package channel carries rendered notifications to passengers over mail,
// SMS, push and the in-app inbox.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

var (
	// ErrNoAddress means the passenger has no address for the channel.
	ErrNoAddress = errors.New("recipient has no address for channel")
	// ErrThrottled means the provider send rate was exceeded. The attempt is retryable.
	ErrThrottled = errors.New("channel throttled")
	// ErrNoTransport means no transport is registered for the channel.
	ErrNoTransport = errors.New("no transport for channel")
)

// Recipient holds the addresses a passenger can be reached on.
type Recipient struct {
	PassengerID int64
	Name        string
	Email       string
	Phone       string
	Push        *db.PushSubscription
}

// RecipientOf extracts the addresses of a passenger.
func RecipientOf(p *db.Passenger) Recipient {
	return Recipient{
		PassengerID: p.ID,
		Name:        p.Name,
		Email:       p.Email,
		Phone:       p.Phone,
		Push:        p.PushSubscription,
	}
}

// Message is one rendered notification addressed over one channel.
type Message struct {
	NotificationID uuid.UUID
	FlightID       int64
	Channel        db.Channel
	Type           db.NotificationType
	Priority       db.Priority
	Recipient      Recipient
	Subject        string
	Body           string
	HTMLBody       string
}

// Result is what a provider returned for a successful attempt.
type Result struct {
	// ProviderRef is the provider's message id, if it gave one.
	ProviderRef string
}

// Transport delivers messages over one or more channels.
type Transport interface {
	Deliver(ctx context.Context, msg *Message) (Result, error)
	SupportsChannel(ch db.Channel) bool
}

// Router sends each message to the first transport that supports its channel.
type Router struct {
	transports []Transport
	logger     *zap.Logger
}

// NewRouter creates a router over the given transports
func NewRouter(logger *zap.Logger, transports ...Transport) *Router {
	return &Router{
		transports: transports,
		logger:     logger,
	}
}

// Deliver routes the message to the transport for its channel
func (r *Router) Deliver(ctx context.Context, msg *Message) (Result, error) {
	for _, t := range r.transports {
		if t.SupportsChannel(msg.Channel) {
			r.logger.Debug("routing message to transport",
				zap.String("channel", string(msg.Channel)),
				zap.String("notification_id", msg.NotificationID.String()),
			)
			return t.Deliver(ctx, msg)
		}
	}

	return Result{}, fmt.Errorf("%w: %s", ErrNoTransport, msg.Channel)
}

// SupportsChannel reports whether any transport handles the channel
func (r *Router) SupportsChannel(ch db.Channel) bool {
	for _, t := range r.transports {
		if t.SupportsChannel(ch) {
			return true
		}
	}
	return false
}

// LogTransport logs messages instead of sending them. Used in development
// for channels without a configured provider.
type LogTransport struct {
	channels map[db.Channel]bool
	logger   *zap.Logger
}

// NewLogTransport creates a log transport for the given channels
func NewLogTransport(logger *zap.Logger, channels ...db.Channel) *LogTransport {
	set := make(map[db.Channel]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &LogTransport{channels: set, logger: logger}
}

func (l *LogTransport) Deliver(_ context.Context, msg *Message) (Result, error) {
	l.logger.Info("notification delivered to log",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("channel", string(msg.Channel)),
		zap.Int64("passenger_id", msg.Recipient.PassengerID),
		zap.String("type", string(msg.Type)),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return Result{ProviderRef: "log-" + msg.NotificationID.String()}, nil
}

func (l *LogTransport) SupportsChannel(ch db.Channel) bool {
	return l.channels[ch]
}
