package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

// ErrSubscriptionGone means the push service no longer accepts the subscription.
var ErrSubscriptionGone = errors.New("push subscription gone")

// PushTransport hands browser push messages to a web-push gateway over HTTP.
// The gateway owns payload encryption and VAPID signing.
type PushTransport struct {
	client     *http.Client
	gatewayURL string
	logger     *zap.Logger
}

type PushConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// pushRequest is the gateway request body.
type pushRequest struct {
	Subscription db.PushSubscription `json:"subscription"`
	Urgency      string              `json:"urgency"`
	TTL          int                 `json:"ttl"`
	Payload      pushPayload         `json:"payload"`
}

type pushPayload struct {
	NotificationID string `json:"notification_id"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	FlightID       int64  `json:"flight_id"`
	Priority       string `json:"priority"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
}

// NewPushTransport creates a push transport
func NewPushTransport(cfg PushConfig, logger *zap.Logger) *PushTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PushTransport{
		client:     &http.Client{Timeout: timeout},
		gatewayURL: cfg.GatewayURL,
		logger:     logger,
	}
}

// urgency maps notification priority onto the Web Push Urgency header values.
func urgency(p db.Priority) string {
	switch p {
	case db.PriorityUrgent, db.PriorityHigh:
		return "high"
	case db.PriorityLow:
		return "low"
	}
	return "normal"
}

// Deliver posts the message and the passenger's subscription to the gateway
func (p *PushTransport) Deliver(ctx context.Context, msg *Message) (Result, error) {
	if msg.Channel != db.ChannelPush {
		return Result{}, fmt.Errorf("push transport only supports push, got: %s", msg.Channel)
	}
	sub := msg.Recipient.Push
	if sub == nil || sub.Endpoint == "" {
		return Result{}, fmt.Errorf("%w: push", ErrNoAddress)
	}

	body, err := json.Marshal(pushRequest{
		Subscription: *sub,
		Urgency:      urgency(msg.Priority),
		TTL:          3600,
		Payload: pushPayload{
			NotificationID: msg.NotificationID.String(),
			Type:           string(msg.Type),
			Title:          msg.Subject,
			Body:           msg.Body,
			FlightID:       msg.FlightID,
			Priority:       string(msg.Priority),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Gatecall/1.0")
	req.Header.Set("X-Gatecall-Notification-ID", msg.NotificationID.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return Result{}, fmt.Errorf("%w: status %d", ErrSubscriptionGone, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("%w: push gateway returned 429", ErrThrottled)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{}, fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	var pr pushResponse
	_ = json.Unmarshal(respBody, &pr)

	p.logger.Info("push notification delivered",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.Int64("passenger_id", msg.Recipient.PassengerID),
		zap.Int("status_code", resp.StatusCode),
	)

	return Result{ProviderRef: pr.MessageID}, nil
}

// SupportsChannel reports whether this is the push channel
func (p *PushTransport) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelPush
}
