package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/metrics"
)

// Limiter admits or rejects one unit of work under key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ThrottledTransport caps the send rate of a wrapped transport, shared across
// every process using the same limiter backend. A rejected send fails with
// ErrThrottled and is retried by the sweeper. When the limiter itself errors
// the send goes through.
type ThrottledTransport struct {
	next    Transport
	limiter Limiter
	key     string
	logger  *zap.Logger
}

// NewThrottledTransport wraps next with a rate limit under key
func NewThrottledTransport(next Transport, limiter Limiter, key string, logger *zap.Logger) *ThrottledTransport {
	return &ThrottledTransport{next: next, limiter: limiter, key: key, logger: logger}
}

func (t *ThrottledTransport) Deliver(ctx context.Context, msg *Message) (Result, error) {
	allowed, err := t.limiter.Allow(ctx, t.key)
	if err != nil {
		t.logger.Warn("throttle check failed, sending anyway",
			zap.String("key", t.key),
			zap.Error(err),
		)
	} else if !allowed {
		t.logger.Warn("send throttled",
			zap.String("key", t.key),
			zap.String("notification_id", msg.NotificationID.String()),
			zap.String("channel", string(msg.Channel)),
		)
		metrics.RecordThrottleRejection(string(msg.Channel))
		return Result{}, fmt.Errorf("%w: %s", ErrThrottled, t.key)
	}

	return t.next.Deliver(ctx, msg)
}

func (t *ThrottledTransport) SupportsChannel(ch db.Channel) bool {
	return t.next.SupportsChannel(ch)
}
