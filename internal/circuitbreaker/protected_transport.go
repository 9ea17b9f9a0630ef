package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/channel"
	"github.com/lalithlochan/gatecall/internal/db"
)

// ProtectedTransport wraps a channel transport with a CircuitBreaker. While
// the circuit is open, Deliver fails with ErrCircuitOpen without calling the
// provider; the dispatcher records that as a retryable transport failure.
type ProtectedTransport struct {
	next    channel.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedTransport wraps next with breaker
func NewProtectedTransport(next channel.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

// Deliver sends through the breaker. Missing recipient addresses say nothing
// about provider health and are not counted as failures.
func (p *ProtectedTransport) Deliver(ctx context.Context, msg *channel.Message) (channel.Result, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", msg.NotificationID.String()),
			zap.String("channel", string(msg.Channel)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return channel.Result{}, fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	res, err := p.next.Deliver(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case errors.Is(err, channel.ErrNoAddress):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	}

	return res, err
}

// SupportsChannel delegates to the wrapped transport
func (p *ProtectedTransport) SupportsChannel(ch db.Channel) bool {
	return p.next.SupportsChannel(ch)
}

// Breaker returns the underlying circuit breaker
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
