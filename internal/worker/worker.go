// Package worker runs the background loops: the retry sweeper and the flight
// event consumer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/delivery"
)

// Repository claims due records and loads what a retry needs. A claimed
// record is hidden from other sweepers until the lease passes.
type Repository interface {
	ClaimRetryableDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*db.DeliveryRecord, error)
	GetFlight(ctx context.Context, id int64) (*db.Flight, error)
	GetPassenger(ctx context.Context, id int64) (*db.Passenger, error)
}

// Redeliverer re-attempts and saves delivery records.
type Redeliverer interface {
	Redeliver(ctx context.Context, rec *db.DeliveryRecord, flight *db.Flight, p *db.Passenger) error
	Update(ctx context.Context, rec *db.DeliveryRecord) error
}

// Worker sweeps retry-eligible delivery records on a fixed interval.
type Worker struct {
	repo        Repository
	redeliverer Redeliverer
	config      Config
	logger      *zap.Logger
	now         func() time.Time
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// BatchTimeout bounds one sweep. A sweep in progress finishes even when
	// the worker is stopped.
	BatchTimeout time.Duration
	// ClaimLease is how long a claimed record stays hidden from other
	// sweepers. It must outlast BatchTimeout or a slow batch could be
	// claimed twice.
	ClaimLease time.Duration
}

func New(repo Repository, redeliverer Redeliverer, cfg Config, logger *zap.Logger) *Worker {

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Minute
	}
	if cfg.ClaimLease <= cfg.BatchTimeout {
		cfg.ClaimLease = 2 * cfg.BatchTimeout
	}

	return &Worker{
		repo:        repo,
		redeliverer: redeliverer,
		config:      cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry sweeper stopping")
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.BatchTimeout)
			if _, err := w.Sweep(batchCtx); err != nil {
				w.logger.Error("retry sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Sweep claims one batch of retry-eligible records, re-attempts them and
// returns how many it handled. Concurrent sweeps, in this process or another
// replica, never receive the same record. Errors on one record are logged and
// never stop the batch; only failing to claim the batch is returned.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	recs, err := w.repo.ClaimRetryableDeliveries(ctx, w.now(), w.config.ClaimLease, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim retryable deliveries: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	processed := 0
	for _, rec := range recs {
		if err := w.processRecord(ctx, rec); err != nil {
			w.logger.Error("retry failed",
				zap.String("notification_id", rec.NotificationID.String()),
				zap.Int64("passenger_id", rec.PassengerID),
				zap.Error(err),
			)
			continue
		}
		processed++
	}

	w.logger.Info("retry sweep finished",
		zap.Int("eligible", len(recs)),
		zap.Int("processed", processed),
	)

	return processed, nil
}

func (w *Worker) processRecord(ctx context.Context, rec *db.DeliveryRecord) error {
	flight, err := w.repo.GetFlight(ctx, rec.FlightID)
	if err != nil {
		return w.fail(ctx, rec, "load flight", err)
	}

	passenger, err := w.repo.GetPassenger(ctx, rec.PassengerID)
	if err != nil {
		return w.fail(ctx, rec, "load passenger", err)
	}

	return w.redeliverer.Redeliver(ctx, rec, flight, passenger)
}

// fail advances the record's backoff when its flight or passenger cannot be
// loaded, so one broken record does not come back every sweep.
func (w *Worker) fail(ctx context.Context, rec *db.DeliveryRecord, what string, cause error) error {
	reason := fmt.Sprintf("%s: %v", what, cause)
	if errors.Is(cause, db.ErrNotFound) {
		reason = what + ": not found"
	}

	delivery.MarkFailed(rec, reason, w.now())
	if err := w.redeliverer.Update(ctx, rec); err != nil {
		return fmt.Errorf("%s: %w", reason, err)
	}

	w.logger.Warn("retry could not be attempted",
		zap.String("notification_id", rec.NotificationID.String()),
		zap.String("reason", reason),
		zap.Int("retry_count", rec.RetryCount),
	)
	return nil
}
