// Package maintenance runs scheduled housekeeping: boarding marker cleanup and
// pruning of terminal delivery records.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultRetentionDays = 30
	defaultMarkerSpec    = "@hourly"
	defaultPruneSpec     = "@daily"
	jobTimeout           = 5 * time.Minute
)

// MarkerCleaner removes boarding markers of finished flights.
type MarkerCleaner interface {
	CleanupMarkers(ctx context.Context, now time.Time) (int, error)
}

// DeliveryPruner deletes terminal delivery records created before cutoff.
type DeliveryPruner interface {
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner schedules the housekeeping jobs on cron.
type Cleaner struct {
	markers   MarkerCleaner
	pruner    DeliveryPruner
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention int

	markerSchedule string
	pruneSchedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetentionDays sets how long terminal delivery records are kept.
func WithRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithMarkerSchedule overrides the cron spec of marker cleanup.
func WithMarkerSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.markerSchedule = spec
		}
	}
}

// WithPruneSchedule overrides the cron spec of delivery pruning.
func WithPruneSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.pruneSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner. A nil dependency skips its job.
func NewCleaner(markers MarkerCleaner, pruner DeliveryPruner, logger *zap.Logger, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		markers:        markers,
		pruner:         pruner,
		now:            func() time.Time { return time.Now().UTC() },
		log:            logger,
		retention:      defaultRetentionDays,
		markerSchedule: defaultMarkerSpec,
		pruneSchedule:  defaultPruneSpec,
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the jobs and launches the scheduler.
func (c *Cleaner) Start() error {
	if c.markers == nil && c.pruner == nil {
		return nil
	}

	if c.markers != nil {
		if _, err := c.cron.AddFunc(c.markerSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if _, err := c.markers.CleanupMarkers(ctx, c.now()); err != nil {
				c.log.Warn("marker cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.pruner != nil {
		if _, err := c.cron.AddFunc(c.pruneSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if _, err := c.Prune(ctx); err != nil {
				c.log.Warn("delivery pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	c.log.Info("maintenance scheduled",
		zap.String("markers", c.markerSchedule),
		zap.String("prune", c.pruneSchedule),
		zap.Int("retention_days", c.retention),
	)
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// Prune deletes terminal delivery records older than the retention period.
func (c *Cleaner) Prune(ctx context.Context) (int64, error) {
	cutoff := c.now().AddDate(0, 0, -c.retention)

	n, err := c.pruner.PruneDeliveries(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info("delivery records pruned", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunOnce runs every configured job once, sequentially.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	var errs error

	if c.markers != nil {
		if _, err := c.markers.CleanupMarkers(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.pruner != nil {
		if _, err := c.Prune(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
