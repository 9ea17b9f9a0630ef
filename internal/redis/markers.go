package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrMarkerStoreUnavailable wraps every redis failure of the marker store.
// Callers treat it as an infrastructure error and abort the cycle.
var ErrMarkerStoreUnavailable = errors.New("marker store unavailable")

// scanBatch is the COUNT hint for prefix scans.
const scanBatch = 200

// MarkerStore keeps short-lived dedup markers. Acquire is a single SET NX
// with TTL, so two schedulers racing on the same key see exactly one winner.
type MarkerStore struct {
	client *Client
	logger *zap.Logger
}

// NewMarkerStore creates a marker store on client
func NewMarkerStore(client *Client, logger *zap.Logger) *MarkerStore {
	return &MarkerStore{client: client, logger: logger}
}

// Acquire sets key if it is absent. It returns false when another holder
// already has it.
func (m *MarkerStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := m.client.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %w", ErrMarkerStoreUnavailable, key, err)
	}
	return ok, nil
}

// Release deletes key
func (m *MarkerStore) Release(ctx context.Context, key string) error {
	if err := m.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %w", ErrMarkerStoreUnavailable, key, err)
	}
	return nil
}

// Has reports whether key is set
func (m *MarkerStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := m.client.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %w", ErrMarkerStoreUnavailable, key, err)
	}
	return n > 0, nil
}

// DeleteByPrefix removes every key starting with prefix and returns how many
// were deleted.
func (m *MarkerStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)

	for {
		keys, next, err := m.client.rdb.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("%w: scan %s*: %w", ErrMarkerStoreUnavailable, prefix, err)
		}

		if len(keys) > 0 {
			n, err := m.client.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("%w: del %s*: %w", ErrMarkerStoreUnavailable, prefix, err)
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if deleted > 0 {
		m.logger.Debug("markers deleted", zap.String("prefix", prefix), zap.Int("count", deleted))
	}

	return deleted, nil
}
