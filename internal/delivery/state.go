// Package delivery holds the delivery record state machine: transitions,
// retry backoff and eligibility. Everything here is pure; callers persist.
package delivery

import (
	"time"

	"github.com/lalithlochan/gatecall/internal/db"
)

// MaxRetries is the number of failed attempts after which a record is exhausted.
const MaxRetries = db.MaxRetries

// maxBackoff caps the retry delay.
const maxBackoff = 60 * time.Minute

// Backoff returns min(60, 2^n) minutes.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 6 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(n)) * time.Minute
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// MarkSent records a successful dispatch.
func MarkSent(r *db.DeliveryRecord, now time.Time) {
	r.Status = db.StatusSent
	r.SentAt = &now
	r.FailureReason = nil
	r.RetryAt = nil
}

// MarkDelivered records an asynchronous delivery confirmation.
// It returns false when the record is not in the sent state.
func MarkDelivered(r *db.DeliveryRecord, now time.Time) bool {
	if r.Status != db.StatusSent {
		return false
	}
	r.Status = db.StatusDelivered
	r.DeliveredAt = &now
	return true
}

// MarkFailed records a failed attempt. retry_count is incremented first and
// the backoff is computed from the new count, so the first failure waits
// two minutes. At MaxRetries the record is exhausted and retry_at is cleared.
func MarkFailed(r *db.DeliveryRecord, reason string, now time.Time) {
	r.RetryCount++
	r.Status = db.StatusFailed
	r.FailedAt = &now
	r.FailureReason = &reason

	if r.RetryCount >= MaxRetries {
		r.RetryAt = nil
		return
	}

	next := now.Add(Backoff(r.RetryCount))
	r.RetryAt = &next
}

// MarkSuppressed records a policy suppression. This is a terminal, non-failure outcome.
func MarkSuppressed(r *db.DeliveryRecord, why string) {
	reason := "suppressed: " + why
	r.Status = db.StatusCancelled
	r.FailureReason = &reason
	r.RetryAt = nil
}

// ScheduleRetry puts a record back to pending for another attempt without
// touching retry_count. A nil delay uses the backoff for the current count.
func ScheduleRetry(r *db.DeliveryRecord, delay *time.Duration, now time.Time) {
	d := Backoff(r.RetryCount)
	if delay != nil {
		d = *delay
	}
	at := now.Add(d)
	r.Status = db.StatusPending
	r.RetryAt = &at
}

// IsExhausted reports whether automatic retries are over for this record.
func IsExhausted(r *db.DeliveryRecord) bool {
	return r.Status == db.StatusFailed && r.RetryCount >= MaxRetries && r.RetryAt == nil
}

// IsRetryable reports whether the sweeper may pick the record up at now.
// Records an operator re-queued as pending with a due retry_at qualify too.
func IsRetryable(r *db.DeliveryRecord, now time.Time) bool {
	if r.RetryAt == nil || r.RetryAt.After(now) {
		return false
	}
	switch r.Status {
	case db.StatusFailed:
		return r.RetryCount < MaxRetries
	case db.StatusPending:
		return true
	default:
		return false
	}
}

// State returns the operator-facing state. Failed records split into
// retry_scheduled and exhausted.
func State(r *db.DeliveryRecord) string {
	if r.Status != db.StatusFailed {
		return r.Status
	}
	if r.RetryAt != nil {
		return db.StateRetryScheduled
	}
	if r.RetryCount >= MaxRetries {
		return db.StateExhausted
	}
	return db.StatusFailed
}
