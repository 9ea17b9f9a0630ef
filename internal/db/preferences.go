package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// UpsertPreference replaces a passenger's preference row. Empty quiet hours
// and timezone are stored as NULL.
func (r *Repository) UpsertPreference(ctx context.Context, pref *Preference) error {
	query := `
		INSERT INTO notification_preferences (
			passenger_id,
			email_enabled, sms_enabled, push_enabled, in_app_enabled,
			flight_status_changes, gate_changes, boarding_calls, delays,
			cancellations, schedule_changes, check_in_reminders, baggage_updates,
			boarding_call_advance_minutes, delay_notification_threshold,
			quiet_hours_start, quiet_hours_end,
			notification_frequency, language, timezone, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			NULLIF($16, '')::time, NULLIF($17, '')::time,
			$18, $19, NULLIF($20, ''), NOW()
		)
		ON CONFLICT (passenger_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			push_enabled = EXCLUDED.push_enabled,
			in_app_enabled = EXCLUDED.in_app_enabled,
			flight_status_changes = EXCLUDED.flight_status_changes,
			gate_changes = EXCLUDED.gate_changes,
			boarding_calls = EXCLUDED.boarding_calls,
			delays = EXCLUDED.delays,
			cancellations = EXCLUDED.cancellations,
			schedule_changes = EXCLUDED.schedule_changes,
			check_in_reminders = EXCLUDED.check_in_reminders,
			baggage_updates = EXCLUDED.baggage_updates,
			boarding_call_advance_minutes = EXCLUDED.boarding_call_advance_minutes,
			delay_notification_threshold = EXCLUDED.delay_notification_threshold,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			notification_frequency = EXCLUDED.notification_frequency,
			language = EXCLUDED.language,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
	`

	frequency := pref.Frequency
	if frequency == "" {
		frequency = FrequencyImmediate
	}
	language := pref.Language
	if language == "" {
		language = "en"
	}

	_, err := r.db.Pool().Exec(ctx, query,
		pref.PassengerID,
		pref.EmailEnabled, pref.SMSEnabled, pref.PushEnabled, pref.InAppEnabled,
		pref.StatusChanges, pref.GateChanges, pref.BoardingCalls, pref.Delays,
		pref.Cancellations, pref.ScheduleChanges, pref.CheckInReminders, pref.BaggageUpdates,
		pref.BoardingCallAdvanceMinutes, pref.DelayThresholdMinutes,
		pref.QuietHoursStart, pref.QuietHoursEnd,
		frequency, language, pref.Timezone,
	)
	if err != nil {
		r.logger.Error("failed to upsert preference",
			zap.Error(err),
			zap.Int64("passenger_id", pref.PassengerID),
		)
		return fmt.Errorf("upsert preference: %w", err)
	}

	return nil
}
