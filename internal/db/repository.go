package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the notification engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const flightColumns = `
	f.id, f.flight_number, f.airline, f.status, f.gate,
	f.origin_city, f.destination_city,
	f.scheduled_departure, f.scheduled_arrival, f.actual_departure
`

func scanFlight(row pgx.Row) (*Flight, error) {
	var f Flight
	err := row.Scan(
		&f.ID,
		&f.FlightNumber,
		&f.Airline,
		&f.Status,
		&f.Gate,
		&f.OriginCity,
		&f.DestinationCity,
		&f.ScheduledDeparture,
		&f.ScheduledArrival,
		&f.ActualDeparture,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFlight retrieves a flight by ID
func (r *Repository) GetFlight(ctx context.Context, id int64) (*Flight, error) {
	query := `SELECT ` + flightColumns + ` FROM flights f WHERE f.id = $1`

	f, err := scanFlight(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("flight %d: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get flight", zap.Error(err), zap.Int64("flight_id", id))
		return nil, fmt.Errorf("query flight: %w", err)
	}

	return f, nil
}

// FlightsDepartingBetween returns flights in one of the given statuses whose
// scheduled departure lies in [from, to]. When requireGate is set, flights
// without an assigned gate are skipped.
func (r *Repository) FlightsDepartingBetween(
	ctx context.Context,
	from, to time.Time,
	statuses []string,
	requireGate bool,
) ([]*Flight, error) {
	query := `
		SELECT ` + flightColumns + `
		FROM flights f
		WHERE f.status = ANY($1)
		  AND f.scheduled_departure BETWEEN $2 AND $3
		  AND (NOT $4 OR f.gate IS NOT NULL)
		ORDER BY f.scheduled_departure ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, statuses, from, to, requireGate)
	if err != nil {
		return nil, fmt.Errorf("query departing flights: %w", err)
	}
	defer rows.Close()

	var flights []*Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		flights = append(flights, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return flights, nil
}

// TerminalFlightIDs returns flights that departed, arrived or were cancelled
// with a scheduled departure before the cutoff.
func (r *Repository) TerminalFlightIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	query := `
		SELECT id FROM flights
		WHERE status IN ('departed', 'arrived', 'cancelled')
		  AND scheduled_departure < $1
	`

	rows, err := r.db.Pool().Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query terminal flights: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan flight id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// SetFlightStatus updates a flight's status
func (r *Repository) SetFlightStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE flights SET status = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		r.logger.Error("failed to update flight status",
			zap.Error(err),
			zap.Int64("flight_id", id),
			zap.String("status", status),
		)
		return fmt.Errorf("update flight status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("flight %d: %w", id, ErrNotFound)
	}

	return nil
}

// Passengers are loaded with their preference row and most recent push
// subscription. Preference columns are all NULL when no row exists.
const passengerQuery = `
	SELECT
		p.id, p.flight_id, p.name, p.email, p.phone, p.seat_number, p.booking_reference,
		np.passenger_id,
		np.email_enabled, np.sms_enabled, np.push_enabled, np.in_app_enabled,
		np.flight_status_changes, np.gate_changes, np.boarding_calls, np.delays,
		np.cancellations, np.schedule_changes, np.check_in_reminders, np.baggage_updates,
		np.boarding_call_advance_minutes, np.delay_notification_threshold,
		to_char(np.quiet_hours_start, 'HH24:MI'), to_char(np.quiet_hours_end, 'HH24:MI'),
		np.notification_frequency, np.language, np.timezone,
		ps.endpoint, ps.p256dh, ps.auth
	FROM passengers p
	LEFT JOIN notification_preferences np ON np.passenger_id = p.id
	LEFT JOIN LATERAL (
		SELECT endpoint, p256dh, auth
		FROM push_subscriptions
		WHERE passenger_id = p.id
		ORDER BY created_at DESC
		LIMIT 1
	) ps ON TRUE
`

func scanPassenger(row pgx.Row) (*Passenger, error) {
	var (
		p                                     Passenger
		prefID                                *int64
		email, sms, push, inApp               *bool
		status, gate, boarding, delays        *bool
		cancel, schedule, checkIn, baggage    *bool
		advance, threshold                    *int
		quietStart, quietEnd                  *string
		frequency, language, timezone         *string
		pushEndpoint, pushP256dh, pushAuthKey *string
	)

	err := row.Scan(
		&p.ID, &p.FlightID, &p.Name, &p.Email, &p.Phone, &p.SeatNumber, &p.BookingReference,
		&prefID,
		&email, &sms, &push, &inApp,
		&status, &gate, &boarding, &delays,
		&cancel, &schedule, &checkIn, &baggage,
		&advance, &threshold,
		&quietStart, &quietEnd,
		&frequency, &language, &timezone,
		&pushEndpoint, &pushP256dh, &pushAuthKey,
	)
	if err != nil {
		return nil, err
	}

	if prefID != nil {
		p.Preference = &Preference{
			PassengerID:                *prefID,
			EmailEnabled:               deref(email),
			SMSEnabled:                 deref(sms),
			PushEnabled:                deref(push),
			InAppEnabled:               deref(inApp),
			StatusChanges:              deref(status),
			GateChanges:                deref(gate),
			BoardingCalls:              deref(boarding),
			Delays:                     deref(delays),
			Cancellations:              deref(cancel),
			ScheduleChanges:            deref(schedule),
			CheckInReminders:           deref(checkIn),
			BaggageUpdates:             deref(baggage),
			BoardingCallAdvanceMinutes: deref(advance),
			DelayThresholdMinutes:      deref(threshold),
			QuietHoursStart:            deref(quietStart),
			QuietHoursEnd:              deref(quietEnd),
			Frequency:                  deref(frequency),
			Language:                   deref(language),
			Timezone:                   deref(timezone),
		}
	}

	if pushEndpoint != nil {
		p.PushSubscription = &PushSubscription{
			Endpoint: *pushEndpoint,
			P256dh:   deref(pushP256dh),
			Auth:     deref(pushAuthKey),
		}
	}

	return &p, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

// PassengersForFlight returns every passenger booked on a flight
func (r *Repository) PassengersForFlight(ctx context.Context, flightID int64) ([]*Passenger, error) {
	query := passengerQuery + ` WHERE p.flight_id = $1 ORDER BY p.id ASC`

	rows, err := r.db.Pool().Query(ctx, query, flightID)
	if err != nil {
		return nil, fmt.Errorf("query passengers: %w", err)
	}
	defer rows.Close()

	var passengers []*Passenger
	for rows.Next() {
		p, err := scanPassenger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passenger: %w", err)
		}
		passengers = append(passengers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return passengers, nil
}

// GetPassenger retrieves a passenger with preference and push subscription
func (r *Repository) GetPassenger(ctx context.Context, id int64) (*Passenger, error) {
	query := passengerQuery + ` WHERE p.id = $1`

	p, err := scanPassenger(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("passenger %d: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get passenger", zap.Error(err), zap.Int64("passenger_id", id))
		return nil, fmt.Errorf("query passenger: %w", err)
	}

	return p, nil
}
